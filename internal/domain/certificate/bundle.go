package certificate

import "time"

// Bundle 一個域名的證書文件組（完整鏈 + 私鑰）
// 文件按 certbot live 佈局存放：<letsencrypt>/live/<domain>/ 下的
// fullchain.pem 與 privkey.pem，兩者必須同時存在。
type Bundle struct {
	Domain        string
	FullchainPath string
	PrivkeyPath   string
	NotBefore     time.Time
	NotAfter      time.Time
	Issuer        string
	SANs          []string
}

// DaysRemaining 距離過期的整天數（不足一天按零計，過期後為負）
func (b *Bundle) DaysRemaining(now time.Time) int {
	return int(b.NotAfter.Sub(now).Hours() / 24)
}

// IsExpired 檢查證書在給定時刻是否已過期
func (b *Bundle) IsExpired(now time.Time) bool {
	return now.After(b.NotAfter)
}

// StatusKind 證書狀態類型
type StatusKind int

const (
	StatusMissing StatusKind = iota
	StatusValid
	StatusExpired
)

// String 實現 Stringer 接口，用於日誌和歷史記錄
func (k StatusKind) String() string {
	switch k {
	case StatusMissing:
		return "missing"
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Description 用於界面顯示的中文描述
func (k StatusKind) Description() string {
	switch k {
	case StatusMissing:
		return "未簽發"
	case StatusValid:
		return "有效"
	case StatusExpired:
		return "已過期"
	default:
		return "未知"
	}
}

// Status 證書在某一時刻的狀態快照
type Status struct {
	Kind StatusKind
	// 剩餘有效天數，僅 Valid 時有意義
	DaysRemaining int
	// 對應的證書文件組，Missing 時為 nil
	Bundle *Bundle
}

// RenewalDue 判斷是否進入續期窗口
// 剩餘天數小於等於閾值即到期（含等於）；已過期視為到期。
// Missing 沒有可續期的證書，返回 false，應走簽發流程。
func (s Status) RenewalDue(thresholdDays int) bool {
	switch s.Kind {
	case StatusExpired:
		return true
	case StatusValid:
		return s.DaysRemaining <= thresholdDays
	default:
		return false
	}
}
