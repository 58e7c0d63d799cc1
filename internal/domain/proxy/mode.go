package proxy

import (
	"fmt"
	"strings"
)

// Mode 反向代理的工作模式
// 模式以生效配置文件首行的標記為準，進程內存不做緩存，
// 跨進程重啟（如 cron 重跑）後讀到的仍是真實狀態。
type Mode string

const (
	// ModeValidationOnly 僅服務 ACME 驗證路徑，首次部署時使用
	ModeValidationOnly Mode = "validation_only"
	// ModeHTTPOnly 純 HTTP 反代後端，證書缺失時的降級模式
	ModeHTTPOnly Mode = "http_only"
	// ModeFullTLS HTTPS 反代後端並將 HTTP 重定向到 HTTPS
	ModeFullTLS Mode = "full_tls"
)

// MarkerPrefix 生效配置首行標記的前綴
const MarkerPrefix = "# certflow-mode:"

// String 實現 Stringer 接口
func (m Mode) String() string {
	return string(m)
}

// IsValid 檢查模式是否有效
func (m Mode) IsValid() bool {
	switch m {
	case ModeValidationOnly, ModeHTTPOnly, ModeFullTLS:
		return true
	}
	return false
}

// Description 用於界面顯示的中文描述
func (m Mode) Description() string {
	switch m {
	case ModeValidationOnly:
		return "僅驗證"
	case ModeHTTPOnly:
		return "HTTP 反代"
	case ModeFullTLS:
		return "HTTPS 反代"
	default:
		return "未知"
	}
}

// Marker 返回寫入配置文件首行的標記行
func (m Mode) Marker() string {
	return MarkerPrefix + " " + string(m)
}

// AllModes 返回所有模式（用於界面遍歷）
func AllModes() []Mode {
	return []Mode{ModeValidationOnly, ModeHTTPOnly, ModeFullTLS}
}

// ParseMarker 從配置文件首行解析模式
// 行不含標記或標記的模式無效時返回錯誤。
func ParseMarker(line string) (Mode, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, MarkerPrefix) {
		return "", fmt.Errorf("配置首行缺少模式標記: %q", line)
	}

	m := Mode(strings.TrimSpace(strings.TrimPrefix(trimmed, MarkerPrefix)))
	if !m.IsValid() {
		return "", fmt.Errorf("模式標記無效: %q", string(m))
	}
	return m, nil
}

// ParseMode 解析用戶輸入的模式名
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("未知的代理模式: %q", s)
	}
	return m, nil
}
