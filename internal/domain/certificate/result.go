package certificate

// ResultKind 證書操作結果類型
type ResultKind int

const (
	ResultUnknown          ResultKind = 0
	ResultObtained         ResultKind = 1 // 新簽發成功
	ResultRenewed          ResultKind = 2 // 續期成功
	ResultAlreadyValid     ResultKind = 3 // 證書仍然有效，未執行任何操作
	ResultRateLimited      ResultKind = 4 // 觸發 CA 簽發頻率限制
	ResultValidationFailed ResultKind = 5 // 域名驗證失敗
	ResultSkipped          ResultKind = 6 // 操作未進入簽發流程即被跳過
)

// String 實現 Stringer 接口，作為歷史記錄的穩定標識
func (k ResultKind) String() string {
	switch k {
	case ResultObtained:
		return "obtained"
	case ResultRenewed:
		return "renewed"
	case ResultAlreadyValid:
		return "already_valid"
	case ResultRateLimited:
		return "rate_limited"
	case ResultValidationFailed:
		return "validation_failed"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Description 用於界面顯示的中文描述
func (k ResultKind) Description() string {
	switch k {
	case ResultObtained:
		return "簽發成功"
	case ResultRenewed:
		return "續期成功"
	case ResultAlreadyValid:
		return "證書仍有效"
	case ResultRateLimited:
		return "觸發頻率限制"
	case ResultValidationFailed:
		return "驗證失敗"
	case ResultSkipped:
		return "已跳過"
	default:
		return "未知"
	}
}

// IsSuccess 是否算作成功結局（決定命令退出碼）
func (k ResultKind) IsSuccess() bool {
	switch k {
	case ResultObtained, ResultRenewed, ResultAlreadyValid:
		return true
	default:
		return false
	}
}

// ParseResultKind 從歷史記錄的字符串還原結果類型
func ParseResultKind(s string) ResultKind {
	switch s {
	case "obtained":
		return ResultObtained
	case "renewed":
		return ResultRenewed
	case "already_valid":
		return ResultAlreadyValid
	case "rate_limited":
		return ResultRateLimited
	case "validation_failed":
		return ResultValidationFailed
	case "skipped":
		return ResultSkipped
	default:
		return ResultUnknown
	}
}

// OperationResult 單次證書操作的完整結果
type OperationResult struct {
	// 本次運行的唯一標識，同一次 CLI 調用內的所有記錄共享
	RunID  string
	Domain string
	Kind   ResultKind
	// 人類可讀的補充說明（失敗原因、跳過原因等）
	Detail string
	// 簽發失敗後操作者接受了 http_only 降級，服務仍然在線
	FellBack bool
	// 操作結束後的證書文件組，無證書時為 nil
	Bundle *Bundle
}

// ExitSuccess 決定命令退出碼：成功結局，或操作者明確接受的降級
func (r *OperationResult) ExitSuccess() bool {
	return r.Kind.IsSuccess() || r.FellBack
}
