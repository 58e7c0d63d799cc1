package certbot

import (
	"strings"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
)

// classification 短語表條目
type classification struct {
	phrase string
	kind   certificate.ResultKind
}

// phraseTable certbot 輸出的結果短語表，按優先級排列。
//
// certbot 沒有機器可讀的結果輸出，只能匹配人類文案。
// 文案會隨版本變動，升級 certbot 前要對照它的 CHANGELOG 核一遍這張表。
// 順序有講究：續期成功的輸出同時含有「renewing」和「successfully received」，
// 頻率限制的輸出也可能帶著驗證字樣，先匹配更具體的。
var phraseTable = []classification{
	// 頻率限制
	{"too many certificates", certificate.ResultRateLimited},
	{"too many failed authorizations", certificate.ResultRateLimited},
	{"rate limit", certificate.ResultRateLimited},

	// 域名驗證失敗
	{"some challenges have failed", certificate.ResultValidationFailed},
	{"challenge failed", certificate.ResultValidationFailed},
	{"invalid response from", certificate.ResultValidationFailed},
	{"dns problem", certificate.ResultValidationFailed},
	{"no valid a records found", certificate.ResultValidationFailed},
	{"connection refused", certificate.ResultValidationFailed},
	{"timeout during connect", certificate.ResultValidationFailed},

	// 證書仍有效，certbot 以狀態碼 0 退出且不動現有證書
	{"certificate not yet due for renewal", certificate.ResultAlreadyValid},
	{"not yet due for renewal", certificate.ResultAlreadyValid},

	// 續期與演練續期
	{"renewing an existing certificate", certificate.ResultRenewed},
	{"simulating renewal of an existing certificate", certificate.ResultRenewed},

	// 首次簽發與演練簽發
	{"successfully received certificate", certificate.ResultObtained},
	{"congratulations", certificate.ResultObtained},
	{"simulating a certificate request", certificate.ResultObtained},
	{"the dry run was successful", certificate.ResultObtained},
}

// Classify 在 certbot 的合併輸出裡匹配第一個命中的短語。
// 什麼都沒中返回 ResultUnknown，由調用方按失敗處理。
func Classify(output string) (certificate.ResultKind, string) {
	lower := strings.ToLower(output)
	for _, c := range phraseTable {
		if strings.Contains(lower, c.phrase) {
			return c.kind, c.phrase
		}
	}
	return certificate.ResultUnknown, ""
}
