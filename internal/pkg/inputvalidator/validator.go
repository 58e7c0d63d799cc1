package inputvalidator

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// 輸入長度限制常量
const (
	MaxInputBuffer = 4096 // 輸入緩衝區最大長度（4KB）
	MaxMenuInput   = 100  // 菜單輸入最大長度

	// 域名和網絡相關
	MaxDomainLength = 253 // 域名最大長度（RFC 1035）
	MaxEmailLength  = 254 // 郵箱最大長度（RFC 5321）

	// 其他
	MaxUpstreamLength = 255 // 上游地址最大長度
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateLength 驗證字符串長度
func ValidateLength(input string, maxLen int, fieldName string) error {
	if len(input) > maxLen {
		return &ValidationError{
			Field:   fieldName,
			Message: fmt.Sprintf("長度超過限制（最大 %d 字符，當前 %d 字符）", maxLen, len(input)),
		}
	}
	return nil
}

// ValidateEmail 驗證電子郵件
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)

	if email == "" {
		return &ValidationError{Field: "email", Message: "郵箱不能為空"}
	}

	if len(email) > MaxEmailLength {
		return &ValidationError{Field: "email", Message: "郵箱過長"}
	}

	emailRegex := regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	if !emailRegex.MatchString(email) {
		return &ValidationError{Field: "email", Message: "郵箱格式無效"}
	}

	return nil
}

// ValidateUpstream 驗證上游地址 (host:port 形式)
func ValidateUpstream(upstream string) error {
	upstream = strings.TrimSpace(upstream)

	if upstream == "" {
		return &ValidationError{Field: "upstream", Message: "上游地址不能為空"}
	}

	if len(upstream) > MaxUpstreamLength {
		return &ValidationError{Field: "upstream", Message: "上游地址過長"}
	}

	upstreamRegex := regexp.MustCompile(`^[a-zA-Z0-9.\-_]+:\d{1,5}$`)
	if !upstreamRegex.MatchString(upstream) {
		return &ValidationError{Field: "upstream", Message: "上游地址格式無效（需為 host:port）"}
	}

	return nil
}

// ValidateMenuNumber 驗證菜單數字輸入
func ValidateMenuNumber(input string) error {
	input = strings.TrimSpace(input)

	if len(input) > 10 {
		return &ValidationError{Field: "menu", Message: "輸入過長"}
	}

	validMenu := regexp.MustCompile(`^[0-9]+$`)
	if !validMenu.MatchString(input) {
		return &ValidationError{Field: "menu", Message: "只允許數字"}
	}

	return nil
}

// ValidatePrintable 驗證輸入是否全部為可打印 ASCII 字符
func ValidatePrintable(input, fieldName string) error {
	if !utf8.ValidString(input) {
		return &ValidationError{
			Field:   fieldName,
			Message: "包含無效的 UTF-8 字符",
		}
	}

	for _, r := range input {
		if r < 32 || r > 126 {
			return &ValidationError{
				Field:   fieldName,
				Message: "包含非法字符 (僅允許 ASCII 可打印字符)",
			}
		}
	}

	return nil
}

// TruncateInput 截斷過長的輸入
func TruncateInput(input string, maxLen int) string {
	if len(input) <= maxLen {
		return input
	}
	return input[:maxLen]
}

// SanitizeInput 清理輸入（移除控制字符）
func SanitizeInput(input string) string {
	var result strings.Builder
	for _, r := range input {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
