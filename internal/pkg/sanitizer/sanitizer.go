package sanitizer

import (
	"fmt"
	"regexp"
	"strings"
)

// 敏感字段關鍵詞 (Fast Path 過濾用)
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "key", "auth", "credential",
	"private", "account",
}

// 預編譯正則表達式 (Slow Path 用)
var (
	// Email
	emailRegex = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	// PEM 私鑰塊
	privateKeyRegex = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	// ACME 賬戶 URL (包含賬戶 ID)
	accountURLRegex = regexp.MustCompile(`https://acme[^\s]*/acct/\d+`)
)

// Sanitize 對任意對象進行脫敏處理 (通常用於日誌輸出)
func Sanitize(v interface{}) string {
	// 1. 序列化為字符串
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case []byte:
		s = string(val)
	case error:
		s = val.Error()
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprintf("%v", v)
	}

	// 2. Fast Path: 快速檢查是否可能包含敏感數據
	// 如果字符串中連一個敏感關鍵詞都沒有，直接返回，避免正則開銷
	if !mightContainSensitiveData(s) {
		return s
	}

	// 3. Slow Path: 執行正則替換
	return sanitizeString(s)
}

// sanitizeString 執行具體的正則替換
func sanitizeString(s string) string {
	// 脫敏私鑰塊 (絕不允許私鑰內容進入日誌)
	s = privateKeyRegex.ReplaceAllString(s, "***PRIVATE-KEY***")

	// 脫敏 Email
	s = emailRegex.ReplaceAllStringFunc(s, func(match string) string {
		return Email(match)
	})

	// 脫敏 ACME 賬戶 URL
	s = accountURLRegex.ReplaceAllString(s, "https://acme/***acct***")

	return s
}

// mightContainSensitiveData 快速檢查 (O(N) 字符串搜索)
func mightContainSensitiveData(s string) bool {
	sLower := strings.ToLower(s)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(sLower, kw) {
			return true
		}
	}
	// 額外檢查是否包含 @ 符號 (Email)
	return strings.Contains(s, "@")
}

// String 通用字符串脫敏 (保留首尾)
func String(s string, start, end int) string {
	if len(s) <= start+end {
		return "***"
	}
	return s[:start] + "***" + s[len(s)-end:]
}

// Email 郵箱脫敏
func Email(s string) string {
	at := strings.Index(s, "@")
	if at <= 1 {
		return s
	}
	name := s[:at]
	domain := s[at:]

	maskedName := name
	if len(name) > 2 {
		maskedName = name[:2] + "***"
	} else {
		maskedName = name[:1] + "***"
	}
	return maskedName + domain
}

// Tail 截取輸出尾部，用於把子進程診斷塞進日誌或錯誤詳情
// 子進程輸出可能很長，只保留結尾最有價值的部分
func Tail(s string, maxLines int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}
