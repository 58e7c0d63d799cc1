package validator

import (
	"errors"
	"net"
	"path/filepath"
	"regexp"
	"strings"
)

// 預編譯正則表達式，避免在熱路徑中重複編譯
var (
	// TLD 驗證：至少 2 個字母
	reTLD = regexp.MustCompile(`^[a-zA-Z]{2,}$`)
	// Label 驗證：字母、數字、連字號
	reLabel = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)
	// 文件名驗證：允許字母、數字、點、橫線、下劃線
	reFilename = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateDomain 驗證域名格式
func ValidateDomain(domain string) bool {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return false
	}

	// 不允許純 IP：ACME HTTP-01 無法為 IP 簽發證書
	if net.ParseIP(domain) != nil {
		return false
	}

	// 至少要有一個點
	if !strings.Contains(domain, ".") {
		return false
	}

	// 總長度限制，不能以點開頭或結尾
	if len(domain) > 253 || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}

	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}

	// 檢查頂級域名
	tld := labels[len(labels)-1]
	if !reTLD.MatchString(tld) {
		return false
	}

	// 每個 label 只能包含字母、數字、連字號；長度 1–63，不能以連字號開頭或結尾
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !reLabel.MatchString(label) {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}

	return true
}

// ValidateFilename 驗證文件名安全性（防止路徑遍歷）
func ValidateFilename(filename string) error {
	filename = strings.TrimSpace(filename)

	if filename == "" {
		return errors.New("文件名不能為空")
	}

	// 1. 檢查路徑遍歷攻擊
	if strings.Contains(filename, "..") {
		return errors.New("文件名不能包含 '..' (路徑遍歷攻擊)")
	}

	// 2. 禁止路徑分隔符 (考慮操作系統兼容性)
	if strings.ContainsAny(filename, `/\`) {
		return errors.New("文件名不能包含路徑分隔符")
	}

	// 3. 禁止空字節注入
	if strings.Contains(filename, "\x00") {
		return errors.New("文件名不能包含空字節")
	}

	// 4. 檢查文件名長度（Linux/Unix: 255 字節上限）
	if len(filename) > 255 {
		return errors.New("文件名過長（最多 255 字符）")
	}

	// 5. 驗證字符合法性
	if !reFilename.MatchString(filename) {
		return errors.New("文件名只能包含字母、數字、點、橫線、下劃線")
	}

	// 6. 禁止特殊文件名 (Windows 保留字)
	reserved := []string{
		"CON", "PRN", "AUX", "NUL",
		"COM1", "COM2", "COM3", "COM4", "COM5", "COM6", "COM7", "COM8", "COM9",
		"LPT1", "LPT2", "LPT3", "LPT4", "LPT5", "LPT6", "LPT7", "LPT8", "LPT9",
	}

	filenameUpper := strings.ToUpper(filename)
	for _, r := range reserved {
		if filenameUpper == r || strings.HasPrefix(filenameUpper, r+".") {
			return errors.New("文件名為系統保留名稱")
		}
	}

	return nil
}

// ValidateSafePath 驗證完整路徑安全性
// 確保目標路徑在指定的基礎目錄內，防止路徑遍歷到系統敏感目錄
func ValidateSafePath(baseDir, filename string) error {
	// 1. 先驗證文件名
	if err := ValidateFilename(filename); err != nil {
		return err
	}

	// 2. 獲取基礎目錄的絕對路徑
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return errors.New("無法解析基礎目錄: " + err.Error())
	}

	// 3. 構建完整路徑並解析絕對路徑
	fullPath := filepath.Join(absBase, filename)
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return errors.New("無法解析路徑: " + err.Error())
	}

	// 4. 確保最終路徑在基礎目錄內 (前綴檢查)
	if !strings.HasPrefix(absPath, absBase) {
		return errors.New("路徑不在允許的基礎目錄內")
	}

	return nil
}

// ValidateCertDomain 驗證證書域名（結合 ValidateDomain + 路徑安全）
// 域名會直接用作 live/<domain>/ 目錄名，必須同時通過兩種驗證
func ValidateCertDomain(domain string) error {
	// 1. 基礎格式驗證
	if !ValidateDomain(domain) {
		return errors.New("域名格式無效")
	}

	// 2. 路徑安全驗證（域名會用作文件名）
	if err := ValidateFilename(domain); err != nil {
		return errors.New("域名包含不安全字符: " + err.Error())
	}

	return nil
}
