package certificate

import (
	"testing"
	"time"
)

// TestBundle_DaysRemaining 測試剩餘天數計算
func TestBundle_DaysRemaining(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		notAfter time.Time
		want     int
	}{
		{"剩餘 90 天", now.Add(90 * 24 * time.Hour), 90},
		{"剩餘 30 天整", now.Add(30 * 24 * time.Hour), 30},
		{"剩餘不足一天", now.Add(12 * time.Hour), 0},
		{"剛好過期", now, 0},
		{"過期兩天", now.Add(-48 * time.Hour), -2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Bundle{Domain: "example.com", NotAfter: tt.notAfter}
			if got := b.DaysRemaining(now); got != tt.want {
				t.Errorf("DaysRemaining = %d, 預期 %d", got, tt.want)
			}
		})
	}
}

// TestBundle_IsExpired 測試過期判斷
func TestBundle_IsExpired(t *testing.T) {
	now := time.Now()

	valid := &Bundle{NotAfter: now.Add(24 * time.Hour)}
	if valid.IsExpired(now) {
		t.Error("未過期的證書不應判為過期")
	}

	expired := &Bundle{NotAfter: now.Add(-time.Minute)}
	if !expired.IsExpired(now) {
		t.Error("已過期的證書應判為過期")
	}
}

// TestStatus_RenewalDue 測試續期窗口判斷（邊界必須含等於）
func TestStatus_RenewalDue(t *testing.T) {
	const threshold = 30

	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"剩餘 31 天不續期", Status{Kind: StatusValid, DaysRemaining: 31}, false},
		{"剩餘 30 天整應續期", Status{Kind: StatusValid, DaysRemaining: 30}, true},
		{"剩餘 29 天應續期", Status{Kind: StatusValid, DaysRemaining: 29}, true},
		{"剩餘 1 天應續期", Status{Kind: StatusValid, DaysRemaining: 1}, true},
		{"已過期應續期", Status{Kind: StatusExpired}, true},
		{"未簽發不屬於續期", Status{Kind: StatusMissing}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.RenewalDue(threshold); got != tt.want {
				t.Errorf("RenewalDue(%d) = %v, 預期 %v", threshold, got, tt.want)
			}
		})
	}
}

// TestStatusKind_String 測試狀態標識的穩定性（歷史記錄依賴這些字符串）
func TestStatusKind_String(t *testing.T) {
	cases := map[StatusKind]string{
		StatusMissing: "missing",
		StatusValid:   "valid",
		StatusExpired: "expired",
	}
	for kind, want := range cases {
		if kind.String() != want {
			t.Errorf("StatusKind(%d).String() = %q, 預期 %q", kind, kind.String(), want)
		}
	}
}

// TestResultKind_RoundTrip 測試結果類型與字符串的互轉
func TestResultKind_RoundTrip(t *testing.T) {
	kinds := []ResultKind{
		ResultObtained,
		ResultRenewed,
		ResultAlreadyValid,
		ResultRateLimited,
		ResultValidationFailed,
		ResultSkipped,
	}

	for _, k := range kinds {
		if got := ParseResultKind(k.String()); got != k {
			t.Errorf("ParseResultKind(%q) = %v, 預期 %v", k.String(), got, k)
		}
	}

	if ParseResultKind("total-nonsense") != ResultUnknown {
		t.Error("無法識別的字符串應返回 ResultUnknown")
	}
}

// TestResultKind_IsSuccess 成功結局決定退出碼，邊界必須準確
func TestResultKind_IsSuccess(t *testing.T) {
	success := []ResultKind{ResultObtained, ResultRenewed, ResultAlreadyValid}
	for _, k := range success {
		if !k.IsSuccess() {
			t.Errorf("%v 應算作成功", k)
		}
	}

	failure := []ResultKind{ResultRateLimited, ResultValidationFailed, ResultSkipped, ResultUnknown}
	for _, k := range failure {
		if k.IsSuccess() {
			t.Errorf("%v 不應算作成功", k)
		}
	}
}
