package certstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// RevocationStatus OCSP 查詢結果
type RevocationStatus int

const (
	RevocationUnknown RevocationStatus = iota
	RevocationGood
	RevocationRevoked
)

// String 返回狀態的字符串表示
func (r RevocationStatus) String() string {
	switch r {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Description 用於界面顯示的中文描述
func (r RevocationStatus) Description() string {
	switch r {
	case RevocationGood:
		return "未吊銷"
	case RevocationRevoked:
		return "已吊銷"
	default:
		return "未知"
	}
}

// CheckRevocation 向簽發方的 OCSP 服務查詢證書吊銷狀態。
//
// 盡力而為：查不到按 Unknown 處理並帶回原因，不阻塞主流程。
// 證書被吊銷極少見，但真發生時本地的有效期檢查是發現不了的。
func (s *Store) CheckRevocation(ctx context.Context, domain string) (RevocationStatus, error) {
	data, err := os.ReadFile(s.FullchainPath(domain))
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE007", "讀取證書鏈失敗")
	}

	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE007", "解析證書鏈失敗")
	}
	if len(certs) < 2 {
		return RevocationUnknown, errors.New("STORE008", "證書鏈中缺少簽發者證書，無法構造 OCSP 請求")
	}

	leaf, issuer := certs[0], certs[1]
	if len(leaf.OCSPServer) == 0 {
		return RevocationUnknown, errors.New("STORE008", "證書未聲明 OCSP 服務地址")
	}

	reqBytes, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE009", "構造 OCSP 請求失敗")
	}

	endpoint := leaf.OCSPServer[0]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE009", "構造 OCSP 請求失敗")
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE010", fmt.Sprintf("OCSP 查詢失敗: %s", endpoint))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE010", "讀取 OCSP 響應失敗")
	}

	parsed, err := ocsp.ParseResponse(body, issuer)
	if err != nil {
		return RevocationUnknown, errors.Wrap(err, "STORE010", "解析 OCSP 響應失敗")
	}

	switch parsed.Status {
	case ocsp.Good:
		s.log.Debug("OCSP 查詢完成", zap.String("domain", domain), zap.String("status", "good"))
		return RevocationGood, nil
	case ocsp.Revoked:
		s.log.Warn("證書已被吊銷",
			zap.String("domain", domain),
			zap.Time("revoked_at", parsed.RevokedAt))
		return RevocationRevoked, nil
	default:
		return RevocationUnknown, nil
	}
}
