package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/Yat-Muk/certflow/internal/pkg/tlsconfig"
)

const (
	DirMode      os.FileMode = 0755
	FullchainMode os.FileMode = 0644
	PrivkeyMode  os.FileMode = 0600
)

// WriteSelfSigned 生成一對自簽名證書與私鑰並寫入指定路徑
// 供測試固件與開發環境使用，產出的文件權限與真實 bundle 的約定一致：
// 證書鏈全局可讀、私鑰僅屬主可讀。
func WriteSelfSigned(certPath, keyPath, domain string, notAfter time.Time) error {
	if domain == "" {
		domain = "localhost.localdomain"
	}

	// 創建目錄
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), DirMode); err != nil {
			return fmt.Errorf("創建目錄失敗: %w", err)
		}
	}

	// 生成私鑰 (ECDSA P-256)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("生成私鑰失敗: %w", err)
	}

	// 證書模板
	notBefore := time.Now().Add(-time.Hour)
	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"certflow test"}, CommonName: domain},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
		DNSNames:              []string{domain},
	}

	// 創建證書
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("創建證書失敗: %w", err)
	}

	// 寫入證書文件
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FullchainMode)
	if err != nil {
		return fmt.Errorf("寫入證書文件失敗: %w", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		certOut.Close()
		return fmt.Errorf("編碼證書失敗: %w", err)
	}
	certOut.Close()

	// 寫入私鑰文件
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("編碼私鑰失敗: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, PrivkeyMode)
	if err != nil {
		return fmt.Errorf("寫入私鑰文件失敗: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes}); err != nil {
		keyOut.Close()
		return fmt.Errorf("編碼私鑰失敗: %w", err)
	}
	keyOut.Close()

	// 驗證
	if err := tlsconfig.ValidateCertChain(certPath, keyPath); err != nil {
		return fmt.Errorf("新生成的證書驗證失敗: %w", err)
	}

	return nil
}
