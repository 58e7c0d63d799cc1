package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ValidateCertChain 驗證證書和私鑰是否匹配且有效
// 在外部客戶端聲稱簽發成功之後、切換代理到 TLS 模式之前調用，
// 攔截證書鏈與私鑰不配對的外部工具狀態偏差。
func ValidateCertChain(certPath, keyPath string) error {
	// 1. 加載密鑰對
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return fmt.Errorf("加載密鑰對失敗: %w", err)
	}

	// 2. 解析證書
	if len(cert.Certificate) == 0 {
		return errors.New("證書鏈為空")
	}
	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return fmt.Errorf("解析 x509 證書失敗: %w", err)
	}

	// 3. 驗證公鑰與私鑰是否匹配
	switch pub := x509Cert.PublicKey.(type) {
	case *rsa.PublicKey:
		priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return errors.New("私鑰類型不匹配 (預期 RSA)")
		}
		if pub.N.Cmp(priv.N) != 0 || pub.E != priv.E {
			return errors.New("RSA 公鑰與私鑰不匹配")
		}
	case *ecdsa.PublicKey:
		priv, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
		if !ok {
			return errors.New("私鑰類型不匹配 (預期 ECDSA)")
		}
		if pub.X.Cmp(priv.X) != 0 || pub.Y.Cmp(priv.Y) != 0 {
			return errors.New("ECDSA 公鑰與私鑰不匹配")
		}
	default:
		return fmt.Errorf("不支持的公鑰算法: %T", x509Cert.PublicKey)
	}

	return nil
}

// ParseCertFromFile 簡單解析證書文件以獲取域名信息
func ParseCertFromFile(certPath string) (*x509.Certificate, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("無效的 PEM 格式")
	}

	return x509.ParseCertificate(block.Bytes)
}
