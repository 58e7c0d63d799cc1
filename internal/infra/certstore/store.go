package certstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/validator"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/tlsconfig"
)

const (
	// FullchainMode 證書鏈全局可讀，nginx 的 worker 進程要讀
	FullchainMode os.FileMode = 0644
	// PrivkeyMode 私鑰僅屬主可讀寫
	PrivkeyMode os.FileMode = 0600
)

// Store certbot live 佈局的證書讀取層。
//
// baseDir 是 certbot 的配置目錄（默認 /etc/letsencrypt），
// 每個域名的現行證書位於 live/<domain>/fullchain.pem 和 privkey.pem。
// live 下放的是指向 archive 的符號鏈接，讀取和改權限都作用在鏈接目標上。
// 寫入完全交給 certbot，這裡只讀、校驗、修權限。
type Store struct {
	baseDir string
	log     *zap.Logger
}

// NewStore 創建證書存取層
func NewStore(baseDir string, log *zap.Logger) *Store {
	return &Store{baseDir: baseDir, log: log}
}

// BaseDir 返回 certbot 配置目錄
func (s *Store) BaseDir() string {
	return s.baseDir
}

// LiveDir 返回域名的現行證書目錄
func (s *Store) LiveDir(domain string) string {
	return filepath.Join(s.baseDir, "live", domain)
}

// FullchainPath 返回證書鏈路徑
func (s *Store) FullchainPath(domain string) string {
	return filepath.Join(s.LiveDir(domain), "fullchain.pem")
}

// PrivkeyPath 返回私鑰路徑
func (s *Store) PrivkeyPath(domain string) string {
	return filepath.Join(s.LiveDir(domain), "privkey.pem")
}

// guardDomain 域名直接用作 live/ 下的目錄名，觸盤前先擋掉路徑穿越
func (s *Store) guardDomain(domain string) error {
	if err := validator.ValidateSafePath(filepath.Join(s.baseDir, "live"), domain); err != nil {
		return errors.Wrap(err, "STORE007", fmt.Sprintf("域名 %q 不可用作證書目錄名", domain))
	}
	return nil
}

// Status 讀取域名的證書狀態。
// 兩個文件都不在是正常的「未簽發」；只在一個是損壞狀態，按錯誤報告，
// 免得上層拿著殘缺的 bundle 去切 TLS。
func (s *Store) Status(domain string) (certificate.Status, error) {
	if err := s.guardDomain(domain); err != nil {
		return certificate.Status{}, err
	}

	fullPath := s.FullchainPath(domain)
	keyPath := s.PrivkeyPath(domain)

	fullExists := fileExists(fullPath)
	keyExists := fileExists(keyPath)

	if !fullExists && !keyExists {
		return certificate.Status{Kind: certificate.StatusMissing}, nil
	}
	if fullExists != keyExists {
		missing := fullPath
		if fullExists {
			missing = keyPath
		}
		return certificate.Status{}, errors.Wrap(errors.ErrBundleIncomplete, "STORE001",
			fmt.Sprintf("域名 %s 的證書文件組殘缺，缺少 %s", domain, missing))
	}

	bundle, err := s.readBundle(domain, fullPath, keyPath)
	if err != nil {
		return certificate.Status{}, err
	}

	now := time.Now()
	kind := certificate.StatusValid
	if bundle.IsExpired(now) {
		kind = certificate.StatusExpired
	}
	return certificate.Status{
		Kind:          kind,
		DaysRemaining: bundle.DaysRemaining(now),
		Bundle:        bundle,
	}, nil
}

func (s *Store) readBundle(domain, fullPath, keyPath string) (*certificate.Bundle, error) {
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, errors.Wrap(err, "STORE002", fmt.Sprintf("讀取證書鏈失敗: %s", fullPath))
	}

	certs, err := certcrypto.ParsePEMBundle(data)
	if err != nil {
		return nil, errors.Wrap(err, "STORE003", fmt.Sprintf("解析證書鏈失敗: %s", fullPath))
	}

	// fullchain.pem 首位是葉子證書，其後是中間證書
	leaf := certs[0]

	issuer := leaf.Issuer.CommonName
	if len(leaf.Issuer.Organization) > 0 {
		issuer = leaf.Issuer.Organization[0]
	}

	return &certificate.Bundle{
		Domain:        domain,
		FullchainPath: fullPath,
		PrivkeyPath:   keyPath,
		NotBefore:     leaf.NotBefore,
		NotAfter:      leaf.NotAfter,
		Issuer:        issuer,
		SANs:          append([]string(nil), leaf.DNSNames...),
	}, nil
}

// Verify 驗證證書鏈與私鑰確實配對。
// 在 certbot 聲稱成功之後、切換代理到 TLS 模式之前調用，
// 攔截外部工具狀態與磁盤實際內容的偏差。
func (s *Store) Verify(domain string) error {
	if err := s.guardDomain(domain); err != nil {
		return err
	}
	if err := tlsconfig.ValidateCertChain(s.FullchainPath(domain), s.PrivkeyPath(domain)); err != nil {
		return errors.Wrap(err, "STORE004", fmt.Sprintf("域名 %s 的證書驗證失敗", domain))
	}
	return nil
}

// NormalizePermissions 把證書文件權限歸位：證書鏈 0644、私鑰 0600。
// certbot 的默認權限隨版本變過幾次，這裡統一成 nginx 讀得了、
// 別人讀不了私鑰的狀態。失敗必須報出來，悄悄吞掉會讓代理半夜讀不到證書。
func (s *Store) NormalizePermissions(domain string) error {
	fullPath := s.FullchainPath(domain)
	keyPath := s.PrivkeyPath(domain)

	if err := os.Chmod(fullPath, FullchainMode); err != nil {
		return errors.Wrap(err, "STORE005", fmt.Sprintf("修正證書鏈權限失敗: %s", fullPath))
	}
	if err := os.Chmod(keyPath, PrivkeyMode); err != nil {
		return errors.Wrap(err, "STORE005", fmt.Sprintf("修正私鑰權限失敗: %s", keyPath))
	}

	s.log.Debug("證書文件權限已歸位",
		zap.String("domain", domain),
		zap.String("fullchain", FullchainMode.String()),
		zap.String("privkey", PrivkeyMode.String()))
	return nil
}

// Domains 列出 live 目錄下已有證書的域名，按字典序排列。
// certbot 會在 live 下放一個 README，跳過非目錄項即可。
func (s *Store) Domains() ([]string, error) {
	liveRoot := filepath.Join(s.baseDir, "live")
	entries, err := os.ReadDir(liveRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "STORE006", fmt.Sprintf("讀取證書目錄失敗: %s", liveRoot))
	}

	var domains []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		domains = append(domains, entry.Name())
	}
	sort.Strings(domains)
	return domains, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
