package appctx

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths 定義應用程序所有的關鍵路徑
type Paths struct {
	BaseDir   string
	ConfigDir string
	DataDir   string
	LogDir    string

	// 證書與驗證相關
	LetsEncryptDir string // certbot live 佈局根目錄
	WebrootDir     string // HTTP-01 驗證文件目錄

	// 反向代理相關
	ProxyVariantDir string // 渲染出的各模式配置變體
	ProxyActivePath string // 被代理加載的生效配置

	ConfigFile         string
	EnvFile            string
	LockFile           string
	HistoryDB          string
	SystemdServicePath string
	SystemdTimerPath   string
}

func NewPaths(baseDir string) (*Paths, error) {
	if baseDir == "" {
		if isProduction() {
			baseDir = "/etc/certflow"
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("無法獲取用戶主目錄: %w", err)
			}
			baseDir = filepath.Join(home, ".certflow")
		}
	}

	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("無法解析絕對路徑: %w", err)
	}

	configDir := absPath
	dataDir := filepath.Join(absPath, "data")
	variantDir := filepath.Join(absPath, "nginx")
	configFile := filepath.Join(configDir, "config.yaml")
	envFile := filepath.Join(configDir, ".env")
	lockFile := filepath.Join(absPath, "certflow.lock")
	historyDB := filepath.Join(dataDir, "history.db")

	// 日誌目錄邏輯
	logDir := filepath.Join(absPath, "logs")
	if isProduction() {
		logDir = "/var/log/certflow"
	}

	// 默認系統路徑
	letsEncryptDir := "/etc/letsencrypt"
	webrootDir := "/var/www/certflow"
	activePath := "/etc/nginx/conf.d/certflow.conf"
	servicePath := "/etc/systemd/system/certflow-renew.service"
	timerPath := "/etc/systemd/system/certflow-renew.timer"

	// 開發環境路徑覆蓋，避免觸碰系統目錄
	if !isProduction() {
		letsEncryptDir = filepath.Join(absPath, "letsencrypt")
		webrootDir = filepath.Join(absPath, "webroot")
		activePath = filepath.Join(variantDir, "active.conf")
	}

	paths := &Paths{
		BaseDir:            absPath,
		ConfigDir:          configDir,
		DataDir:            dataDir,
		LogDir:             logDir,
		LetsEncryptDir:     letsEncryptDir,
		WebrootDir:         webrootDir,
		ProxyVariantDir:    variantDir,
		ProxyActivePath:    activePath,
		ConfigFile:         configFile,
		EnvFile:            envFile,
		LockFile:           lockFile,
		HistoryDB:          historyDB,
		SystemdServicePath: servicePath,
		SystemdTimerPath:   timerPath,
	}

	// 確保目錄存在
	dirs := []string{
		paths.ConfigDir,
		paths.DataDir,
		paths.LogDir,
		paths.ProxyVariantDir,
	}

	if !isProduction() {
		dirs = append(dirs, paths.LetsEncryptDir, paths.WebrootDir)
	}

	for _, dir := range dirs {
		perm := os.FileMode(0700)
		if dir == paths.LogDir || dir == paths.WebrootDir {
			perm = 0755
		}
		if err := os.MkdirAll(dir, perm); err != nil {
			return nil, fmt.Errorf("無法創建目錄 %s: %w", dir, err)
		}
	}

	return paths, nil
}

// LiveDir 返回某個域名的 certbot live 目錄
func (p *Paths) LiveDir(domain string) string {
	return filepath.Join(p.LetsEncryptDir, "live", domain)
}

// FullchainPath 返回某個域名的證書鏈路徑
func (p *Paths) FullchainPath(domain string) string {
	return filepath.Join(p.LiveDir(domain), "fullchain.pem")
}

// PrivkeyPath 返回某個域名的私鑰路徑
func (p *Paths) PrivkeyPath(domain string) string {
	return filepath.Join(p.LiveDir(domain), "privkey.pem")
}

func isProduction() bool {
	return os.Geteuid() == 0 || os.Getenv("CERTFLOW_ENV") == "production"
}
