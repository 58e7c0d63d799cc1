package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Yat-Muk/certflow/internal/domain/validator"
	"github.com/Yat-Muk/certflow/internal/pkg/inputvalidator"
)

// Repository 配置倉庫接口
type Repository interface {
	// Load 加載配置
	Load(ctx context.Context) (*Config, error)

	// Save 保存配置
	Save(ctx context.Context, cfg *Config) error
}

// Config 主配置結構
type Config struct {
	Version int `yaml:"version"`

	// 託管的域名列表，第一個為主域名
	Domains []string `yaml:"domains" env:"CERTFLOW_DOMAINS" envSeparator:","`
	// ACME 註冊郵箱
	Email string `yaml:"email" env:"CERTFLOW_EMAIL"`
	// HTTP 模式下反向代理的後端地址（host:port）
	Upstream string `yaml:"upstream" env:"CERTFLOW_UPSTREAM"`

	Log     LogConfig     `yaml:"log"`
	Lease   LeaseConfig   `yaml:"lease"`
	Certbot CertbotConfig `yaml:"certbot"`
	Nginx   NginxConfig   `yaml:"nginx"`
	Renewal RenewalConfig `yaml:"renewal"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputPath string `yaml:"output_path"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// LeaseConfig 端口接管配置
// StopServices 中的服務單元會在取證期間被真正停止，
// 與本機共存的業務請謹慎列入。
type LeaseConfig struct {
	// 驗證需要接管的端口，默認 80/443
	Ports []int `yaml:"ports"`
	// 允許經 systemd 優雅停止的服務單元（如 nginx.service）
	StopServices []string `yaml:"stop_services"`
	// 允許停止發佈該端口的容器；關閉時遇到容器直接報告端口佔用
	DockerReclaim bool `yaml:"docker_reclaim" env:"CERTFLOW_DOCKER_RECLAIM"`
	// SIGTERM 後等待退出的上限（秒）
	GraceWaitSec int `yaml:"grace_wait_sec"`
	// 等待期間的輪詢間隔（秒）
	PollEverySec int `yaml:"poll_every_sec"`
	// SIGKILL 後等待回收的上限（秒）
	ForceWaitSec int `yaml:"force_wait_sec"`
}

// CertbotConfig 證書客戶端配置
type CertbotConfig struct {
	// certbot 可執行文件，默認從 PATH 查找
	Binary string `yaml:"binary" env:"CERTFLOW_CERTBOT_BINARY"`
	// certbot 配置目錄，證書位於其下的 live/<domain>/
	ConfigDir string `yaml:"config_dir"`
	// HTTP-01 令牌文件根目錄
	Webroot string `yaml:"webroot"`
	// 單次執行時限（秒）
	TimeoutSec int `yaml:"timeout_sec"`
}

// NginxConfig 反向代理配置
type NginxConfig struct {
	// nginx 可執行文件，用於 -t 語法檢查
	Binary string `yaml:"binary"`
	// 站點配置的落地路徑
	SitePath string `yaml:"site_path"`
	// 重載時操作的 systemd 單元名
	ReloadUnit string `yaml:"reload_unit"`
}

// RenewalConfig 續期配置
type RenewalConfig struct {
	// 剩餘天數小於等於該值即觸發續期
	ThresholdDays int `yaml:"threshold_days"`
	// 定時任務單次運行處理的證書數上限
	MaxPerRun int `yaml:"max_per_run"`
}

// DefaultConfig 返回默認配置
func DefaultConfig() *Config {
	return &Config{
		Version:  ConfigVersionLatest,
		Domains:  []string{},
		Email:    "",
		Upstream: "127.0.0.1:8000",
		Log: LogConfig{
			Level:      "info",
			OutputPath: "/var/log/certflow/certflow.log",
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
		Lease: LeaseConfig{
			Ports:         []int{80, 443},
			StopServices:  []string{},
			DockerReclaim: false,
			GraceWaitSec:  10,
			PollEverySec:  2,
			ForceWaitSec:  5,
		},
		Certbot: CertbotConfig{
			Binary:     "certbot",
			ConfigDir:  "/etc/letsencrypt",
			Webroot:    "/var/www/certflow",
			TimeoutSec: 120,
		},
		Nginx: NginxConfig{
			Binary:     "nginx",
			SitePath:   "/etc/nginx/conf.d/certflow.conf",
			ReloadUnit: "nginx.service",
		},
		Renewal: RenewalConfig{
			ThresholdDays: 30,
			MaxPerRun:     5,
		},
	}
}

// FillDefaults 自動填充缺省字段
// 手寫的 config.yaml 往往只給出 domains 和 email，其餘字段按默認值補齊。
func (c *Config) FillDefaults() {
	c.FillDefaultsFrom(DefaultConfig())
}

// FillDefaultsFrom 按給定的默認配置補齊缺省字段。
// 路徑類默認值因運行環境而異（root 走系統目錄，普通用戶走工作目錄），
// 由調用方按實際路徑構造 def 傳入。
func (c *Config) FillDefaultsFrom(def *Config) {

	if c.Upstream == "" {
		c.Upstream = def.Upstream
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.OutputPath == "" {
		c.Log.OutputPath = def.Log.OutputPath
	}
	if c.Log.MaxSize == 0 {
		c.Log.MaxSize = def.Log.MaxSize
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = def.Log.MaxBackups
	}
	if c.Log.MaxAge == 0 {
		c.Log.MaxAge = def.Log.MaxAge
	}

	if len(c.Lease.Ports) == 0 {
		c.Lease.Ports = append([]int(nil), def.Lease.Ports...)
	}
	if c.Lease.GraceWaitSec == 0 {
		c.Lease.GraceWaitSec = def.Lease.GraceWaitSec
	}
	if c.Lease.PollEverySec == 0 {
		c.Lease.PollEverySec = def.Lease.PollEverySec
	}
	if c.Lease.ForceWaitSec == 0 {
		c.Lease.ForceWaitSec = def.Lease.ForceWaitSec
	}

	if c.Certbot.Binary == "" {
		c.Certbot.Binary = def.Certbot.Binary
	}
	if c.Certbot.ConfigDir == "" {
		c.Certbot.ConfigDir = def.Certbot.ConfigDir
	}
	if c.Certbot.Webroot == "" {
		c.Certbot.Webroot = def.Certbot.Webroot
	}
	if c.Certbot.TimeoutSec == 0 {
		c.Certbot.TimeoutSec = def.Certbot.TimeoutSec
	}

	if c.Nginx.Binary == "" {
		c.Nginx.Binary = def.Nginx.Binary
	}
	if c.Nginx.SitePath == "" {
		c.Nginx.SitePath = def.Nginx.SitePath
	}
	if c.Nginx.ReloadUnit == "" {
		c.Nginx.ReloadUnit = def.Nginx.ReloadUnit
	}

	if c.Renewal.ThresholdDays == 0 {
		c.Renewal.ThresholdDays = def.Renewal.ThresholdDays
	}
	if c.Renewal.MaxPerRun == 0 {
		c.Renewal.MaxPerRun = def.Renewal.MaxPerRun
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	for _, d := range c.Domains {
		if err := validator.ValidateCertDomain(d); err != nil {
			return fmt.Errorf("域名 %q 無效: %w", d, err)
		}
	}

	if c.Email != "" {
		if err := inputvalidator.ValidateEmail(c.Email); err != nil {
			return fmt.Errorf("郵箱無效: %w", err)
		}
	}

	if c.Upstream != "" {
		if err := inputvalidator.ValidateUpstream(c.Upstream); err != nil {
			return fmt.Errorf("後端地址無效: %w", err)
		}
	}

	if len(c.Lease.Ports) == 0 {
		return fmt.Errorf("端口列表不能為空")
	}
	for _, p := range c.Lease.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("端口 %d 超出範圍 (1-65535)", p)
		}
	}
	if c.Lease.GraceWaitSec < 1 || c.Lease.PollEverySec < 1 || c.Lease.ForceWaitSec < 1 {
		return fmt.Errorf("端口接管的等待參數必須為正數")
	}

	if c.Certbot.TimeoutSec < 1 {
		return fmt.Errorf("certbot 執行時限必須為正數")
	}
	for name, p := range map[string]string{
		"certbot.config_dir": c.Certbot.ConfigDir,
		"certbot.webroot":    c.Certbot.Webroot,
		"nginx.site_path":    c.Nginx.SitePath,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s 必須是絕對路徑: %q", name, p)
		}
	}

	if c.Renewal.ThresholdDays < 1 || c.Renewal.ThresholdDays > 89 {
		return fmt.Errorf("續期閾值 %d 超出範圍 (1-89)", c.Renewal.ThresholdDays)
	}
	if c.Renewal.MaxPerRun < 1 {
		return fmt.Errorf("單次處理上限必須為正數")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("日誌級別 %q 無效", c.Log.Level)
	}

	return nil
}

// DeepCopy 深拷貝配置（序列化回環策略）
// Marshal -> Unmarshal 自動覆蓋所有切片與嵌套結構，新增字段零維護。
// 只在修改配置時觸發，性能代價可忽略。
func (c *Config) DeepCopy() *Config {
	if c == nil {
		return nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		// Config 全部是可序列化的純數據字段，走到這裡說明結構被改壞了
		panic(fmt.Errorf("DeepCopy 序列化失敗 (這是一個 Bug): %w", err))
	}

	var newCfg Config
	if err := yaml.Unmarshal(data, &newCfg); err != nil {
		panic(fmt.Errorf("DeepCopy 反序列化失敗 (這是一個 Bug): %w", err))
	}

	return &newCfg
}

// PrimaryDomain 返回主域名（列表第一項），未配置時為空字符串
func (c *Config) PrimaryDomain() string {
	if len(c.Domains) == 0 {
		return ""
	}
	return c.Domains[0]
}

// HasDomain 檢查域名是否已在託管列表中
func (c *Config) HasDomain(domain string) bool {
	for _, d := range c.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// AddDomain 添加託管域名（已存在則忽略）
func (c *Config) AddDomain(domain string) {
	if c.HasDomain(domain) {
		return
	}
	c.Domains = append(c.Domains, domain)
}

// RemoveDomain 移除託管域名
func (c *Config) RemoveDomain(domain string) {
	newDomains := make([]string, 0, len(c.Domains))
	for _, d := range c.Domains {
		if d != domain {
			newDomains = append(newDomains, d)
		}
	}
	c.Domains = newDomains
}

// GraceWait SIGTERM 後的等待上限
func (l *LeaseConfig) GraceWait() time.Duration {
	return time.Duration(l.GraceWaitSec) * time.Second
}

// PollEvery 等待期間的輪詢間隔
func (l *LeaseConfig) PollEvery() time.Duration {
	return time.Duration(l.PollEverySec) * time.Second
}

// ForceWait SIGKILL 後的等待上限
func (l *LeaseConfig) ForceWait() time.Duration {
	return time.Duration(l.ForceWaitSec) * time.Second
}

// HTTPPort HTTP-01 驗證應答綁定的端口，約定為端口列表的第一項。
// 列表為空時按協議默認的 80 處理。
func (l *LeaseConfig) HTTPPort() int {
	if len(l.Ports) == 0 {
		return 80
	}
	return l.Ports[0]
}

// Timeout certbot 單次執行時限
func (c *CertbotConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}
