package config

import (
	"strings"
	"testing"
)

// TestDefaultConfig 測試默認配置生成
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// 1. 基礎驗證
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Version != ConfigVersionLatest {
		t.Errorf("Expected Version %d, got %d", ConfigVersionLatest, cfg.Version)
	}

	// 2. 驗證日誌配置
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default Log.Level 'info', got '%s'", cfg.Log.Level)
	}
	if cfg.Log.OutputPath == "" {
		t.Error("Log.OutputPath should not be empty")
	}

	// 3. 驗證端口接管默認值
	if len(cfg.Lease.Ports) != 2 || cfg.Lease.Ports[0] != 80 || cfg.Lease.Ports[1] != 443 {
		t.Errorf("Expected default ports [80 443], got %v", cfg.Lease.Ports)
	}
	if cfg.Lease.DockerReclaim {
		t.Error("DockerReclaim should be disabled by default")
	}
	if cfg.Lease.GraceWaitSec <= 0 || cfg.Lease.PollEverySec <= 0 || cfg.Lease.ForceWaitSec <= 0 {
		t.Error("Lease wait parameters should be positive")
	}

	// 4. 驗證 certbot 默認值
	if cfg.Certbot.Binary != "certbot" {
		t.Errorf("Expected certbot binary 'certbot', got '%s'", cfg.Certbot.Binary)
	}
	if cfg.Certbot.TimeoutSec != 120 {
		t.Errorf("Expected certbot timeout 120s, got %d", cfg.Certbot.TimeoutSec)
	}
	if cfg.Certbot.ConfigDir != "/etc/letsencrypt" {
		t.Errorf("Expected certbot config dir '/etc/letsencrypt', got '%s'", cfg.Certbot.ConfigDir)
	}
	if cfg.Certbot.Webroot == "" || cfg.Nginx.SitePath == "" {
		t.Error("Webroot and SitePath should have defaults")
	}

	// 5. 驗證續期默認值
	if cfg.Renewal.ThresholdDays != 30 {
		t.Errorf("Expected renewal threshold 30 days, got %d", cfg.Renewal.ThresholdDays)
	}
	if cfg.Renewal.MaxPerRun <= 0 {
		t.Error("Renewal.MaxPerRun should be positive")
	}

	// 6. 默認配置必須能通過驗證
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig should validate, got: %v", err)
	}
}

// TestFillDefaults 測試默認值填充邏輯
func TestFillDefaults(t *testing.T) {
	// 模擬只寫了域名和郵箱的手寫配置
	cfg := &Config{
		Domains: []string{"example.com"},
		Email:   "admin@example.com",
	}

	cfg.FillDefaults()

	if cfg.Upstream == "" {
		t.Error("Upstream should be filled with default")
	}
	if len(cfg.Lease.Ports) != 2 {
		t.Errorf("Lease.Ports should default to [80 443], got %v", cfg.Lease.Ports)
	}
	if cfg.Certbot.Binary != "certbot" {
		t.Errorf("Certbot.Binary should default to 'certbot', got '%s'", cfg.Certbot.Binary)
	}
	if cfg.Renewal.ThresholdDays != 30 {
		t.Errorf("Renewal.ThresholdDays should default to 30, got %d", cfg.Renewal.ThresholdDays)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level should default to 'info', got '%s'", cfg.Log.Level)
	}

	// 已有值不應被覆蓋
	cfg2 := &Config{Upstream: "127.0.0.1:9999"}
	cfg2.FillDefaults()
	if cfg2.Upstream != "127.0.0.1:9999" {
		t.Error("FillDefaults should not overwrite existing values")
	}
}

// TestFillDefaultsFrom 路徑類默認值按調用方給定的環境路徑補齊
func TestFillDefaultsFrom(t *testing.T) {
	def := DefaultConfig()
	def.Certbot.ConfigDir = "/home/dev/.certflow/letsencrypt"
	def.Certbot.Webroot = "/home/dev/.certflow/webroot"
	def.Nginx.SitePath = "/home/dev/.certflow/nginx/active.conf"

	cfg := &Config{Domains: []string{"example.com"}}
	cfg.FillDefaultsFrom(def)

	if cfg.Certbot.ConfigDir != def.Certbot.ConfigDir {
		t.Errorf("ConfigDir 應取環境默認值，got %q", cfg.Certbot.ConfigDir)
	}
	if cfg.Certbot.Webroot != def.Certbot.Webroot {
		t.Errorf("Webroot 應取環境默認值，got %q", cfg.Certbot.Webroot)
	}
	if cfg.Nginx.SitePath != def.Nginx.SitePath {
		t.Errorf("SitePath 應取環境默認值，got %q", cfg.Nginx.SitePath)
	}

	// 用戶在 config.yaml 裡寫明的路徑優先
	explicit := &Config{Certbot: CertbotConfig{Webroot: "/srv/www/acme"}}
	explicit.FillDefaultsFrom(def)
	if explicit.Certbot.Webroot != "/srv/www/acme" {
		t.Errorf("顯式配置的 Webroot 不應被覆蓋，got %q", explicit.Certbot.Webroot)
	}
}

// TestValidate 測試配置驗證
func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Domains = []string{"example.com"}
	valid.Email = "admin@example.com"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"合法配置", func(c *Config) {}, ""},
		{"非法域名", func(c *Config) { c.Domains = []string{"not a domain"} }, "域名"},
		{"非法郵箱", func(c *Config) { c.Email = "not-an-email" }, "郵箱"},
		{"非法後端地址", func(c *Config) { c.Upstream = "no-port" }, "後端地址"},
		{"空端口列表", func(c *Config) { c.Lease.Ports = nil }, "端口列表"},
		{"端口越界", func(c *Config) { c.Lease.Ports = []int{80, 70000} }, "超出範圍"},
		{"零等待參數", func(c *Config) { c.Lease.GraceWaitSec = 0 }, "等待參數"},
		{"零時限", func(c *Config) { c.Certbot.TimeoutSec = 0 }, "時限"},
		{"相對路徑", func(c *Config) { c.Certbot.Webroot = "var/www" }, "絕對路徑"},
		{"閾值越界", func(c *Config) { c.Renewal.ThresholdDays = 90 }, "閾值"},
		{"非法日誌級別", func(c *Config) { c.Log.Level = "verbose" }, "日誌級別"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid.DeepCopy()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// TestDeepCopy 測試深拷貝邏輯
func TestDeepCopy(t *testing.T) {
	original := DefaultConfig()
	original.Domains = []string{"site1.com", "site2.com"}
	original.Lease.StopServices = []string{"nginx.service"}

	copied := original.DeepCopy()

	// 驗證內容一致性
	if len(copied.Domains) != 2 || copied.Domains[0] != "site1.com" {
		t.Error("DeepCopy failed to copy domain slice")
	}
	if len(copied.Lease.StopServices) != 1 {
		t.Error("DeepCopy failed to copy nested slice")
	}

	// 驗證內存獨立性 (修改副本不應影響原件)
	copied.Domains[0] = "hacked.com"
	copied.Lease.Ports[0] = 8080

	if original.Domains[0] == "hacked.com" {
		t.Error("DeepCopy is shallow: modifying copy affected original slice")
	}
	if original.Lease.Ports[0] == 8080 {
		t.Error("DeepCopy is shallow: modifying copy affected original ports")
	}
}

// TestDomainListHelpers 測試域名列表輔助方法
func TestDomainListHelpers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.PrimaryDomain() != "" {
		t.Error("PrimaryDomain should be empty for fresh config")
	}

	cfg.AddDomain("example.com")
	cfg.AddDomain("www.example.com")
	cfg.AddDomain("example.com") // 重複添加應被忽略

	if len(cfg.Domains) != 2 {
		t.Errorf("Expected 2 domains after dedup, got %d", len(cfg.Domains))
	}
	if cfg.PrimaryDomain() != "example.com" {
		t.Errorf("PrimaryDomain should be 'example.com', got '%s'", cfg.PrimaryDomain())
	}
	if !cfg.HasDomain("www.example.com") {
		t.Error("HasDomain should find www.example.com")
	}

	cfg.RemoveDomain("example.com")
	if cfg.HasDomain("example.com") {
		t.Error("RemoveDomain should remove example.com")
	}
	if cfg.PrimaryDomain() != "www.example.com" {
		t.Error("PrimaryDomain should shift after removal")
	}
}

// TestLeaseConfigHelpers 測試端口接管輔助方法
func TestLeaseConfigHelpers(t *testing.T) {
	l := &LeaseConfig{
		Ports:        []int{8080, 8443},
		GraceWaitSec: 10,
		PollEverySec: 2,
		ForceWaitSec: 5,
	}

	if l.HTTPPort() != 8080 {
		t.Errorf("HTTPPort should be the first lease port, got %d", l.HTTPPort())
	}
	if (&LeaseConfig{}).HTTPPort() != 80 {
		t.Error("HTTPPort should default to 80 on an empty port list")
	}

	if l.GraceWait().Seconds() != 10 {
		t.Errorf("GraceWait should be 10s, got %v", l.GraceWait())
	}
	if l.PollEvery().Seconds() != 2 {
		t.Errorf("PollEvery should be 2s, got %v", l.PollEvery())
	}
	if l.ForceWait().Seconds() != 5 {
		t.Errorf("ForceWait should be 5s, got %v", l.ForceWait())
	}
}

// TestMigrator 測試配置遷移
func TestMigrator(t *testing.T) {
	m := NewMigrator()

	// 1. 缺 version 的手寫配置應被補齊
	sparse := &Config{
		Domains: []string{"example.com"},
	}
	if !m.NeedsMigration(sparse) {
		t.Error("Config without version should need migration")
	}

	migrated, err := m.MigrateToLatest(sparse)
	if err != nil {
		t.Fatalf("MigrateToLatest failed: %v", err)
	}
	if migrated.Version != ConfigVersionLatest {
		t.Errorf("Expected version %d after migration, got %d", ConfigVersionLatest, migrated.Version)
	}
	if migrated.Certbot.Binary == "" {
		t.Error("Migration should fill defaults")
	}

	// 2. 最新版本應原樣返回
	latest := DefaultConfig()
	if m.NeedsMigration(latest) {
		t.Error("Latest config should not need migration")
	}
	same, err := m.MigrateToLatest(latest)
	if err != nil {
		t.Fatalf("MigrateToLatest on latest failed: %v", err)
	}
	if same != latest {
		t.Error("Latest config should be returned as-is")
	}

	// 3. 版本過高應報錯
	future := DefaultConfig()
	future.Version = ConfigVersionLatest + 1
	if _, err := m.MigrateToLatest(future); err == nil {
		t.Error("Future version should be rejected")
	}

	// 4. nil 配置應報錯
	if _, err := m.MigrateToLatest(nil); err == nil {
		t.Error("Nil config should be rejected")
	}
}
