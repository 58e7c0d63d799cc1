package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	domainConfig "github.com/Yat-Muk/certflow/internal/domain/config"
)

func TestNewFileRepository(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())

	assert.NotNil(t, repo)
	assert.Equal(t, configPath, repo.filePath)
}

func TestFileRepository_Load_NonExistent(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nonexistent.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	// 文件不存在应返回默认配置
	cfg, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "certbot", cfg.Certbot.Binary)
}

func TestFileRepository_UseDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	def := domainConfig.DefaultConfig()
	def.Certbot.Webroot = filepath.Join(tmpDir, "webroot")
	def.Certbot.ConfigDir = filepath.Join(tmpDir, "letsencrypt")
	def.Nginx.SitePath = filepath.Join(tmpDir, "nginx", "active.conf")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	repo.UseDefaults(def)
	ctx := context.Background()

	// 1. 文件缺席时应返回注入的环境路径，而非内建默认
	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, def.Certbot.Webroot, loaded.Certbot.Webroot)
	assert.Equal(t, def.Certbot.ConfigDir, loaded.Certbot.ConfigDir)
	assert.Equal(t, def.Nginx.SitePath, loaded.Nginx.SitePath)

	// 2. 文件里写明的值优先于注入默认
	cfg := domainConfig.DefaultConfig()
	cfg.Certbot.Webroot = "/srv/custom-webroot"
	require.NoError(t, repo.Save(ctx, cfg))

	loaded, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/srv/custom-webroot", loaded.Certbot.Webroot)
}

func TestFileRepository_SaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	cfg := domainConfig.DefaultConfig()
	cfg.Domains = []string{"example.com"}
	cfg.Email = "admin@example.com"
	cfg.Lease.StopServices = []string{"apache2.service"}

	// 保存
	err := repo.Save(ctx, cfg)
	require.NoError(t, err)

	// 验证文件存在
	assert.FileExists(t, configPath)

	// 验证文件权限
	info, _ := os.Stat(configPath)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// 加载
	loadedCfg, err := repo.Load(ctx)
	require.NoError(t, err)

	// 验证数据一致性
	assert.Equal(t, []string{"example.com"}, loadedCfg.Domains)
	assert.Equal(t, "admin@example.com", loadedCfg.Email)
	assert.Equal(t, []string{"apache2.service"}, loadedCfg.Lease.StopServices)
}

func TestFileRepository_Save_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	// 非法配置应被拒绝，且不产生文件
	cfg := domainConfig.DefaultConfig()
	cfg.Email = "not-an-email"

	err := repo.Save(ctx, cfg)
	assert.Error(t, err)
	assert.NoFileExists(t, configPath)
}

func TestFileRepository_Cache(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	cfg := domainConfig.DefaultConfig()
	cfg.Domains = []string{"cache.example.com"}
	err := repo.Save(ctx, cfg)
	require.NoError(t, err)

	// 第一次加载（从文件）
	cfg1, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cache.example.com", cfg1.PrimaryDomain())

	// 第二次加载（从缓存）
	cfg2, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cache.example.com", cfg2.PrimaryDomain())

	// 验证返回的是不同的实例（深拷贝）
	cfg2.Domains[0] = "modified.example.com"
	assert.Equal(t, "cache.example.com", cfg1.PrimaryDomain())
}

func TestFileRepository_HotReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	// 初始保存
	cfg1 := domainConfig.DefaultConfig()
	cfg1.Renewal.ThresholdDays = 20
	repo.Save(ctx, cfg1)

	loaded1, _ := repo.Load(ctx)
	assert.Equal(t, 20, loaded1.Renewal.ThresholdDays)

	// 等待一小段时间确保文件修改时间变化
	time.Sleep(10 * time.Millisecond)

	// 外部修改文件
	cfg2 := domainConfig.DefaultConfig()
	cfg2.Renewal.ThresholdDays = 45
	repo.Save(ctx, cfg2)

	// 再次加载应该检测到变化
	loaded2, _ := repo.Load(ctx)
	assert.Equal(t, 45, loaded2.Renewal.ThresholdDays)
}

func TestFileRepository_Save_NilConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	err := repo.Save(ctx, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "配置對象為空")
}

func TestFileRepository_AtomicWrite(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	cfg := domainConfig.DefaultConfig()
	cfg.Domains = []string{"atomic.example.com"}

	err := repo.Save(ctx, cfg)
	require.NoError(t, err)

	// 验证没有临时文件残留
	files, _ := os.ReadDir(tmpDir)
	tmpFiles := 0
	for _, f := range files {
		if filepath.Ext(f.Name()) == ".tmp" {
			tmpFiles++
		}
	}
	assert.Equal(t, 0, tmpFiles, "不应有临时文件残留")
}

func TestFileRepository_EnvOverlay(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// 文件里写一个域名，环境变量覆盖为另一组
	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	cfg := domainConfig.DefaultConfig()
	cfg.Domains = []string{"file.example.com"}
	require.NoError(t, repo.Save(ctx, cfg))

	t.Setenv("CERTFLOW_DOMAINS", "env1.example.com,env2.example.com")
	t.Setenv("CERTFLOW_EMAIL", "env@example.com")

	// 绕过缓存：重新创建仓库
	repo2 := NewFileRepository(configPath, "", zap.NewNop())
	loaded, err := repo2.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"env1.example.com", "env2.example.com"}, loaded.Domains)
	assert.Equal(t, "env@example.com", loaded.Email)
}

func TestFileRepository_DotEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	envPath := filepath.Join(tmpDir, ".env")

	require.NoError(t, os.WriteFile(envPath,
		[]byte("CERTFLOW_UPSTREAM=127.0.0.1:9090\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("CERTFLOW_UPSTREAM") })

	repo := NewFileRepository(configPath, envPath, zap.NewNop())
	ctx := context.Background()

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", loaded.Upstream)
}

func TestFileRepository_Migration(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// 模拟手写的、缺 version 字段的稀疏配置
	sparse := "domains:\n  - sparse.example.com\nemail: ops@example.com\n"
	require.NoError(t, os.WriteFile(configPath, []byte(sparse), 0600))

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, domainConfig.ConfigVersionLatest, loaded.Version)
	assert.Equal(t, "sparse.example.com", loaded.PrimaryDomain())
	// 迁移后默认值应已补齐
	assert.Equal(t, []int{80, 443}, loaded.Lease.Ports)
	assert.Equal(t, 120, loaded.Certbot.TimeoutSec)
}

func TestFileRepository_Concurrent(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	repo := NewFileRepository(configPath, "", zap.NewNop())
	ctx := context.Background()

	cfg := domainConfig.DefaultConfig()
	repo.Save(ctx, cfg)

	// 并发读取
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := repo.Load(ctx)
			assert.NoError(t, err)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
