package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	domainConfig "github.com/Yat-Muk/certflow/internal/domain/config"
)

// FileRepository 基於文件的配置倉庫實現
// 加載順序：config.yaml -> 版本遷移與默認值 -> 環境變量覆蓋。
// 環境變量（含 .env 自動加載）優先於文件值，命令行參數再優先於環境變量。
type FileRepository struct {
	filePath     string
	envFile      string
	mu           sync.RWMutex
	fileMu       sync.Mutex // 文件 I/O 互斥
	migrator     *domainConfig.Migrator
	logger       *zap.Logger
	defaults     *domainConfig.Config
	cachedConfig *domainConfig.Config
	lastModTime  time.Time
}

// NewFileRepository 創建配置倉庫
// envFile 指向 .env 文件，僅為未設置的環境變量補值，已設置的不受影響。
func NewFileRepository(path, envFile string, logger *zap.Logger) *FileRepository {
	r := &FileRepository{
		filePath: path,
		envFile:  envFile,
		migrator: domainConfig.NewMigrator(),
		logger:   logger,
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("加載 .env 文件失敗", zap.String("path", envFile), zap.Error(err))
			}
		} else {
			logger.Debug("已加載 .env 文件", zap.String("path", envFile))
		}
	}

	return r
}

// UseDefaults 指定缺省字段的補值來源。
// 路徑類默認值因運行環境而異，由裝配層按實際路徑構造後傳入；
// 未指定時退回 DefaultConfig 的內建值。
func (r *FileRepository) UseDefaults(def *domainConfig.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = def.DeepCopy()
	r.cachedConfig = nil
}

// Load 加載配置（支持緩存與熱重載）
func (r *FileRepository) Load(ctx context.Context) (*domainConfig.Config, error) {
	// 快速路徑：嘗試讀取緩存
	r.mu.RLock()
	stat, err := os.Stat(r.filePath)

	// 文件不存在：退回默認配置（首次啟動或純環境變量驅動的部署）
	if os.IsNotExist(err) {
		r.mu.RUnlock()
		r.logger.Info("配置文件不存在，使用默認配置", zap.String("path", r.filePath))
		return r.finalize(r.baseConfig())
	}

	if err != nil {
		r.mu.RUnlock()
		return nil, fmt.Errorf("檢查配置文件狀態失敗: %w", err)
	}

	// 緩存命中：緩存存在且文件修改時間未變
	if r.cachedConfig != nil && !stat.ModTime().After(r.lastModTime) {
		// 必須返回深拷貝，否則外部修改會污染緩存
		cfg := r.cachedConfig.DeepCopy()
		r.mu.RUnlock()
		r.logger.Debug("配置未變更，使用內存緩存")
		return cfg, nil
	}
	r.mu.RUnlock()

	// 慢速路徑：從磁盤重新加載
	r.mu.Lock()
	defer r.mu.Unlock()

	// 雙重檢查：切換鎖的空檔期內可能已有協程完成了加載
	stat, err = os.Stat(r.filePath)
	if os.IsNotExist(err) {
		return r.finalize(r.baseConfig())
	}
	if err != nil {
		return nil, fmt.Errorf("檢查配置文件狀態失敗: %w", err)
	}
	if r.cachedConfig != nil && !stat.ModTime().After(r.lastModTime) {
		return r.cachedConfig.DeepCopy(), nil
	}

	// 1. 讀取文件內容
	r.fileMu.Lock()
	content, err := os.ReadFile(r.filePath)
	r.fileMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("讀取配置文件失敗: %w", err)
	}

	// 2. 解析 YAML
	cfg := &domainConfig.Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件格式失敗: %w", err)
	}

	// 3. 版本遷移
	if r.migrator.NeedsMigration(cfg) {
		migrated, err := r.migrator.MigrateToLatest(cfg)
		if err != nil {
			return nil, fmt.Errorf("配置遷移失敗: %w", err)
		}
		r.logger.Info("配置已遷移到最新版本", zap.Int("version", migrated.Version))
		cfg = migrated
	}

	// 4. 補默認值、應用環境變量覆蓋、驗證
	cfg, err = r.finalize(cfg)
	if err != nil {
		return nil, err
	}

	// 5. 更新緩存
	r.cachedConfig = cfg.DeepCopy()
	r.lastModTime = stat.ModTime()

	r.logger.Info("配置文件已從磁盤重新加載",
		zap.String("path", r.filePath),
		zap.Time("mod_time", r.lastModTime),
	)

	return cfg, nil
}

// baseConfig 文件缺席時的起點配置
func (r *FileRepository) baseConfig() *domainConfig.Config {
	if r.defaults != nil {
		return r.defaults.DeepCopy()
	}
	return domainConfig.DefaultConfig()
}

// finalize 補默認值、應用環境變量覆蓋並驗證
// 默認配置路徑也會走到這裡，純環境變量部署（無 config.yaml）因此可用。
func (r *FileRepository) finalize(cfg *domainConfig.Config) (*domainConfig.Config, error) {
	if r.defaults != nil {
		cfg.FillDefaultsFrom(r.defaults)
	} else {
		cfg.FillDefaults()
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("應用環境變量覆蓋失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置無效: %w", err)
	}

	return cfg, nil
}

// Save 保存配置到文件（原子寫入）
func (r *FileRepository) Save(ctx context.Context, cfg *domainConfig.Config) error {
	if cfg == nil {
		return fmt.Errorf("配置對象為空")
	}

	// 落盤前必須通過驗證，壞配置寧可失敗也不寫出去
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置驗證失敗，拒絕保存: %w", err)
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	// 1. 深拷貝，避免序列化期間其他協程的修改穿透
	cfgCopy := cfg.DeepCopy()

	// 2. 序列化
	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	// 3. 原子寫入：臨時文件 -> 寫入 -> Sync -> 關閉 -> Rename
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("創建配置目錄失敗: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "config.*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("創建臨時文件失敗: %w", err)
	}
	tmpName := tmpFile.Name()

	writeSuccess := false
	defer func() {
		if !writeSuccess {
			tmpFile.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("寫入數據失敗: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("同步磁盤失敗: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("關閉臨時文件失敗: %w", err)
	}

	if err := os.Rename(tmpName, r.filePath); err != nil {
		return fmt.Errorf("替換配置文件失敗: %w", err)
	}

	// 配置不含密鑰，但仍只留所有者可讀寫
	if err := os.Chmod(r.filePath, 0600); err != nil {
		r.logger.Warn("設置文件權限失敗", zap.Error(err))
	}

	writeSuccess = true

	// 4. 更新緩存
	r.mu.Lock()
	r.cachedConfig = cfg.DeepCopy()
	if stat, err := os.Stat(r.filePath); err == nil {
		r.lastModTime = stat.ModTime()
	}
	r.mu.Unlock()

	return nil
}
