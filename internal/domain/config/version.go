package config

import "fmt"

const (
	// ConfigVersionLatest 最新配置版本
	ConfigVersionLatest = 1
)

// Migrator 配置遷移器
type Migrator struct{}

// NewMigrator 創建遷移器
func NewMigrator() *Migrator {
	return &Migrator{}
}

// MigrateToLatest 自動遷移到最新版本
// 手寫配置常缺 version 字段（視為 0），此時補齊默認值並蓋上版本號。
func (m *Migrator) MigrateToLatest(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置為空，無法遷移")
	}

	// 已經是最新版本
	if cfg.Version == ConfigVersionLatest {
		return cfg, nil
	}

	// 版本過高說明配置由更新的程序寫出，拒絕降級處理
	if cfg.Version > ConfigVersionLatest {
		return nil, fmt.Errorf("配置版本過高 (v%d)，當前程序僅支持 v%d", cfg.Version, ConfigVersionLatest)
	}

	newCfg := cfg.DeepCopy()
	newCfg.Version = ConfigVersionLatest
	newCfg.FillDefaults()
	return newCfg, nil
}

// NeedsMigration 檢查是否需要遷移
func (m *Migrator) NeedsMigration(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return cfg.Version < ConfigVersionLatest
}
