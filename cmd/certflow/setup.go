package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/application"
	domainConfig "github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/infra/certbot"
	"github.com/Yat-Muk/certflow/internal/infra/certstore"
	"github.com/Yat-Muk/certflow/internal/infra/challenge"
	infraConfig "github.com/Yat-Muk/certflow/internal/infra/config"
	"github.com/Yat-Muk/certflow/internal/infra/history"
	"github.com/Yat-Muk/certflow/internal/infra/nginx"
	"github.com/Yat-Muk/certflow/internal/infra/portlease"
	"github.com/Yat-Muk/certflow/internal/infra/sched"
	infraSystem "github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/pkg/appctx"
	"github.com/Yat-Muk/certflow/internal/pkg/lockfile"
)

type AppDependencies struct {
	Log        *zap.Logger
	Paths      *appctx.Paths
	Config     *domainConfig.Config
	ConfigRepo domainConfig.Repository
	SysInfo    *infraSystem.SystemInfo
	Systemd    infraSystem.SystemdManager
	History    *history.Store
	Lifecycle  *application.LifecycleService
	Renewal    *application.RenewalService
	Installer  *sched.Installer
}

func initializeDependencies(log *zap.Logger, paths *appctx.Paths, confirmer application.Confirmer) (*AppDependencies, error) {
	// ==========================================
	// 1. 基礎設施層 (Infrastructure Layer)
	// ==========================================

	sysInfo := infraSystem.NewSystemInfo(log)
	executor := infraSystem.NewExecutor(log)

	systemdMgr, err := infraSystem.NewSystemdManager(log)
	if err != nil {
		// 容器或非 systemd 主機：服務停止一步跳過，nginx 重載與
		// 定時任務安裝都走命令行後備路徑
		log.Warn("Systemd 不可用，轉入命令行後備路徑", zap.Error(err))
		systemdMgr = nil
	}

	configRepo := infraConfig.NewFileRepository(paths.ConfigFile, paths.EnvFile, log)
	configRepo.UseDefaults(environmentDefaults(paths))

	// ==========================================
	// 2. 加載初始配置
	// ==========================================
	cfg, err := configRepo.Load(context.Background())
	if err != nil {
		log.Warn("加載配置失敗，使用默認值", zap.Error(err))
		cfg = environmentDefaults(paths)
	}

	backend, err := portlease.DetectBackend(executor, log)
	if err != nil {
		return nil, fmt.Errorf("初始化端口檢測後端失敗: %w", err)
	}

	leaser := portlease.NewManager(&cfg.Lease, backend, executor, systemdMgr, log)
	responder := challenge.NewResponder(cfg.Certbot.Webroot,
		fmt.Sprintf(":%d", cfg.Lease.HTTPPort()), log)
	acmeClient := certbot.NewClient(&cfg.Certbot, executor, log)
	store := certstore.NewStore(cfg.Certbot.ConfigDir, log)
	coordinator := nginx.NewCoordinator(&cfg.Nginx, executor, systemdMgr, store, log)

	hist, err := history.Open(paths.HistoryDB)
	if err != nil {
		// 歷史是旁路，打不開不攔主流程
		log.Warn("操作歷史不可用", zap.Error(err))
		hist = nil
	}

	// ==========================================
	// 3. 應用服務層 (Application Layer)
	// ==========================================

	lock := lockfile.New(paths.LockFile)

	// 接口持 nil 指針不等於 nil 接口，歷史缺席時必須留空
	var histW application.HistoryWriter
	if hist != nil {
		histW = hist
	}

	lifecycleSvc := application.NewLifecycleService(
		configRepo, lock, leaser, responder, acmeClient, store, coordinator, histW, confirmer, log)
	renewalSvc := application.NewRenewalService(lifecycleSvc, 0, log)

	binPath, err := os.Executable()
	if err != nil {
		log.Warn("無法定位自身路徑，定時任務按 PATH 查找", zap.Error(err))
		binPath = "certflow"
	}
	installer := sched.NewInstaller(binPath, paths.BaseDir,
		paths.SystemdServicePath, paths.SystemdTimerPath, executor, systemdMgr, log)

	return &AppDependencies{
		Log:        log,
		Paths:      paths,
		Config:     cfg,
		ConfigRepo: configRepo,
		SysInfo:    sysInfo,
		Systemd:    systemdMgr,
		History:    hist,
		Lifecycle:  lifecycleSvc,
		Renewal:    renewalSvc,
		Installer:  installer,
	}, nil
}

// environmentDefaults 按運行環境的實際路徑構造默認配置。
// 普通用戶運行時 appctx 把證書、webroot、站點配置都收進工作目錄，
// 配置的默認值必須跟着走，否則 -dir 和非 root 場景仍會去碰系統目錄。
func environmentDefaults(paths *appctx.Paths) *domainConfig.Config {
	def := domainConfig.DefaultConfig()
	def.Certbot.ConfigDir = paths.LetsEncryptDir
	def.Certbot.Webroot = paths.WebrootDir
	def.Nginx.SitePath = paths.ProxyActivePath
	def.Log.OutputPath = filepath.Join(paths.LogDir, "certflow.log")
	return def
}

// Close 釋放持有的外部資源
func (d *AppDependencies) Close() {
	if d.History != nil {
		if err := d.History.Close(); err != nil {
			d.Log.Warn("關閉操作歷史失敗", zap.Error(err))
		}
	}
	if d.Systemd != nil {
		d.Systemd.Close()
	}
}
