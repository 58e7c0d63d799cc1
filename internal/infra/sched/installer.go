// Package sched 安裝無人值守續期的定時觸發器。
//
// 有 systemd 的主機裝 service + timer 單元對，隨機延遲錯開整點的
// ACME 請求高峰；沒有 systemd 的主機退回 crontab。兩條路徑都冪等，
// setup-cron 重跑不會產生重複任務。
package sched

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/infra/system"
)

const serviceTemplate = `[Unit]
Description=certflow certificate renewal
Documentation=https://github.com/Yat-Muk/certflow
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
ExecStart={{.BinPath}} -dir {{.BaseDir}} renew -unattended
User=root
Group=root
`

const timerTemplate = `[Unit]
Description=Daily certflow renewal check

[Timer]
OnCalendar=*-*-* 03:17:00
RandomizedDelaySec=45m
Persistent=true

[Install]
WantedBy=timers.target
`

// cronMarker 用於識別本程序寫入的 crontab 行，重裝時按它去重
const cronMarker = "# managed by certflow"

// TimerUnit 定時器單元名
const TimerUnit = "certflow-renew.timer"

// Installer 定時任務安裝器
type Installer struct {
	binPath     string // certflow 自身的絕對路徑
	baseDir     string
	servicePath string
	timerPath   string
	execr       system.Executor
	systemd     system.SystemdManager
	log         *zap.Logger
}

// NewInstaller 創建安裝器。systemd 為 nil 時走 crontab 路徑。
func NewInstaller(binPath, baseDir, servicePath, timerPath string, execr system.Executor, systemd system.SystemdManager, log *zap.Logger) *Installer {
	return &Installer{
		binPath:     binPath,
		baseDir:     baseDir,
		servicePath: servicePath,
		timerPath:   timerPath,
		execr:       execr,
		systemd:     systemd,
		log:         log,
	}
}

// Install 安裝每日續期觸發器
func (i *Installer) Install(ctx context.Context) error {
	if i.systemd != nil {
		return i.installSystemd(ctx)
	}
	return i.installCrontab(ctx)
}

// installSystemd 寫入 service + timer 單元並啟用定時器
func (i *Installer) installSystemd(ctx context.Context) error {
	// 1. 渲染並落盤兩個單元文件
	service, err := renderUnit("service", serviceTemplate, i)
	if err != nil {
		return err
	}
	timer, err := renderUnit("timer", timerTemplate, i)
	if err != nil {
		return err
	}

	if err := writeUnitFile(i.servicePath, service); err != nil {
		return err
	}
	if err := writeUnitFile(i.timerPath, timer); err != nil {
		return err
	}

	// 2. 讓 systemd 重新讀單元，再啟用並啟動定時器
	if err := i.systemd.DaemonReload(ctx); err != nil {
		return fmt.Errorf("daemon-reload 失敗: %w", err)
	}
	if err := i.systemd.Enable(ctx, TimerUnit); err != nil {
		return fmt.Errorf("啟用定時器失敗: %w", err)
	}
	if err := i.systemd.Start(ctx, TimerUnit); err != nil {
		return fmt.Errorf("啟動定時器失敗: %w", err)
	}

	i.log.Info("systemd 續期定時器已安裝",
		zap.String("service", i.servicePath),
		zap.String("timer", i.timerPath))
	return nil
}

// installCrontab 把續期任務合併進當前用戶的 crontab。
// 讀現有內容、剔除舊的 certflow 行、追加新行、整體寫回。
func (i *Installer) installCrontab(ctx context.Context) error {
	current, err := i.execr.Execute(ctx, "crontab", "-l")
	if err != nil {
		// crontab -l 在沒有任何任務時以非零退出，按空表處理
		current = ""
	}

	merged := MergeCrontab(current, i.CronLine())

	// crontab 不收標準輸入參數，經臨時文件導入
	tmp, err := os.CreateTemp("", "certflow-cron-*")
	if err != nil {
		return fmt.Errorf("創建臨時 crontab 文件失敗: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(merged); err != nil {
		tmp.Close()
		return fmt.Errorf("寫入臨時 crontab 文件失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("關閉臨時 crontab 文件失敗: %w", err)
	}

	if output, err := i.execr.Execute(ctx, "crontab", tmpName); err != nil {
		return fmt.Errorf("安裝 crontab 失敗: %s: %w", output, err)
	}

	i.log.Info("crontab 續期任務已安裝", zap.String("line", i.CronLine()))
	return nil
}

// CronLine 返回要寫入 crontab 的任務行
func (i *Installer) CronLine() string {
	return fmt.Sprintf("17 3 * * * %s -dir %s renew -unattended %s", i.binPath, i.baseDir, cronMarker)
}

// BinPath 模板字段
func (i *Installer) BinPath() string { return i.binPath }

// BaseDir 模板字段
func (i *Installer) BaseDir() string { return i.baseDir }

// MergeCrontab 把任務行合併進現有 crontab 內容。
// 帶 certflow 標記的舊行會被剔除，重複安裝不會堆積任務。
func MergeCrontab(current, line string) string {
	var kept []string
	for _, l := range strings.Split(current, "\n") {
		if strings.TrimSpace(l) == "" || strings.Contains(l, cronMarker) {
			continue
		}
		kept = append(kept, l)
	}
	kept = append(kept, line)
	return strings.Join(kept, "\n") + "\n"
}

func renderUnit(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("解析 %s 模板失敗: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染 %s 模板失敗: %w", name, err)
	}
	return buf.String(), nil
}

func writeUnitFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("創建單元目錄失敗: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("寫入單元文件 %s 失敗: %w", path, err)
	}
	return nil
}
