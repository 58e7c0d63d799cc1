package nginx

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/logger"
)

// CertChecker 證書狀態查詢，切換 TLS 模式前的前提檢查用
type CertChecker interface {
	Status(domain string) (certificate.Status, error)
}

// Coordinator 反向代理配置的協調器。
//
// 站點配置有三種形態，以文件首行的模式標記區分。
// 切換流程：渲染、原子落盤、nginx -t 全量檢查、檢查不過回滾舊配置、
// 檢查通過才重載。nginx 只在重載後讀新配置，所以磁盤上短暫存在
// 未通過檢查的文件不影響線上流量。
type Coordinator struct {
	binary     string
	sitePath   string
	reloadUnit string
	execr      system.Executor
	systemd    system.SystemdManager
	checker    CertChecker
	log        *zap.Logger
}

// NewCoordinator 創建代理協調器。systemd 可以為 nil，
// 此時重載走 nginx -s reload 的命令行路徑。
// checker 用於把守 full_tls 切換：證書不在有效狀態時拒絕切換，
// 而不是把一份指向壞證書的配置交給 nginx 去碰運氣。
func NewCoordinator(cfg *config.NginxConfig, execr system.Executor, systemd system.SystemdManager, checker CertChecker, log *zap.Logger) *Coordinator {
	return &Coordinator{
		binary:     cfg.Binary,
		sitePath:   cfg.SitePath,
		reloadUnit: cfg.ReloadUnit,
		execr:      execr,
		systemd:    systemd,
		checker:    checker,
		log:        log,
	}
}

// SitePath 返回站點配置路徑
func (c *Coordinator) SitePath() string {
	return c.sitePath
}

// Mode 讀取生效站點配置的當前模式。
// 每次都重讀文件首行，不在內存緩存：配置文件隨時可能被人動過。
// 文件不存在或標記缺失返回空模式，不算錯誤。
func (c *Coordinator) Mode() (proxy.Mode, error) {
	f, err := os.Open(c.sitePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "NGINX002", fmt.Sprintf("讀取站點配置失敗: %s", c.sitePath))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", nil
	}

	mode, err := proxy.ParseMarker(scanner.Text())
	if err != nil {
		c.log.Debug("站點配置缺少模式標記，視為未託管", zap.String("path", c.sitePath))
		return "", nil
	}
	return mode, nil
}

// SwitchTo 把站點配置切換到指定模式並重載代理。
// 渲染結果與現行文件一字不差時跳過落盤與語法檢查，但重載照常執行：
// 端口騰空階段可能剛把代理殺掉，續期後的新證書也只有重載才會被讀進來。
func (c *Coordinator) SwitchTo(ctx context.Context, mode proxy.Mode, data TemplateData) error {
	if mode == proxy.ModeFullTLS {
		if err := c.guardFullTLS(data); err != nil {
			return err
		}
	}

	rendered, err := Render(mode, data)
	if err != nil {
		return err
	}

	prev, prevExists, err := c.readCurrent()
	if err != nil {
		return err
	}
	if prevExists && prev == rendered {
		c.log.Debug("站點配置無變化，跳過落盤與檢查", zap.String("mode", mode.String()))
		return c.reloadOrStart(ctx)
	}

	c.log.Info("切換代理模式",
		zap.String("mode", mode.String()),
		zap.String("path", c.sitePath))

	// 1. 原子落盤
	if err := c.writeSite(rendered); err != nil {
		return err
	}

	// 2. 全量語法檢查，nginx -t 連同主配置一起驗
	if output, err := c.execr.Execute(ctx, c.binary, "-t"); err != nil {
		c.rollback(prev, prevExists)
		return errors.Wrap(errors.ErrReloadFailed, "NGINX003",
			fmt.Sprintf("配置檢查未通過，已回滾: %s", tailOf(output)))
	}

	// 3. 重載（nginx 沒在跑就啟動）
	if err := c.reloadOrStart(ctx); err != nil {
		return err
	}

	c.log.Info("代理模式切換完成", zap.String("mode", mode.String()))
	return nil
}

// IsRunning 代理單元是否在運行。
// 無 systemd 的主機判斷不了單元狀態，按運行中處理：
// 清理階段多一次啟動嘗試，好過放任站點下線。
func (c *Coordinator) IsRunning(ctx context.Context) (bool, error) {
	if c.systemd == nil {
		return true, nil
	}
	return c.systemd.IsActive(ctx, c.reloadUnit)
}

// EnsureRunning 只把代理拉起來，不觸碰它的配置。
// 站點配置不歸本程序管時，清理階段用它恢復開工前的運行狀態。
func (c *Coordinator) EnsureRunning(ctx context.Context) error {
	if c.systemd != nil {
		active, err := c.systemd.IsActive(ctx, c.reloadUnit)
		if err == nil && active {
			return nil
		}
		if startErr := c.systemd.Start(ctx, c.reloadUnit); startErr != nil {
			return errors.Wrap(errors.ErrReloadFailed, "NGINX004",
				fmt.Sprintf("啟動 %s 失敗: %v", c.reloadUnit, startErr))
		}
		return nil
	}

	if output, err := c.execr.Execute(ctx, c.binary); err != nil {
		return errors.Wrap(errors.ErrReloadFailed, "NGINX004",
			fmt.Sprintf("啟動 nginx 失敗: %s", tailOf(output)))
	}
	return nil
}

// guardFullTLS 檢查主域名的證書處於有效狀態。
// 調用方在證書缺失或過期時請求 full_tls 屬於違約，這裡直接拒絕，
// 絕不默默降級。
func (c *Coordinator) guardFullTLS(data TemplateData) error {
	if c.checker == nil {
		return nil
	}

	primary := strings.Fields(data.ServerNames)
	if len(primary) == 0 {
		return errors.New("NGINX005", "full_tls 切換缺少域名")
	}

	status, err := c.checker.Status(primary[0])
	if err != nil {
		return errors.Wrap(err, "NGINX005", fmt.Sprintf("檢查域名 %s 的證書狀態失敗", primary[0]))
	}
	if status.Kind != certificate.StatusValid {
		return errors.Wrap(errors.ErrReloadFailed, "NGINX005",
			fmt.Sprintf("域名 %s 的證書狀態為 %s，拒絕切換到 full_tls", primary[0], status.Kind))
	}
	return nil
}

// readCurrent 讀取現行站點配置內容
func (c *Coordinator) readCurrent() (string, bool, error) {
	data, err := os.ReadFile(c.sitePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "NGINX002", fmt.Sprintf("讀取站點配置失敗: %s", c.sitePath))
	}
	return string(data), true, nil
}

// writeSite 經臨時文件原子寫入站點配置。
// 臨時文件不帶 .conf 後綴，不會被 conf.d 的通配 include 撈走。
func (c *Coordinator) writeSite(content string) error {
	dir := filepath.Dir(c.sitePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "NGINX002", fmt.Sprintf("創建配置目錄失敗: %s", dir))
	}

	tmp, err := os.CreateTemp(dir, "certflow.*.tmp")
	if err != nil {
		return errors.Wrap(err, "NGINX002", "創建臨時配置文件失敗")
	}
	tmpName := tmp.Name()

	writeSuccess := false
	defer func() {
		if !writeSuccess {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(content); err != nil {
		return errors.Wrap(err, "NGINX002", "寫入站點配置失敗")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "NGINX002", "落盤站點配置失敗")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "NGINX002", "關閉臨時配置文件失敗")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return errors.Wrap(err, "NGINX002", "設置站點配置權限失敗")
	}
	if err := os.Rename(tmpName, c.sitePath); err != nil {
		return errors.Wrap(err, "NGINX002", "替換站點配置失敗")
	}
	writeSuccess = true
	return nil
}

// rollback 恢復舊配置。回滾自身失敗只能記日誌，主錯誤在外層返回。
func (c *Coordinator) rollback(prev string, prevExists bool) {
	if !prevExists {
		if err := os.Remove(c.sitePath); err != nil {
			c.log.Error("回滾失敗，無法移除新寫入的配置", zap.Error(err))
		}
		return
	}
	if err := c.writeSite(prev); err != nil {
		c.log.Error("回滾舊配置失敗", zap.Error(err))
	}
}

// reloadOrStart 重載 nginx；沒在運行就啟動。
// reload 對應 SIGHUP，現有連接不中斷。
func (c *Coordinator) reloadOrStart(ctx context.Context) error {
	if c.systemd != nil {
		active, err := c.systemd.IsActive(ctx, c.reloadUnit)
		if err == nil && !active {
			c.log.Info("代理未在運行，改為啟動", zap.String("unit", c.reloadUnit))
			if startErr := c.systemd.Start(ctx, c.reloadUnit); startErr != nil {
				return errors.Wrap(errors.ErrReloadFailed, "NGINX004",
					fmt.Sprintf("啟動 %s 失敗: %v", c.reloadUnit, startErr))
			}
			return nil
		}

		if reloadErr := c.systemd.Reload(ctx, c.reloadUnit); reloadErr != nil {
			// 個別發行版的單元不支持 reload，退回 restart
			c.log.Warn("重載失敗，嘗試重啟", zap.Error(reloadErr))
			if restartErr := c.systemd.Restart(ctx, c.reloadUnit); restartErr != nil {
				return errors.Wrap(errors.ErrReloadFailed, "NGINX004",
					fmt.Sprintf("重載與重啟均失敗: %v", restartErr))
			}
		}
		return nil
	}

	// 無 systemd 的主機走命令行
	if output, err := c.execr.Execute(ctx, c.binary, "-s", "reload"); err != nil {
		c.log.Warn("nginx -s reload 失敗，嘗試直接啟動",
			logger.SanitizedOutput("output", output, 3))
		if output, startErr := c.execr.Execute(ctx, c.binary); startErr != nil {
			return errors.Wrap(errors.ErrReloadFailed, "NGINX004",
				fmt.Sprintf("啟動 nginx 失敗: %s", tailOf(output)))
		}
	}
	return nil
}

// tailOf 取輸出的最後幾行，nginx 的報錯都在結尾
func tailOf(output string) string {
	const maxLen = 300
	if len(output) <= maxLen {
		return output
	}
	return "..." + output[len(output)-maxLen:]
}
