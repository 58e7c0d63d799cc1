package system

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/logger"
)

// Executor 命令執行器接口
type Executor interface {
	// Execute 執行命令
	Execute(ctx context.Context, name string, args ...string) (string, error)

	// ExecuteWithTimeout 帶超時的命令執行
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error)

	// IsAllowed 檢查命令是否在白名單中
	IsAllowed(name string) bool
}

// SafeExecutor 安全的命令執行器
// 白名單只收錄證書流程真正需要的外部命令，寧缺毋濫。
type SafeExecutor struct {
	allowlist map[string]bool
	logger    *zap.Logger
}

// NewExecutor 創建命令執行器
func NewExecutor(logger *zap.Logger) Executor {
	return &SafeExecutor{
		allowlist: map[string]bool{
			// ACME 客戶端
			"certbot": true,

			// 反向代理語法檢查 (nginx -t)
			"nginx": true,

			// systemd 的 CLI 後備路徑（dbus 不可用時）
			"systemctl": true,

			// 端口監聽者枚舉
			"ss":   true,
			"lsof": true,

			// 容器回收（需配置顯式開啟）
			"docker": true,

			// 定時任務後備路徑（無 systemd 時）
			"crontab": true,
		},
		logger: logger,
	}
}

// Execute 執行命令
func (e *SafeExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	// 檢查命令是否在白名單中
	if !e.IsAllowed(name) {
		return "", errors.New("SYS001", fmt.Sprintf("命令 %q 不在白名單中", name))
	}

	cmd := exec.CommandContext(ctx, name, args...)

	e.logger.Debug("執行命令",
		zap.String("cmd", name),
		zap.Strings("args", args),
	)

	// stdout 與 stderr 合併收集，certbot 的結果文案分散在兩者之間
	output, err := cmd.CombinedOutput()
	outputStr := strings.TrimSpace(string(output))

	if err != nil {
		e.logger.Error("命令執行失敗",
			zap.String("cmd", name),
			zap.Strings("args", args),
			logger.SanitizedOutput("output", outputStr, 5),
			zap.Error(err),
		)
		return outputStr, errors.Wrap(err, "SYS002", "命令執行失敗")
	}

	e.logger.Debug("命令執行成功",
		zap.String("cmd", name),
	)

	return outputStr, nil
}

// ExecuteWithTimeout 帶超時的命令執行
func (e *SafeExecutor) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.Execute(ctx, name, args...)
}

// IsAllowed 檢查命令是否在白名單中
func (e *SafeExecutor) IsAllowed(name string) bool {
	return e.allowlist[name]
}
