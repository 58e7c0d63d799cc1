package system

import (
	"context"
	"fmt"
	"math"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// SystemdManager Systemd 服務管理器接口
type SystemdManager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Reload(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	DaemonReload(ctx context.Context) error
	Status(ctx context.Context, unit string) (*ServiceStatus, error)
	IsActive(ctx context.Context, unit string) (bool, error)
	IsEnabled(ctx context.Context, unit string) (bool, error)
	Close()
}

// ServiceStatus 服務詳細狀態
type ServiceStatus struct {
	Name        string
	Active      bool
	Running     bool
	Failed      bool
	Enabled     bool
	PID         string
	Memory      string
	MemoryBytes uint64
	Uptime      string
	UptimeDur   time.Duration
}

type dbusManager struct {
	conn *dbus.Conn
	log  *zap.Logger
	mu   sync.Mutex
}

// NewSystemdManager 經 DBus 連接 systemd
// 容器或無 systemd 的環境下連接失敗，調用方需準備 CLI 後備路徑。
func NewSystemdManager(log *zap.Logger) (SystemdManager, error) {
	conn, err := dbus.NewSystemdConnectionContext(context.Background())
	if err != nil {
		return nil, fmt.Errorf("無法連接 Systemd DBus: %w", err)
	}
	return &dbusManager{conn: conn, log: log}, nil
}

func (m *dbusManager) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// ensureUnitName 補全單元名後綴
// 不帶後綴時默認 .service；定時器單元需顯式寫 .timer。
func ensureUnitName(unit string) string {
	if strings.HasSuffix(unit, ".service") || strings.HasSuffix(unit, ".timer") {
		return unit
	}
	return unit + ".service"
}

func (m *dbusManager) Start(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	ch := make(chan string, 1)
	_, err := m.conn.StartUnitContext(ctx, unit, "replace", ch)
	if err != nil {
		return err
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("啟動 %s 失敗: %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("啟動 %s 超時: %w", unit, ctx.Err())
	}
}

func (m *dbusManager) Stop(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	ch := make(chan string, 1)
	_, err := m.conn.StopUnitContext(ctx, unit, "replace", ch)
	if err != nil {
		return err
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("停止 %s 失敗: %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止 %s 超時: %w", unit, ctx.Err())
	}
}

func (m *dbusManager) Restart(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	ch := make(chan string, 1)
	_, err := m.conn.RestartUnitContext(ctx, unit, "replace", ch)
	if err != nil {
		return err
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("重啟 %s 失敗: %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("重啟 %s 超時: %w", unit, ctx.Err())
	}
}

// Reload 發送重載信號（nginx 對應 SIGHUP，不中斷現有連接）
func (m *dbusManager) Reload(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	ch := make(chan string, 1)
	_, err := m.conn.ReloadUnitContext(ctx, unit, "replace", ch)
	if err != nil {
		return err
	}

	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("重載 %s 失敗: %s", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("重載 %s 超時: %w", unit, ctx.Err())
	}
}

func (m *dbusManager) Enable(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	_, _, err := m.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true)
	return err
}

func (m *dbusManager) Disable(ctx context.Context, unit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit = ensureUnitName(unit)

	_, err := m.conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	return err
}

// DaemonReload 重新加載 systemd 單元定義（寫入新 unit 文件後必須調用）
func (m *dbusManager) DaemonReload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.ReloadContext(ctx)
}

func (m *dbusManager) Status(ctx context.Context, unit string) (*ServiceStatus, error) {
	unit = ensureUnitName(unit)

	units, err := m.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return nil, err
	}

	status := &ServiceStatus{Name: unit}

	if len(units) > 0 {
		u := units[0]
		status.Active = u.ActiveState == "active"
		status.Running = u.SubState == "running"
		status.Failed = u.ActiveState == "failed"

		// 詳細屬性 (PID, Memory 等)
		props, err := m.conn.GetAllPropertiesContext(ctx, unit)
		if err == nil {
			if pid, ok := props["MainPID"].(uint32); ok && pid > 0 {
				status.PID = fmt.Sprintf("%d", pid)
			}
			if mem, ok := props["MemoryCurrent"].(uint64); ok && mem != math.MaxUint64 {
				status.MemoryBytes = mem
				status.Memory = formatBytes(mem)
			}
			if ts, ok := props["ActiveEnterTimestamp"].(uint64); ok && ts > 0 {
				startTime := time.UnixMicro(int64(ts))
				if status.Active {
					status.UptimeDur = time.Since(startTime)
					status.Uptime = formatDuration(status.UptimeDur)
				}
			}
		}
	}

	// enable 狀態經 dbus 查詢繁瑣，直接走 CLI
	cmd := exec.CommandContext(ctx, "systemctl", "is-enabled", unit)
	output, _ := cmd.Output()
	fileState := strings.TrimSpace(string(output))
	status.Enabled = (fileState == "enabled" || fileState == "enabled-runtime")

	return status, nil
}

func (m *dbusManager) IsActive(ctx context.Context, unit string) (bool, error) {
	unit = ensureUnitName(unit)
	units, err := m.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return false, err
	}
	if len(units) == 0 {
		return false, nil
	}
	return units[0].ActiveState == "active", nil
}

func (m *dbusManager) IsEnabled(ctx context.Context, unit string) (bool, error) {
	unit = ensureUnitName(unit)
	cmd := exec.CommandContext(ctx, "systemctl", "is-enabled", unit)
	err := cmd.Run()
	return err == nil, nil
}
