package portlease

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// RetryPolicy 信號升級的等待參數
type RetryPolicy struct {
	GraceWait time.Duration // SIGTERM 後等待進程退出的上限
	PollEvery time.Duration // 等待期間的輪詢間隔
	ForceWait time.Duration // SIGKILL 後等待進程消失的上限
}

// PolicyFromConfig 從租約配置換算重試策略
func PolicyFromConfig(cfg *config.LeaseConfig) RetryPolicy {
	return RetryPolicy{
		GraceWait: cfg.GraceWait(),
		PollEvery: cfg.PollEvery(),
		ForceWait: cfg.ForceWait(),
	}
}

// Manager 端口租約管理器。
//
// Acquire 按固定順序騰空端口：先停白名單內的 systemd 服務，
// 再按配置處理佔用端口的容器，殘餘進程走 SIGTERM 到 SIGKILL 的
// 信號升級，最後逐端口試綁定覆核。任何一個端口沒騰出來，整體失敗。
type Manager struct {
	backend       ListenerBackend
	execr         system.Executor
	systemd       system.SystemdManager
	policy        RetryPolicy
	stopAllow     []string
	dockerReclaim bool
	log           *zap.Logger
}

// NewManager 創建端口租約管理器。systemd 可以為 nil（無 systemd 的主機，
// 此時白名單服務停止一步直接跳過，進程統一走信號回收）。
func NewManager(cfg *config.LeaseConfig, backend ListenerBackend, execr system.Executor, systemd system.SystemdManager, log *zap.Logger) *Manager {
	return &Manager{
		backend:       backend,
		execr:         execr,
		systemd:       systemd,
		policy:        PolicyFromConfig(cfg),
		stopAllow:     append([]string(nil), cfg.StopServices...),
		dockerReclaim: cfg.DockerReclaim,
		log:           log,
	}
}

// Acquire 騰空指定端口並返回租約。
// 失敗時不返回租約，已經停掉的服務不會回滾，回收動作都留有日誌。
func (m *Manager) Acquire(ctx context.Context, ports []int) (*Lease, error) {
	lease := newLease(ports)
	m.log.Info("開始騰空端口",
		zap.String("run_id", lease.ID),
		zap.Ints("ports", lease.Ports))

	// 1. 白名單內的 systemd 服務優雅停止
	if err := m.stopAllowedServices(ctx, lease); err != nil {
		return nil, err
	}

	// 2. 佔用端口的容器：開了 docker_reclaim 才停，否則點名報錯
	if err := m.reclaimContainers(ctx, lease); err != nil {
		return nil, err
	}

	// 3. 殘餘進程信號升級（SIGTERM 輪詢等待，超時 SIGKILL）
	if err := m.signalRemaining(ctx, lease); err != nil {
		return nil, err
	}

	// 4. 試綁定覆核，工具解析為準不可靠，以內核裁定為準
	if err := m.verifyFree(ctx, lease); err != nil {
		return nil, err
	}

	lease.setState(StateHeld)
	m.log.Info("端口騰空完成",
		zap.String("run_id", lease.ID),
		zap.Ints("ports", lease.Ports),
		zap.String("reclaimed", lease.ReclaimedSummary()))
	return lease, nil
}

// Release 釋放租約。冪等：重複釋放是空操作。
// 被停止的服務不會在這裡拉起，反向代理的恢復由上層流程統一處理。
func (m *Manager) Release(lease *Lease) {
	if lease == nil || lease.State() == StateReleased {
		return
	}
	lease.Release()
	m.log.Debug("釋放端口租約",
		zap.String("run_id", lease.ID),
		zap.Ints("ports", lease.Ports))
}

// stopAllowedServices 停止白名單內佔用目標端口的 systemd 服務
func (m *Manager) stopAllowedServices(ctx context.Context, lease *Lease) error {
	if m.systemd == nil || len(m.stopAllow) == 0 {
		return nil
	}

	listeners, err := m.collectListeners(ctx, lease.Ports)
	if err != nil {
		return err
	}

	stopped := make(map[string]bool)
	for _, l := range listeners {
		unit := m.matchAllowedUnit(l.Name)
		if unit == "" || stopped[unit] {
			continue
		}

		// 真的會停掉服務，必須在日誌裡留下明確記錄
		m.log.Warn("停止佔用端口的服務",
			zap.String("run_id", lease.ID),
			zap.String("unit", unit),
			zap.Int("port", l.Port))

		if stopErr := m.systemd.Stop(ctx, unit); stopErr != nil {
			m.log.Warn("停止服務失敗，轉入信號回收",
				zap.String("unit", unit),
				zap.Error(stopErr))
			continue
		}
		stopped[unit] = true
		lease.Reclaimed = append(lease.Reclaimed, ReclaimedProcess{
			Name:   unit,
			Port:   l.Port,
			Method: MethodServiceStop,
		})
	}
	return nil
}

// matchAllowedUnit 按進程名匹配白名單裡的服務單元，
// 比如監聽進程 nginx 匹配白名單項 nginx 或 nginx.service。
func (m *Manager) matchAllowedUnit(procName string) string {
	for _, unit := range m.stopAllow {
		if strings.TrimSuffix(unit, ".service") == procName {
			return unit
		}
	}
	return ""
}

// reclaimContainers 處理把目標端口發佈到宿主機的容器
func (m *Manager) reclaimContainers(ctx context.Context, lease *Lease) error {
	if !commandExists("docker") {
		return nil
	}

	for _, port := range lease.Ports {
		output, err := m.execr.Execute(ctx, "docker", "ps",
			"--filter", fmt.Sprintf("publish=%d", port),
			"--format", "{{.ID}}\t{{.Names}}")
		if err != nil {
			// docker 裝了但守護進程沒在跑，當作沒有容器
			m.log.Debug("docker ps 不可用，跳過容器檢查", zap.Error(err))
			return nil
		}

		for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
			if line == "" {
				continue
			}
			id, name := splitContainerLine(line)
			if id == "" {
				continue
			}

			if !m.dockerReclaim {
				return errors.Wrap(errors.ErrPortBusy, "PORT005",
					fmt.Sprintf("端口 %d 被容器 %s 佔用。請自行停止該容器，或在配置中開啟 lease.docker_reclaim", port, name))
			}

			m.log.Warn("停止佔用端口的容器",
				zap.String("run_id", lease.ID),
				zap.String("container", name),
				zap.Int("port", port))

			if _, stopErr := m.execr.ExecuteWithTimeout(ctx, 30*time.Second, "docker", "stop", id); stopErr != nil {
				return errors.Wrap(stopErr, "PORT006", fmt.Sprintf("停止容器 %s 失敗", name))
			}
			lease.Reclaimed = append(lease.Reclaimed, ReclaimedProcess{
				Name:   name,
				Port:   port,
				Method: MethodDockerStop,
			})
		}
	}
	return nil
}

func splitContainerLine(line string) (id, name string) {
	parts := strings.SplitN(line, "\t", 2)
	id = strings.TrimSpace(parts[0])
	name = id
	if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
		name = strings.TrimSpace(parts[1])
	}
	return id, name
}

// signalRemaining 對殘餘監聽進程做信號升級回收
func (m *Manager) signalRemaining(ctx context.Context, lease *Lease) error {
	targets, err := m.collectListeners(ctx, lease.Ports)
	if err != nil {
		return err
	}
	targets = signalableTargets(targets)
	if len(targets) == 0 {
		return nil
	}

	// 先禮：SIGTERM 後在寬限期內輪詢等待
	alive := m.sendSignal(lease, targets, unix.SIGTERM)
	alive = m.waitGone(ctx, alive)
	m.recordGone(lease, targets, alive, MethodSigterm)
	if len(alive) == 0 {
		return nil
	}

	// 後兵：SIGKILL 後再等一小段
	m.log.Warn("進程未在寬限期內退出，強制終止",
		zap.String("run_id", lease.ID),
		zap.String("targets", joinListeners(alive)))
	killed := m.sendSignal(lease, alive, unix.SIGKILL)
	survivors := m.waitGoneFor(ctx, killed, m.policy.ForceWait)
	m.recordGone(lease, killed, survivors, MethodSigkill)

	if len(survivors) > 0 {
		return errors.Wrap(errors.ErrPortBusy, "PORT002",
			fmt.Sprintf("進程在 SIGKILL 後仍未退出: %s", joinListeners(survivors)))
	}
	return nil
}

// signalableTargets 過濾出可以安全發信號的目標。
// PID 1 是 systemd（socket 激活時會直接持有端口），絕不能碰；
// PID 0 表示解析不出進程信息，也無從下手。
func signalableTargets(listeners []Listener) []Listener {
	self := os.Getpid()
	seen := make(map[int]bool)
	var targets []Listener
	for _, l := range listeners {
		if l.PID <= 1 || l.PID == self || seen[l.PID] {
			continue
		}
		seen[l.PID] = true
		targets = append(targets, l)
	}
	return targets
}

// sendSignal 向目標進程發送信號，返回仍需等待的目標
func (m *Manager) sendSignal(lease *Lease, targets []Listener, sig unix.Signal) []Listener {
	var pending []Listener
	for _, t := range targets {
		err := unix.Kill(t.PID, sig)
		if err == unix.ESRCH {
			// 進程已經不在了
			continue
		}
		if err != nil {
			m.log.Warn("向進程發送信號失敗",
				zap.String("run_id", lease.ID),
				zap.String("target", t.String()),
				zap.String("signal", unix.SignalName(sig)),
				zap.Error(err))
		}
		pending = append(pending, t)
	}
	return pending
}

// waitGone 在寬限期內輪詢等待目標進程退出，返回仍存活的目標
func (m *Manager) waitGone(ctx context.Context, targets []Listener) []Listener {
	return m.waitGoneFor(ctx, targets, m.policy.GraceWait)
}

func (m *Manager) waitGoneFor(ctx context.Context, targets []Listener, wait time.Duration) []Listener {
	deadline := time.Now().Add(wait)
	remaining := targets
	for {
		var still []Listener
		for _, t := range remaining {
			if processAlive(t.PID) {
				still = append(still, t)
			}
		}
		remaining = still

		if len(remaining) == 0 || !time.Now().Before(deadline) {
			return remaining
		}

		select {
		case <-ctx.Done():
			return remaining
		case <-time.After(m.policy.PollEvery):
		}
	}
}

// recordGone 把這一輪裡退出的進程記入回收清單
func (m *Manager) recordGone(lease *Lease, before, after []Listener, method Method) {
	stillAlive := make(map[int]bool, len(after))
	for _, l := range after {
		stillAlive[l.PID] = true
	}
	for _, l := range before {
		if stillAlive[l.PID] {
			continue
		}
		lease.Reclaimed = append(lease.Reclaimed, ReclaimedProcess{
			PID:    l.PID,
			Name:   l.Name,
			Port:   l.Port,
			Method: method,
		})
	}
}

// processAlive 用空信號探測進程是否存在
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM 說明進程在但無權操作，按存活處理
	return err != unix.ESRCH
}

// verifyFree 逐端口試綁定覆核，任何端口仍被佔用則整體失敗
func (m *Manager) verifyFree(ctx context.Context, lease *Lease) error {
	var busy []int
	for _, port := range lease.Ports {
		outcome, err := probePort(port)
		switch outcome {
		case probeOK:
		case probeInUse:
			busy = append(busy, port)
		case probeNoPermission:
			return errors.Wrap(errors.ErrPermissionDenied, "PORT003",
				fmt.Sprintf("權限不足，無法綁定端口 %d。請以 root 運行，或執行: sudo setcap CAP_NET_BIND_SERVICE=+eip $(command -v certflow)", port))
		default:
			return errors.Wrap(err, "PORT007", fmt.Sprintf("檢查端口 %d 失敗", port))
		}
	}
	if len(busy) == 0 {
		return nil
	}

	// 報錯時點名仍在佔用的進程，省得用戶再跑一遍 ss
	detail := ""
	if holders, err := m.collectListeners(ctx, busy); err == nil && len(holders) > 0 {
		detail = " (佔用者: " + joinListeners(holders) + ")"
	}
	return errors.Wrap(errors.ErrPortBusy, "PORT002",
		fmt.Sprintf("端口 %s 仍被佔用%s", joinInts(busy), detail))
}

// collectListeners 彙總多個端口上的監聽進程
func (m *Manager) collectListeners(ctx context.Context, ports []int) ([]Listener, error) {
	var all []Listener
	for _, port := range ports {
		listeners, err := m.backend.Listeners(ctx, port)
		if err != nil {
			return nil, err
		}
		all = append(all, listeners...)
	}
	return all, nil
}

func joinListeners(listeners []Listener) string {
	parts := make([]string, 0, len(listeners))
	for _, l := range listeners {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, ", ")
}

func joinInts(nums []int) string {
	parts := make([]string, 0, len(nums))
	for _, n := range nums {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, ", ")
}
