package portlease

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// State 租約狀態
type State int

const (
	StateFree       State = iota // 未持有
	StateReclaiming              // 正在回收佔用者
	StateHeld                    // 端口已騰空並由本進程持有
	StateReleased                // 已釋放
)

// String 返回狀態的字符串表示
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReclaiming:
		return "reclaiming"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Method 回收佔用者所用的手段
type Method string

const (
	MethodServiceStop Method = "service_stop" // systemctl stop（白名單內的服務單元）
	MethodDockerStop  Method = "docker_stop"  // docker stop（需顯式啟用）
	MethodSigterm     Method = "sigterm"      // 優雅終止信號
	MethodSigkill     Method = "sigkill"      // 強制終止信號
)

// ReclaimedProcess 記錄一個被回收的端口佔用者，
// 用於事後審計：誰被停掉了、在哪個端口、用了什麼手段。
type ReclaimedProcess struct {
	PID    int    // 進程 PID（服務與容器回收時為 0）
	Name   string // 進程名、服務單元名或容器名
	Port   int    // 被佔用的端口
	Method Method // 回收手段
}

func (r ReclaimedProcess) String() string {
	if r.PID > 0 {
		return fmt.Sprintf("%s(pid=%d):%d[%s]", r.Name, r.PID, r.Port, r.Method)
	}
	return fmt.Sprintf("%s:%d[%s]", r.Name, r.Port, r.Method)
}

// Lease 端口租約。
//
// 租約只是記帳對象：它記錄取證期間騰空了哪些端口、回收了哪些佔用者，
// 並不真正「鎖住」端口。被停止的服務不會在 Release 時自動拉起，
// 反向代理的恢復由上層編排流程負責。
type Lease struct {
	ID        string             // 本次取證流程的運行標識
	Ports     []int              // 騰空的端口
	Reclaimed []ReclaimedProcess // 回收記錄

	mu    sync.Mutex
	state State
}

func newLease(ports []int) *Lease {
	return &Lease{
		ID:    uuid.New().String(),
		Ports: append([]int(nil), ports...),
		state: StateReclaiming,
	}
}

// State 返回當前租約狀態
func (l *Lease) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lease) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// Release 釋放租約。冪等：重複調用不報錯、不重複記錄。
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateReleased {
		return
	}
	l.state = StateReleased
}

// ReclaimedSummary 返回回收記錄的單行摘要，用於日誌
func (l *Lease) ReclaimedSummary() string {
	if len(l.Reclaimed) == 0 {
		return "無"
	}
	parts := make([]string, 0, len(l.Reclaimed))
	for _, r := range l.Reclaimed {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ", ")
}
