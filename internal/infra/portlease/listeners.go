package portlease

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// Listener 一個正在監聽端口的進程
type Listener struct {
	PID  int    // 進程 PID，無權限識別時為 0
	Name string // 進程名，無權限識別時為 "unknown"
	Port int
}

func (l Listener) String() string {
	if l.PID > 0 {
		return fmt.Sprintf("%s(pid=%d)", l.Name, l.PID)
	}
	return l.Name
}

// ListenerBackend 端口監聽者枚舉後端接口（只負責檢測和解析）
type ListenerBackend interface {
	// Name 返回後端名稱
	Name() string

	// IsAvailable 檢查後端是否可用
	IsAvailable() bool

	// Listeners 枚舉指定端口上的 TCP 監聽進程
	Listeners(ctx context.Context, port int) ([]Listener, error)
}

// DetectBackend 自動檢測可用的端口檢查後端
func DetectBackend(execr system.Executor, log *zap.Logger) (ListenerBackend, error) {
	// 按優先級檢測（ss > lsof）
	backends := []ListenerBackend{
		newSSBackend(execr),
		newLsofBackend(execr),
	}

	for _, backend := range backends {
		if backend.IsAvailable() {
			log.Debug("檢測到端口檢查後端", zap.String("backend", backend.Name()))
			return backend, nil
		}
	}

	return nil, errors.New("PORT001", "未檢測到可用的端口檢查工具 (ss/lsof)")
}

// commandExists 以變量形式存在，測試時可替換
var commandExists = func(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

// ssProcPattern 匹配 ss -p 輸出裡的 users:(("nginx",pid=1234,fd=6)) 片段
var ssProcPattern = regexp.MustCompile(`\("([^"]+)",pid=(\d+)`)

type ssBackend struct {
	execr system.Executor
}

func newSSBackend(execr system.Executor) *ssBackend {
	return &ssBackend{execr: execr}
}

func (b *ssBackend) Name() string {
	return "ss"
}

func (b *ssBackend) IsAvailable() bool {
	return commandExists("ss")
}

// Listeners 解析 `ss -H -tlnp` 輸出。
// 不用 ss 自帶的過濾表達式，不同版本的語法有出入，在 Go 裡按端口過濾更穩。
func (b *ssBackend) Listeners(ctx context.Context, port int) ([]Listener, error) {
	output, err := b.execr.Execute(ctx, "ss", "-H", "-tlnp")
	if err != nil {
		return nil, errors.Wrap(err, "PORT004", "枚舉端口監聽進程失敗")
	}

	var listeners []Listener
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		// 第 4 列是本地地址，形如 0.0.0.0:80、[::]:80、*:80
		if parseLocalPort(fields[3]) != port {
			continue
		}

		matches := ssProcPattern.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			// 非 root 運行時 ss 看不到進程信息，仍要記下端口被佔的事實
			key := fmt.Sprintf("unknown:%d", port)
			if !seen[key] {
				seen[key] = true
				listeners = append(listeners, Listener{PID: 0, Name: "unknown", Port: port})
			}
			continue
		}

		for _, m := range matches {
			pid, convErr := strconv.Atoi(m[2])
			if convErr != nil {
				continue
			}
			key := fmt.Sprintf("%d:%d", pid, port)
			if seen[key] {
				continue
			}
			seen[key] = true
			listeners = append(listeners, Listener{PID: pid, Name: m[1], Port: port})
		}
	}

	return listeners, nil
}

func parseLocalPort(addr string) int {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 || idx == len(addr)-1 {
		return 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0
	}
	return port
}

type lsofBackend struct {
	execr system.Executor
}

func newLsofBackend(execr system.Executor) *lsofBackend {
	return &lsofBackend{execr: execr}
}

func (b *lsofBackend) Name() string {
	return "lsof"
}

func (b *lsofBackend) IsAvailable() bool {
	return commandExists("lsof")
}

// Listeners 解析 `lsof -F pc` 的機器可讀輸出：
// 每條記錄以 p<pid> 開頭，跟一行 c<進程名>。
func (b *lsofBackend) Listeners(ctx context.Context, port int) ([]Listener, error) {
	target := fmt.Sprintf("-iTCP:%d", port)
	output, err := b.execr.Execute(ctx, "lsof", "-nP", target, "-sTCP:LISTEN", "-F", "pc")
	if err != nil {
		// lsof 在無匹配時以狀態碼 1 退出，這不是錯誤
		if strings.TrimSpace(output) == "" {
			return nil, nil
		}
		return nil, errors.Wrap(err, "PORT004", "枚舉端口監聽進程失敗")
	}

	var listeners []Listener
	seen := make(map[int]bool)
	pid := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			n, convErr := strconv.Atoi(line[1:])
			if convErr != nil {
				pid = 0
				continue
			}
			pid = n
		case 'c':
			if pid == 0 || seen[pid] {
				continue
			}
			seen[pid] = true
			listeners = append(listeners, Listener{PID: pid, Name: line[1:], Port: port})
		}
	}

	return listeners, nil
}
