// Package tui certflow 的交互儀表盤。
//
// 無參數啟動且在終端裡時進入這裡。操作全部複用 application 層的
// 編排服務，界面只負責展示狀態、收集確認、把長操作丟進後台。
package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/application"
	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	domainConfig "github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/history"
	"github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/tui/style"
)

// Config 儀表盤的外部依賴
type Config struct {
	Log       *zap.Logger
	Config    *domainConfig.Config
	Lifecycle *application.LifecycleService
	History   *history.Store
	SysInfo   *system.SystemInfo
}

// screen 當前顯示的界面
type screen int

const (
	screenMenu screen = iota
	screenRunning
	screenConfirmForce
	screenModeSelect
	screenResult
	screenHistory
)

// menuAction 菜單項對應的操作
type menuAction int

const (
	actionObtain menuAction = iota
	actionRenew
	actionTestRenewal
	actionSwitchMode
	actionHistory
	actionRefresh
	actionQuit
)

type menuItem struct {
	title  string
	desc   string
	action menuAction
}

var menuItems = []menuItem{
	{"簽發證書", "走完整流水線：騰空端口 → 驗證 → certbot → 切換 HTTPS", actionObtain},
	{"續期檢查", "續期所有進入續期窗口的證書", actionRenew},
	{"續期演練", "走測試環境流水線，不簽發真證書", actionTestRenewal},
	{"切換代理模式", "在 validation_only / http_only / full_tls 間切換", actionSwitchMode},
	{"操作歷史", "最近的簽發與續期記錄", actionHistory},
	{"刷新狀態", "重新讀取證書與代理狀態", actionRefresh},
	{"退出", "", actionQuit},
}

// Model 儀表盤主模型
type Model struct {
	cfg     Config
	spinner spinner.Model

	screen     screen
	cursor     int
	modeCursor int
	width      int

	// 狀態卡片
	report    *application.CheckReport
	reportErr error

	// 運行中的操作
	opTitle string

	// 結果界面
	lastResult   *certificate.OperationResult
	lastResults  []*certificate.OperationResult
	switchedMode proxy.Mode
	lastErr      error

	// 歷史界面
	entries    []history.Entry
	historyErr error
}

// NewModel 創建儀表盤模型
func NewModel(cfg Config) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = style.GoodStyle

	return &Model{
		cfg:     cfg,
		spinner: sp,
		screen:  screenMenu,
	}
}

// Init 啟動時先拉一次狀態
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.loadReport())
}

// Update 消息處理
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case reportMsg:
		m.report = msg.report
		m.reportErr = msg.err
		return m, nil

	case opDoneMsg:
		return m.onOpDone(msg)

	case modeDoneMsg:
		m.switchedMode = msg.mode
		m.lastErr = msg.err
		m.screen = screenResult
		return m, m.loadReport()

	case historyMsg:
		m.entries = msg.entries
		m.historyErr = msg.err
		m.screen = screenHistory
		return m, nil

	case tea.KeyMsg:
		return m.onKey(msg)
	}
	return m, nil
}

// onOpDone 後台操作結束：證書仍有效被跳過時轉入強制重簽確認，
// 其餘結局一律進結果界面並刷新狀態卡片。
func (m *Model) onOpDone(msg opDoneMsg) (tea.Model, tea.Cmd) {
	m.lastResult = msg.result
	m.lastResults = msg.results
	m.lastErr = msg.err

	if msg.err == nil && msg.result != nil && msg.result.Kind == certificate.ResultSkipped {
		m.screen = screenConfirmForce
		return m, nil
	}

	m.screen = screenResult
	return m, m.loadReport()
}

func (m *Model) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// 運行中的流水線不可取消，端口和代理的清理必須走完
	if m.screen == screenRunning {
		return m, nil
	}

	if key == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.screen {
	case screenConfirmForce:
		switch key {
		case "y", "Y":
			return m.startOp("強制重簽", m.runObtain(true))
		default:
			m.screen = screenMenu
			return m, nil
		}

	case screenModeSelect:
		modes := proxy.AllModes()
		switch key {
		case "q", "esc":
			m.screen = screenMenu
		case "up", "k":
			if m.modeCursor > 0 {
				m.modeCursor--
			}
		case "down", "j":
			if m.modeCursor < len(modes)-1 {
				m.modeCursor++
			}
		case "enter", " ":
			return m.startOp("切換代理模式", m.runSwitchMode(modes[m.modeCursor]))
		}
		return m, nil

	case screenResult, screenHistory:
		m.screen = screenMenu
		return m, nil

	default: // screenMenu
		switch key {
		case "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(menuItems)-1 {
				m.cursor++
			}
		case "enter", " ":
			return m.selectItem()
		}
		return m, nil
	}
}

func (m *Model) selectItem() (tea.Model, tea.Cmd) {
	switch menuItems[m.cursor].action {
	case actionObtain:
		return m.startOp("簽發證書", m.runObtain(false))
	case actionRenew:
		return m.startOp("續期檢查", m.runRenew())
	case actionTestRenewal:
		return m.startOp("續期演練", m.runTestRenewal())
	case actionSwitchMode:
		m.modeCursor = 0
		m.screen = screenModeSelect
		return m, nil
	case actionHistory:
		return m, m.loadHistory()
	case actionRefresh:
		return m, m.loadReport()
	case actionQuit:
		return m, tea.Quit
	}
	return m, nil
}

// startOp 切到運行界面並把操作丟進後台
func (m *Model) startOp(title string, cmd tea.Cmd) (tea.Model, tea.Cmd) {
	m.opTitle = title
	m.screen = screenRunning
	m.lastResult = nil
	m.lastResults = nil
	m.switchedMode = ""
	m.lastErr = nil
	return m, tea.Batch(m.spinner.Tick, cmd)
}
