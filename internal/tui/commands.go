package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/application"
	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/history"
)

// reportMsg 狀態卡片數據就緒
type reportMsg struct {
	report *application.CheckReport
	err    error
}

// opDoneMsg 後台操作結束。
// 單域名操作填 result，整輪續期填 results。
type opDoneMsg struct {
	result  *certificate.OperationResult
	results []*certificate.OperationResult
	err     error
}

// modeDoneMsg 手動模式切換結束
type modeDoneMsg struct {
	mode proxy.Mode
	err  error
}

// historyMsg 歷史記錄就緒
type historyMsg struct {
	entries []history.Entry
	err     error
}

var errHistoryUnavailable = errors.New("操作歷史不可用")

const (
	reportTimeout = 30 * time.Second
	// 單次操作的上限。流水線自己會按 certbot 時限掐表，
	// 這裡只是防止徹底掛死的最後一道閘。
	opTimeout = 30 * time.Minute
)

func (m *Model) loadReport() tea.Cmd {
	svc := m.cfg.Lifecycle
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		report, err := svc.Check(ctx)
		return reportMsg{report: report, err: err}
	}
}

func (m *Model) runObtain(force bool) tea.Cmd {
	svc := m.cfg.Lifecycle
	log := m.cfg.Log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		result, err := svc.Obtain(ctx, "", force)
		if err != nil {
			log.Error("簽發失敗", zap.Error(err))
		}
		return opDoneMsg{result: result, err: err}
	}
}

func (m *Model) runRenew() tea.Cmd {
	svc := m.cfg.Lifecycle
	log := m.cfg.Log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		results, err := svc.Renew(ctx)
		if err != nil {
			log.Error("續期失敗", zap.Error(err))
		}
		return opDoneMsg{results: results, err: err}
	}
}

func (m *Model) runTestRenewal() tea.Cmd {
	svc := m.cfg.Lifecycle
	log := m.cfg.Log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		result, err := svc.TestRenewal(ctx, "")
		if err != nil {
			log.Error("續期演練失敗", zap.Error(err))
		}
		return opDoneMsg{result: result, err: err}
	}
}

func (m *Model) runSwitchMode(mode proxy.Mode) tea.Cmd {
	svc := m.cfg.Lifecycle
	log := m.cfg.Log
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := svc.SwitchMode(ctx, mode); err != nil {
			log.Error("切換代理模式失敗", zap.String("mode", string(mode)), zap.Error(err))
			return modeDoneMsg{mode: mode, err: err}
		}
		return modeDoneMsg{mode: mode}
	}
}

func (m *Model) loadHistory() tea.Cmd {
	store := m.cfg.History
	return func() tea.Msg {
		if store == nil {
			return historyMsg{err: errHistoryUnavailable}
		}
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		entries, err := store.Recent(ctx, 20)
		return historyMsg{entries: entries, err: err}
	}
}
