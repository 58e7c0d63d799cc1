package tui

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/Yat-Muk/certflow/internal/application"
	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/certstore"
	"github.com/Yat-Muk/certflow/internal/tui/style"
)

const logo = "⛨ certflow — SSL 證書生命週期管理"

// domainColWidth 狀態表域名列的寬度，長域名截斷
const domainColWidth = 32

// View 渲染當前界面
func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(style.LogoStyle.Render(logo))
	b.WriteString("\n\n")

	switch m.screen {
	case screenRunning:
		b.WriteString(m.viewRunning())
	case screenConfirmForce:
		b.WriteString(m.viewConfirmForce())
	case screenModeSelect:
		b.WriteString(m.viewModeSelect())
	case screenResult:
		b.WriteString(m.viewResult())
	case screenHistory:
		b.WriteString(m.viewHistory())
	default:
		b.WriteString(m.viewMenu())
	}
	return b.String()
}

// viewMenu 狀態卡片 + 主菜單
func (m *Model) viewMenu() string {
	var b strings.Builder
	b.WriteString(style.CardStyle.Render(m.statusCard()))
	b.WriteString("\n\n")

	for i, item := range menuItems {
		line := item.title
		if i == m.cursor {
			if item.desc != "" {
				line += style.MutedStyle.Render("  " + item.desc)
			}
			b.WriteString(style.MenuSelectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(style.MenuItemStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(style.HelpStyle.Render("↑/↓ 選擇 · Enter 確認 · q 退出"))
	return b.String()
}

// statusCard 代理模式與各域名的證書狀態
func (m *Model) statusCard() string {
	if m.reportErr != nil {
		return style.ErrorStyle.Render("狀態讀取失敗: " + m.reportErr.Error())
	}
	if m.report == nil {
		return m.spinner.View() + " 正在讀取狀態…"
	}

	var b strings.Builder
	mode := "未接管"
	if m.report.Mode != "" {
		mode = fmt.Sprintf("%s (%s)", m.report.Mode, m.report.Mode.Description())
	}
	b.WriteString("代理模式: " + style.GoodStyle.Render(mode))
	if m.cfg.SysInfo != nil {
		if v4, _ := m.cfg.SysInfo.PublicIPs(); v4 != "" {
			b.WriteString("   " + style.MutedStyle.Render("本機 "+v4))
		}
	}

	if len(m.report.Domains) == 0 {
		b.WriteString("\n" + style.MutedStyle.Render("尚未配置託管域名，請編輯 config.yaml"))
		return b.String()
	}

	for _, d := range m.report.Domains {
		b.WriteString("\n")
		b.WriteString(runewidth.FillRight(runewidth.Truncate(d.Domain, domainColWidth, "…"), domainColWidth))
		b.WriteString(m.domainStatus(d))
	}
	return b.String()
}

func (m *Model) domainStatus(d application.DomainReport) string {
	if d.Err != nil {
		return style.ErrorStyle.Render("讀取失敗")
	}
	switch d.Status.Kind {
	case certificate.StatusValid:
		text := fmt.Sprintf("有效，剩 %d 天", d.Status.DaysRemaining)
		if d.Revocation == certstore.RevocationRevoked {
			return style.ErrorStyle.Render(text + "（OCSP: 已吊銷！）")
		}
		if d.Status.RenewalDue(m.cfg.Config.Renewal.ThresholdDays) {
			return style.WarnStyle.Render(text + "，已進續期窗口")
		}
		return style.GoodStyle.Render(text)
	case certificate.StatusExpired:
		return style.ErrorStyle.Render("已過期")
	default:
		return style.MutedStyle.Render("未簽發")
	}
}

func (m *Model) viewRunning() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %s %s進行中…\n\n", m.spinner.View(), m.opTitle))
	b.WriteString(style.MutedStyle.Render("  流水線運行期間 80/443 端口被臨時接管，請勿中斷"))
	return b.String()
}

func (m *Model) viewConfirmForce() string {
	detail := ""
	if m.lastResult != nil {
		detail = m.lastResult.Detail
	}
	body := fmt.Sprintf("%s\n\n強制重簽會消耗簽發配額。確認繼續？ %s",
		detail, style.WarnStyle.Render("[y/N]"))
	return style.ResultStyle.Render(body)
}

func (m *Model) viewModeSelect() string {
	var b strings.Builder
	b.WriteString("選擇目標代理模式\n\n")
	for i, mode := range proxy.AllModes() {
		line := runewidth.FillRight(string(mode), 18) + style.MutedStyle.Render(mode.Description())
		if i == m.modeCursor {
			b.WriteString(style.MenuSelectedStyle.Render("▸ " + line))
		} else {
			b.WriteString(style.MenuItemStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(style.HelpStyle.Render("↑/↓ 選擇 · Enter 切換 · Esc 返回"))
	return b.String()
}

func (m *Model) viewResult() string {
	body, failed := m.resultBody()
	panel := style.ResultStyle
	if failed {
		panel = style.ResultErrorStyle
	}
	return panel.Render(body) + "\n" + style.HelpStyle.Render("按任意鍵返回")
}

func (m *Model) resultBody() (string, bool) {
	if m.lastErr != nil {
		return style.ErrorStyle.Render("操作失敗") + "\n\n" + m.lastErr.Error(), true
	}

	// 整輪續期：逐域名列結果
	if m.lastResults != nil {
		var b strings.Builder
		failed := false
		for i, r := range m.lastResults {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(runewidth.FillRight(runewidth.Truncate(r.Domain, domainColWidth, "…"), domainColWidth))
			if r.ExitSuccess() {
				b.WriteString(style.GoodStyle.Render(r.Kind.Description()))
			} else {
				failed = true
				b.WriteString(style.ErrorStyle.Render(r.Kind.Description()))
			}
		}
		if b.Len() == 0 {
			b.WriteString("沒有已簽發的證書，無可續期")
		}
		return b.String(), failed
	}

	if m.switchedMode != "" {
		return style.GoodStyle.Render(fmt.Sprintf("已切換到 %s（%s）",
			m.switchedMode, m.switchedMode.Description())), false
	}

	if m.lastResult == nil {
		return style.MutedStyle.Render("沒有產生結果"), true
	}

	r := m.lastResult
	var b strings.Builder
	if r.ExitSuccess() {
		b.WriteString(style.GoodStyle.Render(r.Domain + ": " + r.Kind.Description()))
		if r.Bundle != nil {
			b.WriteString(fmt.Sprintf("\n有效期至 %s", r.Bundle.NotAfter.Local().Format("2006-01-02")))
		}
		if r.FellBack {
			b.WriteString("\n" + style.WarnStyle.Render("已降級到 http_only，站點以純 HTTP 保持可達"))
		}
		return b.String(), false
	}

	b.WriteString(style.ErrorStyle.Render(r.Domain + ": " + r.Kind.Description()))
	if r.Detail != "" {
		b.WriteString("\n\n" + r.Detail)
	}
	return b.String(), true
}

func (m *Model) viewHistory() string {
	var b strings.Builder
	if m.historyErr != nil {
		b.WriteString(style.ErrorStyle.Render("讀取歷史失敗: " + m.historyErr.Error()))
	} else if len(m.entries) == 0 {
		b.WriteString(style.MutedStyle.Render("還沒有任何操作記錄"))
	} else {
		for i, e := range m.entries {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(style.MutedStyle.Render(e.Time.Local().Format("01-02 15:04")))
			b.WriteString("  ")
			b.WriteString(runewidth.FillRight(e.Command, 14))
			b.WriteString(runewidth.FillRight(runewidth.Truncate(e.Domain, domainColWidth, "…"), domainColWidth))
			if e.Kind.IsSuccess() {
				b.WriteString(style.GoodStyle.Render(e.Kind.Description()))
			} else {
				b.WriteString(style.ErrorStyle.Render(e.Kind.Description()))
			}
		}
	}
	return style.CardStyle.Render(b.String()) + "\n" + style.HelpStyle.Render("按任意鍵返回")
}
