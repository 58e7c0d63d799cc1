// Package style 儀表盤的配色與通用樣式
package style

import "github.com/charmbracelet/lipgloss"

// 配色方案
var (
	// 主色調 - 鮮艷現代
	FutureGreen = lipgloss.Color("#B2FF00") // 螢光綠 - 有效/成功
	SkyBlue     = lipgloss.Color("#1AAEFC") // 天藍 - 主要強調/Logo
	Yellow      = lipgloss.Color("#FFDC65") // 明黃 - 警告/即將到期
	Red         = lipgloss.Color("#FF007F") // 紅色 - 錯誤/已過期

	// 文字顏色
	White    = lipgloss.Color("#F3F3F0") // 純白 - 主要文字
	Gray     = lipgloss.Color("#C0C0C0") // 淺灰 - 次要文字
	DarkGray = lipgloss.Color("#8A8783") // 深灰 - 弱化文字

	BgMedium = lipgloss.Color("#2a2a2a")
)

var (
	// Logo 樣式
	LogoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(SkyBlue).
			Padding(0, 2)

	// 狀態卡片
	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(SkyBlue).
			Padding(0, 2).
			Margin(0, 1)

	// 菜單項
	MenuItemStyle = lipgloss.NewStyle().
			Foreground(Gray).
			Padding(0, 2)

	MenuSelectedStyle = lipgloss.NewStyle().
				Foreground(FutureGreen).
				Background(BgMedium).
				Bold(true).
				Padding(0, 2)

	// 狀態文字
	GoodStyle  = lipgloss.NewStyle().Foreground(FutureGreen).Bold(true)
	WarnStyle  = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	ErrorStyle = lipgloss.NewStyle().Foreground(Red).Bold(true)
	MutedStyle = lipgloss.NewStyle().Foreground(DarkGray)

	// 底部幫助欄
	HelpStyle = lipgloss.NewStyle().
			Foreground(DarkGray).
			Padding(0, 2)

	// 結果面板
	ResultStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(FutureGreen).
			Padding(1, 3).
			Margin(1, 1)

	ResultErrorStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(Red).
				Padding(1, 3).
				Margin(1, 1)
)
