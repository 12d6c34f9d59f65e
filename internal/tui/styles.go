package tui

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	ColorAccent = lipgloss.Color("#7FB3D5") // tunnel blue
	ColorFrame  = lipgloss.Color("#566573")
	ColorInk    = lipgloss.Color("#1B2631")
	ColorText   = lipgloss.Color("#E5E8E8")
	ColorError  = lipgloss.Color("#E74C3C")
	ColorOK     = lipgloss.Color("#58D68D")
	ColorWarn   = lipgloss.Color("#F4D03F")
	ColorMuted  = lipgloss.Color("#808B96")
)

var (
	StyleApp = lipgloss.NewStyle().Margin(1, 2)

	StyleBanner = lipgloss.NewStyle().
			Foreground(ColorInk).
			Background(ColorAccent).
			Bold(true).
			Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(ColorFrame).
			MarginBottom(1)

	StyleTitle    = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	StyleSubtitle = lipgloss.NewStyle().Foreground(ColorFrame).Italic(true)
	StyleNotice   = lipgloss.NewStyle().Foreground(ColorMuted).Italic(true)
	StyleText     = lipgloss.NewStyle().Foreground(ColorText)

	StyleGood = lipgloss.NewStyle().Foreground(ColorOK).Bold(true)
	StyleBad  = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	StyleWarn = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)

	StyleCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorFrame).
			Padding(0, 1)

	StyleKeys = lipgloss.NewStyle().Foreground(ColorMuted).Faint(true)
)
