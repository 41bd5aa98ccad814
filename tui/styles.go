package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Nord palette
var (
	colFrost  = lipgloss.Color("#88C0D0")
	colBlue   = lipgloss.Color("#81A1C1")
	colGreen  = lipgloss.Color("#A3BE8C")
	colYellow = lipgloss.Color("#EBCB8B")
	colRed    = lipgloss.Color("#BF616A")
	colDim    = lipgloss.Color("#4C566A")
	colText   = lipgloss.Color("#D8DEE9")
	colBg     = lipgloss.Color("#3B4252")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colFrost)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colBlue)
	focusStyle   = lipgloss.NewStyle().Bold(true).Foreground(colYellow)
	dimStyle     = lipgloss.NewStyle().Foreground(colDim)
	textStyle    = lipgloss.NewStyle().Foreground(colText)
	btnStyle     = lipgloss.NewStyle().Foreground(colText).Background(colBg).Padding(0, 1)
	btnOnStyle   = lipgloss.NewStyle().Foreground(colBg).Background(colGreen).Bold(true).Padding(0, 1)
	warnStyle    = lipgloss.NewStyle().Foreground(colRed)
	waveStyle    = lipgloss.NewStyle().Foreground(colFrost)
	headStyle    = lipgloss.NewStyle().Foreground(colYellow).Bold(true)
	panelStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colDim).
			Padding(0, 1)
)

func renderToggle(label string, on bool) string {
	if on {
		return btnOnStyle.Render(label)
	}
	return btnStyle.Render(label)
}

// renderBar draws v in [0,1] as a fixed width bar.
func renderBar(v float64, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(v*float64(width) + 0.5)
	filled = max(0, min(width, filled))
	return strings.Repeat("█", filled) + dimStyle.Render(strings.Repeat("░", width-filled))
}

// clock formats seconds as m:ss.
func clock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	s := int(sec)
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}
