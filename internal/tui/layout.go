package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/shopspring/decimal"
)

var centsThreshold = decimal.RequireFromString("0.01")

func formatUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

// formatCost keeps sub-cent request costs readable.
func formatCost(d decimal.Decimal) string {
	if !d.IsZero() && d.Abs().LessThan(centsThreshold) {
		return "$" + d.StringFixed(4)
	}
	return formatUSD(d)
}

func compactCount(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	if v < 1000 {
		return fmt.Sprintf("%s%d", sign, v)
	}
	units := []string{"", "k", "m", "b", "t"}
	value := float64(v)
	unitIndex := 0
	for value >= 1000 && unitIndex < len(units)-1 {
		value /= 1000
		unitIndex++
	}
	decimals := 2
	switch {
	case value >= 100:
		decimals = 0
	case value >= 10:
		decimals = 1
	}
	formatted := fmt.Sprintf("%.*f", decimals, value)
	if decimals > 0 {
		formatted = strings.TrimRight(strings.TrimRight(formatted, "0"), ".")
	}
	return sign + formatted + units[unitIndex]
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Minute:
		return d.String()
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}

func joinWithPaddingKeepRight(left, right string, width int) string {
	if width <= 0 {
		return ""
	}
	rightWidth := lipgloss.Width(right)
	if rightWidth >= width {
		return truncateCells(right, width)
	}
	left = truncateCells(left, max(0, width-rightWidth-1))
	padding := max(1, width-lipgloss.Width(left)-rightWidth)
	return left + strings.Repeat(" ", padding) + right
}

func truncateCells(s string, maxCells int) string {
	if maxCells <= 0 {
		return ""
	}
	return ansi.Truncate(s, maxCells, "")
}

// clipToViewport pads or cuts s to exactly width x height cells.
func clipToViewport(s string, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	for i := range lines {
		lines[i] = truncateCells(lines[i], width)
		if pad := width - lipgloss.Width(lines[i]); pad > 0 {
			lines[i] += strings.Repeat(" ", pad)
		}
	}
	for len(lines) < height {
		lines = append(lines, strings.Repeat(" ", width))
	}
	return strings.Join(lines, "\n")
}

func pinFooterToBottom(top, footer string, height int) string {
	if height <= 0 {
		return ""
	}
	var footerLines, topLines []string
	if footer != "" {
		footerLines = strings.Split(footer, "\n")
	}
	if top != "" {
		topLines = strings.Split(top, "\n")
	}

	maxTopLines := max(0, height-len(footerLines))
	if len(topLines) > maxTopLines {
		topLines = topLines[:maxTopLines]
	}
	for len(topLines) < maxTopLines {
		topLines = append(topLines, "")
	}
	return strings.Join(append(topLines, footerLines...), "\n")
}

// splitEqualPanelContentWidths makes two side-by-side panels plus the spacer
// line up with a full-width panel below them.
func splitEqualPanelContentWidths(contentWidth, panelOverhead int) (panelWidth int, spacerWidth int) {
	if contentWidth <= 0 {
		return 0, 0
	}
	usable := contentWidth - panelOverhead
	if usable < 3 {
		return 1, 1
	}
	spacerWidth = 1
	if usable%2 == 0 {
		spacerWidth = 2
	}
	panelWidth = max(1, (usable-spacerWidth)/2)
	return panelWidth, spacerWidth
}

func horizontalOverhead(style lipgloss.Style) int {
	const sampleWidth = 40
	return max(0, lipgloss.Width(style.Width(sampleWidth).Render(""))-sampleWidth)
}

func verticalOverhead(style lipgloss.Style) int {
	const sampleHeight = 20
	return max(0, lipgloss.Height(style.Height(sampleHeight).Render(""))-sampleHeight)
}
