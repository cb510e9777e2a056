package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/shopspring/decimal"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

var lowBalanceThreshold = decimal.NewFromInt(5)

func (m Model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "initializing..."
	}

	header := m.renderHeader()
	body := m.renderBody()
	exitHint := m.styles.dim.Render("r to refresh · c to toggle compact · q or Ctrl+C to exit")

	top := lipgloss.JoinVertical(lipgloss.Left, header, body, "")
	combined := pinFooterToBottom(top, exitHint, m.height)
	return clipToViewport(combined, m.width, m.height)
}

func (m Model) renderHeader() string {
	title := m.styles.title.Render(" claudible monitor ")

	conn := m.state.Connection
	left := title + "  " + m.styles.label.Render("stream: ") + connectionStyle(conn, m.styles).Render(conn.Label())
	if m.state.Loading {
		left += " " + m.styles.loading.Render("[refreshing]")
	} else if !m.nextRefreshAt.IsZero() {
		left += " " + m.styles.dim.Render("[next refresh in "+humanDuration(m.nextRefreshAt.Sub(m.now))+"]")
	}
	right := m.styles.dim.Render("utc " + m.now.Format("2006-01-02 15:04:05"))
	return joinWithPaddingKeepRight(left, right, m.width)
}

func (m Model) renderBody() string {
	contentWidth := max(20, m.width-4)
	snapshot := m.state.Snapshot
	if snapshot == nil {
		return m.styles.panel.Width(contentWidth).Render(strings.Join(m.renderPendingLines(contentWidth-4), "\n"))
	}

	if m.compact {
		return m.renderCompactPanel(snapshot, contentWidth)
	}

	var topBlock string
	if contentWidth >= 80 {
		panelOverhead := horizontalOverhead(m.styles.panel)
		panelWidth, spacerWidth := splitEqualPanelContentWidths(contentWidth, panelOverhead)
		left := m.renderAccountPanel(snapshot, panelWidth)
		right := m.renderTotalsPanel(snapshot, panelWidth)
		topBlock = lipgloss.JoinHorizontal(lipgloss.Top, left, strings.Repeat(" ", spacerWidth), right)
	} else {
		left := m.renderAccountPanel(snapshot, contentWidth)
		right := m.renderTotalsPanel(snapshot, contentWidth)
		topBlock = lipgloss.JoinVertical(lipgloss.Left, left, right)
	}

	maxLineWidth := max(8, contentWidth-4)
	status := m.renderStatusLines()
	usageRows := usageRowsForLayout(m.height, lipgloss.Height(topBlock), verticalOverhead(m.styles.panel), len(status))

	lines := []string{m.styles.accent.Render("recent usage")}
	lines = append(lines, m.renderUsageLines(snapshot.Usage, usageRows)...)
	lines = append(lines, m.renderModelBreakdownLine(snapshot))
	lines = append(lines, status...)
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], maxLineWidth, "...")
	}
	metaPanel := m.styles.panel.Width(contentWidth).Render(strings.Join(lines, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, topBlock, metaPanel)
}

func (m Model) renderPendingLines(maxWidth int) []string {
	var lines []string
	switch {
	case errors.Is(m.state.LastError, dashboard.ErrNoCredential):
		lines = append(lines, m.styles.error.Render(m.state.LastError.Error()))
	case m.state.LastError != nil:
		lines = append(lines, m.styles.error.Render("last error: "+m.state.LastError.Error()))
	default:
		lines = append(lines, m.styles.loading.Render("loading dashboard..."))
	}
	if balance, live := m.displayBalance(); balance != nil {
		line := m.styles.label.Render("balance: ") + balanceStyle(*balance, m.styles).Render(formatUSD(*balance))
		if !live && !m.cachedBalanceAt.IsZero() {
			line += " " + m.styles.dim.Render("(cached "+humanDuration(m.now.Sub(m.cachedBalanceAt))+" ago)")
		}
		lines = append(lines, line)
	}
	if m.monitorClosed {
		lines = append(lines, m.styles.warn.Render("monitor stopped"))
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, maxWidth), "...")
	}
	return lines
}

func (m Model) renderAccountPanel(s *dashboard.Snapshot, width int) string {
	title := "account"
	if strings.TrimSpace(s.UserName) != "" {
		title += " [" + s.UserName + "]"
	}
	status := s.Status
	if status == "" {
		status = "unknown"
	}
	statusStyle := m.styles.ok
	if !s.Valid {
		statusStyle = m.styles.bad
	}

	plan := s.AccountType
	if plan == "" {
		plan = "n/a"
	}
	if s.SubscriptionActive && !s.SubscriptionExpiresAt.IsZero() {
		plan += ", renews in " + humanDuration(s.SubscriptionExpiresAt.Sub(m.now))
	}
	if s.DailyQuota.IsPositive() {
		plan += ", quota " + formatUSD(s.DailyQuota) + "/day"
	}

	lastUsed := "never"
	if !s.LastUsed.IsZero() {
		lastUsed = humanDuration(m.now.Sub(s.LastUsed)) + " ago"
	}

	runway := "n/a"
	if minutes := s.Analytics.DaysRemaining.RunwayMinutes; minutes.IsPositive() {
		runway = humanDuration(time.Duration(minutes.IntPart()) * time.Minute)
	}

	lines := []string{
		m.styles.accent.Render(title),
		m.styles.label.Render("balance: ") + balanceStyle(s.Balance, m.styles).Render(formatUSD(s.Balance)),
		m.styles.label.Render("status: ") + statusStyle.Render(status),
		m.styles.label.Render("plan: ") + m.styles.value.Render(plan),
		m.styles.label.Render("last used: ") + m.styles.value.Render(lastUsed),
		m.styles.label.Render("runway: ") + m.styles.value.Render(runway),
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, width), "...")
	}
	return m.styles.panel.Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

// renderCompactPanel keeps only what matters at a glance: balance, runway and
// whether the live stream is up.
func (m Model) renderCompactPanel(s *dashboard.Snapshot, width int) string {
	runway := "n/a"
	if minutes := s.Analytics.DaysRemaining.RunwayMinutes; minutes.IsPositive() {
		runway = humanDuration(time.Duration(minutes.IntPart()) * time.Minute)
	}
	if perMinute := s.Analytics.DaysRemaining.AvgCostPerMinute; perMinute.IsPositive() {
		runway += " at $" + perMinute.StringFixed(4) + "/min"
	}
	lastUsed := "never"
	if !s.LastUsed.IsZero() {
		lastUsed = humanDuration(m.now.Sub(s.LastUsed)) + " ago"
	}

	conn := m.state.Connection
	lines := []string{
		m.styles.label.Render("balance: ") + balanceStyle(s.Balance, m.styles).Render(formatUSD(s.Balance)),
		m.styles.label.Render("runway: ") + m.styles.value.Render(runway),
		m.styles.label.Render("live: ") + connectionStyle(conn, m.styles).Render(conn.Label()) +
			m.styles.dim.Render("  last used "+lastUsed),
	}
	if m.state.LastError != nil {
		lines = append(lines, m.styles.error.Render("last error: "+m.state.LastError.Error()))
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, width-4), "...")
	}
	return m.styles.panel.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) renderTotalsPanel(s *dashboard.Snapshot, width int) string {
	avgDaily := "n/a"
	if d := s.Analytics.DaysRemaining.AvgDailyCost7d; d.IsPositive() {
		avgDaily = formatUSD(d)
	}
	lines := []string{
		m.styles.accent.Render("usage totals"),
		m.styles.label.Render("requests: ") + m.styles.value.Render(compactCount(int64(s.Stats.TotalRequests))),
		m.styles.label.Render("prompt tokens: ") + m.styles.value.Render(compactCount(int64(s.Stats.PromptTokens))),
		m.styles.label.Render("completion tokens: ") + m.styles.value.Render(compactCount(int64(s.Stats.CompletionTokens))),
		m.styles.label.Render("total cost: ") + m.styles.value.Render(formatUSD(s.Stats.TotalCost)),
		m.styles.label.Render("avg daily (7d): ") + m.styles.value.Render(avgDaily),
	}
	for i := range lines {
		lines[i] = ansi.Truncate(lines[i], max(4, width), "...")
	}
	return m.styles.panel.Width(max(20, width)).Render(strings.Join(lines, "\n"))
}

// renderUsageLines always returns exactly rows lines so the layout does not
// jump as records arrive.
func (m Model) renderUsageLines(records []dashboard.UsageRecord, rows int) []string {
	if rows < 1 {
		rows = 1
	}
	out := make([]string, 0, rows)
	if len(records) == 0 {
		out = append(out, m.styles.dim.Render("- no usage yet"))
	}
	for i := 0; i < len(records) && len(out) < rows; i++ {
		if i == rows-1 && len(records) > rows {
			out = append(out, m.styles.dim.Render(fmt.Sprintf("- +%d more", len(records)-i)))
			break
		}
		r := records[i]
		line := fmt.Sprintf("- %s  %-20s %6s in %6s out  %s",
			r.CreatedAt.UTC().Format("15:04:05"),
			r.Model,
			compactCount(int64(r.PromptTokens)),
			compactCount(int64(r.CompletionTokens)),
			formatCost(r.CostUSD),
		)
		out = append(out, m.styles.mono.Render(line))
	}
	for len(out) < rows {
		out = append(out, "")
	}
	return out
}

func (m Model) renderModelBreakdownLine(s *dashboard.Snapshot) string {
	breakdown := s.Analytics.ModelBreakdown
	if len(breakdown) == 0 {
		return m.styles.label.Render("models: ") + m.styles.dim.Render("n/a")
	}
	parts := make([]string, 0, len(breakdown))
	for _, b := range breakdown {
		parts = append(parts, b.Model+" "+formatUSD(b.TotalCost))
	}
	return m.styles.label.Render("models: ") + m.styles.value.Render(strings.Join(parts, ", "))
}

type statusLine struct {
	level string
	name  string
	value string
}

func (m Model) renderStatusLines() []string {
	checks := []statusLine{m.streamStatusLine(), m.lookupStatusLine()}
	out := make([]string, 0, len(checks))
	for _, line := range checks {
		rendered := fmt.Sprintf("%s [%s]: %s", line.level, line.name, line.value)
		switch line.level {
		case "error":
			out = append(out, m.styles.error.Render(rendered))
		case "warning":
			out = append(out, m.styles.warn.Render(rendered))
		default:
			out = append(out, m.styles.ok.Render(rendered))
		}
	}
	return out
}

func (m Model) streamStatusLine() statusLine {
	switch m.state.Connection {
	case dashboard.Connected:
		return statusLine{level: "status", name: "live stream", value: "connected"}
	case dashboard.Connecting:
		return statusLine{level: "status", name: "live stream", value: "connecting"}
	case dashboard.Reconnecting:
		return statusLine{level: "warning", name: "live stream", value: "reconnecting"}
	default:
		return statusLine{level: "warning", name: "live stream", value: "offline"}
	}
}

func (m Model) lookupStatusLine() statusLine {
	if m.state.LastError != nil {
		return statusLine{level: "error", name: "lookup", value: strings.TrimSpace(m.state.LastError.Error())}
	}
	if m.state.Loading {
		return statusLine{level: "status", name: "lookup", value: "refreshing"}
	}
	if !m.lastNotifiedAt.IsZero() {
		return statusLine{level: "status", name: "lookup", value: "updated " + humanDuration(m.now.Sub(m.lastNotifiedAt)) + " ago"}
	}
	return statusLine{level: "status", name: "lookup", value: "ok"}
}

// usageRowsForLayout sizes the recent-usage list to whatever height is left.
func usageRowsForLayout(viewportHeight, topBlockHeight, panelVerticalOverhead, statusRows int) int {
	bodyTargetHeight := max(1, viewportHeight-3) // header + spacer + exit hint
	metaTargetHeight := bodyTargetHeight - topBlockHeight
	// title + model breakdown + status rows
	fixed := 2 + statusRows
	rows := metaTargetHeight - panelVerticalOverhead - fixed
	if rows < 1 {
		return 1
	}
	return min(rows, dashboard.MaxUsageRecords)
}

func connectionStyle(state dashboard.ConnectionState, styles styles) lipgloss.Style {
	switch state {
	case dashboard.Connected:
		return styles.ok
	case dashboard.Connecting:
		return styles.loading
	case dashboard.Reconnecting:
		return styles.warn
	default:
		return styles.dim
	}
}

func balanceStyle(balance decimal.Decimal, styles styles) lipgloss.Style {
	switch {
	case !balance.IsPositive():
		return styles.bad
	case balance.LessThan(lowBalanceThreshold):
		return styles.warn
	default:
		return styles.ok
	}
}
