package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/olliecrow/claudible_monitor/internal/dashboard"
)

// Monitor is the part of dashboard.Monitor the UI drives.
type Monitor interface {
	Refresh(credential string)
	State() dashboard.State
	Subscribe(buffer int) (<-chan dashboard.Notification, func())
}

type Options struct {
	Monitor    Monitor
	Credential string

	// RefreshInterval re-runs the full lookup. Zero disables it.
	RefreshInterval time.Duration

	// CachedBalance is shown until the first live value arrives.
	CachedBalance   *decimal.Decimal
	CachedBalanceAt time.Time

	// Compact shows only balance, runway and live status. The c key toggles it.
	Compact bool

	NoColor   bool
	AltScreen bool
}

type Model struct {
	monitor    Monitor
	credential string
	interval   time.Duration

	updates     <-chan dashboard.Notification
	unsubscribe func()

	width  int
	height int

	now time.Time

	state           dashboard.State
	lastNotifiedAt  time.Time
	nextRefreshAt   time.Time
	cachedBalance   *decimal.Decimal
	cachedBalanceAt time.Time
	monitorClosed   bool
	compact         bool

	styles styles
}

type styles struct {
	title   lipgloss.Style
	dim     lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	value   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	accent  lipgloss.Style
	error   lipgloss.Style
	help    lipgloss.Style
	mono    lipgloss.Style
	loading lipgloss.Style
}

type pollTickMsg struct {
	at time.Time
}

type clockTickMsg struct {
	at time.Time
}

type notificationMsg struct {
	notification dashboard.Notification
}

type monitorClosedMsg struct{}

type refreshIssuedMsg struct {
	at time.Time
}

const subscriptionBuffer = 32

func NewModel(opts Options) Model {
	now := time.Now().UTC()
	m := Model{
		monitor:         opts.Monitor,
		credential:      opts.Credential,
		interval:        opts.RefreshInterval,
		now:             now,
		cachedBalance:   opts.CachedBalance,
		cachedBalanceAt: opts.CachedBalanceAt,
		compact:         opts.Compact,
		styles:          defaultStyles(opts.NoColor),
		unsubscribe:     func() {},
	}
	if m.interval > 0 {
		m.nextRefreshAt = now.Add(m.interval)
	}
	if opts.Monitor != nil {
		m.state = opts.Monitor.State()
		m.updates, m.unsubscribe = opts.Monitor.Subscribe(subscriptionBuffer)
	}
	return m
}

func defaultStyles(noColor bool) styles {
	basePanel := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if noColor {
		return styles{
			title:   lipgloss.NewStyle().Bold(true),
			dim:     lipgloss.NewStyle(),
			panel:   basePanel,
			label:   lipgloss.NewStyle().Bold(true),
			value:   lipgloss.NewStyle(),
			ok:      lipgloss.NewStyle().Bold(true),
			warn:    lipgloss.NewStyle().Bold(true),
			bad:     lipgloss.NewStyle().Bold(true),
			accent:  lipgloss.NewStyle().Bold(true),
			error:   lipgloss.NewStyle().Bold(true),
			help:    lipgloss.NewStyle(),
			mono:    lipgloss.NewStyle(),
			loading: lipgloss.NewStyle(),
		}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("91")).Padding(0, 1),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		panel:   basePanel.BorderForeground(lipgloss.Color("98")),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("146")),
		value:   lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
		ok:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		warn:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		bad:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		accent:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("141")),
		error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		help:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		mono:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		loading: lipgloss.NewStyle().Foreground(lipgloss.Color("117")),
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		refreshCmd(m.monitor, m.credential),
		listenCmd(m.updates),
		clockCmd(),
	}
	if m.interval > 0 {
		cmds = append(cmds, pollCmd(m.interval))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			if m.state.Loading {
				return m, nil
			}
			m.state.Loading = true
			return m, refreshCmd(m.monitor, m.credential)
		case "c":
			m.compact = !m.compact
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
	case pollTickMsg:
		m.nextRefreshAt = v.at.UTC().Add(m.interval)
		cmds := []tea.Cmd{pollCmd(m.interval)}
		if !m.state.Loading {
			cmds = append(cmds, refreshCmd(m.monitor, m.credential))
		}
		return m, tea.Batch(cmds...)
	case clockTickMsg:
		m.now = v.at.UTC()
		return m, clockCmd()
	case notificationMsg:
		m.state = v.notification.State
		m.lastNotifiedAt = v.notification.State.UpdatedAt
		if v.notification.Changes.Has(dashboard.BalanceChanged) && m.state.Balance == nil {
			m.cachedBalance = nil
		}
		return m, listenCmd(m.updates)
	case monitorClosedMsg:
		m.monitorClosed = true
		return m, nil
	case refreshIssuedMsg:
		return m, nil
	}
	return m, nil
}

// displayBalance prefers the live balance and falls back to the cached one.
func (m Model) displayBalance() (*decimal.Decimal, bool) {
	if m.state.Balance != nil {
		return m.state.Balance, true
	}
	if m.cachedBalance != nil {
		return m.cachedBalance, false
	}
	return nil, false
}

func pollCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return pollTickMsg{at: t}
	})
}

func clockCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return clockTickMsg{at: t}
	})
}

func listenCmd(updates <-chan dashboard.Notification) tea.Cmd {
	if updates == nil {
		return nil
	}
	return func() tea.Msg {
		n, ok := <-updates
		if !ok {
			return monitorClosedMsg{}
		}
		return notificationMsg{notification: n}
	}
}

func refreshCmd(monitor Monitor, credential string) tea.Cmd {
	if monitor == nil {
		return nil
	}
	return func() tea.Msg {
		monitor.Refresh(credential)
		return refreshIssuedMsg{at: time.Now()}
	}
}

func Run(opts Options) error {
	model := NewModel(opts)
	defer model.unsubscribe()

	progOpts := []tea.ProgramOption{}
	if opts.AltScreen {
		progOpts = append(progOpts, tea.WithAltScreen())
	}
	prog := tea.NewProgram(model, progOpts...)
	_, err := prog.Run()
	return err
}
