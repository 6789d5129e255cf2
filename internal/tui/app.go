// Package tui provides the interactive terminal dashboard for schedwatch.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/schedwatch/internal/dashboard"
	"github.com/fentz26/schedwatch/internal/stream"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(cyanColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	leaderStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	healthyStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	unhealthyStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// Views is the aggregator surface the dashboard renders.
type Views interface {
	Refresh(ctx context.Context) *dashboard.View
	Current() *dashboard.View
}

// Stream is the push connection surface the dashboard drives.
type Stream interface {
	State() stream.State
	Connect()
	Disconnect()
	OnStatusChange(h stream.StatusHandler) func()
	OnMessage(h stream.Handler)
}

type viewMsg struct {
	view *dashboard.View
}

type streamStateMsg struct {
	state stream.State
}

type streamEventMsg struct {
	event stream.EventType
	at    time.Time
}

type tickMsg time.Time

// App is the main TUI application model.
type App struct {
	views        Views
	stream       Stream
	refreshEvery time.Duration
	timeout      time.Duration

	view       *dashboard.View
	state      stream.State
	lastEvent  streamEventMsg
	eventCount int
	refreshing bool

	spinner spinner.Model
	filter  *FilterBar
	message string
	mail    *mailbox

	width  int
	height int
}

// New creates the dashboard model. stream may be nil for a poll-only view.
func New(views Views, st Stream, refreshEvery time.Duration) *App {
	if refreshEvery <= 0 {
		refreshEvery = 30 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	a := &App{
		views:        views,
		stream:       st,
		refreshEvery: refreshEvery,
		timeout:      30 * time.Second,
		view:         views.Current(),
		state:        stream.StateDisconnected,
		spinner:      sp,
		filter:       NewFilterBar(),
		mail:         newMailbox(),
		width:        100,
		height:       30,
	}
	if st != nil {
		a.state = st.State()
	}
	return a
}

// Run starts the dashboard and blocks until the user quits. The push stream
// is connected once the program is running.
func (a *App) Run() error {
	return a.run(tea.WithAltScreen())
}

func (a *App) run(opts ...tea.ProgramOption) error {
	p := tea.NewProgram(a, opts...)
	if a.stream != nil {
		// Stream callbacks may fire on the program loop itself, so they
		// queue instead of calling p.Send.
		unsub := a.stream.OnStatusChange(func(s stream.State) {
			a.mail.post(streamStateMsg{state: s})
		})
		defer unsub()
		a.stream.OnMessage(func(msg stream.Message) {
			a.mail.post(streamEventMsg{event: msg.Type, at: time.Now()})
		})
		defer a.stream.OnMessage(nil)
	}

	done := make(chan struct{})
	defer close(done)
	go a.mail.drain(done, p.Send)

	_, err := p.Run()
	return err
}

// Init starts the first refresh, the periodic ticker and the push stream.
func (a *App) Init() tea.Cmd {
	a.refreshing = true
	cmds := []tea.Cmd{
		a.refreshCmd(),
		a.tickCmd(),
		a.spinner.Tick,
	}
	if a.stream != nil {
		cmds = append(cmds, a.streamCmd(a.stream.Connect))
	}
	return tea.Batch(cmds...)
}

// Update handles messages and updates the model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.filter.Focused() {
			switch msg.String() {
			case "ctrl+c":
				return a, tea.Quit
			case "enter":
				a.filter.Apply()
				return a, nil
			}
			cmd := a.filter.Update(msg)
			return a, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			if !a.refreshing {
				a.refreshing = true
				a.message = ""
				cmds = append(cmds, a.refreshCmd())
			}
		case "c":
			cmds = append(cmds, a.toggleStream())
		case "/":
			a.filter.Focus()
		case "esc":
			a.filter.Clear()
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case viewMsg:
		a.refreshing = false
		a.view = msg.view
		if msg.view.Degraded {
			a.message = "Error: " + degradedSummary(msg.view)
		}

	case streamStateMsg:
		a.state = msg.state

	case streamEventMsg:
		// The aggregator has already merged the event; re-read its copy.
		a.lastEvent = msg
		a.eventCount++
		a.view = a.views.Current()

	case tickMsg:
		if !a.refreshing {
			a.refreshing = true
			cmds = append(cmds, a.refreshCmd())
		}
		cmds = append(cmds, a.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) toggleStream() tea.Cmd {
	if a.stream == nil {
		a.message = "Error: live updates are not configured"
		return nil
	}
	switch a.state {
	case stream.StateConnected, stream.StateConnecting:
		a.message = "Live updates paused"
		return a.streamCmd(a.stream.Disconnect)
	default:
		a.message = "Reconnecting live updates"
		return a.streamCmd(a.stream.Connect)
	}
}

// streamCmd runs a stream control call off the program loop. State changes
// arrive later as streamStateMsg.
func (a *App) streamCmd(op func()) tea.Cmd {
	return func() tea.Msg {
		op()
		return nil
	}
}

// View renders the dashboard.
func (a *App) View() string {
	var b strings.Builder

	header := titleStyle.Render("schedwatch") + " " + a.streamBadge()
	if a.view != nil && a.view.Degraded {
		header += " " + lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render("● API degraded")
	}
	if a.refreshing {
		header += " " + a.spinner.View()
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	if a.view == nil {
		b.WriteString("\n  Loading dashboard...\n")
	} else {
		top := lipgloss.JoinHorizontal(lipgloss.Top,
			panelStyle.Render(renderOverview(a.view)),
			panelStyle.Render(renderCluster(a.view)),
		)
		b.WriteString(top + "\n")
		b.WriteString(renderExecutions(a.view, a.filter.Query(), a.executionRows()))
		b.WriteString(renderAlerts(a.view))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n" + a.filter.View() + "\n")

	status := " r:refresh | c:live on/off | /:filter | Esc:clear | q:quit"
	if a.view != nil && !a.view.RefreshedAt.IsZero() {
		status = fmt.Sprintf(" Refreshed %s |%s", a.view.RefreshedAt.Format("15:04:05"), status)
	}
	if a.eventCount > 0 {
		status = fmt.Sprintf(" %d events (last %s) |%s", a.eventCount, a.lastEvent.event, status)
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) streamBadge() string {
	switch a.state {
	case stream.StateConnected:
		return healthyStyle.Render("● live")
	case stream.StateConnecting:
		return lipgloss.NewStyle().Foreground(warningColor).Render("◌ connecting")
	case stream.StateError:
		return unhealthyStyle.Render("✗ stream error")
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render("○ offline")
	}
}

// executionRows is how many recent executions fit under the top panels.
func (a *App) executionRows() int {
	rows := a.height - 24
	if rows < 3 {
		rows = 3
	}
	return rows
}

func (a *App) refreshCmd() tea.Cmd {
	views := a.views
	timeout := a.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return viewMsg{view: views.Refresh(ctx)}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func degradedSummary(v *dashboard.View) string {
	if len(v.Errors) == 0 {
		return v.Dashboard.DegradedReason
	}
	parts := make([]string, 0, len(v.Errors))
	for _, section := range []string{
		dashboard.SectionDashboard,
		dashboard.SectionStatistics,
		dashboard.SectionCluster,
		dashboard.SectionHealth,
	} {
		if msg, ok := v.Errors[section]; ok {
			parts = append(parts, section+": "+msg)
		}
	}
	return strings.Join(parts, "; ")
}
