package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/veilvpn/api"
	"github.com/yllada/veilvpn/common"
	"github.com/yllada/veilvpn/events"
)

const (
	watchRefresh   = time.Second
	watchMaxEvents = 6
)

var (
	colorConnected  = lipgloss.Color("#2ec27e")
	colorConnecting = lipgloss.Color("#e5a50a")
	colorError      = lipgloss.Color("#e01b24")
	colorAccent     = lipgloss.Color("#3584e4")
	colorMuted      = lipgloss.Color("#77767b")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorAccent).Padding(0, 1)
)

// stateStyle colors a state like the desktop client's status labels.
func stateStyle(s common.SessionState) lipgloss.Style {
	st := lipgloss.NewStyle().Bold(true)
	switch s {
	case common.StateConnected:
		return st.Foreground(colorConnected)
	case common.StateConnecting, common.StateDisconnecting:
		return st.Foreground(colorConnecting)
	case common.StateFailed:
		return st.Foreground(colorError)
	default:
		return st.Foreground(colorMuted)
	}
}

type (
	statusMsg     api.Status
	transitionMsg events.StatusEvent
	errMsg        struct{ err error }
	tickMsg       time.Time
)

// actions is what the watch view can ask of the daemon.
type actions interface {
	Status(ctx context.Context) (api.Status, error)
	Connect(ctx context.Context, wait time.Duration) (api.Status, error)
	Disconnect(ctx context.Context) (api.Status, error)
	Retry(ctx context.Context, wait time.Duration) (api.Status, error)
}

// watchModel is the bubbletea model of the live status view.
type watchModel struct {
	actions actions
	status  api.Status
	loaded  bool
	recent  []events.StatusEvent
	err     error
	spinner spinner.Model
}

func newWatchModel(a actions) watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorConnecting)
	return watchModel{actions: a, spinner: sp}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(watchRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) fetch() tea.Cmd {
	return m.call(func(ctx context.Context) (api.Status, error) { return m.actions.Status(ctx) })
}

func (m watchModel) call(fn func(ctx context.Context) (api.Status, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg(st)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "c":
			return m, m.call(func(ctx context.Context) (api.Status, error) { return m.actions.Connect(ctx, 0) })
		case "d":
			return m, m.call(m.actions.Disconnect)
		case "r":
			return m, m.call(func(ctx context.Context) (api.Status, error) { return m.actions.Retry(ctx, 0) })
		}
		return m, nil

	case statusMsg:
		m.status = api.Status(msg)
		m.loaded = true
		m.err = nil
		return m, nil

	case transitionMsg:
		m.recent = append(m.recent, events.StatusEvent(msg))
		if len(m.recent) > watchMaxEvents {
			m.recent = m.recent[len(m.recent)-watchMaxEvents:]
		}
		// Counters and timestamps come from a fresh status.
		return m, m.fetch()

	case errMsg:
		m.err = msg.err
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(common.AppName) + "\n\n")

	if !m.loaded {
		b.WriteString(m.spinner.View() + " Loading status...\n")
		return boxStyle.Render(b.String()) + "\n"
	}

	st := m.status
	state := stateStyle(st.State).Render(st.State.String())
	if st.State == common.StateConnecting || st.State == common.StateDisconnecting {
		state = m.spinner.View() + " " + state
	}
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	row("Status", state)
	row("Server", serverName(st))
	if st.Attempt > 1 {
		row("Attempt", fmt.Sprintf("%d", st.Attempt))
	}
	if st.ConnectedAt != nil {
		row("Uptime", common.FormatDuration(st.Elapsed))
	}
	row("Sent", common.FormatBytes(st.BytesSent))
	row("Received", common.FormatBytes(st.BytesReceived))
	if st.KillSwitchEngaged {
		row("Kill switch", errorStyle.Render("engaged"))
	}
	if st.Error != "" {
		row("Error", errorStyle.Render(st.Error))
	}

	if len(m.recent) > 0 {
		b.WriteString("\n" + mutedStyle.Render("Recent events") + "\n")
		for _, ev := range m.recent {
			line := fmt.Sprintf("%s  %s → %s", ev.Timestamp.Local().Format(time.TimeOnly), ev.From, ev.To)
			if ev.Reason != "" {
				line += "  " + ev.Reason
			}
			b.WriteString(mutedStyle.Render(line) + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("c connect • d disconnect • r retry • q quit"))
	return boxStyle.Render(b.String()) + "\n"
}

// Watch runs the live status view until the user quits or ctx is done.
func (c *CLI) Watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(c.client), tea.WithContext(ctx), tea.WithOutput(c.out))

	go func() {
		err := c.client.Stream(ctx, func(msg api.StreamMessage) error {
			switch {
			case msg.Status != nil:
				p.Send(statusMsg(*msg.Status))
			case msg.Transition != nil:
				p.Send(transitionMsg(*msg.Transition))
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			p.Send(errMsg{fmt.Errorf("event stream: %w", err)})
		}
	}()

	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
