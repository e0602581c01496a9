package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/wirevault/common"
	"github.com/yllada/wirevault/orchestrator"
	"github.com/yllada/wirevault/stats"
	"github.com/yllada/wirevault/tunnel"
)

// refreshInterval is how often the tunnel list is re-read while watching.
const refreshInterval = 3 * time.Second

// Controller is the part of the Orchestrator the watch view drives.
type Controller interface {
	GetAllTunnelConfigs(ctx context.Context) ([]tunnel.Summary, error)
	RunningTunnels(ctx context.Context) ([]tunnel.RuntimeState, error)
	Dispatch(ctx context.Context, cmd orchestrator.Command) <-chan orchestrator.Result
}

type snapshotMsg stats.Snapshot

type streamEndMsg struct{ err error }

type tunnelsMsg struct {
	summaries []tunnel.Summary
	states    []tunnel.RuntimeState
	err       error
}

type resultMsg orchestrator.Result

type tickMsg time.Time

// Watch is the bubbletea model of the watch view.
type Watch struct {
	ctx      context.Context
	ctl      Controller
	stream   orchestrator.Stream
	interval time.Duration
	now      func() time.Time

	summaries []tunnel.Summary
	states    map[string]tunnel.RuntimeState
	snap      stats.Snapshot
	ids       []string

	table  table.Model
	status string
	err    error
	ended  bool
}

// NewWatch builds the view over an open stream. The caller owns the
// stream and closes it after the program returns.
func NewWatch(ctx context.Context, ctl Controller, stream orchestrator.Stream, interval time.Duration) Watch {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(tableStyles())
	return Watch{
		ctx:      ctx,
		ctl:      ctl,
		stream:   stream,
		interval: interval,
		now:      time.Now,
		states:   make(map[string]tunnel.RuntimeState),
		table:    t,
		status:   "Loading tunnels...",
	}
}

// Init starts the list refresh and the snapshot reader.
func (m Watch) Init() tea.Cmd {
	return tea.Batch(m.loadTunnels(), m.nextSnapshot(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Watch) loadTunnels() tea.Cmd {
	return func() tea.Msg {
		summaries, err := m.ctl.GetAllTunnelConfigs(m.ctx)
		if err != nil {
			return tunnelsMsg{err: err}
		}
		states, err := m.ctl.RunningTunnels(m.ctx)
		return tunnelsMsg{summaries: summaries, states: states, err: err}
	}
}

func (m Watch) nextSnapshot() tea.Cmd {
	events := m.stream.Events()
	return func() tea.Msg {
		snap, ok := <-events
		if !ok {
			return streamEndMsg{err: m.stream.Err()}
		}
		return snapshotMsg(snap)
	}
}

func (m Watch) dispatch(cmd orchestrator.Command) tea.Cmd {
	return func() tea.Msg {
		return resultMsg(<-m.ctl.Dispatch(m.ctx, cmd))
	}
}

// Update handles one message.
func (m Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width - 2)
		if h := msg.Height - 6; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			m.status = "Refreshing..."
			return m, m.loadTunnels()
		case "enter", " ":
			return m.toggleSelected()
		}

	case tickMsg:
		return m, tea.Batch(m.loadTunnels(), tick())

	case tunnelsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.summaries = msg.summaries
		m.states = make(map[string]tunnel.RuntimeState, len(msg.states))
		for _, st := range msg.states {
			m.states[st.ID] = st
		}
		if m.status == "Loading tunnels..." || m.status == "Refreshing..." {
			m.status = fmt.Sprintf("%d tunnels", len(m.summaries))
		}
		m.refreshRows()
		return m, nil

	case snapshotMsg:
		m.snap = stats.Snapshot(msg)
		m.refreshRows()
		return m, m.nextSnapshot()

	case streamEndMsg:
		m.ended = true
		if msg.err != nil {
			m.err = msg.err
		}
		m.status = "Stats stream closed"
		return m, nil

	case resultMsg:
		res := orchestrator.Result(msg)
		if res.Err != nil {
			m.status = fmt.Sprintf("%s %s failed: %s", res.Command.Op, res.Command.ID, res.Message)
			common.LogWarn("watch: %s %s: %v", res.Command.Op, res.Command.ID, res.Err)
		} else {
			m.status = fmt.Sprintf("%s %s: done", res.Command.Op, res.Command.ID)
		}
		return m, m.loadTunnels()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Watch) toggleSelected() (tea.Model, tea.Cmd) {
	id := m.SelectedID()
	if id == "" {
		return m, nil
	}
	op := orchestrator.OpStart
	if m.states[id].Status.Active() {
		op = orchestrator.OpStop
	}
	m.status = fmt.Sprintf("%s %s...", op, id)
	return m, m.dispatch(orchestrator.Command{Op: op, ID: id})
}

// SelectedID returns the tunnel of the selected row.
func (m Watch) SelectedID() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.ids) {
		return ""
	}
	return m.ids[i]
}

func (m *Watch) refreshRows() {
	rows, ids := buildRows(m.summaries, m.states, m.snap, m.interval, m.now())
	m.ids = ids
	m.table.SetRows(rows)
	if m.table.Cursor() >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

// View renders the table and a status line.
func (m Watch) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("wirevault"))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  stats every %s", m.interval)))
	b.WriteString("\n")

	if len(m.summaries) == 0 {
		b.WriteString(mutedStyle.Render("No tunnels configured. Add one with: wirevault save -f tunnel.json"))
		b.WriteString("\n")
	} else {
		b.WriteString(frameStyle.Render(m.table.View()))
		b.WriteString("\n")
	}

	if id := m.SelectedID(); id != "" {
		st := m.states[id]
		line := fmt.Sprintf("%s: %s", id, statusLabel(st.Status))
		if st.Interface != "" {
			line += mutedStyle.Render("  " + st.Interface)
		}
		if st.Reason != "" {
			line += "  " + errorStyle.Render(st.Reason)
		}
		b.WriteString(statusStyle.Render(line))
		b.WriteString("\n")
	}

	status := m.status
	if m.err != nil {
		status = errorStyle.Render(common.UserMessage(m.err))
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("enter start/stop • r refresh • q quit"))
	return b.String()
}

// Run opens a stats subscription and runs the watch view until the user
// quits or ctx ends.
func Run(ctx context.Context, o *orchestrator.Orchestrator, interval time.Duration) error {
	if interval <= 0 {
		interval = common.StatsInterval
	}
	stream, err := o.Subscribe(ctx, interval)
	if err != nil {
		return err
	}
	defer stream.Close()

	p := tea.NewProgram(NewWatch(ctx, o, stream, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch view: %w", err)
	}
	return nil
}
