package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/client"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/views/dashboard"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/views/eventlog"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/views/detail"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/views/status"
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayLog
	OverlayEmergency
)

const actionTimeout = 10 * time.Second

// Coordinator is the management API the console drives.
type Coordinator interface {
	Status(ctx context.Context) (*client.Status, error)
	Start(ctx context.Context) (*client.Status, error)
	Stop(ctx context.Context) (*client.Status, error)
	TriggerEmergency(ctx context.Context, reason string) (*client.EmergencyResult, error)
	ClearEmergency(ctx context.Context) (bool, error)
}

// Feed is the live status stream.
type Feed interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
}

// actionResultMsg reports the outcome of a management call.
type actionResultMsg struct {
	action string
	status *client.Status
	note   string
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	feed   Feed
	api    Coordinator
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	overlay Overlay
	reason  textinput.Model
	flash   string
	flashOK bool

	statusBar status.Model
	dashboard dashboard.Model
	log       eventlog.Log

	connected bool
	animating bool
}

// New creates the root model.
func New(feed Feed, api Coordinator) Model {
	ctx, cancel := context.WithCancel(context.Background())
	reason := textinput.New()
	reason.Placeholder = "reason (e.g. ambulance on Av. Principal)"
	reason.CharLimit = 200
	return Model{
		feed:      feed,
		api:       api,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		reason:    reason,
		statusBar: status.New(),
		dashboard: dashboard.New(),
	}
}

// Init starts the WebSocket connection.
func (m Model) Init() tea.Cmd {
	if m.feed == nil {
		return nil
	}
	return m.feed.Listen(m.ctx)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.log.Add(eventlog.KindFeed, "connected")
		return m, m.feed.ReadLoop(m.ctx)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.log.Add(eventlog.KindFeed, "disconnected: "+msg.Err.Error())
		}
		return m, m.feed.Listen(m.ctx)

	case client.WSSnapshotMsg:
		st := msg.Payload
		return m.applyStatus(&st, m.feed.ReadLoop(m.ctx))

	case client.WSEventMsg:
		m.log.Add(eventlog.KindEvent, describeEvent(msg.Payload))
		return m, m.feed.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		m.log.Add(eventlog.KindError, msg.Payload.Message)
		return m, m.feed.ReadLoop(m.ctx)

	case actionResultMsg:
		if msg.err != nil {
			m.setFlash(fmt.Sprintf("%s failed: %v", msg.action, msg.err), false)
			m.log.Add(eventlog.KindError, msg.action+": "+msg.err.Error())
			return m, nil
		}
		m.setFlash(msg.note, true)
		m.log.Add(eventlog.KindAction, msg.note)
		if msg.status != nil {
			return m.applyStatus(msg.status, nil)
		}
		return m, nil

	case dashboard.GaugeTickMsg:
		m.dashboard.Gauge.Step()
		if m.dashboard.Gauge.Settled() {
			m.animating = false
			return m, nil
		}
		return m, dashboard.Tick()
	}

	return m, nil
}

// applyStatus shows st and starts the gauge animation if it is idle.
func (m Model) applyStatus(st *client.Status, next tea.Cmd) (tea.Model, tea.Cmd) {
	m.statusBar.Status = st
	m.dashboard.SetStatus(st)
	if !m.animating && !m.dashboard.Gauge.Settled() {
		m.animating = true
		return m, tea.Batch(next, dashboard.Tick())
	}
	return m, next
}

func (m *Model) setFlash(text string, ok bool) {
	m.flash = text
	m.flashOK = ok
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.overlay {
	case OverlayEmergency:
		return m.handlePromptKey(msg)
	case OverlayLog:
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.log.Scroll(1)
		case key.Matches(msg, m.keys.Down):
			m.log.Scroll(-1)
		case key.Matches(msg, m.keys.Filter):
			m.log.CycleFilter()
		}
		return m, nil
	case OverlayDetail:
		if key.Matches(msg, m.keys.Escape) {
			m.overlay = OverlayNone
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		m.dashboard.Next()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		m.dashboard.Prev()
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if _, ok := m.dashboard.SelectedLight(); ok {
			m.overlay = OverlayDetail
		}
		return m, nil

	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
		return m, nil

	case key.Matches(msg, m.keys.Start):
		return m, m.call("start", func(ctx context.Context) (*client.Status, string, error) {
			st, err := m.api.Start(ctx)
			return st, "server started", err
		})

	case key.Matches(msg, m.keys.Stop):
		return m, m.call("stop", func(ctx context.Context) (*client.Status, string, error) {
			st, err := m.api.Stop(ctx)
			return st, "server stopped", err
		})

	case key.Matches(msg, m.keys.Refresh):
		return m, m.call("refresh", func(ctx context.Context) (*client.Status, string, error) {
			st, err := m.api.Status(ctx)
			return st, "status refreshed", err
		})

	case key.Matches(msg, m.keys.Clear):
		return m, m.call("clear", func(ctx context.Context) (*client.Status, string, error) {
			changed, err := m.api.ClearEmergency(ctx)
			if !changed {
				return nil, "no emergency active", err
			}
			return nil, "emergency cleared", err
		})

	case key.Matches(msg, m.keys.Emergency):
		m.overlay = OverlayEmergency
		m.reason.SetValue("")
		cmd := m.reason.Focus()
		return m, cmd
	}

	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.overlay = OverlayNone
		m.reason.Blur()
		return m, nil
	case tea.KeyEnter:
		reason := strings.TrimSpace(m.reason.Value())
		if reason == "" {
			m.setFlash("an emergency needs a reason", false)
			return m, nil
		}
		m.overlay = OverlayNone
		m.reason.Blur()
		return m, m.call("emergency", func(ctx context.Context) (*client.Status, string, error) {
			res, err := m.api.TriggerEmergency(ctx, reason)
			if err != nil {
				return nil, "", err
			}
			return nil, fmt.Sprintf("emergency #%d sent to %d/%d lights", res.Seq, len(res.Delivered), len(res.Targets)), nil
		})
	}
	var cmd tea.Cmd
	m.reason, cmd = m.reason.Update(msg)
	return m, cmd
}

// call runs fn against the API off the UI goroutine.
func (m Model) call(action string, fn func(ctx context.Context) (*client.Status, string, error)) tea.Cmd {
	if m.api == nil {
		return nil
	}
	parent := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, actionTimeout)
		defer cancel()
		st, note, err := fn(ctx)
		return actionResultMsg{action: action, status: st, note: note, err: err}
	}
}

func describeEvent(ev client.Event) string {
	switch ev.Type {
	case client.EventRegistered:
		return ev.LightID + " registered"
	case client.EventRemoved:
		return ev.LightID + " disconnected"
	case client.EventEvicted:
		return ev.LightID + " evicted (heartbeat stale)"
	case client.EventEmergency:
		if e := ev.Emergency; e != nil {
			return fmt.Sprintf("EMERGENCY #%d %q: %d/%d delivered", e.Seq, e.Reason, len(e.Delivered), len(e.Targets))
		}
		return "EMERGENCY"
	case client.EventEmergencyCleared:
		return "emergency cleared, resynchronizing"
	default:
		return string(ev.Type)
	}
}

// View renders the full console.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if !m.connected && m.statusBar.Status == nil {
		return m.renderDisconnected()
	}

	sections := []string{m.statusBar.View()}
	if st := m.statusBar.Status; st != nil && st.Mode == client.ModeEmergency {
		sections = append(sections, m.renderEmergencyBanner(st))
	}

	switch m.overlay {
	case OverlayDetail:
		if l, ok := m.dashboard.SelectedLight(); ok {
			sections = append(sections, detail.New(&l).View())
		}
	case OverlayLog:
		sections = append(sections, m.log.View(m.width, m.height-4))
	case OverlayEmergency:
		sections = append(sections, m.dashboard.View(), m.renderPrompt())
	default:
		sections = append(sections, m.dashboard.View())
	}

	if m.flash != "" {
		style := lipgloss.NewStyle().Foreground(theme.ColorHealthy)
		if !m.flashOK {
			style = theme.StyleError
		}
		sections = append(sections, style.Render("  "+m.flash))
	}
	sections = append(sections,
		theme.StyleDimmed.Render("  j/k:select  enter:detail  s:start  x:stop  e:emergency  c:clear  r:refresh  l:log  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderDisconnected() string {
	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorDanger).
		Padding(1, 4).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			theme.StyleError.Bold(true).Render("DISCONNECTED"),
			theme.StyleDimmed.Render("Reconnecting to the coordinator..."),
		))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m Model) renderEmergencyBanner(st *client.Status) string {
	text := " EMERGENCY MODE "
	if e := st.Emergency; e != nil {
		text = fmt.Sprintf(" EMERGENCY: %s  (acked %d/%d) ", e.Reason, len(e.Acknowledged), len(e.Targets))
	}
	return lipgloss.NewStyle().Bold(true).
		Foreground(theme.ColorBright).
		Background(theme.ColorEmergency).
		Render(text)
}

func (m Model) renderPrompt() string {
	return theme.StyleBorder.
		BorderForeground(theme.ColorEmergency).
		Padding(0, 1).
		Render(lipgloss.JoinVertical(lipgloss.Left,
			theme.StyleHeader.Render("Trigger emergency override"),
			m.reason.View(),
			theme.StyleDimmed.Render("enter:send  esc:cancel"),
		))
}
