// Package dashboard provides the counters row, capacity gauge and light
// table for the SIGET console.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/exp/slices"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/client"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
)

// Model holds the dashboard state.
type Model struct {
	Width    int
	Selected int
	Gauge    Gauge

	status *client.Status
	lights []client.Light
}

// New creates a dashboard model.
func New() Model {
	return Model{Gauge: NewGauge()}
}

// SetStatus replaces the shown status. Lights are sorted by id so the
// selection stays put across snapshots.
func (m *Model) SetStatus(st *client.Status) {
	m.status = st
	m.lights = nil
	if st == nil {
		m.Gauge.SetTarget(0)
		return
	}
	m.lights = slices.Clone(st.Lights)
	slices.SortFunc(m.lights, func(a, b client.Light) int { return strings.Compare(a.ID, b.ID) })
	if m.Selected >= len(m.lights) {
		m.Selected = max(0, len(m.lights)-1)
	}
	if st.Capacity > 0 {
		m.Gauge.SetTarget(float64(st.Connected) / float64(st.Capacity))
	}
}

// Lights returns the lights in display order.
func (m Model) Lights() []client.Light { return m.lights }

// SelectedLight returns the highlighted light, if any.
func (m Model) SelectedLight() (client.Light, bool) {
	if m.Selected < 0 || m.Selected >= len(m.lights) {
		return client.Light{}, false
	}
	return m.lights[m.Selected], true
}

func (m *Model) Next() {
	if len(m.lights) > 0 {
		m.Selected = (m.Selected + 1) % len(m.lights)
	}
}

func (m *Model) Prev() {
	if len(m.lights) > 0 {
		m.Selected = (m.Selected - 1 + len(m.lights)) % len(m.lights)
	}
}

// View renders the full dashboard: stats row, gauge and light table.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	sections := []string{
		m.renderStatsRow(width),
		"  Capacity " + m.Gauge.View(min(40, width-20)),
		m.renderLights(width),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderStatsRow(width int) string {
	var c client.Counters
	canonical := "-"
	if m.status != nil {
		c = m.status.Counters
		if m.status.Canonical != nil {
			canonical = lipgloss.NewStyle().Foreground(theme.StateColor(m.status.Canonical.State)).
				Render(fmt.Sprintf("%s %.0fs", m.status.Canonical.State, m.status.Canonical.Remaining)) +
				cycleLengths(m.status.Canonical.Phases)
		}
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Render("Cycle: " + canonical),
		statStyle.Foreground(theme.ColorBright).Render(fmt.Sprintf("Msgs: %d", c.MessagesProcessed)),
		statStyle.Foreground(theme.ColorInfo).Render(fmt.Sprintf("Syncs: %d/%d", c.SyncOperations, c.SyncRequestsSent)),
		statStyle.Foreground(theme.ColorWarning).Render(fmt.Sprintf("Evicted: %d", c.Evictions) + staleAfter(m.status)),
		statStyle.Foreground(theme.ColorEmergency).Render(fmt.Sprintf("Overrides: %d", c.EmergencyOverrides)),
		statStyle.Foreground(theme.ColorDanger).Render(fmt.Sprintf("Errors: %d", c.ProtocolErrors+c.HandlerErrors)),
	}
	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | "))

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) renderLights(width int) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBright).Render("  Lights")
	if len(m.lights) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, theme.StyleDimmed.Render("  No lights registered"))
	}

	colID, colInter, colState, colSync, colBeat, colChanges := 8, 28, 9, 9, 9, 8
	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	tableHeader := fmt.Sprintf("  %-*s %-*s %-*s %-*s %*s %*s",
		colID, "ID",
		colInter, "Intersection",
		colState, "State",
		colSync, "Sync",
		colBeat, "Beat",
		colChanges, "Changes",
	)
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, colID+colInter+colState+colSync+colBeat+colChanges+5))),
	}

	for i, l := range m.lights {
		prefix := "  "
		idStyle := lipgloss.NewStyle().Width(colID)
		if i == m.Selected {
			prefix = "> "
			idStyle = idStyle.Inherit(theme.StyleSelected)
		}
		state := lipgloss.NewStyle().Foreground(theme.StateColor(l.State)).Width(colState).
			Render(theme.StateGlyph(l.State) + " " + l.State)
		sync := "ok"
		if l.PendingSync != nil {
			sync = "→ " + *l.PendingSync
		}
		line := prefix + strings.Join([]string{
			idStyle.Render(l.ID),
			lipgloss.NewStyle().Width(colInter).Render(truncate(l.Intersection, colInter-1)),
			state,
			dimStyle.Width(colSync).Render(sync),
			lipgloss.NewStyle().Width(colBeat).Align(lipgloss.Right).Render(formatAge(l.LastHeartbeat)),
			lipgloss.NewStyle().Width(colChanges).Align(lipgloss.Right).Render(fmt.Sprintf("%d", l.StateChanges)),
		}, " ")
		lines = append(lines, line)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// formatAge renders time since t compactly ("3s", "2m").
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// cycleLengths renders phase lengths in cycle order, e.g. " (8/10/3s)".
func cycleLengths(phases []client.Phase) string {
	if len(phases) == 0 {
		return ""
	}
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = fmt.Sprintf("%.0f", p.Seconds)
	}
	return " (" + strings.Join(parts, "/") + "s)"
}

// staleAfter names the eviction threshold once the server has reported it.
func staleAfter(st *client.Status) string {
	if st == nil || st.StaleAfter <= 0 {
		return ""
	}
	return fmt.Sprintf(" (>%.0fs)", st.StaleAfter)
}
