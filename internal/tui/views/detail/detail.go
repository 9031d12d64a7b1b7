// Package detail renders the light info flyout overlay.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/client"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
)

const (
	panelWidth = 56
	labelWidth = 14
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail overlay.
type Model struct {
	Light *client.Light
	Now   func() time.Time
}

// New creates a detail model for the given light.
func New(l *client.Light) Model {
	return Model{Light: l, Now: time.Now}
}

// View renders the detail panel. Returns an empty string if no light is set.
func (m Model) View() string {
	if m.Light == nil {
		return ""
	}
	l := m.Light
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	var b strings.Builder
	b.WriteString(styleTitle.Render("Light: "+l.ID) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")

	writeRow(&b, "Intersection", l.Intersection)
	if l.Position != nil {
		writeRow(&b, "Position", fmt.Sprintf("(%.0f, %.0f)", l.Position.X, l.Position.Y))
	}
	writeRow(&b, "State", lipgloss.NewStyle().Foreground(theme.StateColor(l.State)).
		Render(theme.StateGlyph(l.State)+" "+l.State))
	writeRow(&b, "Mode", lipgloss.NewStyle().Foreground(theme.ModeColor(l.Mode)).Render(l.Mode))
	writeRow(&b, "Connection", l.ConnID)
	b.WriteString("\n")

	writeRow(&b, "Registered", since(now(), l.RegisteredAt))
	writeRow(&b, "Heartbeat", since(now(), l.LastHeartbeat))
	writeRow(&b, "Last sync", since(now(), l.LastSync))
	if l.PendingSync != nil {
		writeRow(&b, "Pending sync", *l.PendingSync)
	}
	writeRow(&b, "Changes", fmt.Sprintf("%d", l.StateChanges))

	b.WriteString("\n" + styleFooter.Render("esc:close"))
	return stylePanel.Width(panelWidth).Render(b.String())
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label) + styleValue.Render(value) + "\n")
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}
