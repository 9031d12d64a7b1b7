// Package status renders the one-line bar at the top of the console.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/client"
	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
)

type Model struct {
	Connected bool
	Status    *client.Status
	Width     int
}

func New() Model { return Model{} }

func paint(c lipgloss.Color, s string) string {
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

// segments lists the bar's fields left to right.
func (m Model) segments() []string {
	segs := []string{paint(theme.ColorDanger, "○ no feed")}
	if m.Connected {
		segs[0] = paint(theme.ColorHealthy, "● live")
	}
	st := m.Status
	if st == nil {
		return segs
	}

	if st.Running {
		segs = append(segs, paint(theme.ColorHealthy, st.Addr), "up "+uptime(st.Uptime))
	} else {
		segs = append(segs, paint(theme.ColorWarning, "server stopped"))
	}
	segs = append(segs,
		lipgloss.NewStyle().Bold(true).Foreground(theme.ModeColor(st.Mode)).Render(st.Mode),
		fmt.Sprintf("%d/%d lights", st.Connected, st.Capacity),
	)
	if hb := string(st.Heartbeat.Status); hb != "" {
		segs = append(segs, paint(theme.HealthColor(hb), "heartbeat "+hb))
	}
	if p := st.Process; p != nil {
		segs = append(segs, theme.StyleDimmed.Render(fmt.Sprintf("cpu %.1f%% rss %dMiB", p.CPUPercent, p.RSSBytes>>20)))
	}
	return segs
}

func (m Model) View() string {
	return lipgloss.NewStyle().
		Width(max(m.Width, 40)).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.Join(m.segments(), paint(theme.ColorBorder, " │ ")))
}

func uptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Truncate(time.Second)
	h, rest := d/time.Hour, d%time.Hour
	switch mins, secs := rest/time.Minute, (rest%time.Minute)/time.Second; {
	case h > 0:
		return fmt.Sprintf("%dh%02dm", h, mins)
	case mins > 0:
		return fmt.Sprintf("%dm%02ds", mins, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
