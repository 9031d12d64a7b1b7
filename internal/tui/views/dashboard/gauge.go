package dashboard

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
)

const gaugeFPS = 30

// GaugeTickMsg advances the capacity gauge animation.
type GaugeTickMsg struct{}

// Gauge is a capacity bar whose fill eases toward its target on a spring.
type Gauge struct {
	spring   harmonica.Spring
	pos, vel float64
	target   float64
}

func NewGauge() Gauge {
	return Gauge{spring: harmonica.NewSpring(harmonica.FPS(gaugeFPS), 6.0, 0.8)}
}

// SetTarget sets the fraction (0..1) the gauge animates toward.
func (g *Gauge) SetTarget(frac float64) {
	g.target = math.Max(0, math.Min(1, frac))
}

// Settled reports whether the animation has come to rest.
func (g Gauge) Settled() bool {
	return math.Abs(g.pos-g.target) < 0.001 && math.Abs(g.vel) < 0.001
}

// Step advances one frame.
func (g *Gauge) Step() {
	g.pos, g.vel = g.spring.Update(g.pos, g.vel, g.target)
	if g.Settled() {
		g.pos, g.vel = g.target, 0
	}
}

// Tick schedules the next animation frame.
func Tick() tea.Cmd {
	return tea.Tick(time.Second/gaugeFPS, func(time.Time) tea.Msg { return GaugeTickMsg{} })
}

// View draws the bar at its current animated fill.
func (g Gauge) View(width int) string {
	if width < 8 {
		width = 8
	}
	pos := math.Max(0, math.Min(1, g.pos))
	filled := int(math.Round(pos * float64(width)))
	color := theme.LoadColor(g.target)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", width-filled))
	return bar + lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf(" %3.0f%%", g.target*100))
}
