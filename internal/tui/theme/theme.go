// Package theme provides the Lip Gloss color palette and reusable styles
// for the SIGET console. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Signal colors.
var (
	ColorRed     = lipgloss.Color("#dc2626")
	ColorYellow  = lipgloss.Color("#f59e0b")
	ColorGreen   = lipgloss.Color("#22c55e")
	ColorDefault = lipgloss.Color("#9ca3af")
)

// Mode colors.
var (
	ColorNormal    = lipgloss.Color("#3b82f6")
	ColorEmergency = lipgloss.Color("#ef4444")
)

// Capacity gauge thresholds.
var (
	ColorLoadLow  = lipgloss.Color("#22c55e") // <50%
	ColorLoadMid  = lipgloss.Color("#d97706") // 50-80%
	ColorLoadHigh = lipgloss.Color("#dc2626") // >80%
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorAccent  = lipgloss.Color("#7c3aed")
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StateColor returns the color for a signal state name.
func StateColor(state string) lipgloss.Color {
	switch state {
	case "RED":
		return ColorRed
	case "YELLOW":
		return ColorYellow
	case "GREEN":
		return ColorGreen
	default:
		return ColorDefault
	}
}

// StateGlyph returns a lamp glyph for a signal state.
func StateGlyph(state string) string {
	switch state {
	case "RED", "YELLOW", "GREEN":
		return "●"
	default:
		return "○"
	}
}

// ModeColor returns the color for a system mode name.
func ModeColor(mode string) lipgloss.Color {
	if mode == "EMERGENCY" {
		return ColorEmergency
	}
	return ColorNormal
}

// HealthColor returns the color for a monitor health status.
func HealthColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "failed":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// LoadColor returns the color for a capacity utilization fraction.
func LoadColor(pct float64) lipgloss.Color {
	switch {
	case pct > 0.8:
		return ColorLoadHigh
	case pct > 0.5:
		return ColorLoadMid
	default:
		return ColorLoadLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
