// Package eventlog is the console's scrollback of coordinator events,
// operator actions and feed problems.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Voinich26/siget-sistema-trafico/internal/tui/theme"
)

const capacity = 200

type Kind int

const (
	KindFeed Kind = iota
	KindEvent
	KindAction
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "FEED"
	case KindEvent:
		return "EVT"
	case KindAction:
		return "ACT"
	case KindError:
		return "ERR"
	}
	return "?"
}

func (k Kind) color() lipgloss.Color {
	switch k {
	case KindFeed:
		return theme.ColorInfo
	case KindEvent:
		return theme.ColorWarning
	case KindAction:
		return theme.ColorAccent
	case KindError:
		return theme.ColorDanger
	}
	return theme.ColorDimmed
}

// Filter narrows what the log shows.
type Filter int

const (
	ShowAll Filter = iota
	ShowEvents
	ShowErrors
	filterCount
)

func (f Filter) String() string {
	switch f {
	case ShowEvents:
		return "events"
	case ShowErrors:
		return "errors"
	}
	return "all"
}

func (f Filter) keep(k Kind) bool {
	switch f {
	case ShowEvents:
		return k == KindEvent
	case ShowErrors:
		return k == KindError
	}
	return true
}

type Entry struct {
	At   time.Time
	Kind Kind
	Text string
}

// Log is a bounded scrollback. The zero value is ready to use.
type Log struct {
	entries []Entry
	back    int // lines scrolled back from the newest visible entry
	filter  Filter
}

func (l *Log) Add(kind Kind, text string) {
	l.entries = append(l.entries, Entry{At: time.Now(), Kind: kind, Text: text})
	if n := len(l.entries); n > capacity {
		l.entries = append(l.entries[:0:0], l.entries[n-capacity:]...)
	}
	l.back = 0
}

// Len counts every retained entry regardless of the filter.
func (l *Log) Len() int { return len(l.entries) }

// Last returns the newest entry.
func (l *Log) Last() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

// Visible returns the entries that pass the current filter, oldest first.
func (l *Log) Visible() []Entry {
	if l.filter == ShowAll {
		return l.entries
	}
	var out []Entry
	for _, e := range l.entries {
		if l.filter.keep(e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// Scroll moves back (positive) or forward (negative) through history.
func (l *Log) Scroll(delta int) {
	l.back += delta
	if limit := len(l.Visible()) - 1; l.back > limit {
		l.back = limit
	}
	if l.back < 0 {
		l.back = 0
	}
}

// CycleFilter steps all → events → errors and jumps back to the newest line.
func (l *Log) CycleFilter() {
	l.filter = (l.filter + 1) % filterCount
	l.back = 0
}

func (l *Log) Filter() Filter { return l.filter }

func (l *Log) View(width, height int) string {
	inner := max(width-4, 24)
	rows := max(height-6, 3)

	header := theme.StyleHeader.Render(" EVENT LOG ") + " " +
		theme.StyleDimmed.Render("showing "+l.filter.String())
	footer := theme.StyleDimmed.Render(fmt.Sprintf("j/k scroll · f filter · esc close · %d kept", len(l.entries)))

	shown := l.Visible()
	var body string
	if len(shown) == 0 {
		body = theme.StyleDimmed.Render("  nothing to show")
	} else {
		end := len(shown) - l.back
		start := max(end-rows, 0)
		lines := make([]string, 0, end-start)
		for _, e := range shown[start:end] {
			lines = append(lines, renderEntry(e, inner))
		}
		body = strings.Join(lines, "\n")
		if l.back > 0 {
			body += "\n" + theme.StyleDimmed.Render(fmt.Sprintf("  … %d newer", l.back))
		}
	}

	return lipgloss.NewStyle().
		Width(inner).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(lipgloss.JoinVertical(lipgloss.Left, header, "", body, "", footer))
}

func renderEntry(e Entry, width int) string {
	tag := lipgloss.NewStyle().Foreground(e.Kind.color()).Bold(true).Width(5).Render(e.Kind.String())
	text := e.Text
	if room := width - 16; room > 3 && len(text) > room {
		text = text[:room-1] + "…"
	}
	return theme.StyleDimmed.Render(e.At.Format("15:04:05")) + " " + tag + " " + text
}
