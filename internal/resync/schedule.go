package resync

import (
	"fmt"
	"time"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// Phase is one step of the signal cycle.
type Phase struct {
	State    protocol.LightState
	Duration time.Duration
}

// Schedule is the shared cycle every light is expected to follow, anchored
// at a fixed instant. Cycle order is RED, GREEN, YELLOW.
type Schedule struct {
	anchor time.Time
	phases []Phase
	cycle  time.Duration
}

// NewSchedule builds the RED, GREEN, YELLOW cycle starting at anchor.
func NewSchedule(anchor time.Time, durations map[protocol.LightState]time.Duration) (*Schedule, error) {
	s := &Schedule{anchor: anchor}
	for _, st := range []protocol.LightState{protocol.Red, protocol.Green, protocol.Yellow} {
		d := durations[st]
		if d <= 0 {
			return nil, fmt.Errorf("phase %s: duration must be positive, got %v", st, d)
		}
		s.phases = append(s.phases, Phase{State: st, Duration: d})
		s.cycle += d
	}
	return s, nil
}

// Cycle returns the length of one full cycle.
func (s *Schedule) Cycle() time.Duration { return s.cycle }

// Phases returns the cycle in order.
func (s *Schedule) Phases() []Phase {
	return append([]Phase(nil), s.phases...)
}

// StateAt returns the canonical state at t. Instants before the anchor are
// projected backwards onto the same cycle.
func (s *Schedule) StateAt(t time.Time) protocol.LightState {
	st, _ := s.position(t)
	return st
}

// Remaining returns how long the canonical phase at t still lasts.
func (s *Schedule) Remaining(t time.Time) time.Duration {
	_, left := s.position(t)
	return left
}

func (s *Schedule) position(t time.Time) (protocol.LightState, time.Duration) {
	off := t.Sub(s.anchor) % s.cycle
	if off < 0 {
		off += s.cycle
	}
	for _, p := range s.phases {
		if off < p.Duration {
			return p.State, p.Duration - off
		}
		off -= p.Duration
	}
	last := s.phases[len(s.phases)-1]
	return last.State, 0
}
