package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

func TestStaleBoundary(t *testing.T) {
	base := time.Unix(1000, 0)
	s := &Session{LastHeartbeat: base}
	threshold := 60 * time.Second

	tests := []struct {
		name  string
		now   time.Time
		stale bool
	}{
		{"fresh", base.Add(time.Second), false},
		{"exactly at threshold", base.Add(threshold), false},
		{"one nanosecond past", base.Add(threshold + time.Nanosecond), true},
		{"one second past", base.Add(threshold + time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Stale(tt.now, threshold); got != tt.stale {
				t.Errorf("Stale(%v) = %v, want %v", tt.now.Sub(base), got, tt.stale)
			}
		})
	}
}

func TestCloneCopiesPointers(t *testing.T) {
	target := protocol.Green
	s := &Session{ID: "L1", Position: &protocol.Position{X: 1, Y: 2}, PendingSync: &target}

	c := s.Clone()
	c.Position.X = 99
	*c.PendingSync = protocol.Red

	if s.Position.X != 1 {
		t.Error("Clone shares Position with the original")
	}
	if *s.PendingSync != protocol.Green {
		t.Error("Clone shares PendingSync with the original")
	}
}

func TestSessionJSONOmitsTransport(t *testing.T) {
	s := Session{ID: "L1", State: protocol.Yellow, Mode: protocol.ModeEmergency, Transport: newFakeTransport("c1")}
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "Transport") {
		t.Errorf("transport leaked into JSON: %s", got)
	}
	if !strings.Contains(got, `"state":"YELLOW"`) || !strings.Contains(got, `"mode":"EMERGENCY"`) {
		t.Errorf("unexpected JSON: %s", got)
	}
}

func TestEventTypeString(t *testing.T) {
	for typ, want := range map[EventType]string{
		EventRegistered: "registered",
		EventRemoved:    "removed",
		EventEvicted:    "evicted",
		EventType(42):   "unknown",
	} {
		if got := typ.String(); got != want {
			t.Errorf("EventType(%d).String() = %q, want %q", int(typ), got, want)
		}
	}
}
