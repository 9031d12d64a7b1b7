package session

import (
	"time"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// Transport is the outbound side of one light's connection. The handling
// unit that accepted the connection owns it; the registry only borrows it to
// send and to close on removal.
type Transport interface {
	// ID is the per-connection id assigned at accept time.
	ID() string
	// Send queues m without blocking.
	Send(m protocol.Message) error
	// SendTimeout queues m, waiting at most d for buffer space.
	SendTimeout(m protocol.Message, d time.Duration) error
	Close() error
	Closed() bool
}

// Session is a point-in-time copy of one registered light.
type Session struct {
	ID            string               `json:"id"`
	ConnID        string               `json:"connId"`
	Intersection  string               `json:"intersection"`
	Position      *protocol.Position   `json:"position,omitempty"`
	State         protocol.LightState  `json:"state"`
	Mode          protocol.Mode        `json:"mode"`
	RegisteredAt  time.Time            `json:"registeredAt"`
	LastHeartbeat time.Time            `json:"lastHeartbeat"`
	ReportedAt    time.Time            `json:"reportedAt,omitempty"` // client clock of the latest report
	StateChanges  int                  `json:"stateChanges"`
	PendingSync   *protocol.LightState `json:"pendingSync,omitempty"`
	LastSync      time.Time            `json:"lastSync,omitempty"`

	Transport Transport `json:"-"`
}

// Clone returns a copy whose pointer fields are independent of s.
func (s *Session) Clone() Session {
	c := *s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if s.PendingSync != nil {
		p := *s.PendingSync
		c.PendingSync = &p
	}
	return c
}

// Idle returns how long ago the last heartbeat was seen, measured at now.
func (s *Session) Idle(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeat)
}

// Stale reports whether the session has been silent strictly longer than
// threshold. A session exactly at the threshold is still live.
func (s *Session) Stale(now time.Time, threshold time.Duration) bool {
	return s.Idle(now) > threshold
}

// Registration carries the fields of a register message plus the
// connection it arrived on.
type Registration struct {
	ID           string
	Intersection string
	Position     *protocol.Position
	State        *protocol.LightState
	ReportedAt   time.Time
	Transport    Transport
}
