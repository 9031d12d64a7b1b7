package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/emergency"
	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/monitor"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

type EventType string

const (
	EventRegistered       EventType = "registered"
	EventRemoved          EventType = "removed"
	EventEvicted          EventType = "evicted"
	EventEmergency        EventType = "emergency"
	EventEmergencyCleared EventType = "emergency_cleared"
)

// Event is a lifecycle notification for management clients.
type Event struct {
	Type      EventType         `json:"type"`
	LightID   string            `json:"lightId,omitempty"`
	Emergency *emergency.Result `json:"emergency,omitempty"`
	At        time.Time         `json:"at"`
}

// SystemStatus is everything the management surface reports.
type SystemStatus struct {
	Running   bool          `json:"running"`
	Addr      string        `json:"addr"`
	Mode      protocol.Mode `json:"mode"`
	StartedAt time.Time     `json:"startedAt,omitempty"`
	Uptime    float64       `json:"uptimeSeconds"`

	Connected int               `json:"connected"`
	Capacity  int               `json:"capacity"`
	Sessions  []session.Session `json:"sessions"`

	Counters      system.Counters   `json:"counters"`
	LastSync      time.Time         `json:"lastSync,omitempty"`
	LastBroadcast *system.Broadcast `json:"lastBroadcast,omitempty"`
	Canonical     *CanonicalState   `json:"canonical,omitempty"`

	OrderedAcquisitions uint64               `json:"orderedAcquisitions"`
	HeldResources       []lockorder.Resource `json:"heldResources"`
	QueueDepth          int                  `json:"queueDepth"`
	Workers             int                  `json:"workers"`

	Emergency  *emergency.Result    `json:"emergency,omitempty"`
	Heartbeat  monitor.Health       `json:"heartbeat"`
	StaleAfter float64              `json:"staleAfterSeconds"`
	Process    *monitor.ProcessInfo `json:"process,omitempty"`
}

// CanonicalState is where the shared phase schedule stands.
type CanonicalState struct {
	State     protocol.LightState `json:"state"`
	Remaining float64             `json:"remainingSeconds"`
	Phases    []PhaseLength       `json:"phases"`
}

// PhaseLength is one step of the canonical cycle.
type PhaseLength struct {
	State   protocol.LightState `json:"state"`
	Seconds float64             `json:"seconds"`
}

// Status collects a consistent-enough view of the coordinator. Each part is
// read under its own lock, so parts may be from slightly different instants.
func (s *Server) Status(ctx context.Context) (SystemStatus, error) {
	snap, err := s.sys.Read(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	sessions, err := s.store.Snapshot(ctx)
	if err != nil {
		return SystemStatus{}, err
	}
	last, err := s.emergency.Last(ctx)
	if err != nil {
		return SystemStatus{}, err
	}

	now := s.now()
	st := SystemStatus{
		Addr:                s.Addr(),
		Mode:                snap.Mode,
		Connected:           len(sessions),
		Capacity:            s.store.Capacity(),
		Sessions:            sessions,
		Counters:            snap.Counters,
		LastSync:            snap.LastSync,
		LastBroadcast:       snap.LastBroadcast,
		OrderedAcquisitions: s.locks.OrderedAcquisitions(),
		HeldResources:       s.locks.Held(),
		Emergency:           last,
		Heartbeat:           s.monitor.Health(),
		StaleAfter:          s.monitor.Threshold().Seconds(),
	}
	if r := s.current.Load(); r != nil {
		st.Running = true
		st.StartedAt = r.startedAt
		st.Uptime = now.Sub(r.startedAt).Seconds()
		st.QueueDepth = r.dispatcher.Depth()
		st.Workers = r.dispatcher.Workers()
		sched := r.sync.Schedule()
		st.Canonical = &CanonicalState{
			State:     sched.StateAt(now),
			Remaining: sched.Remaining(now).Seconds(),
		}
		for _, p := range sched.Phases() {
			st.Canonical.Phases = append(st.Canonical.Phases, PhaseLength{State: p.State, Seconds: p.Duration.Seconds()})
		}
	}
	if s.process != nil {
		// A failed sample falls back to the last good one.
		if info, err := s.process.Sample(); err == nil {
			st.Process = &info
		} else if prev := s.process.Last(); !prev.SampledAt.IsZero() {
			st.Process = &prev
		}
	}
	return st, nil
}

// statsFields is logged once per heartbeat cycle.
func (s *Server) statsFields(ctx context.Context) logrus.Fields {
	snap, err := s.sys.Read(ctx)
	if err != nil {
		return logrus.Fields{"error": err.Error()}
	}
	n, _ := s.store.Len(ctx)
	fields := logrus.Fields{
		"mode":                 snap.Mode.String(),
		"connected":            n,
		"messages_processed":   snap.Counters.MessagesProcessed,
		"protocol_errors":      snap.Counters.ProtocolErrors,
		"sync_operations":      snap.Counters.SyncOperations,
		"evictions":            snap.Counters.Evictions,
		"emergency_overrides":  snap.Counters.EmergencyOverrides,
		"ordered_acquisitions": s.locks.OrderedAcquisitions(),
		"held_locks":           len(s.locks.Held()),
	}
	if r := s.current.Load(); r != nil {
		fields["queue_depth"] = r.dispatcher.Depth()
	}
	return fields
}
