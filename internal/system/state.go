// Package system holds the coordinator-wide values that live behind the
// system and message lock resources: the global mode, aggregate counters,
// and the outbound broadcast journal.
//
// Methods ending in Held expect the caller's guard to already hold the
// matching resource. The unsuffixed helpers acquire it themselves and must
// not be called while holding any later resource.
package system

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// ErrNotHeld means the guard lacks the resource the call needs.
var ErrNotHeld = errors.New("required lock resource not held by guard")

// Counters are the aggregate statistics reported in status.
type Counters struct {
	MessagesProcessed  uint64 `json:"messagesProcessed"`
	ProtocolErrors     uint64 `json:"protocolErrors"`
	HandlerErrors      uint64 `json:"handlerErrors"`
	SyncOperations     uint64 `json:"syncOperations"`
	SyncRequestsSent   uint64 `json:"syncRequestsSent"`
	SyncSendFailures   uint64 `json:"syncSendFailures"`
	Evictions          uint64 `json:"evictions"`
	EmergencyOverrides uint64 `json:"emergencyOverrides"`
	Rejections         uint64 `json:"rejections"`
	ConnectionsTotal   uint64 `json:"connectionsTotal"`
}

// Broadcast records one server-initiated fan-out.
type Broadcast struct {
	Seq     uint64        `json:"seq"`
	Kind    protocol.Kind `json:"kind"`
	At      time.Time     `json:"at"`
	Targets int           `json:"targets"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
}

type State struct {
	locks *lockorder.Manager

	// Guarded by lockorder.System.
	mode     protocol.Mode
	counters Counters
	lastSync time.Time

	// Guarded by lockorder.Message.
	seq  uint64
	last *Broadcast
}

func New(locks *lockorder.Manager) *State {
	return &State{locks: locks}
}

// ModeHeld returns the global mode.
func (s *State) ModeHeld(g *lockorder.Guard) (protocol.Mode, error) {
	if !g.Holds(lockorder.System) {
		return 0, ErrNotHeld
	}
	return s.mode, nil
}

// SetModeHeld changes the global mode and reports whether it changed.
func (s *State) SetModeHeld(g *lockorder.Guard, m protocol.Mode) (bool, error) {
	if !g.HoldsExclusive(lockorder.System) {
		return false, ErrNotHeld
	}
	changed := s.mode != m
	s.mode = m
	return changed, nil
}

// CountHeld applies fn to the counters.
func (s *State) CountHeld(g *lockorder.Guard, fn func(*Counters)) error {
	if !g.HoldsExclusive(lockorder.System) {
		return ErrNotHeld
	}
	fn(&s.counters)
	return nil
}

// MarkSyncedHeld stamps the time of the last completed sync cycle.
func (s *State) MarkSyncedHeld(g *lockorder.Guard, at time.Time) error {
	if !g.HoldsExclusive(lockorder.System) {
		return ErrNotHeld
	}
	s.lastSync = at
	return nil
}

// NextSeqHeld allocates the next broadcast sequence number.
func (s *State) NextSeqHeld(g *lockorder.Guard) (uint64, error) {
	if !g.HoldsExclusive(lockorder.Message) {
		return 0, ErrNotHeld
	}
	s.seq++
	return s.seq, nil
}

// RecordBroadcastHeld stores b as the most recent broadcast.
func (s *State) RecordBroadcastHeld(g *lockorder.Guard, b Broadcast) error {
	if !g.HoldsExclusive(lockorder.Message) {
		return ErrNotHeld
	}
	s.last = &b
	return nil
}

// Count acquires system exclusively and applies fn to the counters.
func (s *State) Count(ctx context.Context, fn func(*Counters)) error {
	g, err := s.locks.Acquire(ctx, lockorder.Exclusive(lockorder.System))
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	defer g.Release()
	return s.CountHeld(g, fn)
}

// Mode reads the global mode under a shared system lock.
func (s *State) Mode(ctx context.Context) (protocol.Mode, error) {
	g, err := s.locks.Acquire(ctx, lockorder.Shared(lockorder.System))
	if err != nil {
		return 0, fmt.Errorf("mode: %w", err)
	}
	defer g.Release()
	return s.mode, nil
}

// Snapshot is a consistent copy of everything State holds.
type Snapshot struct {
	Mode          protocol.Mode
	Counters      Counters
	LastSync      time.Time
	Seq           uint64
	LastBroadcast *Broadcast
}

// Read copies the state under shared system and message locks.
func (s *State) Read(ctx context.Context) (Snapshot, error) {
	g, err := s.locks.Acquire(ctx, lockorder.Shared(lockorder.System), lockorder.Shared(lockorder.Message))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read system state: %w", err)
	}
	defer g.Release()
	snap := Snapshot{
		Mode:     s.mode,
		Counters: s.counters,
		LastSync: s.lastSync,
		Seq:      s.seq,
	}
	if s.last != nil {
		b := *s.last
		snap.LastBroadcast = &b
	}
	return snap, nil
}

// Reset returns every value to its zero state.
func (s *State) Reset(ctx context.Context) error {
	g, err := s.locks.Acquire(ctx, lockorder.Exclusive(lockorder.System), lockorder.Exclusive(lockorder.Message))
	if err != nil {
		return fmt.Errorf("reset system state: %w", err)
	}
	defer g.Release()
	s.mode = protocol.ModeNormal
	s.counters = Counters{}
	s.lastSync = time.Time{}
	s.seq = 0
	s.last = nil
	return nil
}
