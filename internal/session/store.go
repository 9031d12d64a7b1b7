// Package session holds the registry of connected traffic lights.
//
// Every read and write of the registry map goes through the lock manager's
// clients resource. Methods named *Held run inside a guard the caller already
// acquired, so multi-resource operations declare their full resource set once
// and never re-acquire clients.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

var (
	// ErrCapacity means the registry already holds the maximum number of sessions.
	ErrCapacity = errors.New("session registry at capacity")
	// ErrNotFound means the id is not registered.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicate means the id is live on a different connection.
	ErrDuplicate = errors.New("session id already registered")
	// ErrTransportClosed means the registering connection has already gone away.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotHeld means a *Held method was called without the clients resource.
	ErrNotHeld = errors.New("clients resource not held by guard")
)

const defaultIntersection = "Unknown"

type Store struct {
	locks    *lockorder.Manager
	max      int
	now      func() time.Time
	observer atomic.Pointer[func(Event)]

	// Guarded by lockorder.Clients.
	sessions map[string]*Session
	mode     protocol.Mode
}

func NewStore(locks *lockorder.Manager, maxSessions int) *Store {
	return &Store{
		locks:    locks,
		max:      maxSessions,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetClock replaces the time source. Call before the store is shared.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SetObserver installs fn to receive lifecycle events. fn runs after the
// clients resource has been released.
func (s *Store) SetObserver(fn func(Event)) {
	if fn == nil {
		s.observer.Store(nil)
		return
	}
	s.observer.Store(&fn)
}

func (s *Store) emit(ev Event) {
	if fn := s.observer.Load(); fn != nil {
		(*fn)(ev)
	}
}

func (s *Store) lock(ctx context.Context, shared bool) (*lockorder.Guard, error) {
	c := lockorder.Exclusive(lockorder.Clients)
	if shared {
		c = lockorder.Shared(lockorder.Clients)
	}
	return s.locks.Acquire(ctx, c)
}

// Register adds a session, or refreshes it when the same connection registers
// the same id again. A new session starts in the registry's current mode.
func (s *Store) Register(ctx context.Context, r Registration) (Session, error) {
	if r.ID == "" || r.Transport == nil {
		return Session{}, fmt.Errorf("register: id and transport are required")
	}
	g, err := s.lock(ctx, false)
	if err != nil {
		return Session{}, fmt.Errorf("register %s: %w", r.ID, err)
	}

	// Checked under the lock so a connection that exits after this point
	// finds the entry in RemoveOwned.
	if r.Transport.Closed() {
		g.Release()
		return Session{}, fmt.Errorf("register %s: %w", r.ID, ErrTransportClosed)
	}

	now := s.now()
	var replaced Transport
	if cur, ok := s.sessions[r.ID]; ok {
		if cur.Transport == r.Transport {
			applyRegistration(cur, r)
			cur.LastHeartbeat = now
			out := cur.Clone()
			n := len(s.sessions)
			g.Release()
			s.emit(Event{Type: EventRegistered, Session: out, Connected: n})
			return out, nil
		}
		if !cur.Transport.Closed() {
			g.Release()
			return Session{}, fmt.Errorf("register %s: %w", r.ID, ErrDuplicate)
		}
		// The previous connection is gone but its unit has not cleaned up yet.
		replaced = cur.Transport
		delete(s.sessions, r.ID)
	}

	if len(s.sessions) >= s.max {
		g.Release()
		return Session{}, fmt.Errorf("register %s: %w", r.ID, ErrCapacity)
	}

	sess := &Session{
		ID:            r.ID,
		ConnID:        r.Transport.ID(),
		State:         protocol.Red,
		Mode:          s.mode,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Transport:     r.Transport,
	}
	applyRegistration(sess, r)
	s.sessions[r.ID] = sess
	out := sess.Clone()
	n := len(s.sessions)
	g.Release()

	if replaced != nil {
		_ = replaced.Close()
	}
	s.emit(Event{Type: EventRegistered, Session: out, Connected: n})
	return out, nil
}

func applyRegistration(sess *Session, r Registration) {
	sess.Intersection = r.Intersection
	if sess.Intersection == "" {
		sess.Intersection = defaultIntersection
	}
	if r.Position != nil {
		p := *r.Position
		sess.Position = &p
	}
	if r.State != nil && r.State.Valid() {
		sess.State = *r.State
	}
	if !r.ReportedAt.IsZero() {
		sess.ReportedAt = r.ReportedAt
	}
}

// UpdateState records a state report. A report also counts as proof of
// liveness. It returns the session as updated.
func (s *Store) UpdateState(ctx context.Context, id string, state protocol.LightState, reportedAt time.Time) (Session, error) {
	if !state.Valid() {
		return Session{}, fmt.Errorf("update %s: invalid state %d", id, int(state))
	}
	g, err := s.lock(ctx, false)
	if err != nil {
		return Session{}, fmt.Errorf("update %s: %w", id, err)
	}
	defer g.Release()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if sess.State != state {
		sess.State = state
		sess.StateChanges++
	}
	sess.ReportedAt = reportedAt
	sess.LastHeartbeat = s.now()
	return sess.Clone(), nil
}

// TouchHeartbeat marks the session live as of now.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, reportedAt time.Time) error {
	g, err := s.lock(ctx, false)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", id, err)
	}
	defer g.Release()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("heartbeat %s: %w", id, ErrNotFound)
	}
	sess.LastHeartbeat = s.now()
	if !reportedAt.IsZero() {
		sess.ReportedAt = reportedAt
	}
	return nil
}

// MarkSynced clears a pending sync after the light confirmed it.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	g, err := s.lock(ctx, false)
	if err != nil {
		return fmt.Errorf("sync complete %s: %w", id, err)
	}
	defer g.Release()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("sync complete %s: %w", id, ErrNotFound)
	}
	if sess.PendingSync != nil {
		sess.State = *sess.PendingSync
		sess.PendingSync = nil
	}
	now := s.now()
	sess.LastSync = now
	sess.LastHeartbeat = now
	return nil
}

// Remove deletes id and closes its transport. Removing an absent id is a
// no-op. The close happens after the clients resource is released.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	return s.remove(ctx, id, func(*Session) bool { return true }, EventRemoved)
}

// RemoveOwned deletes id only while it is still bound to t. A handling unit
// uses it on exit so it never removes a session another connection has since
// taken over.
func (s *Store) RemoveOwned(ctx context.Context, id string, t Transport) (bool, error) {
	return s.remove(ctx, id, func(sess *Session) bool { return sess.Transport == t }, EventRemoved)
}

// RemoveIfStale evicts id if, re-read under the exclusive lock, its last
// heartbeat is strictly more than threshold before now.
func (s *Store) RemoveIfStale(ctx context.Context, id string, now time.Time, threshold time.Duration) (bool, error) {
	return s.remove(ctx, id, func(sess *Session) bool { return sess.Stale(now, threshold) }, EventEvicted)
}

func (s *Store) remove(ctx context.Context, id string, pred func(*Session) bool, kind EventType) (bool, error) {
	g, err := s.lock(ctx, false)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	sess, ok := s.sessions[id]
	if !ok || !pred(sess) {
		g.Release()
		return false, nil
	}
	delete(s.sessions, id)
	out := sess.Clone()
	n := len(s.sessions)
	g.Release()

	_ = sess.Transport.Close()
	s.emit(Event{Type: kind, Session: out, Connected: n})
	return true, nil
}

// Reset removes every session and closes every transport. The mode returns
// to NORMAL.
func (s *Store) Reset(ctx context.Context) (int, error) {
	g, err := s.lock(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("reset: %w", err)
	}
	old := s.sessions
	s.sessions = make(map[string]*Session)
	s.mode = protocol.ModeNormal
	g.Release()

	for _, sess := range old {
		_ = sess.Transport.Close()
		s.emit(Event{Type: EventRemoved, Session: sess.Clone()})
	}
	return len(old), nil
}

// Get returns a copy of one session.
func (s *Store) Get(ctx context.Context, id string) (Session, error) {
	g, err := s.lock(ctx, true)
	if err != nil {
		return Session{}, fmt.Errorf("get %s: %w", id, err)
	}
	defer g.Release()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return sess.Clone(), nil
}

// Snapshot returns a consistent copy of all sessions ordered by id.
func (s *Store) Snapshot(ctx context.Context) ([]Session, error) {
	g, err := s.lock(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer g.Release()
	return s.snapshot(), nil
}

// SnapshotHeld is Snapshot for a caller whose guard already holds clients.
func (s *Store) SnapshotHeld(g *lockorder.Guard) ([]Session, error) {
	if !g.Holds(lockorder.Clients) {
		return nil, ErrNotHeld
	}
	return s.snapshot(), nil
}

func (s *Store) snapshot() []Session {
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	slices.SortFunc(out, func(a, b Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// SetModeHeld switches every session, and the mode given to future
// registrations, to mode in one step. g must hold clients exclusively.
func (s *Store) SetModeHeld(g *lockorder.Guard, mode protocol.Mode) error {
	if !g.HoldsExclusive(lockorder.Clients) {
		return ErrNotHeld
	}
	s.mode = mode
	for _, sess := range s.sessions {
		sess.Mode = mode
	}
	return nil
}

// ModeHeld returns the registry's current mode.
func (s *Store) ModeHeld(g *lockorder.Guard) (protocol.Mode, error) {
	if !g.Holds(lockorder.Clients) {
		return 0, ErrNotHeld
	}
	return s.mode, nil
}

// MarkSyncPendingHeld records that target was sent to id. g must hold
// clients exclusively.
func (s *Store) MarkSyncPendingHeld(g *lockorder.Guard, id string, target protocol.LightState) error {
	if !g.HoldsExclusive(lockorder.Clients) {
		return ErrNotHeld
	}
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("mark sync %s: %w", id, ErrNotFound)
	}
	sess.PendingSync = &target
	return nil
}

// Len returns the number of registered sessions.
func (s *Store) Len(ctx context.Context) (int, error) {
	g, err := s.lock(ctx, true)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	return len(s.sessions), nil
}

// Full reports whether another registration would be refused for capacity.
func (s *Store) Full(ctx context.Context) (bool, error) {
	n, err := s.Len(ctx)
	if err != nil {
		return false, err
	}
	return n >= s.max, nil
}

// Capacity returns the configured maximum.
func (s *Store) Capacity() int { return s.max }
