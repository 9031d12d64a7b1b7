// Package resync realigns every light with the shared signal cycle.
package resync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

// Result summarises one cycle.
type Result struct {
	Skipped  bool // system was in EMERGENCY
	Target   protocol.LightState
	Sessions int
	Sent     int
	Failed   int
}

type Synchronizer struct {
	locks    *lockorder.Manager
	store    *session.Store
	sys      *system.State
	schedule *Schedule
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry

	nudge     chan struct{}
	realign   atomic.Bool  // next cycle targets every session
	lastCycle atomic.Int64 // unix nanos
	onCycle   func(Result)
}

func New(locks *lockorder.Manager, store *session.Store, sys *system.State, schedule *Schedule, interval time.Duration, log *logrus.Entry) *Synchronizer {
	return &Synchronizer{
		locks:    locks,
		store:    store,
		sys:      sys,
		schedule: schedule,
		interval: interval,
		now:      time.Now,
		log:      log,
		nudge:    make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Call before Run.
func (s *Synchronizer) SetClock(now func() time.Time) { s.now = now }

// OnCycle installs a hook called after every completed cycle.
func (s *Synchronizer) OnCycle(fn func(Result)) { s.onCycle = fn }

// Schedule returns the cycle the synchronizer enforces.
func (s *Synchronizer) Schedule() *Schedule { return s.schedule }

// Trigger asks Run for an immediate cycle. Extra triggers while one is
// pending collapse into it.
func (s *Synchronizer) Trigger() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Realign makes the next non-emergency cycle send sync_request to every
// session, aligned or not, and asks Run for it now. Lights holding an
// override state wait for that request before resuming their cycle.
func (s *Synchronizer) Realign() {
	s.realign.Store(true)
	s.Trigger()
}

// Due reports whether no cycle has completed within the last interval.
func (s *Synchronizer) Due(now time.Time) bool {
	last := s.lastCycle.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) > s.interval
}

// Run cycles every interval, and on Trigger, until ctx is cancelled. A cycle
// in progress finishes before Run returns.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("synchronizer started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("synchronizer stopped")
			return
		case <-ticker.C:
		case <-s.nudge:
		}
		if _, err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("sync cycle failed")
		}
	}
}

// Cycle holds system, clients and message for its whole duration. In
// EMERGENCY it only checks the mode. Otherwise every session whose reported
// state differs from the canonical one is sent a sync_request; a failed send
// is logged and the cycle moves on. The OnCycle hook runs after the locks
// are released.
func (s *Synchronizer) Cycle(ctx context.Context) (Result, error) {
	res, err := s.cycle(ctx)
	if err == nil && !res.Skipped && s.onCycle != nil {
		s.onCycle(res)
	}
	return res, err
}

func (s *Synchronizer) cycle(ctx context.Context) (Result, error) {
	g, err := s.locks.Acquire(ctx,
		lockorder.Exclusive(lockorder.System),
		lockorder.Exclusive(lockorder.Clients),
		lockorder.Exclusive(lockorder.Message),
	)
	if err != nil {
		return Result{}, fmt.Errorf("sync cycle: %w", err)
	}
	defer g.Release()

	mode, err := s.sys.ModeHeld(g)
	if err != nil {
		return Result{}, err
	}
	if mode == protocol.ModeEmergency {
		return Result{Skipped: true}, nil
	}

	sessions, err := s.store.SnapshotHeld(g)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	res := Result{Target: s.schedule.StateAt(now), Sessions: len(sessions)}
	all := s.realign.Swap(false)
	var lastSeq uint64
	for _, sess := range sessions {
		if !all && sess.State == res.Target {
			continue
		}
		seq, err := s.sys.NextSeqHeld(g)
		if err != nil {
			return res, err
		}
		lastSeq = seq
		req := &protocol.SyncRequest{LightID: sess.ID, TargetState: res.Target, Seq: seq, Timestamp: now}
		if err := sess.Transport.Send(req); err != nil {
			res.Failed++
			s.log.WithFields(logrus.Fields{
				"light_id": sess.ID,
				"conn_id":  sess.ConnID,
			}).WithError(err).Warn("sync_request not delivered")
			continue
		}
		if err := s.store.MarkSyncPendingHeld(g, sess.ID, res.Target); err != nil {
			return res, err
		}
		res.Sent++
	}

	if res.Sent+res.Failed > 0 {
		if err := s.sys.RecordBroadcastHeld(g, system.Broadcast{
			Seq:     lastSeq,
			Kind:    protocol.KindSyncRequest,
			At:      now,
			Targets: res.Sent + res.Failed,
			Sent:    res.Sent,
			Failed:  res.Failed,
		}); err != nil {
			return res, err
		}
	}
	if err := s.sys.CountHeld(g, func(c *system.Counters) {
		c.SyncOperations++
		c.SyncRequestsSent += uint64(res.Sent)
		c.SyncSendFailures += uint64(res.Failed)
	}); err != nil {
		return res, err
	}
	if err := s.sys.MarkSyncedHeld(g, now); err != nil {
		return res, err
	}
	s.lastCycle.Store(now.UnixNano())

	if res.Sent+res.Failed > 0 {
		s.log.WithFields(logrus.Fields{
			"target":   res.Target,
			"sessions": res.Sessions,
			"sent":     res.Sent,
			"failed":   res.Failed,
		}).Info("sync cycle realigned lights")
	} else {
		s.log.WithField("sessions", res.Sessions).Debug("sync cycle: all lights aligned")
	}
	return res, nil
}
