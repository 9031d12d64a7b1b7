// Package monitor runs the coordinator's liveness checks: the heartbeat
// monitor that evicts silent lights, and a sampler for the server process's
// own resource use.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

// failedAfter is the number of consecutive failed cycles that marks the
// monitor failed in its health report.
const failedAfter = 3

// StatsFunc returns a log line's worth of fields describing the system. It is
// logged once per heartbeat cycle.
type StatsFunc func(ctx context.Context) logrus.Fields

// HeartbeatMonitor evicts sessions whose last heartbeat is older than the
// staleness threshold. It runs independently of the synchronizer.
type HeartbeatMonitor struct {
	store     *session.Store
	sys       *system.State
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	log       *logrus.Entry
	health    *cycleHealth

	stats StatsFunc
}

func NewHeartbeatMonitor(store *session.Store, sys *system.State, interval, threshold time.Duration, log *logrus.Entry) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:     store,
		sys:       sys,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		log:       log,
		health:    newCycleHealth(failedAfter),
	}
}

// SetClock replaces the time source. Call before Run.
func (m *HeartbeatMonitor) SetClock(now func() time.Time) { m.now = now }

// SetStats installs the per-cycle statistics logger.
func (m *HeartbeatMonitor) SetStats(fn StatsFunc) { m.stats = fn }

// Threshold returns the staleness threshold.
func (m *HeartbeatMonitor) Threshold() time.Duration { return m.threshold }

// Health reports how recent cycles went.
func (m *HeartbeatMonitor) Health() Health { return m.health.snapshot() }

// Run checks every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.WithFields(logrus.Fields{
		"interval":  m.interval,
		"threshold": m.threshold,
	}).Info("heartbeat monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.log.WithError(err).Warn("heartbeat check failed")
			}
			if m.stats != nil && ctx.Err() == nil {
				m.log.WithFields(m.stats(ctx)).Info("system stats")
			}
		}
	}
}

// Check runs one cycle and returns the evicted sessions. Candidates come
// from a snapshot; each one is then re-checked under the registry's
// exclusive lock, so a heartbeat that lands in between keeps the session.
func (m *HeartbeatMonitor) Check(ctx context.Context) ([]session.Session, error) {
	sessions, err := m.store.Snapshot(ctx)
	if err != nil {
		m.health.recordFailure(m.now(), err)
		return nil, err
	}

	now := m.now()
	var evicted []session.Session
	var errs []error
	for _, sess := range sessions {
		if !sess.Stale(now, m.threshold) {
			continue
		}
		removed, err := m.store.RemoveIfStale(ctx, sess.ID, now, m.threshold)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !removed {
			m.log.WithField("light_id", sess.ID).Debug("session became live before eviction")
			continue
		}
		evicted = append(evicted, sess)
		m.log.WithFields(logrus.Fields{
			"light_id": sess.ID,
			"conn_id":  sess.ConnID,
			"idle":     sess.Idle(now).Round(time.Millisecond),
		}).Warn("evicted stale session")
	}

	if len(evicted) > 0 {
		n := uint64(len(evicted))
		if err := m.sys.Count(ctx, func(c *system.Counters) { c.Evictions += n }); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.health.recordFailure(now, err)
		return evicted, err
	}
	m.health.recordSuccess(now)
	return evicted, nil
}
