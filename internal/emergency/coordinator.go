// Package emergency forces every light into an override state and holds the
// system there until the override is cleared.
//
// Mode changes NORMAL -> EMERGENCY on Trigger and EMERGENCY -> NORMAL on
// Clear. Triggering again while in EMERGENCY re-sends the override without
// changing the mode.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

// ErrNoReason is returned by Trigger when reason is empty.
var ErrNoReason = errors.New("emergency reason is required")

// maxConcurrentSends bounds the fan-out goroutines of one broadcast.
const maxConcurrentSends = 64

// Result is the outcome of one override broadcast.
type Result struct {
	Seq          uint64              `json:"seq"`
	Reason       string              `json:"reason"`
	State        protocol.LightState `json:"state"`
	TriggeredAt  time.Time           `json:"triggeredAt"`
	Resent       bool                `json:"resent"` // system was already in EMERGENCY
	Targets      []string            `json:"targets"`
	Delivered    []string            `json:"delivered"`
	Failed       map[string]string   `json:"failed,omitempty"` // light id -> error
	Acknowledged []string            `json:"acknowledged"`
}

func (r *Result) clone() *Result {
	c := *r
	c.Targets = slices.Clone(r.Targets)
	c.Delivered = slices.Clone(r.Delivered)
	c.Acknowledged = slices.Clone(r.Acknowledged)
	if r.Failed != nil {
		c.Failed = make(map[string]string, len(r.Failed))
		for k, v := range r.Failed {
			c.Failed[k] = v
		}
	}
	return &c
}

type Coordinator struct {
	locks       *lockorder.Manager
	store       *session.Store
	sys         *system.State
	state       protocol.LightState
	sendTimeout time.Duration
	now         func() time.Time
	log         *logrus.Entry
	onClear     func()

	// Guarded by lockorder.Message.
	last *Result
}

func New(locks *lockorder.Manager, store *session.Store, sys *system.State, state protocol.LightState, sendTimeout time.Duration, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		locks:       locks,
		store:       store,
		sys:         sys,
		state:       state,
		sendTimeout: sendTimeout,
		now:         time.Now,
		log:         log,
	}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// OnClear installs fn to run after the mode returns to NORMAL.
func (c *Coordinator) OnClear(fn func()) { c.onClear = fn }

// Trigger switches the system and every session to EMERGENCY and sends the
// override to each session registered at that moment. System, clients and
// message are held for the whole broadcast, so no registration can slip in
// between the mode change and the snapshot and no sync cycle can interleave.
// Each send waits at most the configured timeout; a failed send is recorded
// and the rest continue.
func (c *Coordinator) Trigger(ctx context.Context, reason string) (*Result, error) {
	if reason == "" {
		return nil, ErrNoReason
	}
	g, err := c.locks.Acquire(ctx,
		lockorder.Exclusive(lockorder.System),
		lockorder.Exclusive(lockorder.Clients),
		lockorder.Exclusive(lockorder.Message),
	)
	if err != nil {
		return nil, fmt.Errorf("trigger emergency: %w", err)
	}
	defer g.Release()

	changed, err := c.sys.SetModeHeld(g, protocol.ModeEmergency)
	if err != nil {
		return nil, err
	}
	if err := c.store.SetModeHeld(g, protocol.ModeEmergency); err != nil {
		return nil, err
	}
	sessions, err := c.store.SnapshotHeld(g)
	if err != nil {
		return nil, err
	}
	seq, err := c.sys.NextSeqHeld(g)
	if err != nil {
		return nil, err
	}

	now := c.now()
	msg := &protocol.EmergencyOverride{Reason: reason, State: c.state, Seq: seq, Timestamp: now}
	errs := make([]error, len(sessions))

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentSends)
	for i, sess := range sessions {
		eg.Go(func() error {
			errs[i] = sess.Transport.SendTimeout(msg, c.sendTimeout)
			return nil
		})
	}
	_ = eg.Wait()

	res := &Result{
		Seq:          seq,
		Reason:       reason,
		State:        c.state,
		TriggeredAt:  now,
		Resent:       !changed,
		Targets:      make([]string, 0, len(sessions)),
		Delivered:    make([]string, 0, len(sessions)),
		Acknowledged: []string{},
	}
	for i, sess := range sessions {
		res.Targets = append(res.Targets, sess.ID)
		if errs[i] != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[sess.ID] = errs[i].Error()
			c.log.WithFields(logrus.Fields{
				"light_id": sess.ID,
				"conn_id":  sess.ConnID,
			}).WithError(errs[i]).Warn("emergency override not delivered")
			continue
		}
		res.Delivered = append(res.Delivered, sess.ID)
	}

	if err := c.sys.RecordBroadcastHeld(g, system.Broadcast{
		Seq:     seq,
		Kind:    protocol.KindEmergencyOverride,
		At:      now,
		Targets: len(res.Targets),
		Sent:    len(res.Delivered),
		Failed:  len(res.Failed),
	}); err != nil {
		return nil, err
	}
	if err := c.sys.CountHeld(g, func(ct *system.Counters) { ct.EmergencyOverrides++ }); err != nil {
		return nil, err
	}
	c.last = res

	c.log.WithFields(logrus.Fields{
		"reason":    reason,
		"seq":       seq,
		"targets":   len(res.Targets),
		"delivered": len(res.Delivered),
		"failed":    len(res.Failed),
		"resent":    res.Resent,
	}).Warn("emergency override broadcast")
	return res.clone(), nil
}

// Clear returns the system and every session to NORMAL. It reports whether
// the mode actually changed; clearing while NORMAL is a no-op.
func (c *Coordinator) Clear(ctx context.Context) (bool, error) {
	g, err := c.locks.Acquire(ctx,
		lockorder.Exclusive(lockorder.System),
		lockorder.Exclusive(lockorder.Clients),
	)
	if err != nil {
		return false, fmt.Errorf("clear emergency: %w", err)
	}
	changed, err := c.sys.SetModeHeld(g, protocol.ModeNormal)
	if err == nil {
		err = c.store.SetModeHeld(g, protocol.ModeNormal)
	}
	g.Release()
	if err != nil {
		return false, err
	}

	if changed {
		c.log.Info("emergency cleared, normal synchronization resumes")
		if c.onClear != nil {
			c.onClear()
		}
	}
	return changed, nil
}

// Acknowledge records that id applied the latest override. It reports false
// when there is no broadcast, id was not delivered to, or it already acked.
func (c *Coordinator) Acknowledge(ctx context.Context, id string) (bool, error) {
	g, err := c.locks.Acquire(ctx, lockorder.Exclusive(lockorder.Message))
	if err != nil {
		return false, fmt.Errorf("acknowledge %s: %w", id, err)
	}
	defer g.Release()

	if c.last == nil || !slices.Contains(c.last.Delivered, id) || slices.Contains(c.last.Acknowledged, id) {
		return false, nil
	}
	c.last.Acknowledged = append(c.last.Acknowledged, id)
	return true, nil
}

// Last returns a copy of the latest broadcast result, or nil.
func (c *Coordinator) Last(ctx context.Context) (*Result, error) {
	g, err := c.locks.Acquire(ctx, lockorder.Shared(lockorder.Message))
	if err != nil {
		return nil, fmt.Errorf("last emergency: %w", err)
	}
	defer g.Release()
	if c.last == nil {
		return nil, nil
	}
	return c.last.clone(), nil
}

// Reset forgets the latest broadcast.
func (c *Coordinator) Reset(ctx context.Context) error {
	g, err := c.locks.Acquire(ctx, lockorder.Exclusive(lockorder.Message))
	if err != nil {
		return err
	}
	c.last = nil
	g.Release()
	return nil
}

// Override builds the message a light registering during EMERGENCY receives,
// based on the latest broadcast. It returns nil if nothing has been broadcast.
func (c *Coordinator) Override(ctx context.Context) (*protocol.EmergencyOverride, error) {
	last, err := c.Last(ctx)
	if err != nil || last == nil {
		return nil, err
	}
	return &protocol.EmergencyOverride{Reason: last.Reason, State: last.State, Seq: last.Seq, Timestamp: last.TriggeredAt}, nil
}
