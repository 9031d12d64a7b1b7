// Package light simulates traffic-light endpoints. A Light connects to the
// coordinator, registers, cycles RED -> GREEN -> YELLOW reporting each
// change, sends heartbeats, and obeys sync and emergency commands.
package light

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
)

// ErrRejected is returned by Run when the coordinator refuses the light.
var ErrRejected = errors.New("registration rejected")

// cycleOrder is the signal sequence every light follows.
var cycleOrder = []protocol.LightState{protocol.Red, protocol.Green, protocol.Yellow}

// DefaultDurations are the phase lengths of a real intersection.
func DefaultDurations() map[protocol.LightState]time.Duration {
	return map[protocol.LightState]time.Duration{
		protocol.Red:    8 * time.Second,
		protocol.Green:  10 * time.Second,
		protocol.Yellow: 3 * time.Second,
	}
}

type Config struct {
	ID                string
	Intersection      string
	Position          *protocol.Position
	Addr              string
	InitialState      protocol.LightState
	Durations         map[protocol.LightState]time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
}

// Snapshot is what a light currently shows.
type Snapshot struct {
	State        protocol.LightState
	Mode         protocol.Mode
	Registered   bool
	Holding      bool // showing an override state, waiting for a sync
	StateChanges int
	Syncs        int
	Overrides    int
}

type Light struct {
	cfg Config
	log *logrus.Entry

	mu   sync.Mutex
	snap Snapshot
}

func New(cfg Config, log *logrus.Entry) *Light {
	if cfg.Durations == nil {
		cfg.Durations = DefaultDurations()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Intersection == "" {
		cfg.Intersection = "Unknown"
	}
	return &Light{
		cfg:  cfg,
		log:  log.WithField("light_id", cfg.ID),
		snap: Snapshot{State: cfg.InitialState},
	}
}

func (l *Light) ID() string { return l.cfg.ID }

func (l *Light) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}

func (l *Light) update(fn func(*Snapshot)) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.snap)
	return l.snap
}

func (l *Light) duration(st protocol.LightState) time.Duration {
	if d, ok := l.cfg.Durations[st]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

func next(st protocol.LightState) protocol.LightState {
	for i, s := range cycleOrder {
		if s == st {
			return cycleOrder[(i+1)%len(cycleOrder)]
		}
	}
	return protocol.Red
}

// Run connects and drives the light until ctx is cancelled (nil error), the
// connection drops, or registration is rejected (ErrRejected).
func (l *Light) Run(ctx context.Context) error {
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.Addr, err)
	}
	defer conn.Close()

	inbox := make(chan protocol.Message, 16)
	readErr := make(chan error, 1)
	go l.readLoop(ctx, conn, inbox, readErr)

	send := func(m protocol.Message) error {
		data, err := protocol.Encode(m)
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(l.cfg.DialTimeout))
		_, err = conn.Write(data)
		return err
	}

	st := l.Snapshot().State
	if err := send(&protocol.Register{
		LightID:      l.cfg.ID,
		Intersection: l.cfg.Intersection,
		Position:     l.cfg.Position,
		State:        &st,
		Timestamp:    time.Now(),
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	phase := time.NewTimer(l.duration(st))
	defer phase.Stop()
	heartbeat := time.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("light stopping")
			return nil

		case err := <-readErr:
			// A rejection is followed by a close; handle what arrived first.
			for len(inbox) > 0 {
				if herr := l.handle(<-inbox, send, phase); herr != nil {
					return herr
				}
			}
			l.update(func(s *Snapshot) { s.Registered = false })
			return fmt.Errorf("connection lost: %w", err)

		case m := <-inbox:
			if err := l.handle(m, send, phase); err != nil {
				return err
			}

		case <-phase.C:
			snap := l.Snapshot()
			if !snap.Holding {
				to := next(snap.State)
				if err := l.change(to, send); err != nil {
					return err
				}
				snap.State = to
			}
			phase.Reset(l.duration(snap.State))

		case <-heartbeat.C:
			if err := send(&protocol.Heartbeat{LightID: l.cfg.ID, Timestamp: time.Now()}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// change switches the signal and reports it.
func (l *Light) change(to protocol.LightState, send func(protocol.Message) error) error {
	prev := l.Snapshot().State
	if prev == to {
		return nil
	}
	l.update(func(s *Snapshot) {
		s.State = to
		s.StateChanges++
	})
	l.log.WithFields(logrus.Fields{"from": prev, "to": to}).Debug("state changed")
	if err := send(&protocol.StateUpdate{LightID: l.cfg.ID, State: to, Timestamp: time.Now()}); err != nil {
		return fmt.Errorf("state update: %w", err)
	}
	return nil
}

func (l *Light) handle(m protocol.Message, send func(protocol.Message) error, phase *time.Timer) error {
	switch m := m.(type) {
	case *protocol.RegistrationConfirmed:
		l.update(func(s *Snapshot) {
			s.Registered = true
			s.Mode = m.Mode
		})
		l.log.WithField("mode", m.Mode).Info("registered")

	case *protocol.RegistrationRejected:
		return fmt.Errorf("%w: %s", ErrRejected, m.Reason)

	case *protocol.SyncRequest:
		if m.LightID != l.cfg.ID {
			return nil
		}
		l.update(func(s *Snapshot) {
			if s.State != m.TargetState {
				s.StateChanges++
			}
			s.State = m.TargetState
			s.Holding = false
			s.Mode = protocol.ModeNormal
			s.Syncs++
		})
		resetTimer(phase, l.duration(m.TargetState))
		l.log.WithFields(logrus.Fields{"target": m.TargetState, "seq": m.Seq}).Info("synchronized")
		return send(&protocol.SyncComplete{LightID: l.cfg.ID, Timestamp: time.Now()})

	case *protocol.EmergencyOverride:
		if err := l.change(m.State, send); err != nil {
			return err
		}
		l.update(func(s *Snapshot) {
			s.Holding = true
			s.Mode = protocol.ModeEmergency
			s.Overrides++
		})
		l.log.WithFields(logrus.Fields{"state": m.State, "reason": m.Reason}).Warn("emergency override")
		return send(&protocol.EmergencyAck{LightID: l.cfg.ID, Timestamp: time.Now()})

	default:
		l.log.WithField("kind", m.Kind()).Debug("ignoring message")
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (l *Light) readLoop(ctx context.Context, conn net.Conn, inbox chan<- protocol.Message, readErr chan<- error) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			readErr <- err
			return
		}
		m, err := protocol.Decode(line)
		if err != nil {
			l.log.WithError(err).Warn("bad message from coordinator")
			continue
		}
		select {
		case inbox <- m:
		case <-ctx.Done():
			return
		}
	}
}
