// Package server owns one coordinator instance: the TCP acceptor, the
// per-connection handling units, and the background components (dispatcher,
// synchronizer, heartbeat monitor) that run while it is started.
//
// A Server can be started and stopped repeatedly. Every Start binds a fresh
// listener and begins with an empty registry and zeroed counters.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Voinich26/siget-sistema-trafico/internal/config"
	"github.com/Voinich26/siget-sistema-trafico/internal/dispatch"
	"github.com/Voinich26/siget-sistema-trafico/internal/emergency"
	"github.com/Voinich26/siget-sistema-trafico/internal/lockorder"
	"github.com/Voinich26/siget-sistema-trafico/internal/logging"
	"github.com/Voinich26/siget-sistema-trafico/internal/metrics"
	"github.com/Voinich26/siget-sistema-trafico/internal/monitor"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/resync"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

var (
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Metrics

	locks     *lockorder.Manager
	store     *session.Store
	sys       *system.State
	emergency *emergency.Coordinator
	monitor   *monitor.HeartbeatMonitor
	process   *monitor.ProcessSampler
	now       func() time.Time

	events atomic.Pointer[func(Event)]

	// mu serializes Start and Stop. current is read without it.
	mu      sync.Mutex
	current atomic.Pointer[run]
	addr    atomic.Value // string, last bound address
}

// run is the state of one Start..Stop interval.
type run struct {
	startedAt  time.Time
	listener   net.Listener
	cancel     context.CancelFunc
	group      *errgroup.Group
	dispatcher *dispatch.Dispatcher
	sync       *resync.Synchronizer
	limiter    *rate.Limiter
	drained    chan struct{} // closed when the dispatcher has finished draining

	// Handling units run on unitCtx, which outlives the dispatcher drain so
	// queued messages still find their sessions.
	unitCtx   context.Context
	stopUnits context.CancelFunc
	units     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]*conn
}

// New wires the coordinator components. Nothing runs until Start.
func New(cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) (*Server, error) {
	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	overrideState, err := cfg.EmergencyState()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}

	locks := lockorder.NewManager(cfg.Locks.AcquireTimeout)
	locks.SetObserver(m.ObserveLock)
	store := session.NewStore(locks, cfg.Server.MaxSessions)
	sys := system.New(locks)

	s := &Server{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		locks:     locks,
		store:     store,
		sys:       sys,
		emergency: emergency.New(locks, store, sys, overrideState, cfg.Emergency.SendTimeout, logging.Component(log, "emergency")),
		monitor:   monitor.NewHeartbeatMonitor(store, sys, cfg.Heartbeat.CheckInterval, cfg.Heartbeat.StaleAfter, logging.Component(log, "heartbeat")),
		now:       time.Now,
	}
	s.addr.Store(cfg.Server.Addr())

	if p, err := monitor.NewProcessSampler(); err != nil {
		log.WithError(err).Warn("process sampling unavailable")
	} else {
		s.process = p
	}

	store.SetObserver(s.onSessionEvent)
	s.monitor.SetStats(s.statsFields)
	s.emergency.OnClear(func() {
		m.SetMode(protocol.ModeNormal)
		if r := s.current.Load(); r != nil {
			r.sync.Realign()
		}
		s.emit(Event{Type: EventEmergencyCleared, At: s.now()})
	})
	return s, nil
}

// SetEventHook installs fn to receive lifecycle events. It is called on the
// goroutine that caused the event and must not block.
func (s *Server) SetEventHook(fn func(Event)) {
	if fn == nil {
		s.events.Store(nil)
		return
	}
	s.events.Store(&fn)
}

func (s *Server) emit(ev Event) {
	if fn := s.events.Load(); fn != nil {
		(*fn)(ev)
	}
}

func (s *Server) onSessionEvent(ev session.Event) {
	s.metrics.ObserveSession(ev)
	var typ EventType
	switch ev.Type {
	case session.EventRegistered:
		typ = EventRegistered
	case session.EventRemoved:
		typ = EventRemoved
	case session.EventEvicted:
		typ = EventEvicted
	}
	s.emit(Event{Type: typ, LightID: ev.Session.ID, At: s.now()})
}

// Running reports whether the server is between Start and Stop.
func (s *Server) Running() bool { return s.current.Load() != nil }

// Addr is the address the listener is, or was last, bound to.
func (s *Server) Addr() string { return s.addr.Load().(string) }

// Locks exposes the lock manager for instrumentation.
func (s *Server) Locks() *lockorder.Manager { return s.locks }

// Store exposes the session registry.
func (s *Server) Store() *session.Store { return s.store }

// Start binds the listener and launches the background units. A bind
// failure is returned and nothing is left running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Load() != nil {
		return ErrAlreadyRunning
	}

	ctx := context.Background()
	if err := s.sys.Reset(ctx); err != nil {
		return err
	}
	if err := s.emergency.Reset(ctx); err != nil {
		return err
	}
	s.metrics.SetMode(protocol.ModeNormal)

	now := s.now()
	schedule, err := resync.NewSchedule(now, s.cfg.Sync.Durations.ByState())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Server.Addr(), err)
	}
	s.addr.Store(ln.Addr().String())

	runCtx, cancel := context.WithCancel(ctx)
	unitCtx, stopUnits := context.WithCancel(ctx)
	r := &run{
		startedAt: now,
		listener:  ln,
		cancel:    cancel,
		sync:      resync.New(s.locks, s.store, s.sys, schedule, s.cfg.Sync.Interval, logging.Component(s.log, "sync")),
		limiter:   rate.NewLimiter(rate.Limit(s.cfg.Server.AcceptRate), s.cfg.Server.AcceptBurst),
		conns:     make(map[string]*conn),
		drained:   make(chan struct{}),
		unitCtx:   unitCtx,
		stopUnits: stopUnits,
	}
	r.sync.OnCycle(s.metrics.ObserveSync)

	rt := &router{srv: s, run: r, log: logging.Component(s.log, "dispatch")}
	r.dispatcher = dispatch.New(s.cfg.Dispatcher.Workers, s.cfg.Dispatcher.QueueSize, rt, logging.Component(s.log, "dispatch"))
	r.dispatcher.SetRecorder(rt.record)

	g, gctx := errgroup.WithContext(runCtx)
	r.group = g
	g.Go(func() error { return s.accept(gctx, r) })
	g.Go(func() error {
		defer close(r.drained)
		if dropped := r.dispatcher.Run(gctx, s.cfg.Server.ShutdownGrace); dropped > 0 {
			s.log.WithField("dropped", dropped).Warn("messages dropped at shutdown")
		}
		return nil
	})
	g.Go(func() error {
		r.sync.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.monitor.Run(gctx)
		return nil
	})

	s.current.Store(r)
	s.log.WithFields(logrus.Fields{
		"addr":         ln.Addr().String(),
		"max_sessions": s.store.Capacity(),
		"workers":      r.dispatcher.Workers(),
	}).Info("coordination server started")
	return nil
}

// Stop closes the listener and lets the dispatcher drain for the shutdown
// grace while connections stay up. It then wakes every handling unit and
// force-closes connections still open after a second grace. The registry is
// empty when Stop returns.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.current.Load()
	if r == nil {
		return ErrNotRunning
	}
	s.current.Store(nil)
	s.log.Info("coordination server stopping")

	r.cancel()
	r.listener.Close()
	<-r.drained

	r.stopUnits()
	for _, c := range r.snapshotConns() {
		c.netConn.SetReadDeadline(time.Now())
	}

	unitsDone := make(chan struct{})
	go func() {
		r.units.Wait()
		close(unitsDone)
	}()
	select {
	case <-unitsDone:
	case <-time.After(s.cfg.Server.ShutdownGrace):
		s.log.Warn("handling units still running after grace, forcing connections closed")
		for _, c := range r.snapshotConns() {
			c.abort()
		}
		<-unitsDone
	}

	err := r.group.Wait()
	if _, rerr := s.store.Reset(context.Background()); rerr != nil {
		err = errors.Join(err, rerr)
	}
	s.log.Info("coordination server stopped")
	return err
}

func (r *run) addConn(c *conn) {
	r.connsMu.Lock()
	r.conns[c.id] = c
	r.connsMu.Unlock()
}

func (r *run) removeConn(c *conn) {
	r.connsMu.Lock()
	delete(r.conns, c.id)
	r.connsMu.Unlock()
}

func (r *run) snapshotConns() []*conn {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// TriggerEmergency broadcasts the override to every registered light.
func (s *Server) TriggerEmergency(ctx context.Context, reason string) (*emergency.Result, error) {
	if !s.Running() {
		return nil, ErrNotRunning
	}
	res, err := s.emergency.Trigger(ctx, reason)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveEmergency(len(res.Delivered), len(res.Failed))
	s.emit(Event{Type: EventEmergency, Emergency: res, At: res.TriggeredAt})
	return res, nil
}

// ClearEmergency returns to NORMAL. It reports whether the mode changed.
func (s *Server) ClearEmergency(ctx context.Context) (bool, error) {
	if !s.Running() {
		return false, ErrNotRunning
	}
	return s.emergency.Clear(ctx)
}

// SyncNow runs one synchronizer cycle immediately.
func (s *Server) SyncNow(ctx context.Context) (resync.Result, error) {
	r := s.current.Load()
	if r == nil {
		return resync.Result{}, ErrNotRunning
	}
	return r.sync.Cycle(ctx)
}
