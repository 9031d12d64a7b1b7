// Package dispatch moves decoded messages from connection read loops to the
// handlers that apply them.
//
// The queue is split into one lane per worker. A connection's messages always
// hash to the same lane and each worker handles its lane strictly in order,
// so ordering holds per connection with any number of workers. Nothing is
// ordered across connections.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
)

// ErrStopped is returned by Enqueue once the dispatcher has begun shutting down.
var ErrStopped = errors.New("dispatcher stopped")

// Envelope is one inbound message plus where it came from.
type Envelope struct {
	ConnID   string
	Conn     session.Transport
	Msg      protocol.Message
	Received time.Time
}

// Handler applies one message. It is called from a single worker at a time
// for any given connection.
type Handler interface {
	Handle(ctx context.Context, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) error { return f(ctx, env) }

// Recorder is told about every handled message, after the handler returns.
type Recorder func(ctx context.Context, env Envelope, err error)

type Dispatcher struct {
	lanes    []chan Envelope
	handler  Handler
	recorder Recorder
	log      *logrus.Entry

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a dispatcher with workers lanes sharing queueSize slots.
func New(workers, queueSize int, h Handler, log *logrus.Entry) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	per := queueSize / workers
	if per < 1 {
		per = 1
	}
	d := &Dispatcher{
		lanes:   make([]chan Envelope, workers),
		handler: h,
		log:     log,
		stopped: make(chan struct{}),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan Envelope, per)
	}
	return d
}

// SetRecorder installs fn. Call before Run.
func (d *Dispatcher) SetRecorder(fn Recorder) {
	d.recorder = fn
}

func (d *Dispatcher) lane(connID string) chan Envelope {
	if len(d.lanes) == 1 {
		return d.lanes[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return d.lanes[h.Sum32()%uint32(len(d.lanes))]
}

// Enqueue blocks until the message is queued, ctx is done, or the dispatcher
// stops. A full lane applies backpressure to the reading connection only.
func (d *Dispatcher) Enqueue(ctx context.Context, env Envelope) error {
	select {
	case <-d.stopped:
		return ErrStopped
	default:
	}
	select {
	case d.lane(env.ConnID) <- env:
		return nil
	case <-d.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Depth returns the number of queued, unhandled messages.
func (d *Dispatcher) Depth() int {
	n := 0
	for _, l := range d.lanes {
		n += len(l)
	}
	return n
}

// Workers returns the number of lanes.
func (d *Dispatcher) Workers() int { return len(d.lanes) }

// Run starts one worker per lane and blocks until ctx is cancelled and every
// lane has been drained, or grace has passed since cancellation. Messages
// still queued at the deadline are dropped and counted in the return value.
// Handlers run with a context that stays live through the drain.
func (d *Dispatcher) Run(ctx context.Context, grace time.Duration) int {
	handleCtx, cancelHandle := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandle()

	var wg sync.WaitGroup
	for _, l := range d.lanes {
		wg.Add(1)
		go func(lane chan Envelope) {
			defer wg.Done()
			d.work(ctx, handleCtx, lane)
		}(l)
	}

	<-ctx.Done()
	d.stopOnce.Do(func() { close(d.stopped) })

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		cancelHandle()
		<-done
	}

	dropped := d.Depth()
	if dropped > 0 {
		d.log.WithField("dropped", dropped).Warn("dispatcher grace period elapsed with messages queued")
		for _, l := range d.lanes {
			for len(l) > 0 {
				<-l
			}
		}
	}
	return dropped
}

func (d *Dispatcher) work(ctx, handleCtx context.Context, lane chan Envelope) {
	for {
		if ctx.Err() != nil {
			d.drain(handleCtx, lane)
			return
		}
		select {
		case env := <-lane:
			d.handle(handleCtx, env)
		case <-ctx.Done():
		}
	}
}

// drain empties lane until it is empty or handleCtx is cancelled.
func (d *Dispatcher) drain(handleCtx context.Context, lane chan Envelope) {
	for {
		if handleCtx.Err() != nil {
			return
		}
		select {
		case env := <-lane:
			d.handle(handleCtx, env)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, env Envelope) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		err = d.handler.Handle(ctx, env)
	}()
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"conn_id": env.ConnID,
			"kind":    env.Msg.Kind(),
		}).WithError(err).Debug("message handler failed")
	}
	if d.recorder != nil {
		d.recorder(ctx, env, err)
	}
}
