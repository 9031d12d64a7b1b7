package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Voinich26/siget-sistema-trafico/internal/dispatch"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

// acceptBackoff is the pause after a failed Accept that was not caused by
// the listener closing.
const acceptBackoff = 50 * time.Millisecond

// releaseTimeout bounds session cleanup when lock waits are unbounded.
const releaseTimeout = 5 * time.Second

// accept runs until the listener is closed. Each accepted connection gets
// its own handling unit.
func (s *Server) accept(ctx context.Context, r *run) error {
	log := s.log.WithField("component", "acceptor")
	for {
		nc, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptBackoff):
			}
			continue
		}

		c := newConn(uuid.NewString(), nc, s.cfg.Server.SendBuffer, s.cfg.Server.WriteTimeout, log)
		if err := s.sys.Count(ctx, func(ct *system.Counters) { ct.ConnectionsTotal++ }); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("counting connection failed")
		}

		if !r.limiter.Allow() {
			s.refuse(ctx, c, protocol.RejectRateLimited)
			continue
		}
		full, err := s.store.Full(ctx)
		if err != nil {
			c.log.WithError(err).Warn("capacity check failed")
			c.abort()
			continue
		}
		if full {
			s.refuse(ctx, c, protocol.RejectCapacity)
			continue
		}

		c.log.Debug("connection accepted")
		r.addConn(c)
		r.units.Add(1)
		go func() {
			defer r.units.Done()
			defer r.removeConn(c)
			s.serve(r.unitCtx, r, c)
		}()
	}
}

// refuse replies registration_rejected and closes c.
func (s *Server) refuse(ctx context.Context, c *conn, reason string) {
	s.metrics.Rejections.WithLabelValues(reason).Inc()
	if err := s.sys.Count(ctx, func(ct *system.Counters) { ct.Rejections++ }); err != nil && ctx.Err() == nil {
		c.log.WithError(err).Warn("counting rejection failed")
	}
	if err := c.Send(&protocol.RegistrationRejected{Reason: reason}); err != nil {
		c.log.WithError(err).Debug("rejection reply not sent")
	}
	c.Close()
	c.log.WithField("reason", reason).Warn("connection refused")
}

// serve is one handling unit. It reads lines until the peer disconnects,
// the read-timeout tolerance is exceeded or the server stops, then closes
// the transport and removes every session it registered.
func (s *Server) serve(ctx context.Context, r *run, c *conn) {
	defer s.release(c)

	lr := newLineReader(bufio.NewReader(c.netConn), s.cfg.Server.MaxLineBytes)
	timeouts := 0
	for {
		if ctx.Err() != nil || c.Closed() {
			return
		}
		if s.cfg.Server.ReadTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(s.cfg.Server.ReadTimeout))
		}

		line, err := lr.next()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, errLineTooLong):
				s.protocolError(ctx, c, err)
				continue
			case errors.As(err, &ne) && ne.Timeout():
				if ctx.Err() != nil {
					return
				}
				timeouts++
				if timeouts > s.cfg.Server.ReadTimeoutTolerance {
					c.log.WithField("timeouts", timeouts).Warn("read timeout tolerance exceeded, closing")
					return
				}
				continue
			default:
				c.log.WithError(err).Info("connection ended")
				return
			}
		}
		timeouts = 0
		if len(line) == 0 {
			continue
		}

		msg, err := protocol.Decode(line)
		if err != nil {
			s.protocolError(ctx, c, err)
			continue
		}
		if err := r.dispatcher.Enqueue(ctx, dispatch.Envelope{
			ConnID:   c.id,
			Conn:     c,
			Msg:      msg,
			Received: s.now(),
		}); err != nil {
			if errors.Is(err, dispatch.ErrStopped) && ctx.Err() == nil {
				// Shutting down: the dispatcher finishes what it holds and
				// this unit waits to be woken.
				c.log.WithField("kind", msg.Kind()).Debug("message arrived during shutdown, dropped")
				continue
			}
			c.log.WithError(err).Debug("dispatcher not accepting, closing")
			return
		}
	}
}

func (s *Server) protocolError(ctx context.Context, c *conn, err error) {
	s.metrics.ProtocolErrors.Inc()
	if cerr := s.sys.Count(ctx, func(ct *system.Counters) { ct.ProtocolErrors++ }); cerr != nil && ctx.Err() == nil {
		c.log.WithError(cerr).Warn("counting protocol error failed")
	}
	c.log.WithError(err).Warn("protocol error")
}

// release closes c and drops the session it owns. It runs on a fresh
// context because the run context is already cancelled during shutdown.
func (s *Server) release(c *conn) {
	c.Close()
	timeout := s.cfg.Locks.AcquireTimeout
	if timeout <= 0 {
		timeout = releaseTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	id, ok := c.registered()
	if !ok {
		return
	}
	removed, err := s.store.RemoveOwned(ctx, id, c)
	if err != nil {
		c.log.WithField("light_id", id).WithError(err).Warn("removing session failed")
		return
	}
	if removed {
		c.log.WithField("light_id", id).Info("light disconnected")
	}
}
