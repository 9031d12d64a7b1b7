package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/Voinich26/siget-sistema-trafico/internal/dispatch"
	"github.com/Voinich26/siget-sistema-trafico/internal/protocol"
	"github.com/Voinich26/siget-sistema-trafico/internal/session"
	"github.com/Voinich26/siget-sistema-trafico/internal/system"
)

// errNotRegistered is returned for messages naming a light that did not
// register over the connection they arrived on.
var errNotRegistered = fmt.Errorf("light not registered on this connection: %w", session.ErrNotFound)

// router routes dispatched messages to the component that owns each kind.
type router struct {
	srv *Server
	run *run
	log *logrus.Entry
}

func (r *router) Handle(ctx context.Context, env dispatch.Envelope) error {
	c, ok := env.Conn.(*conn)
	if !ok {
		return fmt.Errorf("unexpected transport %T", env.Conn)
	}
	return env.Msg.Accept(&visit{router: r, ctx: ctx, env: env, conn: c})
}

// record is the dispatcher's Recorder: it counts every handled message and
// logs failures at the level their class calls for.
func (r *router) record(ctx context.Context, env dispatch.Envelope, err error) {
	kind := env.Msg.Kind()
	r.srv.metrics.ObserveMessage(kind, err)

	malformed := errors.Is(err, protocol.ErrMalformed)
	notFound := errors.Is(err, session.ErrNotFound)
	if cerr := r.srv.sys.Count(ctx, func(c *system.Counters) {
		c.MessagesProcessed++
		switch {
		case err == nil:
		case malformed:
			c.ProtocolErrors++
		case !notFound:
			c.HandlerErrors++
		}
	}); cerr != nil {
		r.log.WithError(cerr).Warn("counting message failed")
	}
	if err == nil {
		return
	}

	entry := r.log.WithFields(logrus.Fields{
		"conn_id":  env.ConnID,
		"kind":     kind,
		"light_id": protocol.SenderID(env.Msg),
	}).WithError(err)
	switch {
	case notFound:
		entry.Debug("message for unknown light")
	case malformed:
		r.srv.metrics.ProtocolErrors.Inc()
		entry.Warn("protocol error")
	case errors.Is(err, session.ErrCapacity), errors.Is(err, session.ErrDuplicate):
		entry.Warn("registration rejected")
	case errors.Is(err, session.ErrTransportClosed):
		entry.Debug("message arrived after disconnect")
	default:
		entry.Warn("message handling failed")
	}
}

// visit handles one envelope.
type visit struct {
	*router
	ctx  context.Context
	env  dispatch.Envelope
	conn *conn
}

func (v *visit) VisitRegister(m *protocol.Register) error {
	// One light per connection: a second id is dropped and the first kept.
	if owner, ok := v.conn.registered(); ok && owner != m.LightID {
		return &protocol.Error{Kind: protocol.KindRegister, Reason: "connection already carries light " + owner}
	}
	sess, err := v.srv.store.Register(v.ctx, session.Registration{
		ID:           m.LightID,
		Intersection: m.Intersection,
		Position:     m.Position,
		State:        m.State,
		ReportedAt:   m.Timestamp,
		Transport:    v.conn,
	})
	switch {
	case errors.Is(err, session.ErrCapacity):
		v.reject(m.LightID, protocol.RejectCapacity)
		return err
	case errors.Is(err, session.ErrDuplicate):
		v.reject(m.LightID, protocol.RejectDuplicate)
		return err
	case err != nil:
		return err
	}
	v.conn.track(sess.ID)

	if err := v.conn.Send(&protocol.RegistrationConfirmed{
		ClientID:   sess.ID,
		ServerTime: v.srv.now(),
		Mode:       sess.Mode,
	}); err != nil {
		v.log.WithField("light_id", sess.ID).WithError(err).Warn("registration reply not sent")
	}
	v.log.WithFields(logrus.Fields{
		"light_id":     sess.ID,
		"conn_id":      sess.ConnID,
		"intersection": sess.Intersection,
		"state":        sess.State,
	}).Info("light registered")

	if sess.Mode == protocol.ModeEmergency {
		override, err := v.srv.emergency.Override(v.ctx)
		if err != nil {
			return err
		}
		if override != nil {
			if err := v.conn.Send(override); err != nil {
				return fmt.Errorf("override to late registrant %s: %w", sess.ID, err)
			}
		}
	}
	return nil
}

func (v *visit) reject(id, reason string) {
	v.srv.metrics.Rejections.WithLabelValues(reason).Inc()
	if err := v.srv.sys.Count(v.ctx, func(c *system.Counters) { c.Rejections++ }); err != nil {
		v.log.WithError(err).Warn("counting rejection failed")
	}
	if err := v.conn.Send(&protocol.RegistrationRejected{LightID: id, Reason: reason}); err != nil {
		v.log.WithError(err).Debug("rejection reply not sent")
	}
	v.conn.Close()
}

func (v *visit) VisitStateUpdate(m *protocol.StateUpdate) error {
	if !v.conn.owns(m.LightID) {
		return errNotRegistered
	}
	if _, err := v.srv.store.UpdateState(v.ctx, m.LightID, m.State, m.Timestamp); err != nil {
		return err
	}
	if v.run.sync.Due(v.srv.now()) {
		v.run.sync.Trigger()
	}
	return nil
}

func (v *visit) VisitHeartbeat(m *protocol.Heartbeat) error {
	if !v.conn.owns(m.LightID) {
		return errNotRegistered
	}
	return v.srv.store.TouchHeartbeat(v.ctx, m.LightID, m.Timestamp)
}

func (v *visit) VisitSyncComplete(m *protocol.SyncComplete) error {
	if !v.conn.owns(m.LightID) {
		return errNotRegistered
	}
	return v.srv.store.MarkSynced(v.ctx, m.LightID)
}

func (v *visit) VisitEmergencyAck(m *protocol.EmergencyAck) error {
	if !v.conn.owns(m.LightID) {
		return errNotRegistered
	}
	acked, err := v.srv.emergency.Acknowledge(v.ctx, m.LightID)
	if err != nil {
		return err
	}
	v.log.WithFields(logrus.Fields{"light_id": m.LightID, "recorded": acked}).Debug("emergency acknowledged")
	// An ack is also proof of life.
	return v.srv.store.TouchHeartbeat(v.ctx, m.LightID, m.Timestamp)
}

func (v *visit) VisitSyncRequest(m *protocol.SyncRequest) error {
	return serverOnly(m)
}

func (v *visit) VisitEmergencyOverride(m *protocol.EmergencyOverride) error {
	return serverOnly(m)
}

func (v *visit) VisitRegistrationConfirmed(m *protocol.RegistrationConfirmed) error {
	return serverOnly(m)
}

func (v *visit) VisitRegistrationRejected(m *protocol.RegistrationRejected) error {
	return serverOnly(m)
}

func serverOnly(m protocol.Message) error {
	return &protocol.Error{Kind: m.Kind(), Reason: "message is only sent by the server"}
}
