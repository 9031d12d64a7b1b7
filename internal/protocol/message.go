// Package protocol defines the line-delimited JSON messages exchanged between
// traffic lights and the coordination server.
//
// Message is a closed set: every kind has a concrete type, and code that
// routes messages implements Visitor, so adding a kind forces every router
// to handle it before the build succeeds.
package protocol

import "time"

// Kind is the "type" discriminator on the wire.
type Kind string

const (
	KindRegister              Kind = "register"
	KindStateUpdate           Kind = "state_update"
	KindHeartbeat             Kind = "heartbeat"
	KindSyncRequest           Kind = "sync_request"
	KindSyncComplete          Kind = "sync_complete"
	KindEmergencyOverride     Kind = "emergency_override"
	KindEmergencyAck          Kind = "emergency_ack"
	KindRegistrationConfirmed Kind = "registration_confirmed"
	KindRegistrationRejected  Kind = "registration_rejected"
)

// Rejection reasons carried by RegistrationRejected.
const (
	RejectCapacity    = "capacity"
	RejectDuplicate   = "duplicate"
	RejectRateLimited = "rate_limited"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	Accept(v Visitor) error
	sealed()
}

// Visitor has one method per message kind.
type Visitor interface {
	VisitRegister(*Register) error
	VisitStateUpdate(*StateUpdate) error
	VisitHeartbeat(*Heartbeat) error
	VisitSyncRequest(*SyncRequest) error
	VisitSyncComplete(*SyncComplete) error
	VisitEmergencyOverride(*EmergencyOverride) error
	VisitEmergencyAck(*EmergencyAck) error
	VisitRegistrationConfirmed(*RegistrationConfirmed) error
	VisitRegistrationRejected(*RegistrationRejected) error
}

// Position is an (x, y) map coordinate.
type Position struct {
	X, Y float64
}

// Register announces a light. State is the light's current signal, if sent.
type Register struct {
	LightID      string
	Intersection string
	Position     *Position
	State        *LightState
	Timestamp    time.Time
}

// StateUpdate reports that a light changed its signal.
type StateUpdate struct {
	LightID   string
	State     LightState
	Timestamp time.Time
}

// Heartbeat is the periodic liveness signal.
type Heartbeat struct {
	LightID   string
	Timestamp time.Time
}

// SyncRequest asks a light to switch to TargetState and restart its cycle.
type SyncRequest struct {
	LightID     string
	TargetState LightState
	Seq         uint64
	Timestamp   time.Time
}

// SyncComplete confirms a SyncRequest was applied.
type SyncComplete struct {
	LightID   string
	Timestamp time.Time
}

// EmergencyOverride forces every light to State until normal sync resumes.
type EmergencyOverride struct {
	Reason    string
	State     LightState
	Seq       uint64
	Timestamp time.Time
}

// EmergencyAck confirms an override was applied.
type EmergencyAck struct {
	LightID   string
	Timestamp time.Time
}

// RegistrationConfirmed answers a successful Register.
type RegistrationConfirmed struct {
	ClientID   string
	ServerTime time.Time
	Mode       Mode
}

// RegistrationRejected answers a refused Register or connection.
type RegistrationRejected struct {
	LightID string
	Reason  string
}

func (*Register) Kind() Kind              { return KindRegister }
func (*StateUpdate) Kind() Kind           { return KindStateUpdate }
func (*Heartbeat) Kind() Kind             { return KindHeartbeat }
func (*SyncRequest) Kind() Kind           { return KindSyncRequest }
func (*SyncComplete) Kind() Kind          { return KindSyncComplete }
func (*EmergencyOverride) Kind() Kind     { return KindEmergencyOverride }
func (*EmergencyAck) Kind() Kind          { return KindEmergencyAck }
func (*RegistrationConfirmed) Kind() Kind { return KindRegistrationConfirmed }
func (*RegistrationRejected) Kind() Kind  { return KindRegistrationRejected }

func (m *Register) Accept(v Visitor) error              { return v.VisitRegister(m) }
func (m *StateUpdate) Accept(v Visitor) error           { return v.VisitStateUpdate(m) }
func (m *Heartbeat) Accept(v Visitor) error             { return v.VisitHeartbeat(m) }
func (m *SyncRequest) Accept(v Visitor) error           { return v.VisitSyncRequest(m) }
func (m *SyncComplete) Accept(v Visitor) error          { return v.VisitSyncComplete(m) }
func (m *EmergencyOverride) Accept(v Visitor) error     { return v.VisitEmergencyOverride(m) }
func (m *EmergencyAck) Accept(v Visitor) error          { return v.VisitEmergencyAck(m) }
func (m *RegistrationConfirmed) Accept(v Visitor) error { return v.VisitRegistrationConfirmed(m) }
func (m *RegistrationRejected) Accept(v Visitor) error  { return v.VisitRegistrationRejected(m) }

func (*Register) sealed()              {}
func (*StateUpdate) sealed()           {}
func (*Heartbeat) sealed()             {}
func (*SyncRequest) sealed()           {}
func (*SyncComplete) sealed()          {}
func (*EmergencyOverride) sealed()     {}
func (*EmergencyAck) sealed()          {}
func (*RegistrationConfirmed) sealed() {}
func (*RegistrationRejected) sealed()  {}

// SenderID returns the light id a client message names, or "" for
// server-originated kinds.
func SenderID(m Message) string {
	switch m := m.(type) {
	case *Register:
		return m.LightID
	case *StateUpdate:
		return m.LightID
	case *Heartbeat:
		return m.LightID
	case *SyncComplete:
		return m.LightID
	case *EmergencyAck:
		return m.LightID
	}
	return ""
}
