package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed message")

// Error describes why one inbound line was rejected. The connection that sent
// it stays usable.
type Error struct {
	Kind   Kind // empty when the type field itself was missing or unknown
	Reason string
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return ErrMalformed }

func malformed(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: fmt.Sprintf(format, args...)}
}

// wire is the flat JSON object every message travels as.
type wire struct {
	Type         Kind        `json:"type"`
	LightID      string      `json:"light_id,omitempty"`
	State        *LightState `json:"state,omitempty"`
	TargetState  *LightState `json:"target_state,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	Intersection string      `json:"intersection,omitempty"`
	Position     []float64   `json:"position,omitempty"`
	Timestamp    *float64    `json:"timestamp,omitempty"`
	Seq          uint64      `json:"seq,omitempty"`
	ClientID     string      `json:"client_id,omitempty"`
	ServerTime   *float64    `json:"server_time,omitempty"`
	Mode         *Mode       `json:"mode,omitempty"`
}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func stamp(t time.Time) *float64 {
	if t.IsZero() {
		return nil
	}
	v := UnixSeconds(t)
	return &v
}

func unstamp(v *float64) time.Time {
	if v == nil {
		return time.Time{}
	}
	return FromUnixSeconds(*v)
}

// Decode parses one line. Unknown fields are ignored; missing required fields,
// unknown kinds and invalid state names yield an *Error.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, malformed("", "empty line")
	}
	var w wire
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, malformed("", "invalid json: %v", err)
	}

	switch w.Type {
	case KindRegister:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		m := &Register{
			LightID:      w.LightID,
			Intersection: w.Intersection,
			State:        w.State,
			Timestamp:    unstamp(w.Timestamp),
		}
		if len(w.Position) > 0 {
			if len(w.Position) != 2 {
				return nil, malformed(w.Type, "position must be [x, y]")
			}
			m.Position = &Position{X: w.Position[0], Y: w.Position[1]}
		}
		return m, nil

	case KindStateUpdate:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		if w.State == nil {
			return nil, malformed(w.Type, "missing state")
		}
		if w.Timestamp == nil {
			return nil, malformed(w.Type, "missing timestamp")
		}
		return &StateUpdate{LightID: w.LightID, State: *w.State, Timestamp: unstamp(w.Timestamp)}, nil

	case KindHeartbeat:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		if w.Timestamp == nil {
			return nil, malformed(w.Type, "missing timestamp")
		}
		return &Heartbeat{LightID: w.LightID, Timestamp: unstamp(w.Timestamp)}, nil

	case KindSyncRequest:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		if w.TargetState == nil {
			return nil, malformed(w.Type, "missing target_state")
		}
		return &SyncRequest{LightID: w.LightID, TargetState: *w.TargetState, Seq: w.Seq, Timestamp: unstamp(w.Timestamp)}, nil

	case KindSyncComplete:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		return &SyncComplete{LightID: w.LightID, Timestamp: unstamp(w.Timestamp)}, nil

	case KindEmergencyOverride:
		if w.Reason == "" {
			return nil, malformed(w.Type, "missing reason")
		}
		m := &EmergencyOverride{Reason: w.Reason, State: Red, Seq: w.Seq, Timestamp: unstamp(w.Timestamp)}
		if w.State != nil {
			m.State = *w.State
		}
		return m, nil

	case KindEmergencyAck:
		if w.LightID == "" {
			return nil, malformed(w.Type, "missing light_id")
		}
		return &EmergencyAck{LightID: w.LightID, Timestamp: unstamp(w.Timestamp)}, nil

	case KindRegistrationConfirmed:
		m := &RegistrationConfirmed{ClientID: w.ClientID, ServerTime: unstamp(w.ServerTime)}
		if w.Mode != nil {
			m.Mode = *w.Mode
		}
		return m, nil

	case KindRegistrationRejected:
		if w.Reason == "" {
			return nil, malformed(w.Type, "missing reason")
		}
		return &RegistrationRejected{LightID: w.LightID, Reason: w.Reason}, nil

	case "":
		return nil, malformed("", "missing type")
	}
	return nil, malformed("", "unknown type %q", strings.ToValidUTF8(string(w.Type), "?"))
}

// Encode renders m as one newline-terminated JSON line.
func Encode(m Message) ([]byte, error) {
	var w wire
	w.Type = m.Kind()
	switch m := m.(type) {
	case *Register:
		w.LightID = m.LightID
		w.Intersection = m.Intersection
		w.State = m.State
		w.Timestamp = stamp(m.Timestamp)
		if m.Position != nil {
			w.Position = []float64{m.Position.X, m.Position.Y}
		}
	case *StateUpdate:
		w.LightID = m.LightID
		w.State = &m.State
		w.Timestamp = stamp(m.Timestamp)
	case *Heartbeat:
		w.LightID = m.LightID
		w.Timestamp = stamp(m.Timestamp)
	case *SyncRequest:
		w.LightID = m.LightID
		w.TargetState = &m.TargetState
		w.Seq = m.Seq
		w.Timestamp = stamp(m.Timestamp)
	case *SyncComplete:
		w.LightID = m.LightID
		w.Timestamp = stamp(m.Timestamp)
	case *EmergencyOverride:
		w.Reason = m.Reason
		w.State = &m.State
		w.Seq = m.Seq
		w.Timestamp = stamp(m.Timestamp)
	case *EmergencyAck:
		w.LightID = m.LightID
		w.Timestamp = stamp(m.Timestamp)
	case *RegistrationConfirmed:
		w.ClientID = m.ClientID
		w.ServerTime = stamp(m.ServerTime)
		w.Mode = &m.Mode
	case *RegistrationRejected:
		w.LightID = m.LightID
		w.Reason = m.Reason
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return append(b, '\n'), nil
}
