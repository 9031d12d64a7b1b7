package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LightState is the signal a light is showing.
type LightState int

const (
	Red LightState = iota
	Yellow
	Green
)

var stateNames = map[LightState]string{
	Red:    "RED",
	Yellow: "YELLOW",
	Green:  "GREEN",
}

// ParseLightState accepts the state name in any letter case.
func ParseLightState(s string) (LightState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RED":
		return Red, nil
	case "YELLOW":
		return Yellow, nil
	case "GREEN":
		return Green, nil
	}
	return 0, fmt.Errorf("unknown light state %q", s)
}

// Valid reports whether s is one of the three signal states.
func (s LightState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

func (s LightState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s LightState) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid light state %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *LightState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, err := ParseLightState(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Mode is the system-wide operating mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeEmergency
)

func (m Mode) String() string {
	if m == ModeEmergency {
		return "EMERGENCY"
	}
	return "NORMAL"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch strings.ToUpper(name) {
	case "NORMAL":
		*m = ModeNormal
	case "EMERGENCY":
		*m = ModeEmergency
	default:
		return fmt.Errorf("unknown mode %q", name)
	}
	return nil
}
