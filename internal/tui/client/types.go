// Package client provides WebSocket and HTTP clients for the SIGET management
// API. Types mirror the wire JSON without importing server packages, so the
// console can be built and shipped on its own.
package client

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgError    MessageType = "error"
)

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const (
	ModeNormal    = "NORMAL"
	ModeEmergency = "EMERGENCY"
)

const (
	StateRed    = "RED"
	StateYellow = "YELLOW"
	StateGreen  = "GREEN"
)

type Position struct {
	X, Y float64
}

// Light mirrors session.Session.
type Light struct {
	ID            string    `json:"id"`
	ConnID        string    `json:"connId"`
	Intersection  string    `json:"intersection"`
	Position      *Position `json:"position,omitempty"`
	State         string    `json:"state"`
	Mode          string    `json:"mode"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ReportedAt    time.Time `json:"reportedAt,omitempty"`
	StateChanges  int       `json:"stateChanges"`
	PendingSync   *string   `json:"pendingSync,omitempty"`
	LastSync      time.Time `json:"lastSync,omitempty"`
}

type Counters struct {
	MessagesProcessed  uint64 `json:"messagesProcessed"`
	ProtocolErrors     uint64 `json:"protocolErrors"`
	HandlerErrors      uint64 `json:"handlerErrors"`
	SyncOperations     uint64 `json:"syncOperations"`
	SyncRequestsSent   uint64 `json:"syncRequestsSent"`
	SyncSendFailures   uint64 `json:"syncSendFailures"`
	Evictions          uint64 `json:"evictions"`
	EmergencyOverrides uint64 `json:"emergencyOverrides"`
	Rejections         uint64 `json:"rejections"`
	ConnectionsTotal   uint64 `json:"connectionsTotal"`
}

type Broadcast struct {
	Seq     uint64    `json:"seq"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Targets int       `json:"targets"`
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
}

type Canonical struct {
	State     string  `json:"state"`
	Remaining float64 `json:"remainingSeconds"`
	Phases    []Phase `json:"phases"`
}

type Phase struct {
	State   string  `json:"state"`
	Seconds float64 `json:"seconds"`
}

// EmergencyResult mirrors emergency.Result.
type EmergencyResult struct {
	Seq          uint64            `json:"seq"`
	Reason       string            `json:"reason"`
	State        string            `json:"state"`
	TriggeredAt  time.Time         `json:"triggeredAt"`
	Resent       bool              `json:"resent"`
	Targets      []string          `json:"targets"`
	Delivered    []string          `json:"delivered"`
	Failed       map[string]string `json:"failed,omitempty"`
	Acknowledged []string          `json:"acknowledged"`
}

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

type Process struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Goroutines int       `json:"goroutines"`
	NumFDs     int32     `json:"numFds,omitempty"`
	StartTime  time.Time `json:"startTime"`
	SampledAt  time.Time `json:"sampledAt"`
}

// Status mirrors server.SystemStatus.
type Status struct {
	Running   bool      `json:"running"`
	Addr      string    `json:"addr"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	Uptime    float64   `json:"uptimeSeconds"`

	Connected int     `json:"connected"`
	Capacity  int     `json:"capacity"`
	Lights    []Light `json:"sessions"`

	Counters      Counters   `json:"counters"`
	LastSync      time.Time  `json:"lastSync,omitempty"`
	LastBroadcast *Broadcast `json:"lastBroadcast,omitempty"`
	Canonical     *Canonical `json:"canonical,omitempty"`

	OrderedAcquisitions uint64   `json:"orderedAcquisitions"`
	HeldResources       []string `json:"heldResources"`
	QueueDepth          int      `json:"queueDepth"`
	Workers             int      `json:"workers"`

	Emergency  *EmergencyResult `json:"emergency,omitempty"`
	Heartbeat  Health           `json:"heartbeat"`
	StaleAfter float64          `json:"staleAfterSeconds"`
	Process    *Process         `json:"process,omitempty"`
}

type EventType string

const (
	EventRegistered       EventType = "registered"
	EventRemoved          EventType = "removed"
	EventEvicted          EventType = "evicted"
	EventEmergency        EventType = "emergency"
	EventEmergencyCleared EventType = "emergency_cleared"
)

// Event mirrors server.Event.
type Event struct {
	Type      EventType        `json:"type"`
	LightID   string           `json:"lightId,omitempty"`
	Emergency *EmergencyResult `json:"emergency,omitempty"`
	At        time.Time        `json:"at"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ClearResponse struct {
	Changed bool `json:"changed"`
}
