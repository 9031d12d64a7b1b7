package ws

import (
	"github.com/Voinich26/siget-sistema-trafico/internal/server"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the full coordinator status, sent on connect and
// every snapshot interval.
type SnapshotPayload = server.SystemStatus

// EventPayload is one lifecycle event, pushed as it happens.
type EventPayload = server.Event

type ErrorPayload struct {
	Message string `json:"message"`
}

// EmergencyRequest is the body of POST /api/emergency.
type EmergencyRequest struct {
	Reason string `json:"reason"`
}

// ClearResponse is the body returned by DELETE /api/emergency.
type ClearResponse struct {
	Changed bool `json:"changed"`
}
