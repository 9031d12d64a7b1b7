package session

// EventType classifies registry lifecycle events.
type EventType int

const (
	EventRegistered EventType = iota // new session or re-register on the same connection
	EventRemoved                     // disconnect, protocol failure or shutdown
	EventEvicted                     // heartbeat staleness
)

func (t EventType) String() string {
	switch t {
	case EventRegistered:
		return "registered"
	case EventRemoved:
		return "removed"
	case EventEvicted:
		return "evicted"
	}
	return "unknown"
}

// Event carries a session snapshot to observers.
type Event struct {
	Type      EventType
	Session   Session // copy, safe to retain
	Connected int     // registry size after the event
}
