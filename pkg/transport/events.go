package transport

// EventType tags a transport provider event.
type EventType int

const (
	// EventPeerReachable fires when a destination becomes reachable.
	EventPeerReachable EventType = iota

	// EventPeerUnreachable fires when a destination stops being reachable.
	EventPeerUnreachable

	// EventMessageReceived fires when an inbound payload arrives.
	EventMessageReceived
)

func (t EventType) String() string {
	switch t {
	case EventPeerReachable:
		return "PeerReachable"
	case EventPeerUnreachable:
		return "PeerUnreachable"
	case EventMessageReceived:
		return "MessageReceived"
	default:
		return "Unknown"
	}
}

// Event is a tagged transport provider event. PeerID identifies the peer
// the event concerns; Payload is set only for EventMessageReceived.
type Event struct {
	Type    EventType
	PeerID  string
	Payload []byte
}
