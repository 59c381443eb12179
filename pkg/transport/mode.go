package transport

// Mode is the currently active transport mode. Exactly one mode is active
// at any time; transitions move one direction through the fallback chain
// except Reset, which returns to ModeDirectLink.
type Mode int

const (
	// ModeDirectLink connects two devices without either hosting an
	// access point.
	ModeDirectLink Mode = iota

	// ModeHostedAccessPoint means this device created a local wireless
	// network others can join.
	ModeHostedAccessPoint

	// ModeJoinedAccessPoint means this device joined another device's
	// hosted network as a client.
	ModeJoinedAccessPoint

	// ModeFailed is terminal: every fallback stage has been exhausted.
	ModeFailed
)

func (m Mode) String() string {
	switch m {
	case ModeDirectLink:
		return "DirectLink"
	case ModeHostedAccessPoint:
		return "HostedAccessPoint"
	case ModeJoinedAccessPoint:
		return "JoinedAccessPoint"
	case ModeFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
