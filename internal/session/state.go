package session

import "cobrazap/internal/channel"

// State of one tenant's connection.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateInitializing  State = "initializing"
	StateAwaitingScan  State = "awaiting_scan"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateErrorQR       State = "error_qr"
	StateDeviceOffline State = "device_offline"
	StateError         State = "error"
)

// Reduce maps an incoming channel event onto the next session state.
//
// It is a pure function so the whole transition table is testable without a
// real connection. Events that make no sense for the current state (e.g. a
// stale QR after the session already connected) leave the state unchanged.
func Reduce(cur State, ev channel.Event) State {
	switch ev.Kind {
	case channel.EventQRIssued:
		if cur == StateInitializing || cur == StateAwaitingScan {
			return StateAwaitingScan
		}
		return cur
	case channel.EventScanAccepted:
		if cur == StateInitializing || cur == StateAwaitingScan {
			return StateConnecting
		}
		return cur
	case channel.EventScanFailed:
		return StateErrorQR
	case channel.EventLoggedIn:
		return StateConnected
	case channel.EventDeviceOffline:
		if cur == StateConnected {
			return StateDeviceOffline
		}
		return cur
	case channel.EventClosed:
		return StateDisconnected
	case channel.EventFatal:
		return StateError
	default:
		return cur
	}
}

// showsQR reports whether the pairing payload may be exposed in this state.
// Everywhere else the payload must read as absent so stale credentials never
// leak past a scan.
func showsQR(s State) bool {
	return s == StateInitializing || s == StateAwaitingScan
}
