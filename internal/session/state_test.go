package session

import (
	"testing"

	"cobrazap/internal/channel"
)

func TestReduce(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cur  State
		ev   channel.EventKind
		want State
	}{
		{"qr while initializing", StateInitializing, channel.EventQRIssued, StateAwaitingScan},
		{"qr refresh while awaiting", StateAwaitingScan, channel.EventQRIssued, StateAwaitingScan},
		{"stale qr after connect ignored", StateConnected, channel.EventQRIssued, StateConnected},
		{"stale qr while disconnected ignored", StateDisconnected, channel.EventQRIssued, StateDisconnected},
		{"scan accepted", StateAwaitingScan, channel.EventScanAccepted, StateConnecting},
		{"scan accepted while initializing", StateInitializing, channel.EventScanAccepted, StateConnecting},
		{"scan accepted after connect ignored", StateConnected, channel.EventScanAccepted, StateConnected},
		{"scan failed", StateAwaitingScan, channel.EventScanFailed, StateErrorQR},
		{"logged in from connecting", StateConnecting, channel.EventLoggedIn, StateConnected},
		{"logged in straight from initializing", StateInitializing, channel.EventLoggedIn, StateConnected},
		{"device offline while connected", StateConnected, channel.EventDeviceOffline, StateDeviceOffline},
		{"device offline before connect ignored", StateAwaitingScan, channel.EventDeviceOffline, StateAwaitingScan},
		{"closed", StateConnected, channel.EventClosed, StateDisconnected},
		{"closed while awaiting", StateAwaitingScan, channel.EventClosed, StateDisconnected},
		{"fatal", StateConnecting, channel.EventFatal, StateError},
		{"unknown event is a no-op", StateConnected, channel.EventKind("bogus"), StateConnected},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Reduce(tc.cur, channel.Event{Kind: tc.ev})
			if got != tc.want {
				t.Fatalf("Reduce(%s, %s) = %s, want %s", tc.cur, tc.ev, got, tc.want)
			}
		})
	}
}

func TestShowsQROnlyDuringPairing(t *testing.T) {
	t.Parallel()

	visible := map[State]bool{
		StateInitializing: true,
		StateAwaitingScan: true,
	}
	all := []State{
		StateDisconnected, StateInitializing, StateAwaitingScan, StateConnecting,
		StateConnected, StateErrorQR, StateDeviceOffline, StateError,
	}
	for _, s := range all {
		if got := showsQR(s); got != visible[s] {
			t.Fatalf("showsQR(%s) = %v, want %v", s, got, visible[s])
		}
	}
}
