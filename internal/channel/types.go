// Package channel abstracts the outbound messaging network.
//
// The session subsystem never talks to a concrete messaging library; it
// consumes a Factory that dials one tenant's connection and a Client handle
// that sends text and emits lifecycle events. The WhatsApp implementation
// lives in channel/whatsapp; tests use in-memory fakes.
package channel

import "context"

type EventKind string

const (
	// EventQRIssued carries a fresh scannable pairing payload.
	EventQRIssued EventKind = "qr_issued"
	// EventScanAccepted: the pairing payload was scanned successfully.
	EventScanAccepted EventKind = "scan_accepted"
	// EventScanFailed: pairing was rejected or timed out.
	EventScanFailed EventKind = "scan_failed"
	// EventLoggedIn: the session is established and can send.
	EventLoggedIn EventKind = "logged_in"
	// EventDeviceOffline: the paired device dropped off the network.
	EventDeviceOffline EventKind = "device_offline"
	// EventClosed: the underlying connection is gone for good.
	EventClosed EventKind = "closed"
	// EventFatal: unrecoverable transport error.
	EventFatal EventKind = "fatal"
)

// Event is an asynchronous signal from the underlying connection.
type Event struct {
	Kind EventKind
	QR   string // set only for EventQRIssued
	Err  error  // set for EventScanFailed/EventFatal
}

// Client is one tenant's live connection handle.
//
// A Client is exclusively owned by that tenant's session entry and is never
// shared. Events() is closed when the connection terminates.
type Client interface {
	Send(ctx context.Context, address, text string) error
	Events() <-chan Event
	Close() error
}

// Factory dials a connection for one tenant. credDir is a durable,
// tenant-scoped directory holding session credentials; a previously
// authorized tenant reconnects without a fresh scan.
type Factory interface {
	Connect(ctx context.Context, tenantID, credDir string) (Client, error)
}
