package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cobrazap/internal/billing"
	"cobrazap/internal/channel"
	"cobrazap/internal/eventbus"
	logx "cobrazap/pkg/logx"
)

// ErrNotConnected is returned by Send when the tenant's session is in any
// state other than Connected. No network attempt is made.
var ErrNotConnected = errors.New("session not connected")

// Status is the caller-facing view of one tenant's session.
type Status struct {
	State State
	// QR holds the scannable pairing payload, present only while the session
	// is initializing or awaiting a scan.
	QR string
	// Connected is derived from State; there is no separate connected flag.
	Connected bool
}

// Manager drives tenant sessions through their lifecycle.
//
// All transitions for one tenant are serialized on that tenant's entry;
// asynchronous channel events are folded in by a per-session event loop
// using the pure Reduce function.
type Manager struct {
	reg     *Registry
	factory channel.Factory
	credDir string
	bus     eventbus.Bus
	log     logx.Logger
}

func NewManager(reg *Registry, factory channel.Factory, credDir string, bus eventbus.Bus, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		reg:     reg,
		factory: factory,
		credDir: credDir,
		bus:     bus,
		log:     log,
	}
}

// Start connects a tenant's session. An existing live session is torn down
// first, so two handles never coexist for one tenant. The session reaches
// Initializing synchronously; further transitions arrive via channel events.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.New("empty tenant id")
	}
	ent := m.reg.get(tenantID)

	ent.mu.Lock()
	if ent.client != nil || ent.cancel != nil {
		m.log.Info("restarting live session", logx.String("tenant", tenantID))
		m.teardownLocked(ent)
	}
	ent.gen++
	gen := ent.gen
	dialCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ent.cancel = cancel
	m.setStateLocked(tenantID, ent, StateInitializing)
	ent.mu.Unlock()

	// Dial outside the entry lock: connecting can block on the network and a
	// concurrent Stop must stay able to cancel it.
	client, err := m.factory.Connect(dialCtx, tenantID, filepath.Join(m.credDir, "tenant_"+tenantID))

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.gen != gen {
		// Stopped or restarted while dialing; this attempt lost.
		if client != nil {
			_ = client.Close()
		}
		cancel()
		return nil
	}
	if err != nil {
		ent.cancel = nil
		cancel()
		m.setStateLocked(tenantID, ent, StateError)
		return fmt.Errorf("connect tenant %s: %w", tenantID, err)
	}
	ent.client = client
	go m.loop(dialCtx, tenantID, ent, gen, client)
	return nil
}

// Stop tears the tenant's session down, including one still waiting for a
// scan or mid-connect. Stopping an absent session is a no-op success.
func (m *Manager) Stop(_ context.Context, tenantID string) error {
	ent, ok := m.reg.lookup(tenantID)
	if !ok {
		return nil
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.client == nil && ent.cancel == nil && ent.state == StateDisconnected {
		return nil
	}
	ent.gen++
	m.teardownLocked(ent)
	m.setStateLocked(tenantID, ent, StateDisconnected)
	return nil
}

// StopAll closes every live session; used on shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, id := range m.reg.tenantIDs() {
		if err := m.Stop(ctx, id); err != nil {
			m.log.Warn("session stop failed", logx.String("tenant", id), logx.Err(err))
		}
	}
}

// Status reads the tenant's current state. The QR payload is surfaced only
// while the session is initializing or awaiting a scan.
func (m *Manager) Status(tenantID string) Status {
	ent, ok := m.reg.lookup(tenantID)
	if !ok {
		return Status{State: StateDisconnected}
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	st := Status{State: ent.state, Connected: ent.state == StateConnected}
	if showsQR(ent.state) {
		st.QR = ent.qr
	}
	return st
}

// Send normalizes the destination and forwards text through the tenant's
// session. It fails fast with ErrNotConnected unless the session is
// Connected; transport errors are returned, not retried.
func (m *Manager) Send(ctx context.Context, tenantID, phone, text string) error {
	ent, ok := m.reg.lookup(tenantID)
	if !ok {
		return ErrNotConnected
	}
	ent.mu.Lock()
	client := ent.client
	connected := ent.state == StateConnected
	ent.mu.Unlock()

	if !connected || client == nil {
		return ErrNotConnected
	}
	return client.Send(ctx, billing.NormalizePhone(phone), text)
}

// loop folds channel events into the session entry until the event stream
// ends or the entry moves to a new generation.
func (m *Manager) loop(ctx context.Context, tenantID string, ent *entry, gen uint64, client channel.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				// Stream gone without an explicit close event: the session is
				// over unless a newer generation already took the slot.
				ent.mu.Lock()
				if ent.gen == gen && ent.state != StateDisconnected && ent.state != StateError {
					ent.client = nil
					ent.cancel = nil
					m.setStateLocked(tenantID, ent, StateDisconnected)
				}
				ent.mu.Unlock()
				return
			}
			if done := m.apply(tenantID, ent, gen, ev); done {
				return
			}
		}
	}
}

// apply runs one event through the reducer under the entry lock. It returns
// true when the loop should exit (terminal state or stale generation).
func (m *Manager) apply(tenantID string, ent *entry, gen uint64, ev channel.Event) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.gen != gen {
		return true
	}

	next := Reduce(ent.state, ev)

	switch ev.Kind {
	case channel.EventQRIssued:
		if next == StateAwaitingScan {
			ent.qr = ev.QR
		}
	case channel.EventScanAccepted, channel.EventLoggedIn:
		ent.qr = ""
	case channel.EventScanFailed:
		ent.qr = ""
		m.log.Warn("qr scan failed", logx.String("tenant", tenantID), logx.Err(ev.Err))
	case channel.EventClosed:
		m.releaseLocked(ent)
	case channel.EventFatal:
		m.log.Error("session fatal", logx.String("tenant", tenantID), logx.Err(ev.Err))
		m.teardownLocked(ent)
	}

	if next != ent.state {
		m.setStateLocked(tenantID, ent, next)
	}
	return ev.Kind == channel.EventClosed || ev.Kind == channel.EventFatal
}

// teardownLocked closes and clears the live handle. Caller holds ent.mu.
func (m *Manager) teardownLocked(ent *entry) {
	if ent.cancel != nil {
		ent.cancel()
		ent.cancel = nil
	}
	if ent.client != nil {
		_ = ent.client.Close()
		ent.client = nil
	}
	ent.qr = ""
}

// releaseLocked drops the handle without calling Close (the underlying
// connection already reported itself closed). Caller holds ent.mu.
func (m *Manager) releaseLocked(ent *entry) {
	if ent.cancel != nil {
		ent.cancel()
		ent.cancel = nil
	}
	ent.client = nil
	ent.qr = ""
}

func (m *Manager) setStateLocked(tenantID string, ent *entry, s State) {
	ent.state = s
	if !showsQR(s) {
		ent.qr = ""
	}
	m.log.Debug("session state", logx.String("tenant", tenantID), logx.String("state", string(s)))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSessionState,
			Data: eventbus.SessionStateData{TenantID: tenantID, State: string(s)},
		})
	}
}
