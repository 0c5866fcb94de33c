// Package whatsapp implements channel.Factory on top of whatsmeow.
//
// Each tenant gets its own sqlstore container under its credential directory,
// so pairing survives process restarts: a tenant that scanned once reconnects
// straight to Connected on the next Start.
package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"cobrazap/internal/channel"
	logx "cobrazap/pkg/logx"
)

const sessionDBName = "session.db"

type Factory struct {
	log logx.Logger
}

func NewFactory(log logx.Logger) *Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{log: log}
}

func (f *Factory) Connect(ctx context.Context, tenantID, credDir string) (channel.Client, error) {
	if err := os.MkdirAll(credDir, 0o755); err != nil {
		return nil, fmt.Errorf("credential dir: %w", err)
	}

	log := f.log.With(logx.String("tenant", tenantID))
	wlog := waLogger{log: log}

	dsn := "file:" + filepath.Join(credDir, sessionDBName) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
	container, err := sqlstore.New("sqlite", dsn, wlog)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	wm := whatsmeow.NewClient(device, wlog)
	// Reconnecting is an explicit operator action, not something the
	// transport does behind the session state machine's back.
	wm.EnableAutoReconnect = false
	c := &client{
		wm:     wm,
		log:    log,
		events: make(chan channel.Event, 16),
	}
	wm.AddEventHandler(c.handleEvent)

	// A fresh device needs pairing; the QR channel must be requested before
	// Connect and is only valid while not logged in.
	if wm.Store.ID == nil {
		qr, err := wm.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("qr channel: %w", err)
		}
		go c.pumpQR(qr)
	}

	if err := wm.Connect(); err != nil {
		c.shutdown()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// client adapts one *whatsmeow.Client to channel.Client.
type client struct {
	wm  *whatsmeow.Client
	log logx.Logger

	mu     sync.Mutex
	closed bool
	events chan channel.Event
}

func (c *client) Events() <-chan channel.Event { return c.events }

func (c *client) Send(ctx context.Context, address, text string) error {
	jid := types.NewJID(address, types.DefaultUserServer)
	_, err := c.wm.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

func (c *client) Close() error {
	c.wm.Disconnect()
	c.shutdown()
	return nil
}

// emit delivers an event unless the client is already closed. Delivery is
// non-blocking past the buffer so a stalled consumer cannot wedge whatsmeow's
// event dispatch.
func (c *client) emit(e channel.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("channel event dropped", logx.String("kind", string(e.Kind)))
	}
}

func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *client) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		c.emit(channel.Event{Kind: channel.EventLoggedIn})
	case *events.PairSuccess:
		c.emit(channel.Event{Kind: channel.EventScanAccepted})
	case *events.PairError:
		c.emit(channel.Event{Kind: channel.EventScanFailed, Err: v.Error})
	case *events.Disconnected:
		c.emit(channel.Event{Kind: channel.EventDeviceOffline})
	case *events.LoggedOut:
		c.emit(channel.Event{Kind: channel.EventClosed})
	case *events.StreamReplaced:
		c.emit(channel.Event{Kind: channel.EventFatal, Err: fmt.Errorf("stream replaced by another connection")})
	}
}

func (c *client) pumpQR(qr <-chan whatsmeow.QRChannelItem) {
	for item := range qr {
		switch item.Event {
		case "code":
			c.emit(channel.Event{Kind: channel.EventQRIssued, QR: item.Code})
		case "success":
			c.emit(channel.Event{Kind: channel.EventScanAccepted})
		case "timeout":
			c.emit(channel.Event{Kind: channel.EventScanFailed, Err: fmt.Errorf("qr scan timed out")})
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("qr pairing failed: %s", item.Event)
			}
			c.emit(channel.Event{Kind: channel.EventScanFailed, Err: err})
		}
	}
}

// waLogger bridges whatsmeow's logger to logx. whatsmeow is chatty, so its
// info level maps down to debug.
type waLogger struct {
	log logx.Logger
}

func (w waLogger) Warnf(msg string, args ...any)  { w.log.Warn(fmt.Sprintf(msg, args...)) }
func (w waLogger) Errorf(msg string, args ...any) { w.log.Error(fmt.Sprintf(msg, args...)) }
func (w waLogger) Infof(msg string, args ...any)  { w.log.Debug(fmt.Sprintf(msg, args...)) }
func (w waLogger) Debugf(msg string, args ...any) { w.log.Trace(fmt.Sprintf(msg, args...)) }
func (w waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: w.log.With(logx.String("wa_mod", module))}
}
