package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal decoupling the core subsystem from its
// observers (operator alerts, future surfaces).
//
// Publish never blocks: subscribers get buffered channels and lose events
// once they fall behind. Observers must tolerate gaps.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the core subsystem.
const (
	TypeSessionState = "session.state"
	TypeSweepDone    = "dispatch.sweep_done"
	TypeSendFailed   = "dispatch.send_failed"
)

// SessionStateData accompanies TypeSessionState events.
type SessionStateData struct {
	TenantID string
	State    string
}

// SweepDoneData accompanies TypeSweepDone events.
type SweepDoneData struct {
	TenantID string
	Total    int
	Sent     int
	Took     time.Duration
}

// SendFailedData accompanies TypeSendFailed events.
type SendFailedData struct {
	TenantID string
	RecordID string
	Reason   string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus used throughout the daemon. It owns
// no goroutines; Publish does all delivery inline.
func New() Bus {
	return &memBus{}
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
	next atomic.Uint64
}

type subscriber struct {
	id uint64
	ch chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock across delivery is
	// cheap. Unsubscribe closes the channel only under the write lock, which
	// cannot be acquired mid-delivery, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default: // subscriber is behind, drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{id: b.next.Add(1), ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur.id == s.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return s.ch, unsub
}
