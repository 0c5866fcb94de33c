// Package dispatch runs the recurring reminder sweep on top of the session
// subsystem. Both the daily timer and manual triggers funnel into
// RunDailySweep, which is safe under concurrent invocation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cobrazap/internal/billing"
	"cobrazap/internal/eventbus"
	"cobrazap/internal/store"
	logx "cobrazap/pkg/logx"
)

// ErrNoPhone is returned by SendSingle when the record's customer has no
// phone on file.
var ErrNoPhone = errors.New("customer has no phone on file")

// Sender is the slice of the session manager the engine needs.
type Sender interface {
	Send(ctx context.Context, tenantID, phone, text string) error
}

type Config struct {
	// RatePerSec paces outbound sends across a sweep; messaging networks
	// throttle or ban bursty senders.
	RatePerSec int
	// Location defines the tenant's operating day for due-date matching.
	Location *time.Location
}

// Result aggregates one sweep: Total counts records a send was attempted
// for, Sent the successes. Records skipped by the once-per-day guard or for
// a missing phone are not counted.
type Result struct {
	Total int
	Sent  int
}

type Engine struct {
	store   store.Store
	sender  Sender
	limiter *rate.Limiter
	loc     *time.Location
	bus     eventbus.Bus
	log     logx.Logger

	now func() time.Time

	// lockMu guards the per-tenant lock table; each tenant's lock serializes
	// the check-send-record sequence so overlapping sweeps (timer + manual)
	// cannot double-send.
	lockMu      sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

func New(st store.Store, sender Sender, cfg Config, bus eventbus.Bus, log logx.Logger) *Engine {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:       st,
		sender:      sender,
		limiter:     rate.NewLimiter(rate.Limit(rps), rps),
		loc:         loc,
		bus:         bus,
		log:         log,
		now:         time.Now,
		tenantLocks: map[string]*sync.Mutex{},
	}
}

// RunDailySweep notifies the tenant's customers about charges due today and
// pre-notifies those due tomorrow. Calling it again the same day, or from
// two goroutines at once, sends each record at most once per day.
func (e *Engine) RunDailySweep(ctx context.Context, tenantID string) (Result, error) {
	lock := e.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	start := e.now()

	info, err := e.store.PaymentInfo(ctx, tenantID)
	if err != nil {
		return Result{}, fmt.Errorf("sweep tenant %s: %w", tenantID, err)
	}

	now := start.In(e.loc)
	today := now.Day()
	tomorrow := now.AddDate(0, 0, 1).Day()

	due, err := e.store.DueRecords(ctx, tenantID, today, tomorrow)
	if err != nil {
		return Result{}, fmt.Errorf("sweep tenant %s: %w", tenantID, err)
	}
	e.log.Info("sweep started",
		logx.String("tenant", tenantID),
		logx.Int("candidates", len(due)),
		logx.Int("day", today),
		logx.Int("pre_day", tomorrow),
	)

	var res Result
	for _, d := range due {
		rec, cust := d.Record, d.Customer

		// Once-per-day idempotency guard. Safe here because the whole
		// check-send-record sequence runs under the tenant lock.
		if rec.LastNotifiedAt != nil && billing.SameCalendarDay(now, *rec.LastNotifiedAt) {
			e.log.Debug("already notified today", logx.String("record", rec.ID))
			continue
		}
		if cust.Phone == "" {
			e.log.Warn("customer has no phone, skipping",
				logx.String("record", rec.ID), logx.String("customer", cust.ID))
			continue
		}

		dueToday := rec.DayOfMonth == today
		msg := billing.ComposeReminder(cust, rec, info, now)
		if !dueToday {
			// Pre-notices are informational only; they never flip the status.
			msg = billing.PreNoticePrefix + msg
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return res, err
		}
		// Total strictly counts attempted sends, so only increment once the
		// limiter has let this record through.
		res.Total++
		if err := e.sender.Send(ctx, tenantID, cust.Phone, msg); err != nil {
			// One bad send must not abort the sweep.
			e.log.Warn("reminder send failed",
				logx.String("tenant", tenantID), logx.String("record", rec.ID), logx.Err(err))
			e.publishFailure(tenantID, rec.ID, err)
			continue
		}
		if err := e.store.MarkNotified(ctx, rec.ID, e.now(), dueToday); err != nil {
			e.log.Error("mark notified failed",
				logx.String("tenant", tenantID), logx.String("record", rec.ID), logx.Err(err))
			continue
		}
		res.Sent++
	}

	took := e.now().Sub(start)
	e.log.Info("sweep finished",
		logx.String("tenant", tenantID),
		logx.Int("total", res.Total),
		logx.Int("sent", res.Sent),
		logx.Duration("took", took),
	)
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type: eventbus.TypeSweepDone,
			Data: eventbus.SweepDoneData{TenantID: tenantID, Total: res.Total, Sent: res.Sent, Took: took},
		})
	}
	return res, nil
}

// SweepAll runs the daily sweep for every channel-enabled tenant, isolating
// per-tenant failures. This is the scheduler's entry point.
func (e *Engine) SweepAll(ctx context.Context) {
	tenants, err := e.store.ListChannelTenants(ctx)
	if err != nil {
		e.log.Error("listing tenants for sweep failed", logx.Err(err))
		return
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.RunDailySweep(ctx, t.ID); err != nil {
			e.log.Error("tenant sweep failed", logx.String("tenant", t.ID), logx.Err(err))
		}
	}
}

// SendSingle sends one record's reminder immediately. Operator-initiated, so
// it bypasses the once-per-day guard; a success still stamps the record as
// notified and sent.
func (e *Engine) SendSingle(ctx context.Context, tenantID, recordID string) error {
	lock := e.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := e.store.Record(ctx, tenantID, recordID)
	if err != nil {
		return err
	}
	cust, err := e.store.Customer(ctx, tenantID, rec.CustomerID)
	if err != nil {
		return err
	}
	if cust.Phone == "" {
		return ErrNoPhone
	}
	info, err := e.store.PaymentInfo(ctx, tenantID)
	if err != nil {
		return err
	}

	msg := billing.ComposeReminder(cust, rec, info, e.now().In(e.loc))
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := e.sender.Send(ctx, tenantID, cust.Phone, msg); err != nil {
		e.publishFailure(tenantID, rec.ID, err)
		return fmt.Errorf("send record %s: %w", recordID, err)
	}
	if err := e.store.MarkNotified(ctx, rec.ID, e.now(), true); err != nil {
		return err
	}
	return nil
}

func (e *Engine) publishFailure(tenantID, recordID string, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSendFailed,
		Data: eventbus.SendFailedData{TenantID: tenantID, RecordID: recordID, Reason: err.Error()},
	})
}

func (e *Engine) tenantLock(tenantID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	l, ok := e.tenantLocks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		e.tenantLocks[tenantID] = l
	}
	return l
}
