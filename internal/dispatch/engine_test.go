package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cobrazap/internal/billing"
	"cobrazap/internal/store"
	logx "cobrazap/pkg/logx"
)

// memStore is an in-memory store.Store covering what the engine touches.
type memStore struct {
	mu        sync.Mutex
	tenant    store.TenantInfo
	customers map[string]billing.Customer
	records   map[string]*billing.Record
}

func newMemStore() *memStore {
	return &memStore{
		tenant:    store.TenantInfo{ID: "t1", Name: "Academia Boa Forma", PixKey: "pix@t1", ChannelEnabled: true},
		customers: map[string]billing.Customer{},
		records:   map[string]*billing.Record{},
	}
}

func (s *memStore) addCustomer(id, name, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[id] = billing.Customer{ID: id, TenantID: "t1", Name: name, Phone: phone}
}

func (s *memStore) addRecord(id, customerID string, day int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &billing.Record{
		ID: id, TenantID: "t1", CustomerID: customerID,
		Description: "Mensalidade", Amount: decimal.RequireFromString("150"),
		DayOfMonth: day, Status: billing.StatusPending,
	}
}

func (s *memStore) record(id string) billing.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *memStore) PaymentInfo(_ context.Context, tenantID string) (billing.PaymentInfo, error) {
	if tenantID != s.tenant.ID {
		return billing.PaymentInfo{}, store.ErrNotFound
	}
	return billing.PaymentInfo{Name: s.tenant.Name, TaxID: s.tenant.TaxID, PixKey: s.tenant.PixKey}, nil
}

func (s *memStore) DueRecords(_ context.Context, tenantID string, days ...int) ([]store.DueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DueRecord
	for _, r := range s.records {
		if r.TenantID != tenantID || r.Status == billing.StatusPaid {
			continue
		}
		for _, d := range days {
			if r.DayOfMonth == d {
				out = append(out, store.DueRecord{Record: *r, Customer: s.customers[r.CustomerID]})
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) MarkNotified(_ context.Context, recordID string, at time.Time, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[recordID]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	r.LastNotifiedAt = &t
	if sent {
		r.Status = billing.StatusSent
	}
	return nil
}

func (s *memStore) Record(_ context.Context, tenantID, id string) (billing.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.TenantID != tenantID {
		return billing.Record{}, store.ErrNotFound
	}
	return *r, nil
}

func (s *memStore) Customer(_ context.Context, tenantID, id string) (billing.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok || c.TenantID != tenantID {
		return billing.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ListChannelTenants(context.Context) ([]store.TenantInfo, error) {
	return []store.TenantInfo{s.tenant}, nil
}

func (s *memStore) CreateTenant(_ context.Context, t store.TenantInfo) (store.TenantInfo, error) {
	return t, nil
}
func (s *memStore) Tenant(_ context.Context, id string) (store.TenantInfo, error) {
	return s.tenant, nil
}
func (s *memStore) SetChannelEnabled(context.Context, string, bool) error { return nil }
func (s *memStore) CreateCustomer(_ context.Context, c billing.Customer) (billing.Customer, error) {
	return c, nil
}
func (s *memStore) CreateRecord(_ context.Context, r billing.Record) (billing.Record, error) {
	return r, nil
}
func (s *memStore) ListCustomers(context.Context, string) ([]billing.Customer, error) {
	return nil, nil
}
func (s *memStore) ListRecords(context.Context, string) ([]billing.Record, error) {
	return nil, nil
}
func (s *memStore) SetStatus(context.Context, string, string, billing.Status) error { return nil }
func (s *memStore) MarkPaid(context.Context, string, string, time.Time) error       { return nil }
func (s *memStore) Close() error                                                    { return nil }

// memSender records sends; failPhones makes specific destinations fail.
type memSender struct {
	mu         sync.Mutex
	sent       []string // "phone|text"
	failPhones map[string]bool
}

func (s *memSender) Send(_ context.Context, _, phone, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPhones[phone] {
		return errors.New("transport down")
	}
	s.sent = append(s.sent, phone+"|"+text)
	return nil
}

func (s *memSender) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestEngine(st store.Store, snd Sender, at time.Time) *Engine {
	e := New(st, snd, Config{RatePerSec: 1000, Location: time.UTC}, nil, logx.Nop())
	e.now = func() time.Time { return at }
	return e
}

func TestSweepSendsDueAndPreNotices(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addCustomer("c2", "João", "5511000000002")
	st.addRecord("r-today", "c1", 15)
	st.addRecord("r-tomorrow", "c2", 16)
	st.addRecord("r-later", "c1", 20)

	snd := &memSender{}
	e := newTestEngine(st, snd, time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC))

	res, err := e.RunDailySweep(context.Background(), "t1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Total != 2 || res.Sent != 2 {
		t.Fatalf("result = %+v, want {Total:2 Sent:2}", res)
	}

	var preNotices, notices int
	for _, s := range snd.all() {
		if strings.Contains(s, billing.PreNoticePrefix) {
			preNotices++
		} else {
			notices++
		}
	}
	if notices != 1 || preNotices != 1 {
		t.Fatalf("notices=%d preNotices=%d, want 1 and 1", notices, preNotices)
	}

	if got := st.record("r-today"); got.Status != billing.StatusSent || got.LastNotifiedAt == nil {
		t.Fatalf("r-today = %+v, want sent and stamped", got)
	}
	// Pre-notices stamp the day but never flip the lifecycle status.
	if got := st.record("r-tomorrow"); got.Status != billing.StatusPending || got.LastNotifiedAt == nil {
		t.Fatalf("r-tomorrow = %+v, want pending and stamped", got)
	}
	if got := st.record("r-later"); got.LastNotifiedAt != nil {
		t.Fatalf("r-later stamped but not due")
	}
}

func TestSweepOncePerDay(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addRecord("r1", "c1", 15)

	snd := &memSender{}
	day1 := time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC)
	e := newTestEngine(st, snd, day1)
	ctx := context.Background()

	if res, err := e.RunDailySweep(ctx, "t1"); err != nil || res.Sent != 1 {
		t.Fatalf("first sweep: res=%+v err=%v", res, err)
	}
	if res, err := e.RunDailySweep(ctx, "t1"); err != nil || res.Total != 0 {
		t.Fatalf("second sweep same day: res=%+v err=%v", res, err)
	}
	if got := len(snd.all()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}

	// A month later the same day-of-month comes due again.
	e.now = func() time.Time { return day1.AddDate(0, 1, 0) }
	if res, err := e.RunDailySweep(ctx, "t1"); err != nil || res.Sent != 1 {
		t.Fatalf("next month sweep: res=%+v err=%v", res, err)
	}
}

func TestConcurrentSweepsSendOnce(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addRecord("r1", "c1", 15)

	snd := &memSender{}
	e := newTestEngine(st, snd, time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.RunDailySweep(context.Background(), "t1")
		}()
	}
	wg.Wait()

	if got := len(snd.all()); got != 1 {
		t.Fatalf("sends = %d, want exactly 1", got)
	}
}

func TestSweepSkipsMissingPhone(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "")
	st.addRecord("r1", "c1", 15)

	snd := &memSender{}
	e := newTestEngine(st, snd, time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC))

	res, err := e.RunDailySweep(context.Background(), "t1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Total != 0 || res.Sent != 0 {
		t.Fatalf("result = %+v, want zero", res)
	}
	if got := st.record("r1"); got.LastNotifiedAt != nil {
		t.Fatalf("record without recipient must stay unstamped")
	}
}

func TestSweepIsolatesSendFailures(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addCustomer("c2", "João", "5511000000002")
	st.addRecord("r1", "c1", 15)
	st.addRecord("r2", "c2", 15)

	snd := &memSender{failPhones: map[string]bool{"5511000000001": true}}
	e := newTestEngine(st, snd, time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC))

	res, err := e.RunDailySweep(context.Background(), "t1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Total != 2 || res.Sent != 1 {
		t.Fatalf("result = %+v, want {Total:2 Sent:1}", res)
	}
	// The failed record stays unstamped so a retry sweep picks it up.
	if got := st.record("r1"); got.LastNotifiedAt != nil || got.Status != billing.StatusPending {
		t.Fatalf("failed record = %+v, want untouched", got)
	}
	if got := st.record("r2"); got.Status != billing.StatusSent {
		t.Fatalf("succeeded record = %+v, want sent", got)
	}
}

func TestCancelledSweepCountsOnlyAttempts(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addCustomer("c2", "João", "5511000000002")
	st.addRecord("r1", "c1", 15)
	st.addRecord("r2", "c2", 15)

	snd := &memSender{}
	// One token of burst: the first record sends immediately, the second
	// parks in the limiter until the context is cancelled.
	e := New(st, snd, Config{RatePerSec: 1, Location: time.UTC}, nil, logx.Nop())
	e.now = func() time.Time { return time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := e.RunDailySweep(ctx, "t1")
	if err == nil {
		t.Fatalf("expected context error")
	}
	if res.Total != 1 || res.Sent != 1 {
		t.Fatalf("result = %+v, want {Total:1 Sent:1}: the record parked in the limiter was never attempted", res)
	}
	if got := len(snd.all()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}

func TestSendSingleBypassesDayGuard(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "5511000000001")
	st.addRecord("r1", "c1", 20) // not due today

	snd := &memSender{}
	now := time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC)
	e := newTestEngine(st, snd, now)
	ctx := context.Background()

	// Already stamped today: the sweep would skip it, SendSingle must not.
	if err := st.MarkNotified(ctx, "r1", now, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := e.SendSingle(ctx, "t1", "r1"); err != nil {
		t.Fatalf("send single: %v", err)
	}
	if got := len(snd.all()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
	if got := st.record("r1"); got.Status != billing.StatusSent {
		t.Fatalf("record = %+v, want sent", got)
	}
}

func TestSendSingleErrors(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	st.addCustomer("c1", "Maria", "")
	st.addRecord("r1", "c1", 15)

	snd := &memSender{}
	e := newTestEngine(st, snd, time.Date(2024, time.April, 15, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	if err := e.SendSingle(ctx, "t1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown record: %v, want ErrNotFound", err)
	}
	if err := e.SendSingle(ctx, "t1", "r1"); !errors.Is(err, ErrNoPhone) {
		t.Fatalf("no phone: %v, want ErrNoPhone", err)
	}
}
