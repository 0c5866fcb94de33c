package store

import (
	"context"
	"errors"
	"time"

	"cobrazap/internal/billing"
)

// ErrNotFound is returned when a tenant, customer, or record does not exist
// (or belongs to a different tenant).
var ErrNotFound = errors.New("store: not found")

// Config configures the record store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// TenantInfo is one company with billing data in the store.
type TenantInfo struct {
	ID   string
	Name string
	// TaxID and PixKey feed the payment block in reminder messages.
	TaxID  string
	PixKey string
	// ChannelEnabled marks tenants whose sessions are resumed at startup and
	// included in the daily sweep.
	ChannelEnabled bool
}

// DueRecord pairs a billing record with its recipient for the sweep.
type DueRecord struct {
	Record   billing.Record
	Customer billing.Customer
}

// Store is the persistence API consumed by the dispatcher and the app
// facade. The engine only depends on this interface; the sqlite backend
// below is one implementation.
type Store interface {
	CreateTenant(ctx context.Context, t TenantInfo) (TenantInfo, error)
	Tenant(ctx context.Context, id string) (TenantInfo, error)
	ListChannelTenants(ctx context.Context) ([]TenantInfo, error)
	SetChannelEnabled(ctx context.Context, id string, enabled bool) error
	PaymentInfo(ctx context.Context, tenantID string) (billing.PaymentInfo, error)

	CreateCustomer(ctx context.Context, c billing.Customer) (billing.Customer, error)
	Customer(ctx context.Context, tenantID, id string) (billing.Customer, error)
	ListCustomers(ctx context.Context, tenantID string) ([]billing.Customer, error)

	CreateRecord(ctx context.Context, r billing.Record) (billing.Record, error)
	Record(ctx context.Context, tenantID, id string) (billing.Record, error)
	ListRecords(ctx context.Context, tenantID string) ([]billing.Record, error)
	// DueRecords returns unpaid records whose billing day matches any of the
	// given days-of-month, joined with their customers.
	DueRecords(ctx context.Context, tenantID string, days ...int) ([]DueRecord, error)
	// MarkNotified stamps LastNotifiedAt and, when sent is true, moves the
	// record's status to sent.
	MarkNotified(ctx context.Context, recordID string, at time.Time, sent bool) error
	SetStatus(ctx context.Context, tenantID, recordID string, st billing.Status) error
	MarkPaid(ctx context.Context, tenantID, recordID string, at time.Time) error

	Close() error
}
