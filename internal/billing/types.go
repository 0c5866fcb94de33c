package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status of a billing record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusPaid    Status = "paid"
)

// Record is one recurring charge against a customer.
//
// DayOfMonth models the pure day-of-month billing cycle (1-31); months shorter
// than the configured day bill on their last day.
type Record struct {
	ID          string
	TenantID    string
	CustomerID  string
	Description string
	Amount      decimal.Decimal
	DayOfMonth  int
	Status      Status
	// LastNotifiedAt, once set on a calendar day, blocks a second send for
	// that record on the same day.
	LastNotifiedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Customer is the reminder recipient.
type Customer struct {
	ID       string
	TenantID string
	Name     string
	Phone    string
}

// PaymentInfo is the read-only tenant projection consumed by the composer.
type PaymentInfo struct {
	Name   string
	TaxID  string // CPF/CNPJ
	PixKey string
}
