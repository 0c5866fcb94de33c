package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"cobrazap/internal/billing"
	logx "cobrazap/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed record store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tenants ----

func (s *sqliteStore) CreateTenant(ctx context.Context, t TenantInfo) (TenantInfo, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, name, tax_id, pix_key, channel_enabled, created_at)
		 VALUES(?,?,?,?,?,?)`,
		t.ID, t.Name, nullStr(t.TaxID), nullStr(t.PixKey), boolInt(t.ChannelEnabled),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return t, err
}

func (s *sqliteStore) Tenant(ctx context.Context, id string) (TenantInfo, error) {
	var t TenantInfo
	var taxID, pixKey sql.NullString
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, tax_id, pix_key, channel_enabled FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &taxID, &pixKey, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantInfo{}, ErrNotFound
	}
	if err != nil {
		return TenantInfo{}, err
	}
	t.TaxID = taxID.String
	t.PixKey = pixKey.String
	t.ChannelEnabled = enabled != 0
	return t, nil
}

func (s *sqliteStore) ListChannelTenants(ctx context.Context) ([]TenantInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, tax_id, pix_key, channel_enabled FROM tenants WHERE channel_enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantInfo
	for rows.Next() {
		var t TenantInfo
		var taxID, pixKey sql.NullString
		var enabled int
		if err := rows.Scan(&t.ID, &t.Name, &taxID, &pixKey, &enabled); err != nil {
			return nil, err
		}
		t.TaxID = taxID.String
		t.PixKey = pixKey.String
		t.ChannelEnabled = enabled != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetChannelEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET channel_enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) PaymentInfo(ctx context.Context, tenantID string) (billing.PaymentInfo, error) {
	t, err := s.Tenant(ctx, tenantID)
	if err != nil {
		return billing.PaymentInfo{}, err
	}
	return billing.PaymentInfo{Name: t.Name, TaxID: t.TaxID, PixKey: t.PixKey}, nil
}

// ---- customers ----

func (s *sqliteStore) CreateCustomer(ctx context.Context, c billing.Customer) (billing.Customer, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers(id, tenant_id, name, phone, created_at) VALUES(?,?,?,?,?)`,
		c.ID, c.TenantID, c.Name, nullStr(c.Phone),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return c, err
}

func (s *sqliteStore) Customer(ctx context.Context, tenantID, id string) (billing.Customer, error) {
	var c billing.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, phone FROM customers WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.Name, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Customer{}, ErrNotFound
	}
	if err != nil {
		return billing.Customer{}, err
	}
	c.Phone = phone.String
	return c, nil
}

func (s *sqliteStore) ListCustomers(ctx context.Context, tenantID string) ([]billing.Customer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, phone FROM customers WHERE tenant_id = ? ORDER BY name, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Customer
	for rows.Next() {
		var c billing.Customer
		var phone sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &phone); err != nil {
			return nil, err
		}
		c.Phone = phone.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- billing records ----

func (s *sqliteStore) CreateRecord(ctx context.Context, r billing.Record) (billing.Record, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = billing.StatusPending
	}
	if r.DayOfMonth < 1 || r.DayOfMonth > 31 {
		return billing.Record{}, fmt.Errorf("day_of_month out of range: %d", r.DayOfMonth)
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_records(id, tenant_id, customer_id, description, amount, day_of_month, status, last_notified_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TenantID, r.CustomerID, r.Description, r.Amount.String(), r.DayOfMonth,
		string(r.Status), nullTime(r.LastNotifiedAt),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return r, err
}

func (s *sqliteStore) Record(ctx context.Context, tenantID, id string) (billing.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, customer_id, description, amount, day_of_month, status, last_notified_at
		 FROM billing_records WHERE id = ? AND tenant_id = ?`, id, tenantID)
	r, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Record{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRecords(ctx context.Context, tenantID string) ([]billing.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, customer_id, description, amount, day_of_month, status, last_notified_at
		 FROM billing_records WHERE tenant_id = ? ORDER BY day_of_month, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueRecords(ctx context.Context, tenantID string, days ...int) ([]DueRecord, error) {
	if len(days) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(days)), ",")
	args := make([]any, 0, len(days)+2)
	args = append(args, tenantID, string(billing.StatusPaid))
	for _, d := range days {
		args = append(args, d)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.tenant_id, r.customer_id, r.description, r.amount, r.day_of_month, r.status, r.last_notified_at,
		        c.id, c.tenant_id, c.name, c.phone
		 FROM billing_records r
		 JOIN customers c ON c.id = r.customer_id
		 WHERE r.tenant_id = ? AND r.status != ? AND r.day_of_month IN (`+placeholders+`)
		 ORDER BY r.day_of_month, r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueRecord
	for rows.Next() {
		var (
			id, tid, cid, desc, amount, status string
			day                                int
			notified                           sql.NullString
			custID, custTenant, custName       string
			custPhone                          sql.NullString
		)
		if err := rows.Scan(&id, &tid, &cid, &desc, &amount, &day, &status, &notified,
			&custID, &custTenant, &custName, &custPhone); err != nil {
			return nil, err
		}
		rec, err := buildRecord(id, tid, cid, desc, amount, day, status, notified)
		if err != nil {
			return nil, err
		}
		out = append(out, DueRecord{
			Record:   rec,
			Customer: billing.Customer{ID: custID, TenantID: custTenant, Name: custName, Phone: custPhone.String},
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkNotified(ctx context.Context, recordID string, at time.Time, sent bool) error {
	var (
		res sql.Result
		err error
	)
	ts := at.UTC().Format(time.RFC3339Nano)
	if sent {
		res, err = s.db.ExecContext(ctx,
			`UPDATE billing_records SET last_notified_at = ?, status = ?, updated_at = ? WHERE id = ?`,
			ts, string(billing.StatusSent), ts, recordID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE billing_records SET last_notified_at = ?, updated_at = ? WHERE id = ?`,
			ts, ts, recordID)
	}
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) SetStatus(ctx context.Context, tenantID, recordID string, st billing.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE billing_records SET status = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(st), time.Now().UTC().Format(time.RFC3339Nano), recordID, tenantID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) MarkPaid(ctx context.Context, tenantID, recordID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE billing_records SET status = ?, paid_at = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(billing.StatusPaid), ts, ts, recordID, tenantID)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// ---- helpers ----

func scanRecord(scan func(dest ...any) error) (billing.Record, error) {
	var (
		id, tid, cid, desc, amount, status string
		day                                int
		notified                           sql.NullString
	)
	if err := scan(&id, &tid, &cid, &desc, &amount, &day, &status, &notified); err != nil {
		return billing.Record{}, err
	}
	return buildRecord(id, tid, cid, desc, amount, day, status, notified)
}

func buildRecord(id, tid, cid, desc, amount string, day int, status string, notified sql.NullString) (billing.Record, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return billing.Record{}, fmt.Errorf("record %s: bad amount %q: %w", id, amount, err)
	}
	r := billing.Record{
		ID:          id,
		TenantID:    tid,
		CustomerID:  cid,
		Description: desc,
		Amount:      amt,
		DayOfMonth:  day,
		Status:      billing.Status(status),
	}
	if notified.Valid {
		t, err := time.Parse(time.RFC3339Nano, notified.String)
		if err != nil {
			return billing.Record{}, fmt.Errorf("record %s: bad last_notified_at: %w", id, err)
		}
		r.LastNotifiedAt = &t
	}
	return r, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
