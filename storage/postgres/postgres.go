// Package postgres provides a PostgreSQL implementation of the billing.Store interface.
// Guarded upserts are single INSERT ... ON CONFLICT statements, so ordering is
// enforced by the row lock Postgres takes on conflict.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/billsync/pkg/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "billsync_schema_migrations"

// Store implements billing.Store using PostgreSQL
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store. Call Migrate before first use on an
// empty database.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// goose keeps its settings in package state
var gooseMu sync.Mutex

// Migrate applies the embedded migrations. Already applied versions are
// skipped, so calling it on every start is safe.
func (s *Store) Migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	// goose needs database/sql; the wrapper shares the pool's connections
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationsTable)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAccount implements billing.Store
func (s *Store) GetAccount(ctx context.Context, accountID string) (*billing.Account, error) {
	var acct billing.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, display_name, COALESCE(billing_customer_id, ''), created_at, updated_at
			FROM accounts WHERE id = $1`,
		accountID).Scan(
		&acct.ID, &acct.Email, &acct.DisplayName, &acct.BillingCustomerID, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

// EnsureAccount implements billing.Store
func (s *Store) EnsureAccount(ctx context.Context, acct *billing.Account) error {
	if acct == nil || strings.TrimSpace(acct.ID) == "" {
		return fmt.Errorf("invalid account")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, email, display_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				display_name = EXCLUDED.display_name,
				updated_at = EXCLUDED.updated_at`,
		acct.ID, acct.Email, acct.DisplayName, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

// SetBillingCustomerID implements billing.Store
func (s *Store) SetBillingCustomerID(ctx context.Context, accountID, customerID string) (string, error) {
	if accountID == "" || customerID == "" {
		return "", fmt.Errorf("account id and customer id are required")
	}

	var stored string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (id, billing_customer_id, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (id) DO UPDATE SET
				billing_customer_id = COALESCE(NULLIF(accounts.billing_customer_id, ''), EXCLUDED.billing_customer_id),
				updated_at = CASE
					WHEN COALESCE(accounts.billing_customer_id, '') = '' THEN EXCLUDED.updated_at
					ELSE accounts.updated_at
				END
			RETURNING billing_customer_id`,
		accountID, customerID, s.now().UTC()).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to set billing customer id: %w", err)
	}
	return stored, nil
}

const subscriptionColumns = `id, account_id, status, price_id, product_id,
	current_period_start, current_period_end, cancel_at_period_end, created_at,
	ended_at, canceled_at, trial_start, trial_end, customer_id, source_updated_at`

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, subscriptionID)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (id) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				status = EXCLUDED.status,
				price_id = EXCLUDED.price_id,
				product_id = EXCLUDED.product_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				created_at = EXCLUDED.created_at,
				ended_at = EXCLUDED.ended_at,
				canceled_at = EXCLUDED.canceled_at,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				customer_id = EXCLUDED.customer_id,
				source_updated_at = EXCLUDED.source_updated_at
			WHERE subscriptions.source_updated_at <= EXCLUDED.source_updated_at
			RETURNING id`,
		sub.ID, sub.AccountID, string(sub.Status), sub.PriceID, sub.ProductID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.CreatedAt,
		sub.EndedAt, sub.CanceledAt, sub.TrialStart, sub.TrialEnd, sub.CustomerID, sub.SourceUpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription %s: %w", sub.ID, err)
	}
	return true, nil
}

// ListSubscriptionsByAccount implements billing.Store
func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*billing.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

const invoiceColumns = `id, customer_id, subscription_id, status, total, subtotal,
	currency, period_start, period_end, created_at, failure_message, source_updated_at`

// GetInvoice implements billing.Store
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, invoiceID).Scan(
		&inv.ID, &inv.CustomerID, &inv.SubscriptionID, &inv.Status, &inv.Total, &inv.Subtotal,
		&inv.Currency, &inv.PeriodStart, &inv.PeriodEnd, &inv.CreatedAt, &inv.FailureMessage, &inv.SourceUpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	inv.CreatedAt = inv.CreatedAt.UTC()
	inv.SourceUpdatedAt = inv.SourceUpdatedAt.UTC()
	inv.PeriodStart = utcPtr(inv.PeriodStart)
	inv.PeriodEnd = utcPtr(inv.PeriodEnd)
	return &inv, nil
}

// UpsertInvoice implements billing.Store
func (s *Store) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				subtotal = EXCLUDED.subtotal,
				currency = EXCLUDED.currency,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				created_at = EXCLUDED.created_at,
				failure_message = EXCLUDED.failure_message,
				source_updated_at = EXCLUDED.source_updated_at
			WHERE invoices.source_updated_at <= EXCLUDED.source_updated_at
			RETURNING id`,
		inv.ID, inv.CustomerID, inv.SubscriptionID, inv.Status, inv.Total, inv.Subtotal,
		inv.Currency, inv.PeriodStart, inv.PeriodEnd, inv.CreatedAt, inv.FailureMessage, inv.SourceUpdatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice %s: %w", inv.ID, err)
	}
	return true, nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.AccountID, &status, &sub.PriceID, &sub.ProductID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.CreatedAt,
		&sub.EndedAt, &sub.CanceledAt, &sub.TrialStart, &sub.TrialEnd, &sub.CustomerID, &sub.SourceUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.SubscriptionStatus(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.SourceUpdatedAt = sub.SourceUpdatedAt.UTC()
	sub.EndedAt = utcPtr(sub.EndedAt)
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.TrialStart = utcPtr(sub.TrialStart)
	sub.TrialEnd = utcPtr(sub.TrialEnd)
	return &sub, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
