package postgres

import (
	"context"
	"fmt"
	"log"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// migrations are append-only; never edit a released entry.
var migrations = []migration{
	{
		version: 1,
		name:    "catalog_and_stock_ledger",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS products (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
				reorder_point INTEGER NOT NULL DEFAULT 0,
				allow_backorder BOOLEAN NOT NULL DEFAULT false,
				expires_at TIMESTAMPTZ,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS stock_levels (
				product_id TEXT PRIMARY KEY REFERENCES products (id),
				quantity INTEGER NOT NULL,
				version BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS stock_movements (
				id TEXT PRIMARY KEY,
				product_id TEXT NOT NULL REFERENCES products (id),
				delta INTEGER NOT NULL,
				kind TEXT NOT NULL,
				reference TEXT NOT NULL DEFAULT '',
				note TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_stock_movements_product ON stock_movements (product_id, created_at)`,
		},
	},
	{
		version: 2,
		name:    "credit_and_cash_ledgers",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS credit_accounts (
				customer_id TEXT PRIMARY KEY,
				id TEXT NOT NULL UNIQUE,
				credit_limit_cents BIGINT NOT NULL CHECK (credit_limit_cents >= 0),
				outstanding_cents BIGINT NOT NULL DEFAULT 0,
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS credit_entries (
				id TEXT PRIMARY KEY,
				customer_id TEXT NOT NULL REFERENCES credit_accounts (customer_id),
				kind TEXT NOT NULL,
				amount_cents BIGINT NOT NULL,
				reference TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credit_entries_customer ON credit_entries (customer_id, created_at)`,
			`CREATE TABLE IF NOT EXISTS register_sessions (
				id TEXT PRIMARY KEY,
				register_id TEXT NOT NULL,
				opening_balance_cents BIGINT NOT NULL CHECK (opening_balance_cents >= 0),
				balance_cents BIGINT NOT NULL,
				status TEXT NOT NULL,
				opened_by TEXT NOT NULL DEFAULT '',
				opened_at TIMESTAMPTZ NOT NULL,
				closed_at TIMESTAMPTZ,
				closing_balance_cents BIGINT,
				counted_cash_cents BIGINT,
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_register_sessions_open ON register_sessions (register_id) WHERE status = 'open'`,
			`CREATE TABLE IF NOT EXISTS cash_movements (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES register_sessions (id),
				kind TEXT NOT NULL,
				amount_cents BIGINT NOT NULL,
				reference TEXT NOT NULL DEFAULT '',
				note TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cash_movements_session ON cash_movements (session_id, created_at)`,
		},
	},
	{
		version: 3,
		name:    "sales",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS sales (
				id TEXT PRIMARY KEY,
				store_id TEXT NOT NULL,
				idempotency_key TEXT UNIQUE,
				customer_id TEXT NOT NULL DEFAULT '',
				register_id TEXT NOT NULL DEFAULT '',
				session_id TEXT NOT NULL DEFAULT '',
				payment_method TEXT NOT NULL,
				payment_splits JSONB,
				total_cents BIGINT NOT NULL,
				credit_cents BIGINT NOT NULL DEFAULT 0,
				cash_cents BIGINT NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				committed_at TIMESTAMPTZ,
				reversed_at TIMESTAMPTZ,
				reversal_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS sale_lines (
				sale_id TEXT NOT NULL REFERENCES sales (id),
				line_no INTEGER NOT NULL,
				product_id TEXT NOT NULL REFERENCES products (id),
				quantity INTEGER NOT NULL CHECK (quantity > 0),
				unit_price_cents BIGINT NOT NULL,
				discount_cents BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (sale_id, line_no)
			)`,
		},
	},
	{
		version: 4,
		name:    "alerts_audit_idempotency",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS alerts (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				severity TEXT NOT NULL,
				status TEXT NOT NULL,
				subject_type TEXT NOT NULL,
				subject_id TEXT NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				metric_value DOUBLE PRECISION NOT NULL DEFAULT 0,
				threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
				acknowledged_at TIMESTAMPTZ,
				closed_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS uniq_alerts_open ON alerts (subject_type, subject_id, type) WHERE status IN ('active', 'acknowledged')`,
			`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS audit_logs (
				id TEXT PRIMARY KEY,
				subject_type TEXT NOT NULL,
				subject_id TEXT NOT NULL,
				action TEXT NOT NULL,
				old_value JSONB,
				new_value JSONB,
				actor_id TEXT NOT NULL DEFAULT '',
				client_ip TEXT NOT NULL DEFAULT '',
				user_agent TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_logs_subject ON audit_logs (subject_type, subject_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs (actor_id, created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_logs_created ON audit_logs (created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS idempotency_records (
				key TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				token TEXT NOT NULL DEFAULT '',
				payload BYTEA,
				created_at TIMESTAMPTZ NOT NULL,
				expires_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records (expires_at)`,
		},
	},
	{
		version: 5,
		name:    "purchase_orders_and_users",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS purchase_orders (
				id TEXT PRIMARY KEY,
				store_id TEXT NOT NULL,
				supplier_name TEXT NOT NULL,
				status TEXT NOT NULL,
				received_at TIMESTAMPTZ,
				received_by TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS purchase_order_items (
				purchase_order_id TEXT NOT NULL REFERENCES purchase_orders (id),
				line_no INTEGER NOT NULL,
				product_id TEXT NOT NULL REFERENCES products (id),
				quantity INTEGER NOT NULL CHECK (quantity > 0),
				cost_cents BIGINT NOT NULL DEFAULT 0,
				PRIMARY KEY (purchase_order_id, line_no)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_purchase_orders_status ON purchase_orders (status, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS app_users (
				username TEXT PRIMARY KEY,
				password TEXT NOT NULL,
				role TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ
			)`,
		},
	},
}

// migrationLockID serializes concurrent migrators via an advisory lock.
const migrationLockID = 7_410_221

// Migrate applies every pending migration, each in its own transaction.
// It reports how many were applied.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ok, err := s.applyMigration(ctx, m)
		if err != nil {
			return applied, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if ok {
			applied++
			log.Printf("[postgres] applied migration %d (%s)", m.version, m.name)
		}
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, err
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return false, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, name, applied_at)
		VALUES ($1, $2, $3)
	`, m.version, m.name, time.Now().UTC()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// PendingMigrations lists versions not yet applied.
func (s *Store) PendingMigrations(ctx context.Context) ([]int, error) {
	var tracked bool
	if err := s.db.QueryRowContext(ctx, `SELECT to_regclass('schema_migrations') IS NOT NULL`).Scan(&tracked); err != nil {
		return nil, err
	}
	if !tracked {
		pending := make([]int, 0, len(migrations))
		for _, m := range migrations {
			pending = append(pending, m.version)
		}
		return pending, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]struct{}, len(migrations))
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		done[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pending := make([]int, 0, len(migrations))
	for _, m := range migrations {
		if _, ok := done[m.version]; !ok {
			pending = append(pending, m.version)
		}
	}
	return pending, nil
}
