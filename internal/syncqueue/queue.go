// Package syncqueue is a durable outbox for sales captured while a terminal
// was offline. Uploaded sales are stored first and committed later by a
// drain pass; the client transaction id doubles as the sale's idempotency
// key, so draining the same sale twice is harmless.
package syncqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"kasirledger/internal/domain"
)

const (
	StatusPending  = "pending"
	StatusSynced   = "synced"
	StatusRejected = "rejected"

	// enqueue outcomes reported back to the terminal
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// DefaultMaxAttempts bounds how often a retryable failure is retried before
// the sale is rejected.
const DefaultMaxAttempts = 10

var schema = []string{
	`CREATE TABLE IF NOT EXISTS offline_sales (
	client_transaction_id TEXT PRIMARY KEY,
	terminal_id TEXT NOT NULL,
	envelope_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	sale_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_sales_pending ON offline_sales (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_offline_sales_terminal ON offline_sales (terminal_id, status)`,
}

type Queue struct {
	sqlDB       *sql.DB
	maxAttempts int
	now         func() time.Time
}

// Open opens (creating if needed) the outbox database at path.
func Open(path string) (*Queue, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, stmt := range schema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("apply outbox schema: %w", err)
		}
	}
	return &Queue{sqlDB: sqlDB, maxAttempts: DefaultMaxAttempts, now: time.Now}, nil
}

func (q *Queue) Close() error {
	if q == nil || q.sqlDB == nil {
		return nil
	}
	return q.sqlDB.Close()
}

// Enqueue stores every sale of an upload. A client transaction id that is
// already queued is reported as a duplicate and left untouched.
func (q *Queue) Enqueue(ctx context.Context, req domain.OfflineSyncRequest) (domain.OfflineSyncResponse, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.OfflineSyncResponse{}, domain.NewValidationError("terminal_id", "terminal id is required")
	}

	resp := domain.OfflineSyncResponse{
		EnvelopeID: req.EnvelopeID,
		Statuses:   make([]domain.OfflineSyncStatus, 0, len(req.Sales)),
	}

	tx, err := q.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OfflineSyncResponse{}, fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now().UTC().UnixMilli()
	for _, sale := range req.Sales {
		clientID := strings.TrimSpace(sale.ClientTransactionID)
		status := domain.OfflineSyncStatus{ClientTransactionID: clientID}
		if clientID == "" {
			status.Status = StatusRejected
			status.Reason = "client transaction id is required"
			resp.Statuses = append(resp.Statuses, status)
			continue
		}

		payload, err := json.Marshal(sale.Sale)
		if err != nil {
			return domain.OfflineSyncResponse{}, fmt.Errorf("encode offline sale: %w", err)
		}
		result, err := tx.ExecContext(ctx, `
INSERT INTO offline_sales (client_transaction_id, terminal_id, envelope_id, payload, status, created_at, updated_at)
VALUES (?, ?, ?, ?, 'pending', ?, ?)
ON CONFLICT (client_transaction_id) DO NOTHING
`, clientID, req.TerminalID, req.EnvelopeID, string(payload), now, now)
		if err != nil {
			return domain.OfflineSyncResponse{}, fmt.Errorf("enqueue offline sale: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			status.Status = StatusDuplicate
		} else {
			status.Status = StatusQueued
		}
		resp.Statuses = append(resp.Statuses, status)
	}

	if err := tx.Commit(); err != nil {
		return domain.OfflineSyncResponse{}, fmt.Errorf("commit enqueue: %w", err)
	}
	return resp, nil
}

// PendingCount satisfies alert.PendingCounter.
func (q *Queue) PendingCount(ctx context.Context, terminalID string) (int, error) {
	var count int
	err := q.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_sales WHERE terminal_id = ? AND status = 'pending'`,
		terminalID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending offline sales: %w", err)
	}
	return count, nil
}

// Terminals lists every terminal with at least one pending sale.
func (q *Queue) Terminals(ctx context.Context) ([]string, error) {
	rows, err := q.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT terminal_id FROM offline_sales WHERE status = 'pending' ORDER BY terminal_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending terminals: %w", err)
	}
	defer rows.Close()

	terminals := make([]string, 0, 8)
	for rows.Next() {
		var terminalID string
		if err := rows.Scan(&terminalID); err != nil {
			return nil, fmt.Errorf("scan terminal: %w", err)
		}
		terminals = append(terminals, terminalID)
	}
	return terminals, rows.Err()
}

// Status returns the current state of one queued sale.
func (q *Queue) Status(ctx context.Context, clientTransactionID string) (domain.OfflineSyncStatus, error) {
	var status, lastError, saleID string
	err := q.sqlDB.QueryRowContext(ctx,
		`SELECT status, last_error, sale_id FROM offline_sales WHERE client_transaction_id = ?`,
		clientTransactionID,
	).Scan(&status, &lastError, &saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OfflineSyncStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OfflineSyncStatus{}, fmt.Errorf("get offline sale: %w", err)
	}
	return domain.OfflineSyncStatus{ClientTransactionID: clientTransactionID, Status: status, Reason: lastError}, nil
}

// CommitFunc commits one offline sale and returns the sale id.
type CommitFunc func(ctx context.Context, terminalID string, sale domain.OfflineSale) (string, error)

type DrainReport struct {
	Synced   int `json:"synced"`
	Rejected int `json:"rejected"`
	Retried  int `json:"retried"`
}

type pendingRow struct {
	clientID   string
	terminalID string
	payload    string
	attempts   int
}

// Drain commits up to limit pending sales, oldest first. Retryable failures
// stay pending until maxAttempts; every other failure rejects the sale.
func (q *Queue) Drain(ctx context.Context, limit int, commit CommitFunc) (DrainReport, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := q.sqlDB.QueryContext(ctx, `
SELECT client_transaction_id, terminal_id, payload, attempts
FROM offline_sales
WHERE status = 'pending'
ORDER BY created_at, client_transaction_id
LIMIT ?
`, limit)
	if err != nil {
		return DrainReport{}, fmt.Errorf("list pending offline sales: %w", err)
	}
	pending := make([]pendingRow, 0, limit)
	for rows.Next() {
		var row pendingRow
		if err := rows.Scan(&row.clientID, &row.terminalID, &row.payload, &row.attempts); err != nil {
			rows.Close()
			return DrainReport{}, fmt.Errorf("scan pending offline sale: %w", err)
		}
		pending = append(pending, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DrainReport{}, fmt.Errorf("iterate pending offline sales: %w", err)
	}

	var report DrainReport
	for _, row := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var req domain.SaleRequest
		if err := json.Unmarshal([]byte(row.payload), &req); err != nil {
			if markErr := q.mark(ctx, row.clientID, StatusRejected, row.attempts+1, "malformed payload", ""); markErr != nil {
				return report, markErr
			}
			report.Rejected++
			continue
		}

		saleID, err := commit(ctx, row.terminalID, domain.OfflineSale{ClientTransactionID: row.clientID, Sale: req})
		attempts := row.attempts + 1
		switch {
		case err == nil:
			err = q.mark(ctx, row.clientID, StatusSynced, attempts, "", saleID)
			report.Synced++
		case retryable(err) && attempts < q.maxAttempts:
			err = q.mark(ctx, row.clientID, StatusPending, attempts, err.Error(), "")
			report.Retried++
		default:
			log.Printf("[syncqueue] WARN: rejecting offline sale %s after %d attempt(s): %v", row.clientID, attempts, err)
			err = q.mark(ctx, row.clientID, StatusRejected, attempts, err.Error(), "")
			report.Rejected++
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (q *Queue) mark(ctx context.Context, clientID string, status string, attempts int, lastError string, saleID string) error {
	_, err := q.sqlDB.ExecContext(ctx, `
UPDATE offline_sales
SET status = ?, attempts = ?, last_error = ?, sale_id = ?, updated_at = ?
WHERE client_transaction_id = ?
`, status, attempts, lastError, saleID, q.now().UTC().UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("mark offline sale %s: %w", clientID, err)
	}
	return nil
}

func retryable(err error) bool {
	if domain.IsRetryable(err) {
		return true
	}
	return domain.ErrorKind(err) == domain.KindInternal
}
