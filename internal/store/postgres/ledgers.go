package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func (s *Store) StockLevels(ctx context.Context, productIDs []string) (map[string]domain.StockLevel, error) {
	levels := make(map[string]domain.StockLevel, len(productIDs))
	if len(productIDs) == 0 {
		return levels, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, version, updated_at
		FROM stock_levels
		WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.ProductID, &level.Quantity, &level.Version, &level.UpdatedAt); err != nil {
			return nil, err
		}
		level.UpdatedAt = level.UpdatedAt.UTC()
		levels[level.ProductID] = level
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range productIDs {
		if _, ok := levels[id]; !ok {
			levels[id] = domain.StockLevel{ProductID: id}
		}
	}
	return levels, nil
}

func (s *Store) AppendStockMovements(ctx context.Context, batch []store.StockAppend) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendStock(ctx, tx, batch)
	})
}

// appendStock applies every movement of batch or fails the enclosing
// transaction. A level that does not exist yet is created at version 1 when
// ExpectedVersion is 0.
func appendStock(ctx context.Context, q queryer, batch []store.StockAppend) error {
	seen := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		m := item.Movement
		if _, dup := seen[m.ProductID]; dup {
			return domain.NewValidationError("stock", "duplicate product in movement batch")
		}
		seen[m.ProductID] = struct{}{}

		var res sql.Result
		var err error
		if item.ExpectedVersion == 0 {
			res, err = q.ExecContext(ctx, `
				INSERT INTO stock_levels (product_id, quantity, version, updated_at)
				VALUES ($1, $2, 1, $3)
				ON CONFLICT (product_id) DO NOTHING
			`, m.ProductID, m.Delta, m.CreatedAt)
		} else {
			res, err = q.ExecContext(ctx, `
				UPDATE stock_levels
				SET quantity = quantity + $2, version = version + 1, updated_at = $3
				WHERE product_id = $1 AND version = $4
			`, m.ProductID, m.Delta, m.CreatedAt, item.ExpectedVersion)
		}
		if err != nil {
			return err
		}
		if err := expectAffected(res, domain.ErrConcurrencyConflict); err != nil {
			return err
		}

		if _, err := q.ExecContext(ctx, `
			INSERT INTO stock_movements (id, product_id, delta, kind, reference, note, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, m.ID, m.ProductID, m.Delta, m.Kind, m.Reference, m.Note, m.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, delta, kind, reference, note, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY created_at, id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Delta, &m.Kind, &m.Reference, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

const creditAccountColumns = `id, customer_id, credit_limit_cents, outstanding_cents, version, created_at, updated_at`

func scanCreditAccount(row rowScanner) (domain.CreditAccount, error) {
	var account domain.CreditAccount
	var updatedAt sql.NullTime
	if err := row.Scan(&account.ID, &account.CustomerID, &account.CreditLimitCents, &account.OutstandingCents, &account.Version, &account.CreatedAt, &updatedAt); err != nil {
		return domain.CreditAccount{}, err
	}
	account.CreatedAt = account.CreatedAt.UTC()
	account.UpdatedAt = timePtr(updatedAt)
	return account, nil
}

func (s *Store) CreateCreditAccount(ctx context.Context, account domain.CreditAccount) (*domain.CreditAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, customer_id, credit_limit_cents, outstanding_cents, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, account.ID, account.CustomerID, account.CreditLimitCents, account.OutstandingCents, account.Version, account.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &account, nil
}

func (s *Store) GetCreditAccount(ctx context.Context, customerID string) (*domain.CreditAccount, error) {
	account, err := scanCreditAccount(s.db.QueryRowContext(ctx, `SELECT `+creditAccountColumns+` FROM credit_accounts WHERE customer_id = $1`, customerID))
	if err != nil {
		return nil, mapError(err)
	}
	return &account, nil
}

func (s *Store) UpdateCreditLimit(ctx context.Context, customerID string, limitCents int64, expectedVersion int64, at time.Time) (*domain.CreditAccount, error) {
	account, err := scanCreditAccount(s.db.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET credit_limit_cents = $2, version = version + 1, updated_at = $3
		WHERE customer_id = $1 AND version = $4
		RETURNING `+creditAccountColumns,
		customerID, limitCents, at.UTC(), expectedVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, `SELECT 1 FROM credit_accounts WHERE customer_id = $1`, customerID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &account, nil
}

// missOrConflict explains a conditional write that matched no row: the row
// is gone (not found) or its version moved (conflict).
func (s *Store) missOrConflict(ctx context.Context, query string, args ...any) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrConcurrencyConflict
}

func (s *Store) AppendCreditEntry(ctx context.Context, entry store.CreditAppend) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendCredit(ctx, tx, entry)
	})
}

func (s *Store) CommitCreditPayment(ctx context.Context, commit store.CreditPaymentCommit) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := applyMovements(ctx, tx, nil, commit.Cash, &commit.Credit); err != nil {
			return err
		}
		return insertAudit(ctx, tx, commit.Audit)
	})
}

func appendCredit(ctx context.Context, q queryer, entry store.CreditAppend) error {
	e := entry.Entry
	res, err := q.ExecContext(ctx, `
		UPDATE credit_accounts
		SET outstanding_cents = outstanding_cents + $2, version = version + 1, updated_at = $3
		WHERE customer_id = $1 AND version = $4
	`, e.CustomerID, e.AmountCents, e.CreatedAt, entry.ExpectedVersion)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var one int
		lookupErr := q.QueryRowContext(ctx, `SELECT 1 FROM credit_accounts WHERE customer_id = $1`, e.CustomerID).Scan(&one)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if lookupErr != nil {
			return lookupErr
		}
		return domain.ErrConcurrencyConflict
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO credit_entries (id, customer_id, kind, amount_cents, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.CustomerID, e.Kind, e.AmountCents, e.Reference, e.CreatedAt)
	return err
}

func (s *Store) ListCreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, kind, amount_cents, reference, created_at
		FROM credit_entries
		WHERE customer_id = $1
		ORDER BY created_at, id
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CreditEntry, 0, 16)
	for rows.Next() {
		var e domain.CreditEntry
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Kind, &e.AmountCents, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const sessionColumns = `id, register_id, opening_balance_cents, balance_cents, status, opened_by, opened_at,
	closed_at, closing_balance_cents, counted_cash_cents, version, created_at, updated_at`

func scanSession(row rowScanner) (domain.RegisterSession, error) {
	var session domain.RegisterSession
	var closedAt, updatedAt sql.NullTime
	var closing, counted sql.NullInt64
	err := row.Scan(&session.ID, &session.RegisterID, &session.OpeningBalanceCents, &session.BalanceCents,
		&session.Status, &session.OpenedBy, &session.OpenedAt, &closedAt, &closing, &counted,
		&session.Version, &session.CreatedAt, &updatedAt)
	if err != nil {
		return domain.RegisterSession{}, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	session.CreatedAt = session.CreatedAt.UTC()
	session.ClosedAt = timePtr(closedAt)
	session.UpdatedAt = timePtr(updatedAt)
	session.ClosingBalanceCents = int64Ptr(closing)
	session.CountedCashCents = int64Ptr(counted)
	return session, nil
}

func (s *Store) OpenSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO register_sessions (
			id, register_id, opening_balance_cents, balance_cents, status, opened_by, opened_at, version, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, session.ID, session.RegisterID, session.OpeningBalanceCents, session.BalanceCents, session.Status,
		session.OpenedBy, session.OpenedAt, session.Version, session.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.RegisterSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM register_sessions WHERE id = $1`, sessionID))
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

func (s *Store) GetOpenSession(ctx context.Context, registerID string) (*domain.RegisterSession, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM register_sessions
		WHERE register_id = $1 AND status = 'open'
	`, registerID))
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}

func (s *Store) ListOpenSessions(ctx context.Context) ([]domain.RegisterSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM register_sessions
		WHERE status = 'open'
		ORDER BY opened_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]domain.RegisterSession, 0, 8)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *Store) AppendCashMovement(ctx context.Context, movement store.CashAppend) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendCash(ctx, tx, movement)
	})
}

func appendCash(ctx context.Context, q queryer, movement store.CashAppend) error {
	m := movement.Movement
	res, err := q.ExecContext(ctx, `
		UPDATE register_sessions
		SET balance_cents = balance_cents + $2, version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'open' AND version = $4
	`, m.SessionID, m.AmountCents, m.CreatedAt, movement.ExpectedVersion)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return sessionMiss(ctx, q, m.SessionID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO cash_movements (id, session_id, kind, amount_cents, reference, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, m.ID, m.SessionID, m.Kind, m.AmountCents, m.Reference, m.Note, m.CreatedAt)
	return err
}

// sessionMiss explains why a conditional session update matched no row.
func sessionMiss(ctx context.Context, q queryer, sessionID string) error {
	var status domain.SessionStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM register_sessions WHERE id = $1`, sessionID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	case status != domain.SessionOpen:
		return domain.ErrRegisterClosed
	}
	return domain.ErrConcurrencyConflict
}

func (s *Store) ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, amount_cents, reference, note, created_at
		FROM cash_movements
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 32)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Kind, &m.AmountCents, &m.Reference, &m.Note, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) CloseSession(ctx context.Context, close store.SessionClose) (*domain.RegisterSession, error) {
	closedAt := close.ClosedAt.UTC()
	session, err := scanSession(s.db.QueryRowContext(ctx, `
		UPDATE register_sessions
		SET status = 'closed', closed_at = $3, closing_balance_cents = $4, counted_cash_cents = $5,
			version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'open' AND version = $2
		RETURNING `+sessionColumns,
		close.SessionID, close.ExpectedVersion, closedAt, close.ClosingBalanceCents, nullInt64(close.CountedCashCents)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionMiss(ctx, s.db, close.SessionID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &session, nil
}
