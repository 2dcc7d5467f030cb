package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) error {
	sale := commit.Sale
	splits, err := encodeSplits(sale.PaymentSplits)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sales (
				id, store_id, idempotency_key, customer_id, register_id, session_id, payment_method,
				payment_splits, total_cents, credit_cents, cash_cents, status, committed_at, created_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, sale.ID, sale.StoreID, nullIfEmpty(sale.IdempotencyKey), sale.CustomerID, sale.RegisterID, sale.SessionID,
			sale.PaymentMethod, splits, sale.TotalCents, sale.CreditCents, sale.CashCents, sale.Status,
			nullTime(sale.CommittedAt), sale.CreatedAt, nullTime(sale.UpdatedAt))
		if err != nil {
			return err
		}
		if err := expectAffected(res, domain.ErrAlreadyExists); err != nil {
			return err
		}

		for i, line := range sale.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_lines (sale_id, line_no, product_id, quantity, unit_price_cents, discount_cents)
				VALUES ($1,$2,$3,$4,$5,$6)
			`, sale.ID, i+1, line.ProductID, line.Quantity, line.UnitPriceCents, line.DiscountCents); err != nil {
				return err
			}
		}

		if err := applyMovements(ctx, tx, commit.Stock, commit.Cash, commit.Credit); err != nil {
			return err
		}
		return insertAudit(ctx, tx, commit.Audit)
	})
}

func (s *Store) ReverseSale(ctx context.Context, reversal store.SaleReversal) error {
	sale := reversal.Sale
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sales
			SET status = $2, reversed_at = $3, reversal_reason = $4, updated_at = $5
			WHERE id = $1 AND status = 'committed'
		`, sale.ID, sale.Status, nullTime(sale.ReversedAt), sale.ReversalReason, nullTime(sale.UpdatedAt))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var one int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sales WHERE id = $1`, sale.ID).Scan(&one); err != nil {
				return err
			}
			return domain.ErrConcurrencyConflict
		}

		if err := applyMovements(ctx, tx, reversal.Stock, reversal.Cash, reversal.Credit); err != nil {
			return err
		}
		return insertAudit(ctx, tx, reversal.Audit)
	})
}

func applyMovements(ctx context.Context, q queryer, stock []store.StockAppend, cash *store.CashAppend, credit *store.CreditAppend) error {
	if err := appendStock(ctx, q, stock); err != nil {
		return err
	}
	if cash != nil {
		if err := appendCash(ctx, q, *cash); err != nil {
			return err
		}
	}
	if credit != nil {
		if err := appendCredit(ctx, q, *credit); err != nil {
			return err
		}
	}
	return nil
}

const saleColumns = `id, store_id, COALESCE(idempotency_key, ''), customer_id, register_id, session_id, payment_method,
	payment_splits, total_cents, credit_cents, cash_cents, status, committed_at, reversed_at, reversal_reason,
	created_at, updated_at`

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.findSale(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID)
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	return s.findSale(ctx, `SELECT `+saleColumns+` FROM sales WHERE idempotency_key = $1`, key)
}

func (s *Store) findSale(ctx context.Context, query string, arg string) (*domain.Sale, error) {
	var sale domain.Sale
	var splits []byte
	var committedAt, reversedAt, updatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sale.ID, &sale.StoreID, &sale.IdempotencyKey, &sale.CustomerID, &sale.RegisterID, &sale.SessionID,
		&sale.PaymentMethod, &splits, &sale.TotalCents, &sale.CreditCents, &sale.CashCents, &sale.Status,
		&committedAt, &reversedAt, &sale.ReversalReason, &sale.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.CommittedAt = timePtr(committedAt)
	sale.ReversedAt = timePtr(reversedAt)
	sale.UpdatedAt = timePtr(updatedAt)
	if len(splits) > 0 {
		if err := json.Unmarshal(splits, &sale.PaymentSplits); err != nil {
			return nil, fmt.Errorf("decode payment splits for %s: %w", sale.ID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price_cents, discount_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, sale.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sale.Lines = make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPriceCents, &line.DiscountCents); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func encodeSplits(splits []domain.PaymentSplit) (any, error) {
	if len(splits) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(splits)
	if err != nil {
		return nil, fmt.Errorf("encode payment splits: %w", err)
	}
	return string(raw), nil
}
