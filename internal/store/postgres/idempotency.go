package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kasirledger/internal/domain"
)

// Claim takes the key in one statement: the upsert only overwrites a row
// that is failed or past its expiry, so two racing claims cannot both win.
func (s *Store) Claim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var key string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO idempotency_records (key, status, token, payload, created_at, expires_at)
			VALUES ($1, 'pending', $2, NULL, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				status = 'pending',
				token = EXCLUDED.token,
				payload = NULL,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE idempotency_records.status = 'failed' OR idempotency_records.expires_at <= $5
			RETURNING key
		`, rec.Key, rec.Token, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), now.UTC()).Scan(&key)
		if err == nil {
			return true, nil, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, nil, mapError(err)
		}

		existing, err := s.GetIdempotency(ctx, rec.Key)
		if errors.Is(err, domain.ErrNotFound) {
			// purged between the two statements; claim again
			continue
		}
		if err != nil {
			return false, nil, err
		}
		return false, existing, nil
	}
	return false, nil, domain.ErrConcurrencyConflict
}

func (s *Store) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT key, status, token, payload, created_at, expires_at
		FROM idempotency_records
		WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Status, &rec.Token, &rec.Payload, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		return nil, mapError(err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

func (s *Store) CompleteIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settleIdempotency(ctx, key, token, domain.IdempotencyCompleted, payload, expiresAt)
}

func (s *Store) FailIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error {
	return s.settleIdempotency(ctx, key, token, domain.IdempotencyFailed, payload, expiresAt)
}

func (s *Store) settleIdempotency(ctx context.Context, key string, token string, status domain.IdempotencyStatus, payload []byte, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $3, payload = $4, expires_at = $5
		WHERE key = $1 AND token = $2 AND status = 'pending'
	`, key, token, status, payload, expiresAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.missOrConflict(ctx, `SELECT 1 FROM idempotency_records WHERE key = $1`, key)
	}
	return nil
}

func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
