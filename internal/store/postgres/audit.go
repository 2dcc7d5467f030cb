package postgres

import (
	"context"
	"time"

	"kasirledger/internal/domain"
)

const auditColumns = `id, subject_type, subject_id, action, old_value, new_value, actor_id, client_ip, user_agent, created_at`

func insertAudit(ctx context.Context, q queryer, entry domain.AuditLog) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, subject_type, subject_id, action, old_value, new_value, actor_id, client_ip, user_agent, created_at)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10)
	`, entry.ID, entry.SubjectType, entry.SubjectID, entry.Action, nullJSON(entry.OldValue), nullJSON(entry.NewValue),
		entry.ActorID, entry.ClientIP, entry.UserAgent, entry.CreatedAt)
	return err
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditLog) error {
	return mapError(insertAudit(ctx, s.db, entry))
}

func (s *Store) ListAuditBySubject(ctx context.Context, subjectType string, subjectID string) ([]domain.AuditLog, error) {
	return s.listAudit(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at ASC, id ASC
	`, subjectType, subjectID)
}

func (s *Store) ListAuditByActor(ctx context.Context, actorID string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.listAudit(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, actorID, limit)
}

func (s *Store) ListAuditByRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.listAudit(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limit)
}

func (s *Store) listAudit(ctx context.Context, query string, args ...any) ([]domain.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, 32)
	for rows.Next() {
		var entry domain.AuditLog
		var oldValue, newValue []byte
		if err := rows.Scan(&entry.ID, &entry.SubjectType, &entry.SubjectID, &entry.Action, &oldValue, &newValue,
			&entry.ActorID, &entry.ClientIP, &entry.UserAgent, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entry.OldValue = oldValue
		entry.NewValue = newValue
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
