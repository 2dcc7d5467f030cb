package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirledger/internal/domain"
)

const alertColumns = `id, type, severity, status, subject_type, subject_id, message, metric_value, threshold,
	acknowledged_at, closed_at, created_at, updated_at`

func scanAlert(row rowScanner) (domain.Alert, error) {
	var alert domain.Alert
	var ackAt, closedAt, updatedAt sql.NullTime
	err := row.Scan(&alert.ID, &alert.Type, &alert.Severity, &alert.Status, &alert.SubjectType, &alert.SubjectID,
		&alert.Message, &alert.MetricValue, &alert.Threshold, &ackAt, &closedAt, &alert.CreatedAt, &updatedAt)
	if err != nil {
		return domain.Alert{}, err
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.AcknowledgedAt = timePtr(ackAt)
	alert.ClosedAt = timePtr(closedAt)
	alert.UpdatedAt = timePtr(updatedAt)
	return alert, nil
}

func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (*domain.Alert, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, status, subject_type, subject_id, message, metric_value, threshold, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, alert.ID, alert.Type, alert.Severity, alert.Status, alert.SubjectType, alert.SubjectID,
		alert.Message, alert.MetricValue, alert.Threshold, alert.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &alert, nil
}

func (s *Store) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, alertID))
	if err != nil {
		return nil, mapError(err)
	}
	return &alert, nil
}

func (s *Store) FindOpenAlert(ctx context.Context, subjectType string, subjectID string, alertType domain.AlertType) (*domain.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE subject_type = $1 AND subject_id = $2 AND type = $3 AND status IN ('active', 'acknowledged')
	`, subjectType, subjectID, alertType))
	if err != nil {
		return nil, mapError(err)
	}
	return &alert, nil
}

func (s *Store) TransitionAlert(ctx context.Context, alertID string, from []domain.AlertStatus, to domain.AlertStatus, at time.Time) (*domain.Alert, error) {
	fromStatuses := make([]string, 0, len(from))
	for _, status := range from {
		fromStatuses = append(fromStatuses, string(status))
	}

	at = at.UTC()
	var ackAt, closedAt any
	if to == domain.AlertAcknowledged {
		ackAt = at
	}
	if to.Terminal() {
		closedAt = at
	}

	alert, err := scanAlert(s.db.QueryRowContext(ctx, `
		UPDATE alerts
		SET status = $2,
			updated_at = $3,
			acknowledged_at = COALESCE($4, acknowledged_at),
			closed_at = COALESCE($5, closed_at)
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+alertColumns,
		alertID, to, at, ackAt, closedAt, fromStatuses))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, `SELECT 1 FROM alerts WHERE id = $1`, alertID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &alert, nil
}

func (s *Store) RefreshAlert(ctx context.Context, alertID string, update domain.AlertRefresh) (*domain.Alert, error) {
	alert, err := scanAlert(s.db.QueryRowContext(ctx, `
		UPDATE alerts
		SET severity = $2,
			message = $3,
			metric_value = $4,
			threshold = $5,
			updated_at = $6
		WHERE id = $1 AND status IN ('active', 'acknowledged')
		RETURNING `+alertColumns,
		alertID, update.Severity, update.Message, update.MetricValue, update.Threshold, update.At.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.missOrConflict(ctx, `SELECT 1 FROM alerts WHERE id = $1`, alertID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &alert, nil
}

func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeTerminal {
		where = append(where, "status IN ('active', 'acknowledged')")
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			types = append(types, string(t))
		}
		where = append(where, "type = ANY("+arg(types)+")")
	}
	if minRank := filter.MinSeverity.Rank(); minRank > 1 {
		allowed := make([]string, 0, 3)
		for _, sev := range []domain.AlertSeverity{domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical} {
			if sev.Rank() >= minRank {
				allowed = append(allowed, string(sev))
			}
		}
		where = append(where, "severity = ANY("+arg(allowed)+")")
	}
	if filter.SubjectType != "" {
		where = append(where, "subject_type = "+arg(filter.SubjectType))
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = "+arg(filter.SubjectID))
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE severity WHEN 'critical' THEN 3 WHEN 'warning' THEN 2 WHEN 'info' THEN 1 ELSE 0 END DESC,
		created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.Alert, 0, 32)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}
