package service

import (
	"context"
	"time"

	"kasirledger/internal/domain"
)

func (s *Service) AuditTrailBySubject(ctx context.Context, subjectType string, subjectID string) ([]domain.AuditLog, error) {
	return s.audit.BySubject(ctx, subjectType, subjectID)
}

func (s *Service) AuditTrailByActor(ctx context.Context, actorID string, limit int) ([]domain.AuditLog, error) {
	return s.audit.ByActor(ctx, actorID, limit)
}

func (s *Service) AuditTrailByRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	return s.audit.ByRange(ctx, from, to, limit)
}

// PurgeAuditOlderThan deletes entries created before cutoff. Admin only;
// cutoffs inside the minimum retention window are refused.
func (s *Service) PurgeAuditOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return 0, err
	}
	return s.audit.PurgeOlderThan(ctx, cutoff)
}

func (s *Service) PurgeExpiredIdempotencyRecords(ctx context.Context) (int64, error) {
	return s.guard.PurgeExpired(ctx)
}
