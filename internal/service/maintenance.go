package service

import (
	"context"
	"time"

	"kasirledger/internal/maintenance"
)

// DrainBatchSize bounds how many offline sales one drain-sync run commits.
const DrainBatchSize = 200

// Maintenance returns the housekeeping tasks runnable against this service.
func (s *Service) Maintenance() *maintenance.Runner {
	return maintenance.NewRunner(
		maintenance.PurgeIdempotency(s.guard),
		maintenance.PurgeAudit(s.audit, s.auditPurge, s.now),
		maintenance.SweepAlerts(s.alerts, s.sweepSubjects),
		maintenance.DrainSync(func(ctx context.Context) (int, int, int, error) {
			report, err := s.DrainOfflineSales(ctx, DrainBatchSize)
			return report.Synced, report.Rejected, report.Retried, err
		}),
		maintenance.ReconcileStock(s.stock, s.productIDs),
	)
}

func (s *Service) productIDs(ctx context.Context) ([]string, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// AuditPurgeWindow is how much history the purge-audit task keeps.
func (s *Service) AuditPurgeWindow() time.Duration {
	return s.auditPurge
}
