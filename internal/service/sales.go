package service

import (
	"context"
	"errors"
	"strings"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
	"kasirledger/internal/sale"
	"kasirledger/internal/syncqueue"
)

// CreateSale commits req at most once per idempotency key.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest, idempotencyKey string) (domain.SaleResult, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	if err := ValidateStoreID(req.StoreID); err != nil {
		return domain.SaleResult{}, err
	}
	return s.sales.Commit(ctx, req, idempotencyKey)
}

// LookupSale reports whether a sale was committed under idempotencyKey.
func (s *Service) LookupSale(ctx context.Context, idempotencyKey string) (domain.SaleLookupResponse, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return domain.SaleLookupResponse{}, domain.NewValidationError("idempotency_key", "idempotency key is required")
	}
	found, err := s.repo.FindSaleByIdempotencyKey(ctx, idempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SaleLookupResponse{Found: false}, nil
	}
	if err != nil {
		return domain.SaleLookupResponse{}, err
	}
	result := sale.ToResult(*found)
	return domain.SaleLookupResponse{Found: true, Result: &result}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	found, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *found, nil
}

// ReverseSale compensates a committed sale. The manager PIN is checked by
// the transport before this is called.
func (s *Service) ReverseSale(ctx context.Context, req domain.SaleReversalRequest) (domain.SaleResult, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	if req.SaleID == "" {
		return domain.SaleResult{}, domain.NewValidationError("sale_id", "sale id is required")
	}
	return s.sales.Reverse(ctx, req.SaleID, req.Reason)
}

// SyncOffline accepts sales captured while a terminal was offline. With an
// outbox they are queued for the drain-sync task; otherwise they are
// committed inline using the client transaction id as idempotency key.
func (s *Service) SyncOffline(ctx context.Context, req domain.OfflineSyncRequest) (domain.OfflineSyncResponse, error) {
	if len(req.Sales) == 0 {
		return domain.OfflineSyncResponse{}, domain.NewValidationError("sales", "at least one sale is required")
	}

	if s.outbox != nil {
		resp, err := s.outbox.Enqueue(ctx, req)
		if err != nil {
			return domain.OfflineSyncResponse{}, err
		}
		s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindTerminal, SubjectID: req.TerminalID})
		return resp, nil
	}

	resp := domain.OfflineSyncResponse{
		EnvelopeID: req.EnvelopeID,
		Statuses:   make([]domain.OfflineSyncStatus, 0, len(req.Sales)),
	}
	for _, offline := range req.Sales {
		status := domain.OfflineSyncStatus{ClientTransactionID: offline.ClientTransactionID}
		if _, err := s.commitOffline(ctx, req.TerminalID, offline); err != nil {
			status.Status = syncqueue.StatusRejected
			status.Reason = err.Error()
		} else {
			status.Status = syncqueue.StatusSynced
		}
		resp.Statuses = append(resp.Statuses, status)
	}
	return resp, nil
}

func (s *Service) commitOffline(ctx context.Context, _ string, offline domain.OfflineSale) (string, error) {
	result, err := s.CreateSale(ctx, offline.Sale, offline.ClientTransactionID)
	if err != nil {
		return "", err
	}
	return result.SaleID, nil
}

// OfflineSaleStatus reports the outbox state of one uploaded sale.
func (s *Service) OfflineSaleStatus(ctx context.Context, clientTransactionID string) (domain.OfflineSyncStatus, error) {
	if s.outbox == nil {
		return domain.OfflineSyncStatus{}, domain.ErrNotFound
	}
	return s.outbox.Status(ctx, clientTransactionID)
}

// DrainOfflineSales commits up to limit queued offline sales.
func (s *Service) DrainOfflineSales(ctx context.Context, limit int) (syncqueue.DrainReport, error) {
	if s.outbox == nil {
		return syncqueue.DrainReport{}, nil
	}
	report, err := s.outbox.Drain(ctx, limit, s.commitOffline)
	if err != nil {
		return report, err
	}

	terminals, err := s.outbox.Terminals(ctx)
	if err != nil {
		return report, err
	}
	pending := 0
	for _, terminalID := range terminals {
		count, err := s.outbox.PendingCount(ctx, terminalID)
		if err != nil {
			return report, err
		}
		pending += count
	}
	metrics.SyncPending.Set(float64(pending))
	return report, nil
}
