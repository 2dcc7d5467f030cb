package service

import (
	"context"
	"fmt"
	"strings"

	"kasirledger/internal/domain"
	"kasirledger/internal/ledger"
	"kasirledger/internal/metrics"
	"kasirledger/internal/xid"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// UpsertProduct creates or updates a catalog entry. Admin only.
func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductUpsertRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	if req.ID == "" || req.Name == "" {
		return domain.Product{}, domain.NewValidationError("product", "id and name are required")
	}
	if req.PriceCents < 0 {
		return domain.Product{}, domain.NewValidationError("price_cents", "price must not be negative")
	}
	if req.ReorderPoint < 0 {
		return domain.Product{}, domain.NewValidationError("reorder_point", "reorder point must not be negative")
	}

	now := s.now()
	var previous *domain.Product
	product := domain.Product{Entity: domain.NewEntity(req.ID, now), Active: true}
	if existing, err := s.repo.GetProduct(ctx, req.ID); err == nil {
		previous = existing
		product = *existing
		product.Touch(now)
	} else if !isNotFound(err) {
		return domain.Product{}, err
	}

	product.Name = req.Name
	product.PriceCents = req.PriceCents
	product.ReorderPoint = req.ReorderPoint
	product.AllowBackorder = req.AllowBackorder
	product.ExpiresAt = req.ExpiresAt
	if req.Active != nil {
		product.Active = *req.Active
	}

	saved, err := s.repo.UpsertProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	action := "product_create"
	if previous != nil {
		action = "product_update"
	}
	s.record(ctx, domain.KindProduct, saved.ID, action, previous, saved)
	s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: saved.ID})
	return *saved, nil
}

func (s *Service) StockLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return domain.StockLevel{}, err
	}
	levels, err := s.stock.Levels(ctx, []string{productID})
	if err != nil {
		return domain.StockLevel{}, err
	}
	return levels[productID], nil
}

func (s *Service) StockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	return s.stock.Movements(ctx, productID)
}

// ReceiveStock records goods received outside a purchase order.
func (s *Service) ReceiveStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	if req.Delta <= 0 {
		return domain.StockMovement{}, domain.NewValidationError("delta", "received quantity must be positive")
	}
	req.Kind = domain.StockPurchase
	return s.appendStock(ctx, req)
}

// AdjustStock records corrections: adjustment, loss, transfer or
// initial_stock. Sales and returns have their own operations.
func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	switch req.Kind {
	case domain.StockAdjustment, domain.StockTransfer, domain.StockInitialStock:
	case domain.StockLoss:
		if req.Delta > 0 {
			req.Delta = -req.Delta
		}
	default:
		return domain.StockMovement{}, domain.NewValidationError("kind", "kind must be adjustment, loss, transfer or initial_stock")
	}
	return s.appendStock(ctx, req)
}

// RecordReturn puts returned goods back on the shelf without touching the
// original sale.
func (s *Service) RecordReturn(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	if req.Delta <= 0 {
		return domain.StockMovement{}, domain.NewValidationError("delta", "returned quantity must be positive")
	}
	req.Kind = domain.StockReturn
	return s.appendStock(ctx, req)
}

func (s *Service) appendStock(ctx context.Context, req domain.StockAdjustmentRequest) (domain.StockMovement, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.StockMovement{}, domain.NewValidationError("product_id", "product id is required")
	}

	movement := s.stock.NewMovement(req.ProductID, req.Kind, req.Delta, req.Reference, req.Note)
	written, err := s.stock.Append(ctx, []domain.StockMovement{movement})
	if err != nil {
		return domain.StockMovement{}, err
	}
	s.record(ctx, domain.KindStockMovement, movement.ID, "stock_"+string(req.Kind), nil, written[0])
	s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: req.ProductID})
	return written[0], nil
}

func (s *Service) ReconcileStock(ctx context.Context, productID string) (domain.StockReconciliation, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return domain.StockReconciliation{}, err
	}
	return s.stock.Reconcile(ctx, productID)
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if req.StoreID == "" {
		req.StoreID = s.defaultStoreID
	}
	req.SupplierName = strings.TrimSpace(req.SupplierName)
	if req.SupplierName == "" {
		return domain.PurchaseOrder{}, domain.NewValidationError("supplier_name", "supplier name is required")
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, domain.NewValidationError("items", "purchase order needs at least one item")
	}
	seen := make(map[string]struct{}, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity < 1 || item.CostCents < 0 {
			return domain.PurchaseOrder{}, domain.NewValidationError("items", "item quantity must be positive and cost non-negative")
		}
		if _, dup := seen[item.ProductID]; dup {
			return domain.PurchaseOrder{}, domain.NewValidationError("items", "duplicate product in purchase order")
		}
		seen[item.ProductID] = struct{}{}
	}

	po, err := s.repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		Entity:       domain.NewEntity(xid.New(xid.PrefixPurchaseOrder), s.now()),
		StoreID:      req.StoreID,
		SupplierName: req.SupplierName,
		Status:       domain.PurchaseOrderPending,
		Items:        req.Items,
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.record(ctx, domain.KindPurchaseOrder, po.ID, "purchase_order_create", nil, po)
	return *po, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status domain.PurchaseOrderStatus, limit int) ([]domain.PurchaseOrder, error) {
	switch status {
	case "", domain.PurchaseOrderPending, domain.PurchaseOrderReceived:
	default:
		return nil, domain.NewValidationError("status", "unknown purchase order status")
	}
	return s.repo.ListPurchaseOrders(ctx, status, limit)
}

// ReceivePurchaseOrder appends one purchase movement per item and marks the
// order received in the same unit.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, purchaseOrderID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if po.Status != domain.PurchaseOrderPending {
		return domain.PurchaseOrder{}, domain.NewValidationError("status", "purchase order already received")
	}

	ids := make([]string, 0, len(po.Items))
	keys := make([]string, 0, len(po.Items))
	for _, item := range po.Items {
		ids = append(ids, item.ProductID)
		keys = append(keys, ledger.ProductKey(item.ProductID))
	}
	unlock := s.locks.Lock(keys...)
	defer unlock()

	products, err := s.repo.GetProducts(ctx, ids)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return domain.PurchaseOrder{}, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
	}

	receivedBy := actorName(ctx)
	received, err := ledger.RetryOnConflict(ctx, ledger.DefaultMaxTries, nil, func() (*domain.PurchaseOrder, error) {
		movements := make([]domain.StockMovement, 0, len(po.Items))
		for _, item := range po.Items {
			movements = append(movements, s.stock.NewMovement(item.ProductID, domain.StockPurchase, item.Quantity, po.ID, "purchase order "+po.SupplierName))
		}
		batch, err := s.stock.PrepareAppends(ctx, products, movements)
		if err != nil {
			return nil, err
		}
		after := *po
		after.Status = domain.PurchaseOrderReceived
		entry, err := s.audit.Build(ctx, domain.KindPurchaseOrder, po.ID, "purchase_order_receive", po, after)
		if err != nil {
			return nil, err
		}
		return s.repo.ReceivePurchaseOrder(ctx, po.ID, receivedBy, s.now(), batch, entry)
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	metrics.StockMovements.WithLabelValues(string(domain.StockPurchase)).Add(float64(len(po.Items)))
	triggers := make([]domain.AlertTrigger, 0, len(ids)+1)
	triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindPurchaseOrder, SubjectID: po.ID})
	for _, id := range ids {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: id})
	}
	s.alerts.Notify(context.WithoutCancel(ctx), triggers...)
	return *received, nil
}
