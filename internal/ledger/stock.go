package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

type StockLedger struct {
	store    store.StockLedgerStore
	catalog  store.Catalog
	locks    *KeyLock
	maxTries uint
	now      func() time.Time
}

func NewStockLedger(st store.StockLedgerStore, catalog store.Catalog, locks *KeyLock, now func() time.Time) *StockLedger {
	if now == nil {
		now = time.Now
	}
	return &StockLedger{store: st, catalog: catalog, locks: locks, maxTries: DefaultMaxTries, now: now}
}

// CurrentQuantity returns the materialized running total for a product.
func (l *StockLedger) CurrentQuantity(ctx context.Context, productID string) (int, error) {
	levels, err := l.store.StockLevels(ctx, []string{productID})
	if err != nil {
		return 0, err
	}
	return levels[productID].Quantity, nil
}

func (l *StockLedger) Levels(ctx context.Context, productIDs []string) (map[string]domain.StockLevel, error) {
	return l.store.StockLevels(ctx, productIDs)
}

func (l *StockLedger) Movements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	return l.store.ListStockMovements(ctx, productID)
}

// CheckAvailable rejects a negative delta that would take the product below
// zero, unless the product allows backorder.
func CheckAvailable(product domain.Product, level domain.StockLevel, delta int) error {
	if delta >= 0 || product.AllowBackorder {
		return nil
	}
	if level.Quantity+delta >= 0 {
		return nil
	}
	return &domain.InsufficientStockError{
		ProductID: product.ID,
		Requested: -delta,
		Available: max(level.Quantity, 0),
	}
}

// NewMovement builds an unsaved movement stamped with the ledger clock.
func (l *StockLedger) NewMovement(productID string, kind domain.StockMovementKind, delta int, reference string, note string) domain.StockMovement {
	return domain.StockMovement{
		Entity:    domain.NewEntity(xid.New(xid.PrefixStockMovement), l.now()),
		ProductID: productID,
		Delta:     delta,
		Kind:      kind,
		Reference: reference,
		Note:      strings.TrimSpace(note),
	}
}

// Append writes movements that are not part of a sale: purchases,
// adjustments, returns and losses. Each product is checked and appended
// under its own lock with a conditional append.
func (l *StockLedger) Append(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	if len(movements) == 0 {
		return nil, domain.NewValidationError("movements", "at least one movement is required")
	}

	ids := make([]string, 0, len(movements))
	keys := make([]string, 0, len(movements))
	seen := make(map[string]struct{}, len(movements))
	for _, m := range movements {
		if !m.Kind.Valid() {
			return nil, domain.NewValidationError("kind", "unknown stock movement kind")
		}
		if m.Delta == 0 {
			return nil, domain.NewValidationError("delta", "delta must not be zero")
		}
		if _, dup := seen[m.ProductID]; dup {
			return nil, domain.NewValidationError("product_id", "duplicate product in movement batch")
		}
		seen[m.ProductID] = struct{}{}
		ids = append(ids, m.ProductID)
		keys = append(keys, ProductKey(m.ProductID))
	}

	unlock := l.locks.Lock(keys...)
	defer unlock()

	products, err := l.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
		}
	}

	_, err = RetryOnConflict(ctx, l.maxTries, nil, func() (struct{}, error) {
		batch, err := l.PrepareAppends(ctx, products, movements)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, l.store.AppendStockMovements(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	for _, m := range movements {
		metrics.StockMovements.WithLabelValues(string(m.Kind)).Inc()
	}
	return movements, nil
}

// PrepareAppends reads current levels, applies the non-negativity rule and
// pins each movement to the version it was checked against.
func (l *StockLedger) PrepareAppends(ctx context.Context, products map[string]domain.Product, movements []domain.StockMovement) ([]store.StockAppend, error) {
	ids := make([]string, 0, len(movements))
	for _, m := range movements {
		ids = append(ids, m.ProductID)
	}
	levels, err := l.store.StockLevels(ctx, ids)
	if err != nil {
		return nil, err
	}

	batch := make([]store.StockAppend, 0, len(movements))
	for _, m := range movements {
		level := levels[m.ProductID]
		if err := CheckAvailable(products[m.ProductID], level, m.Delta); err != nil {
			return nil, err
		}
		batch = append(batch, store.StockAppend{Movement: m, ExpectedVersion: level.Version})
	}
	return batch, nil
}

// Reconcile recomputes the fold of all movements and compares it with the
// materialized quantity. A non-zero drift means the invariant is broken.
func (l *StockLedger) Reconcile(ctx context.Context, productID string) (domain.StockReconciliation, error) {
	unlock := l.locks.Lock(ProductKey(productID))
	defer unlock()

	movements, err := l.store.ListStockMovements(ctx, productID)
	if err != nil {
		return domain.StockReconciliation{}, err
	}
	levels, err := l.store.StockLevels(ctx, []string{productID})
	if err != nil {
		return domain.StockReconciliation{}, err
	}

	folded := 0
	for _, m := range movements {
		folded += m.Delta
	}
	materialized := levels[productID].Quantity
	result := domain.StockReconciliation{
		ProductID:    productID,
		Materialized: materialized,
		Folded:       folded,
		Drift:        materialized - folded,
		Movements:    len(movements),
	}

	metrics.StockDrift.WithLabelValues(productID).Set(float64(result.Drift))
	if result.Drift != 0 {
		log.Printf("[ledger] WARN: stock drift product=%s materialized=%d folded=%d", productID, materialized, folded)
	}
	return result, nil
}
