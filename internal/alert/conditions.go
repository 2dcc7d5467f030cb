package alert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

type Thresholds struct {
	ExpiryWindow         time.Duration
	DebtRatio            float64
	PurchaseOrderSLA     time.Duration
	RegisterCloseHour    int
	SyncPendingThreshold int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ExpiryWindow:         7 * 24 * time.Hour,
		DebtRatio:            0.8,
		PurchaseOrderSLA:     72 * time.Hour,
		RegisterCloseHour:    23,
		SyncPendingThreshold: 50,
	}
}

// PendingCounter reports how many offline sales a terminal still has queued.
type PendingCounter interface {
	PendingCount(ctx context.Context, terminalID string) (int, error)
}

// LowStock holds while an active product sits at or below its reorder point.
func LowStock(catalog store.Catalog, stock store.StockLedgerStore) Condition {
	return Condition{
		Type:        domain.AlertLowStock,
		SubjectType: domain.KindProduct,
		Check: func(ctx context.Context, productID string, _ time.Time) (Finding, error) {
			product, err := catalog.GetProduct(ctx, productID)
			if err != nil {
				return Finding{}, err
			}
			if !product.Active || product.ReorderPoint <= 0 {
				return Finding{}, nil
			}
			levels, err := stock.StockLevels(ctx, []string{productID})
			if err != nil {
				return Finding{}, err
			}

			qty := levels[productID].Quantity
			if qty > product.ReorderPoint {
				return Finding{}, nil
			}
			severity := domain.SeverityWarning
			if qty <= 0 {
				severity = domain.SeverityCritical
			}
			return Finding{
				Holds:     true,
				Severity:  severity,
				Message:   fmt.Sprintf("%s has %d left (reorder point %d)", product.Name, qty, product.ReorderPoint),
				Metric:    float64(qty),
				Threshold: float64(product.ReorderPoint),
			}, nil
		},
	}
}

// ExpiringProduct holds while a product's expiry date falls within window.
func ExpiringProduct(catalog store.Catalog, window time.Duration) Condition {
	return Condition{
		Type:        domain.AlertExpiringProduct,
		SubjectType: domain.KindProduct,
		Check: func(ctx context.Context, productID string, now time.Time) (Finding, error) {
			product, err := catalog.GetProduct(ctx, productID)
			if err != nil {
				return Finding{}, err
			}
			if !product.Active || product.ExpiresAt == nil {
				return Finding{}, nil
			}

			remaining := product.ExpiresAt.Sub(now)
			if remaining > window {
				return Finding{}, nil
			}
			days := math.Floor(remaining.Hours() / 24)
			severity := domain.SeverityWarning
			message := fmt.Sprintf("%s expires in %.0f day(s)", product.Name, days)
			if remaining <= 0 {
				severity = domain.SeverityCritical
				message = product.Name + " has expired"
			}
			return Finding{
				Holds:     true,
				Severity:  severity,
				Message:   message,
				Metric:    days,
				Threshold: window.Hours() / 24,
			}, nil
		},
	}
}

// CustomerDebt holds while outstanding credit is at or above ratio × limit.
func CustomerDebt(credit store.CreditStore, ratio float64) Condition {
	return Condition{
		Type:        domain.AlertCustomerDebt,
		SubjectType: domain.KindCustomer,
		Check: func(ctx context.Context, customerID string, _ time.Time) (Finding, error) {
			account, err := credit.GetCreditAccount(ctx, customerID)
			if err != nil {
				return Finding{}, err
			}
			if account.CreditLimitCents <= 0 || account.OutstandingCents <= 0 {
				return Finding{}, nil
			}

			used := float64(account.OutstandingCents) / float64(account.CreditLimitCents)
			if used < ratio {
				return Finding{}, nil
			}
			severity := domain.SeverityWarning
			if account.OutstandingCents >= account.CreditLimitCents {
				severity = domain.SeverityCritical
			}
			return Finding{
				Holds:     true,
				Severity:  severity,
				Message:   fmt.Sprintf("customer %s owes %d of %d", customerID, account.OutstandingCents, account.CreditLimitCents),
				Metric:    used,
				Threshold: ratio,
			}, nil
		},
	}
}

// PendingPurchaseOrder holds while an order stays unreceived past the SLA.
func PendingPurchaseOrder(orders store.PurchaseOrderStore, sla time.Duration) Condition {
	return Condition{
		Type:        domain.AlertPendingPurchaseOrder,
		SubjectType: domain.KindPurchaseOrder,
		Check: func(ctx context.Context, purchaseOrderID string, now time.Time) (Finding, error) {
			po, err := orders.GetPurchaseOrder(ctx, purchaseOrderID)
			if err != nil {
				return Finding{}, err
			}
			if po.Status != domain.PurchaseOrderPending {
				return Finding{}, nil
			}

			age := now.Sub(po.CreatedAt)
			if age <= sla {
				return Finding{}, nil
			}
			return Finding{
				Holds:     true,
				Severity:  domain.SeverityWarning,
				Message:   fmt.Sprintf("purchase order from %s pending for %.0fh", po.SupplierName, age.Hours()),
				Metric:    age.Hours(),
				Threshold: sla.Hours(),
			}, nil
		},
	}
}

// RegisterLeftOpen holds while a register's open session was opened before
// the most recent end-of-day boundary (closeHour, UTC).
func RegisterLeftOpen(cash store.CashLedgerStore, closeHour int) Condition {
	return Condition{
		Type:        domain.AlertRegisterLeftOpen,
		SubjectType: domain.KindRegister,
		Check: func(ctx context.Context, registerID string, now time.Time) (Finding, error) {
			session, err := cash.GetOpenSession(ctx, registerID)
			if errors.Is(err, domain.ErrNotFound) {
				return Finding{}, nil
			}
			if err != nil {
				return Finding{}, err
			}

			boundary := lastBoundary(now, closeHour)
			if !session.OpenedAt.Before(boundary) {
				return Finding{}, nil
			}
			hoursOpen := now.Sub(session.OpenedAt).Hours()
			return Finding{
				Holds:     true,
				Severity:  domain.SeverityWarning,
				Message:   fmt.Sprintf("register %s still open since %s", registerID, session.OpenedAt.Format(time.RFC3339)),
				Metric:    hoursOpen,
				Threshold: float64(closeHour),
			}, nil
		},
	}
}

// SyncPending holds while a terminal has more queued offline sales than
// threshold.
func SyncPending(counter PendingCounter, threshold int) Condition {
	return Condition{
		Type:        domain.AlertSyncPending,
		SubjectType: domain.KindTerminal,
		Check: func(ctx context.Context, terminalID string, _ time.Time) (Finding, error) {
			pending, err := counter.PendingCount(ctx, terminalID)
			if err != nil {
				return Finding{}, err
			}
			if pending <= threshold {
				return Finding{}, nil
			}
			return Finding{
				Holds:     true,
				Severity:  domain.SeverityWarning,
				Message:   fmt.Sprintf("terminal %s has %d offline sales waiting", terminalID, pending),
				Metric:    float64(pending),
				Threshold: float64(threshold),
			}, nil
		},
	}
}

func lastBoundary(now time.Time, closeHour int) time.Time {
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), closeHour, 0, 0, 0, time.UTC)
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}
