package sale

import (
	"context"
	"errors"
	"strings"

	"kasirledger/internal/domain"
	"kasirledger/internal/ledger"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
)

// Reverse moves a committed sale to Reversed and appends compensating
// movements: a return per line, a sale_reversal cash movement and a credit
// reversal entry. The original movements are never touched. Reversing an
// already reversed sale returns it unchanged.
func (e *Engine) Reverse(ctx context.Context, saleID string, reason string) (domain.SaleResult, error) {
	ctx, span := e.tracer.Start(ctx, "sale.reverse")
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.SaleResult{}, domain.NewValidationError("reason", "reversal reason is required")
	}

	original, err := e.sales.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if original.Status == domain.SaleReversed {
		return ToResult(*original), nil
	}

	reversed, err := e.reverseLocked(ctx, *original, reason)
	if err != nil {
		span.RecordError(err)
		return domain.SaleResult{}, err
	}

	metrics.SalesReversed.Inc()
	e.alerts.Notify(context.WithoutCancel(ctx), triggersFor(reversed)...)
	return ToResult(reversed), nil
}

func (e *Engine) reverseLocked(ctx context.Context, original domain.Sale, reason string) (domain.Sale, error) {
	keys := make([]string, 0, len(original.Lines)+2)
	for _, line := range original.Lines {
		keys = append(keys, ledger.ProductKey(line.ProductID))
	}
	if original.CashCents > 0 {
		keys = append(keys, ledger.RegisterKey(original.RegisterID))
	}
	if original.CreditCents > 0 {
		keys = append(keys, ledger.CustomerKey(original.CustomerID))
	}
	unlock := e.locks.Lock(keys...)
	defer unlock()

	return ledger.RetryOnConflict(ctx, e.maxRetries, nil, func() (domain.Sale, error) {
		current, err := e.sales.GetSale(ctx, original.ID)
		if err != nil {
			return domain.Sale{}, err
		}
		if current.Status == domain.SaleReversed {
			return *current, nil
		}
		return e.reverseAttempt(ctx, *current, reason)
	})
}

func (e *Engine) reverseAttempt(ctx context.Context, current domain.Sale, reason string) (domain.Sale, error) {
	updated := current
	updated.Lines = append([]domain.SaleLine(nil), current.Lines...)
	if err := updated.Transition(domain.SaleReversed, e.now()); err != nil {
		return domain.Sale{}, err
	}
	updated.ReversalReason = reason

	ids := make([]string, 0, len(current.Lines))
	movements := make([]domain.StockMovement, 0, len(current.Lines))
	for _, line := range current.Lines {
		ids = append(ids, line.ProductID)
		movements = append(movements, e.stock.NewMovement(line.ProductID, domain.StockReturn, line.Quantity, current.ID, reason))
	}
	products, err := e.catalog.GetProducts(ctx, ids)
	if err != nil {
		return domain.Sale{}, err
	}
	stockAppends, err := e.stock.PrepareAppends(ctx, products, movements)
	if err != nil {
		return domain.Sale{}, err
	}

	var cashAppend *store.CashAppend
	if current.CashCents > 0 {
		session, err := e.reversalSession(ctx, current)
		if err != nil {
			return domain.Sale{}, err
		}
		movement, err := e.cash.NewMovement(*session, domain.CashSaleReversal, current.CashCents, current.ID, reason)
		if err != nil {
			return domain.Sale{}, err
		}
		cashAppend = &movement
	}

	var creditAppend *store.CreditAppend
	if current.CreditCents > 0 {
		account, err := e.credit.Account(ctx, current.CustomerID)
		if err != nil {
			return domain.Sale{}, err
		}
		entry := e.credit.NewEntry(*account, domain.CreditReversal, current.CreditCents, current.ID)
		creditAppend = &entry
	}

	entry, err := e.audit.Build(ctx, domain.KindSale, current.ID, "sale_reverse", current, updated)
	if err != nil {
		return domain.Sale{}, err
	}

	err = e.sales.ReverseSale(ctx, store.SaleReversal{
		Sale:   updated,
		Stock:  stockAppends,
		Cash:   cashAppend,
		Credit: creditAppend,
		Audit:  entry,
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return updated, nil
}

// reversalSession prefers the session the sale was rung up in and falls back
// to the register's current session once that one is closed.
func (e *Engine) reversalSession(ctx context.Context, sale domain.Sale) (*domain.RegisterSession, error) {
	if sale.SessionID != "" {
		session, err := e.cash.Session(ctx, sale.SessionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err == nil && session.Status == domain.SessionOpen {
			return session, nil
		}
	}
	return e.cash.OpenSessionFor(ctx, sale.RegisterID)
}
