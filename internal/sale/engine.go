// Package sale commits and reverses sales as single atomic units across the
// stock, cash and credit ledgers.
package sale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kasirledger/internal/alert"
	"kasirledger/internal/audit"
	"kasirledger/internal/domain"
	"kasirledger/internal/idempotency"
	"kasirledger/internal/ledger"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
	"kasirledger/internal/telemetry"
	"kasirledger/internal/xid"
)

type Deps struct {
	Guard   *idempotency.Guard
	Catalog store.Catalog
	Sales   store.SaleStore
	Stock   *ledger.StockLedger
	Credit  *ledger.CreditLedger
	Cash    *ledger.CashLedger
	Audit   *audit.Recorder
	Alerts  *alert.Engine
	Locks   *ledger.KeyLock
}

type Options struct {
	// MaxRetries bounds commit attempts lost to concurrency conflicts.
	MaxRetries uint
	Now        func() time.Time
}

type Engine struct {
	guard      *idempotency.Guard
	catalog    store.Catalog
	sales      store.SaleStore
	stock      *ledger.StockLedger
	credit     *ledger.CreditLedger
	cash       *ledger.CashLedger
	audit      *audit.Recorder
	alerts     *alert.Engine
	locks      *ledger.KeyLock
	tracer     trace.Tracer
	maxRetries uint
	now        func() time.Time
}

func NewEngine(deps Deps, opts Options) *Engine {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = ledger.DefaultMaxTries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		guard:      deps.Guard,
		catalog:    deps.Catalog,
		sales:      deps.Sales,
		stock:      deps.Stock,
		credit:     deps.Credit,
		cash:       deps.Cash,
		audit:      deps.Audit,
		alerts:     deps.Alerts,
		locks:      deps.Locks,
		tracer:     telemetry.Tracer(),
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
	}
}

// cachedOutcome is what the idempotency guard stores for a settled key.
type cachedOutcome struct {
	Result  *domain.SaleResult      `json:"result,omitempty"`
	Failure *domain.FailureEnvelope `json:"failure,omitempty"`
}

// Commit applies req at most once per idempotency key. Replays return the
// stored result without touching the ledgers. Validation failures are
// cached; stock, credit and register failures release the key so the
// caller can retry once the situation changes.
func (e *Engine) Commit(ctx context.Context, req domain.SaleRequest, key string) (domain.SaleResult, error) {
	ctx, span := e.tracer.Start(ctx, "sale.commit", trace.WithAttributes(
		attribute.String("sale.payment_method", string(req.PaymentMethod)),
		attribute.Int("sale.lines", len(req.Lines)),
	))
	defer span.End()
	started := time.Now()

	result, err := e.commit(ctx, req, key)
	metrics.CommitLatency.Observe(float64(time.Since(started).Milliseconds()))
	if err != nil {
		metrics.SalesRejected.WithLabelValues(domain.ErrorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorKind(err))
		return domain.SaleResult{}, err
	}
	span.SetAttributes(attribute.String("sale.id", result.SaleID))
	return result, nil
}

func (e *Engine) commit(ctx context.Context, req domain.SaleRequest, key string) (domain.SaleResult, error) {
	decision, err := e.guard.Begin(ctx, key)
	if err != nil {
		return domain.SaleResult{}, err
	}
	if decision.Outcome == idempotency.InProgress {
		if decision, err = e.guard.Wait(ctx, key); err != nil {
			return domain.SaleResult{}, err
		}
	}
	if decision.Outcome == idempotency.Replay {
		return decodeOutcome(decision.Payload)
	}

	key = strings.TrimSpace(key)
	sale, err := e.execute(ctx, req, key)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			payload, _ := json.Marshal(cachedOutcome{Failure: domain.EnvelopeFor(err)})
			if settleErr := e.guard.Complete(ctx, key, decision.Token, payload); settleErr != nil {
				log.Printf("[sale] WARN: failed to cache validation failure key=%s: %v", key, settleErr)
			}
			return domain.SaleResult{}, err
		}
		if settleErr := e.guard.Fail(ctx, key, decision.Token, err); settleErr != nil {
			log.Printf("[sale] WARN: failed to release idempotency key=%s: %v", key, settleErr)
		}
		return domain.SaleResult{}, err
	}

	result := ToResult(sale)
	payload, err := json.Marshal(cachedOutcome{Result: &result})
	if err != nil {
		return domain.SaleResult{}, fmt.Errorf("encode sale result: %w", err)
	}
	if err := e.guard.Complete(ctx, key, decision.Token, payload); err != nil {
		// The sale is committed and unique per key; a lost claim only means
		// replays fall back to the stored sale.
		log.Printf("[sale] WARN: failed to store idempotency result key=%s: %v", key, err)
	}
	return result, nil
}

func decodeOutcome(payload []byte) (domain.SaleResult, error) {
	var outcome cachedOutcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return domain.SaleResult{}, fmt.Errorf("decode cached sale result: %w", err)
	}
	if outcome.Failure != nil {
		return domain.SaleResult{}, outcome.Failure.Err()
	}
	if outcome.Result == nil {
		return domain.SaleResult{}, errors.New("cached sale result is empty")
	}
	return *outcome.Result, nil
}

// plan is a validated request, priced against the catalog.
type plan struct {
	lines       []domain.SaleLine
	products    map[string]domain.Product
	splits      []domain.PaymentSplit
	totalCents  int64
	creditCents int64
	cashCents   int64
}

func (e *Engine) execute(ctx context.Context, req domain.SaleRequest, key string) (domain.Sale, error) {
	if existing, err := e.sales.FindSaleByIdempotencyKey(ctx, key); err == nil {
		return *existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Sale{}, err
	}

	req.RegisterID = strings.TrimSpace(req.RegisterID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	p, err := e.plan(ctx, req)
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := e.commitLocked(ctx, req, key, p)
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, findErr := e.sales.FindSaleByIdempotencyKey(ctx, key)
		if findErr != nil {
			return domain.Sale{}, findErr
		}
		return *existing, nil
	}
	if err != nil {
		return domain.Sale{}, err
	}

	metrics.SalesCommitted.WithLabelValues(string(sale.PaymentMethod)).Inc()
	for range p.lines {
		metrics.StockMovements.WithLabelValues(string(domain.StockSale)).Inc()
	}
	if p.cashCents > 0 {
		metrics.CashMovements.WithLabelValues(string(domain.CashSale)).Inc()
	}
	e.alerts.Notify(context.WithoutCancel(ctx), triggersFor(sale)...)
	return sale, nil
}

// commitLocked holds every ledger key the plan touches for the duration of
// the retry loop and releases them before the caller does follow-up work.
func (e *Engine) commitLocked(ctx context.Context, req domain.SaleRequest, key string, p plan) (domain.Sale, error) {
	keys := make([]string, 0, len(p.lines)+2)
	for _, line := range p.lines {
		keys = append(keys, ledger.ProductKey(line.ProductID))
	}
	if p.cashCents > 0 {
		keys = append(keys, ledger.RegisterKey(req.RegisterID))
	}
	if p.creditCents > 0 {
		keys = append(keys, ledger.CustomerKey(req.CustomerID))
	}
	unlock := e.locks.Lock(keys...)
	defer unlock()

	saleID := xid.New(xid.PrefixSale)
	onRetry := func(error) { metrics.CommitRetries.Inc() }
	return ledger.RetryOnConflict(ctx, e.maxRetries, onRetry, func() (domain.Sale, error) {
		return e.attempt(ctx, req, key, saleID, p)
	})
}

// attempt reads current ledger state, checks every invariant and hands the
// whole commit to the store in one conditional write.
func (e *Engine) attempt(ctx context.Context, req domain.SaleRequest, key string, saleID string, p plan) (domain.Sale, error) {
	movements := make([]domain.StockMovement, 0, len(p.lines))
	for _, line := range p.lines {
		movements = append(movements, e.stock.NewMovement(line.ProductID, domain.StockSale, -line.Quantity, saleID, ""))
	}
	stockAppends, err := e.stock.PrepareAppends(ctx, p.products, movements)
	if err != nil {
		return domain.Sale{}, err
	}

	var creditAppend *store.CreditAppend
	if p.creditCents > 0 {
		account, err := e.credit.Account(ctx, req.CustomerID)
		if err != nil {
			return domain.Sale{}, fmt.Errorf("credit account %s: %w", req.CustomerID, err)
		}
		if err := ledger.CheckCharge(*account, p.creditCents); err != nil {
			return domain.Sale{}, err
		}
		entry := e.credit.NewEntry(*account, domain.CreditCharge, p.creditCents, saleID)
		creditAppend = &entry
	}

	sessionID := ""
	var cashAppend *store.CashAppend
	if p.cashCents > 0 {
		session, err := e.cash.OpenSessionFor(ctx, req.RegisterID)
		if err != nil {
			return domain.Sale{}, err
		}
		movement, err := e.cash.NewMovement(*session, domain.CashSale, p.cashCents, saleID, "")
		if err != nil {
			return domain.Sale{}, err
		}
		sessionID = session.ID
		cashAppend = &movement
	}

	now := e.now()
	sale := domain.Sale{
		Entity:         domain.NewEntity(saleID, now),
		StoreID:        req.StoreID,
		IdempotencyKey: key,
		CustomerID:     req.CustomerID,
		RegisterID:     req.RegisterID,
		SessionID:      sessionID,
		Lines:          p.lines,
		PaymentMethod:  req.PaymentMethod,
		PaymentSplits:  p.splits,
		TotalCents:     p.totalCents,
		CreditCents:    p.creditCents,
		CashCents:      p.cashCents,
		Status:         domain.SaleDraft,
	}
	if err := sale.Transition(domain.SaleValidated, now); err != nil {
		return domain.Sale{}, err
	}
	if err := sale.Transition(domain.SaleCommitted, now); err != nil {
		return domain.Sale{}, err
	}

	entry, err := e.audit.Build(ctx, domain.KindSale, sale.ID, "sale_commit", nil, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	err = e.sales.CommitSale(ctx, store.SaleCommit{
		Sale:   sale,
		Stock:  stockAppends,
		Cash:   cashAppend,
		Credit: creditAppend,
		Audit:  entry,
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (e *Engine) plan(ctx context.Context, req domain.SaleRequest) (plan, error) {
	if !req.PaymentMethod.Valid() {
		return plan{}, domain.NewValidationError("payment_method", "unsupported payment method")
	}
	requested, err := normalizeLines(req.Lines)
	if err != nil {
		return plan{}, err
	}

	ids := make([]string, 0, len(requested))
	for _, line := range requested {
		ids = append(ids, line.ProductID)
	}
	products, err := e.catalog.GetProducts(ctx, ids)
	if err != nil {
		return plan{}, err
	}

	p := plan{products: products, lines: make([]domain.SaleLine, 0, len(requested))}
	for _, line := range requested {
		product, ok := products[line.ProductID]
		if !ok {
			return plan{}, fmt.Errorf("product %s: %w", line.ProductID, domain.ErrNotFound)
		}
		if !product.Active {
			return plan{}, domain.NewValidationError("lines", "product "+product.ID+" is not active")
		}
		saleLine := domain.SaleLine{
			ProductID:      product.ID,
			Quantity:       line.Quantity,
			UnitPriceCents: product.PriceCents,
			DiscountCents:  line.DiscountCents,
		}
		lineTotal, err := saleLine.CheckedTotalCents()
		if err != nil {
			return plan{}, err
		}
		total, ok := domain.AddCents(p.totalCents, lineTotal)
		if !ok {
			return plan{}, domain.NewValidationError("lines", "sale total is too large")
		}
		p.lines = append(p.lines, saleLine)
		p.totalCents = total
	}

	switch req.PaymentMethod {
	case domain.PaymentCredit:
		p.creditCents = p.totalCents
	case domain.PaymentMixed:
		p.splits, err = normalizeSplits(req.PaymentSplits, p.totalCents)
		if err != nil {
			return plan{}, err
		}
		for _, split := range p.splits {
			if split.Method == domain.PaymentCredit {
				p.creditCents += split.AmountCents
			} else {
				p.cashCents += split.AmountCents
			}
		}
	default:
		p.cashCents = p.totalCents
	}

	if p.creditCents > 0 && req.CustomerID == "" {
		return plan{}, domain.NewValidationError("customer_id", "credit payment requires a customer")
	}
	if p.cashCents > 0 && req.RegisterID == "" {
		return plan{}, domain.NewValidationError("register_id", "register is required for non-credit payment")
	}
	return p, nil
}

// normalizeLines merges repeated products so every product gets exactly one
// movement per sale.
func normalizeLines(lines []domain.SaleLineRequest) ([]domain.SaleLineRequest, error) {
	if len(lines) == 0 {
		return nil, domain.NewValidationError("lines", "sale needs at least one line item")
	}

	merged := make([]domain.SaleLineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return nil, domain.NewValidationError("product_id", "product id is required")
		}
		if line.Quantity <= 0 {
			return nil, domain.NewValidationError("quantity", "quantity must be positive")
		}
		if line.DiscountCents < 0 {
			return nil, domain.NewValidationError("discount_cents", "discount must not be negative")
		}
		if i, ok := index[line.ProductID]; ok {
			if line.Quantity > math.MaxInt-merged[i].Quantity {
				return nil, domain.NewValidationError("quantity", "combined quantity is too large for "+line.ProductID)
			}
			discount, ok := domain.AddCents(merged[i].DiscountCents, line.DiscountCents)
			if !ok {
				return nil, domain.NewValidationError("discount_cents", "combined discount is too large for "+line.ProductID)
			}
			merged[i].Quantity += line.Quantity
			merged[i].DiscountCents = discount
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

func normalizeSplits(splits []domain.PaymentSplit, totalCents int64) ([]domain.PaymentSplit, error) {
	if len(splits) < 2 {
		return nil, domain.NewValidationError("payment_splits", "mixed payment needs at least two splits")
	}

	sum := int64(0)
	out := make([]domain.PaymentSplit, 0, len(splits))
	for _, split := range splits {
		if !split.Method.Valid() || split.Method == domain.PaymentMixed {
			return nil, domain.NewValidationError("payment_splits", "unsupported split method")
		}
		if split.AmountCents <= 0 {
			return nil, domain.NewValidationError("payment_splits", "split amount must be positive")
		}
		split.Reference = strings.TrimSpace(split.Reference)
		next, ok := domain.AddCents(sum, split.AmountCents)
		if !ok {
			return nil, domain.NewValidationError("payment_splits", "split amounts are too large")
		}
		sum = next
		out = append(out, split)
	}
	if sum != totalCents {
		return nil, domain.NewValidationError("payment_splits", fmt.Sprintf("splits sum to %d, sale total is %d", sum, totalCents))
	}
	return out, nil
}

func triggersFor(sale domain.Sale) []domain.AlertTrigger {
	triggers := make([]domain.AlertTrigger, 0, len(sale.Lines)+2)
	for _, line := range sale.Lines {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: line.ProductID})
	}
	if sale.CreditCents > 0 {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindCustomer, SubjectID: sale.CustomerID})
	}
	if sale.RegisterID != "" {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindRegister, SubjectID: sale.RegisterID})
	}
	return triggers
}

func ToResult(sale domain.Sale) domain.SaleResult {
	committedAt := ""
	if sale.CommittedAt != nil {
		committedAt = sale.CommittedAt.UTC().Format(time.RFC3339Nano)
	}
	return domain.SaleResult{
		SaleID:        sale.ID,
		Status:        sale.Status,
		StoreID:       sale.StoreID,
		RegisterID:    sale.RegisterID,
		SessionID:     sale.SessionID,
		CustomerID:    sale.CustomerID,
		PaymentMethod: sale.PaymentMethod,
		PaymentSplits: slices.Clone(sale.PaymentSplits),
		Lines:         slices.Clone(sale.Lines),
		TotalCents:    sale.TotalCents,
		CreditCents:   sale.CreditCents,
		CashCents:     sale.CashCents,
		CommittedAt:   committedAt,
	}
}
