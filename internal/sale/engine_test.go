package sale

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"kasirledger/internal/alert"
	"kasirledger/internal/audit"
	"kasirledger/internal/domain"
	"kasirledger/internal/idempotency"
	"kasirledger/internal/ledger"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
)

type fixture struct {
	repo   *memory.Store
	engine *Engine
	stock  *ledger.StockLedger
	credit *ledger.CreditLedger
	cash   *ledger.CashLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return buildFixture(t, nil, nil)
}

// buildFixture wires an engine over a memory store. sales, when set, wraps
// the sale port; extra adds alert conditions that can see the key lock.
func buildFixture(t *testing.T, sales func(*memory.Store) store.SaleStore, extra func(*ledger.KeyLock) []alert.Condition) *fixture {
	t.Helper()
	repo := memory.New()
	locks := ledger.NewKeyLock()
	stock := ledger.NewStockLedger(repo, repo, locks, nil)
	credit := ledger.NewCreditLedger(repo, locks, nil)
	cash := ledger.NewCashLedger(repo, locks, nil)

	var saleStore store.SaleStore = repo
	if sales != nil {
		saleStore = sales(repo)
	}
	conditions := []alert.Condition{alert.LowStock(repo, repo), alert.CustomerDebt(repo, 0.8)}
	if extra != nil {
		conditions = append(conditions, extra(locks)...)
	}

	engine := NewEngine(Deps{
		Guard:   idempotency.NewGuard(repo, idempotency.Options{Wait: 2 * time.Second}),
		Catalog: repo,
		Sales:   saleStore,
		Stock:   stock,
		Credit:  credit,
		Cash:    cash,
		Audit:   audit.NewRecorder(repo, time.Hour, nil),
		Alerts:  alert.NewEngine(repo, nil, conditions...),
		Locks:   locks,
	}, Options{})
	return &fixture{repo: repo, engine: engine, stock: stock, credit: credit, cash: cash}
}

func (f *fixture) product(t *testing.T, id string, price int64, qty int) {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.UpsertProduct(ctx, domain.Product{
		Entity:       domain.NewEntity(id, time.Now()),
		Name:         id,
		PriceCents:   price,
		ReorderPoint: 2,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("upsert product failed: %v", err)
	}
	if qty > 0 {
		if _, err := f.stock.Append(ctx, []domain.StockMovement{f.stock.NewMovement(id, domain.StockInitialStock, qty, "", "")}); err != nil {
			t.Fatalf("seed stock failed: %v", err)
		}
	}
}

func (f *fixture) openRegister(t *testing.T, registerID string, opening int64) *domain.RegisterSession {
	t.Helper()
	session, err := f.cash.Open(context.Background(), registerID, opening, "cashier")
	if err != nil {
		t.Fatalf("open register failed: %v", err)
	}
	return session
}

func cashSale(productID string, qty int) domain.SaleRequest {
	return domain.SaleRequest{
		StoreID:       "main-store",
		RegisterID:    "R1",
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLineRequest{{ProductID: productID, Quantity: qty}},
	}
}

func TestCommitAndReplayDoesNotReapplyMovements(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 1000, 10)
	f.openRegister(t, "R1", 5000)
	ctx := context.Background()

	first, err := f.engine.Commit(ctx, cashSale("P", 4), "K1")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if first.Status != domain.SaleCommitted || first.TotalCents != 4000 {
		t.Fatalf("unexpected result: %+v", first)
	}

	replay, err := f.engine.Commit(ctx, cashSale("P", 4), "K1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !reflect.DeepEqual(first, replay) {
		t.Fatalf("expected identical replay\nfirst:  %+v\nreplay: %+v", first, replay)
	}

	qty, _ := f.stock.CurrentQuantity(ctx, "P")
	if qty != 6 {
		t.Fatalf("expected quantity 6 after replay, got %d", qty)
	}
	movements, _ := f.stock.Movements(ctx, "P")
	saleMovements := 0
	for _, m := range movements {
		if m.Kind == domain.StockSale {
			saleMovements++
			if m.Delta != -4 || m.Reference != first.SaleID {
				t.Fatalf("unexpected sale movement: %+v", m)
			}
		}
	}
	if saleMovements != 1 {
		t.Fatalf("expected one sale movement, got %d", saleMovements)
	}

	trail, _ := f.repo.ListAuditBySubject(ctx, domain.KindSale, first.SaleID)
	if len(trail) != 1 || trail[0].Action != "sale_commit" {
		t.Fatalf("expected one sale audit entry, got %+v", trail)
	}
}

func TestInsufficientStockWritesNothingAndReleasesKey(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A", 500, 5)
	f.product(t, "B", 700, 1)
	session := f.openRegister(t, "R1", 0)
	ctx := context.Background()

	req := domain.SaleRequest{
		StoreID:       "main-store",
		RegisterID:    "R1",
		PaymentMethod: domain.PaymentCash,
		Lines: []domain.SaleLineRequest{
			{ProductID: "A", Quantity: 2},
			{ProductID: "B", Quantity: 3},
		},
	}
	_, err := f.engine.Commit(ctx, req, "K-short")
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if insufficient.ProductID != "B" || insufficient.Requested != 3 || insufficient.Available != 1 {
		t.Fatalf("unexpected payload: %+v", insufficient)
	}

	for id, want := range map[string]int{"A": 5, "B": 1} {
		movements, _ := f.stock.Movements(ctx, id)
		if len(movements) != 1 {
			t.Fatalf("expected only the seed movement for %s, got %d", id, len(movements))
		}
		qty, _ := f.stock.CurrentQuantity(ctx, id)
		if qty != want {
			t.Fatalf("expected %s quantity %d, got %d", id, want, qty)
		}
	}
	cashMovements, _ := f.cash.Movements(ctx, session.ID)
	if len(cashMovements) != 0 {
		t.Fatalf("expected no cash movements, got %d", len(cashMovements))
	}

	f.product(t, "B", 700, 5)
	if _, err := f.engine.Commit(ctx, req, "K-short"); err != nil {
		t.Fatalf("expected retry after restock to succeed: %v", err)
	}
}

func TestCreditLimitExceededLeavesOutstanding(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 10, 100)
	ctx := context.Background()

	if _, err := f.credit.OpenAccount(ctx, "C", 100); err != nil {
		t.Fatalf("open account failed: %v", err)
	}
	if _, err := f.credit.Charge(ctx, "C", 90, "opening-debt"); err != nil {
		t.Fatalf("seed charge failed: %v", err)
	}

	_, err := f.engine.Commit(ctx, domain.SaleRequest{
		StoreID:       "main-store",
		CustomerID:    "C",
		PaymentMethod: domain.PaymentCredit,
		Lines:         []domain.SaleLineRequest{{ProductID: "P", Quantity: 2}},
	}, "K-credit")
	var exceeded *domain.CreditLimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected credit limit exceeded, got %v", err)
	}
	if exceeded.Requested != 20 || exceeded.Available != 10 {
		t.Fatalf("unexpected payload: %+v", exceeded)
	}

	outstanding, _ := f.credit.Outstanding(ctx, "C")
	if outstanding != 90 {
		t.Fatalf("expected outstanding to stay 90, got %d", outstanding)
	}
	qty, _ := f.stock.CurrentQuantity(ctx, "P")
	if qty != 100 {
		t.Fatalf("expected stock untouched, got %d", qty)
	}
}

func TestCreditSaleChargesAccountWithoutRegister(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 10, 100)
	ctx := context.Background()
	_, _ = f.credit.OpenAccount(ctx, "C", 100)

	result, err := f.engine.Commit(ctx, domain.SaleRequest{
		StoreID:       "main-store",
		CustomerID:    "C",
		PaymentMethod: domain.PaymentCredit,
		Lines:         []domain.SaleLineRequest{{ProductID: "P", Quantity: 5}},
	}, "K-credit-ok")
	if err != nil {
		t.Fatalf("credit sale failed: %v", err)
	}
	if result.CreditCents != 50 || result.CashCents != 0 || result.SessionID != "" {
		t.Fatalf("unexpected split: %+v", result)
	}

	account, _ := f.credit.Account(ctx, "C")
	if account.OutstandingCents != 50 || account.OutstandingCents > account.CreditLimitCents {
		t.Fatalf("unexpected account: %+v", account)
	}
}

func TestCashSaleUpdatesRegisterBalance(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 30, 10)
	session := f.openRegister(t, "R1", 50)
	ctx := context.Background()

	if _, err := f.engine.Commit(ctx, cashSale("P", 1), "K-cash"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	summary, err := f.cash.Close(ctx, session.ID, nil)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if summary.ClosingBalanceCents != 80 {
		t.Fatalf("expected closing balance 80, got %d", summary.ClosingBalanceCents)
	}

	_, err = f.engine.Commit(ctx, cashSale("P", 1), "K-after-close")
	if !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected register closed, got %v", err)
	}
}

func TestMixedPaymentSplitsCreditAndCash(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 10)
	session := f.openRegister(t, "R1", 0)
	ctx := context.Background()
	_, _ = f.credit.OpenAccount(ctx, "C", 1000)

	result, err := f.engine.Commit(ctx, domain.SaleRequest{
		StoreID:       "main-store",
		RegisterID:    "R1",
		CustomerID:    "C",
		PaymentMethod: domain.PaymentMixed,
		PaymentSplits: []domain.PaymentSplit{
			{Method: domain.PaymentCash, AmountCents: 120},
			{Method: domain.PaymentCredit, AmountCents: 180},
		},
		Lines: []domain.SaleLineRequest{{ProductID: "P", Quantity: 3}},
	}, "K-mixed")
	if err != nil {
		t.Fatalf("mixed sale failed: %v", err)
	}
	if result.CashCents != 120 || result.CreditCents != 180 {
		t.Fatalf("unexpected split: %+v", result)
	}

	outstanding, _ := f.credit.Outstanding(ctx, "C")
	if outstanding != 180 {
		t.Fatalf("expected outstanding 180, got %d", outstanding)
	}
	current, _ := f.cash.Session(ctx, session.ID)
	if current.BalanceCents != 120 {
		t.Fatalf("expected drawer 120, got %d", current.BalanceCents)
	}
}

func TestValidationFailureIsCachedForKey(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 10)
	ctx := context.Background()

	req := domain.SaleRequest{StoreID: "main-store", RegisterID: "R1", PaymentMethod: domain.PaymentCash}
	_, err := f.engine.Commit(ctx, req, "K-empty")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	req.Lines = []domain.SaleLineRequest{{ProductID: "P", Quantity: 1}}
	_, err = f.engine.Commit(ctx, req, "K-empty")
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected cached validation error on replay, got %v", err)
	}
}

func TestConcurrentRetriesShareOneResult(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 250, 50)
	f.openRegister(t, "R1", 0)
	ctx := context.Background()

	const callers = 16
	results := make([]domain.SaleResult, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			res, err := f.engine.Commit(ctx, cashSale("P", 3), "K-storm")
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	for i := 1; i < callers; i++ {
		if !reflect.DeepEqual(results[0], results[i]) {
			t.Fatalf("caller %d got a different result\nwant: %+v\ngot:  %+v", i, results[0], results[i])
		}
	}
	qty, _ := f.stock.CurrentQuantity(ctx, "P")
	if qty != 47 {
		t.Fatalf("expected exactly one sale applied, got quantity %d", qty)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 10)
	f.openRegister(t, "R1", 0)
	ctx := context.Background()

	var mu sync.Mutex
	committed := 0
	var g errgroup.Group
	for i := range 30 {
		g.Go(func() error {
			_, err := f.engine.Commit(ctx, cashSale("P", 1), "K-"+string(rune('a'+i)))
			if errors.Is(err, domain.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			committed++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent sales failed: %v", err)
	}
	if committed != 10 {
		t.Fatalf("expected 10 committed sales, got %d", committed)
	}
	rec, _ := f.stock.Reconcile(ctx, "P")
	if rec.Materialized != 0 || rec.Drift != 0 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}

func TestSaleRaisesLowStockAlert(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 4)
	f.openRegister(t, "R1", 0)
	ctx := context.Background()

	if _, err := f.engine.Commit(ctx, cashSale("P", 3), "K-low"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	alerts, _ := f.repo.ListAlerts(ctx, domain.AlertFilter{Types: []domain.AlertType{domain.AlertLowStock}})
	if len(alerts) != 1 || alerts[0].SubjectID != "P" {
		t.Fatalf("expected low stock alert for P, got %+v", alerts)
	}
}

func TestReverseEmitsCompensatingMovements(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 10)
	session := f.openRegister(t, "R1", 1000)
	ctx := context.Background()

	sold, err := f.engine.Commit(ctx, cashSale("P", 2), "K-rev")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	reversed, err := f.engine.Reverse(ctx, sold.SaleID, "customer changed mind")
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if reversed.Status != domain.SaleReversed {
		t.Fatalf("expected reversed status, got %s", reversed.Status)
	}

	again, err := f.engine.Reverse(ctx, sold.SaleID, "customer changed mind")
	if err != nil || again.Status != domain.SaleReversed {
		t.Fatalf("expected repeated reversal to be a no-op, got %+v %v", again, err)
	}

	qty, _ := f.stock.CurrentQuantity(ctx, "P")
	if qty != 10 {
		t.Fatalf("expected stock restored to 10, got %d", qty)
	}
	movements, _ := f.stock.Movements(ctx, "P")
	if len(movements) != 3 {
		t.Fatalf("expected seed, sale and return movements, got %d", len(movements))
	}

	current, _ := f.cash.Session(ctx, session.ID)
	if current.BalanceCents != 1000 {
		t.Fatalf("expected drawer back to 1000, got %d", current.BalanceCents)
	}

	trail, _ := f.repo.ListAuditBySubject(ctx, domain.KindSale, sold.SaleID)
	if len(trail) != 2 || trail[1].Action != "sale_reverse" {
		t.Fatalf("expected commit and reverse audit entries, got %+v", trail)
	}
}

func TestCommitFindsSaleWrittenByLostAttempt(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 100, 10)
	ctx := context.Background()

	existing := domain.Sale{
		Entity:         domain.NewEntity("sale_orphan", time.Now()),
		StoreID:        "main-store",
		IdempotencyKey: "K-orphan",
		PaymentMethod:  domain.PaymentCash,
		Status:         domain.SaleCommitted,
		TotalCents:     100,
	}
	if err := f.repo.CommitSale(ctx, store.SaleCommit{Sale: existing}); err != nil {
		t.Fatalf("seed sale failed: %v", err)
	}

	result, err := f.engine.Commit(ctx, cashSale("P", 1), "K-orphan")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if result.SaleID != "sale_orphan" {
		t.Fatalf("expected stored sale to be returned, got %s", result.SaleID)
	}
	qty, _ := f.stock.CurrentQuantity(ctx, "P")
	if qty != 10 {
		t.Fatalf("expected no new movements, got quantity %d", qty)
	}
}

// conflictingSales reports a lost conditional write on every CommitSale
// while conflict is set.
type conflictingSales struct {
	store.SaleStore
	mu       sync.Mutex
	calls    int
	conflict bool
}

func (s *conflictingSales) CommitSale(ctx context.Context, commit store.SaleCommit) error {
	s.mu.Lock()
	s.calls++
	conflict := s.conflict
	s.mu.Unlock()
	if conflict {
		return domain.ErrConcurrencyConflict
	}
	return s.SaleStore.CommitSale(ctx, commit)
}

func TestConflictRetriesAreBoundedAndNotCached(t *testing.T) {
	var sales *conflictingSales
	f := buildFixture(t, func(repo *memory.Store) store.SaleStore {
		sales = &conflictingSales{SaleStore: repo, conflict: true}
		return sales
	}, nil)
	f.product(t, "P", 1000, 10)
	session := f.openRegister(t, "R1", 0)
	ctx := context.Background()

	_, err := f.engine.Commit(ctx, cashSale("P", 2), "K-conflict")
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	if sales.calls != ledger.DefaultMaxTries {
		t.Fatalf("expected %d commit attempts, got %d", ledger.DefaultMaxTries, sales.calls)
	}
	levels, _ := f.repo.StockLevels(ctx, []string{"P"})
	if levels["P"].Quantity != 10 {
		t.Fatalf("failed commit must not move stock, got %d", levels["P"].Quantity)
	}

	sales.mu.Lock()
	sales.conflict = false
	sales.mu.Unlock()

	res, err := f.engine.Commit(ctx, cashSale("P", 2), "K-conflict")
	if err != nil {
		t.Fatalf("expected the key to be retryable after conflicts, got %v", err)
	}
	if res.Status != domain.SaleCommitted || res.TotalCents != 2000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := f.cash.Session(ctx, session.ID)
	if got.BalanceCents != 2000 {
		t.Fatalf("expected drawer 2000, got %d", got.BalanceCents)
	}
}

func TestOversizedQuantityIsRejectedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.UpsertProduct(ctx, domain.Product{
		Entity:         domain.NewEntity("BO", time.Now()),
		Name:           "BO",
		PriceCents:     4,
		AllowBackorder: true,
		Active:         true,
	}); err != nil {
		t.Fatalf("upsert product failed: %v", err)
	}
	session := f.openRegister(t, "R1", 0)

	_, err := f.engine.Commit(ctx, cashSale("BO", 1<<62+25), "K-huge")
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "quantity" {
		t.Fatalf("expected quantity validation error, got %v", err)
	}

	merged := cashSale("BO", math.MaxInt/2+1)
	merged.Lines = append(merged.Lines, domain.SaleLineRequest{ProductID: "BO", Quantity: math.MaxInt/2 + 1})
	if _, err := f.engine.Commit(ctx, merged, "K-merged"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for merged quantity, got %v", err)
	}

	movements, _ := f.repo.ListStockMovements(ctx, "BO")
	if len(movements) != 0 {
		t.Fatalf("expected no stock movements, got %d", len(movements))
	}
	got, _ := f.cash.Session(ctx, session.ID)
	if got.BalanceCents != 0 {
		t.Fatalf("expected untouched drawer, got %d", got.BalanceCents)
	}
}

func TestRegisterAndCustomerIDsAreTrimmed(t *testing.T) {
	f := newFixture(t)
	f.product(t, "P", 500, 10)
	f.openRegister(t, "R1", 0)
	ctx := context.Background()
	if _, err := f.credit.OpenAccount(ctx, "C1", 10000); err != nil {
		t.Fatalf("open account failed: %v", err)
	}

	req := domain.SaleRequest{
		StoreID:       "main-store",
		RegisterID:    " R1 ",
		CustomerID:    "C1\t",
		PaymentMethod: domain.PaymentMixed,
		PaymentSplits: []domain.PaymentSplit{
			{Method: domain.PaymentCash, AmountCents: 600},
			{Method: domain.PaymentCredit, AmountCents: 400},
		},
		Lines: []domain.SaleLineRequest{{ProductID: "P", Quantity: 2}},
	}
	res, err := f.engine.Commit(ctx, req, "K-trim")
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if res.RegisterID != "R1" || res.CustomerID != "C1" {
		t.Fatalf("expected trimmed ids, got register=%q customer=%q", res.RegisterID, res.CustomerID)
	}
	outstanding, _ := f.credit.Outstanding(ctx, "C1")
	if outstanding != 400 {
		t.Fatalf("expected outstanding 400, got %d", outstanding)
	}
}

func TestAlertsAreEvaluatedAfterLocksAreReleased(t *testing.T) {
	var mu sync.Mutex
	heldDuringEvaluation := false
	tryLock := func(locks *ledger.KeyLock) []alert.Condition {
		return []alert.Condition{{
			Type:        domain.AlertExpiringProduct,
			SubjectType: domain.KindProduct,
			Check: func(_ context.Context, subjectID string, _ time.Time) (alert.Finding, error) {
				acquired := make(chan func(), 1)
				go func() { acquired <- locks.Lock(ledger.ProductKey(subjectID)) }()
				select {
				case unlock := <-acquired:
					unlock()
				case <-time.After(time.Second):
					mu.Lock()
					heldDuringEvaluation = true
					mu.Unlock()
					go func() { (<-acquired)() }()
				}
				return alert.Finding{}, nil
			},
		}}
	}
	f := buildFixture(t, nil, tryLock)
	f.product(t, "P", 100, 10)
	f.openRegister(t, "R1", 0)

	if _, err := f.engine.Commit(context.Background(), cashSale("P", 1), "K-notify"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if heldDuringEvaluation {
		t.Fatalf("product lock was still held while alerts were evaluated")
	}
}
