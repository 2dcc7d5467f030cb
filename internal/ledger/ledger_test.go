package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"kasirledger/internal/domain"
	"kasirledger/internal/store/memory"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func seedProduct(t *testing.T, repo *memory.Store, id string, allowBackorder bool) {
	t.Helper()
	_, err := repo.UpsertProduct(context.Background(), domain.Product{
		Entity:         domain.NewEntity(id, fixedNow()),
		Name:           id,
		PriceCents:     1000,
		ReorderPoint:   3,
		AllowBackorder: allowBackorder,
		Active:         true,
	})
	if err != nil {
		t.Fatalf("seed product failed: %v", err)
	}
}

func TestStockAppendKeepsMaterializedEqualToFold(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "P1", false)
	stock := NewStockLedger(repo, repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	for _, delta := range []int{10, -4, 7, -2} {
		kind := domain.StockPurchase
		if delta < 0 {
			kind = domain.StockAdjustment
		}
		if _, err := stock.Append(ctx, []domain.StockMovement{stock.NewMovement("P1", kind, delta, "", "")}); err != nil {
			t.Fatalf("append %d failed: %v", delta, err)
		}
	}

	qty, err := stock.CurrentQuantity(ctx, "P1")
	if err != nil {
		t.Fatalf("current quantity failed: %v", err)
	}
	if qty != 11 {
		t.Fatalf("expected quantity 11, got %d", qty)
	}

	rec, err := stock.Reconcile(ctx, "P1")
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if rec.Drift != 0 || rec.Folded != 11 || rec.Movements != 4 {
		t.Fatalf("unexpected reconciliation: %+v", rec)
	}
}

func TestStockAppendRejectsNegativeWithoutBackorder(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "P1", false)
	seedProduct(t, repo, "P2", true)
	stock := NewStockLedger(repo, repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	_, err := stock.Append(ctx, []domain.StockMovement{stock.NewMovement("P1", domain.StockLoss, -1, "", "broken")})
	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if insufficient.Requested != 1 || insufficient.Available != 0 {
		t.Fatalf("unexpected payload: %+v", insufficient)
	}

	if _, err := stock.Append(ctx, []domain.StockMovement{stock.NewMovement("P2", domain.StockAdjustment, -3, "", "")}); err != nil {
		t.Fatalf("expected backorder product to go negative: %v", err)
	}
	qty, _ := stock.CurrentQuantity(ctx, "P2")
	if qty != -3 {
		t.Fatalf("expected quantity -3, got %d", qty)
	}
}

func TestStockAppendUnknownProduct(t *testing.T) {
	repo := memory.New()
	stock := NewStockLedger(repo, repo, NewKeyLock(), fixedNow)

	_, err := stock.Append(context.Background(), []domain.StockMovement{stock.NewMovement("missing", domain.StockPurchase, 1, "", "")})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentStockWithdrawalsNeverOversell(t *testing.T) {
	repo := memory.New()
	seedProduct(t, repo, "P1", false)
	stock := NewStockLedger(repo, repo, NewKeyLock(), fixedNow)
	ctx := context.Background()
	if _, err := stock.Append(ctx, []domain.StockMovement{stock.NewMovement("P1", domain.StockInitialStock, 10, "", "")}); err != nil {
		t.Fatalf("seed stock failed: %v", err)
	}

	var mu sync.Mutex
	succeeded := 0
	var g errgroup.Group
	for range 25 {
		g.Go(func() error {
			_, err := stock.Append(ctx, []domain.StockMovement{stock.NewMovement("P1", domain.StockLoss, -1, "", "")})
			if errors.Is(err, domain.ErrInsufficientStock) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent append failed: %v", err)
	}
	if succeeded != 10 {
		t.Fatalf("expected exactly 10 successful withdrawals, got %d", succeeded)
	}
	qty, _ := stock.CurrentQuantity(ctx, "P1")
	if qty != 0 {
		t.Fatalf("expected quantity 0, got %d", qty)
	}
}

func TestCreditChargeWithinLimitAndPay(t *testing.T) {
	repo := memory.New()
	credit := NewCreditLedger(repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	if _, err := credit.OpenAccount(ctx, "C1", 100); err != nil {
		t.Fatalf("open account failed: %v", err)
	}
	if _, err := credit.Charge(ctx, "C1", 90, "sale-1"); err != nil {
		t.Fatalf("charge failed: %v", err)
	}

	_, err := credit.Charge(ctx, "C1", 20, "sale-2")
	var exceeded *domain.CreditLimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected credit limit exceeded, got %v", err)
	}
	if exceeded.Requested != 20 || exceeded.Available != 10 {
		t.Fatalf("unexpected payload: %+v", exceeded)
	}

	outstanding, _ := credit.Outstanding(ctx, "C1")
	if outstanding != 90 {
		t.Fatalf("expected outstanding 90, got %d", outstanding)
	}

	if _, err := credit.Pay(ctx, "C1", 100, "pay-1"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected overpayment to be rejected, got %v", err)
	}
	if _, err := credit.Pay(ctx, "C1", 40, "pay-1"); err != nil {
		t.Fatalf("pay failed: %v", err)
	}

	outstanding, _ = credit.Outstanding(ctx, "C1")
	folded, _ := credit.Fold(ctx, "C1")
	if outstanding != 50 || folded != 50 {
		t.Fatalf("expected outstanding and fold of 50, got %d and %d", outstanding, folded)
	}
}

func TestCreditOpenAccountTwice(t *testing.T) {
	repo := memory.New()
	credit := NewCreditLedger(repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	if _, err := credit.OpenAccount(ctx, "C1", 100); err != nil {
		t.Fatalf("open account failed: %v", err)
	}
	if _, err := credit.OpenAccount(ctx, "C1", 100); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestCashSessionOpenMovementClose(t *testing.T) {
	repo := memory.New()
	cash := NewCashLedger(repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	session, err := cash.Open(ctx, "R1", 50, "admin")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := cash.Open(ctx, "R1", 10, "admin"); !errors.Is(err, domain.ErrRegisterAlreadyOpen) {
		t.Fatalf("expected register already open, got %v", err)
	}

	if _, err := cash.RecordMovement(ctx, session.ID, domain.CashSale, 30, "sale-1", ""); err != nil {
		t.Fatalf("record movement failed: %v", err)
	}
	if _, err := cash.RecordMovement(ctx, session.ID, domain.CashWithdrawal, 500, "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected overdraw to be rejected, got %v", err)
	}

	counted := int64(75)
	summary, err := cash.Close(ctx, session.ID, &counted)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if summary.ClosingBalanceCents != 80 {
		t.Fatalf("expected closing balance 80, got %d", summary.ClosingBalanceCents)
	}
	if summary.VarianceCents == nil || *summary.VarianceCents != -5 {
		t.Fatalf("expected variance -5, got %v", summary.VarianceCents)
	}
	if summary.TotalsByKind[domain.CashSale] != 30 || summary.MovementCount != 1 {
		t.Fatalf("unexpected totals: %+v", summary)
	}

	if _, err := cash.RecordMovement(ctx, session.ID, domain.CashDeposit, 10, "", ""); !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected register closed, got %v", err)
	}
	if _, err := cash.Close(ctx, session.ID, nil); !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected second close to fail, got %v", err)
	}

	if _, err := cash.Open(ctx, "R1", 0, "admin"); err != nil {
		t.Fatalf("expected reopen after close: %v", err)
	}
}

func TestConcurrentOpenAllowsOneSession(t *testing.T) {
	repo := memory.New()
	cash := NewCashLedger(repo, NewKeyLock(), fixedNow)
	ctx := context.Background()

	var mu sync.Mutex
	opened := 0
	var g errgroup.Group
	for range 16 {
		g.Go(func() error {
			_, err := cash.Open(ctx, "R1", 100, "admin")
			if errors.Is(err, domain.ErrRegisterAlreadyOpen) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			opened++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent open failed: %v", err)
	}
	if opened != 1 {
		t.Fatalf("expected exactly one open session, got %d", opened)
	}
}

func TestKeyLockSerializesOverlappingKeys(t *testing.T) {
	locks := NewKeyLock()
	counter := 0
	var g errgroup.Group
	for i := range 50 {
		g.Go(func() error {
			keys := []string{ProductKey("A"), ProductKey("B")}
			if i%2 == 0 {
				keys = []string{ProductKey("B"), ProductKey("A"), ProductKey("A")}
			}
			unlock := locks.Lock(keys...)
			counter++
			unlock()
			return nil
		})
	}
	_ = g.Wait()
	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
	if len(locks.locks) != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", len(locks.locks))
	}
}
