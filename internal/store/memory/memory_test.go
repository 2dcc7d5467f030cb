package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
)

func stockAppend(id string, productID string, delta int, expected int64, at time.Time) store.StockAppend {
	return store.StockAppend{
		Movement: domain.StockMovement{
			Entity:    domain.NewEntity(id, at),
			ProductID: productID,
			Delta:     delta,
			Kind:      domain.StockPurchase,
		},
		ExpectedVersion: expected,
	}
}

func TestAppendStockRejectsStaleBatchAtomically(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	if err := s.AppendStockMovements(ctx, []store.StockAppend{stockAppend("m1", "a", 10, 0, now)}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	err := s.AppendStockMovements(ctx, []store.StockAppend{
		stockAppend("m2", "b", 5, 0, now),
		stockAppend("m3", "a", -1, 0, now),
	})
	if !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	levels, _ := s.StockLevels(ctx, []string{"a", "b"})
	if levels["a"].Quantity != 10 || levels["a"].Version != 1 {
		t.Fatalf("unexpected level for a: %+v", levels["a"])
	}
	if levels["b"].Quantity != 0 || levels["b"].Version != 0 {
		t.Fatalf("stale batch must not touch b: %+v", levels["b"])
	}
	movements, _ := s.ListStockMovements(ctx, "b")
	if len(movements) != 0 {
		t.Fatalf("expected no movements for b, got %d", len(movements))
	}
}

func TestCommitSaleRejectsReusedKeyAndClosedRegister(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	session := domain.RegisterSession{Entity: domain.NewEntity("rs1", now), RegisterID: "reg-1", Status: domain.SessionOpen, OpenedAt: now}
	if _, err := s.OpenSession(ctx, session); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := s.OpenSession(ctx, domain.RegisterSession{Entity: domain.NewEntity("rs2", now), RegisterID: "reg-1", Status: domain.SessionOpen}); !errors.Is(err, domain.ErrRegisterAlreadyOpen) {
		t.Fatalf("expected register already open, got %v", err)
	}

	commit := store.SaleCommit{
		Sale:  domain.Sale{Entity: domain.NewEntity("sale1", now), IdempotencyKey: "k1", Status: domain.SaleCommitted, TotalCents: 5000},
		Stock: []store.StockAppend{stockAppend("m1", "a", 3, 0, now)},
		Cash: &store.CashAppend{
			Movement:        domain.CashMovement{Entity: domain.NewEntity("c1", now), SessionID: "rs1", Kind: domain.CashSale, AmountCents: 5000},
			ExpectedVersion: 0,
		},
		Audit: domain.AuditLog{Entity: domain.NewEntity("al1", now), SubjectType: domain.KindSale, SubjectID: "sale1", Action: "sale_commit"},
	}
	if err := s.CommitSale(ctx, commit); err != nil {
		t.Fatalf("commit: %v", err)
	}

	dup := commit
	dup.Sale.ID = "sale2"
	dup.Stock = []store.StockAppend{stockAppend("m2", "a", 3, 1, now)}
	if err := s.CommitSale(ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected duplicate key rejection, got %v", err)
	}

	found, err := s.FindSaleByIdempotencyKey(ctx, "k1")
	if err != nil || found.ID != "sale1" {
		t.Fatalf("expected sale1 by key, got %+v err=%v", found, err)
	}

	got, _ := s.GetSession(ctx, "rs1")
	if got.BalanceCents != 5000 || got.Version != 1 {
		t.Fatalf("unexpected session after sale: %+v", got)
	}
	if _, err := s.CloseSession(ctx, store.SessionClose{SessionID: "rs1", ExpectedVersion: 1, ClosingBalanceCents: 5000, ClosedAt: now}); err != nil {
		t.Fatalf("close: %v", err)
	}

	late := commit
	late.Sale = domain.Sale{Entity: domain.NewEntity("sale3", now), IdempotencyKey: "k3", Status: domain.SaleCommitted}
	late.Stock = []store.StockAppend{stockAppend("m3", "a", 1, 1, now)}
	late.Cash = &store.CashAppend{Movement: domain.CashMovement{Entity: domain.NewEntity("c3", now), SessionID: "rs1", Kind: domain.CashSale, AmountCents: 100}, ExpectedVersion: 2}
	if err := s.CommitSale(ctx, late); !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected register closed, got %v", err)
	}
	levels, _ := s.StockLevels(ctx, []string{"a"})
	if levels["a"].Quantity != 3 {
		t.Fatalf("rejected commit must not move stock, got %d", levels["a"].Quantity)
	}
}

func TestCommitCreditPaymentLeavesDebtWhenRegisterClosed(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	account := domain.CreditAccount{Entity: domain.NewEntity("ca1", now), CustomerID: "c1", CreditLimitCents: 100000}
	if _, err := s.CreateCreditAccount(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	charge := store.CreditAppend{Entry: domain.CreditEntry{Entity: domain.NewEntity("ce1", now), CustomerID: "c1", Kind: domain.CreditCharge, AmountCents: 40000}}
	if err := s.AppendCreditEntry(ctx, charge); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := s.OpenSession(ctx, domain.RegisterSession{Entity: domain.NewEntity("rs1", now), RegisterID: "reg-1", Status: domain.SessionOpen, OpenedAt: now}); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := s.CloseSession(ctx, store.SessionClose{SessionID: "rs1", ClosedAt: now}); err != nil {
		t.Fatalf("close session: %v", err)
	}

	commit := store.CreditPaymentCommit{
		Credit: store.CreditAppend{Entry: domain.CreditEntry{Entity: domain.NewEntity("ce2", now), CustomerID: "c1", Kind: domain.CreditPayment, AmountCents: -15000}, ExpectedVersion: 1},
		Cash: &store.CashAppend{
			Movement:        domain.CashMovement{Entity: domain.NewEntity("cm1", now), SessionID: "rs1", Kind: domain.CashCreditPayment, AmountCents: 15000},
			ExpectedVersion: 1,
		},
		Audit: domain.AuditLog{Entity: domain.NewEntity("al1", now), SubjectType: domain.KindCreditEntry, SubjectID: "ce2", Action: "credit_payment"},
	}
	if err := s.CommitCreditPayment(ctx, commit); !errors.Is(err, domain.ErrRegisterClosed) {
		t.Fatalf("expected register closed, got %v", err)
	}
	got, _ := s.GetCreditAccount(ctx, "c1")
	if got.OutstandingCents != 40000 || got.Version != 1 {
		t.Fatalf("rejected payment must not touch the account: %+v", got)
	}
	if logs, _ := s.ListAuditBySubject(ctx, domain.KindCreditEntry, "ce2"); len(logs) != 0 {
		t.Fatalf("rejected payment must not be audited, got %d entries", len(logs))
	}

	commit.Cash = nil
	if err := s.CommitCreditPayment(ctx, commit); err != nil {
		t.Fatalf("payment without drawer: %v", err)
	}
	got, _ = s.GetCreditAccount(ctx, "c1")
	if got.OutstandingCents != 25000 || got.Version != 2 {
		t.Fatalf("unexpected account after payment: %+v", got)
	}
}

func TestIdempotencyClaimAndSettle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	rec := domain.IdempotencyRecord{Key: "k", Status: domain.IdempotencyPending, Token: "t1", CreatedAt: now, ExpiresAt: now.Add(30 * time.Second)}
	ok, _, err := s.Claim(ctx, rec, now)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win, ok=%v err=%v", ok, err)
	}

	second := rec
	second.Token = "t2"
	ok, current, _ := s.Claim(ctx, second, now)
	if ok || current.Token != "t1" {
		t.Fatalf("expected live claim to be kept, ok=%v current=%+v", ok, current)
	}

	if err := s.CompleteIdempotency(ctx, "k", "t2", []byte(`{}`), now.Add(time.Hour)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected foreign token to be rejected, got %v", err)
	}
	if err := s.FailIdempotency(ctx, "k", "t1", []byte(`{"kind":"internal"}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, _, _ = s.Claim(ctx, second, now)
	if !ok {
		t.Fatalf("expected failed record to be reclaimable")
	}

	purged, _ := s.PurgeExpiredIdempotency(ctx, now.Add(time.Minute))
	if purged != 1 {
		t.Fatalf("expected expired pending lease to be purged, got %d", purged)
	}
}

func TestPurgeAuditBeforeKeepsRecentEntries(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now().UTC()

	for i, age := range []time.Duration{400 * 24 * time.Hour, 10 * 24 * time.Hour} {
		entry := domain.AuditLog{Entity: domain.NewEntity(string(rune('a'+i)), now.Add(-age)), SubjectType: domain.KindProduct, SubjectID: "p1", Action: "update"}
		if err := s.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}

	removed, _ := s.PurgeAuditBefore(ctx, now.Add(-365*24*time.Hour))
	if removed != 1 {
		t.Fatalf("expected one purged entry, got %d", removed)
	}
	trail, _ := s.ListAuditBySubject(ctx, domain.KindProduct, "p1")
	if len(trail) != 1 || trail[0].ID != "b" {
		t.Fatalf("unexpected trail %+v", trail)
	}
}
