package syncqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"kasirledger/internal/domain"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func offlineSale(id string) domain.OfflineSale {
	return domain.OfflineSale{
		ClientTransactionID: id,
		Sale: domain.SaleRequest{
			StoreID:       "main-store",
			RegisterID:    "R1",
			PaymentMethod: domain.PaymentCash,
			Lines:         []domain.SaleLineRequest{{ProductID: "P", Quantity: 1}},
		},
	}
}

func TestEnqueueReportsDuplicates(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	resp, err := q.Enqueue(ctx, domain.OfflineSyncRequest{
		TerminalID: "T1",
		EnvelopeID: "env-1",
		Sales:      []domain.OfflineSale{offlineSale("c1"), offlineSale("c2"), offlineSale("")},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	want := []string{StatusQueued, StatusQueued, StatusRejected}
	for i, status := range resp.Statuses {
		if status.Status != want[i] {
			t.Fatalf("status %d: expected %s, got %s", i, want[i], status.Status)
		}
	}

	resp, err = q.Enqueue(ctx, domain.OfflineSyncRequest{TerminalID: "T1", EnvelopeID: "env-2", Sales: []domain.OfflineSale{offlineSale("c1")}})
	if err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}
	if resp.Statuses[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", resp.Statuses[0].Status)
	}

	count, err := q.PendingCount(ctx, "T1")
	if err != nil {
		t.Fatalf("pending count failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 pending, got %d", count)
	}
}

func TestDrainMarksOutcomes(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.OfflineSyncRequest{
		TerminalID: "T1",
		Sales:      []domain.OfflineSale{offlineSale("ok"), offlineSale("busy"), offlineSale("short")},
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	commit := func(_ context.Context, terminalID string, sale domain.OfflineSale) (string, error) {
		if terminalID != "T1" {
			t.Fatalf("unexpected terminal %s", terminalID)
		}
		switch sale.ClientTransactionID {
		case "busy":
			return "", domain.ErrIdempotencyInProgress
		case "short":
			return "", &domain.InsufficientStockError{ProductID: "P", Requested: 1, Available: 0}
		}
		return "sale_" + sale.ClientTransactionID, nil
	}

	report, err := q.Drain(ctx, 10, commit)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if report.Synced != 1 || report.Retried != 1 || report.Rejected != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for id, want := range map[string]string{"ok": StatusSynced, "busy": StatusPending, "short": StatusRejected} {
		status, err := q.Status(ctx, id)
		if err != nil {
			t.Fatalf("status %s failed: %v", id, err)
		}
		if status.Status != want {
			t.Fatalf("%s: expected %s, got %s", id, want, status.Status)
		}
	}

	terminals, _ := q.Terminals(ctx)
	if len(terminals) != 1 || terminals[0] != "T1" {
		t.Fatalf("expected T1 to still have pending sales, got %v", terminals)
	}

	if _, err := q.Status(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDrainRejectsAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t)
	q.maxAttempts = 2
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, domain.OfflineSyncRequest{TerminalID: "T1", Sales: []domain.OfflineSale{offlineSale("flaky")}})
	commit := func(context.Context, string, domain.OfflineSale) (string, error) {
		return "", domain.ErrConcurrencyConflict
	}

	first, _ := q.Drain(ctx, 10, commit)
	second, _ := q.Drain(ctx, 10, commit)
	if first.Retried != 1 || second.Rejected != 1 {
		t.Fatalf("expected retry then reject, got %+v and %+v", first, second)
	}
	count, _ := q.PendingCount(ctx, "T1")
	if count != 0 {
		t.Fatalf("expected nothing pending, got %d", count)
	}
}
