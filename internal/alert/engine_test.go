package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
)

type staticCounter map[string]int

func (c staticCounter) PendingCount(_ context.Context, terminalID string) (int, error) {
	return c[terminalID], nil
}

func setStock(t *testing.T, repo *memory.Store, productID string, qty int) {
	t.Helper()
	ctx := context.Background()
	levels, _ := repo.StockLevels(ctx, []string{productID})
	level := levels[productID]
	err := repo.AppendStockMovements(ctx, []store.StockAppend{{
		Movement: domain.StockMovement{
			Entity:    domain.NewEntity("mv-"+time.Now().Format("150405.000000000"), time.Now()),
			ProductID: productID,
			Delta:     qty - level.Quantity,
			Kind:      domain.StockAdjustment,
		},
		ExpectedVersion: level.Version,
	}})
	if err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
}

func newLowStockFixture(t *testing.T) (*memory.Store, *Engine) {
	t.Helper()
	repo := memory.New()
	_, err := repo.UpsertProduct(context.Background(), domain.Product{
		Entity:       domain.NewEntity("P1", time.Now()),
		Name:         "Kopi Sachet",
		PriceCents:   2600,
		ReorderPoint: 5,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("seed product failed: %v", err)
	}
	return repo, NewEngine(repo, nil, LowStock(repo, repo))
}

func TestLowStockCreatesSingleAlertAndResolves(t *testing.T) {
	repo, engine := newLowStockFixture(t)
	ctx := context.Background()
	trigger := domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: "P1"}

	setStock(t, repo, "P1", 3)
	for range 3 {
		if err := engine.Evaluate(ctx, trigger); err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
	}

	alerts, err := engine.List(ctx, domain.AlertFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected exactly one open alert, got %d", len(alerts))
	}
	if alerts[0].Type != domain.AlertLowStock || alerts[0].Severity != domain.SeverityWarning {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}

	if _, err := engine.Acknowledge(ctx, alerts[0].ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	setStock(t, repo, "P1", 20)
	if err := engine.Evaluate(ctx, trigger); err != nil {
		t.Fatalf("re-evaluate failed: %v", err)
	}

	resolved, err := repo.GetAlert(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("get alert failed: %v", err)
	}
	if resolved.Status != domain.AlertResolved || resolved.ClosedAt == nil {
		t.Fatalf("expected acknowledged alert to resolve, got %+v", resolved)
	}

	open, _ := engine.List(ctx, domain.AlertFilter{})
	if len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}
}

func TestEvaluateAllDeduplicatesConcurrentTriggers(t *testing.T) {
	repo, engine := newLowStockFixture(t)
	setStock(t, repo, "P1", 0)

	triggers := make([]domain.AlertTrigger, 0, 20)
	for range 20 {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: "P1"})
	}
	if err := engine.EvaluateAll(context.Background(), triggers); err != nil {
		t.Fatalf("evaluate all failed: %v", err)
	}

	alerts, _ := engine.List(context.Background(), domain.AlertFilter{})
	if len(alerts) != 1 || alerts[0].Severity != domain.SeverityCritical {
		t.Fatalf("expected one critical alert, got %+v", alerts)
	}
}

func TestAlertTransitionsFollowLifecycle(t *testing.T) {
	repo, engine := newLowStockFixture(t)
	ctx := context.Background()
	setStock(t, repo, "P1", 1)
	_ = engine.Evaluate(ctx, domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: "P1"})

	alerts, _ := engine.List(ctx, domain.AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert")
	}
	id := alerts[0].ID

	dismissed, err := engine.Dismiss(ctx, id)
	if err != nil {
		t.Fatalf("dismiss failed: %v", err)
	}
	if dismissed.Status != domain.AlertDismissed {
		t.Fatalf("expected dismissed, got %s", dismissed.Status)
	}

	if _, err := engine.Acknowledge(ctx, id); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected acknowledge of dismissed alert to fail, got %v", err)
	}
	if _, err := engine.Resolve(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	all, _ := engine.List(ctx, domain.AlertFilter{IncludeTerminal: true})
	if len(all) != 1 {
		t.Fatalf("expected dismissed alert when including terminal, got %d", len(all))
	}
}

func TestListOrdersBySeverityThenNewest(t *testing.T) {
	repo := memory.New()
	engine := NewEngine(repo, nil)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, a := range []struct {
		id       string
		severity domain.AlertSeverity
	}{
		{"a-info", domain.SeverityInfo},
		{"a-crit-old", domain.SeverityCritical},
		{"a-warn", domain.SeverityWarning},
		{"a-crit-new", domain.SeverityCritical},
	} {
		_, err := repo.CreateAlert(ctx, domain.Alert{
			Entity:      domain.NewEntity(a.id, base.Add(time.Duration(i)*time.Minute)),
			Type:        domain.AlertLowStock,
			Severity:    a.severity,
			Status:      domain.AlertActive,
			SubjectType: domain.KindProduct,
			SubjectID:   a.id,
		})
		if err != nil {
			t.Fatalf("create alert failed: %v", err)
		}
	}

	alerts, err := engine.List(ctx, domain.AlertFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"a-crit-new", "a-crit-old", "a-warn", "a-info"}
	for i, id := range want {
		if alerts[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, alerts[i].ID)
		}
	}

	critical, _ := engine.List(ctx, domain.AlertFilter{MinSeverity: domain.SeverityCritical})
	if len(critical) != 2 {
		t.Fatalf("expected two critical alerts, got %d", len(critical))
	}
}

func TestTimeBasedConditions(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	expires := now.Add(48 * time.Hour)

	_, _ = repo.UpsertProduct(ctx, domain.Product{
		Entity: domain.NewEntity("P-milk", now), Name: "Susu", PriceCents: 100, ExpiresAt: &expires, Active: true,
	})
	_, _ = repo.OpenSession(ctx, domain.RegisterSession{
		Entity: domain.NewEntity("sess-1", now), RegisterID: "R1", Status: domain.SessionOpen,
		OpenedAt: now.Add(-20 * time.Hour),
	})
	_, _ = repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		Entity: domain.NewEntity("po-1", now.Add(-96*time.Hour)), SupplierName: "PT Sumber", Status: domain.PurchaseOrderPending,
		Items: []domain.PurchaseOrderItem{{ProductID: "P-milk", Quantity: 5}},
	})

	thresholds := DefaultThresholds()
	engine := NewEngine(repo, func() time.Time { return now },
		ExpiringProduct(repo, thresholds.ExpiryWindow),
		RegisterLeftOpen(repo, 22),
		PendingPurchaseOrder(repo, thresholds.PurchaseOrderSLA),
		SyncPending(staticCounter{"T1": 80}, thresholds.SyncPendingThreshold),
	)

	err := engine.EvaluateAll(ctx, []domain.AlertTrigger{
		{SubjectType: domain.KindProduct, SubjectID: "P-milk"},
		{SubjectType: domain.KindRegister, SubjectID: "R1"},
		{SubjectType: domain.KindPurchaseOrder, SubjectID: "po-1"},
		{SubjectType: domain.KindTerminal, SubjectID: "T1"},
	})
	if err != nil {
		t.Fatalf("evaluate all failed: %v", err)
	}

	alerts, _ := engine.List(ctx, domain.AlertFilter{})
	got := make(map[domain.AlertType]bool, len(alerts))
	for _, a := range alerts {
		got[a.Type] = true
	}
	for _, want := range []domain.AlertType{
		domain.AlertExpiringProduct,
		domain.AlertRegisterLeftOpen,
		domain.AlertPendingPurchaseOrder,
		domain.AlertSyncPending,
	} {
		if !got[want] {
			t.Fatalf("expected %s alert, got %+v", want, alerts)
		}
	}
}

func TestCustomerDebtCondition(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	_, _ = repo.CreateCreditAccount(ctx, domain.CreditAccount{
		Entity: domain.NewEntity("acct-1", time.Now()), CustomerID: "C1", CreditLimitCents: 100, OutstandingCents: 90,
	})

	engine := NewEngine(repo, nil, CustomerDebt(repo, 0.8))
	if err := engine.Evaluate(ctx, domain.AlertTrigger{SubjectType: domain.KindCustomer, SubjectID: "C1"}); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	alerts, _ := engine.List(ctx, domain.AlertFilter{Types: []domain.AlertType{domain.AlertCustomerDebt}})
	if len(alerts) != 1 {
		t.Fatalf("expected debt alert, got %d", len(alerts))
	}

	if err := engine.Evaluate(ctx, domain.AlertTrigger{SubjectType: domain.KindCustomer, SubjectID: "unknown"}); err != nil {
		t.Fatalf("expected missing customer to be a no-op, got %v", err)
	}
}

func TestOpenAlertEscalatesWhenConditionWorsens(t *testing.T) {
	repo, engine := newLowStockFixture(t)
	ctx := context.Background()
	trigger := domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: "P1"}

	setStock(t, repo, "P1", 3)
	if err := engine.Evaluate(ctx, trigger); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	alerts, _ := engine.List(ctx, domain.AlertFilter{})
	if len(alerts) != 1 || alerts[0].Severity != domain.SeverityWarning {
		t.Fatalf("expected one warning alert, got %+v", alerts)
	}
	if _, err := engine.Acknowledge(ctx, alerts[0].ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	setStock(t, repo, "P1", 0)
	if err := engine.Evaluate(ctx, trigger); err != nil {
		t.Fatalf("re-evaluate failed: %v", err)
	}
	escalated, err := repo.GetAlert(ctx, alerts[0].ID)
	if err != nil {
		t.Fatalf("get alert failed: %v", err)
	}
	if escalated.Severity != domain.SeverityCritical || escalated.MetricValue != 0 {
		t.Fatalf("expected the same alert to become critical, got %+v", escalated)
	}
	if escalated.Message == alerts[0].Message {
		t.Fatalf("expected the message to follow the new stock level, got %q", escalated.Message)
	}
	if escalated.Status != domain.AlertAcknowledged {
		t.Fatalf("escalation must keep the acknowledgement, got %s", escalated.Status)
	}

	setStock(t, repo, "P1", 2)
	if err := engine.Evaluate(ctx, trigger); err != nil {
		t.Fatalf("evaluate after partial restock failed: %v", err)
	}
	current, _ := repo.GetAlert(ctx, alerts[0].ID)
	if current.Severity != domain.SeverityCritical {
		t.Fatalf("severity should not drop while the alert is open, got %s", current.Severity)
	}
	open, _ := engine.List(ctx, domain.AlertFilter{})
	if len(open) != 1 {
		t.Fatalf("expected still one open alert, got %d", len(open))
	}
}
