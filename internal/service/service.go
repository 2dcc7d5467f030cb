// Package service is the application layer: it composes the ledgers, the
// idempotency guard, the audit recorder and the alert engine, applies role
// checks and exposes one method per external operation.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kasirledger/internal/alert"
	"kasirledger/internal/audit"
	"kasirledger/internal/domain"
	"kasirledger/internal/idempotency"
	"kasirledger/internal/ledger"
	"kasirledger/internal/sale"
	"kasirledger/internal/store"
	"kasirledger/internal/syncqueue"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

type Options struct {
	DefaultStoreID    string
	IdempotencyTTL    time.Duration
	IdempotencyLease  time.Duration
	IdempotencyWait   time.Duration
	CommitMaxRetries  uint
	AuditMinRetention time.Duration
	// AuditPurgeAfter is the window the purge-audit maintenance task keeps.
	AuditPurgeAfter time.Duration
	Thresholds      alert.Thresholds
	Now             func() time.Time
}

type Deps struct {
	Store store.Store
	// Idempotency overrides Store for idempotency records, e.g. a Redis
	// adapter shared by every instance.
	Idempotency store.IdempotencyStore
	// Outbox queues offline sales; nil commits uploads inline.
	Outbox *syncqueue.Queue
}

type Service struct {
	repo           store.Store
	outbox         *syncqueue.Queue
	locks          *ledger.KeyLock
	guard          *idempotency.Guard
	stock          *ledger.StockLedger
	credit         *ledger.CreditLedger
	cash           *ledger.CashLedger
	audit          *audit.Recorder
	alerts         *alert.Engine
	sales          *sale.Engine
	defaultStoreID string
	auditPurge     time.Duration
	now            func() time.Time
}

// New wires every component over deps.Store.
func New(deps Deps, opts Options) *Service {
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Thresholds == (alert.Thresholds{}) {
		opts.Thresholds = alert.DefaultThresholds()
	}
	if opts.AuditPurgeAfter <= 0 {
		opts.AuditPurgeAfter = 365 * 24 * time.Hour
	}
	idemStore := deps.Idempotency
	if idemStore == nil {
		idemStore = deps.Store
	}

	repo := deps.Store
	locks := ledger.NewKeyLock()
	guard := idempotency.NewGuard(idemStore, idempotency.Options{
		TTL:   opts.IdempotencyTTL,
		Lease: opts.IdempotencyLease,
		Wait:  opts.IdempotencyWait,
		Now:   opts.Now,
	})
	stock := ledger.NewStockLedger(repo, repo, locks, opts.Now)
	credit := ledger.NewCreditLedger(repo, locks, opts.Now)
	cash := ledger.NewCashLedger(repo, locks, opts.Now)
	recorder := audit.NewRecorder(repo, opts.AuditMinRetention, opts.Now)

	t := opts.Thresholds
	conditions := []alert.Condition{
		alert.LowStock(repo, repo),
		alert.ExpiringProduct(repo, t.ExpiryWindow),
		alert.CustomerDebt(repo, t.DebtRatio),
		alert.PendingPurchaseOrder(repo, t.PurchaseOrderSLA),
		alert.RegisterLeftOpen(repo, t.RegisterCloseHour),
	}
	if deps.Outbox != nil {
		conditions = append(conditions, alert.SyncPending(deps.Outbox, t.SyncPendingThreshold))
	}
	alerts := alert.NewEngine(repo, opts.Now, conditions...)

	sales := sale.NewEngine(sale.Deps{
		Guard:   guard,
		Catalog: repo,
		Sales:   repo,
		Stock:   stock,
		Credit:  credit,
		Cash:    cash,
		Audit:   recorder,
		Alerts:  alerts,
		Locks:   locks,
	}, sale.Options{MaxRetries: opts.CommitMaxRetries, Now: opts.Now})

	return &Service{
		repo:           repo,
		outbox:         deps.Outbox,
		locks:          locks,
		guard:          guard,
		stock:          stock,
		credit:         credit,
		cash:           cash,
		audit:          recorder,
		alerts:         alerts,
		sales:          sales,
		defaultStoreID: opts.DefaultStoreID,
		auditPurge:     opts.AuditPurgeAfter,
		now:            opts.Now,
	}
}

func (s *Service) DefaultStoreID() string {
	return s.defaultStoreID
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := audit.ActorFromContext(ctx)
	if !ok || actor.Role != RoleAdmin {
		return domain.Actor{}, fmt.Errorf("admin role required: %w", domain.ErrForbidden)
	}
	return actor, nil
}

func actorName(ctx context.Context) string {
	actor, ok := audit.ActorFromContext(ctx)
	if !ok {
		return ""
	}
	return actor.Username
}

// ValidateStoreID keeps store ids to a conservative charset.
func ValidateStoreID(storeID string) error {
	if storeID == "" || len(storeID) > 64 || strings.ContainsAny(storeID, " \t\r\n/\\") {
		return domain.NewValidationError("store_id", "invalid store id")
	}
	return nil
}
