package store

import (
	"context"
	"time"

	"kasirledger/internal/domain"
)

// StockAppend appends one movement if the product's stock level still has
// ExpectedVersion. Adapters must reject the whole batch with
// domain.ErrConcurrencyConflict when any version moved.
type StockAppend struct {
	Movement        domain.StockMovement
	ExpectedVersion int64
}

type CreditAppend struct {
	Entry           domain.CreditEntry
	ExpectedVersion int64
}

// CashAppend appends to an open session. A closed session yields
// domain.ErrRegisterClosed, a moved version domain.ErrConcurrencyConflict.
type CashAppend struct {
	Movement        domain.CashMovement
	ExpectedVersion int64
}

// CreditPaymentCommit lowers a customer's debt and, when Cash is set, puts
// the money in the drawer. Both land together or not at all.
type CreditPaymentCommit struct {
	Credit CreditAppend
	Cash   *CashAppend
	Audit  domain.AuditLog
}

type SessionClose struct {
	SessionID           string
	ExpectedVersion     int64
	ClosingBalanceCents int64
	CountedCashCents    *int64
	ClosedAt            time.Time
}

// SaleCommit is applied as one atomic unit: every part becomes visible
// together or nothing is written.
type SaleCommit struct {
	Sale   domain.Sale
	Stock  []StockAppend
	Cash   *CashAppend
	Credit *CreditAppend
	Audit  domain.AuditLog
}

// SaleReversal flips a committed sale to reversed and appends its
// compensating movements in one unit.
type SaleReversal struct {
	Sale   domain.Sale
	Stock  []StockAppend
	Cash   *CashAppend
	Credit *CreditAppend
	Audit  domain.AuditLog
}

type Catalog interface {
	UpsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

type StockLedgerStore interface {
	// StockLevels returns a level for every requested id; products without
	// movements report quantity 0 at version 0.
	StockLevels(ctx context.Context, productIDs []string) (map[string]domain.StockLevel, error)
	AppendStockMovements(ctx context.Context, batch []StockAppend) error
	ListStockMovements(ctx context.Context, productID string) ([]domain.StockMovement, error)
}

type CreditStore interface {
	CreateCreditAccount(ctx context.Context, account domain.CreditAccount) (*domain.CreditAccount, error)
	GetCreditAccount(ctx context.Context, customerID string) (*domain.CreditAccount, error)
	UpdateCreditLimit(ctx context.Context, customerID string, limitCents int64, expectedVersion int64, at time.Time) (*domain.CreditAccount, error)
	AppendCreditEntry(ctx context.Context, entry CreditAppend) error
	CommitCreditPayment(ctx context.Context, commit CreditPaymentCommit) error
	ListCreditEntries(ctx context.Context, customerID string) ([]domain.CreditEntry, error)
}

type CashLedgerStore interface {
	OpenSession(ctx context.Context, session domain.RegisterSession) (*domain.RegisterSession, error)
	GetSession(ctx context.Context, sessionID string) (*domain.RegisterSession, error)
	GetOpenSession(ctx context.Context, registerID string) (*domain.RegisterSession, error)
	ListOpenSessions(ctx context.Context) ([]domain.RegisterSession, error)
	AppendCashMovement(ctx context.Context, movement CashAppend) error
	ListCashMovements(ctx context.Context, sessionID string) ([]domain.CashMovement, error)
	CloseSession(ctx context.Context, close SessionClose) (*domain.RegisterSession, error)
}

type SaleStore interface {
	// CommitSale returns domain.ErrAlreadyExists when a sale with the same
	// idempotency key was already committed.
	CommitSale(ctx context.Context, commit SaleCommit) error
	ReverseSale(ctx context.Context, reversal SaleReversal) error
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
}

type AlertStore interface {
	// CreateAlert returns domain.ErrAlreadyExists when a non-terminal alert
	// already exists for the same subject and type.
	CreateAlert(ctx context.Context, alert domain.Alert) (*domain.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	FindOpenAlert(ctx context.Context, subjectType string, subjectID string, alertType domain.AlertType) (*domain.Alert, error)
	// TransitionAlert moves the alert to `to` only when its current status is
	// one of `from`; otherwise domain.ErrConcurrencyConflict.
	TransitionAlert(ctx context.Context, alertID string, from []domain.AlertStatus, to domain.AlertStatus, at time.Time) (*domain.Alert, error)
	// RefreshAlert rewrites severity, message and metric of a non-terminal
	// alert; a closed alert gives domain.ErrConcurrencyConflict.
	RefreshAlert(ctx context.Context, alertID string, update domain.AlertRefresh) (*domain.Alert, error)
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry domain.AuditLog) error
	ListAuditBySubject(ctx context.Context, subjectType string, subjectID string) ([]domain.AuditLog, error)
	ListAuditByActor(ctx context.Context, actorID string, limit int) ([]domain.AuditLog, error)
	ListAuditByRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type IdempotencyStore interface {
	// Claim inserts rec when the key is absent or reclaimable and reports
	// claimed=true. Otherwise it returns the current record untouched.
	Claim(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, *domain.IdempotencyRecord, error)
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// CompleteIdempotency and FailIdempotency only apply while token still
	// owns the Pending claim.
	CompleteIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error
	FailIdempotency(ctx context.Context, key string, token string, payload []byte, expiresAt time.Time) error
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type PurchaseOrderStore interface {
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status domain.PurchaseOrderStatus, limit int) ([]domain.PurchaseOrder, error)
	// ReceivePurchaseOrder marks a pending order received and appends its
	// purchase movements and audit entry atomically.
	ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, receivedBy string, at time.Time, stock []StockAppend, audit domain.AuditLog) (*domain.PurchaseOrder, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Store is implemented by every full storage adapter.
type Store interface {
	Catalog
	StockLedgerStore
	CreditStore
	CashLedgerStore
	SaleStore
	AlertStore
	AuditStore
	IdempotencyStore
	PurchaseOrderStore
	UserStore
}
