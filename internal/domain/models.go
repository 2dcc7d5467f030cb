package domain

import (
	"encoding/json"
	"math"
	"time"
)

type Product struct {
	Entity
	Name           string     `json:"name"`
	PriceCents     int64      `json:"price_cents"`
	ReorderPoint   int        `json:"reorder_point"`
	AllowBackorder bool       `json:"allow_backorder"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         bool       `json:"active"`
}

type ProductUpsertRequest struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	PriceCents     int64      `json:"price_cents"`
	ReorderPoint   int        `json:"reorder_point"`
	AllowBackorder bool       `json:"allow_backorder"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Active         *bool      `json:"active,omitempty"`
}

type StockMovementKind string

const (
	StockPurchase     StockMovementKind = "purchase"
	StockSale         StockMovementKind = "sale"
	StockAdjustment   StockMovementKind = "adjustment"
	StockReturn       StockMovementKind = "return"
	StockTransfer     StockMovementKind = "transfer"
	StockLoss         StockMovementKind = "loss"
	StockInitialStock StockMovementKind = "initial_stock"
)

func (k StockMovementKind) Valid() bool {
	switch k {
	case StockPurchase, StockSale, StockAdjustment, StockReturn, StockTransfer, StockLoss, StockInitialStock:
		return true
	}
	return false
}

type StockMovement struct {
	Entity
	ProductID string            `json:"product_id"`
	Delta     int               `json:"delta"`
	Kind      StockMovementKind `json:"kind"`
	Reference string            `json:"reference,omitempty"`
	Note      string            `json:"note,omitempty"`
}

// StockLevel is the materialized fold of a product's movements. Version
// increments on every append and guards conditional updates.
type StockLevel struct {
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StockAdjustmentRequest struct {
	ProductID string            `json:"product_id"`
	Kind      StockMovementKind `json:"kind"`
	Delta     int               `json:"delta"`
	Reference string            `json:"reference,omitempty"`
	Note      string            `json:"note,omitempty"`
}

type StockReconciliation struct {
	ProductID    string `json:"product_id"`
	Materialized int    `json:"materialized"`
	Folded       int    `json:"folded"`
	Drift        int    `json:"drift"`
	Movements    int    `json:"movements"`
}

type PaymentMethod string

const (
	PaymentCash           PaymentMethod = "cash"
	PaymentCard           PaymentMethod = "card"
	PaymentTransfer       PaymentMethod = "transfer"
	PaymentWalletTransfer PaymentMethod = "wallet_transfer"
	PaymentCredit         PaymentMethod = "credit"
	PaymentMixed          PaymentMethod = "mixed"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer, PaymentWalletTransfer, PaymentCredit, PaymentMixed:
		return true
	}
	return false
}

type SaleStatus string

const (
	SaleDraft     SaleStatus = "draft"
	SaleValidated SaleStatus = "validated"
	SaleCommitted SaleStatus = "committed"
	SaleReversed  SaleStatus = "reversed"
)

var saleTransitions = map[SaleStatus][]SaleStatus{
	SaleDraft:     {SaleValidated},
	SaleValidated: {SaleCommitted},
	SaleCommitted: {SaleReversed},
}

type SaleLine struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	DiscountCents  int64  `json:"discount_cents"`
}

func (l SaleLine) TotalCents() int64 {
	return int64(l.Quantity)*l.UnitPriceCents - l.DiscountCents
}

// CheckedTotalCents is TotalCents for lines that have not been validated
// yet. Negative inputs and amounts that do not fit in int64 are refused.
func (l SaleLine) CheckedTotalCents() (int64, error) {
	if l.Quantity < 0 || l.UnitPriceCents < 0 || l.DiscountCents < 0 {
		return 0, NewValidationError("lines", "line amounts must not be negative")
	}
	if l.UnitPriceCents > 0 && int64(l.Quantity) > math.MaxInt64/l.UnitPriceCents {
		return 0, NewValidationError("quantity", "line amount is too large for "+l.ProductID)
	}
	total := int64(l.Quantity)*l.UnitPriceCents - l.DiscountCents
	if total < 0 {
		return 0, NewValidationError("discount_cents", "discount exceeds line amount for "+l.ProductID)
	}
	return total, nil
}

// AddCents sums non-negative amounts, refusing a sum that would overflow.
func AddCents(a int64, b int64) (int64, bool) {
	if b > math.MaxInt64-a {
		return 0, false
	}
	return a + b, true
}

type PaymentSplit struct {
	Method      PaymentMethod `json:"method"`
	AmountCents int64         `json:"amount_cents"`
	Reference   string        `json:"reference,omitempty"`
}

type Sale struct {
	Entity
	StoreID        string         `json:"store_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	CustomerID     string         `json:"customer_id,omitempty"`
	RegisterID     string         `json:"register_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Lines          []SaleLine     `json:"lines"`
	PaymentMethod  PaymentMethod  `json:"payment_method"`
	PaymentSplits  []PaymentSplit `json:"payment_splits,omitempty"`
	TotalCents     int64          `json:"total_cents"`
	CreditCents    int64          `json:"credit_cents"`
	CashCents      int64          `json:"cash_cents"`
	Status         SaleStatus     `json:"status"`
	CommittedAt    *time.Time     `json:"committed_at,omitempty"`
	ReversedAt     *time.Time     `json:"reversed_at,omitempty"`
	ReversalReason string         `json:"reversal_reason,omitempty"`
}

// Transition moves the sale along Draft → Validated → Committed → Reversed.
func (s *Sale) Transition(to SaleStatus, now time.Time) error {
	for _, allowed := range saleTransitions[s.Status] {
		if allowed != to {
			continue
		}
		s.Status = to
		s.Touch(now)
		at := now.UTC()
		switch to {
		case SaleCommitted:
			s.CommittedAt = &at
		case SaleReversed:
			s.ReversedAt = &at
		}
		return nil
	}
	return NewValidationError("status", "cannot move sale from "+string(s.Status)+" to "+string(to))
}

type SaleLineRequest struct {
	ProductID     string `json:"product_id"`
	Quantity      int    `json:"quantity"`
	DiscountCents int64  `json:"discount_cents"`
}

type SaleRequest struct {
	StoreID       string            `json:"store_id"`
	RegisterID    string            `json:"register_id,omitempty"`
	CustomerID    string            `json:"customer_id,omitempty"`
	PaymentMethod PaymentMethod     `json:"payment_method"`
	PaymentSplits []PaymentSplit    `json:"payment_splits,omitempty"`
	Lines         []SaleLineRequest `json:"lines"`
}

type SaleResult struct {
	SaleID        string         `json:"sale_id"`
	Status        SaleStatus     `json:"status"`
	StoreID       string         `json:"store_id"`
	RegisterID    string         `json:"register_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	CustomerID    string         `json:"customer_id,omitempty"`
	PaymentMethod PaymentMethod  `json:"payment_method"`
	PaymentSplits []PaymentSplit `json:"payment_splits,omitempty"`
	Lines         []SaleLine     `json:"lines"`
	TotalCents    int64          `json:"total_cents"`
	CreditCents   int64          `json:"credit_cents"`
	CashCents     int64          `json:"cash_cents"`
	CommittedAt   string         `json:"committed_at"`
}

type SaleLookupResponse struct {
	Found  bool        `json:"found"`
	Result *SaleResult `json:"result,omitempty"`
}

type SaleReversalRequest struct {
	SaleID     string `json:"sale_id"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin,omitempty"`
}

type CashMovementKind string

const (
	CashSale          CashMovementKind = "sale"
	CashWithdrawal    CashMovementKind = "withdrawal"
	CashDeposit       CashMovementKind = "deposit"
	CashExpense       CashMovementKind = "expense"
	CashInitial       CashMovementKind = "initial_cash"
	CashCreditPayment CashMovementKind = "credit_payment"
	CashSaleReversal  CashMovementKind = "sale_reversal"
)

// Sign is the direction a kind moves the drawer balance.
func (k CashMovementKind) Sign() int64 {
	switch k {
	case CashSale, CashDeposit, CashInitial, CashCreditPayment:
		return 1
	case CashWithdrawal, CashExpense, CashSaleReversal:
		return -1
	}
	return 0
}

type CashMovement struct {
	Entity
	SessionID   string           `json:"session_id"`
	Kind        CashMovementKind `json:"kind"`
	AmountCents int64            `json:"amount_cents"`
	Reference   string           `json:"reference,omitempty"`
	Note        string           `json:"note,omitempty"`
}

type CashMovementRequest struct {
	SessionID   string           `json:"session_id"`
	Kind        CashMovementKind `json:"kind"`
	AmountCents int64            `json:"amount_cents"`
	Reference   string           `json:"reference,omitempty"`
	Note        string           `json:"note,omitempty"`
}

type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

type RegisterSession struct {
	Entity
	RegisterID          string        `json:"register_id"`
	OpeningBalanceCents int64         `json:"opening_balance_cents"`
	BalanceCents        int64         `json:"balance_cents"`
	Status              SessionStatus `json:"status"`
	OpenedBy            string        `json:"opened_by,omitempty"`
	OpenedAt            time.Time     `json:"opened_at"`
	ClosedAt            *time.Time    `json:"closed_at,omitempty"`
	ClosingBalanceCents *int64        `json:"closing_balance_cents,omitempty"`
	CountedCashCents    *int64        `json:"counted_cash_cents,omitempty"`
	Version             int64         `json:"version"`
}

type OpenRegisterRequest struct {
	RegisterID          string `json:"register_id"`
	OpeningBalanceCents int64  `json:"opening_balance_cents"`
}

type CloseRegisterRequest struct {
	SessionID        string `json:"session_id"`
	CountedCashCents *int64 `json:"counted_cash_cents,omitempty"`
}

type ClosingSummary struct {
	SessionID           string                     `json:"session_id"`
	RegisterID          string                     `json:"register_id"`
	OpeningBalanceCents int64                      `json:"opening_balance_cents"`
	TotalsByKind        map[CashMovementKind]int64 `json:"totals_by_kind"`
	MovementCount       int                        `json:"movement_count"`
	ClosingBalanceCents int64                      `json:"closing_balance_cents"`
	CountedCashCents    *int64                     `json:"counted_cash_cents,omitempty"`
	VarianceCents       *int64                     `json:"variance_cents,omitempty"`
	OpenedAt            time.Time                  `json:"opened_at"`
	ClosedAt            time.Time                  `json:"closed_at"`
}

type CreditAccount struct {
	Entity
	CustomerID       string `json:"customer_id"`
	CreditLimitCents int64  `json:"credit_limit_cents"`
	OutstandingCents int64  `json:"outstanding_cents"`
	Version          int64  `json:"version"`
}

func (a CreditAccount) AvailableCents() int64 {
	available := a.CreditLimitCents - a.OutstandingCents
	if available < 0 {
		return 0
	}
	return available
}

type CreditEntryKind string

const (
	CreditCharge   CreditEntryKind = "charge"
	CreditPayment  CreditEntryKind = "payment"
	CreditReversal CreditEntryKind = "reversal"
)

// CreditEntry amounts are signed: charges increase outstanding, payments and
// reversals decrease it.
type CreditEntry struct {
	Entity
	CustomerID  string          `json:"customer_id"`
	Kind        CreditEntryKind `json:"kind"`
	AmountCents int64           `json:"amount_cents"`
	Reference   string          `json:"reference,omitempty"`
}

type CreditAccountRequest struct {
	CustomerID       string `json:"customer_id"`
	CreditLimitCents int64  `json:"credit_limit_cents"`
}

type CreditPaymentRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	RegisterID  string `json:"register_id,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord is keyed by the caller-supplied idempotency key. Token
// identifies the attempt that holds a Pending claim.
type IdempotencyRecord struct {
	Key       string            `json:"key"`
	Status    IdempotencyStatus `json:"status"`
	Token     string            `json:"token,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Reclaimable reports whether a new attempt may take over the key.
func (r IdempotencyRecord) Reclaimable(now time.Time) bool {
	return r.Status == IdempotencyFailed || !now.Before(r.ExpiresAt)
}

type AlertType string

const (
	AlertLowStock             AlertType = "low_stock"
	AlertExpiringProduct      AlertType = "expiring_product"
	AlertCustomerDebt         AlertType = "customer_debt"
	AlertPendingPurchaseOrder AlertType = "pending_purchase_order"
	AlertRegisterLeftOpen     AlertType = "register_left_open"
	AlertSyncPending          AlertType = "sync_pending"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

type Alert struct {
	Entity
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	Status         AlertStatus   `json:"status"`
	SubjectType    string        `json:"subject_type"`
	SubjectID      string        `json:"subject_id"`
	Message        string        `json:"message"`
	MetricValue    float64       `json:"metric_value"`
	Threshold      float64       `json:"threshold"`
	AcknowledgedAt *time.Time    `json:"acknowledged_at,omitempty"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// AlertRefresh carries the latest finding for an alert that is still open.
type AlertRefresh struct {
	Severity    AlertSeverity
	Message     string
	MetricValue float64
	Threshold   float64
	At          time.Time
}

type AlertTrigger struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
}

type AlertFilter struct {
	Types           []AlertType   `json:"types,omitempty"`
	MinSeverity     AlertSeverity `json:"min_severity,omitempty"`
	SubjectType     string        `json:"subject_type,omitempty"`
	SubjectID       string        `json:"subject_id,omitempty"`
	IncludeTerminal bool          `json:"include_terminal,omitempty"`
	Limit           int           `json:"limit,omitempty"`
}

type AuditLog struct {
	Entity
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Action      string          `json:"action"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	ActorID     string          `json:"actor_id,omitempty"`
	ClientIP    string          `json:"client_ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type ClientMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type PurchaseOrderStatus string

const (
	PurchaseOrderPending  PurchaseOrderStatus = "pending"
	PurchaseOrderReceived PurchaseOrderStatus = "received"
)

type PurchaseOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	CostCents int64  `json:"cost_cents"`
}

type PurchaseOrder struct {
	Entity
	StoreID      string              `json:"store_id"`
	SupplierName string              `json:"supplier_name"`
	Status       PurchaseOrderStatus `json:"status"`
	Items        []PurchaseOrderItem `json:"items"`
	ReceivedAt   *time.Time          `json:"received_at,omitempty"`
	ReceivedBy   string              `json:"received_by,omitempty"`
}

type PurchaseOrderCreateRequest struct {
	StoreID      string              `json:"store_id"`
	SupplierName string              `json:"supplier_name"`
	Items        []PurchaseOrderItem `json:"items"`
}

type OfflineSale struct {
	ClientTransactionID string      `json:"client_transaction_id"`
	Sale                SaleRequest `json:"sale"`
}

type OfflineSyncRequest struct {
	TerminalID string        `json:"terminal_id"`
	EnvelopeID string        `json:"envelope_id"`
	Sales      []OfflineSale `json:"sales"`
}

type OfflineSyncStatus struct {
	ClientTransactionID string `json:"client_transaction_id"`
	Status              string `json:"status"`
	Reason              string `json:"reason,omitempty"`
}

type OfflineSyncResponse struct {
	EnvelopeID string              `json:"envelope_id"`
	Statuses   []OfflineSyncStatus `json:"statuses"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// CompareAlerts orders alerts by severity descending, then newest first.
func CompareAlerts(a, b Alert) int {
	if ra, rb := a.Severity.Rank(), b.Severity.Rank(); ra != rb {
		return rb - ra
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
