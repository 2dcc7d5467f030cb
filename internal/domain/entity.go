package domain

import "time"

// Entity kinds double as audit subject types.
const (
	KindProduct         = "product"
	KindSale            = "sale"
	KindStockMovement   = "stock_movement"
	KindCashMovement    = "cash_movement"
	KindRegisterSession = "register_session"
	KindCreditAccount   = "credit_account"
	KindCreditEntry     = "credit_entry"
	KindAlert           = "alert"
	KindAuditLog        = "audit_log"
	KindPurchaseOrder   = "purchase_order"
	KindCustomer        = "customer"
	KindRegister        = "register"
	KindTerminal        = "terminal"
)

// Entity is the base shape shared by every persisted record.
type Entity struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func NewEntity(id string, now time.Time) Entity {
	return Entity{ID: id, CreatedAt: now.UTC()}
}

func (e Entity) Identity() string {
	return e.ID
}

// Touch stamps the last-updated time. Call once per mutation.
func (e *Entity) Touch(now time.Time) {
	at := now.UTC()
	e.UpdatedAt = &at
}

type Identifiable interface {
	EntityKind() string
	Identity() string
}

// SameEntity reports identity equality: same concrete kind and same id.
// Field values are not compared.
func SameEntity(a, b Identifiable) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Identity() == "" {
		return false
	}
	return a.EntityKind() == b.EntityKind() && a.Identity() == b.Identity()
}

func (Product) EntityKind() string         { return KindProduct }
func (Sale) EntityKind() string            { return KindSale }
func (StockMovement) EntityKind() string   { return KindStockMovement }
func (CashMovement) EntityKind() string    { return KindCashMovement }
func (RegisterSession) EntityKind() string { return KindRegisterSession }
func (CreditAccount) EntityKind() string   { return KindCreditAccount }
func (CreditEntry) EntityKind() string     { return KindCreditEntry }
func (Alert) EntityKind() string           { return KindAlert }
func (AuditLog) EntityKind() string        { return KindAuditLog }
func (PurchaseOrder) EntityKind() string   { return KindPurchaseOrder }
