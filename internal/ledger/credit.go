package ledger

import (
	"context"
	"strings"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

// CreditLedger tracks what each customer owes. Outstanding only changes
// through appended entries: charges, payments and reversals.
type CreditLedger struct {
	store    store.CreditStore
	locks    *KeyLock
	maxTries uint
	now      func() time.Time
}

func NewCreditLedger(st store.CreditStore, locks *KeyLock, now func() time.Time) *CreditLedger {
	if now == nil {
		now = time.Now
	}
	return &CreditLedger{store: st, locks: locks, maxTries: DefaultMaxTries, now: now}
}

func (l *CreditLedger) Account(ctx context.Context, customerID string) (*domain.CreditAccount, error) {
	return l.store.GetCreditAccount(ctx, customerID)
}

func (l *CreditLedger) Outstanding(ctx context.Context, customerID string) (int64, error) {
	account, err := l.store.GetCreditAccount(ctx, customerID)
	if err != nil {
		return 0, err
	}
	return account.OutstandingCents, nil
}

func (l *CreditLedger) Entries(ctx context.Context, customerID string) ([]domain.CreditEntry, error) {
	return l.store.ListCreditEntries(ctx, customerID)
}

func (l *CreditLedger) OpenAccount(ctx context.Context, customerID string, limitCents int64) (*domain.CreditAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, domain.NewValidationError("customer_id", "customer id is required")
	}
	if limitCents < 0 {
		return nil, domain.NewValidationError("credit_limit_cents", "credit limit must not be negative")
	}

	return l.store.CreateCreditAccount(ctx, domain.CreditAccount{
		Entity:           domain.NewEntity(xid.New(xid.PrefixCreditAccount), l.now()),
		CustomerID:       customerID,
		CreditLimitCents: limitCents,
	})
}

// SetLimit changes the limit. Lowering it below the current outstanding is
// allowed; it only blocks further charges.
func (l *CreditLedger) SetLimit(ctx context.Context, customerID string, limitCents int64) (*domain.CreditAccount, error) {
	if limitCents < 0 {
		return nil, domain.NewValidationError("credit_limit_cents", "credit limit must not be negative")
	}

	unlock := l.locks.Lock(CustomerKey(customerID))
	defer unlock()

	return RetryOnConflict(ctx, l.maxTries, nil, func() (*domain.CreditAccount, error) {
		account, err := l.store.GetCreditAccount(ctx, customerID)
		if err != nil {
			return nil, err
		}
		return l.store.UpdateCreditLimit(ctx, customerID, limitCents, account.Version, l.now())
	})
}

// CheckCharge enforces outstanding + amount <= limit.
func CheckCharge(account domain.CreditAccount, amountCents int64) error {
	if account.OutstandingCents+amountCents <= account.CreditLimitCents {
		return nil
	}
	return &domain.CreditLimitExceededError{
		CustomerID: account.CustomerID,
		Requested:  amountCents,
		Available:  account.AvailableCents(),
	}
}

// CheckPayment refuses payments that are not positive or that exceed what
// the customer owes.
func CheckPayment(account domain.CreditAccount, amountCents int64) error {
	if amountCents <= 0 {
		return domain.NewValidationError("amount_cents", "payment must be positive")
	}
	if amountCents > account.OutstandingCents {
		return domain.NewValidationError("amount_cents", "payment exceeds outstanding balance")
	}
	return nil
}

// NewEntry builds a signed entry pinned to the account version it was
// checked against.
func (l *CreditLedger) NewEntry(account domain.CreditAccount, kind domain.CreditEntryKind, amountCents int64, reference string) store.CreditAppend {
	signed := amountCents
	if kind != domain.CreditCharge {
		signed = -amountCents
	}
	return store.CreditAppend{
		Entry: domain.CreditEntry{
			Entity:      domain.NewEntity(xid.New(xid.PrefixCreditEntry), l.now()),
			CustomerID:  account.CustomerID,
			Kind:        kind,
			AmountCents: signed,
			Reference:   reference,
		},
		ExpectedVersion: account.Version,
	}
}

func (l *CreditLedger) Charge(ctx context.Context, customerID string, amountCents int64, reference string) (domain.CreditEntry, error) {
	if amountCents <= 0 {
		return domain.CreditEntry{}, domain.NewValidationError("amount_cents", "charge must be positive")
	}
	return l.appendEntry(ctx, customerID, func(account domain.CreditAccount) (store.CreditAppend, error) {
		if err := CheckCharge(account, amountCents); err != nil {
			return store.CreditAppend{}, err
		}
		return l.NewEntry(account, domain.CreditCharge, amountCents, reference), nil
	})
}

// Pay records a customer payment. Paying more than is outstanding is a
// validation error.
func (l *CreditLedger) Pay(ctx context.Context, customerID string, amountCents int64, reference string) (domain.CreditEntry, error) {
	if amountCents <= 0 {
		return domain.CreditEntry{}, domain.NewValidationError("amount_cents", "payment must be positive")
	}
	return l.appendEntry(ctx, customerID, func(account domain.CreditAccount) (store.CreditAppend, error) {
		if err := CheckPayment(account, amountCents); err != nil {
			return store.CreditAppend{}, err
		}
		return l.NewEntry(account, domain.CreditPayment, amountCents, reference), nil
	})
}

func (l *CreditLedger) appendEntry(ctx context.Context, customerID string, build func(domain.CreditAccount) (store.CreditAppend, error)) (domain.CreditEntry, error) {
	unlock := l.locks.Lock(CustomerKey(customerID))
	defer unlock()

	return RetryOnConflict(ctx, l.maxTries, nil, func() (domain.CreditEntry, error) {
		account, err := l.store.GetCreditAccount(ctx, customerID)
		if err != nil {
			return domain.CreditEntry{}, err
		}
		entry, err := build(*account)
		if err != nil {
			return domain.CreditEntry{}, err
		}
		if err := l.store.AppendCreditEntry(ctx, entry); err != nil {
			return domain.CreditEntry{}, err
		}
		return entry.Entry, nil
	})
}

// Fold recomputes outstanding from the entry log.
func (l *CreditLedger) Fold(ctx context.Context, customerID string) (int64, error) {
	entries, err := l.store.ListCreditEntries(ctx, customerID)
	if err != nil {
		return 0, err
	}
	total := int64(0)
	for _, entry := range entries {
		total += entry.AmountCents
	}
	return total, nil
}
