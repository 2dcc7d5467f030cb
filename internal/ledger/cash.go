package ledger

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

// CashLedger owns register sessions and their drawer movements. The session
// balance is opening + sum(movements); closing freezes it.
type CashLedger struct {
	store    store.CashLedgerStore
	locks    *KeyLock
	maxTries uint
	now      func() time.Time
}

func NewCashLedger(st store.CashLedgerStore, locks *KeyLock, now func() time.Time) *CashLedger {
	if now == nil {
		now = time.Now
	}
	return &CashLedger{store: st, locks: locks, maxTries: DefaultMaxTries, now: now}
}

func (l *CashLedger) Open(ctx context.Context, registerID string, openingBalanceCents int64, openedBy string) (*domain.RegisterSession, error) {
	registerID = strings.TrimSpace(registerID)
	if registerID == "" {
		return nil, domain.NewValidationError("register_id", "register id is required")
	}
	if openingBalanceCents < 0 {
		return nil, domain.NewValidationError("opening_balance_cents", "opening balance must not be negative")
	}

	unlock := l.locks.Lock(RegisterKey(registerID))
	defer unlock()

	if _, err := l.store.GetOpenSession(ctx, registerID); err == nil {
		return nil, domain.ErrRegisterAlreadyOpen
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := l.now().UTC()
	session, err := l.store.OpenSession(ctx, domain.RegisterSession{
		Entity:              domain.NewEntity(xid.New(xid.PrefixSession), now),
		RegisterID:          registerID,
		OpeningBalanceCents: openingBalanceCents,
		BalanceCents:        openingBalanceCents,
		Status:              domain.SessionOpen,
		OpenedBy:            openedBy,
		OpenedAt:            now,
	})
	if err != nil {
		return nil, err
	}
	metrics.OpenRegisters.Inc()
	return session, nil
}

func (l *CashLedger) Session(ctx context.Context, sessionID string) (*domain.RegisterSession, error) {
	return l.store.GetSession(ctx, sessionID)
}

// OpenSessionFor returns the open session of a register, or
// domain.ErrRegisterClosed when the register has none.
func (l *CashLedger) OpenSessionFor(ctx context.Context, registerID string) (*domain.RegisterSession, error) {
	session, err := l.store.GetOpenSession(ctx, registerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrRegisterClosed
	}
	return session, err
}

func (l *CashLedger) OpenSessions(ctx context.Context) ([]domain.RegisterSession, error) {
	return l.store.ListOpenSessions(ctx)
}

func (l *CashLedger) Movements(ctx context.Context, sessionID string) ([]domain.CashMovement, error) {
	return l.store.ListCashMovements(ctx, sessionID)
}

// NewMovement signs amountCents by kind and pins the movement to the
// session version. Outflows may not take the drawer below zero.
func (l *CashLedger) NewMovement(session domain.RegisterSession, kind domain.CashMovementKind, amountCents int64, reference string, note string) (store.CashAppend, error) {
	if session.Status != domain.SessionOpen {
		return store.CashAppend{}, domain.ErrRegisterClosed
	}
	sign := kind.Sign()
	if sign == 0 {
		return store.CashAppend{}, domain.NewValidationError("kind", "unknown cash movement kind")
	}
	if amountCents <= 0 {
		return store.CashAppend{}, domain.NewValidationError("amount_cents", "amount must be positive")
	}

	signed := sign * amountCents
	if signed < 0 && session.BalanceCents+signed < 0 {
		return store.CashAppend{}, domain.NewValidationError("amount_cents", "drawer balance would go negative")
	}

	return store.CashAppend{
		Movement: domain.CashMovement{
			Entity:      domain.NewEntity(xid.New(xid.PrefixCashMovement), l.now()),
			SessionID:   session.ID,
			Kind:        kind,
			AmountCents: signed,
			Reference:   reference,
			Note:        strings.TrimSpace(note),
		},
		ExpectedVersion: session.Version,
	}, nil
}

func (l *CashLedger) RecordMovement(ctx context.Context, sessionID string, kind domain.CashMovementKind, amountCents int64, reference string, note string) (domain.CashMovement, error) {
	session, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.CashMovement{}, err
	}

	unlock := l.locks.Lock(RegisterKey(session.RegisterID))
	defer unlock()

	movement, err := RetryOnConflict(ctx, l.maxTries, nil, func() (domain.CashMovement, error) {
		current, err := l.store.GetSession(ctx, sessionID)
		if err != nil {
			return domain.CashMovement{}, err
		}
		appendReq, err := l.NewMovement(*current, kind, amountCents, reference, note)
		if err != nil {
			return domain.CashMovement{}, err
		}
		if err := l.store.AppendCashMovement(ctx, appendReq); err != nil {
			return domain.CashMovement{}, err
		}
		return appendReq.Movement, nil
	})
	if err != nil {
		return domain.CashMovement{}, err
	}
	metrics.CashMovements.WithLabelValues(string(kind)).Inc()
	return movement, nil
}

// Close freezes the session at opening + sum(movements). Later appends
// against it fail with domain.ErrRegisterClosed.
func (l *CashLedger) Close(ctx context.Context, sessionID string, countedCashCents *int64) (domain.ClosingSummary, error) {
	if countedCashCents != nil && *countedCashCents < 0 {
		return domain.ClosingSummary{}, domain.NewValidationError("counted_cash_cents", "counted cash must not be negative")
	}

	session, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ClosingSummary{}, err
	}

	unlock := l.locks.Lock(RegisterKey(session.RegisterID))
	defer unlock()

	closed, err := RetryOnConflict(ctx, l.maxTries, nil, func() (*domain.RegisterSession, error) {
		current, err := l.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.SessionOpen {
			return nil, domain.ErrRegisterClosed
		}
		movements, err := l.store.ListCashMovements(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		closing := foldCash(current.OpeningBalanceCents, movements)
		if closing != current.BalanceCents {
			log.Printf("[ledger] WARN: cash drift session=%s materialized=%d folded=%d", sessionID, current.BalanceCents, closing)
		}
		return l.store.CloseSession(ctx, store.SessionClose{
			SessionID:           sessionID,
			ExpectedVersion:     current.Version,
			ClosingBalanceCents: closing,
			CountedCashCents:    countedCashCents,
			ClosedAt:            l.now(),
		})
	})
	if err != nil {
		return domain.ClosingSummary{}, err
	}
	metrics.OpenRegisters.Dec()
	return l.Summary(ctx, closed.ID)
}

// Summary reports per-kind totals for a session. For an open session the
// closing balance is the current expected drawer amount.
func (l *CashLedger) Summary(ctx context.Context, sessionID string) (domain.ClosingSummary, error) {
	session, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ClosingSummary{}, err
	}
	movements, err := l.store.ListCashMovements(ctx, sessionID)
	if err != nil {
		return domain.ClosingSummary{}, err
	}

	summary := domain.ClosingSummary{
		SessionID:           session.ID,
		RegisterID:          session.RegisterID,
		OpeningBalanceCents: session.OpeningBalanceCents,
		TotalsByKind:        make(map[domain.CashMovementKind]int64),
		MovementCount:       len(movements),
		ClosingBalanceCents: foldCash(session.OpeningBalanceCents, movements),
		OpenedAt:            session.OpenedAt,
	}
	for _, m := range movements {
		summary.TotalsByKind[m.Kind] += m.AmountCents
	}
	if session.ClosingBalanceCents != nil {
		summary.ClosingBalanceCents = *session.ClosingBalanceCents
	}
	if session.ClosedAt != nil {
		summary.ClosedAt = *session.ClosedAt
	}
	if session.CountedCashCents != nil {
		counted := *session.CountedCashCents
		variance := counted - summary.ClosingBalanceCents
		summary.CountedCashCents = &counted
		summary.VarianceCents = &variance
	}
	return summary, nil
}

func foldCash(opening int64, movements []domain.CashMovement) int64 {
	total := opening
	for _, m := range movements {
		total += m.AmountCents
	}
	return total
}
