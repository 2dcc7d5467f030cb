package service

import (
	"context"
	"log"

	"kasirledger/internal/domain"
)

func (s *Service) OpenRegister(ctx context.Context, req domain.OpenRegisterRequest) (domain.RegisterSession, error) {
	session, err := s.cash.Open(ctx, req.RegisterID, req.OpeningBalanceCents, actorName(ctx))
	if err != nil {
		return domain.RegisterSession{}, err
	}
	s.record(ctx, domain.KindRegisterSession, session.ID, "register_open", nil, session)
	return *session, nil
}

// CloseRegister closes a session and returns its closing summary. Closing
// resolves any register_left_open alert for the register.
func (s *Service) CloseRegister(ctx context.Context, req domain.CloseRegisterRequest) (domain.ClosingSummary, error) {
	if req.SessionID == "" {
		return domain.ClosingSummary{}, domain.NewValidationError("session_id", "session id is required")
	}
	summary, err := s.cash.Close(ctx, req.SessionID, req.CountedCashCents)
	if err != nil {
		return domain.ClosingSummary{}, err
	}
	s.record(ctx, domain.KindRegisterSession, summary.SessionID, "register_close", nil, summary)
	s.alerts.Notify(context.WithoutCancel(ctx), domain.AlertTrigger{SubjectType: domain.KindRegister, SubjectID: summary.RegisterID})
	return summary, nil
}

func (s *Service) RegisterSummary(ctx context.Context, sessionID string) (domain.ClosingSummary, error) {
	return s.cash.Summary(ctx, sessionID)
}

func (s *Service) OpenSessions(ctx context.Context) ([]domain.RegisterSession, error) {
	return s.cash.OpenSessions(ctx)
}

// RecordCashMovement records drawer movements that are not sales: initial
// cash, deposits, withdrawals and expenses.
func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovement, error) {
	switch req.Kind {
	case domain.CashInitial, domain.CashDeposit, domain.CashWithdrawal, domain.CashExpense:
	default:
		return domain.CashMovement{}, domain.NewValidationError("kind", "kind must be initial_cash, deposit, withdrawal or expense")
	}
	movement, err := s.cash.RecordMovement(ctx, req.SessionID, req.Kind, req.AmountCents, req.Reference, req.Note)
	if err != nil {
		return domain.CashMovement{}, err
	}
	s.record(ctx, domain.KindCashMovement, movement.ID, "cash_"+string(req.Kind), nil, movement)
	return movement, nil
}

// record appends a standalone audit entry. The mutation it describes is
// already committed, so failures are logged rather than returned.
func (s *Service) record(ctx context.Context, subjectType string, subjectID string, action string, oldValue any, newValue any) {
	if _, err := s.audit.Record(ctx, subjectType, subjectID, action, oldValue, newValue); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s subject=%s/%s: %v", action, subjectType, subjectID, err)
	}
}
