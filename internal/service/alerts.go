package service

import (
	"context"

	"kasirledger/internal/domain"
)

// ListActiveAlerts returns non-terminal alerts, most severe first.
func (s *Service) ListActiveAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	filter.IncludeTerminal = false
	return s.alerts.List(ctx, filter)
}

// ListAlerts includes resolved and dismissed alerts.
func (s *Service) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	return s.alerts.List(ctx, filter)
}

func (s *Service) AcknowledgeAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return s.transitionAlert(ctx, alertID, "alert_acknowledge", s.alerts.Acknowledge)
}

func (s *Service) ResolveAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return s.transitionAlert(ctx, alertID, "alert_resolve", s.alerts.Resolve)
}

func (s *Service) DismissAlert(ctx context.Context, alertID string) (domain.Alert, error) {
	return s.transitionAlert(ctx, alertID, "alert_dismiss", s.alerts.Dismiss)
}

func (s *Service) transitionAlert(ctx context.Context, alertID string, action string, move func(context.Context, string) (*domain.Alert, error)) (domain.Alert, error) {
	before, err := s.repo.GetAlert(ctx, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	after, err := move(ctx, alertID)
	if err != nil {
		return domain.Alert{}, err
	}
	s.record(ctx, domain.KindAlert, alertID, action, before, after)
	return *after, nil
}

// SweepAlerts re-evaluates every subject a time-based condition may cover
// plus every subject with an open alert.
func (s *Service) SweepAlerts(ctx context.Context) (int, error) {
	triggers, err := s.sweepSubjects(ctx)
	if err != nil {
		return 0, err
	}
	return len(triggers), s.alerts.EvaluateAll(ctx, triggers)
}

func (s *Service) sweepSubjects(ctx context.Context) ([]domain.AlertTrigger, error) {
	triggers, err := s.alerts.OpenSubjects(ctx)
	if err != nil {
		return nil, err
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindProduct, SubjectID: p.ID})
	}

	sessions, err := s.cash.OpenSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindRegister, SubjectID: session.RegisterID})
	}

	orders, err := s.repo.ListPurchaseOrders(ctx, domain.PurchaseOrderPending, 1000)
	if err != nil {
		return nil, err
	}
	for _, po := range orders {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindPurchaseOrder, SubjectID: po.ID})
	}

	if s.outbox != nil {
		terminals, err := s.outbox.Terminals(ctx)
		if err != nil {
			return nil, err
		}
		for _, terminalID := range terminals {
			triggers = append(triggers, domain.AlertTrigger{SubjectType: domain.KindTerminal, SubjectID: terminalID})
		}
	}
	return triggers, nil
}
