// Package alert derives operational alerts from ledger and catalog state.
//
// Each Condition re-derives whether something needs attention for one
// subject. The engine keeps at most one non-terminal alert per (subject,
// type): it opens one when a condition starts to hold and resolves it once
// the condition clears. Acknowledge and Dismiss are user-driven and
// independent of evaluation.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

// Finding is the outcome of one condition check.
type Finding struct {
	Holds     bool
	Severity  domain.AlertSeverity
	Message   string
	Metric    float64
	Threshold float64
}

type CheckFunc func(ctx context.Context, subjectID string, now time.Time) (Finding, error)

type Condition struct {
	Type        domain.AlertType
	SubjectType string
	Check       CheckFunc
}

type Engine struct {
	store       store.AlertStore
	conditions  []Condition
	concurrency int
	now         func() time.Time
}

func NewEngine(st store.AlertStore, now func() time.Time, conditions ...Condition) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: st, conditions: conditions, concurrency: 8, now: now}
}

// Evaluate runs every condition registered for the trigger's subject type.
func (e *Engine) Evaluate(ctx context.Context, trigger domain.AlertTrigger) error {
	var errs []error
	for _, cond := range e.conditions {
		if cond.SubjectType != trigger.SubjectType {
			continue
		}
		if err := e.evaluateOne(ctx, cond, trigger.SubjectID); err != nil {
			errs = append(errs, fmt.Errorf("%s %s/%s: %w", cond.Type, trigger.SubjectType, trigger.SubjectID, err))
		}
	}
	return errors.Join(errs...)
}

// EvaluateAll fans triggers out concurrently. Every trigger is evaluated
// even when some fail; failures are joined into the returned error.
func (e *Engine) EvaluateAll(ctx context.Context, triggers []domain.AlertTrigger) error {
	triggers = dedupeTriggers(triggers)
	errs := make([]error, len(triggers))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, trigger := range triggers {
		g.Go(func() error {
			errs[i] = e.Evaluate(ctx, trigger)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) evaluateOne(ctx context.Context, cond Condition, subjectID string) error {
	now := e.now().UTC()
	finding, err := cond.Check(ctx, subjectID, now)
	if errors.Is(err, domain.ErrNotFound) {
		finding = Finding{}
	} else if err != nil {
		metrics.AlertEvaluationErrors.Inc()
		return err
	}

	open, err := e.store.FindOpenAlert(ctx, cond.SubjectType, subjectID, cond.Type)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	severity := finding.Severity
	if severity == "" {
		severity = domain.SeverityWarning
	}

	switch {
	case finding.Holds && open == nil:
		_, err := e.store.CreateAlert(ctx, domain.Alert{
			Entity:      domain.NewEntity(xid.New(xid.PrefixAlert), now),
			Type:        cond.Type,
			Severity:    severity,
			Status:      domain.AlertActive,
			SubjectType: cond.SubjectType,
			SubjectID:   subjectID,
			Message:     finding.Message,
			MetricValue: finding.Metric,
			Threshold:   finding.Threshold,
		})
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(cond.Type), string(domain.AlertActive)).Inc()
	case finding.Holds && severity.Rank() > open.Severity.Rank():
		_, err := e.store.RefreshAlert(ctx, open.ID, domain.AlertRefresh{
			Severity:    severity,
			Message:     finding.Message,
			MetricValue: finding.Metric,
			Threshold:   finding.Threshold,
			At:          now,
		})
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.AlertEscalations.WithLabelValues(string(cond.Type), string(severity)).Inc()
	case !finding.Holds && open != nil:
		_, err := e.store.TransitionAlert(ctx, open.ID, []domain.AlertStatus{domain.AlertActive, domain.AlertAcknowledged}, domain.AlertResolved, now)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			return nil
		}
		if err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(cond.Type), string(domain.AlertResolved)).Inc()
	}
	return nil
}

func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*domain.Alert, error) {
	return e.transition(ctx, alertID, domain.AlertAcknowledged, domain.AlertActive)
}

func (e *Engine) Resolve(ctx context.Context, alertID string) (*domain.Alert, error) {
	return e.transition(ctx, alertID, domain.AlertResolved, domain.AlertActive, domain.AlertAcknowledged)
}

func (e *Engine) Dismiss(ctx context.Context, alertID string) (*domain.Alert, error) {
	return e.transition(ctx, alertID, domain.AlertDismissed, domain.AlertActive, domain.AlertAcknowledged)
}

func (e *Engine) transition(ctx context.Context, alertID string, to domain.AlertStatus, from ...domain.AlertStatus) (*domain.Alert, error) {
	updated, err := e.store.TransitionAlert(ctx, alertID, from, to, e.now())
	if errors.Is(err, domain.ErrConcurrencyConflict) {
		current, getErr := e.store.GetAlert(ctx, alertID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, domain.NewValidationError("status", fmt.Sprintf("alert is %s and cannot become %s", current.Status, to))
	}
	if err != nil {
		return nil, err
	}
	metrics.AlertTransitions.WithLabelValues(string(updated.Type), string(to)).Inc()
	return updated, nil
}

// List returns alerts ordered by severity, then newest first. Terminal
// alerts are only included when the filter asks for them.
func (e *Engine) List(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return e.store.ListAlerts(ctx, filter)
}

// OpenSubjects returns a trigger for every subject that currently has a
// non-terminal alert, so a sweep can resolve conditions that cleared.
func (e *Engine) OpenSubjects(ctx context.Context) ([]domain.AlertTrigger, error) {
	alerts, err := e.store.ListAlerts(ctx, domain.AlertFilter{})
	if err != nil {
		return nil, err
	}
	triggers := make([]domain.AlertTrigger, 0, len(alerts))
	for _, a := range alerts {
		triggers = append(triggers, domain.AlertTrigger{SubjectType: a.SubjectType, SubjectID: a.SubjectID})
	}
	return dedupeTriggers(triggers), nil
}

// Notify evaluates triggers after a committed write. Failures are logged and
// never reach the caller.
func (e *Engine) Notify(ctx context.Context, triggers ...domain.AlertTrigger) {
	if err := e.EvaluateAll(ctx, triggers); err != nil {
		log.Printf("[alert] WARN: evaluation failed: %v", err)
	}
}

func dedupeTriggers(triggers []domain.AlertTrigger) []domain.AlertTrigger {
	seen := make(map[domain.AlertTrigger]struct{}, len(triggers))
	out := make([]domain.AlertTrigger, 0, len(triggers))
	for _, t := range triggers {
		if t.SubjectID == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
