// Package maintenance holds the housekeeping jobs an external scheduler (cron,
// a Kubernetes CronJob) runs against a live deployment.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
)

const (
	TaskPurgeIdempotency = "purge-idempotency"
	TaskPurgeAudit       = "purge-audit"
	TaskSweepAlerts      = "sweep-alerts"
	TaskDrainSync        = "drain-sync"
	TaskReconcileStock   = "reconcile-stock"
)

type Result struct {
	Task    string         `json:"task"`
	Removed int64          `json:"removed"`
	Details map[string]int `json:"details,omitempty"`
	Took    time.Duration  `json:"took"`
}

type Task struct {
	Name    string
	Summary string
	Run     func(ctx context.Context) (Result, error)
}

type Runner struct {
	tasks map[string]Task
}

func NewRunner(tasks ...Task) *Runner {
	r := &Runner{tasks: make(map[string]Task, len(tasks))}
	for _, task := range tasks {
		r.tasks[task.Name] = task
	}
	return r
}

// Tasks lists registered tasks by name.
func (r *Runner) Tasks() []Task {
	tasks := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	slices.SortFunc(tasks, func(a, b Task) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return tasks
}

func (r *Runner) Run(ctx context.Context, name string) (Result, error) {
	task, ok := r.tasks[name]
	if !ok {
		return Result{}, fmt.Errorf("maintenance task %q: %w", name, domain.ErrNotFound)
	}

	started := time.Now()
	result, err := task.Run(ctx)
	result.Task = name
	result.Took = time.Since(started)
	if err != nil {
		log.Printf("[maintenance] WARN: %s failed after %s: %v", name, result.Took, err)
		return result, err
	}
	if result.Removed > 0 {
		metrics.MaintenanceRemoved.WithLabelValues(name).Add(float64(result.Removed))
	}
	log.Printf("[maintenance] %s done in %s: removed=%d details=%v", name, result.Took, result.Removed, result.Details)
	return result, nil
}

type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func PurgeIdempotency(p IdempotencyPurger) Task {
	return Task{
		Name:    TaskPurgeIdempotency,
		Summary: "delete idempotency records past their expiry",
		Run: func(ctx context.Context) (Result, error) {
			removed, err := p.PurgeExpired(ctx)
			return Result{Removed: removed}, err
		},
	}
}

type AuditPurger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeAudit drops audit entries older than olderThan. The recorder still
// refuses cutoffs inside its minimum retention.
func PurgeAudit(p AuditPurger, olderThan time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{
		Name:    TaskPurgeAudit,
		Summary: "delete audit entries older than the configured window",
		Run: func(ctx context.Context) (Result, error) {
			removed, err := p.PurgeOlderThan(ctx, now().Add(-olderThan))
			return Result{Removed: removed}, err
		},
	}
}

type AlertSweeper interface {
	EvaluateAll(ctx context.Context, triggers []domain.AlertTrigger) error
}

// SweepAlerts re-evaluates the subjects returned by subjects. Time-based
// conditions (expiry, registers left open, overdue orders) only change here.
func SweepAlerts(sweeper AlertSweeper, subjects func(ctx context.Context) ([]domain.AlertTrigger, error)) Task {
	return Task{
		Name:    TaskSweepAlerts,
		Summary: "re-evaluate time-based alert conditions",
		Run: func(ctx context.Context) (Result, error) {
			triggers, err := subjects(ctx)
			if err != nil {
				return Result{}, err
			}
			err = sweeper.EvaluateAll(ctx, triggers)
			return Result{Details: map[string]int{"subjects": len(triggers)}}, err
		},
	}
}

type DrainFunc func(ctx context.Context) (synced int, rejected int, retried int, err error)

func DrainSync(drain DrainFunc) Task {
	return Task{
		Name:    TaskDrainSync,
		Summary: "commit queued offline sales",
		Run: func(ctx context.Context) (Result, error) {
			synced, rejected, retried, err := drain(ctx)
			return Result{Details: map[string]int{"synced": synced, "rejected": rejected, "retried": retried}}, err
		},
	}
}

type StockReconciler interface {
	Reconcile(ctx context.Context, productID string) (domain.StockReconciliation, error)
}

// ReconcileStock folds every product's movements and counts drifted levels.
func ReconcileStock(r StockReconciler, products func(ctx context.Context) ([]string, error)) Task {
	return Task{
		Name:    TaskReconcileStock,
		Summary: "compare materialized stock levels with their movement fold",
		Run: func(ctx context.Context) (Result, error) {
			ids, err := products(ctx)
			if err != nil {
				return Result{}, err
			}
			drifted := 0
			for _, id := range ids {
				rec, err := r.Reconcile(ctx, id)
				if err != nil {
					return Result{Details: map[string]int{"checked": len(ids), "drifted": drifted}}, err
				}
				if rec.Drift != 0 {
					drifted++
				}
			}
			return Result{Details: map[string]int{"checked": len(ids), "drifted": drifted}}, nil
		},
	}
}
