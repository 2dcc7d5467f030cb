package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

type actorContextKey struct{}

type clientMetaContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

func WithClientMeta(ctx context.Context, meta domain.ClientMeta) context.Context {
	return context.WithValue(ctx, clientMetaContextKey{}, meta)
}

func ClientMetaFromContext(ctx context.Context) (domain.ClientMeta, bool) {
	meta, ok := ctx.Value(clientMetaContextKey{}).(domain.ClientMeta)
	return meta, ok
}

// Recorder appends before/after snapshots of mutated entities. Entries are
// never updated; PurgeOlderThan is the only deletion path.
type Recorder struct {
	store        store.AuditStore
	minRetention time.Duration
	now          func() time.Time
}

func NewRecorder(st store.AuditStore, minRetention time.Duration, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{store: st, minRetention: minRetention, now: now}
}

// Build returns an unsaved entry with actor and client metadata taken from
// ctx. Snapshots are marshalled to JSON; nil snapshots stay null.
func (r *Recorder) Build(ctx context.Context, subjectType string, subjectID string, action string, oldValue any, newValue any) (domain.AuditLog, error) {
	entry := domain.AuditLog{
		Entity:      domain.NewEntity(xid.New(xid.PrefixAudit), r.now()),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Action:      action,
	}

	var err error
	if entry.OldValue, err = snapshot(oldValue); err != nil {
		return domain.AuditLog{}, fmt.Errorf("audit old value: %w", err)
	}
	if entry.NewValue, err = snapshot(newValue); err != nil {
		return domain.AuditLog{}, fmt.Errorf("audit new value: %w", err)
	}

	if actor, ok := ActorFromContext(ctx); ok {
		entry.ActorID = actor.Username
	}
	if meta, ok := ClientMetaFromContext(ctx); ok {
		entry.ClientIP = meta.IP
		entry.UserAgent = meta.UserAgent
	}
	return entry, nil
}

func (r *Recorder) Record(ctx context.Context, subjectType string, subjectID string, action string, oldValue any, newValue any) (domain.AuditLog, error) {
	entry, err := r.Build(ctx, subjectType, subjectID, action, oldValue, newValue)
	if err != nil {
		return domain.AuditLog{}, err
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return domain.AuditLog{}, err
	}
	return entry, nil
}

func (r *Recorder) BySubject(ctx context.Context, subjectType string, subjectID string) ([]domain.AuditLog, error) {
	if strings.TrimSpace(subjectType) == "" || strings.TrimSpace(subjectID) == "" {
		return nil, domain.NewValidationError("subject", "subject type and id are required")
	}
	return r.store.ListAuditBySubject(ctx, subjectType, subjectID)
}

func (r *Recorder) ByActor(ctx context.Context, actorID string, limit int) ([]domain.AuditLog, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, domain.NewValidationError("actor_id", "actor id is required")
	}
	return r.store.ListAuditByActor(ctx, actorID, clampLimit(limit))
}

// ByRange lists entries with from <= created_at < to, newest first.
func (r *Recorder) ByRange(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if from.IsZero() || to.IsZero() || !from.Before(to) {
		return nil, domain.NewValidationError("range", "from must be before to")
	}
	return r.store.ListAuditByRange(ctx, from.UTC(), to.UTC(), clampLimit(limit))
}

// PurgeOlderThan deletes entries created before cutoff. Cutoffs inside the
// minimum retention window are rejected.
func (r *Recorder) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, domain.NewValidationError("cutoff", "cutoff is required")
	}
	if latest := r.now().UTC().Add(-r.minRetention); cutoff.After(latest) {
		return 0, domain.NewValidationError("cutoff", "cutoff is inside the audit retention window")
	}
	return r.store.PurgeAuditBefore(ctx, cutoff.UTC())
}

func snapshot(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
