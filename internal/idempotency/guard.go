// Package idempotency deduplicates retried commands keyed by a
// caller-supplied idempotency key.
//
// A key moves Pending → Completed or Pending → Failed. Exactly one concurrent
// Begin claims a key (Fresh); the rest observe InProgress until the holder
// settles it. A Failed key, or a Pending claim whose lease ran out, can be
// claimed again.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"kasirledger/internal/domain"
	"kasirledger/internal/metrics"
	"kasirledger/internal/store"
	"kasirledger/internal/xid"
)

type Outcome int

const (
	Fresh Outcome = iota
	Replay
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case Fresh:
		return "fresh"
	case Replay:
		return "replay"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

// Decision is the result of Begin. Token is set for Fresh and must be passed
// back to Complete or Fail; Payload is set for Replay.
type Decision struct {
	Outcome Outcome
	Token   string
	Payload []byte
}

type Options struct {
	// TTL is how long a settled result stays replayable.
	TTL time.Duration
	// Lease bounds how long a Pending claim blocks other attempts.
	Lease time.Duration
	// Wait bounds how long Wait polls an in-flight key.
	Wait time.Duration
	Now  func() time.Time
}

type Guard struct {
	store store.IdempotencyStore
	ttl   time.Duration
	lease time.Duration
	wait  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewGuard(st store.IdempotencyStore, opts Options) *Guard {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{
		store:    st,
		ttl:      opts.TTL,
		lease:    opts.Lease,
		wait:     opts.Wait,
		now:      opts.Now,
		inflight: make(map[string]chan struct{}),
	}
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", domain.NewValidationError("idempotency_key", "idempotency key is required")
	}
	if len(key) > 128 {
		return "", domain.NewValidationError("idempotency_key", "idempotency key exceeds 128 characters")
	}
	return key, nil
}

func (g *Guard) Begin(ctx context.Context, key string) (Decision, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Decision{}, err
	}

	now := g.now().UTC()
	rec := domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyPending,
		Token:     xid.New(xid.PrefixIdempotency),
		CreatedAt: now,
		ExpiresAt: now.Add(g.lease),
	}
	claimed, existing, err := g.store.Claim(ctx, rec, now)
	if err != nil {
		return Decision{}, err
	}

	if claimed {
		g.mu.Lock()
		if _, ok := g.inflight[key]; !ok {
			g.inflight[key] = make(chan struct{})
		}
		g.mu.Unlock()
		metrics.IdempotencyOutcomes.WithLabelValues(Fresh.String()).Inc()
		return Decision{Outcome: Fresh, Token: rec.Token}, nil
	}

	if existing != nil && existing.Status == domain.IdempotencyCompleted {
		metrics.IdempotencyOutcomes.WithLabelValues(Replay.String()).Inc()
		return Decision{Outcome: Replay, Payload: existing.Payload}, nil
	}
	metrics.IdempotencyOutcomes.WithLabelValues(InProgress.String()).Inc()
	return Decision{Outcome: InProgress}, nil
}

// Complete stores the terminal result. Replays return payload until TTL.
func (g *Guard) Complete(ctx context.Context, key string, token string, payload []byte) error {
	defer g.release(key)
	return g.store.CompleteIdempotency(ctx, strings.TrimSpace(key), token, payload, g.now().UTC().Add(g.ttl))
}

// Fail releases the claim so the next Begin on key is Fresh again. The cause
// is kept on the record for diagnostics only.
func (g *Guard) Fail(ctx context.Context, key string, token string, cause error) error {
	defer g.release(key)

	var payload []byte
	if cause != nil {
		payload, _ = json.Marshal(domain.EnvelopeFor(cause))
	}
	return g.store.FailIdempotency(ctx, strings.TrimSpace(key), token, payload, g.now().UTC().Add(g.ttl))
}

// Wait blocks until an in-flight attempt on key settles, then begins again.
// The returned decision is Replay, or Fresh when the holder failed and this
// caller now owns the key. After the configured wait it gives up with
// domain.ErrIdempotencyInProgress.
func (g *Guard) Wait(ctx context.Context, key string) (Decision, error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond

	decision, err := backoff.Retry(waitCtx, func() (Decision, error) {
		if done := g.signal(key); done != nil {
			select {
			case <-done:
			case <-waitCtx.Done():
				return Decision{}, backoff.Permanent(domain.ErrIdempotencyInProgress)
			}
		}

		d, err := g.Begin(ctx, key)
		if err != nil {
			return Decision{}, backoff.Permanent(err)
		}
		if d.Outcome == InProgress {
			return Decision{}, domain.ErrIdempotencyInProgress
		}
		return d, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(g.wait))
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrIdempotencyInProgress) {
			return Decision{}, domain.ErrIdempotencyInProgress
		}
		return Decision{}, err
	}
	return decision, nil
}

// PurgeExpired removes records past their expiry. Completed records inside
// their replay window are never touched.
func (g *Guard) PurgeExpired(ctx context.Context) (int64, error) {
	return g.store.PurgeExpiredIdempotency(ctx, g.now().UTC())
}

func (g *Guard) signal(key string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	done, ok := g.inflight[strings.TrimSpace(key)]
	if !ok {
		return nil
	}
	return done
}

func (g *Guard) release(key string) {
	key = strings.TrimSpace(key)

	g.mu.Lock()
	defer g.mu.Unlock()

	if done, ok := g.inflight[key]; ok {
		close(done)
		delete(g.inflight, key)
	}
}
