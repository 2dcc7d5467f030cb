package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kasirledger/internal/domain"
)

func TestIdempotencyClaimIsExclusive(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	key := fmt.Sprintf("idem-it-%d", now.UnixNano())
	rec := func(token string) domain.IdempotencyRecord {
		return domain.IdempotencyRecord{Key: key, Status: domain.IdempotencyPending, Token: token, CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	}

	claimed, _, err := s.Claim(ctx, rec("a"), now)
	if err != nil || !claimed {
		t.Fatalf("expected first claim, claimed=%v err=%v", claimed, err)
	}
	claimed, existing, err := s.Claim(ctx, rec("b"), now)
	if err != nil || claimed || existing.Token != "a" {
		t.Fatalf("expected second claim to observe token a, claimed=%v existing=%+v err=%v", claimed, existing, err)
	}

	if err := s.FailIdempotency(ctx, key, "a", []byte(`{}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("fail: %v", err)
	}
	claimed, _, err = s.Claim(ctx, rec("c"), now)
	if err != nil || !claimed {
		t.Fatalf("expected failed key to be reclaimable, claimed=%v err=%v", claimed, err)
	}
	if err := s.CompleteIdempotency(ctx, key, "a", nil, now.Add(time.Hour)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected stale token conflict, got %v", err)
	}
}
