package redis

import (
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"kasirledger/internal/domain"
)

func TestRedisIdempotencyClaimLifecycle(t *testing.T) {
	addr := os.Getenv("KASIRLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set KASIRLEDGER_TEST_REDIS_ADDR to run redis integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := NewIdempotencyStore(NewClient(addr, os.Getenv("KASIRLEDGER_TEST_REDIS_PASSWORD"), 0), "kasirledger-test:idem:")
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	now := time.Now().UTC()
	key := "it-" + strconv.FormatInt(now.UnixNano(), 10)
	rec := domain.IdempotencyRecord{
		Key:       key,
		Status:    domain.IdempotencyPending,
		Token:     "token-a",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}

	claimed, _, err := st.Claim(ctx, rec, now)
	if err != nil || !claimed {
		t.Fatalf("expected first claim to win, claimed=%v err=%v", claimed, err)
	}

	rec.Token = "token-b"
	claimed, existing, err := st.Claim(ctx, rec, now)
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if claimed || existing == nil || existing.Status != domain.IdempotencyPending || existing.Token != "token-a" {
		t.Fatalf("expected pending record owned by token-a, got claimed=%v existing=%+v", claimed, existing)
	}

	if err := st.CompleteIdempotency(ctx, key, "token-b", []byte("x"), now.Add(time.Hour)); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Fatalf("expected non-owner settle to conflict, got %v", err)
	}
	if err := st.CompleteIdempotency(ctx, key, "token-a", []byte(`{"ok":true}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := st.GetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.IdempotencyCompleted || string(got.Payload) != `{"ok":true}` {
		t.Fatalf("unexpected record: %+v", got)
	}
}
