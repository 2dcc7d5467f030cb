package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirledger/internal/domain"
	"kasirledger/internal/store/memory"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func TestRecordCapturesActorAndClientMeta(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	recorder := NewRecorder(memory.New(), 24*time.Hour, c.Now)

	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
	ctx = WithClientMeta(ctx, domain.ClientMeta{IP: "10.0.0.7", UserAgent: "pos-terminal/2.1"})

	entry, err := recorder.Record(ctx, domain.KindProduct, "P1", "product_update",
		map[string]int64{"price_cents": 1000},
		map[string]int64{"price_cents": 1200},
	)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if entry.ActorID != "admin" || entry.ClientIP != "10.0.0.7" || entry.UserAgent != "pos-terminal/2.1" {
		t.Fatalf("expected actor and client meta on entry, got %+v", entry)
	}
	if string(entry.OldValue) != `{"price_cents":1000}` || string(entry.NewValue) != `{"price_cents":1200}` {
		t.Fatalf("unexpected snapshots old=%s new=%s", entry.OldValue, entry.NewValue)
	}

	trail, err := recorder.BySubject(ctx, domain.KindProduct, "P1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(trail) != 1 || trail[0].ID != entry.ID {
		t.Fatalf("expected one entry in trail, got %+v", trail)
	}
}

func TestRecordWithoutActorLeavesFieldsEmpty(t *testing.T) {
	recorder := NewRecorder(memory.New(), time.Hour, nil)

	entry, err := recorder.Record(context.Background(), domain.KindSale, "S1", "sale_commit", nil, map[string]string{"status": "committed"})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if entry.ActorID != "" || entry.OldValue != nil {
		t.Fatalf("expected empty actor and null old value, got %+v", entry)
	}
}

func TestQueryByActorAndRange(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	recorder := NewRecorder(memory.New(), time.Hour, c.Now)
	ctx := WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})

	for i := range 3 {
		c.now = c.now.Add(time.Minute)
		if _, err := recorder.Record(ctx, domain.KindSale, "S"+string(rune('1'+i)), "sale_commit", nil, nil); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}

	byActor, err := recorder.ByActor(context.Background(), "cashier", 2)
	if err != nil {
		t.Fatalf("by actor failed: %v", err)
	}
	if len(byActor) != 2 || byActor[0].SubjectID != "S3" {
		t.Fatalf("expected newest two entries, got %+v", byActor)
	}

	from := time.Date(2026, 3, 1, 9, 1, 30, 0, time.UTC)
	to := time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC)
	byRange, err := recorder.ByRange(context.Background(), from, to, 10)
	if err != nil {
		t.Fatalf("by range failed: %v", err)
	}
	if len(byRange) != 2 {
		t.Fatalf("expected two entries in range, got %d", len(byRange))
	}

	if _, err := recorder.ByRange(context.Background(), to, from, 10); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
}

func TestPurgeOlderThanHonoursRetention(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	recorder := NewRecorder(memory.New(), 30*24*time.Hour, c.Now)
	ctx := context.Background()

	if _, err := recorder.Record(ctx, domain.KindSale, "old", "sale_commit", nil, nil); err != nil {
		t.Fatalf("record old failed: %v", err)
	}
	c.now = c.now.Add(60 * 24 * time.Hour)
	if _, err := recorder.Record(ctx, domain.KindSale, "new", "sale_commit", nil, nil); err != nil {
		t.Fatalf("record new failed: %v", err)
	}

	if _, err := recorder.PurgeOlderThan(ctx, c.now.Add(-time.Hour)); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected cutoff inside retention to be rejected, got %v", err)
	}

	purged, err := recorder.PurgeOlderThan(ctx, c.now.Add(-45*24*time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one entry purged, got %d", purged)
	}

	remaining, _ := recorder.BySubject(ctx, domain.KindSale, "new")
	if len(remaining) != 1 {
		t.Fatalf("expected recent entry to survive purge")
	}
}
