package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"kasirledger/internal/config"
	"kasirledger/internal/service"
	"kasirledger/internal/store"
	"kasirledger/internal/store/memory"
	pgstore "kasirledger/internal/store/postgres"
	redisstore "kasirledger/internal/store/redis"
	"kasirledger/internal/syncqueue"
)

// runtime holds the wired dependencies shared by serve and maintenance.
type runtime struct {
	repo    store.Store
	service *service.Service
	closers []func() error
}

func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	rt := &runtime{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		if _, err := pg.Migrate(ctx); err != nil {
			rt.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.repo = pg
		log.Println("repository: postgres")
	} else {
		rt.repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	var idem store.IdempotencyStore
	if cfg.RedisAddr != "" {
		redisIdem := redisstore.NewIdempotencyStore(redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), "")
		if err := redisIdem.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), keeping idempotency records in the repository", err)
			_ = redisIdem.Close()
		} else {
			idem = redisIdem
			rt.closers = append(rt.closers, redisIdem.Close)
			log.Println("idempotency: redis")
		}
	} else {
		log.Println("idempotency: repository")
	}

	if dir := filepath.Dir(cfg.SyncOutboxPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			rt.close()
			return nil, fmt.Errorf("create outbox dir: %w", err)
		}
	}
	outbox, err := syncqueue.Open(cfg.SyncOutboxPath)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("open sync outbox: %w", err)
	}
	rt.closers = append(rt.closers, outbox.Close)

	rt.service = service.New(service.Deps{
		Store:       rt.repo,
		Idempotency: idem,
		Outbox:      outbox,
	}, service.Options{
		DefaultStoreID:    cfg.StoreID,
		IdempotencyTTL:    cfg.IdempotencyTTL.Duration,
		IdempotencyLease:  cfg.IdempotencyLease.Duration,
		IdempotencyWait:   cfg.IdempotencyWait.Duration,
		CommitMaxRetries:  cfg.CommitMaxRetries,
		AuditMinRetention: cfg.AuditMinRetention.Duration,
		AuditPurgeAfter:   cfg.AuditPurgeAfter.Duration,
		Thresholds:        cfg.Thresholds(),
	})
	return rt, nil
}

// close runs closers in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			log.Printf("close error: %v", err)
		}
	}
	rt.closers = nil
}
