package main

import (
	"context"
	"errors"
	"fmt"

	gcfirestore "cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/config"
	"github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	"github.com/mihaimyh/billsync/storage/redis"
	"github.com/mihaimyh/billsync/storage/tiered"
)

// backend is the opened store together with the hooks the server needs
// for readiness checks and shutdown.
type backend struct {
	store   billing.Store
	pingers []func(context.Context) error
	closers []func() error
}

// Ping reports whether every connection behind the store answers.
func (b *backend) Ping(ctx context.Context) error {
	for _, ping := range b.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections in reverse opening order.
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg *config.Config, logger billing.Logger, metrics billing.Metrics) (*backend, error) {
	b := &backend{}
	cold, err := b.openBackend(ctx, cfg)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.store = cold

	if cfg.CacheEnabled {
		hot, err := redis.New(b.redisClient(cfg), redis.Config{TTL: cfg.CacheTTL})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.pingers = append(b.pingers, hot.Ping)

		ts, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           cold,
			AsyncHotWrites: cfg.CacheAsyncWrites,
			ErrorHandler: func(err error) {
				logger.Warn("cache write failed", billing.F("error", err))
			},
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, ts.Close)
		b.store = ts
	}

	if cfg.BreakerThreshold > 0 {
		cb := billing.NewDefaultCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerResetTimeout, billing.IsNotFound,
			func(state billing.CircuitBreakerState) {
				logger.Warn("store circuit breaker changed state", billing.F("state", string(state)))
				metrics.RecordCircuitState(string(state))
			})
		b.store = billing.NewCircuitBreakerStore(b.store, cb)
	}

	logger.Info("store opened",
		billing.F("backend", cfg.StoreBackend),
		billing.F("cache", cfg.CacheEnabled))
	return b, nil
}

func (b *backend) openBackend(ctx context.Context, cfg *config.Config) (billing.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.BackendPostgres:
		pcfg := postgres.DefaultConfig()
		pcfg.ConnectionString = cfg.PostgresDSN
		store, err := postgres.New(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { store.Close(); return nil })
		b.pingers = append(b.pingers, store.Ping)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return store, nil

	case config.BackendRedis:
		store, err := redis.New(b.redisClient(cfg), redis.DefaultConfig())
		if err != nil {
			return nil, err
		}
		b.pingers = append(b.pingers, store.Ping)
		return store, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func (b *backend) redisClient(cfg *config.Config) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	b.closers = append(b.closers, client.Close)
	return client
}
