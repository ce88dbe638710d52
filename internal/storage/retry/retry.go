// Package retry decorates a storage backend with capped, jittered
// exponential backoff for transient errors.
package retry

import (
	"context"
	"math/rand"
	"time"

	"pkt.systems/profiled/internal/clock"
	"pkt.systems/profiled/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) Load(ctx context.Context, store, key string) (storage.Object, error) {
	var obj storage.Object
	err := b.withRetry(ctx, "load", store, key, func(ctx context.Context) error {
		var err error
		obj, err = b.inner.Load(ctx, store, key)
		return err
	})
	return obj, err
}

func (b *backend) Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	var etag string
	err := b.withRetry(ctx, "store", store, key, func(ctx context.Context) error {
		var err error
		etag, err = b.inner.Store(ctx, store, key, data, expectedETag)
		return err
	})
	return etag, err
}

func (b *backend) Remove(ctx context.Context, store, key string, expectedETag string) error {
	return b.withRetry(ctx, "remove", store, key, func(ctx context.Context) error {
		return b.inner.Remove(ctx, store, key, expectedETag)
	})
}

func (b *backend) List(ctx context.Context, store string, opts storage.ListOptions) ([]string, error) {
	var keys []string
	err := b.withRetry(ctx, "list", store, opts.Prefix, func(ctx context.Context) error {
		var err error
		keys, err = b.inner.List(ctx, store, opts)
		return err
	})
	return keys, err
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) withRetry(ctx context.Context, op, store, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"store", store,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			b.clock.Sleep(jitter(delay))
			next := time.Duration(float64(delay) * b.cfg.Multiplier)
			if next > b.cfg.MaxDelay {
				next = b.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}

// jitter spreads a backoff delay across [d/2, d] so concurrent retries for
// hot keys do not re-collide on the same schedule.
func jitter(d time.Duration) time.Duration {
	if d <= time.Millisecond {
		return d
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
