// Package logging decorates a storage.Backend with per-operation trace and
// debug events. The context logger wins when one is attached so events carry
// correlation fields from the calling operation.
package logging

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/loggingutil"
	"pkt.systems/profiled/internal/storage"
)

type wrapper struct {
	inner storage.Backend
	base  pslog.Logger
	name  string
}

// Wrap returns a backend that logs every operation against inner. The name
// tags events with the backend flavour ("memory", "disk", "s3", "azure").
func Wrap(inner storage.Backend, logger pslog.Logger, name string) storage.Backend {
	if inner == nil {
		return nil
	}
	return &wrapper{
		inner: inner,
		base:  loggingutil.EnsureLogger(logger),
		name:  name,
	}
}

func (w *wrapper) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil || logger == pslog.NoopLogger() {
		logger = w.base
	}
	return logger.With("storage_backend", w.name)
}

func (w *wrapper) Load(ctx context.Context, store, key string) (storage.Object, error) {
	logger := w.logger(ctx)
	start := time.Now()
	logger.Trace("storage.load.begin", "store", store, "key", key)
	obj, err := w.inner.Load(ctx, store, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debug("storage.load.not_found", "store", store, "key", key, "elapsed", time.Since(start))
		} else {
			logger.Debug("storage.load.error", "store", store, "key", key, "error", err, "elapsed", time.Since(start))
		}
		return storage.Object{}, err
	}
	logger.Debug("storage.load.success",
		"store", store,
		"key", key,
		"etag", obj.ETag,
		"bytes", len(obj.Data),
		"elapsed", time.Since(start),
	)
	return obj, nil
}

func (w *wrapper) Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	logger := w.logger(ctx)
	start := time.Now()
	logger.Trace("storage.store.begin", "store", store, "key", key, "expected_etag", expectedETag, "bytes", len(data))
	etag, err := w.inner.Store(ctx, store, key, data, expectedETag)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCASMismatch):
			logger.Debug("storage.store.cas_mismatch", "store", store, "key", key, "expected_etag", expectedETag, "elapsed", time.Since(start))
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug("storage.store.not_found", "store", store, "key", key, "expected_etag", expectedETag, "elapsed", time.Since(start))
		default:
			logger.Debug("storage.store.error", "store", store, "key", key, "error", err, "elapsed", time.Since(start))
		}
		return "", err
	}
	logger.Debug("storage.store.success",
		"store", store,
		"key", key,
		"new_etag", etag,
		"elapsed", time.Since(start),
	)
	return etag, nil
}

func (w *wrapper) Remove(ctx context.Context, store, key string, expectedETag string) error {
	logger := w.logger(ctx)
	start := time.Now()
	logger.Trace("storage.remove.begin", "store", store, "key", key, "expected_etag", expectedETag)
	err := w.inner.Remove(ctx, store, key, expectedETag)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrCASMismatch):
			logger.Debug("storage.remove.cas_mismatch", "store", store, "key", key, "expected_etag", expectedETag, "elapsed", time.Since(start))
		case errors.Is(err, storage.ErrNotFound):
			logger.Debug("storage.remove.not_found", "store", store, "key", key, "elapsed", time.Since(start))
		default:
			logger.Debug("storage.remove.error", "store", store, "key", key, "error", err, "elapsed", time.Since(start))
		}
		return err
	}
	logger.Debug("storage.remove.success", "store", store, "key", key, "elapsed", time.Since(start))
	return nil
}

func (w *wrapper) List(ctx context.Context, store string, opts storage.ListOptions) ([]string, error) {
	logger := w.logger(ctx)
	start := time.Now()
	logger.Trace("storage.list.begin", "store", store, "prefix", opts.Prefix, "limit", opts.Limit)
	keys, err := w.inner.List(ctx, store, opts)
	if err != nil {
		logger.Debug("storage.list.error", "store", store, "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	logger.Debug("storage.list.success", "store", store, "count", len(keys), "elapsed", time.Since(start))
	return keys, nil
}

func (w *wrapper) Close() error {
	return w.inner.Close()
}
