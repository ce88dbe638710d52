// Package gateway mediates every remote record operation. Calls are serialized
// through the per-key write queue, decoded and re-encoded with the record
// codec, and written with compare-and-swap; on CAS interference the updater is
// reapplied against a fresh read. Remote failures are reported to the health
// monitor exactly once per operation.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/health"
	"pkt.systems/profiled/internal/loggingutil"
	"pkt.systems/profiled/internal/storage"
	"pkt.systems/profiled/internal/writequeue"
)

// maxCASAttempts bounds the read-reapply-write loop. Interference this
// persistent means another writer is live-updating the same key.
const maxCASAttempts = 16

// Updater transforms the current remote record (nil when absent) into the
// record to store. It must be pure: a CAS conflict reapplies it against a
// fresh read. Returning an error aborts the persist without writing.
type Updater func(current *storage.Record) (*storage.Record, error)

// Config wires the gateway's collaborators.
type Config struct {
	// Backend should already carry the retry decorator so transient faults
	// are retried below this layer.
	Backend storage.Backend
	Crypto  *storage.Crypto
	Queue   *writequeue.Queue
	Health  *health.Monitor
	Logger  pslog.Logger
	Tracer  trace.Tracer
}

// Gateway performs Fetch/Persist/Remove against the remote store.
type Gateway struct {
	backend storage.Backend
	crypto  *storage.Crypto
	queue   *writequeue.Queue
	health  *health.Monitor
	logger  pslog.Logger
	tracer  trace.Tracer
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pkt.systems/profiled/internal/gateway")
	}
	return &Gateway{
		backend: cfg.Backend,
		crypto:  cfg.Crypto,
		queue:   cfg.Queue,
		health:  cfg.Health,
		logger:  loggingutil.WithSubsystem(cfg.Logger, "gateway"),
		tracer:  tracer,
	}
}

type fetchResult struct {
	rec  *storage.Record
	etag string
	err  error
}

type persistResult struct {
	rec *storage.Record
	err error
}

// Fetch reads and decodes the record for (store, key). A missing record is
// (nil, "", nil). The read runs inside the key's serialized executor; the wait
// is cancellable via ctx but the queued read itself still runs.
func (g *Gateway) Fetch(ctx context.Context, store, key string) (*storage.Record, string, error) {
	done := make(chan fetchResult, 1)
	err := g.queue.Enqueue(store, key, func(opCtx context.Context) {
		rec, etag, err := g.fetch(g.opContext(opCtx, store, key, "fetch"), store, key)
		done <- fetchResult{rec: rec, etag: etag, err: err}
	})
	if err != nil {
		return nil, "", err
	}
	select {
	case r := <-done:
		return r.rec, r.etag, r.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Persist runs the read-updater-write loop for (store, key) inside the key's
// serialized executor and returns the record that was stored.
func (g *Gateway) Persist(ctx context.Context, store, key string, updater Updater) (*storage.Record, error) {
	done := make(chan persistResult, 1)
	err := g.queue.Enqueue(store, key, func(opCtx context.Context) {
		rec, err := g.persist(g.opContext(opCtx, store, key, "persist"), store, key, updater)
		done <- persistResult{rec: rec, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.rec, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type removeResult struct {
	removed bool
	err     error
}

// Remove deletes the record for (store, key). Removing an absent record is
// not an error; removed reports whether a record actually existed.
func (g *Gateway) Remove(ctx context.Context, store, key string) (bool, error) {
	done := make(chan removeResult, 1)
	err := g.queue.Enqueue(store, key, func(opCtx context.Context) {
		removed, err := g.remove(g.opContext(opCtx, store, key, "remove"), store, key)
		done <- removeResult{removed: removed, err: err}
	})
	if err != nil {
		return false, err
	}
	select {
	case r := <-done:
		return r.removed, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// List enumerates keys in a store. Listing bypasses the write queue; it
// touches no record state.
func (g *Gateway) List(ctx context.Context, store, prefix string, limit int) ([]string, error) {
	keys, err := g.backend.List(ctx, store, storage.ListOptions{Prefix: prefix, Limit: limit})
	if err != nil {
		g.reportIssue(store, "", "list", err)
		return nil, fmt.Errorf("list records: %w", err)
	}
	return keys, nil
}

// opContext tags the operation with a correlation ID and an operation-scoped
// logger, carried through the context into the op body.
func (g *Gateway) opContext(ctx context.Context, store, key, op string) context.Context {
	correlationID := xid.New().String()
	logger := g.logger.With(
		"correlation_id", correlationID,
		"store", store,
		"key", key,
		"op", op,
	)
	return pslog.ContextWithLogger(ctx, logger)
}

func (g *Gateway) fetch(ctx context.Context, store, key string) (*storage.Record, string, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.fetch", trace.WithAttributes(
		attribute.String("profiled.store", store),
		attribute.String("profiled.key", key),
	))
	defer span.End()
	logger := pslog.LoggerFromContext(ctx)

	obj, err := g.backend.Load(ctx, store, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		g.reportIssue(store, key, "load", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, "", fmt.Errorf("load record: %w", err)
	}
	rec, err := storage.DecodeRecord(obj.Data, g.crypto)
	if err != nil {
		g.reportCorruption(store, key, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return nil, "", fmt.Errorf("decode record: %w", err)
	}
	logger.Debug("gateway.fetch.success", "etag", obj.ETag, "session_load_count", rec.Meta.SessionLoadCount)
	return rec, obj.ETag, nil
}

func (g *Gateway) persist(ctx context.Context, store, key string, updater Updater) (*storage.Record, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.persist", trace.WithAttributes(
		attribute.String("profiled.store", store),
		attribute.String("profiled.key", key),
	))
	defer span.End()
	logger := pslog.LoggerFromContext(ctx)

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		var (
			current *storage.Record
			etag    string
		)
		obj, err := g.backend.Load(ctx, store, key)
		switch {
		case err == nil:
			rec, derr := storage.DecodeRecord(obj.Data, g.crypto)
			if derr != nil {
				g.reportCorruption(store, key, derr)
				span.RecordError(derr)
				span.SetStatus(codes.Error, "decode failed")
				return nil, fmt.Errorf("decode record: %w", derr)
			}
			current = rec
			etag = obj.ETag
		case errors.Is(err, storage.ErrNotFound):
			current = nil
		default:
			g.reportIssue(store, key, "load", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "load failed")
			return nil, fmt.Errorf("load record: %w", err)
		}

		next, err := updater(current)
		if err != nil {
			// Domain decision, not a store failure; nothing was written.
			return nil, err
		}
		if next == nil {
			return nil, errors.New("gateway: updater returned nil record")
		}

		blob, err := storage.EncodeRecord(next, g.crypto)
		if err != nil {
			g.reportIssue(store, key, "encode", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode failed")
			return nil, fmt.Errorf("encode record: %w", err)
		}

		newETag, err := g.backend.Store(ctx, store, key, blob, etag)
		if err == nil {
			logger.Debug("gateway.persist.success",
				"etag", newETag,
				"attempt", attempt,
				"session_load_count", next.Meta.SessionLoadCount,
			)
			span.SetAttributes(attribute.Int("profiled.cas_attempts", attempt))
			return next, nil
		}
		if errors.Is(err, storage.ErrCASMismatch) || errors.Is(err, storage.ErrNotFound) {
			// Lost the race (or the record was wiped underneath us);
			// re-read and reapply.
			logger.Debug("gateway.persist.contention", "attempt", attempt, "error", err)
			continue
		}
		g.reportIssue(store, key, "store", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return nil, fmt.Errorf("store record: %w", err)
	}

	err := storage.NewTransientError(fmt.Errorf("gateway: cas contention on %s/%s not resolved after %d attempts", store, key, maxCASAttempts))
	g.reportIssue(store, key, "store", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "cas contention exhausted")
	return nil, err
}

func (g *Gateway) remove(ctx context.Context, store, key string) (bool, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.remove", trace.WithAttributes(
		attribute.String("profiled.store", store),
		attribute.String("profiled.key", key),
	))
	defer span.End()
	logger := pslog.LoggerFromContext(ctx)

	err := g.backend.Remove(ctx, store, key, "")
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("gateway.remove.absent")
		return false, nil
	}
	if err != nil {
		g.reportIssue(store, key, "remove", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
		return false, fmt.Errorf("remove record: %w", err)
	}
	logger.Debug("gateway.remove.success")
	return true, nil
}

func (g *Gateway) reportIssue(store, key, op string, err error) {
	if g.health == nil {
		return
	}
	g.health.ReportIssue(store, key, op, err.Error())
}

// reportCorruption surfaces a decode failure both as an ordinary issue and on
// the distinct corruption signal.
func (g *Gateway) reportCorruption(store, key string, err error) {
	if g.health == nil {
		return
	}
	g.health.ReportIssue(store, key, "decode", err.Error())
	g.health.ReportCorruption(store, key, err.Error())
}
