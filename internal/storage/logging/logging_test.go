package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/storage"
	"pkt.systems/profiled/internal/storage/memory"
)

func newCaptureLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(buf, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.TraceLevel,
	})
}

func TestWrapPassesThroughAndLogs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	wrapped := Wrap(memory.New(), newCaptureLogger(&buf), "memory")
	ctx := context.Background()

	etag, err := wrapped.Store(ctx, "players", "p1", []byte(`{"coins":1}`), "")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	obj, err := wrapped.Load(ctx, "players", "p1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(obj.Data) != `{"coins":1}` || obj.ETag != etag {
		t.Fatalf("unexpected object %q etag %q", obj.Data, obj.ETag)
	}

	out := buf.String()
	for _, want := range []string{"storage.store.begin", "storage.store.success", "storage.load.success", "memory"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestWrapLogsSentinelOutcomes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	wrapped := Wrap(memory.New(), newCaptureLogger(&buf), "memory")
	ctx := context.Background()

	if _, err := wrapped.Load(ctx, "players", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := wrapped.Store(ctx, "players", "p1", []byte(`{}`), "stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for update of missing record, got %v", err)
	}
	if _, err := wrapped.Store(ctx, "players", "p1", []byte(`{}`), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := wrapped.Store(ctx, "players", "p1", []byte(`{}`), "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}

	out := buf.String()
	for _, want := range []string{"storage.load.not_found", "storage.store.not_found", "storage.store.cas_mismatch"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestWrapPrefersContextLogger(t *testing.T) {
	t.Parallel()
	var base, ctxBuf bytes.Buffer
	wrapped := Wrap(memory.New(), newCaptureLogger(&base), "memory")

	ctxLogger := newCaptureLogger(&ctxBuf).With("correlation_id", "abc123")
	ctx := pslog.ContextWithLogger(context.Background(), ctxLogger)
	if _, err := wrapped.Store(ctx, "players", "p1", []byte(`{}`), ""); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if base.Len() != 0 {
		t.Fatalf("base logger should stay silent, got:\n%s", base.String())
	}
	if !strings.Contains(ctxBuf.String(), "correlation_id") {
		t.Fatalf("context logger output missing correlation field:\n%s", ctxBuf.String())
	}
}
