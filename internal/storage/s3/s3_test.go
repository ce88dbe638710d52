package s3

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	minio "github.com/minio/minio-go/v7"

	"pkt.systems/profiled/internal/storage"
)

func setupFakeS3(t *testing.T) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	bucket := "profiled-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       endpoint,
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "profiled",
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestS3RecordLifecycle(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	etag, err := store.Store(ctx, "players", "p1", []byte(`{"coins":5}`), "")
	if err != nil {
		t.Fatalf("create record: %v", err)
	}
	if etag == "" {
		t.Fatal("create returned empty etag")
	}

	obj, err := store.Load(ctx, "players", "p1")
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	if string(obj.Data) != `{"coins":5}` {
		t.Fatalf("unexpected payload %q", obj.Data)
	}
	if obj.ETag != etag {
		t.Fatalf("etag mismatch: load %q vs put %q", obj.ETag, etag)
	}

	if _, err := store.Store(ctx, "players", "p1", []byte(`{"coins":6}`), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("create over existing: expected ErrCASMismatch, got %v", err)
	}
	etag2, err := store.Store(ctx, "players", "p1", []byte(`{"coins":6}`), etag)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if _, err := store.Store(ctx, "players", "p1", []byte(`{"coins":7}`), "bogus"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag: expected ErrCASMismatch, got %v", err)
	}

	if err := store.Remove(ctx, "players", "p1", "wrong"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale remove: expected ErrCASMismatch, got %v", err)
	}
	if err := store.Remove(ctx, "players", "p1", etag2); err != nil {
		t.Fatalf("remove record: %v", err)
	}
	if err := store.Remove(ctx, "players", "p1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second remove: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Load(ctx, "players", "p1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("load removed record: expected ErrNotFound, got %v", err)
	}
}

func TestS3ListRecords(t *testing.T) {
	server, cfg := setupFakeS3(t)
	defer server.Close()

	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"user_2", "user_1", "npc_1"} {
		if _, err := store.Store(ctx, "players", key, []byte(`{}`), ""); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}
	if _, err := store.Store(ctx, "guilds", "g1", []byte(`{}`), ""); err != nil {
		t.Fatalf("store guild: %v", err)
	}

	keys, err := store.List(ctx, "players", storage.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"npc_1", "user_1", "user_2"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys %v, want %d", len(keys), keys, len(want))
	}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}

	keys, err = store.List(ctx, "players", storage.ListOptions{Prefix: "user_", Limit: 1})
	if err != nil {
		t.Fatalf("list with prefix: %v", err)
	}
	if len(keys) != 1 || keys[0] != "user_1" {
		t.Fatalf("unexpected filtered keys %v", keys)
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestIsRetryableNetworkErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "context deadline", err: context.DeadlineExceeded, expected: true},
		{name: "net timeout", err: fakeTimeoutErr{}, expected: true},
		{name: "dns temporary", err: &net.DNSError{IsTemporary: true}, expected: true},
		{name: "net op timeout", err: &net.OpError{Err: fakeTimeoutErr{}}, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "io EOF", err: io.EOF, expected: true},
		{name: "server error", err: minio.ErrorResponse{StatusCode: http.StatusInternalServerError}, expected: true},
		{name: "throttled", err: minio.ErrorResponse{StatusCode: http.StatusTooManyRequests}, expected: true},
		{name: "precondition failed", err: minio.ErrorResponse{StatusCode: http.StatusPreconditionFailed}, expected: false},
		{name: "non retryable", err: errors.New("boom"), expected: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := isRetryable(tc.err)
			if got != tc.expected {
				t.Fatalf("expected %v, got %v for %T", tc.expected, got, tc.err)
			}
		})
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	s := &Store{}
	err := s.wrapError(minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable}, "s3: put record")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	err = s.wrapError(minio.ErrorResponse{StatusCode: http.StatusForbidden}, "s3: put record")
	if storage.IsTransient(err) {
		t.Fatalf("expected terminal error, got transient: %v", err)
	}
}
