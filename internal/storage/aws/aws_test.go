package aws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

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
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         "profiled",
		Insecure:       true,
		ForcePathStyle: true,
		AccessKey:      "test",
		SecretKey:      "test",
	}
	return server, cfg
}

func TestAWSRecordLifecycle(t *testing.T) {
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

func TestAWSListRecords(t *testing.T) {
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

func TestAWSConfigValidation(t *testing.T) {
	if _, err := New(Config{Region: "us-east-1"}); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if _, err := New(Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error for missing region")
	}
}

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string   { return "timeout" }
func (fakeTimeoutErr) Timeout() bool   { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	notFound := &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"}
	if !isNotFound(notFound) {
		t.Fatal("NoSuchKey should classify as not found")
	}
	precondition := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "etag"}
	if !isPreconditionFailed(precondition) {
		t.Fatal("PreconditionFailed should classify as CAS failure")
	}
	conflict := &smithy.GenericAPIError{Code: "ConditionalRequestConflict", Message: "racing"}
	if !isPreconditionFailed(conflict) {
		t.Fatal("ConditionalRequestConflict should classify as CAS failure")
	}
	if isNotFound(precondition) || isPreconditionFailed(notFound) {
		t.Fatal("classifications must not overlap")
	}

	retryable := []error{
		context.DeadlineExceeded,
		fakeTimeoutErr{},
		&net.DNSError{IsTemporary: true},
		&net.OpError{Err: fakeTimeoutErr{}},
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		io.EOF,
	}
	for _, err := range retryable {
		if !isRetryable(err) {
			t.Fatalf("expected %v (%T) to be retryable", err, err)
		}
	}
	if isRetryable(errors.New("boom")) {
		t.Fatal("plain errors must not be retryable")
	}
	if isRetryable(notFound) {
		t.Fatal("not-found must not be retryable")
	}
}

func TestWrapErrorMarksTransient(t *testing.T) {
	s := &Store{}
	err := s.wrapError(syscall.ECONNRESET, "aws: put record")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	err = s.wrapError(errors.New("access denied"), "aws: put record")
	if storage.IsTransient(err) {
		t.Fatalf("expected terminal error, got transient: %v", err)
	}
}
