package memory

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/profiled/internal/storage"
)

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := New()
	if _, err := s.Load(context.Background(), "PlayerData", "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreCreateThenUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()

	etag1, err := s.Store(ctx, "PlayerData", "P1", []byte("v1"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if etag1 == "" {
		t.Fatal("create returned empty etag")
	}
	if _, err := s.Store(ctx, "PlayerData", "P1", []byte("v1b"), ""); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("second create should conflict, got %v", err)
	}
	etag2, err := s.Store(ctx, "PlayerData", "P1", []byte("v2"), etag1)
	if err != nil {
		t.Fatalf("conditional update: %v", err)
	}
	if etag2 == etag1 {
		t.Fatal("update did not rotate etag")
	}
	if _, err := s.Store(ctx, "PlayerData", "P1", []byte("v3"), etag1); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale etag should conflict, got %v", err)
	}

	obj, err := s.Load(ctx, "PlayerData", "P1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(obj.Data) != "v2" || obj.ETag != etag2 {
		t.Fatalf("load = %q/%q, want v2/%q", obj.Data, obj.ETag, etag2)
	}
}

func TestLoadCopiesBlob(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Store(ctx, "PlayerData", "P1", []byte("orig"), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	obj, err := s.Load(ctx, "PlayerData", "P1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	obj.Data[0] = 'X'
	again, err := s.Load(ctx, "PlayerData", "P1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(again.Data) != "orig" {
		t.Fatalf("stored blob mutated through returned slice: %q", again.Data)
	}
}

func TestRemoveConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	etag, err := s.Store(ctx, "PlayerData", "P1", []byte("v1"), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Remove(ctx, "PlayerData", "P1", "stale"); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("stale remove should conflict, got %v", err)
	}
	if err := s.Remove(ctx, "PlayerData", "P1", etag); err != nil {
		t.Fatalf("conditional remove: %v", err)
	}
	if err := s.Remove(ctx, "PlayerData", "P1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("remove of absent key should be ErrNotFound, got %v", err)
	}
}

func TestListPrefixAndLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, key := range []string{"Player_3", "Player_1", "Player_2", "Guild_1"} {
		if _, err := s.Store(ctx, "PlayerData", key, []byte("x"), ""); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
	}
	keys, err := s.List(ctx, "PlayerData", storage.ListOptions{Prefix: "Player_"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"Player_1", "Player_2", "Player_3"}
	if len(keys) != len(want) {
		t.Fatalf("list = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("list = %v, want %v", keys, want)
		}
	}
	limited, err := s.List(ctx, "PlayerData", storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("limited list: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited list length = %d, want 2", len(limited))
	}
}

func TestValidationRejectsBadNames(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Store(ctx, "", "P1", []byte("x"), ""); err == nil {
		t.Fatal("empty store accepted")
	}
	if _, err := s.Store(ctx, "PlayerData", "has space", []byte("x"), ""); err == nil {
		t.Fatal("invalid key accepted")
	}
}
