// Package disk implements a filesystem-backed record store. Every record is a
// single file under root/records/<store>/<key>; writes land in a temp file and
// are renamed into place so readers never observe partial content. The ETag is
// the hex SHA-256 of the stored blob. Conditional writes are serialized with
// per-key mutexes plus an advisory file lock so separate processes sharing the
// same directory keep compare-and-swap semantics.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/profiled/internal/storage"
)

// Config carries the settings for a disk store.
type Config struct {
	// Root is the directory that holds all records, temp files and locks.
	Root string
}

// Store is a storage.Backend rooted at a local directory.
type Store struct {
	root       string
	recordsDir string
	tmpDir     string
	lockDir    string

	locks sync.Map
}

var globalLocks sync.Map

func globalKeyMutex(object string) *sync.Mutex {
	mu, _ := globalLocks.LoadOrStore(object, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk store rooted at cfg.Root, creating the directory
// layout when missing.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	recordsDir := filepath.Join(root, "records")
	tmpDir := filepath.Join(root, "tmp")
	lockDir := filepath.Join(root, "locks")
	for _, dir := range []string{recordsDir, tmpDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{
		root:       root,
		recordsDir: recordsDir,
		tmpDir:     tmpDir,
		lockDir:    lockDir,
	}, nil
}

// Close releases the store. Disk stores hold no background resources.
func (s *Store) Close() error { return nil }

func (s *Store) keyMutex(object string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(object, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func encodeComponent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("disk: name required")
	}
	encoded := url.PathEscape(name)
	if strings.Contains(encoded, "..") {
		return "", fmt.Errorf("disk: invalid name %q", name)
	}
	return encoded, nil
}

func (s *Store) recordPath(store, key string) (string, error) {
	if err := storage.ValidateStore(store); err != nil {
		return "", err
	}
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	encStore, err := encodeComponent(store)
	if err != nil {
		return "", err
	}
	encKey, err := encodeComponent(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.recordsDir, encStore, encKey), nil
}

func (s *Store) acquireFileLock(store, key string) (*fileLock, error) {
	encStore, err := encodeComponent(store)
	if err != nil {
		return nil, err
	}
	encKey, err := encodeComponent(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.lockDir, encStore)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare lock directory %q: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, encKey+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock record: %w", err)
	}
	return &fileLock{file: f}, nil
}

func blobETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) readRecord(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", storage.ErrNotFound
		}
		return nil, "", fmt.Errorf("disk: read record: %w", err)
	}
	return data, blobETag(data), nil
}

// Load returns the record blob and its content ETag.
func (s *Store) Load(ctx context.Context, store, key string) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return storage.Object{}, err
	}
	path, err := s.recordPath(store, key)
	if err != nil {
		return storage.Object{}, err
	}
	data, etag, err := s.readRecord(path)
	if err != nil {
		return storage.Object{}, err
	}
	return storage.Object{Data: data, ETag: etag}, nil
}

// Store writes the record blob with compare-and-swap semantics. An empty
// expectedETag demands that the record does not exist yet.
func (s *Store) Store(ctx context.Context, store, key string, data []byte, expectedETag string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.recordPath(store, key)
	if err != nil {
		return "", err
	}

	glob := globalKeyMutex(path)
	glob.Lock()
	defer glob.Unlock()
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()

	fl, err := s.acquireFileLock(store, key)
	if err != nil {
		return "", err
	}
	defer fl.Unlock()

	_, currentETag, err := s.readRecord(path)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if expectedETag == "" {
		if exists {
			return "", storage.ErrCASMismatch
		}
	} else {
		if !exists {
			return "", storage.ErrNotFound
		}
		if currentETag != expectedETag {
			return "", storage.ErrCASMismatch
		}
	}

	if err := s.writeBytesAtomic(path, data); err != nil {
		return "", err
	}
	return blobETag(data), nil
}

// Remove deletes the record, honouring an expected ETag when supplied.
func (s *Store) Remove(ctx context.Context, store, key string, expectedETag string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.recordPath(store, key)
	if err != nil {
		return err
	}

	glob := globalKeyMutex(path)
	glob.Lock()
	defer glob.Unlock()
	mu := s.keyMutex(path)
	mu.Lock()
	defer mu.Unlock()

	fl, err := s.acquireFileLock(store, key)
	if err != nil {
		return err
	}
	defer fl.Unlock()

	if expectedETag != "" {
		_, currentETag, err := s.readRecord(path)
		if err != nil {
			return err
		}
		if currentETag != expectedETag {
			return storage.ErrCASMismatch
		}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove record: %w", err)
	}
	// Best effort; a concurrent create may repopulate the store directory.
	os.Remove(filepath.Dir(path))
	return nil
}

// List returns the keys present in the store, sorted, honouring opts.
func (s *Store) List(ctx context.Context, store string, opts storage.ListOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storage.ValidateStore(store); err != nil {
		return nil, err
	}
	encStore, err := encodeComponent(store)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.recordsDir, encStore))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: list records: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}
	return keys, nil
}

func (s *Store) writeBytesAtomic(dest string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "profiled-record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
