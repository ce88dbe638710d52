package profiled

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/profiled/internal/pathutil"
	"pkt.systems/profiled/internal/storage"
)

const (
	recordsDescriptorName    = "profiled/records"
	recordsDescriptorContext = "profiled/records"
)

// DefaultKeyFileName is the key file searched for when --key-file is omitted.
const DefaultKeyFileName = "keys.pem"

// DefaultConfigDir returns the default configuration directory
// ($HOME/.profiled, or $PROFILED_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PROFILED_CONFIG_DIR")); override != "" {
		expanded, err := pathutil.ExpandUserAndEnv(override)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(expanded) {
			return expanded, nil
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".profiled"), nil
}

// openCrypto loads record-encryption material from cfg.KeyFile. No key file
// means encryption stays off.
func openCrypto(cfg Config) (*storage.Crypto, error) {
	if cfg.KeyFile == "" {
		return nil, nil
	}
	keyPath, err := pathutil.ExpandUserAndEnv(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("keyfile: resolve %s: %w", cfg.KeyFile, err)
	}
	store, err := keymgmt.LoadPEM(keyPath)
	if err != nil {
		return nil, fmt.Errorf("keyfile: load %s: %w", keyPath, err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return nil, fmt.Errorf("keyfile: read root key: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("keyfile: %s missing root key (generate one with 'profiled keygen')", keyPath)
	}
	desc, ok, err := store.Descriptor(recordsDescriptorName)
	if err != nil {
		return nil, fmt.Errorf("keyfile: read record descriptor: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("keyfile: %s missing descriptor %q (generate one with 'profiled keygen')", keyPath, recordsDescriptorName)
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled:          true,
		RootKey:          root,
		RecordDescriptor: desc,
		RecordContext:    []byte(recordsDescriptorContext),
		Snappy:           cfg.Snappy,
	})
}

// GenerateKeyFile mints a fresh record-encryption key file at path. An
// existing file is refused unless force is set.
func GenerateKeyFile(path string, force bool) error {
	path, err := pathutil.ExpandUserAndEnv(path)
	if err != nil {
		return fmt.Errorf("keyfile: resolve path: %w", err)
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("keyfile: resolve path: %w", err)
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keyfile: %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("keyfile: stat %s: %w", path, err)
		}
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto([]byte(nil), &out)
	if err != nil {
		return fmt.Errorf("keyfile: new key store: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return fmt.Errorf("keyfile: ensure root key: %w", err)
	}
	if _, err := store.EnsureDescriptor(recordsDescriptorName, root, []byte(recordsDescriptorContext)); err != nil {
		return fmt.Errorf("keyfile: ensure record descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return fmt.Errorf("keyfile: commit key material: %w", err)
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return fmt.Errorf("keyfile: serialize key material: %w", err)
		}
		out = raw
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keyfile: create key dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("keyfile: write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("keyfile: replace key file: %w", err)
	}
	return nil
}
