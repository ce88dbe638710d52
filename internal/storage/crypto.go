package storage

import (
	"bytes"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig drives creation of the record encryption helper.
type CryptoConfig struct {
	Enabled bool
	// RootKey is the kryptograf root key the record DEK derives from.
	RootKey keymgmt.RootKey
	// RecordDescriptor identifies the record DEK within the key store.
	RecordDescriptor keymgmt.Descriptor
	// RecordContext is the derivation context bound to the descriptor.
	RecordContext []byte
	// Snappy compresses plaintext before sealing.
	Snappy bool
}

// Crypto seals and opens record blobs with a single pre-derived data key.
// A nil *Crypto means encryption is disabled; all methods tolerate it.
type Crypto struct {
	enabled  bool
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

const recordStreamChunkSize = 8 * 1024

// NewCrypto builds a Crypto helper from cfg. Disabled config yields nil.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	if cfg.RecordDescriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: record descriptor required when encryption enabled")
	}
	if len(cfg.RecordContext) == 0 {
		return nil, fmt.Errorf("storage crypto: record context required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(recordStreamChunkSize)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	mat, err := kg.ReconstructDEK(cfg.RecordContext, cfg.RecordDescriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct record DEK: %w", err)
	}
	return &Crypto{enabled: true, kg: kg, material: mat}, nil
}

// Enabled reports whether record encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil && c.enabled
}

// EncryptRecord seals plaintext with the record material.
func (c *Crypto) EncryptRecord(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt record: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage crypto: encrypt record write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt record close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecryptRecord opens a sealed record blob.
func (c *Crypto) DecryptRecord(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	r, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt record: %w", err)
	}
	defer r.Close()
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt record read: %w", err)
	}
	return plain, nil
}
