package storage

import (
	"fmt"
	"strings"
)

// MaxNameLength caps store names and record keys.
const MaxNameLength = 128

// ValidateStore checks a profile store name: trimmed, non-empty, at most
// MaxNameLength bytes of printable ASCII without '/'.
func ValidateStore(store string) error {
	return validateComponent("store", store)
}

// ValidateKey checks a record key with the same rules as store names.
func ValidateKey(key string) error {
	return validateComponent("key", key)
}

func validateComponent(kind, name string) error {
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("storage: %s %q has surrounding whitespace", kind, name)
	}
	if name == "" {
		return fmt.Errorf("storage: %s required", kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("storage: %s too long (max %d bytes)", kind, MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7e || c == '/' {
			return fmt.Errorf("storage: invalid %s %q (printable ASCII without '/' or spaces)", kind, name)
		}
	}
	return nil
}
