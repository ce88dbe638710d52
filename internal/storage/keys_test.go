package storage

import (
	"strings"
	"testing"
)

func TestValidateStoreAndKey(t *testing.T) {
	valid := []string{"PlayerData", "Player_2312310", "a", "store-v2.1", strings.Repeat("k", MaxNameLength)}
	for _, name := range valid {
		if err := ValidateStore(name); err != nil {
			t.Fatalf("ValidateStore(%q): %v", name, err)
		}
		if err := ValidateKey(name); err != nil {
			t.Fatalf("ValidateKey(%q): %v", name, err)
		}
	}
	invalid := []string{"", " padded", "padded ", "has space", "has/slash", "ctrl\x01", strings.Repeat("k", MaxNameLength+1)}
	for _, name := range invalid {
		if err := ValidateStore(name); err == nil {
			t.Fatalf("ValidateStore(%q) accepted invalid name", name)
		}
		if err := ValidateKey(name); err == nil {
			t.Fatalf("ValidateKey(%q) accepted invalid key", name)
		}
	}
}
