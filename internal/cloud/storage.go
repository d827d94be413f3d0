// Package cloud is the remote storage tier: Telegram's per-user cloud
// key/value store, reached through the mini-app host bridge.
package cloud

//go:generate mockgen -source=storage.go -destination=cloudmock/storage.go -package=cloudmock

import (
	"context"
	"fmt"
)

// Custom methods the host exposes for CloudStorage.
const (
	MethodGet    = "getStorageValues"
	MethodSave   = "saveStorageValue"
	MethodDelete = "deleteStorageValues"
)

const (
	// MaxKeyLen is the longest key CloudStorage accepts.
	MaxKeyLen = 128

	// MaxValueLen is the longest value CloudStorage accepts.
	MaxValueLen = 4096
)

// Storage is a handle on the remote key/value store. A handle can exist
// before its methods are wired, so callers check Supports before use.
type Storage interface {
	// GetItem returns the stored value. CloudStorage reports missing keys
	// as empty strings, so found is false for both.
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Supports(method string) bool
}

// Host is the launch environment. CloudStorage returns nil until the
// host has exposed a storage handle.
type Host interface {
	CloudStorage() Storage
}

// ValidateKey checks a key against CloudStorage's naming rules:
// 1-128 characters from A-Z, a-z, 0-9, underscore and hyphen.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return fmt.Errorf("cloud key length %d outside 1..%d", len(key), MaxKeyLen)
	}

	for i := 0; i < len(key); i++ {
		c := key[i]

		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return fmt.Errorf("cloud key %q contains invalid character %q", key, c)
		}
	}

	return nil
}

// ValidateValue checks a value against CloudStorage's size limit.
func ValidateValue(value string) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("cloud value length %d exceeds %d", len(value), MaxValueLen)
	}

	return nil
}
