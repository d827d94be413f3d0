// Package auth guards the HTTP surface with bcrypt-hashed API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/klyro-app/klyro-sync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix marks klyro API keys so they are recognizable in
	// configs and logs.
	APIKeyPrefix = "kl_"

	// apiKeyBytes is the entropy of a generated key (hex-encoded to
	// twice this length).
	apiKeyBytes = 32
)

// Keyring validates presented API keys against configured bcrypt hashes.
// Accepted keys are remembered by SHA-256 digest, so bcrypt runs once per
// key per process.
type Keyring struct {
	entries []config.APIKeyEntry

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]string
}

// NewKeyring builds a keyring from parsed KLYRO_API_KEYS entries.
func NewKeyring(entries []config.APIKeyEntry) *Keyring {
	return &Keyring{
		entries:  entries,
		accepted: make(map[[sha256.Size]byte]string),
	}
}

// Len returns the number of configured keys.
func (k *Keyring) Len() int {
	if k == nil {
		return 0
	}

	return len(k.entries)
}

// Validate returns the name of the key matching token.
func (k *Keyring) Validate(token string) (string, bool) {
	if k.Len() == 0 || !strings.HasPrefix(token, APIKeyPrefix) {
		return "", false
	}

	digest := sha256.Sum256([]byte(token))

	k.mu.RLock()
	name, ok := k.accepted[digest]
	k.mu.RUnlock()

	if ok {
		return name, true
	}

	for _, e := range k.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(token)) == nil {
			k.mu.Lock()
			k.accepted[digest] = e.Name
			k.mu.Unlock()

			return e.Name, true
		}
	}

	return "", false
}

// GenerateKey returns a new random API key and its bcrypt hash.
func GenerateKey() (key, hash string, err error) {
	key = APIKeyPrefix + RandomHex(apiKeyBytes)

	hash, err = HashKey(key)
	if err != nil {
		return "", "", err
	}

	return key, hash, nil
}

// HashKey returns the bcrypt hash to put in KLYRO_API_KEYS for key.
func HashKey(key string) (string, error) {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return "", fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(h), nil
}

// RandomHex returns a hex-encoded string of byteLen random bytes.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
