// Package auth handles credentials on both sides of chat-sync: inspecting
// the access token issued by the chat service, and authenticating MCP
// clients with pre-configured API keys.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

const (
	// APIKeyPrefix marks chat-sync API keys so they are recognisable in
	// configuration and logs.
	APIKeyPrefix = "cs_"

	// APIKeyMinLen is the prefix plus 32 hex characters (16 random bytes).
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// KeyStore validates bearer API keys. Keys are held as SHA-256 digests so
// the raw values do not linger in memory after startup.
type KeyStore struct {
	keys map[[sha256.Size]byte]string // digest -> user id
}

// NewKeyStore builds a store from a user id to key mapping.
func NewKeyStore(userKeys map[string]string) *KeyStore {
	ks := &KeyStore{keys: make(map[[sha256.Size]byte]string, len(userKeys))}
	for user, key := range userKeys {
		ks.keys[sha256.Sum256([]byte(key))] = user
	}

	return ks
}

// ValidateAPIKey returns the user id the key belongs to.
func (ks *KeyStore) ValidateAPIKey(key string) (string, bool) {
	digest := sha256.Sum256([]byte(key))

	for stored, user := range ks.keys {
		if subtle.ConstantTimeCompare(stored[:], digest[:]) == 1 {
			return user, true
		}
	}

	return "", false
}

// Len returns the number of configured keys.
func (ks *KeyStore) Len() int {
	return len(ks.keys)
}

// GenerateAPIKey returns a new random key in the MCP_API_KEYS format.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(16)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
