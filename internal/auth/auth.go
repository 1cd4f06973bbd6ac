// Package auth authenticates the services that drive payments.
//
// Authentication model:
//   - Fee quotes and policies: public
//   - Payment reads, mutations, stats and the event socket: client API key from API_KEYS
//   - Arbitration and reconciliation: X-Admin-Secret
//
// Keys are provisioned through configuration; this service never issues them.
// With no keys configured every request is treated as the anonymous client.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrMalformedKeys = errors.New("malformed API key list")
)

// KeyPrefix marks a client API key.
const KeyPrefix = "sk_"

// Anonymous is the client used when no keys are configured.
var Anonymous = &APIKey{ID: "anonymous", Client: "anonymous"}

// APIKey identifies the calling client.
type APIKey struct {
	ID     string `json:"id"`
	Hash   string `json:"-"` // SHA256 hash of key
	Client string `json:"client"`
}

// Manager validates client API keys against a fixed set.
type Manager struct {
	byHash map[string]*APIKey
}

// NewManager creates a manager from client name -> raw key.
func NewManager(keys map[string]string) (*Manager, error) {
	m := &Manager{byHash: make(map[string]*APIKey, len(keys))}
	for client, raw := range keys {
		raw = strings.TrimSpace(raw)
		if client == "" || !strings.HasPrefix(raw, KeyPrefix) || len(raw) <= len(KeyPrefix) {
			return nil, fmt.Errorf("%w: key for %q must start with %s", ErrMalformedKeys, client, KeyPrefix)
		}
		h := hashKey(raw)
		m.byHash[h] = &APIKey{ID: "ak_" + h[:12], Hash: h, Client: client}
	}
	return m, nil
}

// ParseKeys parses "client:sk_key,client2:sk_key2".
func ParseKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		client, raw, ok := strings.Cut(part, ":")
		client, raw = strings.TrimSpace(client), strings.TrimSpace(raw)
		if !ok || client == "" || raw == "" {
			return nil, fmt.Errorf("%w: entry %q is not client:key", ErrMalformedKeys, part)
		}
		if _, dup := keys[client]; dup {
			return nil, fmt.Errorf("%w: duplicate client %q", ErrMalformedKeys, client)
		}
		keys[client] = raw
	}
	return keys, nil
}

// Open reports whether no keys are configured.
func (m *Manager) Open() bool {
	return len(m.byHash) == 0
}

// ValidateKey validates an API key and returns the client it belongs to.
func (m *Manager) ValidateKey(rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, ok := m.byHash[hashKey(rawKey)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// SecretsEqual compares two secrets in constant time.
func SecretsEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
