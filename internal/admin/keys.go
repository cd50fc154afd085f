package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
)

// APIKey is a configured admin credential.
type APIKey struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`

	digest [sha256.Size]byte
}

// HasScope reports whether the key carries scope.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// HasAnyScope reports whether the key carries at least one of scopes. No
// scopes means any authenticated key.
func (k *APIKey) HasAnyScope(scopes ...string) bool {
	if len(scopes) == 0 {
		return true
	}
	return slices.ContainsFunc(scopes, k.HasScope)
}

// Store validates bearer tokens.
type Store interface {
	ValidateKey(key string) (*APIKey, bool)
}

// KeySet is a fixed set of keys loaded from configuration.
type KeySet struct {
	keys []*APIKey
}

// NewKeySet builds the set from the configured admin and read-only secrets.
// Empty secrets are skipped, so a KeySet with no keys rejects everything.
func NewKeySet(adminKey, readOnlyKey string) *KeySet {
	s := &KeySet{}
	if adminKey != "" {
		s.add("admin", adminKey, ScopeAdmin)
	}
	if readOnlyKey != "" {
		s.add("read-only", readOnlyKey, ScopeReadOnly)
	}
	return s
}

func (s *KeySet) add(name, secret string, scopes ...string) {
	digest := sha256.Sum256([]byte(secret))
	s.keys = append(s.keys, &APIKey{
		ID:     hex.EncodeToString(digest[:4]),
		Name:   name,
		Scopes: scopes,
		digest: digest,
	})
}

// Len returns the number of configured keys.
func (s *KeySet) Len() int { return len(s.keys) }

// ValidateKey compares key against every configured secret in constant time.
func (s *KeySet) ValidateKey(key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}
	digest := sha256.Sum256([]byte(key))
	var found *APIKey
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			found = k
		}
	}
	return found, found != nil
}
