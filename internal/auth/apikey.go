package auth

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appctx "stockgate/internal/core/context"
)

// APIKey grants one source system access without a user token.
// Hash is a bcrypt hash of the raw key.
type APIKey struct {
	SourceSystem string
	Hash         string
}

// HashKey produces a bcrypt hash for a raw API key.
func HashKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// ParseKeySpec parses "system:bcryptHash,system2:bcryptHash2" from config.
func ParseKeySpec(spec string) ([]APIKey, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var keys []APIKey
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		system, hash, found := strings.Cut(entry, ":")
		if !found || system == "" || hash == "" {
			return nil, fmt.Errorf("malformed api key entry %q, want system:hash", entry)
		}
		keys = append(keys, APIKey{SourceSystem: system, Hash: hash})
	}
	return keys, nil
}

// APIKeyVerifier checks raw keys against the configured bcrypt hashes.
type APIKeyVerifier struct {
	keys []APIKey
}

// NewAPIKeyVerifier creates a verifier over the configured keys.
func NewAPIKeyVerifier(keys []APIKey) *APIKeyVerifier {
	return &APIKeyVerifier{keys: keys}
}

// Verify matches the raw key against every configured hash and returns the
// owning source system's identity. sourceSystem, when non-empty, narrows the
// match to that system's key.
func (v *APIKeyVerifier) Verify(rawKey, sourceSystem string) (*appctx.UserContext, error) {
	for _, k := range v.keys {
		if sourceSystem != "" && k.SourceSystem != sourceSystem {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(rawKey)) == nil {
			return &appctx.UserContext{
				UserID:       "system:" + k.SourceSystem,
				SourceSystem: k.SourceSystem,
				Roles:        []string{"source_system"},
			}, nil
		}
	}
	return nil, fmt.Errorf("unknown api key")
}
