// ABOUTME: Verifies the shared registration API key agents present to Core.
// ABOUTME: Accepts either a bcrypt hash or a plaintext key compared in constant time.

package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidAPIKey is returned when the presented key does not match.
var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKeyVerifier checks registration keys.
type APIKeyVerifier struct {
	hash      []byte
	plaintext []byte
}

// NewAPIKeyVerifier prefers hash when both are set. With neither set every
// key is rejected.
func NewAPIKeyVerifier(plaintext, hash string) *APIKeyVerifier {
	v := &APIKeyVerifier{}
	if hash != "" {
		v.hash = []byte(hash)
	} else if plaintext != "" {
		v.plaintext = []byte(plaintext)
	}
	return v
}

// Verify returns nil when key matches.
func (v *APIKeyVerifier) Verify(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidAPIKey
	}

	switch {
	case v.hash != nil:
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
			return ErrInvalidAPIKey
		}
		return nil
	case v.plaintext != nil:
		if subtle.ConstantTimeCompare(v.plaintext, []byte(key)) != 1 {
			return ErrInvalidAPIKey
		}
		return nil
	default:
		return ErrInvalidAPIKey
	}
}

// HashAPIKey returns a bcrypt hash suitable for auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
