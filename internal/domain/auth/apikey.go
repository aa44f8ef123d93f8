// Package auth authenticates API keys for the coupon admin surface. Keys are
// stored only as HMAC-SHA256 hashes keyed by a server-side pepper.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"

	"github.com/go-faster/errors"
)

// ScopeCouponAdmin grants access to coupon management.
const ScopeCouponAdmin = "coupons:admin"

var (
	// ErrUnauthorized is returned for missing or unknown keys.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned for valid keys lacking the required scope.
	ErrForbidden = errors.New("forbidden")
	// ErrKeyNotFound is returned by repositories for unknown hashes.
	ErrKeyNotFound = errors.New("api key not found")
)

// APIKey holds the identity and permissions of a stored key.
type APIKey struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key was granted scope.
func (k *APIKey) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, scope)
}

// Repository looks up active keys by hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKey, error)
}

// Hash returns the hex HMAC-SHA256 of key under pepper.
func Hash(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator resolves raw keys presented by clients.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator over keys.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate returns the key matching raw if it carries scope.
func (a *Authenticator) Authenticate(ctx context.Context, raw, scope string) (*APIKey, error) {
	if raw == "" {
		return nil, ErrUnauthorized
	}
	hash := Hash(a.pepper, raw)

	key, err := a.keys.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, errors.Wrap(err, "find api key")
	}

	// The repository matched on the hash already; compare again in constant
	// time so a misbehaving store cannot authenticate a different key.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(key.KeyHash)) != 1 {
		return nil, ErrUnauthorized
	}
	if !key.HasScope(scope) {
		return nil, ErrForbidden
	}
	return key, nil
}
