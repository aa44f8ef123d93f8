package memory

import (
	"context"
	"sync"

	"github.com/xenking/kart-coupons/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyStore)(nil)

// APIKeyStore is an in-memory auth.Repository indexed by key hash.
type APIKeyStore struct {
	mu     sync.RWMutex
	byHash map[string]auth.APIKey
}

// NewAPIKeyStore returns an APIKeyStore holding keys.
func NewAPIKeyStore(keys ...auth.APIKey) *APIKeyStore {
	s := &APIKeyStore{byHash: make(map[string]auth.APIKey, len(keys))}
	for _, k := range keys {
		s.byHash[k.KeyHash] = k
	}
	return s
}

// Upsert adds k, replacing any key with the same id.
func (s *APIKeyStore) Upsert(_ context.Context, k auth.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, existing := range s.byHash {
		if existing.ID == k.ID {
			delete(s.byHash, hash)
		}
	}
	s.byHash[k.KeyHash] = k
	return nil
}

func (s *APIKeyStore) FindByHash(_ context.Context, hash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byHash[hash]
	if !ok {
		return nil, auth.ErrKeyNotFound
	}
	return &k, nil
}
