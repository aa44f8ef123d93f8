package auth

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockKeyRepo struct {
	key *APIKey
	err error
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*APIKey, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.key == nil || m.key.KeyHash != hash {
		return nil, ErrKeyNotFound
	}
	return m.key, nil
}

func TestHash(t *testing.T) {
	a := Hash([]byte("pepper"), "secret")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Hash([]byte("pepper"), "secret"))
	assert.NotEqual(t, a, Hash([]byte("other"), "secret"), "pepper changes the hash")
}

func TestAuthenticator_Authenticate(t *testing.T) {
	pepper := []byte("pepper")
	admin := &APIKey{
		ID:      "admin",
		KeyHash: Hash(pepper, "admin-key"),
		Scopes:  []string{ScopeCouponAdmin},
	}

	tests := []struct {
		name    string
		repo    *mockKeyRepo
		raw     string
		scope   string
		wantErr error
	}{
		{name: "valid key with scope", repo: &mockKeyRepo{key: admin}, raw: "admin-key", scope: ScopeCouponAdmin},
		{name: "empty key", repo: &mockKeyRepo{key: admin}, raw: "", scope: ScopeCouponAdmin, wantErr: ErrUnauthorized},
		{name: "unknown key", repo: &mockKeyRepo{key: admin}, raw: "guess", scope: ScopeCouponAdmin, wantErr: ErrUnauthorized},
		{name: "missing scope", repo: &mockKeyRepo{key: admin}, raw: "admin-key", scope: "orders:write", wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAuthenticator(tt.repo, pepper)
			key, err := a.Authenticate(context.Background(), tt.raw, tt.scope)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "admin", key.ID)
		})
	}
}

func TestAuthenticator_RepositoryError(t *testing.T) {
	a := NewAuthenticator(&mockKeyRepo{err: errors.New("db down")}, nil)
	_, err := a.Authenticate(context.Background(), "k", ScopeCouponAdmin)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "find api key")
}
