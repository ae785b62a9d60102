package tokenstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile() *UserProfile {
	return &UserProfile{
		ID:         "u-1",
		Email:      "ana@example.com",
		FirstName:  "Ana",
		LastName:   "Silva",
		Role:       "admin",
		IsVerified: true,
		Timezone:   "Europe/Lisbon",
	}
}

// backends runs fn against every KV implementation.
func backends(t *testing.T, fn func(t *testing.T, store *Credentials)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		kv, err := NewSQLiteStore(filepath.Join(t.TempDir(), "creds.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { kv.Close() })
		fn(t, New(kv))
	})
}

func TestCredentials_EmptyStore(t *testing.T) {
	backends(t, func(t *testing.T, store *Credentials) {
		ctx := context.Background()
		pair, err := store.Tokens(ctx)
		require.NoError(t, err)
		assert.Empty(t, pair.AccessToken)
		assert.Empty(t, pair.RefreshToken)

		_, err = store.User(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCredentials_SetTokensAndSwapAccess(t *testing.T) {
	backends(t, func(t *testing.T, store *Credentials) {
		ctx := context.Background()
		require.NoError(t, store.SetTokens(ctx, TokenPair{AccessToken: "T1", RefreshToken: "R1"}))

		require.NoError(t, store.SetAccessToken(ctx, "T2"))

		pair, err := store.Tokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, "T2", pair.AccessToken)
		assert.Equal(t, "R1", pair.RefreshToken)
	})
}

func TestCredentials_UserRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, store *Credentials) {
		ctx := context.Background()
		require.NoError(t, store.SetUser(ctx, testProfile()))

		u, err := store.User(ctx)
		require.NoError(t, err)
		assert.Equal(t, testProfile(), u)
	})
}

func TestCredentials_SetSessionAndClear(t *testing.T) {
	backends(t, func(t *testing.T, store *Credentials) {
		ctx := context.Background()
		require.NoError(t, store.SetSession(ctx, TokenPair{AccessToken: "A", RefreshToken: "R"}, testProfile()))

		pair, err := store.Tokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenPair{AccessToken: "A", RefreshToken: "R"}, pair)

		require.NoError(t, store.Clear(ctx))
		require.NoError(t, store.Clear(ctx))

		pair, err = store.Tokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenPair{}, pair)
		_, err = store.User(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCredentials_SetSessionReplacesPreviousProfile(t *testing.T) {
	backends(t, func(t *testing.T, store *Credentials) {
		ctx := context.Background()
		require.NoError(t, store.SetSession(ctx, TokenPair{AccessToken: "A1", RefreshToken: "R1"}, testProfile()))
		require.NoError(t, store.SetSession(ctx, TokenPair{AccessToken: "A2", RefreshToken: "R2"}, nil))

		pair, err := store.Tokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, TokenPair{AccessToken: "A2", RefreshToken: "R2"}, pair)
		_, err = store.User(ctx)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	kv, err := NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, New(kv).SetTokens(ctx, TokenPair{AccessToken: "A", RefreshToken: "R"}))
	require.NoError(t, kv.Close())

	kv, err = NewSQLiteStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer kv.Close()
	require.NoError(t, kv.Ping(ctx))

	pair, err := New(kv).Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R", pair.RefreshToken)
}

func TestMemoryStore_DeleteNonexistent(t *testing.T) {
	store := NewMemoryStore()
	assert.NoError(t, store.Delete(context.Background(), "nope"))
	assert.Equal(t, 0, store.Len())
}

func TestCredentials_CorruptUser(t *testing.T) {
	kv := NewMemoryStore()
	require.NoError(t, kv.SetMany(context.Background(), map[string]string{KeyUser: "{not json"}))

	_, err := New(kv).User(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
