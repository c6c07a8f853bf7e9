package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"promptrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "relay.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStores_GetSetDelete(t *testing.T) {
	stores := map[string]domain.KVStore{
		"sqlite": newSQLite(t),
		"memory": NewMemoryStore(),
	}
	ctx := context.Background()

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, domain.KeyPrompt)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, domain.KeyPrompt, "Explain recursion"))
			v, ok, err := s.Get(ctx, domain.KeyPrompt)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "Explain recursion", v)

			// last write wins
			require.NoError(t, s.Set(ctx, domain.KeyPrompt, "second"))
			v, _, _ = s.Get(ctx, domain.KeyPrompt)
			assert.Equal(t, "second", v)

			require.NoError(t, s.Delete(ctx, domain.KeyPrompt))
			_, ok, _ = s.Get(ctx, domain.KeyPrompt)
			assert.False(t, ok)
		})
	}
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(path, testLogger())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	require.NoError(t, a.Set(ctx, domain.KeyCommandID, "42"))
	v, ok, err := b.Get(ctx, domain.KeyCommandID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestSQLiteStore_KeysAndPing(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "guardian-a", "1"))
	require.NoError(t, s.Set(ctx, "guardian-b", "2"))
	require.NoError(t, s.Set(ctx, "other", "3"))

	keys, err := s.Keys(ctx, "guardian-")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"guardian-a", "guardian-b"}, keys)

	assert.NoError(t, s.Ping(ctx))
}
