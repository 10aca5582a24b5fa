package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewStore(db, zerolog.Nop())
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	// Migrations probe for column presence, so a second run is a no-op.
	require.NoError(t, store.EnsureSchema(context.Background()))
}
