package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"
	"entitytx/pkg/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, rules *store.Rules) store.Store {
		s, err := Open("", rules)
		require.NoError(t, err)
		return s
	})
}

func TestSQLStore_FileSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entitytx.db")
	cd := primitives.NewRecordID("CD", "1")

	s, err := Open(path, nil)
	require.NoError(t, err)
	_, err = s.Insert(ctx, cd, record.Payload{"title": "Sweet Dreams", "price": 25.0})
	require.NoError(t, err)
	_, err = s.Put(ctx, cd, record.Payload{"title": "Sweet Dreams", "price": 30.0}, 1)
	require.NoError(t, err)
	key, err := s.NextKey(ctx, "CD")
	require.NoError(t, err)
	assert.Equal(t, "2", key)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, primitives.Version(2), rec.Version)
	assert.Equal(t, 30.0, rec.Payload["price"])
	assert.Equal(t, path, s.Path())

	key, err = s.NextKey(ctx, "CD")
	require.NoError(t, err)
	assert.Equal(t, "3", key, "sequence is persisted")
}

func TestSQLStore_InMemoryStoresAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Insert(ctx, primitives.NewRecordID("CD", "1"), record.Payload{})
	require.NoError(t, err)

	recs, err := b.Scan(ctx, "CD")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
