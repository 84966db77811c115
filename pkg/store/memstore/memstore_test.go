package memstore

import (
	"context"
	"errors"
	"testing"

	dberror "entitytx/pkg/error"
	"entitytx/pkg/primitives"
	"entitytx/pkg/record"
	"entitytx/pkg/store"
	"entitytx/pkg/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, rules *store.Rules) store.Store {
		return New(rules)
	})
}

func TestMemStore_KeepsPayloadTypes(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	cd := primitives.NewRecordID("CD", "1")

	_, err := s.Insert(ctx, cd, record.Payload{"stock": 7})
	require.NoError(t, err)

	rec, err := s.Get(ctx, cd)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Payload["stock"])
	assert.Equal(t, 1, s.Len())
}

func TestMemStore_ClosedRejectsCalls(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), primitives.NewRecordID("CD", "1"))
	assert.True(t, errors.Is(err, dberror.ErrStorage))
	_, err = s.Apply(context.Background(), nil)
	assert.True(t, errors.Is(err, dberror.ErrStorage))
}

func TestMemStore_ApplyHonoursCancelledContext(t *testing.T) {
	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Insert(ctx, primitives.NewRecordID("CD", "1"), record.Payload{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Len())
}
