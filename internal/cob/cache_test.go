package cob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/store"
)

func TestCacheRoundTripAndInvalidation(t *testing.T) {
	db, err := store.OpenCobCacheStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer db.Close()

	registry := NewRegistry(ReviewEvaluator{})
	cache := NewCache(db, registry)

	_, ok := cache.Get("rad:z1", "deadbeef", "review")
	require.False(t, ok)

	state := &ReviewState{Edits: []ReviewEdit{{Body: "lgtm", Author: "did:key:zA"}}}
	require.NoError(t, cache.Put("rad:z1", "deadbeef", "review", state))

	got, ok := cache.Get("rad:z1", "deadbeef", "review")
	require.True(t, ok)
	require.Equal(t, state.Edits, got.(*ReviewState).Edits)

	require.NoError(t, cache.Invalidate("rad:z1"))
	_, ok = cache.Get("rad:z1", "deadbeef", "review")
	require.False(t, ok)
}
