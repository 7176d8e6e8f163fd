package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyStoreDefaultsAndOverrides(t *testing.T) {
	s, err := OpenPolicyStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer s.Close()

	p, err := s.Seed("rad:z1")
	require.NoError(t, err)
	require.Equal(t, SeedBlock, p.Decision)

	require.NoError(t, s.SetSeed("rad:z1", SeedAllow, ScopeFollowed))
	p, err = s.Seed("rad:z1")
	require.NoError(t, err)
	require.Equal(t, SeedAllow, p.Decision)
	require.Equal(t, ScopeFollowed, p.Scope)

	require.NoError(t, s.Unseed("rad:z1"))
	p, err = s.Seed("rad:z1")
	require.NoError(t, err)
	require.Equal(t, SeedBlock, p.Decision)
}

func TestPolicyStoreFollow(t *testing.T) {
	s, err := OpenPolicyStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer s.Close()

	f, err := s.Follow("n1")
	require.NoError(t, err)
	require.Equal(t, FollowBlock, f.Decision)

	require.NoError(t, s.SetFollow("n1", FollowAllow, "alice"))
	f, err = s.Follow("n1")
	require.NoError(t, err)
	require.Equal(t, FollowAllow, f.Decision)
	require.Equal(t, "alice", f.Alias)
}

func TestRoutingStoreSeedsAndInventory(t *testing.T) {
	s, err := OpenRoutingStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer s.Close()

	now := time.Unix(1700000000, 0)
	require.NoError(t, s.Seen("rad:z1", "n1", now))
	require.NoError(t, s.Seen("rad:z1", "n2", now.Add(time.Minute)))
	require.NoError(t, s.Seen("rad:z2", "n1", now))

	seeds, err := s.SeedsFor("rad:z1")
	require.NoError(t, err)
	require.Equal(t, []string{"n2", "n1"}, seeds)

	inv, err := s.InventoryFor("n1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"rad:z1", "rad:z2"}, inv)
}

func TestNotificationStoreQueue(t *testing.T) {
	s, err := OpenNotificationStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Push("rad:z1", "refs-updated", "refs/heads/main", time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	unread, err := s.Unread()
	require.NoError(t, err)
	require.Len(t, unread, 1)

	require.NoError(t, s.Acknowledge(id))
	unread, err = s.Unread()
	require.NoError(t, err)
	require.Empty(t, unread)
}

func TestCobCacheStoreRoundTrip(t *testing.T) {
	s, err := OpenCobCacheStore(t.TempDir(), "WAL")
	require.NoError(t, err)
	defer s.Close()

	_, _, ok, err := s.Get("rad:z1", "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put("rad:z1", "deadbeef", 2, []byte(`{"status":"open"}`)))
	schema, state, ok, err := s.Get("rad:z1", "deadbeef")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, schema)
	require.Equal(t, `{"status":"open"}`, string(state))

	require.NoError(t, s.Invalidate("rad:z1"))
	_, _, ok, err = s.Get("rad:z1", "deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
}
