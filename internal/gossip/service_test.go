package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftwood/internal/ridpkg"
	"driftwood/internal/store"
	"driftwood/internal/wire"
)

func newTestService(t *testing.T, dispatch FetchDispatcher) *Service {
	t.Helper()
	home := t.TempDir()
	policy, err := store.OpenPolicyStore(home, "WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = policy.Close() })

	routing, err := store.OpenRoutingStore(home, "WAL")
	require.NoError(t, err)
	t.Cleanup(func() { _ = routing.Close() })

	svc := New(Config{SelfNID: "self", Dispatch: dispatch}, Stores{Policy: policy, Routing: routing})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
	return svc
}

func TestServiceSessionLifecycleViaCommands(t *testing.T) {
	svc := newTestService(t, nil)
	now := time.Now()

	svc.Connected("peer1", now)
	sess, ok := svc.Session("peer1")
	require.True(t, ok)
	require.Equal(t, StateInitial, sess.State)

	svc.Activated("peer1", wire.NodeAnnouncement{Version: 1, Timestamp: uint64(now.Unix())}, now)
	sess, ok = svc.Session("peer1")
	require.True(t, ok)
	require.Equal(t, StateActive, sess.State)

	svc.Disconnected("peer1", now)
	_, ok = svc.Session("peer1")
	require.False(t, ok)
}

func TestServiceRefsAnnouncementSchedulesFetchWhenSeedAllowed(t *testing.T) {
	var mu sync.Mutex
	var dispatched []Task
	dispatch := func(ctx context.Context, task Task) {
		mu.Lock()
		dispatched = append(dispatched, task)
		mu.Unlock()
	}
	svc := newTestService(t, dispatch)

	rid := ridpkg.FromIdentityRoot([]byte("repo"))
	require.NoError(t, svc.stores.Policy.SetSeed(rid.String(), store.SeedAllow, store.ScopeAll))

	now := time.Now()
	svc.HandleRefsAnnouncement("conn1", wire.RefsAnnouncement{
		Timestamp:  uint64(now.Unix()),
		RID:        rid.String(),
		RemoteNID:  "remote1",
		SigrefsOID: "deadbeef",
	}, nil, now)

	// HandleRefsAnnouncement posts to the service thread; force a
	// synchronous round-trip before inspecting dispatched.
	svc.Sessions()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dispatched, 1)
	require.Equal(t, rid.String(), dispatched[0].RID)
	require.Equal(t, "remote1", dispatched[0].NID)
}

func TestServiceRefsAnnouncementBlockedBySeedPolicy(t *testing.T) {
	var dispatched []Task
	dispatch := func(ctx context.Context, task Task) { dispatched = append(dispatched, task) }
	svc := newTestService(t, dispatch)

	rid := ridpkg.FromIdentityRoot([]byte("repo"))
	require.NoError(t, svc.stores.Policy.SetSeed(rid.String(), store.SeedBlock, store.ScopeAll))

	now := time.Now()
	svc.HandleRefsAnnouncement("conn1", wire.RefsAnnouncement{
		Timestamp:  uint64(now.Unix()),
		RID:        rid.String(),
		RemoteNID:  "remote1",
		SigrefsOID: "deadbeef",
	}, nil, now)

	svc.Sessions()
	require.Empty(t, dispatched)
}

func TestServiceDropsStaleRefsAnnouncement(t *testing.T) {
	svc := newTestService(t, nil)
	rid := ridpkg.FromIdentityRoot([]byte("repo"))
	require.NoError(t, svc.stores.Policy.SetSeed(rid.String(), store.SeedAllow, store.ScopeAll))

	now := time.Now()
	ann := wire.RefsAnnouncement{Timestamp: uint64(now.Unix()), RID: rid.String(), RemoteNID: "remote1", SigrefsOID: "x"}
	svc.HandleRefsAnnouncement("conn1", ann, nil, now)
	svc.HandleRefsAnnouncement("conn1", ann, nil, now) // duplicate, same timestamp

	seeds, err := svc.SeedsFor(rid.String())
	require.NoError(t, err)
	require.Equal(t, []string{"remote1"}, seeds)
}
