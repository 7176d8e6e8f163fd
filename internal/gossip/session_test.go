package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftwood/internal/ridpkg"
	"driftwood/internal/wire"
)

func TestSessionLifecycle(t *testing.T) {
	now := time.Now()
	s := NewSession("nid1", now)
	require.Equal(t, StateInitial, s.State)

	s.State = StateHandshake
	s.Activate(wire.NodeAnnouncement{Features: 3, Version: 1}, now)
	require.Equal(t, StateActive, s.State)
	require.Equal(t, uint64(3), s.Features)

	s.Terminate()
	require.Equal(t, StateTerminated, s.State)
}

func TestSessionInterestedDefaultsToMatchAll(t *testing.T) {
	s := NewSession("nid1", time.Now())
	rid := ridpkg.FromIdentityRoot([]byte("repo"))
	require.True(t, s.Interested(rid))
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(2, 1, now)
	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now))
	require.False(t, rl.Allow(now), "burst exhausted")
	require.True(t, rl.Allow(now.Add(2*time.Second)), "should refill after 2s at 1 token/sec")
}
