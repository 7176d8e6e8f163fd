package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/wire"
)

func TestDedupRejectsNonMonotonicTimestamp(t *testing.T) {
	d := NewDedup()
	require.True(t, d.Accept(wire.TypeInventoryAnnouncement, "nid1", 10))
	require.False(t, d.Accept(wire.TypeInventoryAnnouncement, "nid1", 10))
	require.False(t, d.Accept(wire.TypeInventoryAnnouncement, "nid1", 5))
	require.True(t, d.Accept(wire.TypeInventoryAnnouncement, "nid1", 11))
}

func TestDedupIsPerOriginator(t *testing.T) {
	d := NewDedup()
	require.True(t, d.Accept(wire.TypeNodeAnnouncement, "a", 5))
	require.True(t, d.Accept(wire.TypeNodeAnnouncement, "b", 5))
}

func TestDedupIsPerKind(t *testing.T) {
	d := NewDedup()
	require.True(t, d.Accept(wire.TypeNodeAnnouncement, "a", 5))
	require.True(t, d.Accept(wire.TypeInventoryAnnouncement, "a", 5))
}

func TestSkewValid(t *testing.T) {
	require.True(t, SkewValid(100, 200))
	require.True(t, SkewValid(200, 200))
	require.True(t, SkewValid(200+MaxTimestampSkew, 200))
	require.False(t, SkewValid(200+MaxTimestampSkew+1, 200))
}
