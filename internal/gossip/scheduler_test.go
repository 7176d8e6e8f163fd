package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerCoalescesDuplicateProposals(t *testing.T) {
	s := NewScheduler(8)
	now := time.Now()

	_, ok := s.Propose("rad:z1", "nid1", DefaultReplicationFactor, now)
	require.True(t, ok)

	_, ok = s.Propose("rad:z1", "nid1", DefaultReplicationFactor, now)
	require.False(t, ok, "duplicate in-flight proposal should be coalesced")
}

func TestSchedulerRespectsMaxInflight(t *testing.T) {
	s := NewScheduler(1)
	now := time.Now()

	_, ok := s.Propose("rad:z1", "nid1", DefaultReplicationFactor, now)
	require.True(t, ok)

	_, ok = s.Propose("rad:z2", "nid2", DefaultReplicationFactor, now)
	require.False(t, ok)
}

func TestSchedulerStopsAtMaxReplicationFactor(t *testing.T) {
	s := NewScheduler(8)
	now := time.Now()
	rf := ReplicationFactor{Min: 1, Max: 2}

	task1, ok := s.Propose("rad:z1", "nidA", rf, now)
	require.True(t, ok)
	s.Complete(task1.RID, task1.NID, true, now)

	task2, ok := s.Propose("rad:z1", "nidB", rf, now)
	require.True(t, ok)
	s.Complete(task2.RID, task2.NID, true, now)

	_, ok = s.Propose("rad:z1", "nidC", rf, now)
	require.False(t, ok, "max replication factor reached, should not fetch a third seed")

	require.True(t, s.Satisfied("rad:z1", rf))
}

func TestSchedulerAppliesExponentialBackoff(t *testing.T) {
	s := NewScheduler(8)
	now := time.Now()
	rf := ReplicationFactor{Min: 1, Max: 1}

	task, ok := s.Propose("rad:z1", "nid1", rf, now)
	require.True(t, ok)
	s.Complete(task.RID, task.NID, false, now)

	_, ok = s.Propose("rad:z1", "nid1", rf, now.Add(1*time.Second))
	require.False(t, ok, "should be backing off immediately after failure")

	_, ok = s.Propose("rad:z1", "nid1", rf, now.Add(BackoffBase+time.Second))
	require.True(t, ok, "should retry once backoff has elapsed")
}

func TestSchedulerPreferredSeedAlwaysAttempted(t *testing.T) {
	s := NewScheduler(8)
	now := time.Now()
	rf := ReplicationFactor{Min: 1, Max: 1}
	s.MarkPreferred("rad:z1", "preferred-nid")

	task, ok := s.Propose("rad:z1", "other-nid", rf, now)
	require.True(t, ok)
	s.Complete(task.RID, task.NID, true, now)

	_, ok = s.Propose("rad:z1", "preferred-nid", rf, now)
	require.True(t, ok, "preferred seed must still be attempted past max")

	require.False(t, s.Satisfied("rad:z1", rf), "not satisfied until preferred seed succeeds")
}
