package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"driftwood/internal/ridpkg"
)

func TestRepoLockIsStable(t *testing.T) {
	p := New(4)
	rid := ridpkg.FromIdentityRoot([]byte("x"))
	require.Same(t, p.RepoLock(rid), p.RepoLock(rid))
}

func TestSubmitRunsUnderInterrupt(t *testing.T) {
	p := New(2)
	p.Shutdown()
	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.Error(t, err)
	var werr *Error
	require.ErrorAs(t, err, &werr)
	require.Equal(t, ReasonCancelled, werr.Reason)
}

func TestRunAllBoundsConcurrency(t *testing.T) {
	p := New(2)
	var running, maxRunning int32
	tasks := make([]func(ctx context.Context) error, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				cur := atomic.LoadInt32(&maxRunning)
				if n <= cur || atomic.CompareAndSwapInt32(&maxRunning, cur, n) {
					break
				}
			}
			atomic.AddInt32(&running, -1)
			return nil
		}
	}
	require.NoError(t, p.RunAll(context.Background(), tasks))
	require.LessOrEqual(t, atomic.LoadInt32(&maxRunning), int32(2))
}
