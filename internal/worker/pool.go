// Package worker implements driftwood's bounded concurrent task pool for
// fetches and garbage collection, per spec.md §5 "worker pool".
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"driftwood/internal/ridpkg"
)

var log = logrus.WithField("subsystem", "worker")

// MaxPendingTasks is the pool size New uses when it is given a size that is
// not positive.
const MaxPendingTasks = 1024

// Reason is a typed failure reason surfaced to callers awaiting a task,
// mirroring spec.md §4.1's transport failure taxonomy.
type Reason string

const (
	ReasonConnectionReset Reason = "connection-reset"
	ReasonTimeout         Reason = "timeout"
	ReasonRemoteClosed    Reason = "remote-closed"
	ReasonCancelled       Reason = "cancelled"
)

// Error wraps a task failure with its Reason.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("worker: %s: %v", e.Reason, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Pool bounds concurrent execution of tasks and tracks one lock per
// repository so that writers (ref updates, pack application) exclude
// readers (upload-pack) for the same RID, per spec.md §5 and §3
// "Ownership".
type Pool struct {
	sem       *semaphore.Weighted
	interrupt atomic.Bool

	mu    sync.Mutex
	locks map[ridpkg.RID]*sync.RWMutex
}

// New creates a Pool admitting at most size concurrent tasks.
func New(size int) *Pool {
	if size <= 0 {
		size = MaxPendingTasks
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(size)),
		locks: make(map[ridpkg.RID]*sync.RWMutex),
	}
}

// RepoLock returns the per-repository lock for rid, creating it on first
// use.
func (p *Pool) RepoLock(rid ridpkg.RID) *sync.RWMutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[rid]
	if !ok {
		l = &sync.RWMutex{}
		p.locks[rid] = l
	}
	return l
}

// Interrupted reports whether a shutdown has been requested. Submit checks
// it before running a task; no pack writer or other task polls it.
func (p *Pool) Interrupted() bool { return p.interrupt.Load() }

// Shutdown raises the interrupt flag, so that Submit refuses tasks from then
// on. Tasks already running are not stopped.
func (p *Pool) Shutdown() { p.interrupt.Store(true) }

// Submit blocks until a slot is available (or ctx is cancelled), then runs
// fn synchronously in the calling goroutine and returns its error. The slot
// is held until fn returns, so at most size calls run fn at once.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return &Error{Reason: ReasonCancelled, Err: err}
	}
	defer p.sem.Release(1)

	if p.Interrupted() {
		return &Error{Reason: ReasonCancelled, Err: fmt.Errorf("worker: pool is shutting down")}
	}
	return fn(ctx)
}

// RunAll runs tasks through an errgroup bounded by the pool's semaphore,
// returning the first error encountered (others are logged).
func (p *Pool) RunAll(ctx context.Context, tasks []func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return p.Submit(gctx, task)
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("worker task failed")
		return err
	}
	return nil
}
