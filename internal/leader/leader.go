// Package leader provides Postgres advisory lock-based leader election.
// When multiple brookd replicas run against one database, only the leader may
// drive the compile scheduler and the pipeline supervisor: both assume a
// single active instance (the compile lease and the process handles are local).
//
// The leader holds a session-scoped advisory lock (pg_try_advisory_lock).
// Non-leaders retry periodically; when the leader's connection dies, Postgres
// releases the lock and another replica takes over.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLockID is the fixed advisory lock key for the background-worker
// leadership. Distinct from the migration lock.
const AdvisoryLockID int64 = 8240113370521

// RetryInterval is the default interval between acquisition attempts.
const RetryInterval = 30 * time.Second

// TryLockFunc attempts to acquire the advisory lock, reporting whether this
// session now holds it.
type TryLockFunc func(ctx context.Context) (acquired bool, err error)

// PgTryLock returns a TryLockFunc backed by pg_try_advisory_lock on the pool.
// Session locks follow the connection, so the lock is taken on a dedicated
// acquired connection that is held for the lifetime of the pool. Session
// advisory locks are re-entrant: calling again on a healthy session reports
// true, so the same function doubles as the leader's still-held check. When
// the session dies the query fails, the connection is dropped, and the next
// call starts over on a fresh session.
func PgTryLock(pool *pgxpool.Pool) TryLockFunc {
	var mu sync.Mutex
	var conn *pgxpool.Conn

	return func(ctx context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()

		if conn == nil {
			c, err := pool.Acquire(ctx)
			if err != nil {
				return false, err
			}
			conn = c
		}
		var acquired bool
		if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&acquired); err != nil {
			conn.Release()
			conn = nil
			return false, err
		}
		return acquired, nil
	}
}

// OnElected is called when this replica becomes the leader. It starts the
// background workers and returns the function that stops them; the stop
// function runs when leadership ends.
type OnElected func(ctx context.Context) (stop func())

// Elector runs the election loop. Create with New, then Start/Stop.
type Elector struct {
	tryLock       TryLockFunc
	retryInterval time.Duration
	onElected     OnElected

	mu       sync.Mutex
	isLeader bool
	stopFn   func()
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an Elector. onElected receives a context that stays valid for
// the duration of leadership; retryInterval controls how often a non-leader
// retries.
func New(tryLock TryLockFunc, retryInterval time.Duration, onElected OnElected) *Elector {
	return &Elector{
		tryLock:       tryLock,
		retryInterval: retryInterval,
		onElected:     onElected,
	}
}

// Start begins the election loop: one immediate attempt, then retries at the
// configured interval.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)

		e.tryAcquire(ctx)

		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.relinquish()
				return
			case <-ticker.C:
				e.tryAcquire(ctx)
			}
		}
	}()
}

// Stop cancels the election loop and waits for it to finish, stopping the
// background workers if this replica is the leader.
func (e *Elector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func (e *Elector) tryAcquire(ctx context.Context) {
	acquired, err := e.tryLock(ctx)

	if e.IsLeader() {
		// Verify leadership every interval. If the session died, Postgres
		// freed the lock and another replica may already be running the
		// workers; stop ours rather than run them twice.
		if err != nil || !acquired {
			slog.Warn("leader: advisory lock lost, stopping background workers", "error", err)
			e.relinquish()
		}
		return
	}

	if err != nil {
		slog.Error("leader: failed to try advisory lock", "error", err)
		return
	}
	if !acquired {
		slog.Debug("leader: lock held elsewhere, standing by")
		return
	}

	slog.Info("leader: advisory lock acquired, starting compiler and supervisor")

	e.mu.Lock()
	e.isLeader = true
	e.mu.Unlock()

	stopFn := e.onElected(ctx)

	e.mu.Lock()
	e.stopFn = stopFn
	e.mu.Unlock()
}

// relinquish stops the workers. The advisory lock itself is released by
// Postgres when the session ends.
func (e *Elector) relinquish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isLeader {
		return
	}

	slog.Info("leader: relinquishing leadership, stopping background workers")
	if e.stopFn != nil {
		e.stopFn()
		e.stopFn = nil
	}
	e.isLeader = false
}
