// Package leaderlock provides distributed mutual exclusion so exactly
// one orchestrator instance is active per deployment. The backend is
// the Store's leader_lock table; all comparisons happen as TEXT in SQL
// and as Go strings here, so a bytes-vs-text mismatch cannot occur by
// construction.
package leaderlock

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

const defaultKey = "orchestrator"

// Backend is the subset of Store the lock needs.
type Backend interface {
	LockAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	LockRefresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	LockRelease(ctx context.Context, key, holder string) error
}

var _ Backend = (*store.SQLiteStore)(nil)

// Lock is a TTL-based distributed lease.
type Lock struct {
	backend     Backend
	key         string
	holder      string
	ttl         time.Duration
	refreshEvery time.Duration
	logger      *zap.Logger
	metrics     *metrics.Registry

	isLeader      atomic.Bool
	leaderChanges atomic.Int64

	onLost func()
}

// New builds a Lock. holder should be a process-unique instance id
// (config.InstanceID). reg may be nil in tests that don't care about
// metrics.
func New(logger *zap.Logger, backend Backend, holder string, ttl time.Duration, reg *metrics.Registry) *Lock {
	return &Lock{
		backend:      backend,
		key:          defaultKey,
		holder:       holder,
		ttl:          ttl,
		refreshEvery: ttl / 3,
		logger:       logger.Named("leader_lock"),
		metrics:      reg,
	}
}

// OnLost registers a callback invoked once per leader-to-non-leader
// transition: a refresh or acquire that reports the lease lost or fails
// against the backend, or a Release. The orchestrator uses this to
// transition to paused.
func (l *Lock) OnLost(fn func()) { l.onLost = fn }

// IsLeader reports the last-known leadership state. Connectivity loss
// to the backend is treated identically to losing the lease.
func (l *Lock) IsLeader() bool { return l.isLeader.Load() }

// LeaderChanges returns the leader_changes_total counter value.
func (l *Lock) LeaderChanges() int64 { return l.leaderChanges.Load() }

// Acquire attempts a single atomic set-if-absent-or-expired.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.backend.LockAcquire(ctx, l.key, l.holder, l.ttl)
	if err != nil {
		l.setLeader(false)
		return false, err
	}
	l.setLeader(ok)
	return ok, nil
}

// Refresh compares-and-extends; returns false if this instance is no
// longer (or never was) the holder.
func (l *Lock) Refresh(ctx context.Context) (bool, error) {
	ok, err := l.backend.LockRefresh(ctx, l.key, l.holder, l.ttl)
	if err != nil {
		l.setLeader(false)
		return false, err
	}
	l.setLeader(ok)
	return ok, nil
}

// Release deletes the key iff this instance is the current holder.
func (l *Lock) Release(ctx context.Context) error {
	err := l.backend.LockRelease(ctx, l.key, l.holder)
	l.setLeader(false)
	return err
}

func (l *Lock) setLeader(leader bool) {
	was := l.isLeader.Swap(leader)
	if was && !leader {
		l.leaderChanges.Add(1)
		l.logger.Warn("lost leadership")
		if l.metrics != nil {
			l.metrics.LeaderChangesTotal.Inc()
		}
		if l.onLost != nil {
			l.onLost()
		}
	}
	if !was && leader {
		l.logger.Info("acquired leadership")
	}
	if l.metrics != nil {
		v := 0.0
		if leader {
			v = 1.0
		}
		l.metrics.IsLeader.WithLabelValues(l.holder).Set(v)
	}
}

// Run drives the acquire/refresh/reacquire loop until ctx is canceled.
// It blocks the caller; run it in its own goroutine.
func (l *Lock) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		ok, err := l.Acquire(ctx)
		if err != nil {
			l.logger.Error("acquire failed", zap.Error(err))
		}
		if ok {
			backoff = 250 * time.Millisecond
			l.refreshLoop(ctx)
			continue
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 5))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// refreshLoop runs while this instance holds the lease, refreshing
// every T_lease/3 until it loses the lease or ctx is canceled.
func (l *Lock) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(l.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.Refresh(ctx)
			if err != nil {
				l.logger.Error("refresh failed", zap.Error(err))
				return
			}
			if !ok {
				return
			}
		}
	}
}
