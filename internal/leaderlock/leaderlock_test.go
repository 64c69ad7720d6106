package leaderlock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/leaderlock"
)

type fakeBackend struct {
	holder     string
	acquireErr error
	refreshOK  bool
	refreshErr error
}

func (b *fakeBackend) LockAcquire(_ context.Context, _, holder string, _ time.Duration) (bool, error) {
	if b.acquireErr != nil {
		return false, b.acquireErr
	}
	if b.holder == "" || b.holder == holder {
		b.holder = holder
		return true, nil
	}
	return false, nil
}

func (b *fakeBackend) LockRefresh(_ context.Context, _, holder string, _ time.Duration) (bool, error) {
	if b.refreshErr != nil {
		return false, b.refreshErr
	}
	if !b.refreshOK {
		return false, nil
	}
	return b.holder == holder, nil
}

func (b *fakeBackend) LockRelease(_ context.Context, _, holder string) error {
	if b.holder == holder {
		b.holder = ""
	}
	return nil
}

func TestAcquireGrantsLeadershipWhenUnheld(t *testing.T) {
	backend := &fakeBackend{}
	l := leaderlock.New(zap.NewNop(), backend, "instance-a", time.Second, nil)

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, l.IsLeader())
}

func TestAcquireFailsWhenHeldBySomeoneElse(t *testing.T) {
	backend := &fakeBackend{holder: "instance-a"}
	l := leaderlock.New(zap.NewNop(), backend, "instance-b", time.Second, nil)

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, l.IsLeader())
}

func TestOnLostFiresWhenLeadershipDrops(t *testing.T) {
	backend := &fakeBackend{refreshOK: true}
	l := leaderlock.New(zap.NewNop(), backend, "instance-a", time.Second, nil)

	var lostCalled bool
	l.OnLost(func() { lostCalled = true })

	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	backend.holder = "instance-b" // simulate another instance stealing the lease
	ok, err = l.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, lostCalled)
	assert.Equal(t, int64(1), l.LeaderChanges())
}

func TestAcquireErrorTreatedAsNotLeader(t *testing.T) {
	backend := &fakeBackend{acquireErr: errors.New("backend unreachable")}
	l := leaderlock.New(zap.NewNop(), backend, "instance-a", time.Second, nil)

	ok, err := l.Acquire(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.False(t, l.IsLeader())
}

func TestReleaseClearsLeadership(t *testing.T) {
	backend := &fakeBackend{}
	l := leaderlock.New(zap.NewNop(), backend, "instance-a", time.Second, nil)

	_, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, l.IsLeader())

	require.NoError(t, l.Release(context.Background()))
	assert.False(t, l.IsLeader())
}
