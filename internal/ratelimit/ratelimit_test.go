package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/intraday-trader/internal/ratelimit"
)

func TestWaitAdmitsWithinRate(t *testing.T) {
	l := ratelimit.New(ratelimit.ClassOrder, 1000, 10, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Wait(ctx))
	assert.Equal(t, ratelimit.ClassOrder, l.Class())
}

func TestWaitFailsFastWhenQueueFull(t *testing.T) {
	l := ratelimit.New(ratelimit.ClassMarketData, 0.001, 1, 1)
	// Spend the single burst token so the next Wait has to block for a refill.
	require.NoError(t, l.Wait(context.Background()))

	var wg sync.WaitGroup
	blockCtx, blockCancel := context.WithCancel(context.Background())
	defer blockCancel()

	wg.Add(1)
	started := make(chan struct{})
	go func() {
		defer wg.Done()
		close(started)
		_ = l.Wait(blockCtx)
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first Wait claim the only queue slot

	err := l.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ratelimit.ErrQueueFull))

	blockCancel()
	wg.Wait()
}

func TestDepthReturnsToZeroAfterRelease(t *testing.T) {
	l := ratelimit.New(ratelimit.ClassAccount, 1000, 10, 10)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	assert.Equal(t, int64(0), l.Depth())
}

func TestSustainedOverflowFalseWhenNeverFull(t *testing.T) {
	l := ratelimit.New(ratelimit.ClassOrder, 1000, 10, 10)
	assert.False(t, l.SustainedOverflow(time.Millisecond))
}
