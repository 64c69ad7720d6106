package scan_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/scan"
)

func TestSupervisorRunsTicksAndReportsHeartbeat(t *testing.T) {
	var ticks atomic.Int64
	cfg := scan.Config{Interval: 20 * time.Millisecond, ExceptionThreshold: 5, BackoffCap: time.Second}
	reg := metrics.New()
	sup := scan.New(cfg, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, nil, reg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Less(t, reg.ScanHeartbeat.Age(), time.Second)
	sup.Stop()
}

func TestSupervisorPausesAfterExceptionThreshold(t *testing.T) {
	cfg := scan.Config{Interval: 10 * time.Millisecond, ExceptionThreshold: 2, BackoffCap: 50 * time.Millisecond}
	pausedReason := make(chan string, 1)
	sup := scan.New(cfg, func(ctx context.Context) error {
		return errors.New("boom")
	}, func(reason string) {
		select {
		case pausedReason <- reason:
		default:
		}
	}, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	select {
	case reason := <-pausedReason:
		assert.Equal(t, "scan_supervisor_exception_threshold", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("onPause was never invoked")
	}
	sup.Stop()
}

func TestStartIsIdempotent(t *testing.T) {
	var ticks atomic.Int64
	cfg := scan.DefaultConfig(10 * time.Millisecond)
	sup := scan.New(cfg, func(ctx context.Context) error {
		ticks.Add(1)
		return nil
	}, nil, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	sup.Start(ctx) // second call must be a no-op, not a second loop

	time.Sleep(50 * time.Millisecond)
	sup.Stop()
	assert.Equal(t, scan.StateStopped, sup.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", scan.StateRunning.String())
	assert.Equal(t, "done", scan.StateDone.String())
	assert.Equal(t, "exception", scan.StateException.String())
	assert.Equal(t, "stopping", scan.StateStopping.String())
	assert.Equal(t, "stopped", scan.StateStopped.String())
}
