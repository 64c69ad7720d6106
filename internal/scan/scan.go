// Package scan drives the scan pipeline on a fixed cadence with
// self-healing restart and the heartbeat gauge that is the system's
// primary readiness signal.
package scan

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/metrics"
)

// State is the ScanSupervisor state machine: STOPPED -> RUNNING ->
// (DONE|EXCEPTION|STOPPING) -> STOPPED.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDone
	StateException
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateException:
		return "exception"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const defaultExceptionThreshold = 5

// TickFunc is the unit of work invoked on each scan tick — normally
// Orchestrator.ScanOnce — given a context bounded to 80% of the tick
// interval.
type TickFunc func(ctx context.Context) error

// PauseFunc is invoked when consecutive exceptions exceed the threshold,
// so the caller can pause the orchestrator without the supervisor
// importing it directly. The supervisor itself records no risk event.
type PauseFunc func(reason string)

// Config tunes the supervisor's cadence and fault tolerance.
type Config struct {
	Interval            time.Duration
	ExceptionThreshold   int
	BackoffCap           time.Duration
}

// DefaultConfig returns sane production defaults: 5s cadence, threshold 5.
func DefaultConfig(interval time.Duration) Config {
	return Config{Interval: interval, ExceptionThreshold: defaultExceptionThreshold, BackoffCap: 30 * time.Second}
}

// Supervisor runs a TickFunc on a fixed cadence with crash-restart
// semantics and heartbeat telemetry.
type Supervisor struct {
	cfg     Config
	tick    TickFunc
	onPause PauseFunc
	metrics *metrics.Registry
	logger  *zap.Logger

	state   atomic.Int32
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool

	consecutiveExceptions int
}

// New constructs a Supervisor.
func New(cfg Config, tick TickFunc, onPause PauseFunc, reg *metrics.Registry, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		tick:    tick,
		onPause: onPause,
		metrics: reg,
		logger:  logger.Named("scan_supervisor"),
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	if s.metrics != nil {
		s.metrics.ScanSupervisorState.Set(float64(st))
	}
}

// Start begins ticking. A call while already running is a no-op; after
// Stop, Start begins a new loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop signals the loop and waits up to Interval*0.5 grace for in-flight
// work to finish before returning.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	select {
	case <-s.doneCh:
	case <-time.After(s.cfg.Interval / 2):
	}
}

func (s *Supervisor) loop(parent context.Context) {
	defer close(s.doneCh)
	s.setState(StateRunning)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	heartbeatTicker := time.NewTicker(time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-parent.Done():
			s.setState(StateStopped)
			return
		case <-s.stopCh:
			s.setState(StateStopping)
			s.setState(StateStopped)
			return
		case <-heartbeatTicker.C:
			if s.metrics != nil {
				s.metrics.ScanHeartbeat.Refresh()
			}
		case <-ticker.C:
			s.runOnce(parent)
		}
	}
}

func (s *Supervisor) runOnce(parent context.Context) {
	timeout := time.Duration(float64(s.cfg.Interval) * 0.8)
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := s.tick(ctx)
	if err != nil {
		s.setState(StateException)
		s.consecutiveExceptions++
		if s.metrics != nil {
			s.metrics.ScanErrorsTotal.Inc()
		}
		s.logger.Error("scan tick failed", zap.Error(err), zap.Int("consecutive", s.consecutiveExceptions))

		if s.consecutiveExceptions >= s.cfg.ExceptionThreshold {
			s.logger.Error("consecutive scan exceptions exceeded threshold, pausing", zap.Int("threshold", s.cfg.ExceptionThreshold))
			if s.onPause != nil {
				s.onPause("scan_supervisor_exception_threshold")
			}
		}

		backoff := time.Duration(1<<uint(min(s.consecutiveExceptions, 10))) * 250 * time.Millisecond
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
		select {
		case <-time.After(backoff):
		case <-parent.Done():
		}
		s.setState(StateRunning)
		return
	}

	s.consecutiveExceptions = 0
	s.setState(StateDone)
	if s.metrics != nil {
		s.metrics.ScanHeartbeat.Touch()
		s.metrics.ScanTicksTotal.Inc()
	}
	s.setState(StateRunning)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
