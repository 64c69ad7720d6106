// Package eventbus is a best-effort pub/sub telemetry bus: ticks,
// signals, decisions, order transitions, and risk events. Delivery is
// advisory only — Store is the source of truth, and correctness never
// depends on bus ordering or delivery.
package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic categorizes published events.
type Topic string

const (
	TopicTick     Topic = "tick"
	TopicSignal   Topic = "signal"
	TopicDecision Topic = "decision"
	TopicOrder    Topic = "order"
	TopicRisk     Topic = "risk"
	TopicPosition Topic = "position"
)

// Event is the interface every published message satisfies.
type Event interface {
	Topic() Topic
	EventID() string
	OccurredAt() time.Time
}

// Base provides the common Event plumbing; embed it in concrete event
// structs.
type Base struct {
	ID string
	T  Topic
	At time.Time
}

func (b Base) Topic() Topic          { return b.T }
func (b Base) EventID() string       { return b.ID }
func (b Base) OccurredAt() time.Time { return b.At }

// NewBase stamps a fresh ID and timestamp for the given topic.
func NewBase(topic Topic) Base {
	return Base{ID: uuid.NewString(), T: topic, At: time.Now()}
}

// Handler processes one event. A panic in a handler is recovered and
// logged, and the event is never redelivered — the bus is advisory.
type Handler func(Event)

// Subscription is a live registration; Unsubscribe deactivates it
// without mutating the subscriber slice under lock contention.
type Subscription struct {
	id     string
	topic  Topic
	handler Handler
	active atomic.Bool
}

func (s *Subscription) Unsubscribe() { s.active.Store(false) }

// Config tunes the worker pool and channel buffer.
type Config struct {
	Workers    int
	BufferSize int
}

// DefaultConfig returns sane defaults for a single-process bus.
func DefaultConfig() Config {
	return Config{Workers: 16, BufferSize: 10000}
}

// Stats reports bus throughput and loss.
type Stats struct {
	Published  int64
	Processed  int64
	Dropped    int64
	Errors     int64
	Subscribers int64
	P99Latency  time.Duration
}

// Bus is the central event router.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*Subscription
	all         []*Subscription

	eventChan chan Event

	published atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	errored   atomic.Int64
	subCount  atomic.Int64

	latMu       sync.Mutex
	latencies   []int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New starts a worker pool of cfg.Workers goroutines draining a
// cfg.BufferSize-deep channel.
func New(logger *zap.Logger, cfg Config) *Bus {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[Topic][]*Subscription),
		eventChan:   make(chan Event, cfg.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("eventbus"),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.eventChan:
			start := time.Now()
			b.dispatch(ev)
			b.trackLatency(time.Since(start).Microseconds())
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := append([]*Subscription{}, b.subscribers[ev.Topic()]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.invoke(sub, ev)
	}
	b.processed.Add(1)
}

func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errored.Add(1)
			b.logger.Error("handler panic", zap.Any("panic", r), zap.String("topic", string(ev.Topic())))
		}
	}()
	sub.handler(ev)
}

func (b *Bus) trackLatency(us int64) {
	b.latMu.Lock()
	defer b.latMu.Unlock()
	b.latencies = append(b.latencies, us)
	if len(b.latencies) > 10000 {
		b.latencies = b.latencies[5000:]
	}
}

// Subscribe registers handler for a single topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	sub := &Subscription{id: uuid.NewString(), topic: topic, handler: handler}
	sub.active.Store(true)
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	b.mu.Unlock()
	b.subCount.Add(1)
	return sub
}

// SubscribeAll registers handler for every topic.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := &Subscription{id: uuid.NewString(), handler: handler}
	sub.active.Store(true)
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	b.subCount.Add(1)
	return sub
}

// Publish enqueues ev for async dispatch. If the buffer is full, the
// event is dropped and counted — never blocks the caller.
func (b *Bus) Publish(ev Event) {
	select {
	case b.eventChan <- ev:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full", zap.String("topic", string(ev.Topic())))
	}
}

// Stats returns current throughput counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Processed:   b.processed.Load(),
		Dropped:     b.dropped.Load(),
		Errors:      b.errored.Load(),
		Subscribers: b.subCount.Load(),
		P99Latency:  time.Duration(b.p99LatencyUs()) * time.Microsecond,
	}
}

func (b *Bus) p99LatencyUs() int64 {
	b.latMu.Lock()
	defer b.latMu.Unlock()
	if len(b.latencies) == 0 {
		return 0
	}
	sorted := append([]int64{}, b.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Stop drains in-flight work for up to 5s then returns.
func (b *Bus) Stop() {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("eventbus shutdown timed out")
	}
}
