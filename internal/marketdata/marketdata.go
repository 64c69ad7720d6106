// Package marketdata owns the broker's tick stream, republishes ticks
// on the event bus, and tracks the heartbeat gauge staleness is driven
// from. Reconnection on stream loss is a fixed backoff loop.
package marketdata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/eventbus"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
)

// Feed subscribes to a broker's market data stream and republishes
// ticks onto the event bus while maintaining a staleness heartbeat.
type Feed struct {
	port      broker.Port
	bus       *eventbus.Bus
	metrics   *metrics.Registry
	logger    *zap.Logger
	tokens    []string
	reconnect time.Duration
}

// New constructs a Feed for the given instrument tokens. reconnect is
// the fixed delay between resubscribe attempts after the stream ends.
func New(port broker.Port, bus *eventbus.Bus, reg *metrics.Registry, logger *zap.Logger, tokens []string, reconnect time.Duration) *Feed {
	return &Feed{
		port:      port,
		bus:       bus,
		metrics:   reg,
		logger:    logger.Named("marketdata"),
		tokens:    tokens,
		reconnect: reconnect,
	}
}

// Run drives the feed until ctx is canceled, reconnecting on stream
// termination and updating the heartbeat gauge every tick and on idle
// ticks alike so staleness is visible even with no market activity.
func (f *Feed) Run(ctx context.Context) {
	heartbeatTicker := time.NewTicker(time.Second)
	defer heartbeatTicker.Stop()

	ticks := f.subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			f.updateHeartbeat()
		case t, ok := <-ticks:
			if !ok {
				f.logger.Warn("market data stream closed, reconnecting", zap.Duration("after", f.reconnect))
				select {
				case <-time.After(f.reconnect):
				case <-ctx.Done():
					return
				}
				ticks = f.subscribe(ctx)
				continue
			}
			f.metrics.MarketDataHeartbeat.Touch()
			f.bus.Publish(eventbus.NewTickEvent(t.Token, t.Last, t.Bid, t.Ask))
		}
	}
}

func (f *Feed) subscribe(ctx context.Context) <-chan broker.Tick {
	ch, err := f.port.MarketDataStream(ctx, f.tokens)
	if err != nil {
		f.logger.Error("market data subscribe failed", zap.Error(err))
		closed := make(chan broker.Tick)
		close(closed)
		return closed
	}
	return ch
}

func (f *Feed) updateHeartbeat() {
	f.metrics.MarketDataHeartbeat.Refresh()
}
