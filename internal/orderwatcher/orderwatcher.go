// Package orderwatcher consumes the broker's order-event stream,
// reconciles each event into the Store, republishes on the event bus,
// and notifies the OCOManager so a stop/take-profit fill can cancel
// its sibling. Reconciliation is idempotent on (client_order_id,
// status): a duplicate or out-of-order terminal event is a no-op
// rather than a second transition.
package orderwatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/eventbus"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

// FillHandler is invoked after an order transitions to FILLED, so the
// OCOManager can arm or unwind the sibling leg. Errors are logged, not
// propagated — reconciliation into Store must not be blocked by a
// downstream OCO fault.
type FillHandler func(ctx context.Context, o domain.Order) error

// TerminateHandler is invoked after an ENTRY order is rejected or
// otherwise terminated before any fill, so the OCOManager can close the
// group rather than leave it stuck in AWAITING_ENTRY.
type TerminateHandler func(ctx context.Context, groupID string) error

// Watcher drains a broker's order event stream into the Store.
type Watcher struct {
	port        broker.Port
	st          store.Store
	bus         *eventbus.Bus
	metrics     *metrics.Registry
	logger      *zap.Logger
	onFill      FillHandler
	onTerminate TerminateHandler

	// EmitRiskEvent persists a RiskEvent row for a broker rejection;
	// injected so Watcher stays independent of how IDs/config_sha are
	// stamped (mirrors risk.Engine.EmitRiskEvent).
	EmitRiskEvent func(ctx context.Context, e domain.RiskEvent)
}

// New constructs a Watcher. onFill/onTerminate may be nil if no OCO
// wiring is needed (e.g. in tests exercising reconciliation alone).
func New(port broker.Port, st store.Store, bus *eventbus.Bus, reg *metrics.Registry, logger *zap.Logger, onFill FillHandler, onTerminate TerminateHandler) *Watcher {
	return &Watcher{
		port:        port,
		st:          st,
		bus:         bus,
		metrics:     reg,
		logger:      logger.Named("order_watcher"),
		onFill:      onFill,
		onTerminate: onTerminate,
	}
}

// Run drains broker order events until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	events, err := w.port.OrderEvents(ctx)
	if err != nil {
		return err
	}
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			w.updateHeartbeat()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			w.metrics.OrderStreamHeartbeat.Touch()
			w.reconcile(ctx, ev)
		}
	}
}

func (w *Watcher) reconcile(ctx context.Context, ev broker.OrderEvent) {
	existing, found, err := w.st.GetOrder(ctx, ev.ClientOrderID)
	if err != nil {
		w.logger.Error("lookup order failed", zap.String("client_order_id", ev.ClientOrderID), zap.Error(err))
		return
	}
	if !found {
		w.logger.Warn("order event for unknown client_order_id", zap.String("client_order_id", ev.ClientOrderID))
		return
	}
	// Idempotent: a terminal status never regresses or re-applies.
	if existing.Status.IsTerminal() {
		return
	}
	if err := w.st.UpdateOrderStatus(ctx, ev.ClientOrderID, ev.Status, existing.BrokerID, ev.Ts); err != nil {
		w.logger.Error("update order status failed", zap.Error(err))
		return
	}
	existing.Status = ev.Status
	existing.TsFilled = ev.Ts
	if ev.Status == domain.OrderStatusFilled {
		w.metrics.OrdersFilledTotal.Inc()
	}
	w.bus.Publish(eventbus.NewOrderEvent(existing))

	if ev.Status == domain.OrderStatusFilled && w.onFill != nil {
		if err := w.onFill(ctx, existing); err != nil {
			w.logger.Error("fill handler failed", zap.String("client_order_id", existing.ClientOrderID), zap.Error(err))
		}
	}

	if ev.Status == domain.OrderStatusRejected {
		if w.EmitRiskEvent != nil {
			w.EmitRiskEvent(ctx, domain.RiskEvent{
				Type:       domain.RiskBrokerReject,
				DecisionID: existing.DecisionID,
				Details:    "broker rejected order " + existing.ClientOrderID,
			})
		}
		if existing.Tag == domain.TagEntry && w.onTerminate != nil {
			if err := w.onTerminate(ctx, existing.ParentGroup); err != nil {
				w.logger.Error("terminate handler failed", zap.String("group", existing.ParentGroup), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) updateHeartbeat() {
	w.metrics.OrderStreamHeartbeat.Refresh()
}
