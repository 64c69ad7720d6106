// Package execution handles deterministic client-order-id derivation,
// idempotent placement, and the retry policy around broker calls.
package execution

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/idgen"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/ratelimit"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

const (
	retryBase       = 200 * time.Millisecond
	retryCap        = 3 * time.Second
	retryAttempts   = 5
)

// Engine places orders through a broker.Port, deriving deterministic
// client_order_ids and enforcing the idempotent-placement protocol.
type Engine struct {
	port    broker.Port
	st      store.Store
	limiter *ratelimit.Limiter
	metrics *metrics.Registry
	logger  *zap.Logger

	tokenRefreshed bool // single-attempt guard for the 401/403 path
}

// New constructs an Engine. limiter throttles the order-placement
// endpoint class; pass nil to place unthrottled (tests only).
func New(port broker.Port, st store.Store, limiter *ratelimit.Limiter, reg *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{port: port, st: st, limiter: limiter, metrics: reg, logger: logger.Named("execution")}
}

// PlaceEntry derives the plan and entry client_order_ids, short-circuits
// on an existing non-terminal-failure Order, and otherwise places the
// order with the configured retry policy.
func (e *Engine) PlaceEntry(ctx context.Context, d domain.Decision, symbol string, side domain.Side, entry, stop, tp, qty decimal.Decimal, typ domain.OrderType) (domain.Order, error) {
	clientOrderID := idgen.OrderClientID(d.ClientPlanID, string(domain.TagEntry))
	return e.place(ctx, d.ID, clientOrderID, d.ClientPlanID, domain.TagEntry, symbol, side, qty, entry, typ)
}

// PlaceChild places a STOP or TP child leg under an existing plan.
func (e *Engine) PlaceChild(ctx context.Context, decisionID, planClientID string, tag domain.OrderTag, symbol string, side domain.Side, qty, price decimal.Decimal, typ domain.OrderType) (domain.Order, error) {
	clientOrderID := idgen.OrderClientID(planClientID, string(tag))
	return e.place(ctx, decisionID, clientOrderID, planClientID, tag, symbol, side, qty, price, typ)
}

func (e *Engine) place(ctx context.Context, decisionID, clientOrderID, parentGroup string, tag domain.OrderTag, symbol string, side domain.Side, qty, price decimal.Decimal, typ domain.OrderType) (domain.Order, error) {
	existing, found, err := e.st.OrderExists(ctx, clientOrderID, []domain.OrderStatus{
		domain.OrderStatusPlaced, domain.OrderStatusPartial, domain.OrderStatusFilled,
	})
	if err != nil {
		return domain.Order{}, err
	}
	if found {
		e.logger.Info("idempotent short-circuit, order already placed", zap.String("client_order_id", clientOrderID))
		return existing, nil
	}

	row := domain.Order{
		ID:            idgen.New("ord"),
		DecisionID:    decisionID,
		ClientOrderID: clientOrderID,
		Tag:           tag,
		ParentGroup:   parentGroup,
		Side:          side,
		Qty:           qty,
		Price:         price,
		Type:          typ,
		Status:        domain.OrderStatusNew,
		TsCreated:     time.Now(),
	}
	if err := e.st.InsertOrder(ctx, row); err != nil {
		if errors.Is(err, store.ErrIntegrityDuplicate) {
			// P10/Integrity class: duplicate insert treated as success.
			existing, found, ferr := e.st.OrderExists(ctx, clientOrderID, nil)
			if ferr == nil && found {
				return existing, nil
			}
		}
		return domain.Order{}, err
	}

	if e.limiter != nil {
		if werr := e.limiter.Wait(ctx); werr != nil {
			e.markRejected(ctx, clientOrderID, werr)
			return row, broker.Classify(broker.ClassTransient, werr)
		}
	}

	res, placeErr := e.placeWithRetry(ctx, clientOrderID, symbol, side, qty, typ, price)
	if placeErr != nil {
		e.markRejected(ctx, clientOrderID, placeErr)
		row.Status = domain.OrderStatusRejected
		return row, placeErr
	}

	row.Status = domain.OrderStatusPlaced
	row.BrokerID = res.BrokerID
	row.TsAcked = res.AckTs
	if err := e.st.UpdateOrderStatus(ctx, clientOrderID, domain.OrderStatusPlaced, res.BrokerID, res.AckTs); err != nil {
		return row, err
	}
	e.metrics.OrdersPlacedTotal.Inc()
	if tag != domain.TagEntry {
		e.metrics.OCOChildrenCreatedTotal.Inc()
	}
	return row, nil
}

// placeWithRetry applies the backoff policy: transient classes retry up
// to retryAttempts with exponential backoff and jitter; validation/
// business classes fail immediately; a single auth/token retry is
// attempted once per Engine lifetime.
func (e *Engine) placeWithRetry(ctx context.Context, clientOrderID, symbol string, side domain.Side, qty decimal.Decimal, typ domain.OrderType, price decimal.Decimal) (broker.PlaceResult, error) {
	var lastErr error
	start := time.Now()
	for attempt := 0; attempt < retryAttempts; attempt++ {
		res, err := e.port.PlaceOrder(ctx, clientOrderID, symbol, side, qty, typ, price)
		if err == nil {
			e.metrics.OrderLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
			return res, nil
		}
		lastErr = err
		class := broker.ClassOf(err)
		e.metrics.RetriesTotal.WithLabelValues(class.String()).Inc()

		switch class {
		case broker.ClassAuth:
			if e.tokenRefreshed {
				return broker.PlaceResult{}, err
			}
			e.tokenRefreshed = true
			// Reclassified as transient: fall through to the backoff below
			// and retry once more.
		case broker.ClassValidation, broker.ClassBusiness, broker.ClassFatal:
			return broker.PlaceResult{}, err
		case broker.ClassIntegrity:
			return broker.PlaceResult{}, err
		}

		wait := backoff(attempt)
		select {
		case <-ctx.Done():
			return broker.PlaceResult{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return broker.PlaceResult{}, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * retryBase
	if d > retryCap {
		d = retryCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 + 1))
	return d + jitter
}

func (e *Engine) markRejected(ctx context.Context, clientOrderID string, err error) {
	if uerr := e.st.UpdateOrderStatus(ctx, clientOrderID, domain.OrderStatusRejected, "", time.Now()); uerr != nil {
		e.logger.Error("failed to mark order rejected", zap.Error(uerr))
	}
	e.logger.Warn("order placement failed", zap.String("client_order_id", clientOrderID), zap.Error(err))
}
