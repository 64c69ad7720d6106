// Package risk is a stateless-per-call gate chain evaluated in a fixed
// order, each failing gate short-circuiting with a machine-readable
// RiskEvent.
package risk

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/clock"
	"github.com/atlas-desktop/intraday-trader/internal/config"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
)

// Request bundles the inputs a single can_enter evaluation needs.
type Request struct {
	Instrument domain.Instrument
	Side       domain.Side
	Entry      decimal.Decimal
	Stop       decimal.Decimal
	TP         decimal.Decimal
	Portfolio  domain.PortfolioState
}

// Result is the outcome of evaluating a Request.
type Result struct {
	Approved bool
	Qty      decimal.Decimal
	Reason   domain.RiskEventType
	Details  string
}

// Engine evaluates the eight ordered gates.
type Engine struct {
	cfg     config.Config
	gate    *clock.MarketHoursGate
	metrics *metrics.Registry
	logger  *zap.Logger

	// EmitRiskEvent persists a RiskEvent row; injected so Engine stays
	// CPU-only and never touches Store directly (the concurrency model
	// requires risk gates never block on I/O).
	EmitRiskEvent func(ctx context.Context, e domain.RiskEvent)
}

// New constructs an Engine.
func New(cfg config.Config, gate *clock.MarketHoursGate, reg *metrics.Registry, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, gate: gate, metrics: reg, logger: logger.Named("risk")}
}

// CanEnter runs the gate chain and returns the first failure, or an
// approval carrying the sized quantity.
func (e *Engine) CanEnter(ctx context.Context, req Request) Result {
	// Gate 1: market-hours.
	if e.gate.Classify() != clock.WindowEntry {
		return e.reject(ctx, domain.RiskMarketClosed, "outside entry window")
	}
	// Gate 2: paused/kill-switch.
	if req.Portfolio.Paused {
		return e.reject(ctx, domain.RiskPaused, "orchestrator paused")
	}

	qty := e.sizeQty(req)
	if qty.IsZero() {
		return e.reject(ctx, domain.RiskQtyZero, "sized quantity rounds to zero")
	}

	// Gate 3: per-trade risk cap.
	riskAmount := qty.Mul(req.Entry.Sub(req.Stop).Abs())
	perTradeCap := e.cfg.PerTradeRiskPct.Mul(e.cfg.Capital)
	if riskAmount.GreaterThan(perTradeCap) {
		return e.reject(ctx, domain.RiskPerTradeCap, "computed risk exceeds per-trade cap")
	}

	// Gate 4: portfolio heat cap.
	heatCap := e.cfg.MaxPortfolioHeatPct.Mul(e.cfg.Capital)
	if req.Portfolio.CurrentHeat.Add(riskAmount).GreaterThan(heatCap) {
		return e.reject(ctx, domain.RiskHeatCap, "portfolio heat cap would be exceeded")
	}

	// Gate 5: daily loss stop. Breach also auto-pauses (caller inspects Reason).
	dailyLossFloor := e.cfg.DailyLossStopPct.Mul(e.cfg.Capital).Neg()
	if !req.Portfolio.DailyRealizedPnL.GreaterThan(dailyLossFloor) {
		return e.reject(ctx, domain.RiskDailyLossStop, "daily realized PnL breached the loss stop")
	}

	// Gate 6: freeze quantity.
	if qty.GreaterThan(req.Instrument.FreezeQty) {
		return e.reject(ctx, domain.RiskFreezeQty, "sized quantity exceeds instrument freeze qty")
	}

	// Gate 7: price band.
	if req.Entry.LessThan(req.Instrument.LowerBand) || req.Entry.GreaterThan(req.Instrument.UpperBand) {
		return e.reject(ctx, domain.RiskPriceBand, "entry price outside exchange band")
	}

	// Gate 8: spread quality.
	if req.Portfolio.Bid.IsPositive() && req.Portfolio.Ask.IsPositive() {
		mid := req.Portfolio.Bid.Add(req.Portfolio.Ask).Div(decimal.NewFromInt(2))
		spreadPct := req.Portfolio.Ask.Sub(req.Portfolio.Bid).Div(mid)
		if spreadPct.GreaterThan(e.cfg.MaxSpreadMidPct) {
			return e.reject(ctx, domain.RiskSpreadBlowout, "bid/ask spread exceeds max spread-to-mid")
		}
	}

	e.metrics.DecisionsTotal.WithLabelValues("approved").Inc()
	return Result{Approved: true, Qty: qty}
}

// sizeQty implements qty_raw = floor(risk_amount / |entry-stop|), then
// rounds down to a lot-size multiple.
func (e *Engine) sizeQty(req Request) decimal.Decimal {
	diff := req.Entry.Sub(req.Stop).Abs()
	if diff.IsZero() {
		return decimal.Zero
	}
	riskBudget := e.cfg.PerTradeRiskPct.Mul(e.cfg.Capital)
	qtyRaw := riskBudget.Div(diff).Truncate(0)
	if req.Instrument.LotSize.IsZero() {
		return qtyRaw
	}
	lots := qtyRaw.Div(req.Instrument.LotSize).Truncate(0)
	return lots.Mul(req.Instrument.LotSize)
}

func (e *Engine) reject(ctx context.Context, reason domain.RiskEventType, details string) Result {
	e.metrics.RiskBlocksTotal.WithLabelValues(string(reason)).Inc()
	e.metrics.DecisionsTotal.WithLabelValues("rejected").Inc()
	if e.EmitRiskEvent != nil {
		e.EmitRiskEvent(ctx, domain.RiskEvent{Type: reason, Details: details})
	}
	return Result{Approved: false, Reason: reason, Details: details}
}
