// Package orchestrator glues every other component together, owns the
// pause/mode/portfolio-heat state, and exposes ScanOnce/Flatten/SetMode
// driving the scan -> signal -> rank -> risk -> execute -> OCO
// pipeline. Mutable state (mode, pause flag, heat, last-scan and
// last-signal times) is guarded by a single sync.RWMutex.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/clock"
	"github.com/atlas-desktop/intraday-trader/internal/config"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/eventbus"
	"github.com/atlas-desktop/intraday-trader/internal/execution"
	"github.com/atlas-desktop/intraday-trader/internal/idgen"
	"github.com/atlas-desktop/intraday-trader/internal/leaderlock"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/oco"
	"github.com/atlas-desktop/intraday-trader/internal/risk"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

// liveConfirmation is the literal string /mode LIVE must carry.
const liveConfirmation = "CONFIRM LIVE TRADING"

// StrategyContext is the read-only view strategy ports evaluate against.
type StrategyContext struct {
	Clock       *clock.MarketHoursGate
	Instruments map[string]domain.Instrument
}

// StrategyPort is the pluggable signal-producer contract. Strategy
// modules are pure w.r.t. their inputs and perform no I/O.
type StrategyPort interface {
	Name() string
	GenerateSignals(ctx StrategyContext) []domain.Signal
}

// Orchestrator owns process lifecycle and the scan -> execute pipeline.
type Orchestrator struct {
	cfg        config.Config
	configSha  string
	st         store.Store
	bus        *eventbus.Bus
	metrics    *metrics.Registry
	logger     *zap.Logger
	gate       *clock.MarketHoursGate
	lock       *leaderlock.Lock
	risk       *risk.Engine
	exec       *execution.Engine
	ocoMgr     *oco.Manager
	port       broker.Port
	strategies []StrategyPort

	mu           sync.RWMutex
	mode         domain.Mode
	paused       bool
	lastScanAt   time.Time
	currentHeat  decimal.Decimal
	lastSignalAt map[string]time.Time
}

// New constructs an Orchestrator. Mode always starts PAPER regardless of
// cfg.Mode — the warm-restart sequence requires an explicit SetMode call
// after recovery completes.
func New(cfg config.Config, configSha string, st store.Store, bus *eventbus.Bus, reg *metrics.Registry, logger *zap.Logger,
	gate *clock.MarketHoursGate, lock *leaderlock.Lock, riskEngine *risk.Engine, exec *execution.Engine, ocoMgr *oco.Manager,
	port broker.Port, strategies []StrategyPort) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		configSha:  configSha,
		st:         st,
		bus:        bus,
		metrics:    reg,
		logger:     logger.Named("orchestrator"),
		gate:       gate,
		lock:       lock,
		risk:       riskEngine,
		exec:       exec,
		ocoMgr:     ocoMgr,
		port:       port,
		strategies:   strategies,
		mode:         domain.ModePaper,
		lastSignalAt: make(map[string]time.Time),
	}
}

// StrategyStatus is a strategy's configuration and last-activity summary,
// surfaced on the /strategies control-plane endpoint.
type StrategyStatus struct {
	Name         string    `json:"name"`
	LastSignalAt time.Time `json:"lastSignalAt"`
}

// Strategies lists the configured strategy set and the last time each
// produced a signal.
func (o *Orchestrator) Strategies() []StrategyStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]StrategyStatus, 0, len(o.strategies))
	for _, s := range o.strategies {
		out = append(out, StrategyStatus{Name: s.Name(), LastSignalAt: o.lastSignalAt[s.Name()]})
	}
	return out
}

// WarmRestart runs the crash-safe OCO recovery sequence before allowing
// any mode transition.
func (o *Orchestrator) WarmRestart(ctx context.Context) error {
	o.mu.Lock()
	o.mode = domain.ModePaper
	o.mu.Unlock()

	recoverCtx, cancel := context.WithTimeout(ctx, o.cfg.StartupRecoveryMax)
	defer cancel()
	if err := o.ocoMgr.RecoverOpenGroups(recoverCtx); err != nil {
		return fmt.Errorf("oco recovery: %w", err)
	}
	o.audit(ctx, domain.AuditRecoveryApplied, "system", map[string]string{"phase": "warm_restart"})
	return nil
}

// Mode returns the current trading mode.
func (o *Orchestrator) Mode() domain.Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// Paused reports whether new entries are currently blocked.
func (o *Orchestrator) Paused() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.paused
}

// LastScanAt returns the timestamp of the last completed ScanOnce.
func (o *Orchestrator) LastScanAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastScanAt
}

// Pause blocks new entries; exits remain unaffected.
func (o *Orchestrator) Pause(ctx context.Context, reason string) {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.audit(ctx, domain.AuditPause, "system", map[string]string{"reason": reason})
}

// Resume re-allows new entries.
func (o *Orchestrator) Resume(ctx context.Context) {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()
	o.audit(ctx, domain.AuditResume, "system", nil)
}

// SetMode transitions the trading mode. LIVE requires the literal
// confirmation string; any other value (or an empty one) is rejected
// without changing state.
func (o *Orchestrator) SetMode(ctx context.Context, target domain.Mode, confirm string) error {
	if target == domain.ModeLive && confirm != liveConfirmation {
		return fmt.Errorf("mode LIVE requires confirm=%q", liveConfirmation)
	}
	o.mu.Lock()
	o.mode = target
	o.mu.Unlock()
	o.audit(ctx, domain.AuditModeChange, "operator", map[string]string{"mode": string(target)})
	return nil
}

// ScanOnce runs one pipeline pass: signal generation, ranking, risk
// gating, and entry placement. Bounded by the context deadline the
// ScanSupervisor sets (80% of the tick interval).
func (o *Orchestrator) ScanOnce(ctx context.Context) error {
	o.mu.RLock()
	paused := o.paused
	o.mu.RUnlock()

	window := o.gate.Classify()
	hasOpenPositions, err := o.hasOpenPositions(ctx)
	if err != nil {
		return err
	}
	if paused || window == clock.WindowClosed {
		return nil
	}
	if window == clock.WindowExitOnly && !hasOpenPositions {
		return nil
	}
	if window != clock.WindowEntry {
		return nil // exit-only with open positions: nothing new to enter
	}

	sctx := StrategyContext{Clock: o.gate}
	var signals []domain.Signal
	for _, strat := range o.strategies {
		signals = append(signals, strat.GenerateSignals(sctx)...)
	}
	o.rank(signals)

	for _, sig := range signals {
		if err := o.st.InsertSignal(ctx, sig); err != nil {
			o.logger.Error("persist signal failed", zap.Error(err))
			continue
		}
		o.metrics.SignalsTotal.Inc()
		o.mu.Lock()
		o.lastSignalAt[sig.Strategy] = sig.Ts
		o.mu.Unlock()
		o.bus.Publish(eventbus.NewSignalEvent(sig))
		o.evaluate(ctx, sig)
	}

	o.mu.Lock()
	o.lastScanAt = time.Now()
	o.mu.Unlock()
	return nil
}

// rank sorts candidate signals by score descending; highest-conviction
// ideas are evaluated first against the shared portfolio-heat budget.
func (o *Orchestrator) rank(signals []domain.Signal) {
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Score > signals[j].Score })
}

func (o *Orchestrator) evaluate(ctx context.Context, sig domain.Signal) {
	// Entry/stop/tp derivation is strategy-specific; this control plane
	// treats them as already attached to the signal's features map by
	// convention, since strategy internals are out of scope here.
	entry := decimal.NewFromFloat(sig.Features["entry"])
	stop := decimal.NewFromFloat(sig.Features["stop"])
	tp := decimal.NewFromFloat(sig.Features["tp"])

	planID := idgen.PlanClientID(sig.Symbol, string(sig.Side), entry, stop, tp, decimal.Zero, sig.Strategy, o.configSha)

	if _, found, err := o.st.DecisionByPlanID(ctx, planID); err == nil && found {
		o.logger.Info("plan already decided this session, short-circuiting", zap.String("plan_id", planID))
		return
	}

	instrument := domain.Instrument{
		FreezeQty: decimal.NewFromInt(1 << 30),
		UpperBand: decimal.NewFromInt(1 << 30),
		LowerBand: decimal.Zero,
		LotSize:   decimal.NewFromInt(1),
	}
	if stored, found, err := o.st.GetInstrument(ctx, sig.Symbol); err == nil && found {
		instrument = stored
	}

	portfolio := o.snapshotPortfolio(ctx)
	result := o.risk.CanEnter(ctx, risk.Request{
		Instrument: instrument,
		Side:       sig.Side,
		Entry:      entry,
		Stop:       stop,
		TP:         tp,
		Portfolio:  portfolio,
	})

	decision := domain.Decision{
		ID:                  idgen.New("dec"),
		SignalID:            sig.ID,
		ClientPlanID:        planID,
		Mode:                o.Mode(),
		Approved:            result.Approved,
		Symbol:              sig.Symbol,
		Side:                sig.Side,
		Entry:               entry,
		Stop:                stop,
		TP:                  tp,
		Qty:                 result.Qty,
		PortfolioHeatBefore: portfolio.CurrentHeat,
		ConfigSha:           o.configSha,
		CreatedAt:           time.Now(),
	}
	if !result.Approved {
		decision.Status = domain.DecisionRejected
		decision.RejectReason = string(result.Reason)
		if result.Reason == domain.RiskDailyLossStop {
			o.Pause(ctx, "daily_loss_stop")
		}
	} else {
		decision.Status = domain.DecisionExecuted
		decision.RiskAmount = result.Qty.Mul(entry.Sub(stop).Abs())
		decision.PortfolioHeatAfter = portfolio.CurrentHeat.Add(decision.RiskAmount)
	}
	if err := o.st.InsertDecision(ctx, decision); err != nil {
		o.logger.Error("persist decision failed", zap.Error(err))
		return
	}
	o.bus.Publish(eventbus.NewDecisionEvent(decision))

	if !decision.Approved {
		o.audit(ctx, domain.AuditDecisionReject, "system", map[string]string{"reason": decision.RejectReason, "plan_id": planID})
		return
	}

	order, err := o.exec.PlaceEntry(ctx, decision, sig.Symbol, sig.Side, entry, stop, tp, result.Qty, domain.OrderTypeMarket)
	if err != nil {
		o.logger.Error("place entry failed", zap.String("plan_id", planID), zap.Error(err))
		return
	}
	if err := o.ocoMgr.CreateGroup(ctx, planID, order.ClientOrderID); err != nil {
		o.logger.Error("create oco group failed", zap.Error(err))
	}

	o.mu.Lock()
	o.currentHeat = decision.PortfolioHeatAfter
	o.mu.Unlock()
	o.metrics.PortfolioHeatRupees.Set(toFloat(decision.PortfolioHeatAfter))
}

// OnEntryFilled is the OrderWatcher callback for an ENTRY fill.
func (o *Orchestrator) OnEntryFilled(ctx context.Context, order domain.Order, symbol string, stop, tp decimal.Decimal) {
	if err := o.ocoMgr.OnEntryFilled(ctx, order, symbol, stop, tp); err != nil {
		o.logger.Error("oco arm failed", zap.Error(err))
	}
}

// OnChildFilled is the OrderWatcher callback for a STOP/TP fill.
func (o *Orchestrator) OnChildFilled(ctx context.Context, order domain.Order) {
	if err := o.ocoMgr.OnChildFilled(ctx, order); err != nil {
		o.logger.Error("oco unwind failed", zap.Error(err))
	}
}

// Flatten cancels all open child orders and market-exits all open
// positions, bounded to cfg.FlattenMaxDuration wall time end to end.
func (o *Orchestrator) Flatten(ctx context.Context, reason string) FlattenSummary {
	start := time.Now()
	o.Pause(ctx, "flatten:"+reason)

	ctx, cancel := context.WithTimeout(ctx, o.cfg.FlattenMaxDuration)
	defer cancel()

	positions, err := o.st.ListOpenPositions(ctx)
	summary := FlattenSummary{Reason: reason}
	if err != nil {
		summary.Error = err.Error()
		return summary
	}

	if orders, oerr := o.st.ListOpenOrders(ctx); oerr != nil {
		o.logger.Error("flatten: list open orders failed", zap.Error(oerr))
	} else {
		for _, ord := range orders {
			if ord.Tag == domain.TagEntry {
				continue
			}
			if cerr := o.port.CancelOrder(ctx, ord.ClientOrderID); cerr != nil {
				o.logger.Warn("flatten: cancel child order failed", zap.String("client_order_id", ord.ClientOrderID), zap.Error(cerr))
			}
		}
	}

	var wg sync.WaitGroup
	results := make([]PositionOutcome, len(positions))
	for i, p := range positions {
		i, p := i, p
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.flattenPosition(ctx, p)
		}()
	}
	wg.Wait()

	summary.Positions = results
	o.metrics.KillSwitchTotal.WithLabelValues(reason).Inc()
	o.metrics.FlattenDurationMs.Observe(float64(time.Since(start).Milliseconds()))
	o.audit(ctx, domain.AuditKillSwitch, "system", map[string]string{"reason": reason})
	return summary
}

// FlattenSummary is the /flatten response body.
type FlattenSummary struct {
	Reason    string            `json:"reason"`
	Positions []PositionOutcome `json:"positions"`
	Error     string            `json:"error,omitempty"`
}

// PositionOutcome records the flatten result for a single position.
type PositionOutcome struct {
	PositionID string `json:"positionId"`
	Symbol     string `json:"symbol"`
	Closed     bool   `json:"closed"`
	Error      string `json:"error,omitempty"`
}

func (o *Orchestrator) flattenPosition(ctx context.Context, p domain.Position) PositionOutcome {
	outcome := PositionOutcome{PositionID: p.ID, Symbol: p.Symbol}
	exitSide := domain.SideShort
	if p.Side == domain.SideShort {
		exitSide = domain.SideLong
	}
	clientOrderID := idgen.OrderClientID(p.OCOGroup, "FLATTEN", p.ID)
	_, err := o.port.PlaceOrder(ctx, clientOrderID, p.Symbol, exitSide, p.Qty, domain.OrderTypeMarket, decimal.Zero)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Closed = true
	return outcome
}

func (o *Orchestrator) hasOpenPositions(ctx context.Context) (bool, error) {
	positions, err := o.st.ListOpenPositions(ctx)
	if err != nil {
		return false, err
	}
	return len(positions) > 0, nil
}

func (o *Orchestrator) snapshotPortfolio(ctx context.Context) domain.PortfolioState {
	pnl, _ := o.st.DailyRealizedPnL(ctx, todayStart())
	o.mu.RLock()
	heat := o.currentHeat
	paused := o.paused
	o.mu.RUnlock()

	o.metrics.DailyPnLRupees.Set(toFloat(pnl))
	if positions, err := o.st.ListOpenPositions(ctx); err == nil {
		o.metrics.PositionsOpen.Set(float64(len(positions)))
	}

	return domain.PortfolioState{
		Capital:          o.cfg.Capital,
		CurrentHeat:      heat,
		DailyRealizedPnL: pnl,
		Paused:           paused,
	}
}

func todayStart() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (o *Orchestrator) audit(ctx context.Context, action domain.AuditAction, actor string, details map[string]string) {
	entry := domain.AuditLog{
		ID:        idgen.New("audit"),
		Ts:        time.Now(),
		Action:    action,
		Actor:     actor,
		Details:   details,
		ConfigSha: o.configSha,
		GitHead:   o.cfg.GitHead,
	}
	if err := o.st.InsertAuditLog(ctx, entry); err != nil {
		o.logger.Error("audit log insert failed", zap.Error(err))
	}
}
