// Command trader is the entry point for the intraday trading control
// plane: it loads configuration, builds the logger, wires every
// component from the store up through the HTTP API, and drives
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/intraday-trader/internal/api"
	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/clock"
	"github.com/atlas-desktop/intraday-trader/internal/config"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/eventbus"
	"github.com/atlas-desktop/intraday-trader/internal/execution"
	"github.com/atlas-desktop/intraday-trader/internal/idgen"
	"github.com/atlas-desktop/intraday-trader/internal/leaderlock"
	"github.com/atlas-desktop/intraday-trader/internal/marketdata"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/oco"
	"github.com/atlas-desktop/intraday-trader/internal/orchestrator"
	"github.com/atlas-desktop/intraday-trader/internal/orderwatcher"
	"github.com/atlas-desktop/intraday-trader/internal/ratelimit"
	"github.com/atlas-desktop/intraday-trader/internal/risk"
	"github.com/atlas-desktop/intraday-trader/internal/scan"
	"github.com/atlas-desktop/intraday-trader/internal/store"
	"github.com/atlas-desktop/intraday-trader/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := buildLogger(cfg.LogLevel)
	defer logger.Sync()

	configSha, err := cfg.Sha()
	if err != nil {
		logger.Fatal("compute config sha", zap.Error(err))
	}

	logger.Info("starting intraday trader control plane",
		zap.String("instance_id", cfg.InstanceID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("config_sha", configSha),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(logger, cfg.StoreDSN)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	seedInstruments(ctx, st, logger)

	reg := metrics.New()
	bus := eventbus.New(logger, eventbus.DefaultConfig())

	gate, err := clock.New(clock.SystemClock{}, cfg.TradingTimezone, cfg.EntryWindowFrom, cfg.EntryWindowTo, cfg.ExitOnlyTo, cfg.Holidays)
	if err != nil {
		logger.Fatal("build market hours gate", zap.Error(err))
	}

	lock := leaderlock.New(logger, st, cfg.InstanceID, cfg.LeaderLeaseTTL, reg)

	port := broker.Port(broker.NewPaperBroker(logger))

	limiterOrders := ratelimit.New(ratelimit.ClassOrder, 10, 5, 100)

	execEngine := execution.New(port, st, limiterOrders, reg, logger)

	riskEngine := risk.New(cfg, gate, reg, logger)
	riskEngine.EmitRiskEvent = func(ctx context.Context, e domain.RiskEvent) {
		e.ID = ridPrefix("risk")
		e.Ts = time.Now()
		e.ConfigSha = configSha
		if err := st.InsertRiskEvent(ctx, e); err != nil {
			logger.Error("persist risk event failed", zap.Error(err))
		}
	}

	var orch *orchestrator.Orchestrator

	flatten := func(ctx context.Context, reason string) {
		orch.Flatten(ctx, reason)
	}
	ocoMgr := oco.New(st, execEngine, port, reg, logger, flatten)

	// No strategy signal algorithms are wired here: signal generation
	// is a pluggable StrategyPort the operator supplies, out of scope
	// for the control plane itself.
	orch = orchestrator.New(cfg, configSha, st, bus, reg, logger, gate, lock, riskEngine, execEngine, ocoMgr, port, nil)

	lock.OnLost(func() {
		orch.Pause(context.Background(), "leader_lock_lost")
	})

	feed := marketdata.New(port, bus, reg, logger, instrumentTokens(ctx, st, logger), 2*time.Second)
	watcher := orderwatcher.New(port, st, bus, reg, logger, func(ctx context.Context, o domain.Order) error {
		if o.Tag != domain.TagEntry {
			orch.OnChildFilled(ctx, o)
			return nil
		}
		// The group ID an entry order carries as ParentGroup is the plan's
		// ClientPlanID, so the originating Decision (and the stop/tp it
		// recorded) is always one lookup away.
		decision, found, err := st.DecisionByPlanID(ctx, o.ParentGroup)
		if err != nil || !found {
			logger.Error("entry fill with no matching decision", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			return nil
		}
		orch.OnEntryFilled(ctx, o, decision.Symbol, decision.Stop, decision.TP)
		return nil
	}, ocoMgr.OnEntryTerminated)
	watcher.EmitRiskEvent = func(ctx context.Context, e domain.RiskEvent) {
		e.ID = ridPrefix("risk")
		e.Ts = time.Now()
		e.ConfigSha = configSha
		if err := st.InsertRiskEvent(ctx, e); err != nil {
			logger.Error("persist risk event failed", zap.Error(err))
		}
	}

	supervisor := scan.New(scan.DefaultConfig(cfg.ScanInterval), orch.ScanOnce, func(reason string) {
		orch.Pause(context.Background(), reason)
	}, reg, logger)

	apiServer := api.New(logger, cfg.HTTPAddr, orch, st, reg, lock, supervisor, cfg.HeartbeatThreshold)
	telemetryServer := telemetry.New(logger, cfg.MetricsAddr, reg)

	if err := orch.WarmRestart(ctx); err != nil {
		logger.Fatal("warm restart failed", zap.Error(err))
	}

	go lock.Run(ctx)
	go feed.Run(ctx)
	go watchThrottle(ctx, []*ratelimit.Limiter{limiterOrders}, reg, orch, riskEngine.EmitRiskEvent, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("order watcher stopped", zap.Error(err))
		}
	}()
	supervisor.Start(ctx)

	go func() {
		if err := apiServer.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := telemetryServer.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Error("telemetry server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	supervisor.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("api server shutdown error", zap.Error(err))
	}
	if err := telemetryServer.Stop(shutdownCtx); err != nil {
		logger.Error("telemetry server shutdown error", zap.Error(err))
	}
	if err := lock.Release(shutdownCtx); err != nil {
		logger.Error("lock release error", zap.Error(err))
	}
	bus.Stop()

	logger.Info("shutdown complete")
}

func ridPrefix(prefix string) string {
	return idgen.New(prefix)
}

const (
	throttlePollInterval    = time.Second
	throttleSustainedWindow = 5 * time.Second
)

// watchThrottle polls each rate limiter's queue depth into the
// throttle_queue_depth gauge and pauses new entries when a limiter has
// stayed saturated for longer than throttleSustainedWindow.
func watchThrottle(ctx context.Context, limiters []*ratelimit.Limiter, reg *metrics.Registry, orch *orchestrator.Orchestrator,
	emitRiskEvent func(ctx context.Context, e domain.RiskEvent), logger *zap.Logger) {
	ticker := time.NewTicker(throttlePollInterval)
	defer ticker.Stop()

	overflowing := make(map[ratelimit.Class]bool, len(limiters))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				reg.ThrottleQueueDepth.WithLabelValues(string(l.Class())).Set(float64(l.Depth()))
				if !l.SustainedOverflow(throttleSustainedWindow) {
					overflowing[l.Class()] = false
					continue
				}
				logger.Warn("rate limiter queue sustained overflow", zap.String("class", string(l.Class())))
				orch.Pause(ctx, "throttle_sustained_overflow:"+string(l.Class()))
				if !overflowing[l.Class()] && emitRiskEvent != nil {
					emitRiskEvent(ctx, domain.RiskEvent{
						Type:    domain.RiskThrottleSustained,
						Details: "rate limiter class " + string(l.Class()) + " sustained queue overflow",
					})
				}
				overflowing[l.Class()] = true
			}
		}
	}
}

// seedInstruments ensures the default watch-list instruments exist so
// the risk engine's freeze-qty/price-band gates have rows to read on a
// fresh store. A deployed system would load these from the broker's
// instrument master; absent that integration here, a conservative
// fixed watch-list is seeded instead.
func seedInstruments(ctx context.Context, st store.Store, logger *zap.Logger) {
	defaults := []domain.Instrument{
		{
			Symbol: "NIFTY", Token: "256265",
			TickSize: decimalMust("0.05"), LotSize: decimalMust("50"), FreezeQty: decimalMust("1800"),
			LowerBand: decimalMust("0"), UpperBand: decimalMust("100000"),
		},
		{
			Symbol: "BANKNIFTY", Token: "260105",
			TickSize: decimalMust("0.05"), LotSize: decimalMust("25"), FreezeQty: decimalMust("900"),
			LowerBand: decimalMust("0"), UpperBand: decimalMust("200000"),
		},
	}
	for _, in := range defaults {
		if err := st.UpsertInstrument(ctx, in); err != nil {
			logger.Error("seed instrument failed", zap.String("symbol", in.Symbol), zap.Error(err))
		}
	}
}

func instrumentTokens(ctx context.Context, st store.Store, logger *zap.Logger) []string {
	symbols := []string{"NIFTY", "BANKNIFTY"}
	tokens := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		in, found, err := st.GetInstrument(ctx, symbol)
		if err != nil || !found {
			logger.Warn("instrument not found for token lookup", zap.String("symbol", symbol))
			continue
		}
		tokens = append(tokens, in.Token)
	}
	return tokens
}

func decimalMust(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
