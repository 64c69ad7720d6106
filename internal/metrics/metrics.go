// Package metrics holds every counter, gauge, and histogram in the
// trader_* namespace, registered on a fresh prometheus.Registry built by
// each New call rather than the global default, so tests can construct
// independent instances without collisions.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "trader"

// Heartbeat wraps a write-only prometheus.Gauge with a readable
// last-touch timestamp, since the readiness probe needs to compare staleness
// against a threshold and prometheus gauges cannot be read back.
type Heartbeat struct {
	gauge prometheus.Gauge
	mu    sync.Mutex
	last  time.Time
}

// Touch records activity now and zeroes the scraped gauge value.
func (h *Heartbeat) Touch() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
	h.gauge.Set(0)
}

// Refresh re-publishes the current age to the scraped gauge without
// registering new activity; call periodically so the metric ages even
// when idle.
func (h *Heartbeat) Refresh() {
	h.gauge.Set(h.Age().Seconds())
}

// Age returns how long since the last Touch. A never-touched heartbeat
// reports an effectively infinite age so /ready treats it as stale.
func (h *Heartbeat) Age() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(h.last)
}

func newHeartbeat(g prometheus.Gauge) *Heartbeat { return &Heartbeat{gauge: g} }

// Registry bundles every metric the control plane emits.
type Registry struct {
	Registry *prometheus.Registry

	IsLeader                 *prometheus.GaugeVec
	LeaderChangesTotal       prometheus.Counter
	MarketDataHeartbeat      *Heartbeat
	OrderStreamHeartbeat     *Heartbeat
	ScanHeartbeat            *Heartbeat
	ScanTicksTotal           prometheus.Counter
	ScanSupervisorState      prometheus.Gauge
	ScanErrorsTotal          prometheus.Counter
	SignalsTotal             prometheus.Counter
	DecisionsTotal           *prometheus.CounterVec
	RiskBlocksTotal          *prometheus.CounterVec
	OrdersPlacedTotal        prometheus.Counter
	OrdersFilledTotal        prometheus.Counter
	OCOChildrenCreatedTotal  prometheus.Counter
	OrderLatencyMs           prometheus.Histogram
	TickToDecisionMs         prometheus.Histogram
	ThrottleQueueDepth       *prometheus.GaugeVec
	RetriesTotal             *prometheus.CounterVec
	PositionsOpen            prometheus.Gauge
	PortfolioHeatRupees      prometheus.Gauge
	DailyPnLRupees           prometheus.Gauge
	KillSwitchTotal          *prometheus.CounterVec
	FlattenDurationMs        prometheus.Histogram
}

// New constructs and registers every metric on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	marketDataGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "marketdata_heartbeat_seconds", Help: "Age of the last market data tick",
	})
	orderStreamGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "order_stream_heartbeat_seconds", Help: "Age of the last order stream event",
	})
	scanGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "scan_heartbeat_seconds", Help: "Age of the last successful scan tick",
	})

	r := &Registry{
		Registry: reg,
		IsLeader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "is_leader", Help: "1 if this instance holds the leader lock",
		}, []string{"instance_id"}),
		LeaderChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "leader_changes_total", Help: "Leader lock losses (leader to non-leader transitions)",
		}),
		MarketDataHeartbeat:  newHeartbeat(marketDataGauge),
		OrderStreamHeartbeat: newHeartbeat(orderStreamGauge),
		ScanHeartbeat:        newHeartbeat(scanGauge),
		ScanTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scan_ticks_total", Help: "Successful scan ticks",
		}),
		ScanSupervisorState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scan_supervisor_state", Help: "0=STOPPED 1=RUNNING 2=DONE 3=EXCEPTION 4=STOPPING",
		}),
		ScanErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scan_errors_total", Help: "Scan tick exceptions",
		}),
		SignalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_total", Help: "Signals generated",
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total", Help: "Decisions by outcome",
		}, []string{"outcome"}),
		RiskBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_blocks_total", Help: "Risk gate rejections by type",
		}, []string{"type"}),
		OrdersPlacedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_placed_total", Help: "Orders placed",
		}),
		OrdersFilledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_filled_total", Help: "Orders filled",
		}),
		OCOChildrenCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "oco_children_created_total", Help: "STOP/TP children created",
		}),
		OrderLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_latency_ms", Help: "Broker order placement latency",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		TickToDecisionMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_to_decision_ms", Help: "Latency from tick ingest to decision persisted",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		ThrottleQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "throttle_queue_depth", Help: "Rate limiter queue depth by endpoint class",
		}, []string{"class"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total", Help: "Retry attempts by error class",
		}, []string{"type"}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "positions_open", Help: "Currently open positions",
		}),
		PortfolioHeatRupees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "portfolio_heat_rupees", Help: "Aggregate open risk",
		}),
		DailyPnLRupees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_pnl_rupees", Help: "Realized PnL for the current session",
		}),
		KillSwitchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "kill_switch_total", Help: "Kill switch triggers by reason",
		}, []string{"reason"}),
		FlattenDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flatten_duration_ms", Help: "Wall time of each Flatten() call",
			Buckets: []float64{50, 100, 250, 500, 1000, 1500, 2000, 3000},
		}),
	}

	reg.MustRegister(
		r.IsLeader, r.LeaderChangesTotal, marketDataGauge, orderStreamGauge,
		scanGauge, r.ScanTicksTotal, r.ScanSupervisorState, r.ScanErrorsTotal,
		r.SignalsTotal, r.DecisionsTotal, r.RiskBlocksTotal, r.OrdersPlacedTotal,
		r.OrdersFilledTotal, r.OCOChildrenCreatedTotal, r.OrderLatencyMs, r.TickToDecisionMs,
		r.ThrottleQueueDepth, r.RetriesTotal, r.PositionsOpen, r.PortfolioHeatRupees,
		r.DailyPnLRupees, r.KillSwitchTotal, r.FlattenDurationMs,
	)
	return r
}
