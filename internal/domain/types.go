// Package domain holds the core entities of the trading control plane:
// instruments, signals, decisions, orders, positions, trades, OCO groups,
// risk events, and audit log rows. Nothing in this package performs I/O.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal, decision, or order.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Mode is the orchestrator's trading mode.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

// OrderTag distinguishes the three legs of an OCO group.
type OrderTag string

const (
	TagEntry OrderTag = "ENTRY"
	TagStop  OrderTag = "STOP"
	TagTP    OrderTag = "TP"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"
	OrderTypeSLM    OrderType = "SL-M"
)

// OrderStatus is the lifecycle status of an Order row.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusPlaced   OrderStatus = "PLACED"
	OrderStatusPartial  OrderStatus = "PARTIAL"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status will never change again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// DecisionStatus is the outcome of a risk-gated trading decision.
type DecisionStatus string

const (
	DecisionPlanned  DecisionStatus = "PLANNED"
	DecisionSkipped  DecisionStatus = "SKIPPED"
	DecisionExecuted DecisionStatus = "EXECUTED"
	DecisionRejected DecisionStatus = "REJECTED"
)

// PositionStatus is the lifecycle status of a Position row.
type PositionStatus string

const (
	PositionOpening PositionStatus = "OPENING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// OCOState is the lifecycle state of an OCOGroup.
type OCOState string

const (
	OCOAwaitingEntry OCOState = "AWAITING_ENTRY"
	OCOArmed         OCOState = "ARMED"
	OCOChildFilled   OCOState = "CHILD_FILLED"
	OCOCanceled      OCOState = "CANCELED"
	OCOClosed        OCOState = "CLOSED"
)

// RiskEventType enumerates the machine-readable reasons a gate rejects
// a decision, or that the kill switch fires.
type RiskEventType string

const (
	RiskFreezeBand        RiskEventType = "FREEZE_BAND"
	RiskSpreadBlowout     RiskEventType = "SPREAD_BLOWOUT"
	RiskHeatCap           RiskEventType = "HEAT_CAP"
	RiskDailyLossStop     RiskEventType = "DAILY_LOSS_STOP"
	RiskFreezeQty         RiskEventType = "FREEZE_QTY"
	RiskPriceBand         RiskEventType = "PRICE_BAND"
	RiskMarketClosed      RiskEventType = "MARKET_CLOSED"
	RiskPaused            RiskEventType = "PAUSED"
	RiskPerTradeCap       RiskEventType = "PER_TRADE_CAP"
	RiskQtyZero           RiskEventType = "QTY_ZERO"
	RiskOCOCancelFault    RiskEventType = "OCO_CANCEL_FAULT"
	RiskBrokerReject      RiskEventType = "BROKER_REJECT"
	RiskThrottleSustained RiskEventType = "THROTTLE_SUSTAINED"
)

// AuditAction is the closed enum of actions recorded in the audit log.
type AuditAction string

const (
	AuditModeChange      AuditAction = "MODE_CHANGE"
	AuditKillSwitch      AuditAction = "KILL_SWITCH"
	AuditDecisionReject  AuditAction = "DECISION_REJECT"
	AuditPause           AuditAction = "PAUSE"
	AuditResume          AuditAction = "RESUME"
	AuditLeaderAcquired  AuditAction = "LEADER_ACQUIRED"
	AuditLeaderLost      AuditAction = "LEADER_LOST"
	AuditRecoveryApplied AuditAction = "RECOVERY_APPLIED"
)

// Instrument describes a tradeable symbol and its exchange-imposed limits.
// Immutable for the duration of a session; refreshed pre-open.
type Instrument struct {
	Symbol    string
	Token     string
	TickSize  decimal.Decimal
	LotSize   decimal.Decimal
	FreezeQty decimal.Decimal
	LowerBand decimal.Decimal
	UpperBand decimal.Decimal
}

// Signal is a candidate trade idea produced by a strategy module. Never
// mutated after creation.
type Signal struct {
	ID         string
	Ts         time.Time
	Symbol     string
	Side       Side
	Strategy   string
	Score      float64
	Features   map[string]float64
	ConfigSha  string
	Rationale  string
}

// Decision records the risk-gated outcome of evaluating a Signal.
type Decision struct {
	ID                 string
	SignalID           string
	ClientPlanID       string
	Mode               Mode
	Approved           bool
	Symbol             string
	Side               Side
	Entry              decimal.Decimal
	Stop               decimal.Decimal
	TP                 decimal.Decimal
	RiskPct            decimal.Decimal
	RiskAmount         decimal.Decimal
	Qty                decimal.Decimal
	PortfolioHeatBefore decimal.Decimal
	PortfolioHeatAfter  decimal.Decimal
	Status             DecisionStatus
	ConfigSha          string
	RejectReason       string
	CreatedAt          time.Time
}

// Order is a single broker-bound order row, keyed for idempotency by
// ClientOrderID, which must be globally unique in the Store.
type Order struct {
	ID            string
	DecisionID    string
	ClientOrderID string
	Tag           OrderTag
	ParentGroup   string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Type          OrderType
	Status        OrderStatus
	BrokerID      string
	TsCreated     time.Time
	TsAcked       time.Time
	TsFilled      time.Time
}

// Position is an open or closed net position in a symbol, linked to its
// OCO group and child orders.
type Position struct {
	ID           string
	Symbol       string
	Side         Side
	Qty          decimal.Decimal
	AvgEntry     decimal.Decimal
	OCOGroup     string
	StopOrderID  string
	TPOrderID    string
	Status       PositionStatus
	RealizedPnL  decimal.Decimal
	TsOpened     time.Time
	TsClosed     time.Time
}

// Trade is an immutable record of a completed round trip.
type Trade struct {
	ID              string
	PositionID      string
	Qty             decimal.Decimal
	EntryPrice      decimal.Decimal
	ExitPrice       decimal.Decimal
	ExitReason      string
	GrossPnL        decimal.Decimal
	NetPnL          decimal.Decimal
	CommissionPaid  decimal.Decimal
	SlippageBps     decimal.Decimal
	LatencyMs       int64
	ClosedAt        time.Time
}

// OCOGroup tracks the one-cancels-other relationship between an entry
// order and its stop/take-profit children.
type OCOGroup struct {
	GroupID      string
	EntryOrderID string
	StopOrderID  string
	TPOrderID    string
	State        OCOState
}

// RiskEvent is an append-only audit row for every gate rejection or
// kill-switch trigger.
type RiskEvent struct {
	ID         string
	Ts         time.Time
	Type       RiskEventType
	DecisionID string
	Details    string
	ConfigSha  string
}

// AuditLog is an append-only record of a control-plane action.
type AuditLog struct {
	ID        string
	Ts        time.Time
	Action    AuditAction
	SessionID string
	Actor     string
	Details   map[string]string
	ConfigSha string
	GitHead   string
}

// PortfolioState is the snapshot RiskEngine gates are evaluated against.
// Built by the orchestrator from Store + in-memory counters; RiskEngine
// never queries Store directly so that gate evaluation stays CPU-only.
type PortfolioState struct {
	Capital          decimal.Decimal
	CurrentHeat      decimal.Decimal
	DailyRealizedPnL decimal.Decimal
	Paused           bool
	Bid              decimal.Decimal
	Ask              decimal.Decimal
}
