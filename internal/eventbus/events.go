package eventbus

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
)

// TickEvent carries a market-data update.
type TickEvent struct {
	Base
	Symbol string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

func NewTickEvent(symbol string, last, bid, ask decimal.Decimal) *TickEvent {
	return &TickEvent{Base: NewBase(TopicTick), Symbol: symbol, Last: last, Bid: bid, Ask: ask}
}

// SignalEvent mirrors a persisted Signal for telemetry consumers.
type SignalEvent struct {
	Base
	Signal domain.Signal
}

func NewSignalEvent(s domain.Signal) *SignalEvent {
	return &SignalEvent{Base: NewBase(TopicSignal), Signal: s}
}

// DecisionEvent mirrors a persisted Decision.
type DecisionEvent struct {
	Base
	Decision domain.Decision
}

func NewDecisionEvent(d domain.Decision) *DecisionEvent {
	return &DecisionEvent{Base: NewBase(TopicDecision), Decision: d}
}

// OrderEvent mirrors an Order status transition.
type OrderEvent struct {
	Base
	Order domain.Order
}

func NewOrderEvent(o domain.Order) *OrderEvent {
	return &OrderEvent{Base: NewBase(TopicOrder), Order: o}
}

// RiskEvent mirrors a persisted RiskEvent.
type RiskEvent struct {
	Base
	RiskEvent domain.RiskEvent
}

func NewRiskEvent(e domain.RiskEvent) *RiskEvent {
	return &RiskEvent{Base: NewBase(TopicRisk), RiskEvent: e}
}

// PositionEvent mirrors a Position transition.
type PositionEvent struct {
	Base
	Position domain.Position
}

func NewPositionEvent(p domain.Position) *PositionEvent {
	return &PositionEvent{Base: NewBase(TopicPosition), Position: p}
}
