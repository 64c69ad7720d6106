// Package broker defines the abstract broker port: place/cancel/modify
// order, an order-event stream (or poll fallback), and a market-data
// stream, each with its own heartbeat. Concrete adapters (paper, live)
// implement Port; the rest of the system only depends on this
// interface.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
)

// ErrClass is the closed error-class taxonomy. Classification is a
// typed enum, not string matching, so retry/backoff logic never
// depends on message text.
type ErrClass int

const (
	ClassUnknown ErrClass = iota
	ClassTransient
	ClassAuth
	ClassValidation
	ClassBusiness
	ClassIntegrity
	ClassFatal
)

func (c ErrClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	case ClassBusiness:
		return "business"
	case ClassIntegrity:
		return "integrity"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps a broker error with its class so callers can
// branch with errors.As instead of parsing messages.
type ClassifiedError struct {
	Class ErrClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Class.String() + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given class.
func Classify(class ErrClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the ErrClass from err, defaulting to ClassUnknown.
func ClassOf(err error) ErrClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUnknown
}

// PlaceResult is returned by a successful PlaceOrder call.
type PlaceResult struct {
	BrokerID string
	AckTs    time.Time
}

// OrderEvent is a broker-reported order status transition.
type OrderEvent struct {
	ClientOrderID string
	Status        domain.OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Ts            time.Time
}

// Tick is a market-data update for one instrument token.
type Tick struct {
	Token string
	Last  decimal.Decimal
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Ts    time.Time
}

// Port is the broker abstraction every execution component depends on.
type Port interface {
	PlaceOrder(ctx context.Context, clientOrderID, symbol string, side domain.Side, qty decimal.Decimal, typ domain.OrderType, price decimal.Decimal) (PlaceResult, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	ModifyOrder(ctx context.Context, clientOrderID string, price, qty decimal.Decimal) error

	// OrderEvents returns a channel of order events. Implementations
	// that only support polling adapt their poll loop to feed the same
	// channel. The channel must keep delivering heartbeats even when
	// idle — callers use the last-received timestamp to drive the
	// order_stream_heartbeat_seconds gauge themselves.
	OrderEvents(ctx context.Context) (<-chan OrderEvent, error)

	// MarketDataStream subscribes to ticks for the given tokens.
	MarketDataStream(ctx context.Context, tokens []string) (<-chan Tick, error)

	// Quote returns a best-effort current bid/ask for spread-quality gating.
	Quote(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
}
