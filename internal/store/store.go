// Package store is the durable persistence layer: instruments,
// signals, decisions, orders, positions, trades, risk events, and audit
// logs, plus the leader-lock table the leaderlock package compares
// against. Every state transition commits as a single transaction; the
// orders table enforces client_order_id uniqueness at the schema level
// as the last line of defense against duplicate placement.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
)

// Store is the full persistence contract the rest of the system is
// built against. SQLiteStore is the production implementation.
type Store interface {
	UpsertInstrument(ctx context.Context, in domain.Instrument) error
	GetInstrument(ctx context.Context, symbol string) (domain.Instrument, bool, error)

	InsertSignal(ctx context.Context, s domain.Signal) error

	InsertDecision(ctx context.Context, d domain.Decision) error
	DecisionByPlanID(ctx context.Context, clientPlanID string) (domain.Decision, bool, error)

	// OrderExists looks up an order by client_order_id, optionally
	// restricted to the given set of statuses (empty = any status).
	// ExecutionEngine and OCOManager use this for idempotent placement.
	OrderExists(ctx context.Context, clientOrderID string, statuses []domain.OrderStatus) (domain.Order, bool, error)
	InsertOrder(ctx context.Context, o domain.Order) error
	UpdateOrderStatus(ctx context.Context, clientOrderID string, status domain.OrderStatus, brokerID string, ts time.Time) error
	GetOrder(ctx context.Context, clientOrderID string) (domain.Order, bool, error)
	OrdersByGroup(ctx context.Context, parentGroup string) ([]domain.Order, error)
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)

	InsertPosition(ctx context.Context, p domain.Position) error
	UpdatePosition(ctx context.Context, p domain.Position) error
	GetPosition(ctx context.Context, id string) (domain.Position, bool, error)
	GetPositionBySymbol(ctx context.Context, symbol string) (domain.Position, bool, error)
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)

	InsertTrade(ctx context.Context, t domain.Trade) error

	UpsertOCOGroup(ctx context.Context, g domain.OCOGroup) error
	GetOCOGroup(ctx context.Context, groupID string) (domain.OCOGroup, bool, error)
	ListOpenOCOGroups(ctx context.Context) ([]domain.OCOGroup, error)

	InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error
	InsertAuditLog(ctx context.Context, a domain.AuditLog) error

	// DailyRealizedPnL sums Trade.NetPnL for trades closed since the
	// given instant, feeding the RiskEngine's daily-loss-stop gate.
	DailyRealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)

	// LockAcquire/LockRefresh/LockRelease back the leader lock. All
	// comparisons are done in SQL over TEXT columns so both sides of
	// every comparison are Go strings end to end, never a bytes/text
	// mismatch.
	LockAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	LockRefresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	LockRelease(ctx context.Context, key, holder string) error

	Close() error
}

// Lookups return (_, false, nil) on a missing row rather than a
// sentinel error.
