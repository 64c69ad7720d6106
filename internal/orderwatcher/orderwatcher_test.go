package orderwatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/eventbus"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

// memStore is a minimal in-memory store.Store covering the lookup/update
// paths Watcher.reconcile exercises.
type memStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	events []domain.RiskEvent
}

func newMemStore() *memStore {
	return &memStore{orders: map[string]domain.Order{}}
}

func (m *memStore) UpsertInstrument(context.Context, domain.Instrument) error { return nil }
func (m *memStore) GetInstrument(context.Context, string) (domain.Instrument, bool, error) {
	return domain.Instrument{}, false, nil
}
func (m *memStore) InsertSignal(context.Context, domain.Signal) error   { return nil }
func (m *memStore) InsertDecision(context.Context, domain.Decision) error { return nil }
func (m *memStore) DecisionByPlanID(context.Context, string) (domain.Decision, bool, error) {
	return domain.Decision{}, false, nil
}

func (m *memStore) OrderExists(_ context.Context, clientOrderID string, _ []domain.OrderStatus) (domain.Order, bool, error) {
	o, ok := m.orders[clientOrderID]
	return o, ok, nil
}
func (m *memStore) InsertOrder(_ context.Context, o domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ClientOrderID]; exists {
		return store.ErrIntegrityDuplicate
	}
	m.orders[o.ClientOrderID] = o
	return nil
}
func (m *memStore) UpdateOrderStatus(_ context.Context, clientOrderID string, status domain.OrderStatus, brokerID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[clientOrderID]
	o.Status = status
	o.BrokerID = brokerID
	o.TsAcked = ts
	m.orders[clientOrderID] = o
	return nil
}
func (m *memStore) GetOrder(_ context.Context, clientOrderID string) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	return o, ok, nil
}
func (m *memStore) OrdersByGroup(context.Context, string) ([]domain.Order, error) { return nil, nil }
func (m *memStore) ListOpenOrders(context.Context) ([]domain.Order, error)        { return nil, nil }

func (m *memStore) InsertPosition(context.Context, domain.Position) error { return nil }
func (m *memStore) UpdatePosition(context.Context, domain.Position) error { return nil }
func (m *memStore) GetPosition(context.Context, string) (domain.Position, bool, error) {
	return domain.Position{}, false, nil
}
func (m *memStore) GetPositionBySymbol(context.Context, string) (domain.Position, bool, error) {
	return domain.Position{}, false, nil
}
func (m *memStore) ListOpenPositions(context.Context) ([]domain.Position, error) { return nil, nil }

func (m *memStore) InsertTrade(context.Context, domain.Trade) error { return nil }

func (m *memStore) UpsertOCOGroup(context.Context, domain.OCOGroup) error { return nil }
func (m *memStore) GetOCOGroup(context.Context, string) (domain.OCOGroup, bool, error) {
	return domain.OCOGroup{}, false, nil
}
func (m *memStore) ListOpenOCOGroups(context.Context) ([]domain.OCOGroup, error) { return nil, nil }

func (m *memStore) InsertRiskEvent(_ context.Context, e domain.RiskEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}
func (m *memStore) InsertAuditLog(context.Context, domain.AuditLog) error { return nil }

func (m *memStore) DailyRealizedPnL(context.Context, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *memStore) LockAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (m *memStore) LockRefresh(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (m *memStore) LockRelease(context.Context, string, string) error { return nil }

func (m *memStore) Close() error { return nil }

// stubPort is a broker.Port whose OrderEvents channel is never read from
// in these tests; Watcher.reconcile is exercised directly.
type stubPort struct{}

func (stubPort) PlaceOrder(context.Context, string, string, domain.Side, decimal.Decimal, domain.OrderType, decimal.Decimal) (broker.PlaceResult, error) {
	return broker.PlaceResult{}, nil
}
func (stubPort) CancelOrder(context.Context, string) error { return nil }
func (stubPort) ModifyOrder(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return nil
}
func (stubPort) OrderEvents(context.Context) (<-chan broker.OrderEvent, error) { return nil, nil }
func (stubPort) MarketDataStream(context.Context, []string) (<-chan broker.Tick, error) {
	return nil, nil
}
func (stubPort) Quote(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}

func TestReconcileRejectedEntryEmitsRiskEventAndTerminatesGroup(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.InsertOrder(context.Background(), domain.Order{
		ClientOrderID: "plan1:ENTRY", ParentGroup: "plan1", Tag: domain.TagEntry,
		Status: domain.OrderStatusPlaced,
	}))

	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()

	var terminatedGroup string
	w := New(stubPort{}, st, bus, metrics.New(), zap.NewNop(), nil,
		func(_ context.Context, groupID string) error {
			terminatedGroup = groupID
			return nil
		})

	var captured domain.RiskEvent
	w.EmitRiskEvent = func(_ context.Context, e domain.RiskEvent) { captured = e }

	w.reconcile(context.Background(), broker.OrderEvent{
		ClientOrderID: "plan1:ENTRY", Status: domain.OrderStatusRejected, Ts: time.Now(),
	})

	assert.Equal(t, "plan1", terminatedGroup)
	assert.Equal(t, domain.RiskBrokerReject, captured.Type)

	order, found, err := st.GetOrder(context.Background(), "plan1:ENTRY")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
}

func TestReconcileRejectedChildDoesNotTerminateGroup(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.InsertOrder(context.Background(), domain.Order{
		ClientOrderID: "plan1:STOP", ParentGroup: "plan1", Tag: domain.TagStop,
		Status: domain.OrderStatusPlaced,
	}))

	bus := eventbus.New(zap.NewNop(), eventbus.DefaultConfig())
	defer bus.Stop()

	var terminateCalled bool
	w := New(stubPort{}, st, bus, metrics.New(), zap.NewNop(), nil,
		func(context.Context, string) error {
			terminateCalled = true
			return nil
		})

	var riskEventCount int
	w.EmitRiskEvent = func(context.Context, domain.RiskEvent) { riskEventCount++ }

	w.reconcile(context.Background(), broker.OrderEvent{
		ClientOrderID: "plan1:STOP", Status: domain.OrderStatusRejected, Ts: time.Now(),
	})

	assert.False(t, terminateCalled)
	assert.Equal(t, 1, riskEventCount)
}
