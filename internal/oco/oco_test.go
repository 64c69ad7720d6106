package oco_test

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
	"github.com/atlas-desktop/intraday-trader/internal/execution"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/oco"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

// memStore is a minimal in-memory store.Store covering the paths
// OCOManager and ExecutionEngine exercise.
type memStore struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	groups    map[string]domain.OCOGroup
	decisions map[string]domain.Decision // keyed by ClientPlanID
}

func newMemStore() *memStore {
	return &memStore{
		orders:    map[string]domain.Order{},
		groups:    map[string]domain.OCOGroup{},
		decisions: map[string]domain.Decision{},
	}
}

func (m *memStore) UpsertInstrument(context.Context, domain.Instrument) error { return nil }
func (m *memStore) GetInstrument(context.Context, string) (domain.Instrument, bool, error) {
	return domain.Instrument{}, false, nil
}
func (m *memStore) InsertSignal(context.Context, domain.Signal) error { return nil }
func (m *memStore) InsertDecision(_ context.Context, d domain.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ClientPlanID] = d
	return nil
}
func (m *memStore) DecisionByPlanID(_ context.Context, clientPlanID string) (domain.Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[clientPlanID]
	return d, ok, nil
}

func (m *memStore) OrderExists(_ context.Context, clientOrderID string, statuses []domain.OrderStatus) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return domain.Order{}, false, nil
	}
	if len(statuses) == 0 {
		return o, true, nil
	}
	for _, s := range statuses {
		if o.Status == s {
			return o, true, nil
		}
	}
	return domain.Order{}, false, nil
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

func (m *memStore) UpsertOCOGroup(_ context.Context, g domain.OCOGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.GroupID] = g
	return nil
}

func (m *memStore) GetOCOGroup(_ context.Context, groupID string) (domain.OCOGroup, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	return g, ok, nil
}

func (m *memStore) ListOpenOCOGroups(context.Context) ([]domain.OCOGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OCOGroup
	for _, g := range m.groups {
		if g.State != domain.OCOCanceled && g.State != domain.OCOClosed {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memStore) InsertRiskEvent(context.Context, domain.RiskEvent) error { return nil }
func (m *memStore) InsertAuditLog(context.Context, domain.AuditLog) error   { return nil }

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

// fakePort is a broker.Port that always succeeds placing/canceling.
type fakePort struct {
	mu       sync.Mutex
	canceled map[string]bool
}

func newFakePort() *fakePort { return &fakePort{canceled: map[string]bool{}} }

func (p *fakePort) PlaceOrder(context.Context, string, string, domain.Side, decimal.Decimal, domain.OrderType, decimal.Decimal) (broker.PlaceResult, error) {
	return broker.PlaceResult{BrokerID: "bkr-1", AckTs: time.Now()}, nil
}

func (p *fakePort) CancelOrder(_ context.Context, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled[clientOrderID] = true
	return nil
}

func (p *fakePort) ModifyOrder(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return nil
}

func (p *fakePort) OrderEvents(context.Context) (<-chan broker.OrderEvent, error) { return nil, nil }
func (p *fakePort) MarketDataStream(context.Context, []string) (<-chan broker.Tick, error) {
	return nil, nil
}
func (p *fakePort) Quote(context.Context, string) (decimal.Decimal, decimal.Decimal, error) {
	return decimal.Zero, decimal.Zero, nil
}

func newManager(t *testing.T, st *memStore, port *fakePort, flatten oco.FlattenFunc) *oco.Manager {
	t.Helper()
	exec := execution.New(port, st, nil, metrics.New(), zap.NewNop())
	return oco.New(st, exec, port, metrics.New(), zap.NewNop(), flatten)
}

func TestOnEntryFilledArmsBothLegs(t *testing.T) {
	st := newMemStore()
	port := newFakePort()
	mgr := newManager(t, st, port, nil)

	ctx := context.Background()
	require.NoError(t, mgr.CreateGroup(ctx, "plan1", "plan1:ENTRY"))

	entry := domain.Order{
		DecisionID: "dec1", ClientOrderID: "plan1:ENTRY", ParentGroup: "plan1",
		Tag: domain.TagEntry, Side: domain.SideLong, Qty: decimal.NewFromInt(100),
	}
	require.NoError(t, mgr.OnEntryFilled(ctx, entry, "NIFTY", decimal.NewFromInt(19900), decimal.NewFromInt(20200)))

	group, found, err := st.GetOCOGroup(ctx, "plan1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.OCOArmed, group.State)
	assert.Equal(t, "plan1:STOP", group.StopOrderID)
	assert.Equal(t, "plan1:TP", group.TPOrderID)
}

func TestOnEntryFilledIsIdempotent(t *testing.T) {
	st := newMemStore()
	port := newFakePort()
	mgr := newManager(t, st, port, nil)

	ctx := context.Background()
	require.NoError(t, mgr.CreateGroup(ctx, "plan1", "plan1:ENTRY"))

	entry := domain.Order{
		DecisionID: "dec1", ClientOrderID: "plan1:ENTRY", ParentGroup: "plan1",
		Tag: domain.TagEntry, Side: domain.SideLong, Qty: decimal.NewFromInt(100),
	}
	require.NoError(t, mgr.OnEntryFilled(ctx, entry, "NIFTY", decimal.NewFromInt(19900), decimal.NewFromInt(20200)))
	require.NoError(t, mgr.OnEntryFilled(ctx, entry, "NIFTY", decimal.NewFromInt(19900), decimal.NewFromInt(20200)))

	group, _, err := st.GetOCOGroup(ctx, "plan1")
	require.NoError(t, err)
	assert.Equal(t, domain.OCOArmed, group.State)
}

func TestOnChildFilledCancelsSiblingAndCloses(t *testing.T) {
	st := newMemStore()
	port := newFakePort()
	mgr := newManager(t, st, port, nil)

	ctx := context.Background()
	require.NoError(t, mgr.CreateGroup(ctx, "plan1", "plan1:ENTRY"))
	entry := domain.Order{
		DecisionID: "dec1", ClientOrderID: "plan1:ENTRY", ParentGroup: "plan1",
		Tag: domain.TagEntry, Side: domain.SideLong, Qty: decimal.NewFromInt(100),
	}
	require.NoError(t, mgr.OnEntryFilled(ctx, entry, "NIFTY", decimal.NewFromInt(19900), decimal.NewFromInt(20200)))

	stopOrder, found, err := st.GetOrder(ctx, "plan1:STOP")
	require.NoError(t, err)
	require.True(t, found)
	stopOrder.Status = domain.OrderStatusFilled
	require.NoError(t, st.UpdateOrderStatus(ctx, stopOrder.ClientOrderID, domain.OrderStatusFilled, "bkr-1", time.Now()))
	stopOrder, _, _ = st.GetOrder(ctx, "plan1:STOP")

	require.NoError(t, mgr.OnChildFilled(ctx, stopOrder))

	group, _, err := st.GetOCOGroup(ctx, "plan1")
	require.NoError(t, err)
	assert.Equal(t, domain.OCOClosed, group.State)

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.True(t, port.canceled["plan1:TP"])
}

func TestOnChildFilledIsNoOpOnceClosed(t *testing.T) {
	st := newMemStore()
	port := newFakePort()
	mgr := newManager(t, st, port, nil)

	ctx := context.Background()
	require.NoError(t, st.UpsertOCOGroup(ctx, domain.OCOGroup{GroupID: "plan1", State: domain.OCOClosed}))

	err := mgr.OnChildFilled(ctx, domain.Order{ParentGroup: "plan1", Tag: domain.TagStop})
	require.NoError(t, err)
}

func TestOnEntryTerminatedClosesGroup(t *testing.T) {
	st := newMemStore()
	mgr := newManager(t, st, newFakePort(), nil)
	ctx := context.Background()

	require.NoError(t, mgr.CreateGroup(ctx, "plan1", "plan1:ENTRY"))
	require.NoError(t, mgr.OnEntryTerminated(ctx, "plan1"))

	group, _, err := st.GetOCOGroup(ctx, "plan1")
	require.NoError(t, err)
	assert.Equal(t, domain.OCOClosed, group.State)
}

func TestRecoverOpenGroupsReplacesMissingChildLeg(t *testing.T) {
	st := newMemStore()
	port := newFakePort()
	mgr := newManager(t, st, port, nil)
	ctx := context.Background()

	require.NoError(t, st.InsertDecision(ctx, domain.Decision{
		ID: "dec1", ClientPlanID: "plan1", Symbol: "NIFTY", Side: domain.SideLong,
		Stop: decimal.NewFromInt(19900), TP: decimal.NewFromInt(20200),
	}))
	require.NoError(t, st.InsertOrder(ctx, domain.Order{
		DecisionID: "dec1", ClientOrderID: "plan1:ENTRY", ParentGroup: "plan1",
		Tag: domain.TagEntry, Side: domain.SideLong, Qty: decimal.NewFromInt(100),
		Status: domain.OrderStatusFilled,
	}))
	require.NoError(t, st.UpsertOCOGroup(ctx, domain.OCOGroup{
		GroupID: "plan1", EntryOrderID: "plan1:ENTRY", State: domain.OCOAwaitingEntry,
	}))

	require.NoError(t, mgr.RecoverOpenGroups(ctx))

	stopOrder, found, err := st.GetOrder(ctx, "plan1:STOP")
	require.NoError(t, err)
	require.True(t, found, "missing STOP leg must be re-placed on recovery")
	assert.Equal(t, domain.OrderStatusPlaced, stopOrder.Status)

	tpOrder, found, err := st.GetOrder(ctx, "plan1:TP")
	require.NoError(t, err)
	require.True(t, found, "missing TP leg must be re-placed on recovery")
	assert.Equal(t, domain.OrderStatusPlaced, tpOrder.Status)
}
