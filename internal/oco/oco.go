// Package oco arms stop/take-profit children on entry fill, cancels
// the sibling on a child fill, and recovers in-flight groups after a
// crash. Each group moves through a five-state machine guarded by a
// per-group mutex so entry-fill and child-fill events never race.
package oco

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/broker"
	"github.com/atlas-desktop/intraday-trader/internal/domain"
	"github.com/atlas-desktop/intraday-trader/internal/execution"
	"github.com/atlas-desktop/intraday-trader/internal/idgen"
	"github.com/atlas-desktop/intraday-trader/internal/metrics"
	"github.com/atlas-desktop/intraday-trader/internal/store"
)

const maxCancelRetries = 3

func oppositeSide(s domain.Side) domain.Side {
	if s == domain.SideLong {
		return domain.SideShort
	}
	return domain.SideLong
}

// FlattenFunc is invoked when sibling cancellation fails repeatedly; the
// orchestrator supplies its own Flatten(reason) here so OCOManager never
// needs a direct reference to the orchestrator, keeping the callback
// graph acyclic.
type FlattenFunc func(ctx context.Context, reason string)

// Manager owns OCOGroup state transitions.
type Manager struct {
	st      store.Store
	exec    *execution.Engine
	port    broker.Port
	metrics *metrics.Registry
	logger  *zap.Logger
	flatten FlattenFunc

	mu     sync.Mutex
	groups map[string]*sync.Mutex // groupID -> per-group mutex
}

// New constructs a Manager. port is used only for the sibling cancel
// call; all placement goes through exec so idempotency is preserved.
func New(st store.Store, exec *execution.Engine, port broker.Port, reg *metrics.Registry, logger *zap.Logger, flatten FlattenFunc) *Manager {
	return &Manager{
		st:      st,
		exec:    exec,
		port:    port,
		metrics: reg,
		logger:  logger.Named("oco"),
		flatten: flatten,
		groups:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) groupLock(groupID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.groups[groupID]
	if !ok {
		l = &sync.Mutex{}
		m.groups[groupID] = l
	}
	return l
}

// CreateGroup registers a new OCOGroup in AWAITING_ENTRY, ahead of the
// entry order being placed.
func (m *Manager) CreateGroup(ctx context.Context, groupID, entryOrderID string) error {
	return m.st.UpsertOCOGroup(ctx, domain.OCOGroup{
		GroupID:      groupID,
		EntryOrderID: entryOrderID,
		State:        domain.OCOAwaitingEntry,
	})
}

// OnEntryFilled arms the group: places STOP and TP children concurrently.
// The per-group mutex makes this safe against a replayed fill event from
// a reconnecting order stream.
func (m *Manager) OnEntryFilled(ctx context.Context, entry domain.Order, symbol string, stopPrice, tpPrice decimal.Decimal) error {
	lock := m.groupLock(entry.ParentGroup)
	lock.Lock()
	defer lock.Unlock()

	group, found, err := m.st.GetOCOGroup(ctx, entry.ParentGroup)
	if err != nil {
		return err
	}
	if !found || group.State != domain.OCOAwaitingEntry {
		return nil // already armed or closed; idempotent no-op
	}

	stopSide := oppositeSide(entry.Side)
	var wg sync.WaitGroup
	var stopOrder, tpOrder domain.Order
	var stopErr, tpErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		stopOrder, stopErr = m.exec.PlaceChild(ctx, entry.DecisionID, entry.ParentGroup, domain.TagStop,
			symbol, stopSide, entry.Qty, stopPrice, domain.OrderTypeSLM)
	}()
	go func() {
		defer wg.Done()
		tpOrder, tpErr = m.exec.PlaceChild(ctx, entry.DecisionID, entry.ParentGroup, domain.TagTP,
			symbol, stopSide, entry.Qty, tpPrice, domain.OrderTypeLimit)
	}()
	wg.Wait()

	if stopErr != nil {
		m.logger.Error("stop leg placement failed", zap.String("group", entry.ParentGroup), zap.Error(stopErr))
	}
	if tpErr != nil {
		m.logger.Error("tp leg placement failed", zap.String("group", entry.ParentGroup), zap.Error(tpErr))
	}

	group.State = domain.OCOArmed
	group.StopOrderID = stopOrder.ClientOrderID
	group.TPOrderID = tpOrder.ClientOrderID
	return m.st.UpsertOCOGroup(ctx, group)
}

// OnEntryTerminated closes a group whose entry was rejected or canceled
// before any fill.
func (m *Manager) OnEntryTerminated(ctx context.Context, groupID string) error {
	lock := m.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	group, found, err := m.st.GetOCOGroup(ctx, groupID)
	if err != nil || !found {
		return err
	}
	group.State = domain.OCOClosed
	return m.st.UpsertOCOGroup(ctx, group)
}

// OnChildFilled cancels the sibling leg and transitions the group,
// retrying the cancel up to maxCancelRetries before escalating to a
// flatten of the underlying position.
func (m *Manager) OnChildFilled(ctx context.Context, filled domain.Order) error {
	lock := m.groupLock(filled.ParentGroup)
	lock.Lock()
	defer lock.Unlock()

	group, found, err := m.st.GetOCOGroup(ctx, filled.ParentGroup)
	if err != nil || !found {
		return err
	}
	if group.State == domain.OCOClosed || group.State == domain.OCOCanceled {
		return nil
	}

	siblingID := group.TPOrderID
	if filled.Tag == domain.TagTP {
		siblingID = group.StopOrderID
	}
	group.State = domain.OCOChildFilled
	if err := m.st.UpsertOCOGroup(ctx, group); err != nil {
		return err
	}

	if siblingID == "" {
		return nil
	}

	var cancelErr error
	for attempt := 0; attempt < maxCancelRetries; attempt++ {
		if cancelErr = m.cancelLeg(ctx, siblingID); cancelErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	if cancelErr != nil {
		m.logger.Error("sibling cancellation failed after retries, escalating to flatten",
			zap.String("group", group.GroupID), zap.Error(cancelErr))
		if m.flatten != nil {
			m.flatten(ctx, "oco_cancel_fault:"+group.GroupID)
		}
		return cancelErr
	}

	group.State = domain.OCOClosed
	return m.st.UpsertOCOGroup(ctx, group)
}

func (m *Manager) cancelLeg(ctx context.Context, clientOrderID string) error {
	sib, found, err := m.st.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if !found || sib.Status.IsTerminal() {
		return nil
	}
	if err := m.port.CancelOrder(ctx, clientOrderID); err != nil {
		return err
	}
	return m.st.UpdateOrderStatus(ctx, clientOrderID, domain.OrderStatusCanceled, sib.BrokerID, time.Now())
}

// RecoverOpenGroups reconstructs every OCOGroup not yet CANCELED or
// CLOSED at startup: if a child leg is missing while the entry is FILLED, it is
// re-placed with its deterministic id; if a child is FILLED but the
// sibling is not CANCELED, the cancel is (re)issued. Safe to call with
// no open positions.
func (m *Manager) RecoverOpenGroups(ctx context.Context) error {
	groups, err := m.st.ListOpenOCOGroups(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := m.recoverGroup(ctx, g); err != nil {
			m.logger.Error("recovery failed for group", zap.String("group", g.GroupID), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) recoverGroup(ctx context.Context, g domain.OCOGroup) error {
	entry, found, err := m.st.GetOrder(ctx, g.EntryOrderID)
	if err != nil || !found {
		return err
	}
	if entry.Status != domain.OrderStatusFilled {
		return nil
	}

	var decision domain.Decision
	var decisionLoaded bool

	for _, tag := range []domain.OrderTag{domain.TagStop, domain.TagTP} {
		childID := idgen.OrderClientID(entry.ParentGroup, string(tag))
		child, found, err := m.st.GetOrder(ctx, childID)
		if err != nil {
			return err
		}
		if !found {
			if !decisionLoaded {
				d, dfound, derr := m.st.DecisionByPlanID(ctx, g.GroupID)
				if derr != nil {
					return derr
				}
				if !dfound {
					m.logger.Error("cannot recover missing child leg: originating decision not found",
						zap.String("group", g.GroupID), zap.String("tag", string(tag)))
					continue
				}
				decision = d
				decisionLoaded = true
			}

			stopSide := oppositeSide(entry.Side)
			price := decision.Stop
			orderType := domain.OrderTypeSLM
			if tag == domain.TagTP {
				price = decision.TP
				orderType = domain.OrderTypeLimit
			}

			m.logger.Warn("recovering missing child leg", zap.String("group", g.GroupID), zap.String("tag", string(tag)))
			replaced, err := m.exec.PlaceChild(ctx, entry.DecisionID, entry.ParentGroup, tag,
				decision.Symbol, stopSide, entry.Qty, price, orderType)
			if err != nil {
				return fmt.Errorf("recover child leg %s: %w", tag, err)
			}
			child = replaced
		}
		if child.Status == domain.OrderStatusFilled {
			return m.OnChildFilled(ctx, child)
		}
	}
	return nil
}
