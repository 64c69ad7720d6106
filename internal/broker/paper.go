package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
)

// PaperBroker is an in-memory simulated broker: every order is
// acknowledged with a PLACED event immediately and reported FILLED at
// the requested price about 5ms later. cmd/trader wires it as the Port
// regardless of Config.Mode.
type PaperBroker struct {
	mu     sync.Mutex
	events chan OrderEvent
	ticks  chan Tick
	logger *zap.Logger
	quotes map[string][2]decimal.Decimal // symbol -> [bid, ask]
}

// NewPaperBroker constructs a paper broker with no quotes: Quote returns
// an error for a symbol until SetQuote has set its bid/ask.
func NewPaperBroker(logger *zap.Logger) *PaperBroker {
	return &PaperBroker{
		events: make(chan OrderEvent, 1024),
		ticks:  make(chan Tick, 1024),
		logger: logger.Named("paper_broker"),
		quotes: make(map[string][2]decimal.Decimal),
	}
}

// SetQuote updates the simulated bid/ask for a symbol.
func (p *PaperBroker) SetQuote(symbol string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = [2]decimal.Decimal{bid, ask}
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, clientOrderID, symbol string, side domain.Side, qty decimal.Decimal, typ domain.OrderType, price decimal.Decimal) (PlaceResult, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return PlaceResult{}, Classify(ClassValidation, fmt.Errorf("qty must be positive"))
	}
	brokerID := "PB-" + uuid.NewString()[:12]
	now := time.Now()

	p.emit(OrderEvent{ClientOrderID: clientOrderID, Status: domain.OrderStatusPlaced, Ts: now})
	go p.simulateFill(clientOrderID, qty, price, now)

	return PlaceResult{BrokerID: brokerID, AckTs: now}, nil
}

func (p *PaperBroker) simulateFill(clientOrderID string, qty, price decimal.Decimal, placedAt time.Time) {
	time.Sleep(5 * time.Millisecond)
	p.emit(OrderEvent{
		ClientOrderID: clientOrderID,
		Status:        domain.OrderStatusFilled,
		FilledQty:     qty,
		AvgPrice:      price,
		Ts:            placedAt.Add(5 * time.Millisecond),
	})
}

func (p *PaperBroker) emit(ev OrderEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("paper broker event channel full, dropping", zap.String("client_order_id", ev.ClientOrderID))
	}
}

func (p *PaperBroker) CancelOrder(ctx context.Context, clientOrderID string) error {
	p.emit(OrderEvent{ClientOrderID: clientOrderID, Status: domain.OrderStatusCanceled, Ts: time.Now()})
	return nil
}

func (p *PaperBroker) ModifyOrder(ctx context.Context, clientOrderID string, price, qty decimal.Decimal) error {
	return nil
}

func (p *PaperBroker) OrderEvents(ctx context.Context) (<-chan OrderEvent, error) {
	return p.events, nil
}

func (p *PaperBroker) MarketDataStream(ctx context.Context, tokens []string) (<-chan Tick, error) {
	return p.ticks, nil
}

// PushTick lets tests/synthetic feeders drive the market data stream.
func (p *PaperBroker) PushTick(t Tick) {
	select {
	case p.ticks <- t:
	default:
	}
}

func (p *PaperBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("no quote for %s", symbol)
	}
	return q[0], q[1], nil
}
