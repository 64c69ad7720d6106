package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/intraday-trader/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
    symbol     TEXT PRIMARY KEY,
    token      TEXT NOT NULL,
    tick_size  TEXT NOT NULL,
    lot_size   TEXT NOT NULL,
    freeze_qty TEXT NOT NULL,
    lower_band TEXT NOT NULL,
    upper_band TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS signals (
    id         TEXT PRIMARY KEY,
    ts         DATETIME NOT NULL,
    symbol     TEXT NOT NULL,
    side       TEXT NOT NULL,
    strategy   TEXT NOT NULL,
    score      REAL NOT NULL,
    config_sha TEXT NOT NULL,
    rationale  TEXT
);

CREATE TABLE IF NOT EXISTS decisions (
    id                     TEXT PRIMARY KEY,
    signal_id              TEXT NOT NULL,
    client_plan_id         TEXT NOT NULL,
    mode                   TEXT NOT NULL,
    approved               INTEGER NOT NULL,
    symbol                 TEXT NOT NULL,
    side                   TEXT NOT NULL,
    entry                  TEXT NOT NULL,
    stop                   TEXT NOT NULL,
    tp                     TEXT NOT NULL,
    risk_pct               TEXT NOT NULL,
    risk_amount            TEXT NOT NULL,
    qty                    TEXT NOT NULL,
    portfolio_heat_before  TEXT NOT NULL,
    portfolio_heat_after   TEXT NOT NULL,
    status                 TEXT NOT NULL,
    config_sha             TEXT NOT NULL,
    reject_reason          TEXT,
    created_at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_plan ON decisions(client_plan_id);

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT PRIMARY KEY,
    decision_id     TEXT NOT NULL,
    client_order_id TEXT NOT NULL UNIQUE,
    tag             TEXT NOT NULL,
    parent_group    TEXT NOT NULL,
    side            TEXT NOT NULL,
    qty             TEXT NOT NULL,
    price           TEXT NOT NULL,
    type            TEXT NOT NULL,
    status          TEXT NOT NULL,
    broker_id       TEXT,
    ts_created      DATETIME NOT NULL,
    ts_acked        DATETIME,
    ts_filled       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_orders_group  ON orders(parent_group);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
    id            TEXT PRIMARY KEY,
    symbol        TEXT NOT NULL,
    side          TEXT NOT NULL,
    qty           TEXT NOT NULL,
    avg_entry     TEXT NOT NULL,
    oco_group     TEXT NOT NULL,
    stop_order_id TEXT,
    tp_order_id   TEXT,
    status        TEXT NOT NULL,
    realized_pnl  TEXT NOT NULL,
    ts_opened     DATETIME NOT NULL,
    ts_closed     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS trades (
    id               TEXT PRIMARY KEY,
    position_id      TEXT NOT NULL,
    qty              TEXT NOT NULL,
    entry_price      TEXT NOT NULL,
    exit_price       TEXT NOT NULL,
    exit_reason      TEXT NOT NULL,
    gross_pnl        TEXT NOT NULL,
    net_pnl          TEXT NOT NULL,
    commission_paid  TEXT NOT NULL,
    slippage_bps     TEXT NOT NULL,
    latency_ms       INTEGER NOT NULL,
    closed_at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at);

CREATE TABLE IF NOT EXISTS oco_groups (
    group_id       TEXT PRIMARY KEY,
    entry_order_id TEXT NOT NULL,
    stop_order_id  TEXT,
    tp_order_id    TEXT,
    state          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS risk_events (
    id          TEXT PRIMARY KEY,
    ts          DATETIME NOT NULL,
    type        TEXT NOT NULL,
    decision_id TEXT,
    details     TEXT,
    config_sha  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id         TEXT PRIMARY KEY,
    ts         DATETIME NOT NULL,
    action     TEXT NOT NULL,
    session_id TEXT NOT NULL,
    actor      TEXT NOT NULL,
    details    TEXT,
    config_sha TEXT NOT NULL,
    git_head   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS leader_lock (
    key        TEXT PRIMARY KEY,
    holder     TEXT NOT NULL,
    expires_at DATETIME NOT NULL
);
`

// SQLiteStore implements Store over a pure-Go (no cgo) SQLite database.
// SQLite is single-writer, so the pool is capped at one open connection.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the SQLite database at dsn and applies the
// schema idempotently.
func Open(logger *zap.Logger, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) UpsertInstrument(ctx context.Context, in domain.Instrument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (symbol, token, tick_size, lot_size, freeze_qty, lower_band, upper_band)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			token = excluded.token, tick_size = excluded.tick_size, lot_size = excluded.lot_size,
			freeze_qty = excluded.freeze_qty, lower_band = excluded.lower_band, upper_band = excluded.upper_band
	`, in.Symbol, in.Token, in.TickSize.String(), in.LotSize.String(), in.FreezeQty.String(),
		in.LowerBand.String(), in.UpperBand.String())
	if err != nil {
		return fmt.Errorf("store.UpsertInstrument: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstrument(ctx context.Context, symbol string) (domain.Instrument, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, token, tick_size, lot_size, freeze_qty, lower_band, upper_band
		FROM instruments WHERE symbol = ?
	`, symbol)
	var in domain.Instrument
	var tick, lot, freeze, lower, upper string
	err := row.Scan(&in.Symbol, &in.Token, &tick, &lot, &freeze, &lower, &upper)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Instrument{}, false, nil
	}
	if err != nil {
		return domain.Instrument{}, false, fmt.Errorf("store.GetInstrument: %w", err)
	}
	in.TickSize = mustDecimal(tick)
	in.LotSize = mustDecimal(lot)
	in.FreezeQty = mustDecimal(freeze)
	in.LowerBand = mustDecimal(lower)
	in.UpperBand = mustDecimal(upper)
	return in, true, nil
}

func (s *SQLiteStore) InsertSignal(ctx context.Context, sig domain.Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, ts, symbol, side, strategy, score, config_sha, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.ID, sig.Ts, sig.Symbol, string(sig.Side), sig.Strategy, sig.Score, sig.ConfigSha, sig.Rationale)
	if err != nil {
		return fmt.Errorf("store.InsertSignal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertDecision(ctx context.Context, d domain.Decision) error {
	approved := 0
	if d.Approved {
		approved = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, signal_id, client_plan_id, mode, approved, symbol, side, entry, stop, tp,
			risk_pct, risk_amount, qty, portfolio_heat_before, portfolio_heat_after, status, config_sha,
			reject_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.SignalID, d.ClientPlanID, string(d.Mode), approved, d.Symbol, string(d.Side),
		d.Entry.String(), d.Stop.String(), d.TP.String(), d.RiskPct.String(), d.RiskAmount.String(),
		d.Qty.String(), d.PortfolioHeatBefore.String(), d.PortfolioHeatAfter.String(), string(d.Status),
		d.ConfigSha, d.RejectReason, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("store.InsertDecision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DecisionByPlanID(ctx context.Context, clientPlanID string) (domain.Decision, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, signal_id, client_plan_id, mode, approved, symbol, side, entry, stop, tp, risk_pct,
			risk_amount, qty, portfolio_heat_before, portfolio_heat_after, status, config_sha,
			reject_reason, created_at
		FROM decisions WHERE client_plan_id = ? ORDER BY created_at DESC LIMIT 1
	`, clientPlanID)
	d, ok, err := scanDecision(row)
	if err != nil {
		return domain.Decision{}, false, fmt.Errorf("store.DecisionByPlanID: %w", err)
	}
	return d, ok, nil
}

func scanDecision(row *sql.Row) (domain.Decision, bool, error) {
	var d domain.Decision
	var approved int
	var entry, stop, tp, riskPct, riskAmount, qty, heatBefore, heatAfter string
	var rejectReason sql.NullString
	err := row.Scan(&d.ID, &d.SignalID, &d.ClientPlanID, &d.Mode, &approved, &d.Symbol, &d.Side,
		&entry, &stop, &tp, &riskPct, &riskAmount, &qty,
		&heatBefore, &heatAfter, &d.Status, &d.ConfigSha, &rejectReason, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Decision{}, false, nil
	}
	if err != nil {
		return domain.Decision{}, false, err
	}
	d.Approved = approved == 1
	d.Entry = mustDecimal(entry)
	d.Stop = mustDecimal(stop)
	d.TP = mustDecimal(tp)
	d.RiskPct = mustDecimal(riskPct)
	d.RiskAmount = mustDecimal(riskAmount)
	d.Qty = mustDecimal(qty)
	d.PortfolioHeatBefore = mustDecimal(heatBefore)
	d.PortfolioHeatAfter = mustDecimal(heatAfter)
	d.RejectReason = rejectReason.String
	return d, true, nil
}

// OrderExists returns the existing row for clientOrderID if its status
// is one of the given statuses (any status, if none given). This is
// the idempotency check ExecutionEngine and OCOManager issue before
// placing a new order.
func (s *SQLiteStore) OrderExists(ctx context.Context, clientOrderID string, statuses []domain.OrderStatus) (domain.Order, bool, error) {
	o, ok, err := s.GetOrder(ctx, clientOrderID)
	if err != nil || !ok {
		return o, ok, err
	}
	if len(statuses) == 0 {
		return o, true, nil
	}
	for _, st := range statuses {
		if o.Status == st {
			return o, true, nil
		}
	}
	return domain.Order{}, false, nil
}

func (s *SQLiteStore) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, decision_id, client_order_id, tag, parent_group, side, qty, price, type,
			status, broker_id, ts_created, ts_acked, ts_filled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.DecisionID, o.ClientOrderID, string(o.Tag), o.ParentGroup, string(o.Side), o.Qty.String(),
		o.Price.String(), string(o.Type), string(o.Status), o.BrokerID, o.TsCreated,
		nullTime(o.TsAcked), nullTime(o.TsFilled))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store.InsertOrder: duplicate client_order_id %s: %w", o.ClientOrderID, ErrIntegrityDuplicate)
		}
		return fmt.Errorf("store.InsertOrder: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, clientOrderID string, status domain.OrderStatus, brokerID string, ts time.Time) error {
	var err error
	switch status {
	case domain.OrderStatusPlaced:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, broker_id = ?, ts_acked = ? WHERE client_order_id = ?`,
			string(status), brokerID, ts, clientOrderID)
	case domain.OrderStatusFilled:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ?, ts_filled = ? WHERE client_order_id = ?`,
			string(status), ts, clientOrderID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE orders SET status = ? WHERE client_order_id = ?`,
			string(status), clientOrderID)
	}
	if err != nil {
		return fmt.Errorf("store.UpdateOrderStatus: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrder(ctx context.Context, clientOrderID string) (domain.Order, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, decision_id, client_order_id, tag, parent_group, side, qty, price, type, status,
			broker_id, ts_created, ts_acked, ts_filled
		FROM orders WHERE client_order_id = ?
	`, clientOrderID)
	return scanOrder(row)
}

func scanOrder(row *sql.Row) (domain.Order, bool, error) {
	var o domain.Order
	var qty, price string
	var brokerID, acked, filled sql.NullString
	err := row.Scan(&o.ID, &o.DecisionID, &o.ClientOrderID, &o.Tag, &o.ParentGroup, &o.Side, &qty, &price,
		&o.Type, &o.Status, &brokerID, &o.TsCreated, &acked, &filled)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, err
	}
	o.Qty = mustDecimal(qty)
	o.Price = mustDecimal(price)
	o.BrokerID = brokerID.String
	if acked.Valid {
		o.TsAcked, _ = time.Parse(time.RFC3339, acked.String)
	}
	if filled.Valid {
		o.TsFilled, _ = time.Parse(time.RFC3339, filled.String)
	}
	return o, true, nil
}

func (s *SQLiteStore) OrdersByGroup(ctx context.Context, parentGroup string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, client_order_id, tag, parent_group, side, qty, price, type, status,
			broker_id, ts_created, ts_acked, ts_filled
		FROM orders WHERE parent_group = ?
	`, parentGroup)
	if err != nil {
		return nil, fmt.Errorf("store.OrdersByGroup: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

func (s *SQLiteStore) ListOpenOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision_id, client_order_id, tag, parent_group, side, qty, price, type, status,
			broker_id, ts_created, ts_acked, ts_filled
		FROM orders WHERE status IN ('NEW', 'PLACED', 'PARTIAL')
	`)
	if err != nil {
		return nil, fmt.Errorf("store.ListOpenOrders: %w", err)
	}
	defer rows.Close()
	return scanOrderRows(rows)
}

func scanOrderRows(rows *sql.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var qty, price string
		var brokerID, acked, filled sql.NullString
		if err := rows.Scan(&o.ID, &o.DecisionID, &o.ClientOrderID, &o.Tag, &o.ParentGroup, &o.Side, &qty,
			&price, &o.Type, &o.Status, &brokerID, &o.TsCreated, &acked, &filled); err != nil {
			return nil, err
		}
		o.Qty = mustDecimal(qty)
		o.Price = mustDecimal(price)
		o.BrokerID = brokerID.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertPosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, side, qty, avg_entry, oco_group, stop_order_id, tp_order_id,
			status, realized_pnl, ts_opened, ts_closed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, string(p.Side), p.Qty.String(), p.AvgEntry.String(), p.OCOGroup, p.StopOrderID,
		p.TPOrderID, string(p.Status), p.RealizedPnL.String(), p.TsOpened, nullTime(p.TsClosed))
	if err != nil {
		return fmt.Errorf("store.InsertPosition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET qty = ?, avg_entry = ?, stop_order_id = ?, tp_order_id = ?, status = ?,
			realized_pnl = ?, ts_closed = ? WHERE id = ?
	`, p.Qty.String(), p.AvgEntry.String(), p.StopOrderID, p.TPOrderID, string(p.Status),
		p.RealizedPnL.String(), nullTime(p.TsClosed), p.ID)
	if err != nil {
		return fmt.Errorf("store.UpdatePosition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (domain.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, side, qty, avg_entry, oco_group, stop_order_id, tp_order_id, status,
			realized_pnl, ts_opened, ts_closed
		FROM positions WHERE id = ?
	`, id)
	return scanPosition(row)
}

func (s *SQLiteStore) GetPositionBySymbol(ctx context.Context, symbol string) (domain.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, side, qty, avg_entry, oco_group, stop_order_id, tp_order_id, status,
			realized_pnl, ts_opened, ts_closed
		FROM positions WHERE symbol = ? AND status IN ('OPENING', 'OPEN', 'CLOSING')
		ORDER BY ts_opened DESC LIMIT 1
	`, symbol)
	return scanPosition(row)
}

func scanPosition(row *sql.Row) (domain.Position, bool, error) {
	var p domain.Position
	var qty, avgEntry, realized string
	var stopID, tpID sql.NullString
	var closed sql.NullString
	err := row.Scan(&p.ID, &p.Symbol, &p.Side, &qty, &avgEntry, &p.OCOGroup, &stopID, &tpID, &p.Status,
		&realized, &p.TsOpened, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, false, nil
	}
	if err != nil {
		return domain.Position{}, false, err
	}
	p.Qty = mustDecimal(qty)
	p.AvgEntry = mustDecimal(avgEntry)
	p.RealizedPnL = mustDecimal(realized)
	p.StopOrderID = stopID.String
	p.TPOrderID = tpID.String
	if closed.Valid {
		p.TsClosed, _ = time.Parse(time.RFC3339, closed.String)
	}
	return p, true, nil
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, qty, avg_entry, oco_group, stop_order_id, tp_order_id, status,
			realized_pnl, ts_opened, ts_closed
		FROM positions WHERE status IN ('OPENING', 'OPEN', 'CLOSING')
	`)
	if err != nil {
		return nil, fmt.Errorf("store.ListOpenPositions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var qty, avgEntry, realized string
		var stopID, tpID sql.NullString
		var closed sql.NullString
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &qty, &avgEntry, &p.OCOGroup, &stopID, &tpID,
			&p.Status, &realized, &p.TsOpened, &closed); err != nil {
			return nil, fmt.Errorf("store.ListOpenPositions: scan: %w", err)
		}
		p.Qty = mustDecimal(qty)
		p.AvgEntry = mustDecimal(avgEntry)
		p.RealizedPnL = mustDecimal(realized)
		p.StopOrderID = stopID.String
		p.TPOrderID = tpID.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, t domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, qty, entry_price, exit_price, exit_reason, gross_pnl,
			net_pnl, commission_paid, slippage_bps, latency_ms, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.PositionID, t.Qty.String(), t.EntryPrice.String(), t.ExitPrice.String(), t.ExitReason,
		t.GrossPnL.String(), t.NetPnL.String(), t.CommissionPaid.String(), t.SlippageBps.String(),
		t.LatencyMs, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("store.InsertTrade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DailyRealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(CAST(net_pnl AS REAL)), 0) FROM trades WHERE closed_at >= ?`, since)
	var sum float64
	if err := row.Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("store.DailyRealizedPnL: %w", err)
	}
	return decimal.NewFromFloat(sum), nil
}

func (s *SQLiteStore) UpsertOCOGroup(ctx context.Context, g domain.OCOGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oco_groups (group_id, entry_order_id, stop_order_id, tp_order_id, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			stop_order_id = excluded.stop_order_id, tp_order_id = excluded.tp_order_id, state = excluded.state
	`, g.GroupID, g.EntryOrderID, g.StopOrderID, g.TPOrderID, string(g.State))
	if err != nil {
		return fmt.Errorf("store.UpsertOCOGroup: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOCOGroup(ctx context.Context, groupID string) (domain.OCOGroup, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT group_id, entry_order_id, stop_order_id, tp_order_id, state FROM oco_groups WHERE group_id = ?
	`, groupID)
	var g domain.OCOGroup
	var stopID, tpID sql.NullString
	err := row.Scan(&g.GroupID, &g.EntryOrderID, &stopID, &tpID, &g.State)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OCOGroup{}, false, nil
	}
	if err != nil {
		return domain.OCOGroup{}, false, fmt.Errorf("store.GetOCOGroup: %w", err)
	}
	g.StopOrderID = stopID.String
	g.TPOrderID = tpID.String
	return g, true, nil
}

func (s *SQLiteStore) ListOpenOCOGroups(ctx context.Context) ([]domain.OCOGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, entry_order_id, stop_order_id, tp_order_id, state
		FROM oco_groups WHERE state NOT IN ('CANCELED', 'CLOSED')
	`)
	if err != nil {
		return nil, fmt.Errorf("store.ListOpenOCOGroups: %w", err)
	}
	defer rows.Close()
	var out []domain.OCOGroup
	for rows.Next() {
		var g domain.OCOGroup
		var stopID, tpID sql.NullString
		if err := rows.Scan(&g.GroupID, &g.EntryOrderID, &stopID, &tpID, &g.State); err != nil {
			return nil, fmt.Errorf("store.ListOpenOCOGroups: scan: %w", err)
		}
		g.StopOrderID = stopID.String
		g.TPOrderID = tpID.String
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertRiskEvent(ctx context.Context, e domain.RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, ts, type, decision_id, details, config_sha) VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Ts, string(e.Type), e.DecisionID, e.Details, e.ConfigSha)
	if err != nil {
		return fmt.Errorf("store.InsertRiskEvent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, a domain.AuditLog) error {
	details := encodeDetails(a.Details)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, ts, action, session_id, actor, details, config_sha, git_head)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Ts, string(a.Action), a.SessionID, a.Actor, details, a.ConfigSha, a.GitHead)
	if err != nil {
		return fmt.Errorf("store.InsertAuditLog: %w", err)
	}
	return nil
}

func encodeDetails(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ";")
}

// LockAcquire performs an atomic set-if-absent-or-expired. A single
// statement guarantees no other writer (SQLite is single-writer, single
// connection) can interleave between the absence check and the insert.
func (s *SQLiteStore) LockAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leader_lock (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leader_lock.expires_at < ?
	`, key, holder, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("store.LockAcquire: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Row existed and was not expired; check if we already hold it.
	row := s.db.QueryRowContext(ctx, `SELECT holder FROM leader_lock WHERE key = ?`, key)
	var current string
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store.LockAcquire: read holder: %w", err)
	}
	return current == holder, nil
}

// LockRefresh extends the TTL iff holder is still the current text
// value of the holder column — textual, never byte, comparison.
func (s *SQLiteStore) LockRefresh(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		UPDATE leader_lock SET expires_at = ? WHERE key = ? AND holder = ?
	`, expiresAt, key, holder)
	if err != nil {
		return false, fmt.Errorf("store.LockRefresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store.LockRefresh: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) LockRelease(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leader_lock WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("store.LockRelease: %w", err)
	}
	return nil
}

// ErrIntegrityDuplicate classifies a UNIQUE-constraint violation on
// client_order_id: callers treat it as an idempotent short-circuit, not
// a failure.
var ErrIntegrityDuplicate = errors.New("duplicate client_order_id")

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
