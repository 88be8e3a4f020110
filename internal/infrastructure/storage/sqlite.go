package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/mt5_trade_manager/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_configs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL DEFAULT 'M15',
			sizing_mode TEXT NOT NULL DEFAULT 'FIXED_LOT',
			fixed_lot REAL NOT NULL DEFAULT 0.01,
			risk_percent REAL NOT NULL DEFAULT 1.0,
			trend_tp1_points REAL NOT NULL DEFAULT 0,
			trend_tp2_points REAL NOT NULL DEFAULT 0,
			trend_tp3_points REAL NOT NULL DEFAULT 0,
			trend_sl_points REAL NOT NULL DEFAULT 0,
			range_tp1_points REAL NOT NULL DEFAULT 0,
			range_tp2_points REAL NOT NULL DEFAULT 0,
			range_tp3_points REAL NOT NULL DEFAULT 0,
			range_sl_points REAL NOT NULL DEFAULT 0,
			trailing_mode TEXT NOT NULL DEFAULT 'POINTS',
			trailing_points REAL NOT NULL DEFAULT 0,
			atr_period INTEGER NOT NULL DEFAULT 14,
			atr_multiplier REAL NOT NULL DEFAULT 1.5,
			split_legs BOOLEAN NOT NULL DEFAULT 1,
			dry_run BOOLEAN NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			max_concurrent INTEGER NOT NULL DEFAULT 1,
			poll_interval_ms INTEGER NOT NULL DEFAULT 1000,
			group_counter INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS position_groups (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			trail_dist REAL NOT NULL DEFAULT 0,
			max_price REAL NOT NULL DEFAULT 0,
			min_price REAL NOT NULL DEFAULT 0,
			tp1_hit BOOLEAN NOT NULL DEFAULT 0,
			tp2_hit BOOLEAN NOT NULL DEFAULT 0,
			tp3_hit BOOLEAN NOT NULL DEFAULT 0,
			counter INTEGER NOT NULL,
			regime TEXT NOT NULL DEFAULT 'TREND',
			dry_run BOOLEAN NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_groups_bot_active ON position_groups(bot_id, active);`,
		`CREATE TABLE IF NOT EXISTS trades (
			ticket INTEGER PRIMARY KEY,
			group_id TEXT NOT NULL,
			bot_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			leg_index INTEGER NOT NULL,
			direction TEXT NOT NULL,
			volume REAL NOT NULL,
			entry_price REAL NOT NULL,
			stop_loss REAL NOT NULL,
			take_profit REAL NOT NULL DEFAULT 0,
			close_price REAL NOT NULL DEFAULT 0,
			profit_usd REAL NOT NULL DEFAULT 0,
			profit_pct REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			magic INTEGER NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_bot_status ON trades(bot_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_group ON trades(group_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_magic ON trades(magic);`,
		`CREATE TABLE IF NOT EXISTS trade_events (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			ticket INTEGER NOT NULL DEFAULT 0,
			event_type TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			price REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_bot_time ON trade_events(bot_id, created_at);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}

	// Migration: columns added after the first release. Errors are ignored
	// when the column already exists.
	_, _ = s.db.Exec(`ALTER TABLE bot_configs ADD COLUMN atr_multiplier REAL NOT NULL DEFAULT 1.5`)
	_, _ = s.db.Exec(`ALTER TABLE bot_configs ADD COLUMN enabled BOOLEAN NOT NULL DEFAULT 1`)
	_, _ = s.db.Exec(`ALTER TABLE position_groups ADD COLUMN regime TEXT NOT NULL DEFAULT 'TREND'`)
	_, _ = s.db.Exec(`ALTER TABLE position_groups ADD COLUMN trail_dist REAL NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE position_groups ADD COLUMN dry_run BOOLEAN NOT NULL DEFAULT 0`)

	return nil
}

// terminalStatusClause returns "status IN (?, ...)" plus its arguments.
func terminalStatusClause() (string, []interface{}) {
	terms := domain.TerminalStatuses()
	marks := make([]string, len(terms))
	args := make([]interface{}, len(terms))
	for i, st := range terms {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

// ConfigRepository implementation

func (s *SQLiteStore) SaveBotConfig(ctx context.Context, cfg *domain.BotConfig) error {
	query := `INSERT INTO bot_configs (id, symbol, timeframe, sizing_mode, fixed_lot, risk_percent,
				trend_tp1_points, trend_tp2_points, trend_tp3_points, trend_sl_points,
				range_tp1_points, range_tp2_points, range_tp3_points, range_sl_points,
				trailing_mode, trailing_points, atr_period, atr_multiplier,
				split_legs, dry_run, enabled, max_concurrent, poll_interval_ms,
				group_counter, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  symbol=excluded.symbol,
			  timeframe=excluded.timeframe,
			  sizing_mode=excluded.sizing_mode,
			  fixed_lot=excluded.fixed_lot,
			  risk_percent=excluded.risk_percent,
			  trend_tp1_points=excluded.trend_tp1_points,
			  trend_tp2_points=excluded.trend_tp2_points,
			  trend_tp3_points=excluded.trend_tp3_points,
			  trend_sl_points=excluded.trend_sl_points,
			  range_tp1_points=excluded.range_tp1_points,
			  range_tp2_points=excluded.range_tp2_points,
			  range_tp3_points=excluded.range_tp3_points,
			  range_sl_points=excluded.range_sl_points,
			  trailing_mode=excluded.trailing_mode,
			  trailing_points=excluded.trailing_points,
			  atr_period=excluded.atr_period,
			  atr_multiplier=excluded.atr_multiplier,
			  split_legs=excluded.split_legs,
			  dry_run=excluded.dry_run,
			  enabled=excluded.enabled,
			  max_concurrent=excluded.max_concurrent,
			  poll_interval_ms=excluded.poll_interval_ms,
			  updated_at=excluded.updated_at`
	// group_counter and created_at survive updates on purpose.
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, query,
		cfg.ID, cfg.Symbol, cfg.Timeframe, string(cfg.SizingMode), cfg.FixedLot, cfg.RiskPercent,
		cfg.Trend.TP1Points, cfg.Trend.TP2Points, cfg.Trend.TP3Points, cfg.Trend.SLPoints,
		cfg.Range.TP1Points, cfg.Range.TP2Points, cfg.Range.TP3Points, cfg.Range.SLPoints,
		string(cfg.TrailingMode), cfg.TrailingPoints, cfg.ATRPeriod, cfg.ATRMultiplier,
		cfg.SplitLegs, cfg.DryRun, cfg.Enabled, cfg.MaxConcurrent, cfg.PollIntervalMs,
		cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

const botConfigColumns = `id, symbol, timeframe, sizing_mode, fixed_lot, risk_percent,
	trend_tp1_points, trend_tp2_points, trend_tp3_points, trend_sl_points,
	range_tp1_points, range_tp2_points, range_tp3_points, range_sl_points,
	trailing_mode, trailing_points, atr_period, atr_multiplier,
	split_legs, dry_run, enabled, max_concurrent, poll_interval_ms,
	group_counter, created_at, updated_at`

func scanBotConfig(row interface{ Scan(dest ...interface{}) error }) (*domain.BotConfig, error) {
	var c domain.BotConfig
	var sizing, trailing string
	err := row.Scan(&c.ID, &c.Symbol, &c.Timeframe, &sizing, &c.FixedLot, &c.RiskPercent,
		&c.Trend.TP1Points, &c.Trend.TP2Points, &c.Trend.TP3Points, &c.Trend.SLPoints,
		&c.Range.TP1Points, &c.Range.TP2Points, &c.Range.TP3Points, &c.Range.SLPoints,
		&trailing, &c.TrailingPoints, &c.ATRPeriod, &c.ATRMultiplier,
		&c.SplitLegs, &c.DryRun, &c.Enabled, &c.MaxConcurrent, &c.PollIntervalMs,
		&c.GroupCounter, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.SizingMode = domain.SizingMode(sizing)
	c.TrailingMode = domain.TrailingMode(trailing)
	return &c, nil
}

func (s *SQLiteStore) GetBotConfig(ctx context.Context, id string) (*domain.BotConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botConfigColumns+` FROM bot_configs WHERE id = ?`, id)
	cfg, err := scanBotConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBotNotFound
	}
	return cfg, err
}

func (s *SQLiteStore) ListBotConfigs(ctx context.Context) ([]*domain.BotConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+botConfigColumns+` FROM bot_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.BotConfig
	for rows.Next() {
		cfg, err := scanBotConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *SQLiteStore) DeleteBotConfig(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bot_configs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) NextGroupCounter(ctx context.Context, botID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE bot_configs SET group_counter = group_counter + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), botID)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrBotNotFound
	}

	var counter int
	if err := tx.QueryRowContext(ctx,
		`SELECT group_counter FROM bot_configs WHERE id = ?`, botID).Scan(&counter); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return counter, nil
}

// GroupRepository implementation

func (s *SQLiteStore) SaveGroup(ctx context.Context, g *domain.PositionGroup) error {
	query := `INSERT INTO position_groups (id, bot_id, symbol, direction, entry_price, stop_loss,
				trail_dist, max_price, min_price, tp1_hit, tp2_hit, tp3_hit, counter, regime, dry_run, active,
				created_at, updated_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		g.ID, g.BotID, g.Symbol, string(g.Direction), g.EntryPrice, g.StopLoss,
		g.TrailDist, g.MaxPrice, g.MinPrice, g.TP1Hit, g.TP2Hit, g.TP3Hit, g.Counter, string(g.Regime),
		g.DryRun, g.Active, g.CreatedAt, g.UpdatedAt, nullableTime(g.ClosedAt))
	return err
}

func (s *SQLiteStore) UpdateGroup(ctx context.Context, g *domain.PositionGroup) error {
	query := `UPDATE position_groups SET
				entry_price = ?, stop_loss = ?, trail_dist = ?, max_price = ?, min_price = ?,
				tp1_hit = ?, tp2_hit = ?, tp3_hit = ?, active = ?,
				updated_at = ?, closed_at = ?
			  WHERE id = ?`
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, query,
		g.EntryPrice, g.StopLoss, g.TrailDist, g.MaxPrice, g.MinPrice,
		g.TP1Hit, g.TP2Hit, g.TP3Hit, g.Active,
		g.UpdatedAt, nullableTime(g.ClosedAt), g.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrGroupNotFound
	}
	return nil
}

const groupColumns = `id, bot_id, symbol, direction, entry_price, stop_loss,
	trail_dist, max_price, min_price, tp1_hit, tp2_hit, tp3_hit, counter, regime, dry_run, active,
	created_at, updated_at, closed_at`

func scanGroup(row interface{ Scan(dest ...interface{}) error }) (*domain.PositionGroup, error) {
	var g domain.PositionGroup
	var direction, regime string
	var closedAt sql.NullTime
	err := row.Scan(&g.ID, &g.BotID, &g.Symbol, &direction, &g.EntryPrice, &g.StopLoss,
		&g.TrailDist, &g.MaxPrice, &g.MinPrice, &g.TP1Hit, &g.TP2Hit, &g.TP3Hit, &g.Counter, &regime,
		&g.DryRun, &g.Active, &g.CreatedAt, &g.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	g.Direction = domain.Direction(direction)
	g.Regime = domain.Regime(regime)
	if closedAt.Valid {
		g.ClosedAt = closedAt.Time
	}
	return &g, nil
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*domain.PositionGroup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrGroupNotFound
	}
	return g, err
}

func (s *SQLiteStore) queryGroups(ctx context.Context, query string, args ...interface{}) ([]*domain.PositionGroup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*domain.PositionGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) ListActiveGroups(ctx context.Context, botID string) ([]*domain.PositionGroup, error) {
	if botID == "" {
		return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE active = 1 ORDER BY created_at`)
	}
	return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE active = 1 AND bot_id = ? ORDER BY created_at`, botID)
}

func (s *SQLiteStore) ListGroups(ctx context.Context, botID string, limit int) ([]*domain.PositionGroup, error) {
	if limit <= 0 {
		limit = 100
	}
	if botID == "" {
		return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM position_groups ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryGroups(ctx, `SELECT `+groupColumns+` FROM position_groups WHERE bot_id = ? ORDER BY created_at DESC LIMIT ?`, botID, limit)
}

func (s *SQLiteStore) CountActiveGroups(ctx context.Context, botID string) (int, error) {
	var count int
	var err error
	if botID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM position_groups WHERE active = 1`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM position_groups WHERE active = 1 AND bot_id = ?`, botID).Scan(&count)
	}
	return count, err
}

func (s *SQLiteStore) ClearPositionGroups(ctx context.Context, botID string, keepOpen bool) (int64, error) {
	query := `DELETE FROM position_groups WHERE 1=1`
	var args []interface{}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	if keepOpen {
		query += ` AND active = 0`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TradeRepository implementation

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.TradeRecord) error {
	query := `INSERT INTO trades (ticket, group_id, bot_id, symbol, leg_index, direction, volume,
				entry_price, stop_loss, take_profit, close_price, profit_usd, profit_pct,
				status, magic, opened_at, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.Ticket, t.GroupID, t.BotID, t.Symbol, t.LegIndex, string(t.Direction), t.Volume,
		t.EntryPrice, t.StopLoss, t.TakeProfit, t.ClosePrice, t.ProfitUSD, t.ProfitPct,
		string(t.Status), t.Magic, t.OpenedAt, nullableTime(t.ClosedAt))
	return err
}

func (s *SQLiteStore) UpdateTrade(ctx context.Context, t *domain.TradeRecord) error {
	query := `UPDATE trades SET
				volume = ?, stop_loss = ?, take_profit = ?, close_price = ?,
				profit_usd = ?, profit_pct = ?, status = ?, closed_at = ?
			  WHERE ticket = ?`
	res, err := s.db.ExecContext(ctx, query,
		t.Volume, t.StopLoss, t.TakeProfit, t.ClosePrice,
		t.ProfitUSD, t.ProfitPct, string(t.Status), nullableTime(t.ClosedAt), t.Ticket)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrTradeNotFound
	}
	return nil
}

const tradeColumns = `ticket, group_id, bot_id, symbol, leg_index, direction, volume,
	entry_price, stop_loss, take_profit, close_price, profit_usd, profit_pct,
	status, magic, opened_at, closed_at`

func scanTrade(row interface{ Scan(dest ...interface{}) error }) (*domain.TradeRecord, error) {
	var t domain.TradeRecord
	var direction, status string
	var closedAt sql.NullTime
	err := row.Scan(&t.Ticket, &t.GroupID, &t.BotID, &t.Symbol, &t.LegIndex, &direction, &t.Volume,
		&t.EntryPrice, &t.StopLoss, &t.TakeProfit, &t.ClosePrice, &t.ProfitUSD, &t.ProfitPct,
		&status, &t.Magic, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	t.Status = domain.TradeStatus(status)
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	return &t, nil
}

func (s *SQLiteStore) GetTradeByTicket(ctx context.Context, ticket int64) (*domain.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE ticket = ?`, ticket)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTradeNotFound
	}
	return t, err
}

func (s *SQLiteStore) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*domain.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) ListTradesByGroup(ctx context.Context, groupID string) ([]*domain.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE group_id = ? ORDER BY leg_index`, groupID)
}

// ListOpenTrades returns legs whose status is not terminal: PENDING, OPEN and
// UNKNOWN, the rows the poll loop still has work to do on.
func (s *SQLiteStore) ListOpenTrades(ctx context.Context, botID string) ([]*domain.TradeRecord, error) {
	clause, termArgs := terminalStatusClause()
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE NOT ` + clause
	args := termArgs
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY opened_at`
	return s.queryTrades(ctx, query, args...)
}

func (s *SQLiteStore) ListTradesByStatus(ctx context.Context, botID string, status domain.TradeStatus) ([]*domain.TradeRecord, error) {
	if botID == "" {
		return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status = ? ORDER BY opened_at`, string(status))
	}
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades WHERE status = ? AND bot_id = ? ORDER BY opened_at`, string(status), botID)
}

// RelabelTradeExit rewrites the exit status of an already finished leg. Only
// terminal or UNKNOWN rows may be relabeled, and only to a terminal status;
// open legs belong to the poll loop, not to repair tooling.
func (s *SQLiteStore) RelabelTradeExit(ctx context.Context, ticket int64, status domain.TradeStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("relabel to %s: %w", status, domain.ErrStatusNotTermed)
	}

	clause, termArgs := terminalStatusClause()
	query := `UPDATE trades SET status = ? WHERE ticket = ? AND (` + clause + ` OR status = ?)`
	args := append([]interface{}{string(status), ticket}, termArgs...)
	args = append(args, string(domain.StatusUnknown))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err := s.GetTradeByTicket(ctx, ticket); err != nil {
			return err
		}
		return domain.ErrStatusNotTermed
	}
	return nil
}

// ClearTrades deletes trade history. With keepOpen set, rows whose status is
// not terminal are never touched.
func (s *SQLiteStore) ClearTrades(ctx context.Context, botID string, keepOpen bool) (int64, error) {
	query := `DELETE FROM trades WHERE 1=1`
	var args []interface{}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	if keepOpen {
		clause, termArgs := terminalStatusClause()
		query += ` AND ` + clause
		args = append(args, termArgs...)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventRepository implementation

func (s *SQLiteStore) SaveEvent(ctx context.Context, e *domain.TradeEvent) error {
	query := `INSERT INTO trade_events (id, bot_id, group_id, ticket, event_type, detail, price, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.BotID, e.GroupID, e.Ticket, string(e.Type), e.Detail, e.Price, e.CreatedAt)
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, botID string, limit int) ([]*domain.TradeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, bot_id, group_id, ticket, event_type, detail, price, created_at FROM trade_events`
	var args []interface{}
	if botID != "" {
		query += ` WHERE bot_id = ?`
		args = append(args, botID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TradeEvent
	for rows.Next() {
		var e domain.TradeEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.BotID, &e.GroupID, &e.Ticket, &eventType, &e.Detail, &e.Price, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(eventType)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ClearTradeEvents deletes audit rows. With keepOpen set, events belonging to
// a still-active group survive so the open trade keeps its trail.
func (s *SQLiteStore) ClearTradeEvents(ctx context.Context, botID string, keepOpen bool) (int64, error) {
	query := `DELETE FROM trade_events WHERE 1=1`
	var args []interface{}
	if botID != "" {
		query += ` AND bot_id = ?`
		args = append(args, botID)
	}
	if keepOpen {
		query += ` AND group_id NOT IN (SELECT id FROM position_groups WHERE active = 1)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trade_events WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
