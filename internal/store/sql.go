package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/risk"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// ErrDuplicate marks an insert that collided with an existing row.
var ErrDuplicate = errors.New("duplicate record")

const defaultTimeout = 5 * time.Second

// SQL implements Store over Postgres (lib/pq) or SQLite (modernc).
// Queries are written with ? placeholders and rebound per driver.
type SQL struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects and bootstraps the schema. driver is "postgres" or
// "sqlite".
func Open(driver, dsn string) (*SQL, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect %s store: %w", driver, err)
	}
	s := &SQL{db: db, timeout: defaultTimeout}
	if err := s.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("store ready")
	return s, nil
}

// NewSQL wraps an existing connection without running the schema
// bootstrap; used by tests.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, timeout: defaultTimeout}
}

func (s *SQL) bootstrap() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.DriverName() == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trades (
			id %s,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_price DOUBLE PRECISION NOT NULL,
			target_price DOUBLE PRECISION,
			contracts INTEGER NOT NULL,
			strategy TEXT,
			regime TEXT,
			gear_at_entry TEXT,
			confidence DOUBLE PRECISION,
			order_id TEXT UNIQUE,
			risk_dollars DOUBLE PRECISION,
			entered_at TIMESTAMP NOT NULL,
			trigger_notes TEXT,
			exit_price DOUBLE PRECISION,
			pnl_dollars DOUBLE PRECISION,
			pnl_r DOUBLE PRECISION,
			exit_reason TEXT,
			exited_at TIMESTAMP
		)`, serial),
		`CREATE TABLE IF NOT EXISTS gear_shifts (
			ts TIMESTAMP NOT NULL,
			from_gear TEXT NOT NULL,
			to_gear TEXT NOT NULL,
			reason TEXT,
			context TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			singleton INTEGER PRIMARY KEY,
			current_r DOUBLE PRECISION NOT NULL,
			daily_pnl_r DOUBLE PRECISION NOT NULL,
			weekly_pnl_r DOUBLE PRECISION NOT NULL,
			consecutive_red_days INTEGER NOT NULL,
			consecutive_losses INTEGER NOT NULL,
			last_trade_date TIMESTAMP,
			week_start TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_pnl (
			day DATE PRIMARY KEY,
			pnl_r DOUBLE PRECISION NOT NULL,
			trades INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_entered_at ON trades (entered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_gear_shifts_ts ON gear_shifts (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isDuplicate recognizes unique-key violations across both drivers.
func isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// LogTrade inserts a trade entry and returns its id. A second insert
// with the same order id returns ErrDuplicate.
func (s *SQL) LogTrade(ctx context.Context, e TradeEntry) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO trades (symbol, direction, entry_price, stop_price, target_price,
			contracts, strategy, regime, gear_at_entry, confidence, order_id,
			risk_dollars, entered_at, trigger_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		e.Symbol, e.Direction, e.EntryPrice, e.StopPrice, e.TargetPrice,
		e.Contracts, e.Strategy, e.Regime, e.GearAtEntry, e.Confidence,
		e.OrderID, e.RiskDollars, e.EnteredAt, e.TriggerNotes).Scan(&id)
	if err != nil {
		if isDuplicate(err) {
			return 0, fmt.Errorf("trade for order %s: %w", e.OrderID, ErrDuplicate)
		}
		return 0, fmt.Errorf("failed to insert trade: %w", err)
	}
	return id, nil
}

// UpdateTradeExit closes a trade row.
func (s *SQL) UpdateTradeExit(ctx context.Context, tradeID int64, x TradeExit) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		UPDATE trades
		SET exit_price = ?, pnl_dollars = ?, pnl_r = ?, exit_reason = ?, exited_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		x.ExitPrice, x.PnLDollars, x.PnLR, x.ExitReason, x.ExitedAt, tradeID)
	if err != nil {
		return fmt.Errorf("failed to update trade exit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("trade %d not found", tradeID)
	}
	return nil
}

// RecentTrades returns the newest trades first.
func (s *SQL) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT id, symbol, direction, entry_price, stop_price, target_price,
			contracts, strategy, regime, gear_at_entry, confidence, order_id,
			risk_dollars, entered_at, trigger_notes,
			exit_price, pnl_dollars, pnl_r, exit_reason, exited_at
		FROM trades
		ORDER BY entered_at DESC
		LIMIT ?`)
	var out []TradeRecord
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	return out, nil
}

// LogGearShift appends a gear shift with its full context as JSON.
func (s *SQL) LogGearShift(ctx context.Context, sh gear.Shift) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ctxJSON, err := json.Marshal(sh.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal gear context: %w", err)
	}
	query := s.db.Rebind(`
		INSERT INTO gear_shifts (ts, from_gear, to_gear, reason, context)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		sh.Timestamp, string(sh.From), string(sh.To), sh.Reason, string(ctxJSON)); err != nil {
		return fmt.Errorf("failed to insert gear shift: %w", err)
	}
	return nil
}

// RecentGearShifts returns the newest shifts first.
func (s *SQL) RecentGearShifts(ctx context.Context, limit int) ([]gear.Shift, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		SELECT ts, from_gear, to_gear, reason, context
		FROM gear_shifts
		ORDER BY ts DESC
		LIMIT ?`)
	rows, err := s.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query gear shifts: %w", err)
	}
	defer rows.Close()

	var out []gear.Shift
	for rows.Next() {
		var (
			sh       gear.Shift
			from, to string
			ctxJSON  sql.NullString
		)
		if err := rows.Scan(&sh.Timestamp, &from, &to, &sh.Reason, &ctxJSON); err != nil {
			return nil, fmt.Errorf("failed to scan gear shift: %w", err)
		}
		sh.From, sh.To = gear.State(from), gear.State(to)
		if ctxJSON.Valid && ctxJSON.String != "" {
			if err := json.Unmarshal([]byte(ctxJSON.String), &sh.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal gear context: %w", err)
			}
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// PerformanceByGear aggregates closed trades per entry gear.
func (s *SQL) PerformanceByGear(ctx context.Context) ([]GearPerformance, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT gear_at_entry AS gear,
			COUNT(*) AS trades,
			SUM(CASE WHEN pnl_r > 0 THEN 1 ELSE 0 END) AS wins,
			SUM(pnl_r) AS total_pnl_r,
			AVG(pnl_r) AS avg_pnl_r
		FROM trades
		WHERE pnl_r IS NOT NULL
		GROUP BY gear_at_entry
		ORDER BY gear_at_entry`
	var out []GearPerformance
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to aggregate gear performance: %w", err)
	}
	return out, nil
}

// SaveRiskState upserts the single governor snapshot row.
func (s *SQL) SaveRiskState(ctx context.Context, st risk.GovernorState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO risk_state (singleton, current_r, daily_pnl_r, weekly_pnl_r,
			consecutive_red_days, consecutive_losses, last_trade_date, week_start, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (singleton) DO UPDATE SET
			current_r = excluded.current_r,
			daily_pnl_r = excluded.daily_pnl_r,
			weekly_pnl_r = excluded.weekly_pnl_r,
			consecutive_red_days = excluded.consecutive_red_days,
			consecutive_losses = excluded.consecutive_losses,
			last_trade_date = excluded.last_trade_date,
			week_start = excluded.week_start,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query,
		st.CurrentR, st.DailyPnLR, st.WeeklyPnLR,
		st.ConsecutiveRedDays, st.ConsecutiveLosses,
		st.LastTradeDate, st.WeekStart, st.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the governor snapshot, or nil when none exists.
func (s *SQL) LoadRiskState(ctx context.Context) (*risk.GovernorState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT current_r, daily_pnl_r, weekly_pnl_r, consecutive_red_days,
			consecutive_losses, last_trade_date, week_start, updated_at
		FROM risk_state WHERE singleton = 1`
	var st risk.GovernorState
	err := s.db.QueryRowxContext(ctx, query).Scan(
		&st.CurrentR, &st.DailyPnLR, &st.WeeklyPnLR, &st.ConsecutiveRedDays,
		&st.ConsecutiveLosses, &st.LastTradeDate, &st.WeekStart, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk state: %w", err)
	}
	return &st, nil
}

// SaveSystemState upserts an opaque key/value pair.
func (s *SQL) SaveSystemState(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, key, string(value), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save system state %q: %w", key, err)
	}
	return nil
}

// LoadSystemState returns the value for key, or nil when unset.
func (s *SQL) LoadSystemState(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := s.db.Rebind(`SELECT value FROM system_state WHERE key = ?`)
	var value string
	err := s.db.QueryRowxContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load system state %q: %w", key, err)
	}
	return []byte(value), nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	return s.db.Close()
}
