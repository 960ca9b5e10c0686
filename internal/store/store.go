// Package store persists trades, gear shifts, and governor state. The
// SQL implementation speaks both Postgres and SQLite through sqlx.
package store

import (
	"context"
	"time"

	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/risk"
)

// TradeEntry is the record written when an order is placed.
type TradeEntry struct {
	Symbol       string    `db:"symbol"`
	Direction    string    `db:"direction"`
	EntryPrice   float64   `db:"entry_price"`
	StopPrice    float64   `db:"stop_price"`
	TargetPrice  float64   `db:"target_price"`
	Contracts    int       `db:"contracts"`
	Strategy     string    `db:"strategy"`
	Regime       string    `db:"regime"`
	GearAtEntry  string    `db:"gear_at_entry"`
	Confidence   float64   `db:"confidence"`
	OrderID      string    `db:"order_id"`
	RiskDollars  float64   `db:"risk_dollars"`
	EnteredAt    time.Time `db:"entered_at"`
	TriggerNotes string    `db:"trigger_notes"`
}

// TradeExit closes out a trade record.
type TradeExit struct {
	ExitPrice  float64   `db:"exit_price"`
	PnLDollars float64   `db:"pnl_dollars"`
	PnLR       float64   `db:"pnl_r"`
	ExitReason string    `db:"exit_reason"`
	ExitedAt   time.Time `db:"exited_at"`
}

// TradeRecord is a full journal row.
type TradeRecord struct {
	ID int64 `db:"id"`
	TradeEntry
	ExitPrice  *float64   `db:"exit_price"`
	PnLDollars *float64   `db:"pnl_dollars"`
	PnLR       *float64   `db:"pnl_r"`
	ExitReason *string    `db:"exit_reason"`
	ExitedAt   *time.Time `db:"exited_at"`
}

// GearPerformance aggregates trade outcomes per gear.
type GearPerformance struct {
	Gear      string  `db:"gear"`
	Trades    int     `db:"trades"`
	Wins      int     `db:"wins"`
	TotalPnLR float64 `db:"total_pnl_r"`
	AvgPnLR   float64 `db:"avg_pnl_r"`
}

// Store is the persistence contract for the pipeline and its
// collaborators. The risk.StateStore and gear.ShiftStore interfaces are
// structural subsets of it.
type Store interface {
	LogTrade(ctx context.Context, e TradeEntry) (int64, error)
	UpdateTradeExit(ctx context.Context, tradeID int64, x TradeExit) error
	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)

	LogGearShift(ctx context.Context, s gear.Shift) error
	RecentGearShifts(ctx context.Context, limit int) ([]gear.Shift, error)
	PerformanceByGear(ctx context.Context) ([]GearPerformance, error)

	SaveRiskState(ctx context.Context, st risk.GovernorState) error
	LoadRiskState(ctx context.Context) (*risk.GovernorState, error)

	SaveSystemState(ctx context.Context, key string, value []byte) error
	LoadSystemState(ctx context.Context, key string) ([]byte, error)

	Close() error
}
