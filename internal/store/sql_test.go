package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/gearbox/internal/gear"
	"github.com/sawpanic/gearbox/internal/risk"
)

func newMockStore(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQL(sqlx.NewDb(db, "postgres")), mock
}

func sampleEntry() TradeEntry {
	return TradeEntry{
		Symbol:      "MNQ",
		Direction:   "LONG",
		EntryPrice:  15000,
		StopPrice:   14990,
		TargetPrice: 15020,
		Contracts:   2,
		Strategy:    "vwap_pullback",
		Regime:      "TREND",
		GearAtEntry: "DRIVE",
		Confidence:  0.8,
		OrderID:     "SIM-1",
		RiskDollars: 40,
		EnteredAt:   time.Now().UTC(),
	}
}

func TestLogTrade(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO trades").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.LogTrade(context.Background(), sampleEntry())
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogTradeDuplicateOrderID(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO trades").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := s.LogTrade(context.Background(), sampleEntry())
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestUpdateTradeExit(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE trades").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpdateTradeExit(context.Background(), 7, TradeExit{
		ExitPrice: 15020, PnLDollars: 80, PnLR: 2.0,
		ExitReason: "target", ExitedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTradeExitNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE trades").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateTradeExit(context.Background(), 99, TradeExit{})
	assert.ErrorContains(t, err, "trade 99 not found")
}

func TestLogGearShift(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO gear_shifts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.LogGearShift(context.Background(), gear.Shift{
		Timestamp: time.Now().UTC(),
		From:      gear.Drive,
		To:        gear.Low,
		Reason:    "loss streak (2)",
		Context:   gear.Context{ConsecutiveLosses: 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentGearShifts(t *testing.T) {
	s, mock := newMockStore(t)
	ts := time.Now().UTC()
	mock.ExpectQuery("SELECT ts, from_gear, to_gear").
		WillReturnRows(sqlmock.NewRows(
			[]string{"ts", "from_gear", "to_gear", "reason", "context"}).
			AddRow(ts, "DRIVE", "PARK", "kill switch activated", `{"daily_r":-2.5}`))

	shifts, err := s.RecentGearShifts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, gear.Drive, shifts[0].From)
	assert.Equal(t, gear.Park, shifts[0].To)
	assert.Equal(t, -2.5, shifts[0].Context.DailyR)
}

func TestSaveAndLoadRiskState(t *testing.T) {
	s, mock := newMockStore(t)
	st := risk.GovernorState{
		CurrentR:  5.0,
		DailyPnLR: -1.2,
		UpdatedAt: time.Now().UTC(),
	}
	mock.ExpectExec("INSERT INTO risk_state").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveRiskState(context.Background(), st))

	mock.ExpectQuery("SELECT current_r").
		WillReturnRows(sqlmock.NewRows([]string{
			"current_r", "daily_pnl_r", "weekly_pnl_r", "consecutive_red_days",
			"consecutive_losses", "last_trade_date", "week_start", "updated_at"}).
			AddRow(5.0, -1.2, -1.2, 0, 1, st.UpdatedAt, st.UpdatedAt, st.UpdatedAt))

	loaded, err := s.LoadRiskState(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 5.0, loaded.CurrentR)
	assert.Equal(t, -1.2, loaded.DailyPnLR)
}

func TestLoadRiskStateEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT current_r").
		WillReturnRows(sqlmock.NewRows([]string{"current_r"}))

	loaded, err := s.LoadRiskState(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadSystemStateUnset(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM system_state").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	v, err := s.LoadSystemState(context.Background(), "kill_switch")
	require.NoError(t, err)
	assert.Nil(t, v)
}
