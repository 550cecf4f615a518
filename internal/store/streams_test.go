package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midstreamhq/midstream/internal/messages"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestInsertTrades(t *testing.T) {
	db, mock := newMockDB(t)

	trades := []messages.Trade{
		{
			ID:       "t1",
			Exchange: "binance",
			SymbolID: 7,
			EventTS:  1700000000000,
			FetchTS:  1700000000050,
			Price:    decimal.RequireFromString("16541.23"),
			Amount:   decimal.RequireFromString("0.005"),
			IsBuy:    true,
		},
		{
			ID:       "t2",
			Exchange: "kraken",
			SymbolID: 7,
			EventTS:  1700000001000,
			FetchTS:  1700000001020,
			Price:    decimal.RequireFromString("16541.1"),
			Amount:   decimal.RequireFromString("2"),
			IsBuy:    false,
		},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO symbol_trades_stream")
	prep.ExpectExec().
		WithArgs("binance", int64(7), int64(1700000000000), "16541.23", "0.005", true, int64(1700000000050)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs("kraken", int64(7), int64(1700000001000), "16541.1", "2", false, int64(1700000001020)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, InsertTrades(context.Background(), tx, trades))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSpreads(t *testing.T) {
	db, mock := newMockDB(t)

	spreads := []messages.Spread{{
		ID:       "s1",
		Exchange: "coinbase",
		SymbolID: 3,
		EventTS:  1700000000000,
		FetchTS:  1700000000010,
		BestBid:  decimal.RequireFromString("100"),
		BestAsk:  decimal.RequireFromString("102"),
	}}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO symbol_spreads_stream")
	prep.ExpectExec().
		WithArgs("coinbase", int64(3), int64(1700000000000), "100", "102", int64(1700000000010)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, InsertSpreads(context.Background(), tx, spreads))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTruePrices(t *testing.T) {
	db, mock := newMockDB(t)

	prices := []messages.TrueMidPrice{{
		ID:           "p1",
		SymbolID:     3,
		EventTS:      1700000000000,
		TrueMidPrice: decimal.RequireFromString("101"),
	}}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO symbol_true_mid_price_stream")
	prep.ExpectExec().
		WithArgs(int64(3), int64(1700000000000), "101").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, InsertTruePrices(context.Background(), tx, prices))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesRollsBackOnExecError(t *testing.T) {
	db, mock := newMockDB(t)

	trades := []messages.Trade{{
		ID:       "t1",
		Exchange: "binance",
		SymbolID: 7,
		EventTS:  1700000000000,
		FetchTS:  1700000000050,
		Price:    decimal.RequireFromString("1"),
		Amount:   decimal.RequireFromString("1"),
	}}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO symbol_trades_stream")
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	tx, err := db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	err = InsertTrades(context.Background(), tx, trades)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "t1")
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTruePrice(t *testing.T) {
	db, mock := newMockDB(t)

	ts := time.Date(2023, 1, 1, 19, 43, 2, 0, time.UTC)
	mock.ExpectQuery("SELECT id FROM symbols").
		WithArgs("BTC/USD").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT symbol_id, true_mid_price, ts").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "true_mid_price", "ts"}).
			AddRow(int64(7), "16541.25", ts))

	p, err := LatestTruePrice(context.Background(), db, "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.SymbolID)
	assert.Equal(t, "BTC/USD", p.Symbol)
	assert.True(t, p.TrueMidPrice.Equal(decimal.RequireFromString("16541.25")))
	assert.True(t, p.TS.Equal(ts))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTruePriceUnknownSymbol(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id FROM symbols").
		WithArgs("NOPE/USD").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := LatestTruePrice(context.Background(), db, "NOPE/USD")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestTruePriceNoPriceYet(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT id FROM symbols").
		WithArgs("BTC/USD").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT symbol_id, true_mid_price, ts").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id", "true_mid_price", "ts"}))

	_, err := LatestTruePrice(context.Background(), db, "BTC/USD")
	assert.ErrorIs(t, err, ErrNoPrice)
	assert.NoError(t, mock.ExpectationsWereMet())
}
