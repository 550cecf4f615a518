package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/midstreamhq/midstream/internal/messages"
)

// Event times arrive as epoch milliseconds and are converted in the database;
// update_ts records insertion time server-side so clock skew between workers
// never shows up in the streams.
const (
	insertTradeSQL = `
		INSERT INTO symbol_trades_stream (exchange, symbol_id, ts, price, amount, is_buy, update_ts, fetch_ts)
		VALUES ($1, $2, to_timestamp($3/1000.0), $4, $5, $6, NOW(), to_timestamp($7/1000.0))`

	insertSpreadSQL = `
		INSERT INTO symbol_spreads_stream (exchange, symbol_id, ts, best_bid, best_ask, update_ts, fetch_ts)
		VALUES ($1, $2, to_timestamp($3/1000.0), $4, $5, NOW(), to_timestamp($6/1000.0))`

	insertTruePriceSQL = `
		INSERT INTO symbol_true_mid_price_stream (symbol_id, ts, true_mid_price, update_ts)
		VALUES ($1, to_timestamp($2/1000.0), $3, NOW())`
)

// InsertTrades writes a batch inside the caller's transaction, one statement
// execution per row over a single prepared statement.
func InsertTrades(ctx context.Context, tx *sqlx.Tx, trades []messages.Trade) error {
	stmt, err := tx.PrepareContext(ctx, insertTradeSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		_, err := stmt.ExecContext(ctx,
			t.Exchange, t.SymbolID, t.EventTS, t.Price.String(), t.Amount.String(), t.IsBuy, t.FetchTS)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
		}
	}
	return nil
}

// InsertSpreads writes a batch inside the caller's transaction.
func InsertSpreads(ctx context.Context, tx *sqlx.Tx, spreads []messages.Spread) error {
	stmt, err := tx.PrepareContext(ctx, insertSpreadSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare spread insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range spreads {
		_, err := stmt.ExecContext(ctx,
			s.Exchange, s.SymbolID, s.EventTS, s.BestBid.String(), s.BestAsk.String(), s.FetchTS)
		if err != nil {
			return fmt.Errorf("failed to insert spread %s: %w", s.ID, err)
		}
	}
	return nil
}

// InsertTruePrices writes a batch inside the caller's transaction.
func InsertTruePrices(ctx context.Context, tx *sqlx.Tx, prices []messages.TrueMidPrice) error {
	stmt, err := tx.PrepareContext(ctx, insertTruePriceSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare true-price insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range prices {
		_, err := stmt.ExecContext(ctx, p.SymbolID, p.EventTS, p.TrueMidPrice.String())
		if err != nil {
			return fmt.Errorf("failed to insert true price %s: %w", p.ID, err)
		}
	}
	return nil
}

// ErrUnknownSymbol means the symbol has never been registered.
var ErrUnknownSymbol = errors.New("store: unknown symbol")

// ErrNoPrice means the symbol exists but no consensus price has been
// published for it yet.
var ErrNoPrice = errors.New("store: no price yet")

// TruePrice is the latest consensus price for one symbol.
type TruePrice struct {
	SymbolID     int64           `db:"symbol_id"`
	Symbol       string          `db:"symbol"`
	TrueMidPrice decimal.Decimal `db:"true_mid_price"`
	TS           time.Time       `db:"ts"`
}

// LatestTruePrice resolves symbol and returns its most recent consensus
// price. ErrUnknownSymbol and ErrNoPrice distinguish the two empty cases.
func LatestTruePrice(ctx context.Context, db *sqlx.DB, symbol string) (TruePrice, error) {
	var symbolID int64
	err := db.GetContext(ctx, &symbolID, `SELECT id FROM symbols WHERE symbol = $1`, symbol)
	if errors.Is(err, sql.ErrNoRows) {
		return TruePrice{}, ErrUnknownSymbol
	}
	if err != nil {
		return TruePrice{}, fmt.Errorf("failed to resolve symbol %q: %w", symbol, err)
	}

	p := TruePrice{SymbolID: symbolID, Symbol: symbol}
	err = db.GetContext(ctx, &p, `
		SELECT symbol_id, true_mid_price, ts
		FROM symbol_true_mid_price_stream
		WHERE symbol_id = $1
		ORDER BY ts DESC, update_ts DESC
		LIMIT 1`, symbolID)
	if errors.Is(err, sql.ErrNoRows) {
		return TruePrice{}, ErrNoPrice
	}
	if err != nil {
		return TruePrice{}, fmt.Errorf("failed to query true price for %q: %w", symbol, err)
	}
	return p, nil
}
