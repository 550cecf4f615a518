// Package messages defines the typed payloads carried on the bus: trades,
// top-of-book spreads, venue weight adjustments and derived true mid prices.
// Prices and amounts are decimals end to end; floats are reserved for weights.
package messages

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Trade is a single executed trade normalized from an exchange feed.
type Trade struct {
	ID       string          `json:"id"`
	Exchange string          `json:"exchange"`
	SymbolID int64           `json:"symbol_id"`
	EventTS  int64           `json:"event_ts_ms"`
	FetchTS  int64           `json:"fetch_ts_ms"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	IsBuy    bool            `json:"is_buy"`
}

// Spread is a top-of-book snapshot. BestBid never exceeds BestAsk; producers
// drop crossed updates before they reach the bus.
type Spread struct {
	ID       string          `json:"id"`
	Exchange string          `json:"exchange"`
	SymbolID int64           `json:"symbol_id"`
	EventTS  int64           `json:"event_ts_ms"`
	FetchTS  int64           `json:"fetch_ts_ms"`
	BestBid  decimal.Decimal `json:"best_bid"`
	BestAsk  decimal.Decimal `json:"best_ask"`
}

// Mid returns (BestBid+BestAsk)/2 without loss: the quotient gets one more
// fractional digit than the sum, which makes halving exact.
func (s Spread) Mid() decimal.Decimal {
	sum := s.BestBid.Add(s.BestAsk)
	scale := -sum.Exponent()
	if scale < 0 {
		scale = 0
	}
	return sum.DivRound(two, scale+1)
}

// WeightAdjust carries a venue's 24h base-volume measurement for one symbol.
// Only the latest value per (exchange, symbol_id) is meaningful; zero means
// the venue no longer contributes to the consensus.
type WeightAdjust struct {
	ID       string  `json:"id"`
	Exchange string  `json:"exchange"`
	SymbolID int64   `json:"symbol_id"`
	Weight   float64 `json:"weight"`
}

// TrueMidPrice is the volume-weighted consensus mid for one symbol, published
// only when the value changes.
type TrueMidPrice struct {
	ID                 string          `json:"id"`
	SymbolID           int64           `json:"symbol_id"`
	EventTS            int64           `json:"event_ts_ms"`
	TrueMidPrice       decimal.Decimal `json:"true_mid_price"`
	TriggeringSpreadID string          `json:"triggering_spread_id"`
}

// NewID returns a time-ordered unique id. UUIDv7 sorts by creation time, which
// keeps ids usable as dedup keys and roughly index-friendly.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NowMS is the current wall clock in milliseconds since epoch.
func NowMS() int64 {
	return time.Now().UnixMilli()
}

// NewTrade stamps a trade with a fresh id and fetch timestamp.
func NewTrade(exchange string, symbolID int64, eventTS int64, price, amount decimal.Decimal, isBuy bool) Trade {
	return Trade{
		ID:       NewID(),
		Exchange: exchange,
		SymbolID: symbolID,
		EventTS:  eventTS,
		FetchTS:  NowMS(),
		Price:    price,
		Amount:   amount,
		IsBuy:    isBuy,
	}
}

// NewSpread stamps a spread with a fresh id and fetch timestamp.
func NewSpread(exchange string, symbolID int64, eventTS int64, bestBid, bestAsk decimal.Decimal) Spread {
	return Spread{
		ID:       NewID(),
		Exchange: exchange,
		SymbolID: symbolID,
		EventTS:  eventTS,
		FetchTS:  NowMS(),
		BestBid:  bestBid,
		BestAsk:  bestAsk,
	}
}

// NewWeightAdjust stamps a weight adjustment with a fresh id.
func NewWeightAdjust(exchange string, symbolID int64, weight float64) WeightAdjust {
	return WeightAdjust{
		ID:       NewID(),
		Exchange: exchange,
		SymbolID: symbolID,
		Weight:   weight,
	}
}

// NewTrueMidPrice stamps a consensus price with a fresh id and event time.
func NewTrueMidPrice(symbolID int64, price decimal.Decimal, triggeringSpreadID string) TrueMidPrice {
	return TrueMidPrice{
		ID:                 NewID(),
		SymbolID:           symbolID,
		EventTS:            NowMS(),
		TrueMidPrice:       price,
		TriggeringSpreadID: triggeringSpreadID,
	}
}
