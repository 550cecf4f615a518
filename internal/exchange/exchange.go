// Package exchange normalizes market data from cryptocurrency venues behind a
// single adapter contract: market listings for seeding, streaming trades and
// top-of-book spreads over WebSocket, and 24h ticker lookups over REST.
package exchange

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// ErrNotSupported means the venue cannot serve this symbol or feature at all.
// Callers mark the mapping unavailable instead of retrying.
var ErrNotSupported = errors.New("exchange: not supported")

// TradeEvent is one executed trade as reported by the feed. EventTS is the
// venue's trade time in milliseconds; zero when the venue omitted it.
type TradeEvent struct {
	EventTS int64
	Price   decimal.Decimal
	Amount  decimal.Decimal
	IsBuy   bool
}

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// SpreadEvent is an order-book update with each side ordered best first.
type SpreadEvent struct {
	EventTS int64
	Bids    []BookLevel
	Asks    []BookLevel
}

// Listing describes one market for registry seeding. Native is the venue's
// own identifier, used for all subsequent adapter calls.
type Listing struct {
	Symbol string // canonical BASE/QUOTE
	Native string
	Base   string
	Quote  string
}

// Market is a 24h ticker snapshot.
type Market struct {
	Close         decimal.Decimal
	BaseVolume24h float64
}

// TradeStream yields trades until an error; streams are not restartable after
// an error. Close is idempotent and releases the underlying connection.
type TradeStream interface {
	Next(ctx context.Context) (TradeEvent, error)
	Close() error
}

// SpreadStream yields order-book updates until an error.
type SpreadStream interface {
	Next(ctx context.Context) (SpreadEvent, error)
	Close() error
}

// Adapter is the per-venue contract consumed by producers and the registry.
type Adapter interface {
	Name() string
	ListMarkets(ctx context.Context) ([]Listing, error)
	Init(ctx context.Context) error
	WatchTrades(ctx context.Context, native string) (TradeStream, error)
	WatchSpreads(ctx context.Context, native string, depth int) (SpreadStream, error)
	GetMarket(ctx context.Context, native string) (Market, error)
}

// IsTransient reports whether err is a flaky-network class failure worth an
// in-place retry. Unsupported symbols and cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotSupported) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
