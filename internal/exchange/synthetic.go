package exchange

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const syntheticNative = "SYN-USD"

// Synthetic replays a deterministic seesaw market without touching the
// network: the price walks up from the base and back down again, one tick per
// interval. It exists for demos, benchmarks and wiring tests.
type Synthetic struct {
	interval time.Duration
	base     decimal.Decimal
	step     decimal.Decimal
	span     int
}

func NewSynthetic() *Synthetic {
	return &Synthetic{
		interval: 25 * time.Millisecond,
		base:     decimal.NewFromInt(100),
		step:     decimal.RequireFromString("0.01"),
		span:     100,
	}
}

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Init(ctx context.Context) error { return nil }

func (s *Synthetic) ListMarkets(ctx context.Context) ([]Listing, error) {
	return []Listing{{Symbol: "SYN/USD", Native: syntheticNative, Base: "SYN", Quote: "USD"}}, nil
}

func (s *Synthetic) GetMarket(ctx context.Context, native string) (Market, error) {
	if native != syntheticNative {
		return Market{}, fmt.Errorf("synthetic %s: %w", native, ErrNotSupported)
	}
	return Market{Close: s.base, BaseVolume24h: 1000}, nil
}

func (s *Synthetic) WatchTrades(ctx context.Context, native string) (TradeStream, error) {
	w, err := s.newWalk(native)
	if err != nil {
		return nil, err
	}
	return &syntheticTradeStream{walk: w}, nil
}

func (s *Synthetic) WatchSpreads(ctx context.Context, native string, depth int) (SpreadStream, error) {
	w, err := s.newWalk(native)
	if err != nil {
		return nil, err
	}
	return &syntheticSpreadStream{walk: w}, nil
}

func (s *Synthetic) newWalk(native string) (*syntheticWalk, error) {
	if native != syntheticNative {
		return nil, fmt.Errorf("synthetic %s: %w", native, ErrNotSupported)
	}
	return &syntheticWalk{
		interval: s.interval,
		price:    s.base,
		step:     s.step,
		span:     s.span,
		dir:      1,
		done:     make(chan struct{}),
	}, nil
}

// syntheticWalk is the shared seesaw price path behind both stream kinds.
type syntheticWalk struct {
	interval time.Duration
	price    decimal.Decimal
	step     decimal.Decimal
	span     int
	dir      int64
	ticks    int
	done     chan struct{}
	once     sync.Once
}

func (w *syntheticWalk) advance(ctx context.Context) (decimal.Decimal, error) {
	t := time.NewTimer(w.interval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return decimal.Decimal{}, ctx.Err()
	case <-w.done:
		return decimal.Decimal{}, io.EOF
	}
	w.price = w.price.Add(w.step.Mul(decimal.NewFromInt(w.dir)))
	w.ticks++
	if w.ticks%w.span == 0 {
		w.dir = -w.dir
	}
	return w.price, nil
}

func (w *syntheticWalk) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

type syntheticTradeStream struct {
	walk *syntheticWalk
}

func (s *syntheticTradeStream) Next(ctx context.Context) (TradeEvent, error) {
	price, err := s.walk.advance(ctx)
	if err != nil {
		return TradeEvent{}, err
	}
	return TradeEvent{
		EventTS: time.Now().UnixMilli(),
		Price:   price,
		Amount:  decimal.NewFromInt(1),
		IsBuy:   s.walk.dir > 0,
	}, nil
}

func (s *syntheticTradeStream) Close() error { return s.walk.Close() }

type syntheticSpreadStream struct {
	walk *syntheticWalk
}

func (s *syntheticSpreadStream) Next(ctx context.Context) (SpreadEvent, error) {
	price, err := s.walk.advance(ctx)
	if err != nil {
		return SpreadEvent{}, err
	}
	return SpreadEvent{
		EventTS: time.Now().UnixMilli(),
		Bids:    []BookLevel{{Price: price.Sub(s.walk.step), Amount: decimal.NewFromInt(1)}},
		Asks:    []BookLevel{{Price: price.Add(s.walk.step), Amount: decimal.NewFromInt(1)}},
	}, nil
}

func (s *syntheticSpreadStream) Close() error { return s.walk.Close() }
