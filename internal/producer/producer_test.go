package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/exchange"
	"github.com/midstreamhq/midstream/internal/messages"
	"github.com/midstreamhq/midstream/internal/registry"
)

type fakeRegistry struct {
	mapping   registry.Mapping
	ensureErr error
	marked    atomic.Int32
}

func (f *fakeRegistry) EnsureMapping(ctx context.Context, adapter exchange.Adapter, symbol string) (registry.Mapping, error) {
	if f.ensureErr != nil {
		return registry.Mapping{}, f.ensureErr
	}
	return f.mapping, nil
}

func (f *fakeRegistry) MarkUnavailable(ctx context.Context, symbolID int64, venue string, unavailable bool) error {
	f.marked.Add(1)
	return nil
}

type step struct {
	trade  exchange.TradeEvent
	spread exchange.SpreadEvent
	err    error
}

// scriptedTrades replays its steps, then blocks until cancellation.
type scriptedTrades struct{ steps []step }

func (s *scriptedTrades) Next(ctx context.Context) (exchange.TradeEvent, error) {
	if len(s.steps) == 0 {
		<-ctx.Done()
		return exchange.TradeEvent{}, ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.trade, st.err
}

func (s *scriptedTrades) Close() error { return nil }

type scriptedSpreads struct{ steps []step }

func (s *scriptedSpreads) Next(ctx context.Context) (exchange.SpreadEvent, error) {
	if len(s.steps) == 0 {
		<-ctx.Done()
		return exchange.SpreadEvent{}, ctx.Err()
	}
	st := s.steps[0]
	s.steps = s.steps[1:]
	return st.spread, st.err
}

func (s *scriptedSpreads) Close() error { return nil }

// fakeAdapter hands out one scripted stream per WatchTrades/WatchSpreads call.
type fakeAdapter struct {
	name      string
	market    exchange.Market
	marketErr error

	mu          sync.Mutex
	tradeRuns   []exchange.TradeStream
	spreadRuns  []exchange.SpreadStream
	marketCalls atomic.Int32
}

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) Init(ctx context.Context) error { return nil }

func (f *fakeAdapter) ListMarkets(ctx context.Context) ([]exchange.Listing, error) {
	return nil, nil
}

func (f *fakeAdapter) GetMarket(ctx context.Context, native string) (exchange.Market, error) {
	f.marketCalls.Add(1)
	return f.market, f.marketErr
}

func (f *fakeAdapter) WatchTrades(ctx context.Context, native string) (exchange.TradeStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tradeRuns) == 0 {
		return nil, errors.New("no more scripted trade streams")
	}
	s := f.tradeRuns[0]
	f.tradeRuns = f.tradeRuns[1:]
	return s, nil
}

func (f *fakeAdapter) WatchSpreads(ctx context.Context, native string, depth int) (exchange.SpreadStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spreadRuns) == 0 {
		return nil, errors.New("no more scripted spread streams")
	}
	s := f.spreadRuns[0]
	f.spreadRuns = f.spreadRuns[1:]
	return s, nil
}

type fakeMetrics struct{ restarts atomic.Int32 }

func (f *fakeMetrics) ProducerRestarted(exchange, kind string) { f.restarts.Add(1) }

func btcMapping() registry.Mapping {
	return registry.Mapping{SymbolID: 7, Symbol: "BTC/USD", Exchange: "kraken", ExchangeSymbol: "XBT/USD"}
}

func newTestProducer(adapter *fakeAdapter, kind Kind, retryForever bool, m Metrics) (*Producer, *bus.Bus, *fakeRegistry) {
	b := bus.NewMemory(nil, zerolog.Nop())
	reg := &fakeRegistry{mapping: btcMapping()}
	p := New(Config{
		Adapter:      adapter,
		Symbol:       "BTC/USD",
		Kind:         kind,
		Registry:     reg,
		Bus:          b,
		Metrics:      m,
		RetryForever: retryForever,
	})
	p.transientDelay = time.Millisecond
	p.backoffStep = time.Millisecond
	p.backoffMax = 5 * time.Millisecond
	return p, b, reg
}

func recvWeight(t *testing.T, sub *bus.Subscription[messages.WeightAdjust]) messages.WeightAdjust {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := sub.Recv(ctx)
	require.NoError(t, err)
	return w
}

func TestInitPublishesInitialWeight(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 8913.3}}
	p, b, _ := newTestProducer(adapter, KindTrades, false, nil)
	weights := b.Weights.Subscribe()
	defer weights.Close()

	require.NoError(t, p.Init(context.Background()))

	w := recvWeight(t, weights)
	assert.Equal(t, "kraken", w.Exchange)
	assert.Equal(t, int64(7), w.SymbolID)
	assert.InDelta(t, 8913.3, w.Weight, 1e-9)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, "kraken:BTC/USD:trades", p.Name())
}

func TestInitStopsOnUnavailableMapping(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken"}
	p, _, reg := newTestProducer(adapter, KindTrades, false, nil)
	reg.ensureErr = fmt.Errorf("kraken BTC/USD: %w", registry.ErrUnavailable)

	err := p.Init(context.Background())
	assert.ErrorIs(t, err, registry.ErrUnavailable)
	assert.Zero(t, adapter.marketCalls.Load(), "unavailable mappings never hit the venue")
}

func TestTradeFlowDropsStaleAndUntimed(t *testing.T) {
	now := messages.NowMS()
	price := decimal.RequireFromString("16541.2")
	amount := decimal.RequireFromString("0.5")
	one := decimal.NewFromInt(1)

	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{steps: []step{
		{trade: exchange.TradeEvent{EventTS: 0, Price: one, Amount: one}},
		{trade: exchange.TradeEvent{EventTS: now - 301_000, Price: one, Amount: one}},
		{trade: exchange.TradeEvent{EventTS: now - 299_000, Price: price, Amount: amount, IsBuy: true}},
	}}}

	p, b, _ := newTestProducer(adapter, KindTrades, false, nil)
	trades := b.Trades.Subscribe()
	defer trades.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	got, err := trades.Recv(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "kraken", got.Exchange)
	assert.Equal(t, int64(7), got.SymbolID)
	assert.Equal(t, now-299_000, got.EventTS)
	assert.True(t, got.Price.Equal(price))
	assert.True(t, got.IsBuy)
	assert.NotEmpty(t, got.ID)
	assert.NotZero(t, got.FetchTS)

	cancel()
	require.NoError(t, <-done)

	_, ok := trades.TryRecv()
	assert.False(t, ok, "stale and untimed trades must not be published")
}

func TestHealthExhaustionKillsProducer(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	for i := 0; i < HealthCounterMax; i++ {
		adapter.tradeRuns = append(adapter.tradeRuns,
			&scriptedTrades{steps: []step{{err: errors.New("feed gone")}}})
	}

	fm := &fakeMetrics{}
	p, b, reg := newTestProducer(adapter, KindTrades, false, fm)
	weights := b.Weights.Subscribe()
	defer weights.Close()

	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Run(ctx), "health exhaustion is self-absorbed")

	assert.Equal(t, int32(HealthCounterMax-1), fm.restarts.Load())
	assert.Zero(t, reg.marked.Load())

	initial := recvWeight(t, weights)
	assert.InDelta(t, 5, initial.Weight, 1e-9)
	terminal := recvWeight(t, weights)
	assert.Zero(t, terminal.Weight, "dead producers zero their weight")
}

func TestUnsupportedSymbolMarksMappingUnavailable(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{steps: []step{
		{err: fmt.Errorf("subscription rejected: %w", exchange.ErrNotSupported)},
	}}}

	p, b, reg := newTestProducer(adapter, KindTrades, false, nil)
	weights := b.Weights.Subscribe()
	defer weights.Close()

	ctx := context.Background()
	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Run(ctx))

	assert.Equal(t, int32(1), reg.marked.Load())
	recvWeight(t, weights) // initial
	terminal := recvWeight(t, weights)
	assert.Zero(t, terminal.Weight)
}

func TestTransientErrorsRetryInPlaceWithoutRestart(t *testing.T) {
	now := messages.NowMS()
	one := decimal.NewFromInt(1)
	transient := &net.OpError{Op: "read", Err: errors.New("connection reset")}

	var steps []step
	for i := 0; i < 3; i++ {
		steps = append(steps,
			step{trade: exchange.TradeEvent{EventTS: now, Price: one, Amount: one}},
			step{trade: exchange.TradeEvent{EventTS: now, Price: one, Amount: one}},
			step{err: transient},
		)
	}
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{steps: steps}}

	fm := &fakeMetrics{}
	p, b, _ := newTestProducer(adapter, KindTrades, false, fm)
	trades := b.Trades.Subscribe()
	defer trades.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recvCancel()
	for i := 0; i < 6; i++ {
		_, err := trades.Recv(recvCtx)
		require.NoError(t, err, "event %d", i)
	}

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, fm.restarts.Load(), "in-place retries must not restart the stream")
}

func TestRetryForeverOutlivesHealthExhaustion(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	// No scripted streams at all: every WatchTrades call fails.
	fm := &fakeMetrics{}
	p, _, _ := newTestProducer(adapter, KindTrades, true, fm)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fm.restarts.Load() >= int32(HealthCounterMax)+2
	}, 5*time.Second, time.Millisecond, "producer should keep restarting past health exhaustion")

	cancel()
	require.NoError(t, <-done)
}

// flakyTrades fails the first n publishes with a transient bus error, then
// delegates to the real topic.
type flakyTrades struct {
	bus.Topic[messages.Trade]
	remaining atomic.Int32
}

func (f *flakyTrades) Publish(ctx context.Context, msg messages.Trade) error {
	if f.remaining.Add(-1) >= 0 {
		return &bus.TransientError{Err: errors.New("backend blip")}
	}
	return f.Topic.Publish(ctx, msg)
}

func TestTransientPublishRetriesInPlace(t *testing.T) {
	now := messages.NowMS()
	priceA := decimal.RequireFromString("1")
	priceB := decimal.RequireFromString("2")
	one := decimal.NewFromInt(1)

	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{steps: []step{
		{trade: exchange.TradeEvent{EventTS: now, Price: priceA, Amount: one}},
		{trade: exchange.TradeEvent{EventTS: now, Price: priceB, Amount: one}},
	}}}

	fm := &fakeMetrics{}
	p, b, _ := newTestProducer(adapter, KindTrades, false, fm)
	p.publishDelay = time.Millisecond

	flaky := &flakyTrades{Topic: b.Trades}
	flaky.remaining.Store(1)
	b.Trades = flaky

	trades := flaky.Topic.Subscribe()
	defer trades.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()

	first, err := trades.Recv(recvCtx)
	require.NoError(t, err)
	assert.True(t, first.Price.Equal(priceA), "blipped event must still be delivered, got %s", first.Price)

	second, err := trades.Recv(recvCtx)
	require.NoError(t, err)
	assert.True(t, second.Price.Equal(priceB))

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, fm.restarts.Load(), "a transient publish must not restart the stream")
}

func TestExhaustedPublishRetriesAreFatal(t *testing.T) {
	now := messages.NowMS()
	one := decimal.NewFromInt(1)

	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{steps: []step{
		{trade: exchange.TradeEvent{EventTS: now, Price: one, Amount: one}},
	}}}

	p, b, _ := newTestProducer(adapter, KindTrades, true, nil)
	p.publishDelay = time.Millisecond

	flaky := &flakyTrades{Topic: b.Trades}
	flaky.remaining.Store(1 << 30) // never recovers
	b.Trades = flaky

	ctx := context.Background()
	require.NoError(t, p.Init(ctx))

	err := p.Run(ctx)
	require.Error(t, err, "a bus that stays broken past the retry budget kills the worker")
	assert.True(t, bus.IsFatal(err), "got %v", err)
}

func TestSpreadCoalescingAndCrossedBooks(t *testing.T) {
	now := messages.NowMS()
	mk := func(bid, ask string, ts int64) step {
		return step{spread: exchange.SpreadEvent{
			EventTS: ts,
			Bids:    []exchange.BookLevel{{Price: decimal.RequireFromString(bid), Amount: decimal.NewFromInt(1)}},
			Asks:    []exchange.BookLevel{{Price: decimal.RequireFromString(ask), Amount: decimal.NewFromInt(1)}},
		}}
	}
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 5}}
	adapter.spreadRuns = []exchange.SpreadStream{&scriptedSpreads{steps: []step{
		mk("100", "102", now),
		mk("100", "102", now+1), // identical pair, coalesced
		mk("104", "103", now+2), // crossed book, skipped
		mk("100", "103", 0),     // untimed, dropped without touching state
		mk("100", "103", now+3),
	}}}

	p, b, _ := newTestProducer(adapter, KindSpreads, false, nil)
	spreads := b.Spreads.Subscribe()
	defer spreads.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()

	first, err := spreads.Recv(recvCtx)
	require.NoError(t, err)
	assert.True(t, first.BestBid.Equal(decimal.RequireFromString("100")))
	assert.True(t, first.BestAsk.Equal(decimal.RequireFromString("102")))
	assert.Equal(t, now, first.EventTS)

	second, err := spreads.Recv(recvCtx)
	require.NoError(t, err)
	assert.True(t, second.BestAsk.Equal(decimal.RequireFromString("103")))
	assert.Equal(t, now+3, second.EventTS)

	cancel()
	require.NoError(t, <-done)

	_, ok := spreads.TryRecv()
	assert.False(t, ok, "coalesced, crossed and untimed spreads must not be published")
}

func TestWeightRefresherRepublishes(t *testing.T) {
	adapter := &fakeAdapter{name: "kraken", market: exchange.Market{BaseVolume24h: 42}}
	adapter.tradeRuns = []exchange.TradeStream{&scriptedTrades{}} // blocks forever

	p, b, _ := newTestProducer(adapter, KindTrades, false, nil)
	p.refreshEvery = 10 * time.Millisecond
	weights := b.Weights.Subscribe()
	defer weights.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Init(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	initial := recvWeight(t, weights)
	assert.InDelta(t, 42, initial.Weight, 1e-9)

	refreshed := recvWeight(t, weights)
	assert.InDelta(t, 42, refreshed.Weight, 1e-9)
	assert.NotEqual(t, initial.ID, refreshed.ID)

	cancel()
	require.NoError(t, <-done)

	// Terminal zero is the last weight on the bus.
	last := messages.WeightAdjust{Weight: -1}
	for {
		w, ok := weights.TryRecv()
		if !ok {
			break
		}
		last = w
	}
	assert.Zero(t, last.Weight)
}
