// Package producer runs the per-(exchange, symbol, kind) ingestion tasks.
// A producer connects one venue feed, normalizes its events onto the bus and
// heals itself through a health counter: transient trouble is retried in
// place, repeated failure restarts the stream, and only health exhaustion or
// an unsupported symbol kills the task for good.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/exchange"
	"github.com/midstreamhq/midstream/internal/messages"
	"github.com/midstreamhq/midstream/internal/registry"
)

// Kind selects which feed a producer consumes.
type Kind string

const (
	KindTrades  Kind = "trades"
	KindSpreads Kind = "spreads"
)

// HealthCounterMax is the number of consecutive stream failures a producer
// absorbs before it is declared dead. Every delivered event restores the
// counter to this value.
const HealthCounterMax = 3

const (
	transientRetryMax   = 3
	transientRetryDelay = 5 * time.Second
	publishRetryMax     = 3
	publishRetryDelay   = 100 * time.Millisecond
	restartBackoffStep  = time.Second
	restartBackoffMax   = 5 * time.Second
	weightRefreshEvery  = 500 * time.Second
	terminalWeightGrace = 2 * time.Second
	defaultBookDepth    = 25

	// Trades older than this are reconnect replays, not market activity.
	maxTradeAge = 300 * time.Second
)

// Metrics is the slice of telemetry the producer reports.
type Metrics interface {
	ProducerRestarted(exchange, kind string)
}

// SymbolRegistry is the slice of the registry the producer needs.
type SymbolRegistry interface {
	EnsureMapping(ctx context.Context, adapter exchange.Adapter, symbol string) (registry.Mapping, error)
	MarkUnavailable(ctx context.Context, symbolID int64, venue string, unavailable bool) error
}

// Config assembles one producer.
type Config struct {
	Adapter  exchange.Adapter
	Symbol   string // canonical BASE/QUOTE
	Kind     Kind
	Registry SymbolRegistry
	Bus      *bus.Bus
	Metrics  Metrics

	// RetryForever keeps the producer restarting past health exhaustion;
	// unsupported symbols still kill it.
	RetryForever bool

	// Depth is the order-book depth requested from spread feeds. Only the
	// top level is consumed.
	Depth int
}

type publishedPair struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// Producer is one (exchange, symbol, kind) ingestion task.
type Producer struct {
	adapter      exchange.Adapter
	symbol       string
	kind         Kind
	reg          SymbolRegistry
	bus          *bus.Bus
	metrics      Metrics
	retryForever bool
	depth        int
	log          zerolog.Logger

	transientDelay  time.Duration
	publishDelay    time.Duration
	backoffStep     time.Duration
	backoffMax      time.Duration
	refreshEvery    time.Duration
	terminalTimeout time.Duration

	mapping     registry.Mapping
	health      int
	consecutive int
	lastSpread  *publishedPair
}

func New(cfg Config) *Producer {
	if cfg.Depth <= 0 {
		cfg.Depth = defaultBookDepth
	}
	return &Producer{
		adapter:      cfg.Adapter,
		symbol:       cfg.Symbol,
		kind:         cfg.Kind,
		reg:          cfg.Registry,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		retryForever: cfg.RetryForever,
		depth:        cfg.Depth,
		log: log.With().
			Str("exchange", cfg.Adapter.Name()).
			Str("symbol", cfg.Symbol).
			Str("kind", string(cfg.Kind)).
			Logger(),
		transientDelay:  transientRetryDelay,
		publishDelay:    publishRetryDelay,
		backoffStep:     restartBackoffStep,
		backoffMax:      restartBackoffMax,
		refreshEvery:    weightRefreshEvery,
		terminalTimeout: terminalWeightGrace,
		health:          HealthCounterMax,
	}
}

func (p *Producer) Name() string {
	return fmt.Sprintf("%s:%s:%s", p.adapter.Name(), p.symbol, p.kind)
}

// Init resolves the symbol mapping (seeding the venue's markets on demand),
// runs the adapter's one-time setup and publishes the initial weight from the
// venue's 24h volume. Any failure drops the worker before Run starts.
func (p *Producer) Init(ctx context.Context) error {
	m, err := p.reg.EnsureMapping(ctx, p.adapter, p.symbol)
	if err != nil {
		return err
	}
	p.mapping = m

	if err := p.adapter.Init(ctx); err != nil {
		return fmt.Errorf("failed to init %s adapter: %w", p.adapter.Name(), err)
	}

	market, err := p.adapter.GetMarket(ctx, m.ExchangeSymbol)
	if err != nil {
		if errors.Is(err, exchange.ErrNotSupported) {
			p.markUnavailable(ctx)
		}
		return fmt.Errorf("failed to fetch initial weight for %s: %w", p.symbol, err)
	}
	weight := messages.NewWeightAdjust(p.adapter.Name(), m.SymbolID, market.BaseVolume24h)
	err = p.publishWithRetry(ctx, func(ctx context.Context) error {
		return p.bus.Weights.Publish(ctx, weight)
	})
	if err != nil {
		return fmt.Errorf("failed to publish initial weight: %w", err)
	}

	p.log.Info().Int64("symbol_id", m.SymbolID).Float64("weight", market.BaseVolume24h).
		Msg("producer initialized")
	return nil
}

// Run drives the streaming state machine until cancellation or death. The
// producer absorbs its own failures: Run returns non-nil only when the bus
// itself is broken, which is fatal to the whole process.
func (p *Producer) Run(ctx context.Context) error {
	// Deferred in reverse order: the refresher is stopped and joined first
	// so the terminal zero weight is the last one on the bus.
	defer p.publishTerminalWeight()

	refreshCtx, stopRefresh := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.refreshWeights(refreshCtx)
	}()
	defer wg.Wait()
	defer stopRefresh()

	p.health = HealthCounterMax
	p.consecutive = 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := p.streamOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, exchange.ErrNotSupported) {
			p.log.Warn().Str("error", truncErr(err)).Msg("symbol not supported by venue")
			p.markUnavailable(ctx)
			return nil
		}
		if bus.IsFatal(err) || errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("producer %s: %w", p.Name(), err)
		}

		p.health--
		p.consecutive++
		p.log.Warn().Str("error", truncErr(err)).Int("health", p.health).Msg("stream failed")
		if p.health <= 0 && !p.retryForever {
			p.log.Error().Str("error", truncErr(err)).Msg("health exhausted, producer dead")
			return nil
		}

		backoff := time.Duration(p.consecutive) * p.backoffStep
		if backoff > p.backoffMax {
			backoff = p.backoffMax
		}
		if sleep(ctx, backoff) != nil {
			return nil
		}
		if p.metrics != nil {
			p.metrics.ProducerRestarted(p.adapter.Name(), string(p.kind))
		}
	}
}

func (p *Producer) streamOnce(ctx context.Context) error {
	switch p.kind {
	case KindTrades:
		return p.streamTrades(ctx)
	case KindSpreads:
		return p.streamSpreads(ctx)
	default:
		panic(fmt.Sprintf("unknown producer kind %q", p.kind))
	}
}

func (p *Producer) streamTrades(ctx context.Context) error {
	stream, err := p.adapter.WatchTrades(ctx, p.mapping.ExchangeSymbol)
	if err != nil {
		return fmt.Errorf("failed to open trade stream: %w", err)
	}
	defer stream.Close()

	live := false
	retries := 0
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if retry, rerr := p.retryTransient(ctx, err, &retries); rerr != nil {
				return rerr
			} else if retry {
				continue
			}
			return err
		}
		retries = 0

		if ev.EventTS == 0 {
			p.log.Debug().Msg("dropping trade without event time")
			continue
		}
		if ev.EventTS < messages.NowMS()-maxTradeAge.Milliseconds() {
			p.log.Debug().Int64("event_ts_ms", ev.EventTS).Msg("dropping stale trade")
			continue
		}

		trade := messages.NewTrade(p.adapter.Name(), p.mapping.SymbolID, ev.EventTS, ev.Price, ev.Amount, ev.IsBuy)
		err = p.publishWithRetry(ctx, func(ctx context.Context) error {
			return p.bus.Trades.Publish(ctx, trade)
		})
		if err != nil {
			return fmt.Errorf("failed to publish trade: %w", err)
		}
		p.markDelivered(&live)
	}
}

func (p *Producer) streamSpreads(ctx context.Context) error {
	stream, err := p.adapter.WatchSpreads(ctx, p.mapping.ExchangeSymbol, p.depth)
	if err != nil {
		return fmt.Errorf("failed to open spread stream: %w", err)
	}
	defer stream.Close()

	live := false
	retries := 0
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if retry, rerr := p.retryTransient(ctx, err, &retries); rerr != nil {
				return rerr
			} else if retry {
				continue
			}
			return err
		}
		retries = 0

		// Events without a venue time are dropped without touching the
		// coalescing state: the next timed update must still go out even
		// when it matches the dropped one.
		if ev.EventTS == 0 {
			p.log.Debug().Msg("dropping spread without event time")
			continue
		}
		if len(ev.Bids) == 0 || len(ev.Asks) == 0 {
			continue
		}
		bid, ask := ev.Bids[0].Price, ev.Asks[0].Price
		if bid.GreaterThan(ask) {
			p.log.Debug().Str("best_bid", bid.String()).Str("best_ask", ask.String()).
				Msg("dropping crossed book")
			continue
		}
		if p.lastSpread != nil && p.lastSpread.bid.Equal(bid) && p.lastSpread.ask.Equal(ask) {
			continue
		}

		spread := messages.NewSpread(p.adapter.Name(), p.mapping.SymbolID, ev.EventTS, bid, ask)
		err = p.publishWithRetry(ctx, func(ctx context.Context) error {
			return p.bus.Spreads.Publish(ctx, spread)
		})
		if err != nil {
			return fmt.Errorf("failed to publish spread: %w", err)
		}
		p.lastSpread = &publishedPair{bid: bid, ask: ask}
		p.markDelivered(&live)
	}
}

// publishWithRetry retries a transient bus publish in place so one backend
// blip neither loses the event nor tears down the exchange stream. A publish
// still failing after the budget means the bus is broken for good and the
// worker must die.
func (p *Producer) publishWithRetry(ctx context.Context, publish func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := publish(ctx)
		if err == nil || !bus.IsTransient(err) {
			return err
		}
		if attempt >= publishRetryMax {
			return &bus.FatalError{Err: fmt.Errorf("%v after %d retries", err, attempt)}
		}
		p.log.Warn().Str("error", truncErr(err)).Int("attempt", attempt+1).
			Msg("transient publish error, retrying in place")
		if serr := sleep(ctx, p.publishDelay); serr != nil {
			return serr
		}
	}
}

// retryTransient decides what to do with a stream error: sleep and retry in
// place for flaky-network failures within the per-stream budget, otherwise
// let the error bubble to the restart logic.
func (p *Producer) retryTransient(ctx context.Context, err error, retries *int) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if !exchange.IsTransient(err) || *retries >= transientRetryMax {
		return false, nil
	}
	*retries++
	p.log.Warn().Str("error", truncErr(err)).Int("attempt", *retries).
		Msg("transient feed error, retrying in place")
	if serr := sleep(ctx, p.transientDelay); serr != nil {
		return false, serr
	}
	return true, nil
}

func (p *Producer) markDelivered(live *bool) {
	p.health = HealthCounterMax
	p.consecutive = 0
	if !*live {
		*live = true
		p.log.Info().Msg("producer is live")
	}
}

// refreshWeights republishes the venue's 24h volume on a slow cadence so the
// aggregator tracks shifting liquidity.
func (p *Producer) refreshWeights(ctx context.Context) {
	ticker := time.NewTicker(p.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		market, err := p.adapter.GetMarket(ctx, p.mapping.ExchangeSymbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Str("error", truncErr(err)).Msg("failed to refresh weight")
			continue
		}
		weight := messages.NewWeightAdjust(p.adapter.Name(), p.mapping.SymbolID, market.BaseVolume24h)
		if err := p.bus.Weights.Publish(ctx, weight); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Str("error", truncErr(err)).Msg("failed to publish refreshed weight")
			continue
		}
		p.log.Debug().Float64("weight", market.BaseVolume24h).Msg("weight refreshed")
	}
}

// publishTerminalWeight tells the aggregator this venue no longer
// contributes. It runs on a detached context so the message still goes out
// when the producer is being cancelled.
func (p *Producer) publishTerminalWeight() {
	ctx, cancel := context.WithTimeout(context.Background(), p.terminalTimeout)
	defer cancel()

	weight := messages.NewWeightAdjust(p.adapter.Name(), p.mapping.SymbolID, 0)
	if err := p.bus.Weights.Publish(ctx, weight); err != nil {
		p.log.Warn().Str("error", truncErr(err)).Msg("failed to publish terminal weight")
		return
	}
	p.log.Info().Msg("published terminal weight")
}

func (p *Producer) markUnavailable(ctx context.Context) {
	if err := p.reg.MarkUnavailable(ctx, p.mapping.SymbolID, p.adapter.Name(), true); err != nil {
		p.log.Warn().Str("error", truncErr(err)).Msg("failed to mark mapping unavailable")
		return
	}
	p.log.Warn().Msg("mapping marked unavailable")
}

const maxErrLen = 200

func truncErr(err error) string {
	msg := err.Error()
	if len(msg) > maxErrLen {
		return msg[:maxErrLen]
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
