// Package aggregator folds per-venue spreads into one volume-weighted
// consensus mid per symbol. It consumes the spreads and weights topics,
// keeps a small processor per symbol_id and publishes a TrueMidPrice only
// when the consensus value actually changes.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/messages"
)

// Metrics is the slice of telemetry the aggregator reports.
type Metrics interface {
	TrueMidUpdated()
}

// Aggregator is the consensus worker. One instance serves every symbol on
// the bus.
type Aggregator struct {
	bus     *bus.Bus
	metrics Metrics
	log     zerolog.Logger

	mu         sync.Mutex
	processors map[int64]*SymbolProcessor
}

func New(b *bus.Bus, m Metrics) *Aggregator {
	return &Aggregator{
		bus:        b,
		metrics:    m,
		log:        log.With().Str("worker", "aggregator").Logger(),
		processors: make(map[int64]*SymbolProcessor),
	}
}

func (a *Aggregator) Name() string { return "aggregator" }

func (a *Aggregator) Init(ctx context.Context) error { return nil }

// Run consumes spreads and weights until cancellation or bus shutdown. The
// two topics are read by separate goroutines sharing per-symbol state under
// the processor locks. Run returns non-nil only when publishing the consensus
// fails, which means the bus is broken and the process must die.
func (a *Aggregator) Run(ctx context.Context) error {
	spreads := a.bus.Spreads.Subscribe()
	defer spreads.Close()
	weights := a.bus.Weights.Subscribe()
	defer weights.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.log.Info().Msg("aggregator is live")

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- a.consumeSpreads(runCtx, spreads)
	}()
	go func() {
		defer wg.Done()
		errCh <- a.consumeWeights(runCtx, weights)
	}()

	// The first consumer to stop takes its sibling down with it. A clean
	// stop on one side (bus closed, ctx done) still surfaces a pending
	// failure from the other.
	err := <-errCh
	cancel()
	wg.Wait()
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

func (a *Aggregator) consumeSpreads(ctx context.Context, sub *bus.Subscription[messages.Spread]) error {
	for {
		sp, err := sub.Recv(ctx)
		if err != nil {
			return recvErr(err)
		}
		if err := a.handleSpread(ctx, sp); err != nil {
			return err
		}
		sub.Ack(1)
	}
}

func (a *Aggregator) consumeWeights(ctx context.Context, sub *bus.Subscription[messages.WeightAdjust]) error {
	for {
		w, err := sub.Recv(ctx)
		if err != nil {
			return recvErr(err)
		}
		a.processor(w.SymbolID).SetWeight(w.Exchange, w.Weight)
		sub.Ack(1)
	}
}

func (a *Aggregator) handleSpread(ctx context.Context, sp messages.Spread) error {
	proc := a.processor(sp.SymbolID)
	price, changed := proc.ApplySpread(sp.Exchange, sp.Mid())
	if !changed {
		return nil
	}

	tp := messages.NewTrueMidPrice(sp.SymbolID, price, sp.ID)
	if err := a.bus.TruePrices.Publish(ctx, tp); err != nil {
		return fmt.Errorf("failed to publish true mid for symbol %d: %w", sp.SymbolID, err)
	}
	proc.ConfirmEmitted(price)
	if a.metrics != nil {
		a.metrics.TrueMidUpdated()
	}
	a.log.Debug().
		Int64("symbol_id", sp.SymbolID).
		Str("true_mid_price", price.String()).
		Str("spread_id", sp.ID).
		Msg("consensus moved")
	return nil
}

// processor returns the state for one symbol, creating it on first sight.
// Both topics can be the first to mention a symbol: a spread seen before any
// weight records its mid but cannot emit until a positive weight arrives.
func (a *Aggregator) processor(symbolID int64) *SymbolProcessor {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.processors[symbolID]
	if !ok {
		p = newSymbolProcessor()
		a.processors[symbolID] = p
	}
	return p
}

// recvErr maps shutdown conditions to a clean exit.
func recvErr(err error) error {
	if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// SymbolProcessor folds one symbol's per-venue mids and weights into a
// consensus price and remembers the last value it emitted.
type SymbolProcessor struct {
	mu          sync.Mutex
	weights     map[string]float64
	lastMids    map[string]decimal.Decimal
	lastEmitted *decimal.Decimal
}

func newSymbolProcessor() *SymbolProcessor {
	return &SymbolProcessor{
		weights:  make(map[string]float64),
		lastMids: make(map[string]decimal.Decimal),
	}
}

// SetWeight records a venue's weight. A weight change never emits on its
// own; the next spread recomputes with the updated table.
func (p *SymbolProcessor) SetWeight(exchange string, weight float64) {
	p.mu.Lock()
	p.weights[exchange] = weight
	p.mu.Unlock()
}

// ApplySpread records the venue's new mid, recomputes the consensus and
// reports whether it differs from the last emitted value. The caller
// confirms with ConfirmEmitted once the publish succeeds, so a failed
// publish leaves the value pending for the next spread.
func (p *SymbolProcessor) ApplySpread(exchange string, mid decimal.Decimal) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastMids[exchange] = mid

	price, ok := p.consensus()
	if !ok {
		return decimal.Decimal{}, false
	}
	if p.lastEmitted != nil && price.Equal(*p.lastEmitted) {
		return decimal.Decimal{}, false
	}
	return price, true
}

// ConfirmEmitted records a successfully published consensus value.
func (p *SymbolProcessor) ConfirmEmitted(price decimal.Decimal) {
	p.mu.Lock()
	p.lastEmitted = &price
	p.mu.Unlock()
}

// consensus computes the weighted average over venues with a known mid.
// Venues carrying a mid but no weight entry count as weight zero, and
// non-positive weights contribute nothing; when no positive weight remains
// the consensus is undefined. Weight fractions are divided in float64 and
// converted to decimal for the dot product; the result is quantized to the
// largest contributing mid scale plus one digit, which keeps the halving
// digit mids carry and makes small averages exact. Callers hold p.mu.
func (p *SymbolProcessor) consensus() (decimal.Decimal, bool) {
	var total float64
	for e := range p.lastMids {
		if w := p.weights[e]; w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return decimal.Decimal{}, false
	}

	sum := decimal.Zero
	var scale int32
	for e, mid := range p.lastMids {
		w := p.weights[e]
		if w <= 0 {
			continue
		}
		frac := decimal.NewFromFloat(w / total)
		sum = sum.Add(mid.Mul(frac))
		if s := -mid.Exponent(); s > scale {
			scale = s
		}
	}
	return sum.Round(scale + 1), true
}
