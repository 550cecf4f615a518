package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/messages"
)

func mid(bid, ask string) decimal.Decimal {
	return messages.Spread{
		BestBid: decimal.RequireFromString(bid),
		BestAsk: decimal.RequireFromString(ask),
	}.Mid()
}

// applyAndConfirm mirrors the spread handler: a changed value counts as
// emitted.
func applyAndConfirm(p *SymbolProcessor, exchange string, m decimal.Decimal) (decimal.Decimal, bool) {
	price, changed := p.ApplySpread(exchange, m)
	if changed {
		p.ConfirmEmitted(price)
	}
	return price, changed
}

func TestConsensusSingleVenue(t *testing.T) {
	p := newSymbolProcessor()
	p.SetWeight("A", 1.0)

	price, changed := applyAndConfirm(p, "A", mid("100", "102"))
	require.True(t, changed)
	assert.True(t, price.Equal(decimal.RequireFromString("101")), "got %s", price)

	// Identical spread changes nothing.
	_, changed = applyAndConfirm(p, "A", mid("100", "102"))
	assert.False(t, changed)
}

func TestConsensusTwoVenues(t *testing.T) {
	p := newSymbolProcessor()
	p.SetWeight("A", 1.0)
	_, changed := applyAndConfirm(p, "A", mid("100", "102"))
	require.True(t, changed)

	p.SetWeight("B", 3.0)
	price, changed := applyAndConfirm(p, "B", mid("200", "200"))
	require.True(t, changed)
	assert.True(t, price.Equal(decimal.RequireFromString("175.25")), "got %s", price)
}

func TestZeroWeightsNeverEmit(t *testing.T) {
	p := newSymbolProcessor()

	// Venue A is known but carries weight zero; B has no weight entry at all.
	p.SetWeight("A", 0)

	_, changed := p.ApplySpread("B", mid("200", "200"))
	assert.False(t, changed)

	_, changed = p.ApplySpread("A", mid("90", "92"))
	assert.False(t, changed)
}

func TestWeightChangeAloneDoesNotEmit(t *testing.T) {
	p := newSymbolProcessor()
	p.SetWeight("A", 1.0)
	_, changed := applyAndConfirm(p, "A", mid("100", "102"))
	require.True(t, changed)

	// Dropping A to zero emits nothing by itself, and the next spread from a
	// zero-weight venue cannot emit either.
	p.SetWeight("A", 0)
	_, changed = p.ApplySpread("A", mid("90", "92"))
	assert.False(t, changed)
}

func TestNegativeWeightTreatedAsZero(t *testing.T) {
	p := newSymbolProcessor()
	p.SetWeight("A", -5)
	_, changed := p.ApplySpread("A", mid("100", "102"))
	assert.False(t, changed)
}

func TestConsensusBounds(t *testing.T) {
	tables := []map[string]struct {
		weight float64
		mid    string
	}{
		{"A": {1, "101"}, "B": {3, "200"}},
		{"A": {0.1, "99.5"}, "B": {0.2, "100.5"}, "C": {5, "100"}},
		{"A": {7, "42"}},
	}

	for _, table := range tables {
		p := newSymbolProcessor()
		var last decimal.Decimal
		var emitted bool
		lo := decimal.RequireFromString("1e18")
		hi := decimal.RequireFromString("-1e18")
		for venue, row := range table {
			p.SetWeight(venue, row.weight)
			m := decimal.RequireFromString(row.mid)
			if m.LessThan(lo) {
				lo = m
			}
			if m.GreaterThan(hi) {
				hi = m
			}
			if price, changed := applyAndConfirm(p, venue, m); changed {
				last, emitted = price, true
			}
		}
		require.True(t, emitted)
		assert.True(t, last.GreaterThanOrEqual(lo), "consensus %s below min %s", last, lo)
		assert.True(t, last.LessThanOrEqual(hi), "consensus %s above max %s", last, hi)
	}
}

func TestConsensusMonotoneInWeight(t *testing.T) {
	// Raising B's weight with fixed mids pulls the consensus toward B's mid.
	midA := decimal.RequireFromString("100")
	midB := decimal.RequireFromString("200")

	var prev decimal.Decimal
	for i, wb := range []float64{0.5, 1, 2, 4, 8} {
		p := newSymbolProcessor()
		p.SetWeight("A", 1.0)
		p.SetWeight("B", wb)
		first, changed := applyAndConfirm(p, "A", midA)
		require.True(t, changed)
		require.True(t, first.Equal(midA))
		price, changed := applyAndConfirm(p, "B", midB)
		require.True(t, changed)
		if i > 0 {
			assert.True(t, price.GreaterThan(prev),
				"weight %v: consensus %s did not move toward %s (prev %s)", wb, price, midB, prev)
		}
		prev = price
	}
}

func TestRunEndToEnd(t *testing.T) {
	b := bus.NewMemory(nil, zerolog.Nop())
	agg := New(b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := b.TruePrices.Subscribe()
	defer out.Close()

	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	// Wait for Run to subscribe; the memory bus has no replay, so a weight
	// published before the aggregator's subscription exists is lost.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, b.Weights.Publish(ctx, messages.NewWeightAdjust("binance", 7, 1.0)))

	// The weight races the spread; republishing the identical spread is
	// harmless (coalesced state emits at most once) and guarantees one
	// arrives after the weight landed.
	spread := messages.NewSpread("binance", 7, messages.NowMS(),
		decimal.RequireFromString("100"), decimal.RequireFromString("102"))
	var got messages.TrueMidPrice
	require.Eventually(t, func() bool {
		require.NoError(t, b.Spreads.Publish(ctx, spread))
		msg, ok := out.TryRecv()
		if ok {
			got = msg
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(7), got.SymbolID)
	assert.True(t, got.TrueMidPrice.Equal(decimal.RequireFromString("101")), "got %s", got.TrueMidPrice)
	assert.Equal(t, spread.ID, got.TriggeringSpreadID)

	// No further emission for the unchanged value.
	time.Sleep(50 * time.Millisecond)
	_, ok := out.TryRecv()
	assert.False(t, ok)

	cancel()
	require.NoError(t, <-done)
}
