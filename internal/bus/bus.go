// Package bus provides the typed multi-topic message bus connecting producers,
// the aggregator and the DB sinks. Two variants share one subscription
// contract: an in-process fan-out for single-node runs and a Redis-Streams
// backend for distributed runs. Deliveries are fan-out per subscriber, FIFO
// per publisher, with no replay for late joiners.
package bus

import (
	"context"

	"github.com/midstreamhq/midstream/internal/messages"
)

// Stream names used by the Redis variant. The in-process variant reuses them
// as topic labels for metrics and logs.
const (
	TopicTrades     = "symbol_trades"
	TopicSpreads    = "symbol_spreads"
	TopicWeights    = "connector_weights"
	TopicTruePrices = "symbol_true_prices"
)

// Topic is a single named message stream. Publish returns once the message is
// enqueued (in-process) or acknowledged by the backend (Redis). Subscribe
// hands out an independent view of messages published after it returns.
type Topic[T any] interface {
	Publish(ctx context.Context, msg T) error
	Subscribe() *Subscription[T]
}

// Metrics receives bus-level counters. Implementations must be safe for
// concurrent use; a nil Metrics disables reporting.
type Metrics interface {
	BusPublished(topic string)
	BusDropped(topic string)
}

// Bus groups the four pipeline topics with the lifecycle of their transport.
// Start must complete before any worker runs; Close stops background readers
// and releases the backend client.
type Bus struct {
	Trades     Topic[messages.Trade]
	Spreads    Topic[messages.Spread]
	Weights    Topic[messages.WeightAdjust]
	TruePrices Topic[messages.TrueMidPrice]

	startFn func(ctx context.Context) error
	closeFn func() error
	errCh   chan error
}

// Start brings up the transport. For the Redis variant this verifies the
// connection and launches one stream reader per topic; readers outlive ctx
// and run until Close.
func (b *Bus) Start(ctx context.Context) error {
	if b.startFn == nil {
		return nil
	}
	return b.startFn(ctx)
}

// Close cancels background readers, waits for them, and closes the backend
// client when the bus owns one.
func (b *Bus) Close() error {
	if b.closeFn == nil {
		return nil
	}
	return b.closeFn()
}

// Err reports the first fatal background failure (for example a stream reader
// exhausting its reconnect budget). The channel never fires for the
// in-process variant.
func (b *Bus) Err() <-chan error {
	return b.errCh
}
