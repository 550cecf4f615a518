package bus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/midstreamhq/midstream/internal/messages"
)

// memoryTopic is the in-process variant: pure fan-out, no backend, publish
// cannot fail.
type memoryTopic[T any] struct {
	fan *fanout[T]
}

func newMemoryTopic[T any](topic string, capacity int, m Metrics, log zerolog.Logger) *memoryTopic[T] {
	return &memoryTopic[T]{fan: newFanout[T](topic, capacity, m, log)}
}

func (t *memoryTopic[T]) Publish(_ context.Context, msg T) error {
	t.fan.publish(msg)
	return nil
}

func (t *memoryTopic[T]) Subscribe() *Subscription[T] {
	return t.fan.subscribe()
}

// NewMemory builds the single-process bus. All producers, the aggregator and
// the sinks must live in this process; in-flight messages are lost on
// shutdown.
func NewMemory(m Metrics, log zerolog.Logger) *Bus {
	return &Bus{
		Trades:     newMemoryTopic[messages.Trade](TopicTrades, DefaultCapacity, m, log),
		Spreads:    newMemoryTopic[messages.Spread](TopicSpreads, DefaultCapacity, m, log),
		Weights:    newMemoryTopic[messages.WeightAdjust](TopicWeights, DefaultCapacity, m, log),
		TruePrices: newMemoryTopic[messages.TrueMidPrice](TopicTruePrices, DefaultCapacity, m, log),
		errCh:      make(chan error, 1),
	}
}
