package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCapacity bounds each subscription's backlog. One slow subscriber
// sheds its own load instead of stalling publishers or the whole process.
const DefaultCapacity = 100_000

const dropWarnInterval = 5 * time.Second

// Subscription is one subscriber's independent view of a topic. Receives are
// FIFO per publisher. Ack releases delivered messages from the unacked count;
// sinks ack only after their transaction commits.
type Subscription[T any] struct {
	fan     *fanout[T]
	ch      chan T
	unacked atomic.Int64
	closed  atomic.Bool
}

// Recv blocks until a message arrives, ctx is done, or the subscription is
// closed.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return zero, ErrClosed
		}
		s.unacked.Add(1)
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv returns the next buffered message without blocking.
func (s *Subscription[T]) TryRecv() (T, bool) {
	var zero T
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return zero, false
		}
		s.unacked.Add(1)
		return msg, true
	default:
		return zero, false
	}
}

// Ack marks n received messages as fully consumed.
func (s *Subscription[T]) Ack(n int) {
	s.unacked.Add(int64(-n))
}

// Pending reports messages received but not yet acked.
func (s *Subscription[T]) Pending() int {
	return int(s.unacked.Load())
}

// Close detaches from the topic and releases the backlog. Idempotent.
func (s *Subscription[T]) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.fan.remove(s)
	}
}

// fanout delivers each published message to every live subscription. Sends
// happen under the same lock that guards close, so a publish can never hit a
// closed channel.
type fanout[T any] struct {
	topic   string
	cap     int
	metrics Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	subs     map[*Subscription[T]]struct{}
	lastWarn time.Time
}

func newFanout[T any](topic string, capacity int, m Metrics, log zerolog.Logger) *fanout[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &fanout[T]{
		topic:   topic,
		cap:     capacity,
		metrics: m,
		log:     log.With().Str("topic", topic).Logger(),
		subs:    make(map[*Subscription[T]]struct{}),
	}
}

func (f *fanout[T]) subscribe() *Subscription[T] {
	s := &Subscription[T]{fan: f, ch: make(chan T, f.cap)}
	f.mu.Lock()
	f.subs[s] = struct{}{}
	f.mu.Unlock()
	return s
}

func (f *fanout[T]) remove(s *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.ch)
}

// publish fans msg out to every subscriber. A full subscriber drops the
// message rather than blocking the publisher.
func (f *fanout[T]) publish(msg T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.metrics != nil {
		f.metrics.BusPublished(f.topic)
	}
	for s := range f.subs {
		select {
		case s.ch <- msg:
		default:
			if f.metrics != nil {
				f.metrics.BusDropped(f.topic)
			}
			if now := time.Now(); now.Sub(f.lastWarn) > dropWarnInterval {
				f.lastWarn = now
				f.log.Warn().Int("capacity", f.cap).Msg("subscriber backlog full, dropping")
			}
		}
	}
}

func (f *fanout[T]) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
