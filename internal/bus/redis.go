package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/midstreamhq/midstream/internal/messages"
)

const (
	readBlock       = 200 * time.Millisecond
	readBatch       = 1000
	readRetryDelay  = time.Second
	maxReadFailures = 10
	streamMaxLen    = 1_000_000
)

// streamTopic is the Redis-Streams variant. Publish appends a single-field
// entry {"json": body}; a background reader tails the stream and fans entries
// out to local subscriptions with the in-process contract.
type streamTopic[T any] struct {
	client *redis.Client
	name   string
	fan    *fanout[T]
	log    zerolog.Logger
}

func newStreamTopic[T any](client *redis.Client, name string, m Metrics, log zerolog.Logger) *streamTopic[T] {
	return &streamTopic[T]{
		client: client,
		name:   name,
		fan:    newFanout[T](name, DefaultCapacity, m, log),
		log:    log.With().Str("topic", name).Logger(),
	}
}

func (t *streamTopic[T]) Publish(ctx context.Context, msg T) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode %s message: %w", t.name, err)}
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.name,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"json": string(body)},
	}).Err()
	if err != nil {
		return classify(fmt.Errorf("xadd %s: %w", t.name, err))
	}
	return nil
}

func (t *streamTopic[T]) Subscribe() *Subscription[T] {
	return t.fan.subscribe()
}

// runReader tails the stream until ctx is cancelled. The first read starts at
// the latest entry so late joiners see no replay; afterwards the cursor
// follows the last delivered id so nothing published between polls is skipped.
func (t *streamTopic[T]) runReader(ctx context.Context) error {
	lastID := "$"
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.name, lastID},
			Count:   readBatch,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= maxReadFailures {
				return &FatalError{Err: fmt.Errorf("xread %s: %w after %d attempts", t.name, err, failures)}
			}
			t.log.Warn().Err(err).Int("failures", failures).Msg("stream read failed, retrying")
			sleep(ctx, readRetryDelay)
			continue
		}
		failures = 0
		for _, stream := range res {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				raw, ok := entry.Values["json"].(string)
				if !ok {
					t.log.Warn().Str("entry", entry.ID).Msg("stream entry missing json field")
					continue
				}
				var msg T
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					t.log.Warn().Err(err).Str("entry", entry.ID).Msg("undecodable stream entry")
					continue
				}
				t.fan.publish(msg)
			}
		}
	}
}

// NewRedis builds the distributed bus on client. The bus takes ownership of
// the client and closes it on Close.
func NewRedis(client *redis.Client, m Metrics, log zerolog.Logger) *Bus {
	trades := newStreamTopic[messages.Trade](client, TopicTrades, m, log)
	spreads := newStreamTopic[messages.Spread](client, TopicSpreads, m, log)
	weights := newStreamTopic[messages.WeightAdjust](client, TopicWeights, m, log)
	truePrices := newStreamTopic[messages.TrueMidPrice](client, TopicTruePrices, m, log)

	readers := []func(context.Context) error{
		trades.runReader,
		spreads.runReader,
		weights.runReader,
		truePrices.runReader,
	}

	b := &Bus{
		Trades:     trades,
		Spreads:    spreads,
		Weights:    weights,
		TruePrices: truePrices,
		errCh:      make(chan error, len(readers)),
	}

	var (
		wg        sync.WaitGroup
		readerCtx context.Context
		cancel    context.CancelFunc
	)

	b.startFn = func(ctx context.Context) error {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return &FatalError{Err: fmt.Errorf("redis ping: %w", err)}
		}
		readerCtx, cancel = context.WithCancel(context.Background())
		for _, run := range readers {
			wg.Add(1)
			go func(run func(context.Context) error) {
				defer wg.Done()
				if err := run(readerCtx); err != nil {
					select {
					case b.errCh <- err:
					default:
					}
				}
			}(run)
		}
		log.Info().Int("topics", len(readers)).Msg("redis bus started")
		return nil
	}

	b.closeFn = func() error {
		if cancel != nil {
			cancel()
		}
		wg.Wait()
		return client.Close()
	}

	return b
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
