package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	lastValueIdle       = 20 * time.Millisecond
	lastValueRetryDelay = 500 * time.Millisecond
	lastValueMaxFails   = 10
	kvOpTimeout         = 500 * time.Millisecond
)

// KV is the sink for last-value snapshots.
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
}

// RedisKV stores snapshots as plain keys under a prefix.
type RedisKV struct {
	client *redisv9.Client
	prefix string
}

func NewRedisKV(client *redisv9.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (kv *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, kvOpTimeout)
	defer cancel()
	return kv.client.Set(opCtx, kv.prefix+":"+key, value, 0).Err()
}

// LastValue mirrors the newest message per key from a topic into a KV store.
// Late consumers recover state (for example the weight table) that a
// truncated stream no longer carries. It satisfies core.Worker.
type LastValue[T any] struct {
	name  string
	topic Topic[T]
	kv    KV
	keyFn func(T) string
	log   zerolog.Logger

	idle       time.Duration
	retryDelay time.Duration
	maxFails   int
}

func NewLastValue[T any](name string, topic Topic[T], kv KV, keyFn func(T) string, log zerolog.Logger) *LastValue[T] {
	return &LastValue[T]{
		name:       name,
		topic:      topic,
		kv:         kv,
		keyFn:      keyFn,
		log:        log.With().Str("worker", name).Logger(),
		idle:       lastValueIdle,
		retryDelay: lastValueRetryDelay,
		maxFails:   lastValueMaxFails,
	}
}

func (w *LastValue[T]) Name() string { return w.name }

func (w *LastValue[T]) Init(ctx context.Context) error { return nil }

// Run drains the topic, collapses each drained batch to the newest message
// per key and writes those to the KV. Consecutive write failures beyond the
// budget are fatal.
func (w *LastValue[T]) Run(ctx context.Context) error {
	sub := w.topic.Subscribe()
	defer sub.Close()

	failures := 0
	for ctx.Err() == nil {
		latest := make(map[string]T)
		n := 0
		for {
			msg, ok := sub.TryRecv()
			if !ok {
				break
			}
			latest[w.keyFn(msg)] = msg
			n++
		}
		if n == 0 {
			sleep(ctx, w.idle)
			continue
		}

		for key, msg := range latest {
			body, err := json.Marshal(msg)
			if err != nil {
				w.log.Warn().Err(err).Str("key", key).Msg("skipping unencodable snapshot")
				continue
			}
			for {
				err := w.kv.Set(ctx, key, body)
				if err == nil {
					failures = 0
					break
				}
				if ctx.Err() != nil {
					return nil
				}
				failures++
				if failures >= w.maxFails {
					return fmt.Errorf("%s: kv set: %w after %d consecutive failures", w.name, err, failures)
				}
				w.log.Warn().Err(err).Str("key", key).Int("failures", failures).Msg("snapshot write failed, retrying")
				sleep(ctx, w.retryDelay)
			}
		}
		sub.Ack(n)
	}
	return nil
}
