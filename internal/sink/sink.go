// Package sink drains bus topics into the PostgreSQL stream tables. One
// worker per persisted topic batches whatever its subscription holds and
// writes the batch in a single transaction over a dedicated single-connection
// pool, so flushes never queue behind other database traffic. Messages are
// acked only after commit; a worker restarted mid-batch redelivers, and the
// append-only tables absorb the duplicates.
package sink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/messages"
	"github.com/midstreamhq/midstream/internal/store"
)

const (
	defaultIdleSleep    = 20 * time.Millisecond
	defaultRetryDelay   = 500 * time.Millisecond
	defaultMaxFailures  = 10
	defaultMaxBatch     = 10_000
	slowFlushThreshold  = time.Second
	throughputLogPeriod = 5 * time.Second
)

// Metrics is the slice of telemetry the sink reports.
type Metrics interface {
	RowsInserted(worker, stream string, n int)
	FlushObserved(worker string, d time.Duration)
}

// FlushFunc writes one batch inside tx.
type FlushFunc[T any] func(ctx context.Context, tx *sqlx.Tx, batch []T) error

// Options tunes one worker. Zero values take the defaults above.
type Options struct {
	IdleSleep              time.Duration
	RetryDelay             time.Duration
	MaxConsecutiveFailures int
	MaxBatch               int
}

func (o Options) withDefaults() Options {
	if o.IdleSleep <= 0 {
		o.IdleSleep = defaultIdleSleep
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = defaultMaxFailures
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = defaultMaxBatch
	}
	return o
}

// Worker drains one topic into one stream table. It satisfies core.Worker.
type Worker[T any] struct {
	name    string
	stream  string
	topic   bus.Topic[T]
	db      *sqlx.DB
	flush   FlushFunc[T]
	metrics Metrics
	opts    Options
	log     zerolog.Logger

	rows atomic.Int64
}

// NewWorker builds a sink. db must be a dedicated priority pool
// (store.OpenPriority); the worker owns and closes it.
func NewWorker[T any](name, stream string, topic bus.Topic[T], db *sqlx.DB,
	flush FlushFunc[T], m Metrics, opts Options) *Worker[T] {
	return &Worker[T]{
		name:    name,
		stream:  stream,
		topic:   topic,
		db:      db,
		flush:   flush,
		metrics: m,
		opts:    opts.withDefaults(),
		log:     log.With().Str("worker", name).Str("stream", stream).Logger(),
	}
}

func (w *Worker[T]) Name() string { return w.name }

func (w *Worker[T]) Init(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s: priority pool unavailable: %w", w.name, err)
	}
	return nil
}

// Run drains until cancellation. Flush failures retry the same batch; more
// than MaxConsecutiveFailures in a row is fatal and bubbles to the
// orchestrator.
func (w *Worker[T]) Run(ctx context.Context) error {
	defer w.db.Close()

	sub := w.topic.Subscribe()
	defer sub.Close()

	stopLogging := w.startThroughputLog(ctx)
	defer stopLogging()

	w.log.Info().Msg("sink is live")

	failures := 0
	for ctx.Err() == nil {
		batch := w.drain(sub)
		if len(batch) == 0 {
			sleep(ctx, w.opts.IdleSleep)
			continue
		}

		for {
			err := w.flushBatch(ctx, batch)
			if err == nil {
				failures = 0
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= w.opts.MaxConsecutiveFailures {
				return fmt.Errorf("%s: flush failed %d times in a row: %w", w.name, failures, err)
			}
			retryable := store.IsRetryable(err)
			w.log.Warn().Str("error", errString(err)).Int("failures", failures).
				Bool("retryable", retryable).Int("batch", len(batch)).
				Msg("flush failed, retrying batch")
			sleep(ctx, w.opts.RetryDelay)
		}
		sub.Ack(len(batch))
	}
	return nil
}

func (w *Worker[T]) drain(sub *bus.Subscription[T]) []T {
	var batch []T
	for len(batch) < w.opts.MaxBatch {
		msg, ok := sub.TryRecv()
		if !ok {
			break
		}
		batch = append(batch, msg)
	}
	return batch
}

func (w *Worker[T]) flushBatch(ctx context.Context, batch []T) error {
	start := time.Now()

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin flush transaction: %w", err)
	}
	defer tx.Rollback()

	if err := w.flush(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit flush: %w", err)
	}

	elapsed := time.Since(start)
	if elapsed > slowFlushThreshold {
		w.log.Warn().Dur("waited", elapsed).Int("batch", len(batch)).
			Msg("waited for flush")
	}
	if w.metrics != nil {
		w.metrics.RowsInserted(w.name, w.stream, len(batch))
		w.metrics.FlushObserved(w.name, elapsed)
	}
	w.rows.Add(int64(len(batch)))
	return nil
}

// startThroughputLog reports insert throughput on a slow cadence.
func (w *Worker[T]) startThroughputLog(ctx context.Context) func() {
	logCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(throughputLogPeriod)
		defer ticker.Stop()
		last := int64(0)
		for {
			select {
			case <-logCtx.Done():
				return
			case <-ticker.C:
			}
			total := w.rows.Load()
			delta := total - last
			last = total
			w.log.Info().Int64("rows", total).
				Float64("rows_per_s", float64(delta)/throughputLogPeriod.Seconds()).
				Msg("sink throughput")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// NewTrades builds the trades sink on its priority pool.
func NewTrades(topic bus.Topic[messages.Trade], db *sqlx.DB, m Metrics, opts Options) *Worker[messages.Trade] {
	return NewWorker("trades-sink", "symbol_trades_stream", topic, db, store.InsertTrades, m, opts)
}

// NewSpreads builds the spreads sink on its priority pool.
func NewSpreads(topic bus.Topic[messages.Spread], db *sqlx.DB, m Metrics, opts Options) *Worker[messages.Spread] {
	return NewWorker("spreads-sink", "symbol_spreads_stream", topic, db, store.InsertSpreads, m, opts)
}

// NewTruePrices builds the true-prices sink on its priority pool.
func NewTruePrices(topic bus.Topic[messages.TrueMidPrice], db *sqlx.DB, m Metrics, opts Options) *Worker[messages.TrueMidPrice] {
	return NewWorker("true-prices-sink", "symbol_true_mid_price_stream", topic, db, store.InsertTruePrices, m, opts)
}

const maxErrLen = 200

func errString(err error) string {
	msg := err.Error()
	if len(msg) > maxErrLen {
		return msg[:maxErrLen]
	}
	return msg
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
