package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	redisv9 "github.com/redis/go-redis/v9"

	"github.com/midstreamhq/midstream/internal/aggregator"
	"github.com/midstreamhq/midstream/internal/api"
	"github.com/midstreamhq/midstream/internal/bus"
	"github.com/midstreamhq/midstream/internal/config"
	"github.com/midstreamhq/midstream/internal/core"
	"github.com/midstreamhq/midstream/internal/exchange"
	"github.com/midstreamhq/midstream/internal/messages"
	"github.com/midstreamhq/midstream/internal/producer"
	"github.com/midstreamhq/midstream/internal/registry"
	"github.com/midstreamhq/midstream/internal/sink"
	"github.com/midstreamhq/midstream/internal/store"
	"github.com/midstreamhq/midstream/internal/telemetry"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// instanceName tags this process's metrics so parallel deployments writing to
// the same scrape target stay separable.
func instanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return appName
}

func openShared(cfg *config.Config) (*store.Config, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	dbCfg := store.DefaultConfig()
	dbCfg.DSN = cfg.DatabaseURL
	dbCfg.MaxOpenConns = cfg.DBMaxOpenConns
	return &dbCfg, nil
}

func runSeed(parent context.Context, configPath, venue string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dbCfg, err := openShared(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := store.Open(*dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	names := exchange.Names()
	if venue != "" {
		names = []string{venue}
	}
	adapters := make([]exchange.Adapter, 0, len(names))
	for _, name := range names {
		a, err := exchange.New(name)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
		adapters = append(adapters, a)
	}

	return registry.New(db).Seed(ctx, adapters...)
}

func runWatch(parent context.Context, configPath, venue, symbol, kind string) error {
	var kinds []producer.Kind
	switch kind {
	case "trades":
		kinds = []producer.Kind{producer.KindTrades}
	case "spreads":
		kinds = []producer.Kind{producer.KindSpreads}
	case "both":
		kinds = []producer.Kind{producer.KindTrades, producer.KindSpreads}
	default:
		return fmt.Errorf("%w: unknown kind %q (trades, spreads or both)", config.ErrConfig, kind)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	adapter, err := exchange.New(venue)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}

	return runPipeline(parent, cfg, cfg.RetryForeverOr(false), func(p *pipeline) error {
		for _, k := range kinds {
			p.addProducer(adapter, symbol, k)
		}
		return nil
	})
}

func runCombine(parent context.Context, configPath string, symbols []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	return runPipeline(parent, cfg, cfg.RetryForeverOr(true), func(p *pipeline) error {
		adapters := make(map[string]exchange.Adapter)
		for _, symbol := range symbols {
			mappings, err := p.registry.ExchangesForSymbol(p.ctx, symbol)
			if err != nil {
				return err
			}
			if len(mappings) == 0 {
				log.Warn().Str("symbol", symbol).Msg("no available venue for symbol, skipping")
				continue
			}
			for _, m := range mappings {
				adapter, ok := adapters[m.Exchange]
				if !ok {
					adapter, err = exchange.New(m.Exchange)
					if err != nil {
						log.Warn().Str("exchange", m.Exchange).Str("symbol", symbol).
							Msg("registry lists an unknown exchange, skipping")
						continue
					}
					adapters[m.Exchange] = adapter
				}
				p.addProducer(adapter, symbol, producer.KindTrades)
				p.addProducer(adapter, symbol, producer.KindSpreads)
			}
		}
		return nil
	})
}

func runAPI(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	dbCfg, err := openShared(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := store.Open(*dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := telemetry.New(instanceName())
	go telemetry.Serve(ctx, cfg.MetricsAddr, metrics)

	return api.New(cfg.APIAddr, db).Run(ctx)
}

// pipeline collects everything a watch or combine run shares: the shared
// pool, registry, bus, metrics and the orchestrator being filled.
type pipeline struct {
	ctx          context.Context
	cfg          *config.Config
	registry     *registry.Registry
	bus          *bus.Bus
	metrics      *telemetry.Metrics
	core         *core.Core
	retryForever bool
}

func (p *pipeline) addProducer(adapter exchange.Adapter, symbol string, kind producer.Kind) {
	p.core.Add(producer.New(producer.Config{
		Adapter:      adapter,
		Symbol:       symbol,
		Kind:         kind,
		Registry:     p.registry,
		Bus:          p.bus,
		Metrics:      p.metrics,
		RetryForever: p.retryForever,
		Depth:        p.cfg.Depth(adapter.Name()),
	}))
}

// runPipeline assembles the common workers (aggregator, three sinks, optional
// last-value snapshots), lets fill add the producers and runs the core until
// shutdown.
func runPipeline(parent context.Context, cfg *config.Config, retryForever bool, fill func(*pipeline) error) error {
	dbCfg, err := openShared(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	db, err := store.Open(*dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := telemetry.New(instanceName())
	go telemetry.Serve(ctx, cfg.MetricsAddr, metrics)

	var b *bus.Bus
	switch cfg.Bus {
	case config.BusRedis:
		opts, err := redisv8.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("%w: invalid REDIS_URL: %v", config.ErrConfig, err)
		}
		b = bus.NewRedis(redisv8.NewClient(opts), metrics, log.Logger)
	default:
		b = bus.NewMemory(metrics, log.Logger)
	}

	c := core.New(b, cfg.LaunchWorkers)
	p := &pipeline{
		ctx:          ctx,
		cfg:          cfg,
		registry:     registry.New(db),
		bus:          b,
		metrics:      metrics,
		core:         c,
		retryForever: retryForever,
	}

	c.Add(aggregator.New(b, metrics))
	if err := addSinks(c, b, cfg, metrics); err != nil {
		return err
	}
	if cfg.Bus == config.BusRedis {
		if err := addSnapshots(c, b, cfg); err != nil {
			return err
		}
	}
	if err := fill(p); err != nil {
		return err
	}

	log.Info().Str("bus", string(cfg.Bus)).Bool("retry_forever", retryForever).Msg("starting pipeline")
	return c.Run(ctx)
}

// addSinks opens one priority pool per persisted topic and queues the three
// sink workers.
func addSinks(c *core.Core, b *bus.Bus, cfg *config.Config, metrics *telemetry.Metrics) error {
	tradesDB, err := store.OpenPriority(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open trades sink pool: %w", err)
	}
	spreadsDB, err := store.OpenPriority(cfg.DatabaseURL)
	if err != nil {
		tradesDB.Close()
		return fmt.Errorf("failed to open spreads sink pool: %w", err)
	}
	pricesDB, err := store.OpenPriority(cfg.DatabaseURL)
	if err != nil {
		tradesDB.Close()
		spreadsDB.Close()
		return fmt.Errorf("failed to open true-prices sink pool: %w", err)
	}

	c.Add(
		sink.NewTrades(b.Trades, tradesDB, metrics, sink.Options{}),
		sink.NewSpreads(b.Spreads, spreadsDB, metrics, sink.Options{}),
		sink.NewTruePrices(b.TruePrices, pricesDB, metrics, sink.Options{}),
	)
	return nil
}

// addSnapshots queues the last-value workers that mirror weights and
// consensus prices into Redis, so consumers joining after stream truncation
// still recover the tables.
func addSnapshots(c *core.Core, b *bus.Bus, cfg *config.Config) error {
	opts, err := redisv9.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("%w: invalid REDIS_URL: %v", config.ErrConfig, err)
	}
	client := redisv9.NewClient(opts)

	c.Add(
		bus.NewLastValue("weights-snapshot", b.Weights,
			bus.NewRedisKV(client, "last_weight"),
			func(w messages.WeightAdjust) string {
				return w.Exchange + ":" + strconv.FormatInt(w.SymbolID, 10)
			}, log.Logger),
		bus.NewLastValue("true-prices-snapshot", b.TruePrices,
			bus.NewRedisKV(client, "last_true_price"),
			func(p messages.TrueMidPrice) string {
				return strconv.FormatInt(p.SymbolID, 10)
			}, log.Logger),
	)
	return nil
}
