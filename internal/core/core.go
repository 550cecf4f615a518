// Package core orchestrates the pipeline: it owns the queue of workers to
// launch, a small pool of launcher goroutines that init and start them, the
// set of running workers and the bus lifecycle. Producers absorb their own
// failures; any other worker returning an error takes the process down.
package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/midstreamhq/midstream/internal/bus"
)

// DefaultLaunchWorkers is the size of the launcher pool.
const DefaultLaunchWorkers = 5

// Worker is anything the orchestrator can run: producers, sinks, the
// aggregator, snapshot workers. Init runs once on a launcher goroutine; a
// failed Init drops the worker without retry. Run executes on its own
// goroutine until cancellation; a non-nil return is fatal to the process.
type Worker interface {
	Name() string
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

// Core wires the bus lifecycle to a set of workers.
type Core struct {
	bus           *bus.Bus
	launchWorkers int
	log           zerolog.Logger

	mu      sync.Mutex
	pending []Worker
	active  map[string]Worker
	started bool
}

// New builds an orchestrator over b. launchWorkers <= 0 takes the default.
func New(b *bus.Bus, launchWorkers int) *Core {
	if launchWorkers <= 0 {
		launchWorkers = DefaultLaunchWorkers
	}
	return &Core{
		bus:           b,
		launchWorkers: launchWorkers,
		log:           log.With().Str("component", "core").Logger(),
		active:        make(map[string]Worker),
	}
}

// Add enqueues a worker. Panics after Run started; the queue is filled up
// front and drained by the launchers.
func (c *Core) Add(workers ...Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("core: Add after Run")
	}
	c.pending = append(c.pending, workers...)
}

// ActiveWorkers lists the names of workers currently running.
func (c *Core) ActiveWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.active))
	for name := range c.active {
		names = append(names, name)
	}
	return names
}

// Run starts the bus, launches every queued worker and blocks until ctx is
// cancelled or a worker fails fatally. The first fatal error wins; everything
// else is cancelled, awaited, and the bus closed before Run returns it.
func (c *Core) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	queue := make(chan Worker, len(c.pending))
	for _, w := range c.pending {
		queue <- w
	}
	c.pending = nil
	close(queue)
	c.mu.Unlock()

	if err := c.bus.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.bus.Close(); err != nil {
			c.log.Warn().Err(err).Msg("failed to close bus")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		fatalErr error
	)
	fatal := func(err error) {
		errOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	var launchers sync.WaitGroup
	for i := 0; i < c.launchWorkers; i++ {
		launchers.Add(1)
		go func() {
			defer launchers.Done()
			for w := range queue {
				if runCtx.Err() != nil {
					return
				}
				if err := w.Init(runCtx); err != nil {
					if runCtx.Err() == nil {
						c.log.Error().Err(err).Str("worker", w.Name()).Msg("worker init failed, dropping")
					}
					continue
				}
				c.register(w)
				wg.Add(1)
				go func(w Worker) {
					defer wg.Done()
					defer c.unregister(w)
					if err := w.Run(runCtx); err != nil {
						c.log.Error().Err(err).Str("worker", w.Name()).Msg("worker failed")
						fatal(err)
					}
				}(w)
			}
		}()
	}

	c.log.Info().Int("launchers", c.launchWorkers).Msg("core running")

	// Bus reader failures are process failures too.
	busWatch := make(chan struct{})
	go func() {
		select {
		case err := <-c.bus.Err():
			c.log.Error().Err(err).Msg("bus failed")
			fatal(err)
		case <-busWatch:
		}
	}()

	<-runCtx.Done()
	launchers.Wait()
	wg.Wait()
	close(busWatch)

	if fatalErr != nil {
		return fatalErr
	}
	return nil
}

func (c *Core) register(w Worker) {
	c.mu.Lock()
	c.active[w.Name()] = w
	c.mu.Unlock()
	c.log.Info().Str("worker", w.Name()).Msg("worker started")
}

func (c *Core) unregister(w Worker) {
	c.mu.Lock()
	delete(c.active, w.Name())
	c.mu.Unlock()
	c.log.Debug().Str("worker", w.Name()).Msg("worker stopped")
}
