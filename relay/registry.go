package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDrainBatchSize = 100
	DefaultDrainWait      = time.Second
)

// Source is the store-side queue the relay drains. An empty queue name
// takes messages from every queue.
type Source interface {
	Open(ctx context.Context) error
	TryReceive(ctx context.Context, queue string, max int) (queue.Batch, error)
	Close() error
}

// RegistryConfig configures the relay
type RegistryConfig struct {
	LogPath        string
	Source         Source
	DrainBatchSize int
	DrainWait      time.Duration
	Compression    int
	SinkConfigs    []cfg.SinkConfiguration
}

// Registry moves invalidations out of the store queue into the relay log and
// runs one worker per configured sink.
type Registry struct {
	log       *Log
	source    Source
	workers   []*Worker
	batchSize int
	wait      time.Duration

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRegistry opens the relay log and creates a worker for every sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.LogPath == "" {
		return nil, fmt.Errorf("relay log path is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("relay source is required")
	}
	if config.DrainBatchSize <= 0 {
		config.DrainBatchSize = DefaultDrainBatchSize
	}
	if config.DrainWait <= 0 {
		config.DrainWait = DefaultDrainWait
	}

	relayLog, err := OpenLog(config.LogPath, config.Compression)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		log:       relayLog,
		source:    config.Source,
		workers:   make([]*Worker, 0, len(config.SinkConfigs)),
		batchSize: config.DrainBatchSize,
		wait:      config.DrainWait,
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := r.AddSink(sinkCfg); err != nil {
			for _, w := range r.workers {
				w.config.Sink.Close()
			}
			relayLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("sinks", len(r.workers)).Msg("Relay initialized")
	return r, nil
}

// AddSink creates the sink and its worker
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	return r.addWorker(config, snk)
}

func (r *Registry) addWorker(config cfg.SinkConfiguration, snk Sink) error {
	filter, err := NewGlobFilter(config.FilterQueues)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added relay sink")
	return nil
}

// Start opens the source and starts draining and publishing
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("relay already running")
	}
	if err := r.source.Open(ctx); err != nil {
		return fmt.Errorf("failed to open relay source: %w", err)
	}

	for _, w := range r.workers {
		w.Start()
	}

	drainCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.drainLoop(drainCtx)

	r.running.Store(true)
	return nil
}

// Stop stops draining and every worker, then closes the log and the source
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	r.cancel()
	r.wg.Wait()

	for _, w := range r.workers {
		w.Stop()
		if err := w.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", w.config.Name).Msg("Failed to close relay sink")
		}
	}

	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close relay log")
	}
	if err := r.source.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close relay source")
	}

	log.Info().Msg("Relay stopped")
}

// Drain moves one batch from the source into the log and returns its size
func (r *Registry) Drain(ctx context.Context) (int, error) {
	batch, err := r.source.TryReceive(ctx, "", r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	events := make([]Event, len(batch))
	for i, m := range batch {
		events[i] = EventFromMessage(m)
	}
	if err := r.log.Append(events); err != nil {
		return 0, err
	}

	telemetry.RelayDrainedTotal.Add(float64(len(events)))
	log.Debug().Int("events", len(events)).Uint64("last_seq", r.log.LastSeq()).Msg("Drained store queue into relay log")
	return len(events), nil
}

func (r *Registry) drainLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		n, err := r.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to drain store queue")
		}

		// A full batch means more is probably waiting
		if err == nil && n == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.wait):
		}
	}
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

// SinkFactory creates a Sink from its configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}
