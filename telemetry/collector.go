package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsProvider is implemented by stores that can report their notification backlog
type StatsProvider interface {
	Stats(ctx context.Context) (registrations int, queued int, err error)
}

// MetricsCollector periodically collects store stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	registrations, queued, err := mc.provider.Stats(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to collect store stats")
		return
	}

	PendingRegistrations.Set(float64(registrations))
	QueueDepth.Set(float64(queued))
}
