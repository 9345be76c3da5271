package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

// WorkerConfig configures one sink's publisher
type WorkerConfig struct {
	Name            string // Sink name, also the cursor key
	Log             *Log
	Sink            Sink
	Filter          Filter
	TopicPrefix     string // Topic is <prefix>.<queue>
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	MaxRetries      int
}

// Worker tails the relay log and publishes each event to its sink.
// Delivery is at least once: the cursor moves only after a publish succeeds.
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a worker positioned at the sink's saved cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("relay log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.Cursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// A new sink starts at the oldest entry still in the log
	if cursor == 0 {
		events, err := config.Log.ReadFrom(0, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
		if len(events) > 0 {
			cursor = events[0].SeqNum - 1
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Cursor returns the last persisted position of the worker's sink
func (w *Worker) Cursor() (uint64, error) {
	return w.config.Log.Cursor(w.config.Name)
}

func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("sink", w.config.Name).
		Uint64("cursor", w.cursor).
		Msg("Starting relay worker")

	go w.pollLoop()
}

// Stop waits for the poll loop to exit. A publish in retry is abandoned and
// its event is delivered again on the next start.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Uint64("cursor", w.cursor).Msg("Relay worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from relay log")
			w.sleep(w.config.PollInterval)
			continue
		}

		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.process(event); err != nil {
				log.Error().
					Err(err).
					Str("sink", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Relay worker giving up")
				return
			}
			w.cursor = event.SeqNum
		}
	}
}

func (w *Worker) process(event Event) error {
	if !w.config.Filter.Match(event.Queue) {
		telemetry.RelayPublishedTotal.With(w.config.Name, "filtered").Inc()
		w.advance(event.SeqNum)
		return nil
	}

	topic := queue.Subject(w.config.TopicPrefix, event.Queue)
	if err := w.publishWithRetry(topic, event.Message()); err != nil {
		telemetry.RelayPublishedTotal.With(w.config.Name, "failed").Inc()
		return err
	}

	telemetry.RelayPublishedTotal.With(w.config.Name, "success").Inc()
	w.advance(event.SeqNum)
	return nil
}

func (w *Worker) advance(seq uint64) {
	if err := w.config.Log.AdvanceCursor(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to advance relay cursor, event may be redelivered")
	}
}

func (w *Worker) publishWithRetry(topic string, msg queue.Message) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, msg)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted %d retries for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
