package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FetchBuckets for the watched query plus registration (local SQLite)
	FetchBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// WaitBuckets for the time a receive stays outstanding
	WaitBuckets = []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 150, 300}
)

// Notification loop metrics
var (
	// FetchTotal counts Fetching cycles by result (success, query_error, connection_error)
	FetchTotal CounterVec = noopCounterVec{}

	// FetchDurationSeconds measures query + registration latency
	FetchDurationSeconds Histogram = NoopStat{}

	// ReceiveTotal counts completed receives by result (batch, timeout, connection_error)
	ReceiveTotal CounterVec = noopCounterVec{}

	// ReceiveWaitSeconds measures how long receives stayed outstanding by result
	ReceiveWaitSeconds HistogramVec = noopHistogramVec{}

	// ChangeEventsTotal counts drained invalidation batches
	ChangeEventsTotal Counter = NoopStat{}

	// DrainedMessagesTotal counts individual messages inside drained batches
	DrainedMessagesTotal Counter = NoopStat{}

	// LoopState exposes the current loop state as its ordinal
	LoopState Gauge = NoopStat{}

	// StaleCompletionsTotal counts completions dropped because they were already applied
	StaleCompletionsTotal Counter = NoopStat{}
)

// Store metrics
var (
	// PendingRegistrations tracks live notification registrations in the store
	PendingRegistrations Gauge = NoopStat{}

	// QueueDepth tracks undelivered messages in the store queue table
	QueueDepth Gauge = NoopStat{}

	// ExpiredRegistrationsTotal counts registrations converted into timeout messages
	ExpiredRegistrationsTotal Counter = NoopStat{}
)

// Relay metrics
var (
	// RelayDrainedTotal counts messages moved from the store queue into the relay log
	RelayDrainedTotal Counter = NoopStat{}

	// RelayPublishedTotal counts events published by sink and result (success, failed, filtered)
	RelayPublishedTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	FetchTotal = NewCounterVec(
		"fetch_total",
		"Watched query executions by result",
		[]string{"result"},
	)
	FetchDurationSeconds = NewHistogramWithBuckets(
		"fetch_duration_seconds",
		"Watched query plus registration latency",
		FetchBuckets,
	)
	ReceiveTotal = NewCounterVec(
		"receive_total",
		"Completed queue receives by result",
		[]string{"result"},
	)
	ReceiveWaitSeconds = NewHistogramVec(
		"receive_wait_seconds",
		"Time a queue receive stayed outstanding",
		[]string{"result"},
		WaitBuckets,
	)
	ChangeEventsTotal = NewCounter(
		"change_events_total",
		"Drained invalidation batches",
	)
	DrainedMessagesTotal = NewCounter(
		"drained_messages_total",
		"Messages contained in drained batches",
	)
	LoopState = NewGauge(
		"loop_state",
		"Current notification loop state (0=idle 1=fetching 2=awaiting 3=draining 4=stopping 5=stopped)",
	)
	StaleCompletionsTotal = NewCounter(
		"stale_completions_total",
		"Receive completions dropped because they were already applied",
	)

	PendingRegistrations = NewGauge(
		"pending_registrations",
		"Live notification registrations in the store",
	)
	QueueDepth = NewGauge(
		"queue_depth",
		"Undelivered messages in the store queue table",
	)
	ExpiredRegistrationsTotal = NewCounter(
		"expired_registrations_total",
		"Registrations converted into timeout messages",
	)

	RelayDrainedTotal = NewCounter(
		"relay_drained_total",
		"Messages moved from the store queue into the relay log",
	)
	RelayPublishedTotal = NewCounterVec(
		"relay_published_total",
		"Relay events by sink and result",
		[]string{"sink", "result"},
	)
}
