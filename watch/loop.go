// Package watch runs the notification loop: fetch the watched query with a
// registration, wait for the invalidation on the queue, drain it, repeat.
//
// Every transition and every Sink call happens on one dispatcher. Receives
// complete on their own goroutines and are handed back to the dispatcher
// before they touch loop or consumer state.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/dispatch"
	"github.com/maxpert/sqlwatch/queue"
	"github.com/maxpert/sqlwatch/store"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// DefaultGraceMargin is added to the registration timeout so the queue wait
// always outlives the store-side timeout
const DefaultGraceMargin = 120 * time.Second

// Config wires a loop to its collaborators
type Config struct {
	Store      store.Store
	Queue      queue.Client
	Sink       Sink
	Dispatcher *dispatch.Dispatcher

	Query       string
	Args        []interface{}
	Label       string
	Options     store.SubscriptionOptions
	GraceMargin time.Duration
}

// completion is the outcome of one receive, tagged with the receive it
// belongs to
type completion struct {
	seq     uint64
	pending *queue.Pending
}

// Loop is a single-subscription notification loop
type Loop struct {
	executor   *store.Executor
	store      store.Store
	queue      queue.Client
	sink       Sink
	dispatcher *dispatch.Dispatcher
	opts       store.SubscriptionOptions
	grace      time.Duration

	// Owned by the dispatcher
	cmd         *store.Command
	rows        *store.RowSet
	sub         *store.Subscription
	pending     *queue.Pending
	outstanding uint64
	seq         uint64

	state   atomic.Int32
	exit    atomic.Bool
	counter ChangeCounter

	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}
	closeOnce sync.Once

	// observe is called when a completion is applied; tests use it to check
	// which context applied it
	observe func(ctx context.Context, c completion)
}

// New creates an idle loop
func New(config Config) (*Loop, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue client is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if config.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if config.GraceMargin <= 0 {
		config.GraceMargin = DefaultGraceMargin
	}

	executor, err := store.NewExecutor(config.Store, config.Label, config.Options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		executor:   executor,
		store:      config.Store,
		queue:      config.Queue,
		sink:       config.Sink,
		dispatcher: config.Dispatcher,
		opts:       config.Options,
		grace:      config.GraceMargin,
		cmd:        store.NewCommand(config.Query, config.Args...),
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	telemetry.LoopState.Set(float64(Idle))
	return l, nil
}

// State returns the current state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// IsWaiting reports whether a receive is outstanding
func (l *Loop) IsWaiting() bool {
	return l.State() == AwaitingNotification
}

// ChangeCount returns the drained batch count since the last Start
func (l *Loop) ChangeCount() int64 {
	return l.counter.Value()
}

// ReceiveTimeout is how long each receive may wait
func (l *Loop) ReceiveTimeout() time.Duration {
	return time.Duration(l.opts.TimeoutSeconds)*time.Second + l.grace
}

// Stopped is closed once the loop reaches Stopped
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Start begins a cycle from Idle. The change counter is reset. With register
// false the loop fetches once and returns to Idle. When ctx ends before the
// dispatcher picks the request up, Start returns ctx's error and the loop is
// left untouched.
func (l *Loop) Start(ctx context.Context, register bool) error {
	var err error
	callErr := l.dispatcher.Call(ctx, func(context.Context) {
		err = l.start(register)
	})
	if errors.Is(callErr, dispatch.ErrStopped) {
		return ErrStopped
	}
	if callErr != nil {
		return callErr
	}
	return err
}

func (l *Loop) start(register bool) error {
	switch l.State() {
	case Idle:
	case Stopping, Stopped:
		return ErrStopped
	default:
		return ErrNotIdle
	}

	l.exit.Store(false)
	l.counter.Reset()
	l.sink.OnChangeCountChanged(0)

	// Claim the loop now so a second Start is rejected before the fetch runs
	l.setState(Fetching)
	if !l.dispatcher.Post(func(context.Context) {
		l.fetch(register)
	}) {
		l.setState(Idle)
		return ErrStopped
	}
	return nil
}

// RequestStop latches the exit request. An outstanding receive is not
// interrupted: the loop stops after the cycle drains. An idle loop stops at once.
func (l *Loop) RequestStop() {
	l.exit.Store(true)
	l.dispatcher.Post(func(context.Context) {
		if l.State() == Idle {
			l.stop()
		}
	})
}

// Close stops the loop immediately, cancelling any store call or receive in
// flight. Used for forced shutdown.
func (l *Loop) Close(ctx context.Context) error {
	l.closeOnce.Do(l.cancel)

	err := l.dispatcher.Call(ctx, func(context.Context) {
		if l.State() != Stopped {
			l.stop()
		}
	})
	if errors.Is(err, dispatch.ErrStopped) {
		// Nothing else can run loop tasks; release resources from here
		if l.State() != Stopped {
			l.stop()
		}
		return nil
	}
	return err
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	telemetry.LoopState.Set(float64(s))
	if prev != s {
		log.Debug().
			Str("from", prev.String()).
			Str("to", s.String()).
			Msg("Loop state changed")
	}
}

func (l *Loop) exitRequested() bool {
	return l.exit.Load() || l.sink.ExitRequested()
}

// fetch runs the query, registering when asked, and publishes the rows
func (l *Loop) fetch(register bool) {
	if l.State() == Stopped {
		return
	}
	l.setState(Fetching)
	l.sub = nil

	rows, sub, err := l.executor.Execute(l.ctx, l.cmd, register)
	if err != nil {
		source := "query"
		if store.IsConnectionError(err) {
			source = "connection"
		}
		l.halt(err, source)
		return
	}

	l.rows = rows
	l.sub = sub
	l.sink.OnRowsRefreshed(rows.Clone())

	if !register {
		l.idle()
		return
	}

	l.arm()
}

// arm starts the receive for the current registration
func (l *Loop) arm() {
	l.seq++
	seq := l.seq

	p := l.queue.BeginReceive(l.opts.Queue, l.ReceiveTimeout())
	l.pending = p
	l.outstanding = seq
	l.setState(AwaitingNotification)

	log.Debug().
		Str("token", l.sub.CorrelationToken).
		Str("queue", l.opts.Queue).
		Dur("timeout", l.ReceiveTimeout()).
		Msg("Awaiting notification")

	go func() {
		<-p.Done()
		l.complete(context.Background(), completion{seq: seq, pending: p})
	}()
}

// complete hands a finished receive to the dispatcher. Off the dispatcher it
// only posts; the completion is applied by the posted task.
func (l *Loop) complete(ctx context.Context, c completion) {
	if !l.dispatcher.InContext(ctx) {
		if !l.dispatcher.Post(func(ctx context.Context) { l.complete(ctx, c) }) {
			log.Warn().Uint64("seq", c.seq).Msg("Dispatcher stopped, receive completion dropped")
		}
		return
	}
	l.apply(ctx, c)
}

// apply runs on the dispatcher. A completion is applied once: the outstanding
// receive is cleared before anything else happens.
func (l *Loop) apply(ctx context.Context, c completion) {
	if l.pending == nil || c.seq != l.outstanding || c.pending != l.pending {
		telemetry.StaleCompletionsTotal.Inc()
		log.Debug().Uint64("seq", c.seq).Msg("Dropped stale receive completion")
		return
	}
	p := l.pending
	l.pending = nil
	l.outstanding = 0

	if l.observe != nil {
		l.observe(ctx, c)
	}

	l.setState(Draining)
	batch, err := l.queue.EndReceive(p)
	if err != nil {
		l.receiveFailed(err)
		return
	}

	l.drain(batch)
}

func (l *Loop) drain(batch queue.Batch) {
	for _, msg := range batch {
		log.Debug().
			Str("id", msg.ID).
			Str("type", msg.Type).
			Str("conversation", msg.Conversation).
			Msg("Drained notification")
	}

	count := l.counter.Increment()
	telemetry.ChangeEventsTotal.Inc()
	telemetry.DrainedMessagesTotal.Add(float64(len(batch)))

	// The registration that fired is consumed
	l.sub = nil
	l.sink.OnChangeCountChanged(count)

	if l.exitRequested() {
		l.stop()
		return
	}

	l.fetch(l.sink.ShouldReRegister())
}

func (l *Loop) receiveFailed(err error) {
	l.sub = nil

	if !queue.IsTimeout(err) {
		l.halt(err, "queue")
		return
	}

	l.sink.OnError(err.Error(), "queue")
	log.Warn().Err(err).Msg("Notification wait timed out")

	if l.exitRequested() {
		l.stop()
		return
	}
	if !l.sink.ShouldReRegister() {
		l.idle()
		return
	}
	l.fetch(true)
}

// halt reports err and returns to Idle; the consumer must Start again
func (l *Loop) halt(err error, source string) {
	log.Warn().Err(err).Str("source", source).Msg("Notification loop halted")
	l.sub = nil
	l.sink.OnError(err.Error(), source)
	l.idle()
}

// idle ends the cycle. A latched RequestStop turns that into a stop, since an
// idle loop never reaches another exit check.
func (l *Loop) idle() {
	if l.exit.Load() {
		l.stop()
		return
	}
	l.setState(Idle)
}

// stop releases connections and enters the terminal state
func (l *Loop) stop() {
	l.setState(Stopping)

	l.cmd.ClearNotification()
	l.sub = nil
	l.pending = nil
	l.outstanding = 0

	if err := l.queue.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close queue client")
	}
	if err := l.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}

	l.setState(Stopped)
	close(l.stopped)
	log.Info().Int64("changes", l.counter.Value()).Msg("Notification loop stopped")
}
