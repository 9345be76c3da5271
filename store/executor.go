package store

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

// ConnState is the observable state of a store or queue connection
type ConnState int32

const (
	StateClosed ConnState = iota
	StateOpen
)

func (s ConnState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Store runs queries and, in the same atomic step, installs a notification
// registration when one is supplied.
type Store interface {
	Open(ctx context.Context) error
	State() ConnState
	// Query materialises the full result. When sub is non-nil the
	// registration and the result snapshot are established atomically.
	Query(ctx context.Context, text string, args []interface{}, sub *Subscription) (*RowSet, error)
	Close() error
}

// Executor is the watched query executor: it owns the registration
// bookkeeping around a reusable Command.
type Executor struct {
	store Store
	label string
	opts  SubscriptionOptions
}

// NewExecutor creates an executor labelling results with label
func NewExecutor(s Store, label string, opts SubscriptionOptions) (*Executor, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Executor{store: s, label: label, opts: opts}, nil
}

// Options returns the options registrations are built from
func (e *Executor) Options() SubscriptionOptions {
	return e.opts
}

// Execute runs cmd. Any registration left on cmd from an earlier cycle is
// cleared first; when register is set a fresh Subscription is attached and
// returned. The returned Subscription is nil when register is false.
func (e *Executor) Execute(ctx context.Context, cmd *Command, register bool) (*RowSet, *Subscription, error) {
	if cmd == nil {
		return nil, nil, &QueryError{Err: fmt.Errorf("command is required")}
	}

	if stale := cmd.ClearNotification(); stale != nil {
		log.Debug().
			Str("token", stale.CorrelationToken).
			Msg("Cleared stale registration from command")
	}
	if cmd.Notification != nil {
		return nil, nil, &QueryError{Query: cmd.Text, Err: fmt.Errorf("command still carries a registration")}
	}

	var sub *Subscription
	if register {
		sub = NewSubscription(e.opts)
		cmd.Notification = sub
	}

	if e.store.State() != StateOpen {
		if err := e.store.Open(ctx); err != nil {
			cmd.ClearNotification()
			telemetry.FetchTotal.With("connection_error").Inc()
			return nil, nil, asConnectionError("open", err)
		}
	}

	start := time.Now()
	rows, err := e.store.Query(ctx, cmd.Text, cmd.Args, cmd.Notification)
	telemetry.FetchDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		cmd.ClearNotification()
		if IsConnectionError(err) {
			telemetry.FetchTotal.With("connection_error").Inc()
			return nil, nil, err
		}
		telemetry.FetchTotal.With("query_error").Inc()
		if IsQueryError(err) {
			return nil, nil, err
		}
		return nil, nil, &QueryError{Query: cmd.Text, Err: err}
	}

	rows.Label = e.label
	telemetry.FetchTotal.With("success").Inc()

	return rows, sub, nil
}

func asConnectionError(op string, err error) error {
	if IsConnectionError(err) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}
