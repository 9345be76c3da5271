// Package queue receives invalidation messages for the notification loop.
//
// A receive is asynchronous: BeginReceive returns a Pending handle at once and
// the wait runs on its own goroutine. EndReceive collects the outcome. The
// loop never looks inside the messages; their arrival is the signal.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sqlwatch/store"
	"github.com/maxpert/sqlwatch/telemetry"
)

// Message is one queued invalidation
type Message struct {
	ID           string    `msgpack:"id"`
	Queue        string    `msgpack:"queue"`
	Type         string    `msgpack:"type"`
	Conversation string    `msgpack:"conv"`
	Body         []byte    `msgpack:"body"`
	EnqueuedAt   time.Time `msgpack:"at"`
}

// Batch is everything one receive returned, in queue order
type Batch []Message

// Client is a queue connection the notification loop receives from
type Client interface {
	Open(ctx context.Context) error
	State() store.ConnState
	// BeginReceive starts waiting for at least one message on queue, for at
	// most timeout. It never blocks.
	BeginReceive(queue string, timeout time.Duration) *Pending
	// EndReceive blocks until p completes and returns its batch.
	EndReceive(p *Pending) (Batch, error)
	Close() error
}

// TimeoutError means no message arrived before the receive timeout
type TimeoutError struct {
	Queue   string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no message on queue %s within %s", e.Queue, e.Timeout)
}

// ConnectionError means the queue transport failed
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("queue %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ErrClosed is returned by receives on a closed client
var ErrClosed = errors.New("queue client is closed")

// IsTimeout reports whether err is or wraps a TimeoutError
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Pending is an outstanding receive
type Pending struct {
	ID      uint64
	Queue   string
	Timeout time.Duration

	started time.Time
	result  *future.Future[Batch]
	done    chan struct{}
}

// Done is closed once the receive has an outcome
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

type receiveFunc func(ctx context.Context, queue string, timeout time.Duration) (Batch, error)

// receiver runs receives for a client. Close cancels every in-flight receive
// and waits for their goroutines.
type receiver struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	nextID atomic.Uint64
}

func (r *receiver) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		r.ctx, r.cancel = context.WithCancel(context.Background())
	}
}

func newPending(queue string, timeout time.Duration) (*Pending, *future.Promise[Batch]) {
	promise := future.NewPromise[Batch]()
	return &Pending{
		Queue:   queue,
		Timeout: timeout,
		started: time.Now(),
		result:  promise.Future(),
		done:    make(chan struct{}),
	}, promise
}

// failedPending is a receive that completed with err before it started
func failedPending(queue string, timeout time.Duration, err error) *Pending {
	p, promise := newPending(queue, timeout)
	promise.Set(nil, err)
	close(p.done)
	return p
}

func (r *receiver) begin(queue string, timeout time.Duration, fn receiveFunc) *Pending {
	r.mu.Lock()
	ctx := r.ctx
	if ctx != nil && ctx.Err() == nil {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		return failedPending(queue, timeout, &ConnectionError{Op: "receive", Err: ErrClosed})
	}

	p, promise := newPending(queue, timeout)
	p.ID = r.nextID.Add(1)

	go func() {
		defer r.wg.Done()
		batch, err := fn(ctx, queue, timeout)
		if err == nil && len(batch) == 0 {
			err = &TimeoutError{Queue: queue, Timeout: timeout}
		}
		if err != nil && ctx.Err() != nil && !IsConnectionError(err) {
			err = &ConnectionError{Op: "receive", Err: ctx.Err()}
		}
		promise.Set(batch, err)
		close(p.done)
	}()

	return p
}

func (r *receiver) end(p *Pending) (Batch, error) {
	if p == nil {
		return nil, fmt.Errorf("no pending receive")
	}

	batch, err := p.result.Get()

	result := "batch"
	switch {
	case IsTimeout(err):
		result = "timeout"
	case err != nil:
		result = "connection_error"
	}
	telemetry.ReceiveTotal.With(result).Inc()
	telemetry.ReceiveWaitSeconds.With(result).Observe(time.Since(p.started).Seconds())

	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (r *receiver) close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// waitStep returns the time left until deadline, capped at step
func waitStep(deadline time.Time, step time.Duration) time.Duration {
	remaining := time.Until(deadline)
	if remaining < step {
		return remaining
	}
	return step
}
