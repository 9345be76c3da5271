// Package dispatch provides the designated consumer context: a single
// goroutine that runs posted tasks one at a time, in posting order.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrStopped is returned when a task is posted to a stopped dispatcher
var ErrStopped = errors.New("dispatcher is stopped")

// Task runs on the dispatcher. ctx identifies the dispatcher, see InContext.
type Task func(ctx context.Context)

type ctxKey struct{}

// Dispatcher serialises tasks onto one goroutine
type Dispatcher struct {
	name string

	mu       sync.Mutex
	queue    []Task
	stopping bool
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New starts a dispatcher. capacity sizes the initial task buffer; Post never
// blocks regardless.
func New(name string, capacity int) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}

	d := &Dispatcher{
		name:  name,
		queue: make([]Task, 0, capacity),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	go d.run()
	return d
}

// Post enqueues task. Returns false if the dispatcher is stopping.
func (d *Dispatcher) Post(task Task) bool {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// InContext reports whether ctx belongs to a task running on this dispatcher
func (d *Dispatcher) InContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(ctxKey{}).(*Dispatcher)
	return owner == d
}

// Call task claim states
const (
	callQueued int32 = iota
	callRunning
	callAbandoned
)

// Call runs fn on the dispatcher and waits for it. Called from a task on this
// dispatcher, fn runs inline. A nil error means fn ran to completion; when ctx
// ends while fn is still queued, fn is abandoned and never runs. Once fn has
// started, Call waits for it regardless of ctx.
func (d *Dispatcher) Call(ctx context.Context, fn Task) error {
	if d.InContext(ctx) {
		fn(ctx)
		return nil
	}

	var claim atomic.Int32
	finished := make(chan struct{})
	ok := d.Post(func(taskCtx context.Context) {
		if !claim.CompareAndSwap(callQueued, callRunning) {
			return
		}
		defer close(finished)
		fn(taskCtx)
	})
	if !ok {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if claim.CompareAndSwap(callQueued, callAbandoned) {
			return ctx.Err()
		}
		<-finished
		return nil
	}
}

// Stop refuses new tasks, runs what is already queued and waits for the
// goroutine to exit. Must not be called from a task.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		d.mu.Unlock()

		select {
		case d.wake <- struct{}{}:
		default:
		}
	})
	<-d.done
}

// Done is closed once the dispatcher goroutine has exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) next() (Task, bool) {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			task := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return task, true
		}
		stopping := d.stopping
		d.mu.Unlock()

		if stopping {
			return nil, false
		}
		<-d.wake
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ctx := context.WithValue(context.Background(), ctxKey{}, d)
	for {
		task, ok := d.next()
		if !ok {
			log.Debug().Str("dispatcher", d.name).Msg("Dispatcher stopped")
			return
		}
		d.exec(ctx, task)
	}
}

func (d *Dispatcher) exec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("dispatcher", d.name).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	task(ctx)
}
