package watch

import (
	"errors"
	"sync/atomic"
)

// State is the notification loop's position in its cycle
type State int32

const (
	Idle State = iota
	Fetching
	AwaitingNotification
	Draining
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case AwaitingNotification:
		return "awaiting_notification"
	case Draining:
		return "draining"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrNotIdle is returned by Start while a cycle is in progress
	ErrNotIdle = errors.New("loop is not idle")
	// ErrStopped is returned by Start once the loop has stopped
	ErrStopped = errors.New("loop is stopped")
)

// ChangeCounter counts drained invalidation batches
type ChangeCounter struct {
	value atomic.Int64
}

// Increment adds one and returns the new value
func (c *ChangeCounter) Increment() int64 {
	return c.value.Add(1)
}

func (c *ChangeCounter) Value() int64 {
	return c.value.Load()
}

func (c *ChangeCounter) Reset() {
	c.value.Store(0)
}
