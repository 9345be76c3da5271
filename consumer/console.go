// Package consumer holds the watch.Sink the process runs with: it keeps the
// latest result and counter for the admin surface and logs every event.
package consumer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/store"
	"github.com/rs/zerolog/log"
)

// ErrorEvent is one warning reported by the loop
type ErrorEvent struct {
	Message string    `json:"message"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// Snapshot is a point-in-time copy of what the consumer has seen
type Snapshot struct {
	Rows        *store.RowSet `json:"rows"`
	ChangeCount int64         `json:"change_count"`
	Refreshes   int64         `json:"refreshes"`
	LastRefresh time.Time     `json:"last_refresh"`
	LastError   *ErrorEvent   `json:"last_error,omitempty"`
	Register    bool          `json:"register"`
	Exit        bool          `json:"exit_requested"`
}

// Console is the process-level consumer. The loop calls it on its dispatcher;
// readers take snapshots from any goroutine.
type Console struct {
	register atomic.Bool
	exit     atomic.Bool

	mu          sync.Mutex
	rows        *store.RowSet
	changes     int64
	refreshes   int64
	lastRefresh time.Time
	lastError   *ErrorEvent
}

// NewConsole creates a consumer with the initial re-register choice
func NewConsole(register bool) *Console {
	c := &Console{}
	c.register.Store(register)
	return c
}

func (c *Console) OnRowsRefreshed(rows *store.RowSet) {
	c.mu.Lock()
	c.rows = rows
	c.refreshes++
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	log.Info().
		Str("label", rows.Label).
		Int("rows", rows.Len()).
		Int("columns", len(rows.Columns)).
		Msg("Rows refreshed")
}

func (c *Console) OnChangeCountChanged(count int64) {
	c.mu.Lock()
	c.changes = count
	c.mu.Unlock()

	log.Info().Int64("changes", count).Msg("Change count updated")
}

func (c *Console) OnError(message string, source string) {
	c.mu.Lock()
	c.lastError = &ErrorEvent{Message: message, Source: source, At: time.Now()}
	c.mu.Unlock()

	log.Warn().Str("source", source).Msg(message)
}

func (c *Console) ShouldReRegister() bool {
	return c.register.Load()
}

func (c *Console) ExitRequested() bool {
	return c.exit.Load()
}

// SetRegister changes the choice the loop reads at its next re-arm
func (c *Console) SetRegister(enabled bool) {
	c.register.Store(enabled)
}

// RequestExit asks the loop to stop after the batch it is waiting for
func (c *Console) RequestExit() {
	c.exit.Store(true)
}

// Snapshot copies the consumer's view. Rows are cloned so callers may keep them.
func (c *Console) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Rows:        c.rows.Clone(),
		ChangeCount: c.changes,
		Refreshes:   c.refreshes,
		LastRefresh: c.lastRefresh,
		Register:    c.register.Load(),
		Exit:        c.exit.Load(),
	}
	if c.lastError != nil {
		e := *c.lastError
		s.LastError = &e
	}
	return s
}
