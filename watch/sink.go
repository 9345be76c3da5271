package watch

import "github.com/maxpert/sqlwatch/store"

// Sink is the consumer the loop reports to. Every call is made on the loop's
// dispatcher, one at a time.
type Sink interface {
	// OnRowsRefreshed receives the consumer's own copy of the latest result
	OnRowsRefreshed(rows *store.RowSet)
	OnChangeCountChanged(count int64)
	// OnError reports a warning; source names the failing step
	OnError(message string, source string)
	// ShouldReRegister is read each time the loop re-arms
	ShouldReRegister() bool
	// ExitRequested is read once after each drained batch
	ExitRequested() bool
}
