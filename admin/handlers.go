package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/maxpert/sqlwatch/consumer"
	"github.com/maxpert/sqlwatch/watch"
	"github.com/rs/zerolog/log"
)

// Watcher is the part of the notification loop the admin surface drives
type Watcher interface {
	Start(ctx context.Context, register bool) error
	RequestStop()
	State() watch.State
	IsWaiting() bool
	ChangeCount() int64
	ReceiveTimeout() time.Duration
}

// StoreStats reports store-side registration and queue counts
type StoreStats interface {
	Stats(ctx context.Context) (registrations int, queued int, err error)
}

// AdminHandlers serves the control and inspection endpoints
type AdminHandlers struct {
	loop     Watcher
	consumer *consumer.Console
	stats    StoreStats
}

// NewAdminHandlers creates handlers; stats may be nil when the store does not expose them
func NewAdminHandlers(loop Watcher, c *consumer.Console, stats StoreStats) *AdminHandlers {
	return &AdminHandlers{
		loop:     loop,
		consumer: c,
		stats:    stats,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// formatTimestamp renders t as RFC 3339, empty for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
