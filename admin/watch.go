package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/maxpert/sqlwatch/watch"
)

// handleStatus returns the loop state and the consumer's view of it
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.consumer.Snapshot()

	response := map[string]interface{}{
		"state":              h.loop.State().String(),
		"waiting":            h.loop.IsWaiting(),
		"change_count":       h.loop.ChangeCount(),
		"receive_timeout_ms": h.loop.ReceiveTimeout().Milliseconds(),
		"register":           snap.Register,
		"exit_requested":     snap.Exit,
		"refreshes":          snap.Refreshes,
		"last_refresh":       formatTimestamp(snap.LastRefresh),
		"rows":               snap.Rows.Len(),
	}
	if snap.LastError != nil {
		response["last_error"] = map[string]interface{}{
			"message": snap.LastError.Message,
			"source":  snap.LastError.Source,
			"at":      formatTimestamp(snap.LastError.At),
		}
	}

	writeJSONResponse(w, http.StatusOK, response)
}

// handleRows returns the latest result set
func (h *AdminHandlers) handleRows(w http.ResponseWriter, r *http.Request) {
	snap := h.consumer.Snapshot()
	if snap.Rows == nil {
		writeErrorResponse(w, http.StatusNotFound, "no rows fetched yet")
		return
	}
	writeJSONResponse(w, http.StatusOK, snap.Rows)
}

// handleStart starts a cycle. ?register=false fetches once without a registration.
func (h *AdminHandlers) handleStart(w http.ResponseWriter, r *http.Request) {
	register := true
	if v := r.URL.Query().Get("register"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid register parameter")
			return
		}
		register = parsed
	}

	// The choice also applies to every re-arm that follows
	h.consumer.SetRegister(register)

	err := h.loop.Start(r.Context(), register)
	switch {
	case errors.Is(err, watch.ErrNotIdle):
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, watch.ErrStopped):
		writeErrorResponse(w, http.StatusGone, err.Error())
		return
	case err != nil:
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"state":    h.loop.State().String(),
		"register": register,
	})
}

// handleStop asks the loop to stop once the outstanding wait completes
func (h *AdminHandlers) handleStop(w http.ResponseWriter, r *http.Request) {
	h.consumer.RequestExit()
	h.loop.RequestStop()

	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"state":          h.loop.State().String(),
		"exit_requested": true,
	})
}

// handleRegister toggles re-registration for the next re-arm
func (h *AdminHandlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}

	h.consumer.SetRegister(enabled)
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"register": enabled})
}
