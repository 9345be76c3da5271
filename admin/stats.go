package admin

import "net/http"

// handleStoreStats returns live registrations and undelivered queue messages
func (h *AdminHandlers) handleStoreStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeErrorResponse(w, http.StatusNotImplemented, "store does not report stats")
		return
	}

	registrations, queued, err := h.stats.Stats(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"registrations": registrations,
		"queued":        queued,
	})
}
