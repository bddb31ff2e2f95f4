package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/querydesk/querydesk/internal/auth"
	"github.com/querydesk/querydesk/internal/service"
)

// handleQueryStream serves the streaming path over SSE. Each service event
// becomes one SSE message with the event type mirrored in the event field.
func handleQueryStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Service == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERY_NOT_CONFIGURED", "query dependencies are not configured", false, nil)
		return
	}

	tenantID, err := tenantFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "TENANT_REQUIRED", err.Error(), false, nil)
		return
	}
	if err := requireRole(r, auth.RoleQueryRunner); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request queryRequest
	if message, ok := request.decode(r, true); !ok {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", message, false, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}

	// A stream can outlive the server-wide write timeout; clear the write
	// deadline for this response only. Best effort: recorders in tests have
	// no deadline to clear.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	streamErr := deps.Service.AskStream(r.Context(), service.AskRequest{
		TenantID: tenantID,
		DSN:      request.DSN,
		Question: request.Question,
	}, func(event service.Event) error {
		return writeSSEEvent(w, flusher, event)
	})
	if streamErr != nil && deps.Logger != nil {
		// Headers are long gone; all we can do is note the broken stream.
		deps.Logger.WarnContext(r.Context(), "query stream aborted", "error", streamErr)
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event service.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
