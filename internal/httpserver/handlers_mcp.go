package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/paygate/server/internal/session"
)

const sessionHeader = "Mcp-Session-Id"

// handleMCPPost delegates the authenticated JSON-RPC surface to
// proxy.Endpoint, which owns the full admission/forward/refund sequence.
func (h *handlers) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	h.endpoint.ServeHTTP(w, r)
}

// handleMCPGet opens the SSE notification channel for an existing
// session: an immediate notifications/initialized frame, then periodic
// keep-alives and any queued server-to-client notifications until the
// client disconnects.
func (h *handlers) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Accept") != "text/event-stream" {
		http.Error(w, "GET /mcp requires Accept: text/event-stream", http.StatusMethodNotAllowed)
		return
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, `{"error":"missing Mcp-Session-Id"}`, http.StatusBadRequest)
		return
	}
	sess, ok := h.sessions.Get(id)
	if !ok {
		http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(sessionHeader, sess.ID)
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "data: {\"method\":\"notifications/initialized\",\"params\":{\"sessionId\":%q}}\n\n", sess.ID)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case n, open := <-sess.Notifications():
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Event, n.Data)
			flusher.Flush()
		}
	}
}

// handleMCPDelete destroys a session.
func (h *handlers) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		http.Error(w, `{"error":"missing Mcp-Session-Id"}`, http.StatusBadRequest)
		return
	}
	if err := h.sessions.Delete(id); err != nil {
		if err == session.ErrNotFound {
			http.Error(w, `{"error":"unknown session"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"session deletion failed"}`, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
