package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/paygate/server/pkg/jsonrpc"
)

const sessionHeader = "Mcp-Session-Id"

// ServeHTTP implements the POST /mcp surface: parse, resolve session,
// resolve credential, dispatch through HandleCall, and respond either as
// a single JSON body or as one SSE frame, always carrying the session id
// back on the response header.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.cfg.MaintenanceMode {
		http.Error(w, `{"error":"maintenance mode"}`, http.StatusServiceUnavailable)
		return
	}

	var req jsonrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json-rpc body"}`, http.StatusBadRequest)
		return
	}

	sess, _, err := e.sessions.Resolve(r.Header.Get(sessionHeader))
	if err != nil {
		http.Error(w, `{"error":"session allocation failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set(sessionHeader, sess.ID)

	apiKey := e.ResolveCredential(r)
	remoteIP := ipFromRemoteAddr(r.RemoteAddr)

	resp := e.HandleCall(r.Context(), req, apiKey, remoteIP)

	if acceptsEventStream(r) {
		writeSSE(w, resp)
		return
	}
	writeJSON(w, resp)
}

func acceptsEventStream(r *http.Request) bool {
	return r.Header.Get("Accept") == "text/event-stream"
}

func writeJSON(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSE(w http.ResponseWriter, resp interface{}) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	body, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
