package httpserver

import (
	"net/http"
	"time"

	apierrors "github.com/paygate/server/internal/errors"
	"github.com/paygate/server/pkg/responders"
)

func (h *handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		responders.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleRoot(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"name":    "paygate",
		"uptime":  time.Since(serverStartTime).String(),
		"mcp":     "/mcp",
		"admin":   "/keys, /groups, /webhooks/filters, /audit",
		"oauth":   "/.well-known/oauth-authorization-server",
		"openapi": "/openapi.json",
	})
}

func (h *handlers) handleRobots(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("User-agent: *\nDisallow: /\n"))
}

// handleBalance is the self-service counterpart to the admin /keys/health
// endpoint: a caller presents its own key and learns its own balance, with
// no visibility into any other key.
func (h *handlers) handleBalance(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingAPIKey, "X-API-Key header is required", nil)
		return
	}
	key, err := h.store.GetKey(apiKey)
	if err != nil {
		writeKeystoreError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"state":   key.Resolve(nowFunc()),
		"balance": key.Balance,
		"spent":   key.Spent,
	})
}

func (h *handlers) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, openAPIDocument)
}

var openAPIDocument = map[string]interface{}{
	"openapi": "3.0.3",
	"info": map[string]interface{}{
		"title":   "paygate",
		"version": "1.0.0",
	},
	"paths": map[string]interface{}{
		"/mcp":                                    map[string]string{"description": "JSON-RPC tool invocation surface, gated per call"},
		"/balance":                                map[string]string{"description": "self-service balance lookup, keyed by X-API-Key"},
		"/keys":                                   map[string]string{"description": "admin key management"},
		"/groups":                                 map[string]string{"description": "admin group management"},
		"/webhooks/filters":                       map[string]string{"description": "admin webhook filter management"},
		"/audit":                                  map[string]string{"description": "admin audit log"},
		"/oauth/register":                         map[string]string{"description": "dynamic OAuth client registration"},
		"/oauth/token":                            map[string]string{"description": "OAuth token endpoint"},
		"/.well-known/oauth-authorization-server": map[string]string{"description": "RFC 8414 discovery document"},
	},
}
