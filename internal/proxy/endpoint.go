package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/paygate/server/internal/gate"
	"github.com/paygate/server/internal/metrics"
	"github.com/paygate/server/internal/session"
	"github.com/paygate/server/pkg/jsonrpc"
)

// AuditRecorder is the narrow interface the endpoint depends on.
type AuditRecorder interface {
	Record(eventType, actor, message string, metadata map[string]string)
}

// WebhookSink is the narrow interface the endpoint depends on to emit usage
// events, rather than importing webhook.Router directly. webhook.Router
// satisfies it as-is.
type WebhookSink interface {
	EmitForKey(eventType, keyID string, payload interface{}) error
}

// AuthSource resolves a bearer token to the API key it was issued for,
// wired from oauth.Server.ValidateToken by the caller. It's a named func
// type rather than a one-method interface since the endpoint never needs
// more than the single call.
type AuthSource func(token string) (apiKey string, ok bool)

// Config controls endpoint-level behavior.
type Config struct {
	RefundOnFailure bool
	MaintenanceMode bool
}

// Endpoint is ProxyEndpoint: the single authenticated JSON-RPC request
// surface. It resolves a session, resolves a credential, consults Gate on
// tools/call, forwards to upstream, refunds on failure, and always emits
// a usage event.
type Endpoint struct {
	cfg Config

	gate      *gate.Gate
	transport Transport
	sessions  *session.Manager
	webhooks  WebhookSink
	audit     AuditRecorder
	metrics   *metrics.Metrics

	validateBearer AuthSource
}

// New constructs an Endpoint.
func New(g *gate.Gate, transport Transport, sessions *session.Manager, webhooks WebhookSink, audit AuditRecorder, m *metrics.Metrics, validateBearer AuthSource, cfg Config) *Endpoint {
	return &Endpoint{
		cfg:            cfg,
		gate:           g,
		transport:      transport,
		sessions:       sessions,
		webhooks:       webhooks,
		audit:          audit,
		metrics:        m,
		validateBearer: validateBearer,
	}
}

// ResolveCredential implements the authentication resolution order: (1)
// X-API-Key header; (2) Authorization: Bearer ... validated through
// OAuth. Returns "" if neither yields a usable credential.
func (e *Endpoint) ResolveCredential(r *http.Request) string {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) && e.validateBearer != nil {
		if apiKey, ok := e.validateBearer(strings.TrimPrefix(auth, prefix)); ok {
			return apiKey
		}
	}
	return ""
}

// HandleCall processes one parsed JSON-RPC request already associated
// with a resolved session, and returns the JSON-RPC response to send.
func (e *Endpoint) HandleCall(ctx context.Context, req jsonrpc.Request, apiKey, remoteIP string) jsonrpc.Response {
	if jsonrpc.RequiresCredential(req.Method) && apiKey == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodePaymentRequired, "payment required: no usable credential", nil)
	}

	if req.Method != "tools/call" {
		return e.forward(ctx, req)
	}

	tool, ok := extractToolName(req.Params)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "tools/call requires params.name", nil)
	}

	decision := e.gate.Evaluate(apiKey, tool, remoteIP)
	if !decision.Allowed {
		e.emitUsage(tool, apiKey, 0, false, string(decision.Reason))
		return jsonrpc.NewError(req.ID, jsonrpc.CodePaymentRequired, "admission denied: "+string(decision.Reason), map[string]string{
			"reason": string(decision.Reason),
		})
	}

	start := time.Now()
	resp := e.forward(ctx, req)
	if e.metrics != nil {
		var forwardErr error
		if resp.Error != nil {
			forwardErr = errString(resp.Error.Message)
		}
		e.metrics.ObserveProxyCall(tool, time.Since(start), forwardErr)
	}

	if resp.Error != nil && e.cfg.RefundOnFailure && decision.DebitApplied {
		if err := e.gate.Refund(apiKey, decision.CreditsCharged, "upstream_error"); err == nil {
			if e.audit != nil {
				e.audit.Record("gate.upstream_error", apiKey, "refunded after upstream error", map[string]string{
					"tool": tool,
				})
			}
		}
	}

	e.emitUsage(tool, apiKey, decision.CreditsCharged, true, "")
	return resp
}

func (e *Endpoint) forward(ctx context.Context, req jsonrpc.Request) jsonrpc.Response {
	resp, err := e.transport.Forward(ctx, req)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, "upstream transport failure", err.Error())
	}
	return resp
}

func (e *Endpoint) emitUsage(tool, apiKey string, credits int64, allowed bool, reason string) {
	if e.webhooks == nil {
		return
	}
	payload := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"tool":      tool,
		"credits":   credits,
		"allowed":   allowed,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	_ = e.webhooks.EmitForKey("usage", apiKey, payload)
}

func extractToolName(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return "", false
	}
	return p.Name, true
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

type errString string

func (e errString) Error() string { return string(e) }
