package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paygate/server/internal/circuitbreaker"
	"github.com/paygate/server/internal/gate"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/internal/quota"
	"github.com/paygate/server/internal/ratelimiter"
	"github.com/paygate/server/internal/session"
	"github.com/paygate/server/internal/webhook"
	"github.com/paygate/server/pkg/jsonrpc"
)

func newRequestWithHeaders(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

type fakeTransport struct {
	resp jsonrpc.Response
	err  error
}

func (f *fakeTransport) Forward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	if f.err != nil {
		return jsonrpc.Response{}, f.err
	}
	out := f.resp
	out.ID = req.ID
	return out, nil
}

func newTestEndpoint(t *testing.T, transport Transport, cfg Config) (*Endpoint, *keystore.Store) {
	t.Helper()
	store := keystore.New()
	limiter := ratelimiter.New(1000)
	meter := quota.New()
	g := gate.New(store, limiter, meter, nil, nil, gate.Config{
		Defaults:        gate.Defaults{Price: 1, RateLimit: 1000, RateWindowMs: 1000},
		RefundOnFailure: cfg.RefundOnFailure,
	})

	breaker := circuitbreaker.NewManager(circuitbreaker.DefaultConfig())
	router := webhook.New(webhook.Config{DefaultURL: ""}, breaker, nil, nil)
	t.Cleanup(router.Stop)

	sessions := session.New(session.Config{})
	t.Cleanup(sessions.Stop)

	e := New(g, transport, sessions, router, nil, nil, nil, cfg)
	return e, store
}

func toolCallRequest(id interface{}, tool string) jsonrpc.Request {
	params, _ := json.Marshal(map[string]string{"name": tool})
	return jsonrpc.Request{JSONRPC: "2.0", ID: id, Method: "tools/call", Params: params}
}

func TestHandleCall_DiscoveryMethodBypassesCredentialRequirement(t *testing.T) {
	transport := &fakeTransport{resp: jsonrpc.Response{JSONRPC: "2.0", Result: map[string]string{"ok": "true"}}}
	e, _ := newTestEndpoint(t, transport, Config{})

	resp := e.HandleCall(context.Background(), jsonrpc.Request{JSONRPC: "2.0", ID: 1, Method: "tools/list"}, "", "127.0.0.1")
	if resp.Error != nil {
		t.Fatalf("expected no error for discovery method without credential, got %v", resp.Error)
	}
}

func TestHandleCall_ToolsCallWithoutCredentialIsPaymentRequired(t *testing.T) {
	e, _ := newTestEndpoint(t, &fakeTransport{}, Config{})

	resp := e.HandleCall(context.Background(), toolCallRequest(1, "read_file"), "", "127.0.0.1")
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodePaymentRequired {
		t.Fatalf("expected -32402 payment required, got %+v", resp.Error)
	}
}

func TestHandleCall_AdmissionDeniedForUnknownKey(t *testing.T) {
	e, _ := newTestEndpoint(t, &fakeTransport{}, Config{})

	resp := e.HandleCall(context.Background(), toolCallRequest(1, "read_file"), "pg_key_unknown", "127.0.0.1")
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodePaymentRequired {
		t.Fatalf("expected admission denial to surface as payment required, got %+v", resp.Error)
	}
}

func TestHandleCall_AllowedToolIsForwardedToUpstream(t *testing.T) {
	transport := &fakeTransport{resp: jsonrpc.Response{JSONRPC: "2.0", Result: "ok"}}
	e, store := newTestEndpoint(t, transport, Config{})

	k, err := store.CreateKey("tester", 100, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}

	resp := e.HandleCall(context.Background(), toolCallRequest(1, "read_file"), k.ID, "127.0.0.1")
	if resp.Error != nil {
		t.Fatalf("expected a successful forward, got error %+v", resp.Error)
	}
	if resp.Result != "ok" {
		t.Fatalf("result = %v, want ok", resp.Result)
	}
}

func TestHandleCall_RefundsOnUpstreamFailureWhenEnabled(t *testing.T) {
	transport := &fakeTransport{err: errString("upstream exploded")}
	e, store := newTestEndpoint(t, transport, Config{RefundOnFailure: true})

	k, err := store.CreateKey("tester", 100, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}

	resp := e.HandleCall(context.Background(), toolCallRequest(1, "read_file"), k.ID, "127.0.0.1")
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("expected upstream failure to surface as internal error, got %+v", resp.Error)
	}

	got, err := store.GetKey(k.ID)
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if got.Balance != 100 {
		t.Errorf("balance = %d, want 100 (debit refunded)", got.Balance)
	}
}

func TestHandleCall_NoRefundOnUpstreamFailureWhenDisabled(t *testing.T) {
	transport := &fakeTransport{err: errString("upstream exploded")}
	e, store := newTestEndpoint(t, transport, Config{RefundOnFailure: false})

	k, err := store.CreateKey("tester", 100, keystore.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}

	e.HandleCall(context.Background(), toolCallRequest(1, "read_file"), k.ID, "127.0.0.1")

	got, err := store.GetKey(k.ID)
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if got.Balance == 100 {
		t.Errorf("balance = %d, want debit to remain applied when refund-on-failure is disabled", got.Balance)
	}
}

func TestResolveCredential_PrefersAPIKeyHeaderOverBearer(t *testing.T) {
	e, _ := newTestEndpoint(t, &fakeTransport{}, Config{})
	e.validateBearer = func(token string) (string, bool) { return "pg_key_frombearer", true }

	r := newRequestWithHeaders(map[string]string{
		"X-API-Key":     "pg_key_direct",
		"Authorization": "Bearer sometoken",
	})
	if got := e.ResolveCredential(r); got != "pg_key_direct" {
		t.Errorf("ResolveCredential() = %q, want pg_key_direct", got)
	}
}

func TestResolveCredential_FallsBackToBearerToken(t *testing.T) {
	e, _ := newTestEndpoint(t, &fakeTransport{}, Config{})
	e.validateBearer = func(token string) (string, bool) {
		if token == "validtoken" {
			return "pg_key_frombearer", true
		}
		return "", false
	}

	r := newRequestWithHeaders(map[string]string{"Authorization": "Bearer validtoken"})
	if got := e.ResolveCredential(r); got != "pg_key_frombearer" {
		t.Errorf("ResolveCredential() = %q, want pg_key_frombearer", got)
	}
}

func TestResolveCredential_ReturnsEmptyWhenNeitherPresent(t *testing.T) {
	e, _ := newTestEndpoint(t, &fakeTransport{}, Config{})

	r := newRequestWithHeaders(nil)
	if got := e.ResolveCredential(r); got != "" {
		t.Errorf("ResolveCredential() = %q, want empty", got)
	}
}
