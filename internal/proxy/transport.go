// Package proxy implements ProxyEndpoint: the single authenticated
// request surface that resolves a credential, asks Gate for an
// admission decision on tools/call, forwards to the upstream tool
// server, and emits a usage event regardless of outcome.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/paygate/server/internal/circuitbreaker"
	"github.com/paygate/server/internal/httputil"
	"github.com/paygate/server/internal/rpcutil"
	"github.com/paygate/server/pkg/jsonrpc"
)

// Transport forwards one JSON-RPC request to the upstream tool server
// and returns its correlated response.
type Transport interface {
	Forward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error)
}

// HTTPTransport forwards calls over a remote HTTP JSON-RPC endpoint,
// wrapping every call in a circuit breaker so a wedged upstream trips
// open and fails fast instead of exhausting the request-handler pool.
type HTTPTransport struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Manager
}

// NewHTTPTransport constructs an HTTPTransport.
func NewHTTPTransport(url string, timeout time.Duration, breaker *circuitbreaker.Manager) *HTTPTransport {
	return &HTTPTransport{
		url:     url,
		client:  httputil.NewClient(timeout),
		breaker: breaker,
	}
}

// Forward implements Transport. Transient failures (timeouts, connection
// resets, HTTP 500/502/503/504) are retried a few times inside the breaker call so a single
// dropped packet doesn't trip the circuit or fail the caller outright.
func (t *HTTPTransport) Forward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	result, err := t.breaker.Execute(circuitbreaker.ServiceUpstream, func() (interface{}, error) {
		return rpcutil.WithRetry(ctx, func() (jsonrpc.Response, error) {
			return t.doForward(ctx, req)
		})
	})
	if err != nil {
		return jsonrpc.Response{}, err
	}
	return result.(jsonrpc.Response), nil
}

func (t *HTTPTransport) doForward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("marshal upstream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("build upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("forward to upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return jsonrpc.Response{}, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return jsonrpc.Response{}, fmt.Errorf("decode upstream response: %w", err)
	}
	return out, nil
}

// StdioTransport forwards calls to a long-lived subprocess speaking
// newline-delimited JSON-RPC on its stdin/stdout, for upstream tool
// servers that are not network-addressable.
type StdioTransport struct {
	mu     sync.Mutex
	stdin  *bufio.Writer
	stdout *bufio.Reader
}

// NewStdioTransport starts command and returns a transport wired to its
// stdin/stdout pipes.
func NewStdioTransport(ctx context.Context, command string, args ...string) (*StdioTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open upstream stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open upstream stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start upstream process: %w", err)
	}

	return &StdioTransport{
		stdin:  bufio.NewWriter(stdin),
		stdout: bufio.NewReader(stdout),
	}, nil
}

// Forward implements Transport. One request is in flight at a time per
// subprocess; callers needing concurrent upstream calls should run
// multiple subprocesses behind separate StdioTransports.
func (t *StdioTransport) Forward(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("marshal upstream request: %w", err)
	}
	if _, err := t.stdin.Write(append(body, '\n')); err != nil {
		return jsonrpc.Response{}, fmt.Errorf("write upstream request: %w", err)
	}
	if err := t.stdin.Flush(); err != nil {
		return jsonrpc.Response{}, fmt.Errorf("flush upstream request: %w", err)
	}

	line, err := t.stdout.ReadBytes('\n')
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("read upstream response: %w", err)
	}

	var out jsonrpc.Response
	if err := json.Unmarshal(line, &out); err != nil {
		return jsonrpc.Response{}, fmt.Errorf("decode upstream response: %w", err)
	}
	return out, nil
}
