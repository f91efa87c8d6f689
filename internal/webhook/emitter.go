package webhook

import (
	"bytes"
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// emitter holds the per-destination-URL delivery state: a bounded
// retry queue (modeled as redelivery via time.AfterFunc rather than an
// explicit sorted slice, since the channel-based worker pool already
// processes deliveries in roughly nextAttemptAt order), a dead-letter
// ring buffer, and a canDeliver outbound rate limiter.
type emitter struct {
	url    string
	secret string

	limiter *rate.Limiter // per-URL outbound pacing (canDeliver)

	mu          sync.Mutex
	deadLetter  *ring.Ring
	deadLetterN int
}

func newEmitter(url, secret string, perURLRPS float64, deadLetterCap int) *emitter {
	if perURLRPS <= 0 {
		perURLRPS = 5
	}
	if deadLetterCap <= 0 {
		deadLetterCap = 1000
	}
	return &emitter{
		url:        url,
		secret:     secret,
		limiter:    rate.NewLimiter(rate.Limit(perURLRPS), int(perURLRPS)+1),
		deadLetter: ring.New(deadLetterCap),
	}
}

// canDeliver reports whether this emitter may attempt a delivery right
// now, and if not, how long the caller should wait before trying again.
func (e *emitter) canDeliver() (bool, time.Duration) {
	r := e.limiter.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	delay := r.Delay()
	if delay <= 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

func (e *emitter) recordDeadLetter(entry DeadLetterEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deadLetter.Value = entry
	e.deadLetter = e.deadLetter.Next()
	e.deadLetterN++
}

func (e *emitter) listDeadLetters() []DeadLetterEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []DeadLetterEntry
	e.deadLetter.Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(DeadLetterEntry))
	})
	return out
}

// delivery is one enqueued attempt, passed through the shared channel
// that the worker pool drains.
type delivery struct {
	id        string
	eventType string
	keyID     string
	body      []byte
	attempt   int
	createdAt time.Time
}

func (r *Router) send(ctx context.Context, e *emitter, d *delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(d.body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paygate-webhook/1.0")
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Webhook-Event", d.eventType)
	if sig := sign(e.secret, d.body); sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &permanentError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d from %s", resp.StatusCode, e.url)
	}
	return nil
}

// permanentError marks a 4xx response, which must not be retried.
type permanentError struct {
	status int
}

func (p *permanentError) Error() string {
	return fmt.Sprintf("received non-retryable status %d", p.status)
}

// backoffWithJitter computes the next retry interval: base grows
// exponentially up to maxInterval, then a uniform random jitter fraction
// is added on top.
func backoffWithJitter(attempt int, cfg backoffConfig) time.Duration {
	interval := cfg.initial
	for i := 1; i < attempt; i++ {
		interval = time.Duration(float64(interval) * cfg.multiplier)
		if interval > cfg.max {
			interval = cfg.max
			break
		}
	}
	if cfg.jitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * cfg.jitterFraction * float64(interval))
		interval += jitter
	}
	return interval
}

type backoffConfig struct {
	initial        time.Duration
	max            time.Duration
	multiplier     float64
	jitterFraction float64
}

// marshalEvent renders an Event as JSON for delivery.
func marshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
