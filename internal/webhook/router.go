package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/paygate/server/internal/circuitbreaker"
	"github.com/paygate/server/internal/httputil"
	"github.com/paygate/server/internal/logger"
	"github.com/paygate/server/internal/metrics"
	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"
)

// ErrNotFound is returned when a filter rule id does not exist.
var ErrNotFound = errors.New("webhook: rule not found")

// Config controls Router behavior, mirroring config.WebhookConfig.
type Config struct {
	Timeout           time.Duration
	MaxAttempts       int
	InitialInterval   time.Duration
	MaxInterval       time.Duration
	Multiplier        float64
	JitterFraction    float64
	RetryEnabled      bool
	DeadLetterMaxSize int
	SigningSecret     string
	PerURLRPS         float64
	GlobalRPS         int
	DefaultURL        string
	Workers           int
	QueueSize         int
	SSRFCheckEnabled  bool
}

// Router fans out events to per-URL emitters according to active filter
// rules, plus an always-on default destination.
type Router struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.Manager
	global  ratelimit.Limiter
	metrics *metrics.Metrics
	audit   AuditRecorder

	mu       sync.RWMutex
	rules    map[string]FilterRule
	emitters map[string]*emitter

	deliveryCh chan deliveryJob
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

type deliveryJob struct {
	url string
	d   *delivery
}

// New constructs a Router and starts its worker pool. Stop must be
// called to drain the pool on shutdown.
func New(cfg Config, breaker *circuitbreaker.Manager, m *metrics.Metrics, audit AuditRecorder) *Router {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	globalRPS := cfg.GlobalRPS
	if globalRPS <= 0 {
		globalRPS = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.Timeout = timeout

	r := &Router{
		cfg:        cfg,
		client:     httputil.NewClient(timeout),
		breaker:    breaker,
		global:     ratelimit.New(globalRPS),
		metrics:    m,
		audit:      audit,
		rules:      make(map[string]FilterRule),
		emitters:   make(map[string]*emitter),
		deliveryCh: make(chan deliveryJob, queueSize),
		stopCh:     make(chan struct{}),
	}

	if cfg.DefaultURL != "" {
		r.emitters[cfg.DefaultURL] = newEmitter(cfg.DefaultURL, cfg.SigningSecret, cfg.PerURLRPS, cfg.DeadLetterMaxSize)
	}

	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Stop signals every worker to exit once the queue drains, and waits.
func (r *Router) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Emit dispatches eventType with payload to every matching rule's
// emitter plus the default emitter, with no key-prefix restriction.
func (r *Router) Emit(eventType string, payload interface{}) error {
	return r.EmitForKey(eventType, "", payload)
}

// EmitForKey is like Emit but additionally applies key-prefix filtering
// against keyID for rules that declare one.
func (r *Router) EmitForKey(eventType, keyID string, payload interface{}) error {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}
	body, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	destinations := r.matchingDestinations(eventType, keyID)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, url := range destinations {
		e, ok := r.emitters[url]
		if !ok {
			continue
		}
		d := &delivery{
			id:        generateDeliveryID(),
			eventType: eventType,
			keyID:     keyID,
			body:      body,
			attempt:   1,
			createdAt: time.Now().UTC(),
		}
		select {
		case r.deliveryCh <- deliveryJob{url: e.url, d: d}:
		default:
			// Queue is saturated; drop rather than block the caller. This
			// surfaces as a dead-letter-free loss, logged at warn level.
			log.Warn().
				Str("url", logger.TruncateAddress(url)).
				Str("eventType", eventType).
				Msg("webhook.queue_saturated")
		}
	}
	return nil
}

// matchingDestinations returns the URLs that should receive eventType
// for keyID: every active rule that matches, plus the default URL.
func (r *Router) matchingDestinations(eventType, keyID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	if r.cfg.DefaultURL != "" {
		seen[r.cfg.DefaultURL] = true
		out = append(out, r.cfg.DefaultURL)
	}
	for _, rule := range r.rules {
		if !rule.Active {
			continue
		}
		if !rule.matchesEventType(eventType) {
			continue
		}
		if !rule.matchesKeyPrefix(keyID) {
			continue
		}
		if !seen[rule.URL] {
			seen[rule.URL] = true
			out = append(out, rule.URL)
		}
	}
	return out
}

func (r *Router) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case job := <-r.deliveryCh:
			r.deliverOnce(job)
		}
	}
}

func (r *Router) deliverOnce(job deliveryJob) {
	r.mu.RLock()
	e, ok := r.emitters[job.url]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if ok, wait := e.canDeliver(); !ok {
		r.scheduleRedelivery(job, wait)
		return
	}

	if err := checkSSRF(e.url, r.cfg.SSRFCheckEnabled); err != nil {
		r.failPermanently(e, job.d, err)
		return
	}

	r.global.Take()

	start := time.Now()
	_, err := r.breaker.ExecuteWebhook(e.url, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()
		return nil, r.send(ctx, e, job.d)
	})

	if err == nil {
		if r.metrics != nil {
			r.metrics.ObserveWebhook(job.d.eventType, "success", time.Since(start), job.d.attempt, false)
		}
		return
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		r.failPermanently(e, job.d, err)
		return
	}

	maxAttempts := r.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if !r.cfg.RetryEnabled || job.d.attempt >= maxAttempts {
		r.failPermanently(e, job.d, err)
		if r.metrics != nil {
			r.metrics.ObserveWebhook(job.d.eventType, "dlq", time.Since(start), job.d.attempt, true)
		}
		return
	}

	delay := backoffWithJitter(job.d.attempt, backoffConfig{
		initial:        firstNonZero(r.cfg.InitialInterval, time.Second),
		max:            firstNonZero(r.cfg.MaxInterval, 5*time.Minute),
		multiplier:     firstNonZeroFloat(r.cfg.Multiplier, 2.0),
		jitterFraction: r.cfg.JitterFraction,
	})
	job.d.attempt++
	if r.metrics != nil {
		r.metrics.ObserveWebhook(job.d.eventType, "retrying", time.Since(start), job.d.attempt, false)
	}
	r.scheduleRedelivery(job, delay)
}

func (r *Router) scheduleRedelivery(job deliveryJob, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case r.deliveryCh <- job:
		case <-r.stopCh:
		}
	})
}

func (r *Router) failPermanently(e *emitter, d *delivery, cause error) {
	e.recordDeadLetter(DeadLetterEntry{
		ID:          d.id,
		URL:         e.url,
		EventType:   d.eventType,
		Attempts:    d.attempt,
		LastError:   cause.Error(),
		LastAttempt: time.Now().UTC(),
		CreatedAt:   d.createdAt,
	})
	if r.audit != nil {
		r.audit.Record("webhook.dead_letter", e.url, "delivery exhausted retries", map[string]string{
			"eventType": d.eventType,
			"attempts":  fmt.Sprintf("%d", d.attempt),
			"error":     cause.Error(),
		})
	}
}

// --- Filter rule admin surface ---

// CreateRule registers a new filter rule and lazily creates its emitter.
func (r *Router) CreateRule(rule FilterRule) (FilterRule, error) {
	if rule.ID == "" {
		rule.ID = generateRuleID()
	}
	rule.CreatedAt = time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules[rule.ID] = rule
	if _, ok := r.emitters[rule.URL]; !ok {
		secret := rule.Secret
		if secret == "" {
			secret = r.cfg.SigningSecret
		}
		r.emitters[rule.URL] = newEmitter(rule.URL, secret, r.cfg.PerURLRPS, r.cfg.DeadLetterMaxSize)
	}
	return rule, nil
}

// UpdateRule replaces an existing rule by id.
func (r *Router) UpdateRule(id string, rule FilterRule) (FilterRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rules[id]
	if !ok {
		return FilterRule{}, ErrNotFound
	}
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	r.rules[id] = rule

	if _, ok := r.emitters[rule.URL]; !ok {
		secret := rule.Secret
		if secret == "" {
			secret = r.cfg.SigningSecret
		}
		r.emitters[rule.URL] = newEmitter(rule.URL, secret, r.cfg.PerURLRPS, r.cfg.DeadLetterMaxSize)
	}

	r.pruneUnreferencedEmittersLocked()
	return rule, nil
}

// DeleteRule removes a rule and destroys its emitter if no other rule
// (and the default URL) references the same destination.
func (r *Router) DeleteRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return ErrNotFound
	}
	delete(r.rules, id)
	r.pruneUnreferencedEmittersLocked()
	return nil
}

// pruneUnreferencedEmittersLocked destroys emitters whose URL is no
// longer referenced by any rule and is not the default URL. Caller must
// hold r.mu for writing.
func (r *Router) pruneUnreferencedEmittersLocked() {
	referenced := make(map[string]bool)
	if r.cfg.DefaultURL != "" {
		referenced[r.cfg.DefaultURL] = true
	}
	for _, rule := range r.rules {
		referenced[rule.URL] = true
	}
	for url := range r.emitters {
		if !referenced[url] {
			delete(r.emitters, url)
		}
	}
}

// ListRules returns every configured filter rule.
func (r *Router) ListRules() []FilterRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FilterRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}

// Stats reports per-destination dead-letter counts.
type Stats struct {
	Destinations map[string]DestinationStats `json:"destinations"`
}

// DestinationStats summarizes one emitter's observed state.
type DestinationStats struct {
	DeadLetterCount int    `json:"deadLetterCount"`
	BreakerState    string `json:"breakerState"`
}

// Stats snapshots every emitter's dead-letter count and breaker state.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := Stats{Destinations: make(map[string]DestinationStats)}
	for url, e := range r.emitters {
		out.Destinations[url] = DestinationStats{
			DeadLetterCount: len(e.listDeadLetters()),
			BreakerState:    r.breaker.WebhookState(url),
		}
	}
	return out
}

// DeadLetters returns the retained dead-letter entries for destination.
func (r *Router) DeadLetters(destinationURL string) []DeadLetterEntry {
	r.mu.RLock()
	e, ok := r.emitters[destinationURL]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.listDeadLetters()
}

func generateDeliveryID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("whd_%d", time.Now().UnixNano())
	}
	return "whd_" + hex.EncodeToString(b)
}

func generateRuleID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("rule_%d", time.Now().UnixNano())
	}
	return "rule_" + hex.EncodeToString(b)
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func firstNonZeroFloat(f, fallback float64) float64 {
	if f > 0 {
		return f
	}
	return fallback
}
