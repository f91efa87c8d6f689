package gate

import (
	"testing"
	"time"

	"github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/internal/quota"
	"github.com/paygate/server/internal/ratelimiter"
)

type fakeAudit struct {
	events  []string
	reasons []string
}

func (f *fakeAudit) Record(eventType, actor, message string, metadata map[string]string) {
	f.events = append(f.events, eventType)
	if reason, ok := metadata["reason"]; ok {
		f.reasons = append(f.reasons, reason)
	}
}

func newTestGate(cfg Config) (*Gate, *keystore.Store, *fakeAudit) {
	store := keystore.New()
	limiter := ratelimiter.New(0)
	quotaMeter := quota.New()
	audit := &fakeAudit{}
	g := New(store, limiter, quotaMeter, nil, audit, cfg)
	return g, store, audit
}

func defaultTestConfig() Config {
	return Config{
		Defaults: Defaults{
			Price:        5,
			RateLimit:    0, // unbounded unless overridden per test
			RateWindowMs: 60000,
		},
	}
}

func TestS1_AdmissionAndBalance(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k1", 100, keystore.CreateOptions{})

	successes := 0
	var last Decision
	for i := 0; i < 21; i++ {
		last = g.Evaluate(k.ID, "tool_a", "")
		if last.Allowed {
			successes++
		}
	}

	if successes != 20 {
		t.Errorf("successful admissions = %d, want 20", successes)
	}
	if last.Allowed {
		t.Error("21st call should be denied")
	}
	if last.Reason != errors.ErrCodeInsufficientCredits {
		t.Errorf("21st call reason = %v, want insufficient_credits", last.Reason)
	}

	got, _ := store.GetKey(k.ID)
	if got.Balance != 0 {
		t.Errorf("final balance = %d, want 0", got.Balance)
	}
	if got.CallCount != 20 {
		t.Errorf("final call count = %d, want 20", got.CallCount)
	}
}

func TestS2_RateLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Defaults.RateLimit = 1
	g, store, _ := newTestGate(cfg)
	k, _ := store.CreateKey("k2", 1000, keystore.CreateOptions{})

	d1 := g.Evaluate(k.ID, "tool_a", "")
	if !d1.Allowed {
		t.Fatalf("first call should be allowed, reason=%v", d1.Reason)
	}
	d2 := g.Evaluate(k.ID, "tool_a", "")
	if d2.Allowed {
		t.Fatal("second call should be rate limited")
	}
	if d2.Reason != errors.ErrCodeRateLimited {
		t.Errorf("reason = %v, want rate_limited", d2.Reason)
	}
}

func TestS7_GroupACLOverlay(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	store.CreateGroup(keystore.Group{Name: "restricted", AllowedTools: []string{"read_file"}})
	k, _ := store.CreateKey("k7", 1000, keystore.CreateOptions{Group: "restricted"})

	allowed := g.Evaluate(k.ID, "read_file", "")
	if !allowed.Allowed {
		t.Errorf("read_file should be allowed, reason=%v", allowed.Reason)
	}

	denied := g.Evaluate(k.ID, "write_file", "")
	if denied.Allowed {
		t.Error("write_file should be denied")
	}
	if denied.Reason != errors.ErrCodeToolNotAllowed {
		t.Errorf("reason = %v, want tool_not_allowed", denied.Reason)
	}
}

func TestSuspendedKeyDenied(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k", 100, keystore.CreateOptions{})
	store.Suspend(k.ID)

	d := g.Evaluate(k.ID, "tool_a", "")
	if d.Allowed || d.Reason != errors.ErrCodeKeySuspended {
		t.Errorf("suspended key decision = %+v, want key_suspended denial", d)
	}
}

func TestExpiredKeyDenied(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	past := time.Now().UTC().Add(-time.Hour)
	k, _ := store.CreateKey("k", 100, keystore.CreateOptions{ExpiresAt: &past})

	d := g.Evaluate(k.ID, "tool_a", "")
	if d.Allowed || d.Reason != errors.ErrCodeKeyExpired {
		t.Errorf("expired key decision = %+v, want key_expired denial", d)
	}
}

func TestRevokedKeyDenied(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k", 100, keystore.CreateOptions{})
	store.Revoke(k.ID)

	d := g.Evaluate(k.ID, "tool_a", "")
	if d.Allowed || d.Reason != errors.ErrCodeRevoked {
		t.Errorf("revoked key decision = %+v, want revoked denial", d)
	}
}

func TestIPAllowlistDenial(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k", 100, keystore.CreateOptions{IPAllowlist: []string{"10.0.0.0/8"}})

	denied := g.Evaluate(k.ID, "tool_a", "203.0.113.5")
	if denied.Allowed || denied.Reason != errors.ErrCodeIPNotAllowed {
		t.Errorf("decision = %+v, want ip_not_allowed denial", denied)
	}

	allowed := g.Evaluate(k.ID, "tool_a", "10.1.2.3")
	if !allowed.Allowed {
		t.Errorf("10.1.2.3 should match 10.0.0.0/8, got %+v", allowed)
	}
}

func TestQuotaExceededReasonIncludesAxis(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.Defaults.Quota = quota.Limits{DailyCalls: 1}
	g, store, audit := newTestGate(cfg)
	k, _ := store.CreateKey("k", 1000, keystore.CreateOptions{})

	g.Evaluate(k.ID, "tool_a", "")
	d := g.Evaluate(k.ID, "tool_a", "")
	if d.Allowed || d.Reason != errors.ErrCodeQuotaExceeded {
		t.Errorf("decision = %+v, want quota_exceeded denial", d)
	}
	found := false
	for _, e := range audit.events {
		if e == "gate.deny" {
			found = true
		}
	}
	if !found {
		t.Error("expected a gate.deny audit event")
	}

	wantReason := string(errors.ErrCodeQuotaExceeded) + ":" + string(quota.AxisDailyCalls)
	foundReason := false
	for _, r := range audit.reasons {
		if r == wantReason {
			foundReason = true
		}
	}
	if !foundReason {
		t.Errorf("audit reasons = %v, want one equal to %q", audit.reasons, wantReason)
	}
}

func TestSpendingLimit(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k", 1000, keystore.CreateOptions{SpendingLimit: 8})

	d1 := g.Evaluate(k.ID, "tool_a", "")
	if !d1.Allowed {
		t.Fatalf("first call (5 credits) should fit under limit of 8, got %+v", d1)
	}
	d2 := g.Evaluate(k.ID, "tool_a", "")
	if d2.Allowed || d2.Reason != errors.ErrCodeSpendingLimit {
		t.Errorf("second call should exceed spending limit, got %+v", d2)
	}
}

func TestShadowMode_AllowsWithoutDebit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.ShadowMode = true
	g, store, _ := newTestGate(cfg)
	k, _ := store.CreateKey("k", 10, keystore.CreateOptions{})

	d := g.Evaluate(k.ID, "tool_a", "")
	if !d.Allowed {
		t.Fatalf("shadow mode should always allow once checks pass, got %+v", d)
	}
	if d.DebitApplied {
		t.Error("shadow mode must not apply a debit")
	}

	got, _ := store.GetKey(k.ID)
	if got.Balance != 10 {
		t.Errorf("balance after shadow-mode call = %d, want unchanged 10", got.Balance)
	}
}

func TestWildcardToolChargesNothing(t *testing.T) {
	g, store, _ := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k", 10, keystore.CreateOptions{Pricing: map[string]int64{"*": 0}})

	for i := 0; i < 100; i++ {
		d := g.Evaluate(k.ID, "any_tool", "")
		if !d.Allowed {
			t.Fatalf("call %d should be allowed at zero cost, got %+v", i, d)
		}
	}
	got, _ := store.GetKey(k.ID)
	if got.Balance != 10 {
		t.Errorf("balance = %d, want unchanged 10 (wildcard tool is free)", got.Balance)
	}
}

func TestRefund_RestoresBalance(t *testing.T) {
	g, store, audit := newTestGate(defaultTestConfig())
	k, _ := store.CreateKey("k5", 50, keystore.CreateOptions{})

	d := g.Evaluate(k.ID, "tool_x", "")
	if !d.Allowed {
		t.Fatalf("call should be allowed, got %+v", d)
	}

	if err := g.Refund(k.ID, d.CreditsCharged, "upstream_error"); err != nil {
		t.Fatalf("Refund() error = %v", err)
	}

	got, _ := store.GetKey(k.ID)
	if got.Balance != 50 {
		t.Errorf("balance after refund = %d, want 50", got.Balance)
	}

	found := false
	for _, e := range audit.events {
		if e == "gate.refund" {
			found = true
		}
	}
	if !found {
		t.Error("expected a gate.refund audit event")
	}
}
