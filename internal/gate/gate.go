// Package gate implements the admission-and-debit engine that sits between
// every tools/call request and the upstream JSON-RPC server: it resolves a
// key's effective policy, runs every check an admission must pass, and —
// if every check clears — commits the debit and counter increments as one
// atomic unit per key.
package gate

import (
	"net"
	"strconv"
	"time"

	"github.com/paygate/server/internal/errors"
	"github.com/paygate/server/internal/keystore"
	"github.com/paygate/server/internal/metrics"
	"github.com/paygate/server/internal/quota"
	"github.com/paygate/server/internal/ratelimiter"
)

// AuditRecorder is the narrow interface the Gate depends on to emit audit
// events, rather than importing the audit package directly — keeping the
// dependency graph one-way (Gate -> AuditRecorder interface; audit package
// satisfies it, App wires the concrete type in).
type AuditRecorder interface {
	Record(eventType, actor, message string, metadata map[string]string)
}

// Defaults bundles the process-wide fallbacks consulted when a key and its
// group leave an axis unset.
type Defaults struct {
	Price         int64
	RateLimit     int
	RateWindowMs  int64
	Quota         quota.Limits
	SpendingLimit int64
}

// Config controls cross-cutting Gate behavior.
type Config struct {
	Defaults        Defaults
	RefundOnFailure bool
	ShadowMode      bool
}

// Gate is the admission engine. It holds only references into KeyStore,
// RateLimiter, and QuotaMeter — it never owns their state, per the
// one-way-ownership design (a root App context owns all singletons). The
// balance mutations and the rate-limit counters it depends on are narrow
// interfaces (CreditSource, ratelimiter.RateCheck) rather than concrete
// types, so an alternate backend for either drops in without a Gate
// change; KeyStore itself stays concrete since LockKey/GetKey/ResolvePolicy
// have no alternate backend.
type Gate struct {
	store   *keystore.Store
	credit  keystore.CreditSource
	limiter ratelimiter.RateCheck
	quota   *quota.Meter
	metrics *metrics.Metrics
	audit   AuditRecorder
	cfg     Config
}

// New creates a Gate wired to the given components.
func New(store *keystore.Store, limiter ratelimiter.RateCheck, quotaMeter *quota.Meter, m *metrics.Metrics, audit AuditRecorder, cfg Config) *Gate {
	return &Gate{
		store:   store,
		credit:  store,
		limiter: limiter,
		quota:   quotaMeter,
		metrics: m,
		audit:   audit,
		cfg:     cfg,
	}
}

// Decision is the outcome of evaluating one tools/call admission.
type Decision struct {
	Allowed        bool
	Reason         errors.ErrorCode
	CreditsCharged int64
	DebitApplied   bool
}

// Evaluate runs the full admission sequence for one call to tool on behalf
// of keyIdentifier (an id or alias), optionally checking contextIP against
// the resolved IP allowlist. The whole sequence is atomic per key: two
// concurrent Evaluate calls on the same key serialize via
// keystore.Store.LockKey.
func (g *Gate) Evaluate(keyIdentifier, tool, contextIP string) Decision {
	start := time.Now()
	id, unlock := g.store.LockKey(keyIdentifier)
	defer unlock()

	decision := g.evaluateLocked(id, tool, contextIP)

	if g.metrics != nil {
		reasonLabel := "allow"
		if !decision.Allowed {
			reasonLabel = string(decision.Reason)
			g.metrics.ObservePolicyDenial(reasonLabel)
		}
		g.metrics.ObserveAdmission(tool, reasonLabel, time.Since(start))
		if decision.DebitApplied {
			g.metrics.ObserveCreditsDebited(tool, float64(decision.CreditsCharged))
		}
	}
	return decision
}

func (g *Gate) evaluateLocked(id, tool, contextIP string) Decision {
	// Step 1: resolve key.
	k, err := g.store.GetKey(id)
	if err != nil {
		return Decision{Allowed: false, Reason: errors.ErrCodeUnknownKey}
	}

	// Step 2: lifecycle state.
	switch k.Resolve(time.Now().UTC()) {
	case keystore.StateRevoked:
		return g.deny(k, tool, errors.ErrCodeRevoked)
	case keystore.StateExpired:
		return g.deny(k, tool, errors.ErrCodeKeyExpired)
	case keystore.StateSuspended:
		return g.deny(k, tool, errors.ErrCodeKeySuspended)
	}

	// Step 3: resolve effective policy (key + group overlay).
	policy := g.store.ResolvePolicy(k)

	// Step 4: IP allowlist check.
	if contextIP != "" && len(policy.IPAllowlist) > 0 && !ipAllowed(contextIP, policy.IPAllowlist) {
		return g.deny(k, tool, errors.ErrCodeIPNotAllowed)
	}

	// Step 5: compute credits charged.
	credits := keystore.PriceFor(policy, tool, g.cfg.Defaults.Price)

	// Step 6: ACL check.
	if !keystore.ToolAllowed(policy, tool) {
		return g.deny(k, tool, errors.ErrCodeToolNotAllowed)
	}

	// Step 7: rate limits (key-wide and per-tool).
	limit, windowMs := g.cfg.Defaults.RateLimit, g.cfg.Defaults.RateWindowMs
	if k.RateLimit != nil {
		if k.RateLimit.Limit > 0 {
			limit = k.RateLimit.Limit
		}
		if k.RateLimit.WindowMs > 0 {
			windowMs = k.RateLimit.WindowMs
		}
	}
	if d := g.limiter.Check(id, limit, windowMs); !d.Allowed {
		return g.deny(k, tool, errors.ErrCodeRateLimited)
	}
	toolSubject := ratelimiter.SubjectKey(id, tool)
	if d := g.limiter.Check(toolSubject, limit, windowMs); !d.Allowed {
		return g.deny(k, tool, errors.ErrCodeRateLimited)
	}

	// Step 8: quotas.
	quotaLimits := g.cfg.Defaults.Quota
	if policy.Quota != nil {
		quotaLimits = quota.Limits{
			DailyCalls:     policy.Quota.DailyCalls,
			MonthlyCalls:   policy.Quota.MonthlyCalls,
			DailyCredits:   policy.Quota.DailyCredits,
			MonthlyCredits: policy.Quota.MonthlyCredits,
		}
	}
	if exceeded := g.quota.Check(id, credits, quotaLimits); exceeded != nil {
		if g.metrics != nil {
			g.metrics.ObserveQuotaCheck(string(exceeded.Axis), false)
		}
		return g.denyWithDetail(k, tool, errors.ErrCodeQuotaExceeded, string(exceeded.Axis))
	}

	// Step 9: spending limit.
	spendingLimit := policy.SpendingLimit
	if spendingLimit == 0 {
		spendingLimit = g.cfg.Defaults.SpendingLimit
	}
	if spendingLimit > 0 && k.Spent+credits > spendingLimit {
		return g.deny(k, tool, errors.ErrCodeSpendingLimit)
	}

	// Step 10: balance check.
	if k.Balance < credits {
		return g.deny(k, tool, errors.ErrCodeInsufficientCredits)
	}

	// Shadow mode: every check passed; allow without committing.
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, CreditsCharged: credits, DebitApplied: false}
	}

	// Step 11: commit.
	if _, err := g.credit.Debit(id, credits); err != nil {
		return g.deny(k, tool, errors.ErrCodeInsufficientCredits)
	}
	g.limiter.Record(id, windowMs)
	g.limiter.Record(toolSubject, windowMs)
	g.quota.Increment(id, credits)

	return Decision{Allowed: true, CreditsCharged: credits, DebitApplied: true}
}

func (g *Gate) deny(k keystore.Key, tool string, reason errors.ErrorCode) Decision {
	return g.denyWithDetail(k, tool, reason, "")
}

func (g *Gate) denyWithDetail(k keystore.Key, tool string, reason errors.ErrorCode, detail string) Decision {
	if g.audit != nil {
		fullReason := string(reason)
		if detail != "" {
			fullReason = fullReason + ":" + detail
		}
		g.audit.Record("gate.deny", k.ID, "admission denied", map[string]string{
			"tool":   tool,
			"reason": fullReason,
		})
	}
	// Shadow mode: the failed check is recorded above, but the call is
	// still allowed and nothing is debited.
	if g.cfg.ShadowMode {
		return Decision{Allowed: true, Reason: reason}
	}
	return Decision{Allowed: false, Reason: reason}
}

// Refund adds amount back to keyID's balance and emits a gate.refund audit
// event. Call count is never decremented. Atomic per key, same as Evaluate.
func (g *Gate) Refund(keyID string, amount int64, reason string) error {
	id, unlock := g.store.LockKey(keyID)
	defer unlock()

	if _, err := g.credit.Refund(id, amount); err != nil {
		return err
	}
	if g.audit != nil {
		g.audit.Record("gate.refund", id, "admission refunded", map[string]string{
			"amount": strconv.FormatInt(amount, 10),
			"reason": reason,
		})
	}
	return nil
}

// ipAllowed reports whether ip matches any literal address or CIDR block
// in allowlist.
func ipAllowed(ip string, allowlist []string) bool {
	parsed := net.ParseIP(ip)
	for _, entry := range allowlist {
		if entry == ip {
			return true
		}
		if parsed == nil {
			continue
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
