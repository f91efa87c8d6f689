// Package ratelimiter implements the sliding-window, subject-keyed limiter
// that the Gate consults on every tool call. It is distinct from the outer
// per-IP HTTP throttle in internal/ratelimit, which protects the admin and
// session-creation surfaces instead of metering individual keys.
package ratelimiter

import (
	"sort"
	"sync"
	"time"
)

// Decision is the result of a non-mutating Check call.
type Decision struct {
	Allowed      bool
	Remaining    int64 // -1 means unbounded (limit of 0)
	RetryAfterMs int64
}

// RateCheck is the narrow interface the Gate depends on for its admission
// counters, rather than the concrete Limiter. RedisLimiter satisfies it
// too, so a multi-process deployment can swap backends by config alone.
type RateCheck interface {
	Check(subject string, limit int, windowMs int64) Decision
	Record(subject string, windowMs int64)
}

// window tracks the sliding set of hit timestamps (unix milliseconds) for
// one subject.
type window struct {
	hits       []int64
	lastHitMs  int64
}

// Limiter is a sliding-window rate limiter keyed by an arbitrary subject
// string (typically a key id, or "key:tool" for the per-tool variant).
// A limit of 0 means unbounded for that subject.
type Limiter struct {
	mu          sync.Mutex
	windows     map[string]*window
	maxSubjects int
}

// New creates a Limiter. maxSubjects bounds the number of distinct subjects
// tracked at once; when exceeded, the subject with the oldest last hit is
// evicted to make room.
func New(maxSubjects int) *Limiter {
	if maxSubjects <= 0 {
		maxSubjects = 100000
	}
	return &Limiter{
		windows:     make(map[string]*window),
		maxSubjects: maxSubjects,
	}
}

// nowMs returns the current time in unix milliseconds. It is a plain
// function, not a package variable, so tests cannot substitute a clock.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// Check reports whether subject may be admitted under limit/windowMs without
// recording a hit. limit of 0 means unbounded.
func (l *Limiter) Check(subject string, limit int, windowMs int64) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}
	}

	now := nowMs()
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[subject]
	if w == nil {
		return Decision{Allowed: true, Remaining: int64(limit - 1)}
	}

	count, oldest := countInWindow(w.hits, now, windowMs)
	if count < limit {
		return Decision{Allowed: true, Remaining: int64(limit - count - 1)}
	}

	retryAfterMs := int64(0)
	if oldest > 0 {
		retryAfterMs = oldest + windowMs - now
		if retryAfterMs < 0 {
			retryAfterMs = 0
		}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfterMs: retryAfterMs}
}

// Record appends a hit for subject. It does not itself enforce the limit;
// callers must Check first. A hit is counted toward future windows only
// while its timestamp is within windowMs of the time it is checked against.
func (l *Limiter) Record(subject string, windowMs int64) {
	now := nowMs()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[subject]
	if w == nil {
		if len(l.windows) >= l.maxSubjects {
			l.evictOldestLocked()
		}
		w = &window{}
		l.windows[subject] = w
	}

	w.hits = pruneWindow(w.hits, now, windowMs)
	w.hits = append(w.hits, now)
	w.lastHitMs = now
}

// CheckAndRecord is a convenience wrapper combining Check then Record when
// admitted, for callers that don't need the split for their own
// two-phase admission logic.
func (l *Limiter) CheckAndRecord(subject string, limit int, windowMs int64) Decision {
	d := l.Check(subject, limit, windowMs)
	if d.Allowed {
		l.Record(subject, windowMs)
	}
	return d
}

// countInWindow returns how many hits fall within windowMs of now, and the
// timestamp of the oldest hit still in the window (0 if none).
func countInWindow(hits []int64, now, windowMs int64) (count int, oldest int64) {
	cutoff := now - windowMs
	for _, h := range hits {
		if h > cutoff {
			count++
			if oldest == 0 || h < oldest {
				oldest = h
			}
		}
	}
	return count, oldest
}

// pruneWindow drops hits that have fallen out of the window, keeping the
// per-subject slice from growing without bound.
func pruneWindow(hits []int64, now, windowMs int64) []int64 {
	cutoff := now - windowMs
	out := hits[:0]
	for _, h := range hits {
		if h > cutoff {
			out = append(out, h)
		}
	}
	return out
}

// evictOldestLocked removes the subject with the oldest last-hit timestamp.
// Caller must hold l.mu.
func (l *Limiter) evictOldestLocked() {
	var oldestSubject string
	var oldestAt int64

	subjects := make([]string, 0, len(l.windows))
	for s := range l.windows {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects) // deterministic tie-break

	for _, s := range subjects {
		w := l.windows[s]
		if oldestSubject == "" || w.lastHitMs < oldestAt {
			oldestSubject = s
			oldestAt = w.lastHitMs
		}
	}
	if oldestSubject != "" {
		delete(l.windows, oldestSubject)
	}
}

// Count reports the number of subjects currently tracked, for metrics/tests.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// SubjectKey builds the per-tool rate-limit subject key "key:tool". A bare
// key id is used for the key-wide limit.
func SubjectKey(keyID, tool string) string {
	return keyID + ":" + tool
}
