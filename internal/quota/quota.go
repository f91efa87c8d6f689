// Package quota implements the calendar-window (UTC day/month) counters
// that back daily/monthly call and credit quotas, per key and globally.
package quota

import (
	"sync"
	"time"
)

// Axis identifies one of the four independent counters tracked per
// subject, used in the quota_exceeded:<axis> denial reason.
type Axis string

const (
	AxisDailyCalls     Axis = "daily_calls"
	AxisMonthlyCalls   Axis = "monthly_calls"
	AxisDailyCredits   Axis = "daily_credits"
	AxisMonthlyCredits Axis = "monthly_credits"
)

// Limits bundles the four configured ceilings for a subject. A zero value
// on any field means "no quota" for that axis.
type Limits struct {
	DailyCalls     int64
	MonthlyCalls   int64
	DailyCredits   int64
	MonthlyCredits int64
}

// counters tracks the running totals for one subject along with the
// civil-day/month boundary they were last reset against.
type counters struct {
	dailyCalls     int64
	monthlyCalls   int64
	dailyCredits   int64
	monthlyCredits int64

	dayKey   string // "2026-07-31"
	monthKey string // "2026-07"
}

// Meter is the per-process QuotaMeter. Subjects are typically a key id;
// the global subject uses a reserved sentinel key.
type Meter struct {
	mu       sync.Mutex
	subjects map[string]*counters
}

// GlobalSubject is the reserved key under which process-wide totals are
// tracked, independent of any single API key's counters.
const GlobalSubject = "__global__"

// New creates an empty Meter.
func New() *Meter {
	return &Meter{subjects: make(map[string]*counters)}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.Format("2006-01")
}

// rolloverLocked resets any counter whose civil-day/month boundary has
// passed since it was last touched. Caller must hold m.mu.
func rolloverLocked(c *counters, now time.Time) {
	dk, mk := dayKey(now), monthKey(now)
	if c.dayKey != dk {
		c.dailyCalls = 0
		c.dailyCredits = 0
		c.dayKey = dk
	}
	if c.monthKey != mk {
		c.monthlyCalls = 0
		c.monthlyCredits = 0
		c.monthKey = mk
	}
}

// Exceeded is returned by CheckAndIncrement naming the first axis (in
// daily-calls, monthly-calls, daily-credits, monthly-credits order) whose
// configured limit would be exceeded by the call under evaluation.
type Exceeded struct {
	Axis Axis
}

// CheckAndIncrement evaluates whether admitting one more call charging
// credits against subject would push any configured counter over its
// limit; if every counter has room, it commits the increment atomically
// and returns (nil, nil). If any axis would be exceeded, none of the
// counters are mutated and the first violated axis is returned.
func (m *Meter) CheckAndIncrement(subject string, credits int64, limits Limits) *Exceeded {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.subjects[subject]
	if !ok {
		c = &counters{dayKey: dayKey(now), monthKey: monthKey(now)}
		m.subjects[subject] = c
	}
	rolloverLocked(c, now)

	if limits.DailyCalls > 0 && c.dailyCalls+1 > limits.DailyCalls {
		return &Exceeded{Axis: AxisDailyCalls}
	}
	if limits.MonthlyCalls > 0 && c.monthlyCalls+1 > limits.MonthlyCalls {
		return &Exceeded{Axis: AxisMonthlyCalls}
	}
	if limits.DailyCredits > 0 && c.dailyCredits+credits > limits.DailyCredits {
		return &Exceeded{Axis: AxisDailyCredits}
	}
	if limits.MonthlyCredits > 0 && c.monthlyCredits+credits > limits.MonthlyCredits {
		return &Exceeded{Axis: AxisMonthlyCredits}
	}

	c.dailyCalls++
	c.monthlyCalls++
	c.dailyCredits += credits
	c.monthlyCredits += credits
	return nil
}

// Check reports the first axis that would be exceeded if credits were
// charged against subject, without mutating any counter. Callers that
// already hold an external per-subject lock (the Gate, via
// keystore.Store.LockKey) can use Check during their checks phase and
// Increment during their commit phase to split evaluation from mutation
// across a wider atomic section than a single Meter call can express.
func (m *Meter) Check(subject string, credits int64, limits Limits) *Exceeded {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.subjects[subject]
	if !ok {
		c = &counters{dayKey: dayKey(now), monthKey: monthKey(now)}
	}
	rolloverLocked(c, now)

	if limits.DailyCalls > 0 && c.dailyCalls+1 > limits.DailyCalls {
		return &Exceeded{Axis: AxisDailyCalls}
	}
	if limits.MonthlyCalls > 0 && c.monthlyCalls+1 > limits.MonthlyCalls {
		return &Exceeded{Axis: AxisMonthlyCalls}
	}
	if limits.DailyCredits > 0 && c.dailyCredits+credits > limits.DailyCredits {
		return &Exceeded{Axis: AxisDailyCredits}
	}
	if limits.MonthlyCredits > 0 && c.monthlyCredits+credits > limits.MonthlyCredits {
		return &Exceeded{Axis: AxisMonthlyCredits}
	}
	return nil
}

// Increment unconditionally commits one call charging credits against
// subject. Callers are expected to have already run Check under the same
// external lock.
func (m *Meter) Increment(subject string, credits int64) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.subjects[subject]
	if !ok {
		c = &counters{dayKey: dayKey(now), monthKey: monthKey(now)}
		m.subjects[subject] = c
	}
	rolloverLocked(c, now)

	c.dailyCalls++
	c.monthlyCalls++
	c.dailyCredits += credits
	c.monthlyCredits += credits
}

// Snapshot returns the current counter values for subject without
// mutating them, rolling over expired windows first so the view reflects
// "now".
func (m *Meter) Snapshot(subject string) Limits {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.subjects[subject]
	if !ok {
		return Limits{}
	}
	rolloverLocked(c, now)

	return Limits{
		DailyCalls:     c.dailyCalls,
		MonthlyCalls:   c.monthlyCalls,
		DailyCredits:   c.dailyCredits,
		MonthlyCredits: c.monthlyCredits,
	}
}
