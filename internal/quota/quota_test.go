package quota

import "testing"

func TestCheckAndIncrement_AllowsUnderLimit(t *testing.T) {
	m := New()
	limits := Limits{DailyCalls: 3}

	for i := 0; i < 3; i++ {
		if exceeded := m.CheckAndIncrement("k1", 1, limits); exceeded != nil {
			t.Fatalf("call %d: unexpected exceeded axis %v", i, exceeded.Axis)
		}
	}

	exceeded := m.CheckAndIncrement("k1", 1, limits)
	if exceeded == nil {
		t.Fatal("4th call should exceed daily_calls")
	}
	if exceeded.Axis != AxisDailyCalls {
		t.Errorf("Axis = %v, want %v", exceeded.Axis, AxisDailyCalls)
	}
}

func TestCheckAndIncrement_ZeroMeansUnbounded(t *testing.T) {
	m := New()
	limits := Limits{} // all zero

	for i := 0; i < 1000; i++ {
		if exceeded := m.CheckAndIncrement("k1", 100, limits); exceeded != nil {
			t.Fatalf("call %d: zero quota should be unbounded, got %v", i, exceeded.Axis)
		}
	}
}

func TestCheckAndIncrement_CreditsAxis(t *testing.T) {
	m := New()
	limits := Limits{DailyCredits: 10}

	if exceeded := m.CheckAndIncrement("k1", 5, limits); exceeded != nil {
		t.Fatalf("unexpected exceeded: %v", exceeded.Axis)
	}
	if exceeded := m.CheckAndIncrement("k1", 5, limits); exceeded != nil {
		t.Fatalf("unexpected exceeded: %v", exceeded.Axis)
	}
	// Now at 10/10; one more credit should exceed.
	exceeded := m.CheckAndIncrement("k1", 1, limits)
	if exceeded == nil || exceeded.Axis != AxisDailyCredits {
		t.Errorf("expected AxisDailyCredits exceeded, got %v", exceeded)
	}
}

func TestCheckAndIncrement_RejectedCallDoesNotMutate(t *testing.T) {
	m := New()
	limits := Limits{DailyCalls: 1}

	if exceeded := m.CheckAndIncrement("k1", 1, limits); exceeded != nil {
		t.Fatalf("first call should succeed: %v", exceeded)
	}
	// Second call is rejected; snapshot should still show 1 call, not 2.
	m.CheckAndIncrement("k1", 1, limits)

	snap := m.Snapshot("k1")
	if snap.DailyCalls != 1 {
		t.Errorf("DailyCalls = %d, want 1 (rejected call must not increment)", snap.DailyCalls)
	}
}

func TestGlobalSubject_IndependentOfKeySubjects(t *testing.T) {
	m := New()
	limits := Limits{DailyCalls: 5}

	m.CheckAndIncrement("k1", 1, limits)
	m.CheckAndIncrement(GlobalSubject, 1, limits)

	k1Snap := m.Snapshot("k1")
	globalSnap := m.Snapshot(GlobalSubject)

	if k1Snap.DailyCalls != 1 || globalSnap.DailyCalls != 1 {
		t.Errorf("expected independent counters, got k1=%d global=%d", k1Snap.DailyCalls, globalSnap.DailyCalls)
	}
}
