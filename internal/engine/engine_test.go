package engine

import (
	"sync"
	"testing"
	"time"

	"taskgate/internal/config"
	"taskgate/internal/model"
)

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTrackerForTest() *Tracker {
	return NewTracker(config.DefaultGate(), nil, nil)
}

func TestRateLimitExceeded(t *testing.T) {
	tr := newTrackerForTest()
	now := base
	for i := 1; i <= 120; i++ {
		d := tr.Evaluate("X", "/api/tasks", now)
		if !d.Admitted {
			t.Fatalf("request %d should be admitted, got %q", i, d.Reason)
		}
		now = now.Add(100 * time.Millisecond)
	}
	d := tr.Evaluate("X", "/api/tasks", now)
	if d.Admitted || d.Reason != model.ReasonRateLimit {
		t.Fatalf("request 121: got %+v", d)
	}
}

func TestSuspiciousThreshold(t *testing.T) {
	tr := newTrackerForTest()
	for i := 1; i <= 5; i++ {
		if d := tr.Evaluate("Y", "/api/auth/login", base.Add(time.Duration(i)*time.Second)); !d.Admitted {
			t.Fatalf("login %d should be admitted", i)
		}
	}
	d := tr.Evaluate("Y", "/api/auth/login", base.Add(6*time.Second))
	if d.Admitted || d.Reason != model.ReasonSuspicious {
		t.Fatalf("6th login: got %+v", d)
	}
	st, _ := tr.Stat("Y", base.Add(6*time.Second))
	if st.RequestCount != 6 || st.SuspiciousCount != 6 || !st.Blocked {
		t.Fatalf("unexpected stat: %+v", st)
	}
}

func TestAdminPrefixIsSuspicious(t *testing.T) {
	tr := newTrackerForTest()
	tr.Evaluate("Z", "/api/admin/clients?x=1", base)
	tr.Evaluate("Z", "/api/tasks", base)
	st, _ := tr.Stat("Z", base)
	if st.RequestCount != 2 || st.SuspiciousCount != 1 {
		t.Fatalf("unexpected stat: %+v", st)
	}
}

func TestVolumeCheckWinsTie(t *testing.T) {
	cfg := config.DefaultGate()
	cfg.MaxRequestsPerWindow = 3
	cfg.MaxSuspiciousPerWindow = 2
	tr := NewTracker(cfg, nil, nil)
	for i := 0; i < 2; i++ {
		tr.Evaluate("T", "/api/admin", base)
	}
	// Third request crosses the suspicious limit but not volume.
	if d := tr.Evaluate("T", "/api/admin", base); d.Reason != model.ReasonSuspicious {
		t.Fatalf("expected suspicious block, got %+v", d)
	}

	tr2 := NewTracker(cfg, nil, nil)
	tr2.Evaluate("T", "/api/tasks", base)
	tr2.Evaluate("T", "/api/admin", base)
	tr2.Evaluate("T", "/api/admin", base)
	if d := tr2.Evaluate("T", "/api/admin", base); d.Reason != model.ReasonRateLimit {
		t.Fatalf("both limits tripped, expected rate limit reason, got %+v", d)
	}
}

func TestBlockedRequestsDoNotCount(t *testing.T) {
	tr := newTrackerForTest()
	for i := 0; i < 121; i++ {
		tr.Evaluate("X", "/api/tasks", base)
	}
	before, _ := tr.Stat("X", base)
	for i := 1; i <= 50; i++ {
		d := tr.Evaluate("X", "/api/admin", base.Add(time.Duration(i)*time.Second))
		if d.Admitted || d.Reason != model.ReasonBlocked {
			t.Fatalf("expected sticky block, got %+v", d)
		}
	}
	after, _ := tr.Stat("X", base.Add(50*time.Second))
	if after.RequestCount != before.RequestCount || after.SuspiciousCount != before.SuspiciousCount {
		t.Fatalf("counters moved while blocked: before %+v after %+v", before, after)
	}
}

func TestBlockSurvivesWindowRollover(t *testing.T) {
	tr := newTrackerForTest()
	for i := 0; i < 121; i++ {
		tr.Evaluate("X", "/api/tasks", base)
	}
	// Window (60s) has rolled, block (5m) still active.
	d := tr.Evaluate("X", "/api/tasks", base.Add(2*time.Minute))
	if d.Admitted || d.Reason != model.ReasonBlocked {
		t.Fatalf("block lifted early: %+v", d)
	}
	st, _ := tr.Stat("X", base.Add(2*time.Minute))
	if st.RequestCount != 0 || !st.WindowStart.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("window should roll while blocked: %+v", st)
	}
	d = tr.Evaluate("X", "/api/tasks", base.Add(5*time.Minute))
	if !d.Admitted {
		t.Fatalf("block should lift at blockedUntil: %+v", d)
	}
}

func TestUnblockKeepsStaleCounts(t *testing.T) {
	cfg := config.DefaultGate()
	cfg.Window = 10 * time.Minute
	cfg.BlockDuration = time.Minute
	cfg.MaxRequestsPerWindow = 3
	tr := NewTracker(cfg, nil, nil)
	for i := 0; i < 4; i++ {
		tr.Evaluate("S", "/api/tasks", base)
	}
	// Block lifts at +1m, window (10m) still open with requestCount=4.
	d := tr.Evaluate("S", "/api/tasks", base.Add(time.Minute))
	if d.Admitted || d.Reason != model.ReasonRateLimit {
		t.Fatalf("expected immediate re-block from stale counts, got %+v", d)
	}
}

func TestWindowResetsCounts(t *testing.T) {
	tr := newTrackerForTest()
	for i := 0; i < 100; i++ {
		tr.Evaluate("W", "/api/tasks", base)
	}
	tr.Evaluate("W", "/api/tasks", base.Add(61*time.Second))
	st, _ := tr.Stat("W", base.Add(61*time.Second))
	if st.RequestCount != 1 {
		t.Fatalf("window not reset: %+v", st)
	}
	// Exactly windowDuration later does not roll.
	tr.Evaluate("W", "/api/tasks", base.Add(121*time.Second))
	st, _ = tr.Stat("W", base.Add(121*time.Second))
	if st.RequestCount != 2 {
		t.Fatalf("window rolled at boundary: %+v", st)
	}
}

func TestEmptyAddressUsesSentinel(t *testing.T) {
	tr := newTrackerForTest()
	tr.Evaluate("", "/api/tasks", base)
	if _, ok := tr.Stat(UnknownClient, base); !ok {
		t.Fatalf("expected sentinel record")
	}
}

func TestSweepRemovesOnlyIdleRecords(t *testing.T) {
	tr := newTrackerForTest()
	tr.Evaluate("idle", "/api/tasks", base)
	for i := 0; i < 121; i++ {
		tr.Evaluate("blocked", "/api/tasks", base)
	}
	tr.Evaluate("fresh", "/api/tasks", base.Add(90*time.Second))

	removed := tr.Sweep(base.Add(2 * time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := tr.Stat("idle", base); ok {
		t.Fatalf("idle record should be swept")
	}
	if tr.Len() != 2 {
		t.Fatalf("len = %d, want 2", tr.Len())
	}
	if d := tr.Evaluate("blocked", "/api/tasks", base.Add(2*time.Minute)); d.Admitted {
		t.Fatalf("sweep must not release a blocked client")
	}
}

func TestUpdateConfig(t *testing.T) {
	tr := newTrackerForTest()
	cfg := config.DefaultGate()
	cfg.MaxRequestsPerWindow = 1
	tr.UpdateConfig(cfg)
	tr.Evaluate("U", "/api/tasks", base)
	if d := tr.Evaluate("U", "/api/tasks", base); d.Reason != model.ReasonRateLimit {
		t.Fatalf("new limit not applied: %+v", d)
	}
}

func TestConcurrentEvaluateIsAtomic(t *testing.T) {
	cfg := config.DefaultGate()
	cfg.MaxRequestsPerWindow = 1000
	cfg.MaxSuspiciousPerWindow = 1000
	tr := NewTracker(cfg, nil, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 60; i++ {
				path := "/api/tasks"
				if i%3 == 0 {
					path = "/api/admin"
				}
				if tr.Evaluate("C", path, base).Admitted {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()
	if admitted != 1000 {
		t.Fatalf("admitted = %d, want exactly 1000", admitted)
	}
	st, _ := tr.Stat("C", base)
	if st.RequestCount != 1001 {
		t.Fatalf("request count = %d, want 1001", st.RequestCount)
	}
	if st.SuspiciousCount > st.RequestCount {
		t.Fatalf("suspicious %d exceeds requests %d", st.SuspiciousCount, st.RequestCount)
	}
}

func TestSnapshotSorted(t *testing.T) {
	tr := newTrackerForTest()
	tr.Evaluate("b", "/", base)
	tr.Evaluate("a", "/", base)
	snap := tr.Snapshot(base)
	if len(snap) != 2 || snap[0].ClientAddress != "a" || snap[1].ClientAddress != "b" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCooldown(t *testing.T) {
	c := NewCooldown()
	if !c.Allow("k", base, time.Second) {
		t.Fatalf("first call should pass")
	}
	if c.Allow("k", base.Add(500*time.Millisecond), time.Second) {
		t.Fatalf("second call inside cooldown should be suppressed")
	}
	if !c.Allow("k", base.Add(time.Second), time.Second) {
		t.Fatalf("call after cooldown should pass")
	}
	if !c.Allow("k", base, 0) {
		t.Fatalf("zero cooldown always allows")
	}
}

func TestResetLiftsBlocks(t *testing.T) {
	tr := newTrackerForTest()
	for i := 0; i < 121; i++ {
		tr.Evaluate("R", "/api/tasks", base)
	}
	tr.Evaluate("other", "/api/tasks", base)
	if n := tr.Reset(); n != 2 {
		t.Fatalf("reset cleared %d, want 2", n)
	}
	if d := tr.Evaluate("R", "/api/tasks", base); !d.Admitted {
		t.Fatalf("reset should lift the block: %+v", d)
	}
}
