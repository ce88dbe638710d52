package health

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/profiled/internal/clock"
)

func newTestMonitor() (*Monitor, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := New(Config{
		IssueCountForCriticalState: 5,
		IssueWindow:                120 * time.Second,
		CriticalStateWindow:        60 * time.Second,
		Clock:                      clk,
	})
	return m, clk
}

func awaitSignal[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestBelowThresholdStaysHealthy(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor()
	for i := 0; i < 4; i++ {
		m.ReportIssue("players", "p1", "save", "store unavailable")
	}
	if m.InCriticalState() {
		t.Fatal("entered critical below the issue threshold")
	}
	if got := len(m.Issues()); got != 4 {
		t.Fatalf("Issues() = %d, want 4", got)
	}
}

func TestCriticalEntersExactlyOnce(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor()
	transitions := make(chan CriticalState, 8)
	var enters atomic.Int32
	m.CriticalSignal().Subscribe(func(s CriticalState) {
		if s.Active {
			enters.Add(1)
		}
		transitions <- s
	})

	for i := 0; i < 5; i++ {
		m.ReportIssue("players", "p1", "save", "store unavailable")
	}
	state := awaitSignal(t, transitions, "critical entry")
	if !state.Active {
		t.Fatal("first transition should activate critical state")
	}
	if !m.InCriticalState() {
		t.Fatal("InCriticalState() = false after threshold")
	}

	m.ReportIssue("players", "p1", "save", "store unavailable")
	m.ReportIssue("players", "p2", "load", "store unavailable")
	time.Sleep(50 * time.Millisecond)
	if got := enters.Load(); got != 1 {
		t.Fatalf("critical entered %d times, want 1", got)
	}
}

func TestRecoversAfterQuietWindow(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor()
	transitions := make(chan CriticalState, 8)
	m.CriticalSignal().Subscribe(func(s CriticalState) { transitions <- s })

	for i := 0; i < 5; i++ {
		m.ReportIssue("players", "p1", "save", "store unavailable")
	}
	awaitSignal(t, transitions, "critical entry")

	// An issue mid-recovery restarts the quiet requirement.
	clk.Advance(30 * time.Second)
	m.ReportIssue("players", "p1", "save", "store unavailable")
	clk.Advance(40 * time.Second)
	m.Tick()
	if !m.InCriticalState() {
		t.Fatal("recovered with only 40s of quiet, want 60s")
	}

	clk.Advance(20 * time.Second)
	m.Tick()
	state := awaitSignal(t, transitions, "recovery")
	if state.Active {
		t.Fatal("expected recovery transition")
	}
	if m.InCriticalState() {
		t.Fatal("InCriticalState() = true after recovery")
	}
}

func TestWindowPrunesOldIssues(t *testing.T) {
	t.Parallel()
	m, clk := newTestMonitor()
	for i := 0; i < 4; i++ {
		m.ReportIssue("players", "p1", "save", "store unavailable")
	}
	clk.Advance(121 * time.Second)
	m.ReportIssue("players", "p1", "save", "store unavailable")
	if m.InCriticalState() {
		t.Fatal("old issues outside the window still counted")
	}
	if got := len(m.Issues()); got != 1 {
		t.Fatalf("Issues() = %d after window passed, want 1", got)
	}
}

func TestCorruptionIsAdvisoryOnly(t *testing.T) {
	t.Parallel()
	m, _ := newTestMonitor()
	got := make(chan Corruption, 1)
	m.CorruptionSignal().Subscribe(func(c Corruption) { got <- c })

	for i := 0; i < 10; i++ {
		m.ReportCorruption("players", "p1", "json decode failed")
	}
	c := awaitSignal(t, got, "corruption signal")
	if c.Store != "players" || c.Key != "p1" {
		t.Fatalf("unexpected corruption %+v", c)
	}
	if m.InCriticalState() {
		t.Fatal("corruptions must not trip the critical window")
	}
	if got := len(m.Corruptions()); got != 10 {
		t.Fatalf("Corruptions() = %d, want 10", got)
	}
}
