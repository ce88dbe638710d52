package clock_test

import (
	"testing"
	"time"

	"pkt.systems/profiled/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	ch := m.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before deadline")
	default:
	}
	m.Advance(time.Second)
	select {
	case at := <-ch:
		want := time.Date(2026, 2, 1, 0, 0, 10, 0, time.UTC)
		if !at.Equal(want) {
			t.Fatalf("fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("timer did not fire at deadline")
	}
}

func TestManualAfterImmediateForNonPositive(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
}

func TestManualSleepParksUntilAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	done := make(chan struct{})
	go func() {
		m.Sleep(5 * time.Second)
		close(done)
	}()
	if !m.BlockUntilPending(1, time.Second) {
		t.Fatal("sleeper never parked")
	}
	m.Advance(5 * time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleeper not released by advance")
	}
}

func TestManualAdvanceToNeverRewinds(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.AdvanceTo(start.Add(-time.Hour))
	if got := m.Now(); !got.Equal(start) {
		t.Fatalf("clock rewound to %v", got)
	}
}
