package profiled

import (
	"context"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/clock"
	"pkt.systems/profiled/internal/storage/memory"
)

func startCountingService(t *testing.T, mutate func(*Config)) (*Service, *countingBackend, *clock.Manual) {
	t.Helper()
	counting := &countingBackend{Backend: memory.New()}
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testServiceConfig("proc-a")
	if mutate != nil {
		mutate(&cfg)
	}
	svc := newService(cfg, pslog.NoopLogger(), counting, nil, nil, clk)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc, counting, clk
}

func waitForStores(t *testing.T, c *countingBackend, store, key string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.storesFor(store, key) >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("stores for %s/%s never reached %d (have %d)", store, key, want, c.storesFor(store, key))
}

// advanceTick fires one scheduler tick and waits for the ticker to park
// again, which means the tick body has finished.
func advanceTick(t *testing.T, clk *clock.Manual) {
	t.Helper()
	clk.Advance(time.Second)
	if !clk.BlockUntilPending(1, 2*time.Second) {
		t.Fatalf("scheduler never parked after tick")
	}
}

func TestAutoSaveRotatesAcrossLeases(t *testing.T) {
	svc, counting, clk := startCountingService(t, func(cfg *Config) {
		cfg.AutoSaveInterval = 4 * time.Second
	})
	players := mustStore(t, svc, "players", nil)
	mustClaim(t, players, "alice")
	mustClaim(t, players, "bob")
	// One write each from the claims.
	waitForStores(t, counting, "players", "alice", 1)
	waitForStores(t, counting, "players", "bob", 1)
	if !clk.BlockUntilPending(1, 2*time.Second) {
		t.Fatalf("scheduler never parked")
	}

	// Two leases over a four tick interval: one save lands every two ticks,
	// alternating between the leases.
	advanceTick(t, clk)
	advanceTick(t, clk)
	waitForStores(t, counting, "players", "alice", 2)
	if got := counting.storesFor("players", "bob"); got != 1 {
		t.Fatalf("bob saved out of turn: %d", got)
	}

	advanceTick(t, clk)
	advanceTick(t, clk)
	waitForStores(t, counting, "players", "bob", 2)

	advanceTick(t, clk)
	advanceTick(t, clk)
	waitForStores(t, counting, "players", "alice", 3)
	if got := counting.storesFor("players", "bob"); got != 2 {
		t.Fatalf("rotation lost its place: bob = %d", got)
	}
}

func TestAutoSaveEveryTickWhenIntervalIsShort(t *testing.T) {
	svc, counting, clk := startCountingService(t, func(cfg *Config) {
		// Shorter than a tick: every lease saves on every tick.
		cfg.AutoSaveInterval = 500 * time.Millisecond
	})
	players := mustStore(t, svc, "players", nil)
	mustClaim(t, players, "alice")
	mustClaim(t, players, "bob")
	waitForStores(t, counting, "players", "alice", 1)
	waitForStores(t, counting, "players", "bob", 1)
	if !clk.BlockUntilPending(1, 2*time.Second) {
		t.Fatalf("scheduler never parked")
	}

	advanceTick(t, clk)
	waitForStores(t, counting, "players", "alice", 2)
	waitForStores(t, counting, "players", "bob", 2)
}

func TestAutoSaveTouchesNothingWithoutLeases(t *testing.T) {
	svc, counting, clk := startCountingService(t, nil)
	players := mustStore(t, svc, "players", nil)
	p := mustClaim(t, players, "alice")
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	base := counting.storesFor("players", "alice")
	if !clk.BlockUntilPending(1, 2*time.Second) {
		t.Fatalf("scheduler never parked")
	}

	for i := 0; i < 40; i++ {
		advanceTick(t, clk)
	}
	if got := counting.storesFor("players", "alice"); got != base {
		t.Fatalf("released profile saved by the scheduler: %d -> %d", base, got)
	}
}

func TestTickSweepsIdleQueueEntries(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	for _, key := range []string{"alice", "bob", "carol"} {
		p := mustClaim(t, players, key)
		if err := p.Release(context.Background()); err != nil {
			t.Fatalf("release %s: %v", key, err)
		}
	}
	if rig.svc.queue.Len() == 0 {
		t.Skipf("queue already swept")
	}
	if !rig.clk.BlockUntilPending(1, 2*time.Second) {
		t.Fatalf("scheduler never parked")
	}
	advanceTick(t, rig.clk)
	if got := rig.svc.queue.Len(); got != 0 {
		t.Fatalf("idle entries survived the sweep: %d", got)
	}
}
