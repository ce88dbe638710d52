package profiled

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestUpdateAndSnapshotIsolation(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")

	p.Update(func(data map[string]any) {
		data["coins"] = 10
		data["bag"] = map[string]any{"slots": []any{"sword"}}
	})

	snap := p.Snapshot()
	snap["coins"] = 99
	snap["bag"].(map[string]any)["slots"] = []any{}

	again := p.Snapshot()
	if again["coins"] != 10 {
		t.Fatalf("snapshot mutation leaked into the profile: %v", again["coins"])
	}
	slots := again["bag"].(map[string]any)["slots"].([]any)
	if len(slots) != 1 || slots[0] != "sword" {
		t.Fatalf("nested snapshot mutation leaked: %v", slots)
	}
}

func TestSaveWritesPayloadAndRefreshesLease(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	claimed := rig.clk.Now()

	rig.clk.Advance(5 * time.Second)
	p.Update(func(data map[string]any) { data["coins"] = 3 })
	if err := p.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec := rig.readRecord(t, "players", "alice")
	if rec.Data["coins"] != float64(3) {
		t.Fatalf("coins = %v", rec.Data["coins"])
	}
	if rec.Meta.UpdatedAtUnix != claimed.Add(5*time.Second).Unix() {
		t.Fatalf("lease timestamp not refreshed: %d", rec.Meta.UpdatedAtUnix)
	}
	if rec.Meta.SessionLoadCount != 1 {
		t.Fatalf("save changed the load count: %d", rec.Meta.SessionLoadCount)
	}
	if rec.Meta.ActiveSession.ProcessID != "proc-a" {
		t.Fatalf("save changed the holder: %+v", rec.Meta.ActiveSession)
	}

	// A save with nothing changed still refreshes the lease.
	rig.clk.Advance(5 * time.Second)
	if err := p.Save(context.Background()); err != nil {
		t.Fatalf("clean save: %v", err)
	}
	rec = rig.readRecord(t, "players", "alice")
	if rec.Meta.UpdatedAtUnix != claimed.Add(10*time.Second).Unix() {
		t.Fatalf("clean save did not refresh the lease: %d", rec.Meta.UpdatedAtUnix)
	}
}

func TestSaveAfterReleaseReturnsErrProfileReleased(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Save(context.Background()); !errors.Is(err, ErrProfileReleased) {
		t.Fatalf("expected ErrProfileReleased, got %v", err)
	}
}

func TestReleaseWritesFinalStateAndNotifiesOnce(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	p.Update(func(data map[string]any) { data["coins"] = 77 })

	released := make(chan ReleaseInfo, 2)
	p.OnReleased(func(info ReleaseInfo) { released <- info })

	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if p.IsActive() {
		t.Fatalf("profile still active after release")
	}

	rec := rig.readRecord(t, "players", "alice")
	if rec.Meta.ActiveSession != nil || rec.Meta.ForceLoadSession != nil {
		t.Fatalf("release left lock metadata behind: %+v", rec.Meta)
	}
	if rec.Data["coins"] != float64(77) {
		t.Fatalf("final state not written: %v", rec.Data["coins"])
	}

	select {
	case info := <-released:
		if info.Reason != ReleasedManually || info.TakenBy != nil {
			t.Fatalf("release info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("release listener never fired")
	}

	// A second release is a no-op and must not fire the listener again.
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("second release: %v", err)
	}
	select {
	case info := <-released:
		t.Fatalf("listener fired twice: %+v", info)
	case <-time.After(50 * time.Millisecond):
	}

	// The key is reclaimable and carries the final payload.
	p2 := mustClaim(t, players, "alice")
	if p2.SessionLoadCount() != 2 {
		t.Fatalf("load count = %d, want 2", p2.SessionLoadCount())
	}
	if p2.Snapshot()["coins"] != float64(77) {
		t.Fatalf("reclaimed payload = %v", p2.Snapshot()["coins"])
	}
}

func TestRecordVanishedDuringSave(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	released := make(chan ReleaseInfo, 1)
	p.OnReleased(func(info ReleaseInfo) { released <- info })

	// Someone wipes the record out from under the lease.
	if err := rig.backend.Remove(context.Background(), "players", "alice", ""); err != nil {
		t.Fatalf("remove: %v", err)
	}

	p.Update(func(data map[string]any) { data["coins"] = 1 })
	if err := p.Save(context.Background()); !IsCode(err, LeaseStolen) {
		t.Fatalf("expected LeaseStolen, got %v", err)
	}
	select {
	case info := <-released:
		if info.Reason != ReleasedStolen || info.TakenBy != nil {
			t.Fatalf("release info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("release listener never fired")
	}
	// The save must not resurrect the wiped record.
	if !rig.recordMissing(t, "players", "alice") {
		t.Fatalf("save recreated a wiped record")
	}
}

func TestOnReleasedAfterTheFactFiresImmediately(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	released := make(chan ReleaseInfo, 1)
	sub := p.OnReleased(func(info ReleaseInfo) { released <- info })
	select {
	case info := <-released:
		if info.Reason != ReleasedManually {
			t.Fatalf("release info = %+v", info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("late listener never fired")
	}
	sub.Unsubscribe()
}

func TestProfileIdentity(t *testing.T) {
	rig := newServiceRig(t, nil)
	players := mustStore(t, rig.svc, "players", nil)
	p := mustClaim(t, players, "alice")
	if p.Key() != "alice" || p.StoreName() != "players" {
		t.Fatalf("identity = %s/%s", p.StoreName(), p.Key())
	}
	if rig.svc.ActiveProfiles() != 1 {
		t.Fatalf("active profiles = %d", rig.svc.ActiveProfiles())
	}
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if rig.svc.ActiveProfiles() != 0 {
		t.Fatalf("active profiles after release = %d", rig.svc.ActiveProfiles())
	}
}
