package profiled

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/gateway"
	"pkt.systems/profiled/internal/storage"
)

// ProfileStore is a handle to one named record store. Handles are cheap;
// claims taken through any handle share the service-wide lease registry.
type ProfileStore struct {
	svc      *Service
	name     string
	template map[string]any
	logger   pslog.Logger
}

// Name returns the remote store name.
func (ps *ProfileStore) Name() string { return ps.name }

// Claim takes the exclusive lease on key and returns the loaded profile.
// A record nobody holds, a record whose holder's lease has gone dead, and a
// record last held by this same session are all claimable. A live foreign
// lease yields a SessionLocked failure whose RetryAfter hints when the holder
// would be presumed dead.
func (ps *ProfileStore) Claim(ctx context.Context, key string) (*Profile, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, newFailure(InvalidConfiguration, ps.name, key, err.Error())
	}
	p, err := ps.svc.reserve(ps, key)
	if err != nil {
		if IsCode(err, SessionLocked) {
			ps.svc.metrics.claim(claimOutcomeLocked)
		}
		return nil, err
	}
	if err := ps.runClaim(ctx, p, claimAttempt{}); err != nil {
		ps.svc.dropLease(p)
		if IsCode(err, SessionLocked) {
			ps.svc.metrics.claim(claimOutcomeLocked)
		} else {
			ps.svc.metrics.claim(claimOutcomeError)
		}
		return nil, err
	}
	ps.svc.metrics.claim(claimOutcomeClaimed)
	ps.logger.Info("store.claimed", "key", key, "load_count", p.SessionLoadCount())
	return p, nil
}

// ForceLoad claims key even when another live session holds it. It first
// writes a takeover request into the record and then polls; a cooperating
// holder yields on its next save. A holder that never saves is overridden
// after ForceLoadMaxSteps attempts.
func (ps *ProfileStore) ForceLoad(ctx context.Context, key string) (*Profile, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, newFailure(InvalidConfiguration, ps.name, key, err.Error())
	}
	p, err := ps.svc.reserve(ps, key)
	if err != nil {
		return nil, err
	}
	steps := ps.svc.cfg.ForceLoadMaxSteps
	for step := 1; ; step++ {
		force := step >= steps
		err := ps.runClaim(ctx, p, claimAttempt{markForce: true, force: force})
		if err == nil {
			if step > 1 {
				ps.logger.Info("store.force_load.claimed", "key", key, "steps", step, "forced", force)
			}
			ps.svc.metrics.claim(claimOutcomeClaimed)
			return p, nil
		}
		if !IsCode(err, SessionLocked) || force {
			ps.svc.dropLease(p)
			ps.svc.metrics.claim(claimOutcomeError)
			return nil, err
		}
		select {
		case <-ctx.Done():
			ps.svc.dropLease(p)
			return nil, ctx.Err()
		case <-ps.svc.clk.After(ps.svc.cfg.TickInterval):
		}
	}
}

// claimAttempt tunes one claim write. markForce records a takeover request
// when the record is held; force takes the lease unconditionally.
type claimAttempt struct {
	markForce bool
	force     bool
}

// claimOutcome reports what the last run of a claim updater decided. The
// updater may run several times under contention, so it resets the outcome on
// entry.
type claimOutcome struct {
	claimed bool
	marked  bool
}

func (ps *ProfileStore) runClaim(ctx context.Context, p *Profile, opts claimAttempt) error {
	var out claimOutcome
	rec, err := ps.svc.gateway.Persist(ctx, ps.name, p.key, ps.claimUpdater(p.key, opts, &out))
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			return failure
		}
		return storeFailure(ps.name, p.key, err)
	}
	if !out.claimed {
		return &Failure{
			Code:   SessionLocked,
			Store:  ps.name,
			Key:    p.key,
			Detail: "takeover requested, holder not yet yielded",
		}
	}
	if !p.activate(rec) {
		// Close began while the claim was in flight. Give the remote lease
		// back before reporting the service closed.
		_ = p.persistCycleReason(ctx, true, ReleasedShutdown)
		return ErrServiceClosed
	}
	return nil
}

// claimUpdater builds the conditional write for one claim attempt. It runs
// against the freshest record on every contention retry.
func (ps *ProfileStore) claimUpdater(key string, opts claimAttempt, out *claimOutcome) gateway.Updater {
	self := ps.svc.session
	return func(current *storage.Record) (*storage.Record, error) {
		*out = claimOutcome{}
		now := ps.svc.clk.Now()

		if current == nil {
			out.claimed = true
			data := reconcileTemplate(nil, ps.template)
			if data == nil {
				data = make(map[string]any)
			}
			return &storage.Record{
				Data: data,
				Meta: storage.Meta{
					ActiveSession:    self.Clone(),
					SessionLoadCount: 1,
					CreatedAtUnix:    now.Unix(),
					UpdatedAtUnix:    now.Unix(),
				},
			}, nil
		}

		holder := current.Meta.ActiveSession
		var age time.Duration
		claimable := false
		switch {
		case holder == nil:
			claimable = true
		case storage.SameSession(holder, &self):
			// Our own stale lock, left by a crash or an unfinished release.
			claimable = true
		case opts.force:
			claimable = true
		default:
			age = now.Sub(time.Unix(current.Meta.UpdatedAtUnix, 0))
			claimable = age >= ps.svc.cfg.DeadLockAssumedAfter
		}

		if !claimable {
			if opts.markForce && !storage.SameSession(current.Meta.ForceLoadSession, &self) {
				// Record the takeover request. The holder's timestamp stays
				// untouched so a dead holder still ages out.
				next := current.Clone()
				next.Meta.ForceLoadSession = self.Clone()
				out.marked = true
				return next, nil
			}
			return nil, &Failure{
				Code:       SessionLocked,
				Store:      ps.name,
				Key:        key,
				Detail:     fmt.Sprintf("held by %s", holder),
				RetryAfter: ps.svc.cfg.DeadLockAssumedAfter - age,
			}
		}

		out.claimed = true
		next := current.Clone()
		next.Meta.ActiveSession = self.Clone()
		next.Meta.ForceLoadSession = nil
		next.Meta.SessionLoadCount++
		if next.Meta.CreatedAtUnix == 0 {
			next.Meta.CreatedAtUnix = now.Unix()
		}
		next.Meta.UpdatedAtUnix = now.Unix()
		return next, nil
	}
}

// ProfileView is a read-only copy of one record, lock metadata included.
type ProfileView struct {
	Store            string
	Key              string
	Data             map[string]any
	ActiveSession    *Session
	ForceLoadSession *Session
	SessionLoadCount int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// View fetches key without touching its lease. Absent records come back as a
// NotFound failure.
func (ps *ProfileStore) View(ctx context.Context, key string) (*ProfileView, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, newFailure(InvalidConfiguration, ps.name, key, err.Error())
	}
	rec, _, err := ps.svc.gateway.Fetch(ctx, ps.name, key)
	if err != nil {
		return nil, storeFailure(ps.name, key, err)
	}
	if rec == nil {
		return nil, newFailure(NotFound, ps.name, key, "no such record")
	}
	return &ProfileView{
		Store:            ps.name,
		Key:              key,
		Data:             storage.CloneData(rec.Data),
		ActiveSession:    fromStorageSession(rec.Meta.ActiveSession),
		ForceLoadSession: fromStorageSession(rec.Meta.ForceLoadSession),
		SessionLoadCount: rec.Meta.SessionLoadCount,
		CreatedAt:        time.Unix(rec.Meta.CreatedAtUnix, 0).UTC(),
		UpdatedAt:        time.Unix(rec.Meta.UpdatedAtUnix, 0).UTC(),
	}, nil
}

// Wipe deletes key outright, lease or no lease. A local holder discovers the
// loss on its next save. Absent records come back as a NotFound failure.
func (ps *ProfileStore) Wipe(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return newFailure(InvalidConfiguration, ps.name, key, err.Error())
	}
	removed, err := ps.svc.gateway.Remove(ctx, ps.name, key)
	if err != nil {
		return storeFailure(ps.name, key, err)
	}
	if !removed {
		return newFailure(NotFound, ps.name, key, "no such record")
	}
	ps.logger.Info("store.wiped", "key", key)
	return nil
}

// Unlock administratively clears both sessions from key without touching the
// payload. The evicted holder discovers the loss on its next save.
func (ps *ProfileStore) Unlock(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return newFailure(InvalidConfiguration, ps.name, key, err.Error())
	}
	_, err := ps.svc.gateway.Persist(ctx, ps.name, key, func(current *storage.Record) (*storage.Record, error) {
		if current == nil {
			return nil, newFailure(NotFound, ps.name, key, "no such record")
		}
		next := current.Clone()
		next.Meta.ActiveSession = nil
		next.Meta.ForceLoadSession = nil
		next.Meta.UpdatedAtUnix = ps.svc.clk.Now().Unix()
		return next, nil
	})
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			return failure
		}
		return storeFailure(ps.name, key, err)
	}
	ps.logger.Info("store.unlocked", "key", key)
	return nil
}

// List returns record keys in the store, optionally filtered by prefix.
// limit 0 means no cap.
func (ps *ProfileStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	keys, err := ps.svc.gateway.List(ctx, ps.name, prefix, limit)
	if err != nil {
		return nil, storeFailure(ps.name, "", err)
	}
	return keys, nil
}
