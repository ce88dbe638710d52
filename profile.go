package profiled

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/storage"
	"pkt.systems/profiled/internal/writequeue"
	"pkt.systems/profiled/notify"
)

// ErrProfileReleased is returned by Save on a profile whose lease has already
// ended locally, for any reason other than a steal.
var ErrProfileReleased = errors.New("profiled: profile released")

// ReleaseReason says why a lease ended.
type ReleaseReason string

const (
	// ReleasedManually: the application called Release.
	ReleasedManually ReleaseReason = "released"
	// ReleasedShutdown: Close released the lease during service shutdown.
	ReleasedShutdown ReleaseReason = "shutdown"
	// ReleasedStolen: another session took the lease, or the record vanished
	// underneath it.
	ReleasedStolen ReleaseReason = "stolen"
	// ReleasedYielded: a save observed another session's takeover request and
	// handed the lease over after writing the final payload.
	ReleasedYielded ReleaseReason = "yielded"
)

// ReleaseInfo is delivered to release listeners when a lease ends.
type ReleaseInfo struct {
	Reason ReleaseReason
	// TakenBy is set for stolen and yielded leases when the successor is
	// known.
	TakenBy *Session
}

type leaseState int

const (
	stateClaiming leaseState = iota
	stateActive
	stateReleasing
	stateReleased
	stateStolen
)

// Profile is one held lease: the in-memory payload plus the machinery that
// keeps the remote record in sync. All methods are safe for concurrent use.
type Profile struct {
	svc    *Service
	store  *ProfileStore
	key    string
	logger pslog.Logger

	released *notify.Signal[ReleaseInfo]

	mu        sync.Mutex
	data      map[string]any
	loadCount int64
	createdAt time.Time
	state     leaseState
	dirty     bool
	finalInfo ReleaseInfo
}

func newProfile(ps *ProfileStore, key string) *Profile {
	return &Profile{
		svc:      ps.svc,
		store:    ps,
		key:      key,
		logger:   ps.logger.With("key", key),
		released: notify.NewSignal[ReleaseInfo](),
		state:    stateClaiming,
	}
}

func (p *Profile) object() string {
	return p.store.name + "/" + p.key
}

// activate fills the profile from a freshly claimed record and enters it into
// the auto-save rotation. Fails only when the service is closing.
func (p *Profile) activate(rec *storage.Record) bool {
	p.mu.Lock()
	p.data = reconcileTemplate(storage.CloneData(rec.Data), p.store.template)
	p.loadCount = rec.Meta.SessionLoadCount
	p.createdAt = time.Unix(rec.Meta.CreatedAtUnix, 0).UTC()
	p.state = stateActive
	p.dirty = false
	p.mu.Unlock()
	return p.svc.registerLease(p)
}

// Key returns the record key this lease covers.
func (p *Profile) Key() string { return p.key }

// StoreName returns the name of the store the record lives in.
func (p *Profile) StoreName() string { return p.store.name }

// SessionLoadCount returns the claim generation this lease was taken at.
func (p *Profile) SessionLoadCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadCount
}

// CreatedAt returns when the record was first created.
func (p *Profile) CreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt
}

// IsActive reports whether the lease is still held.
func (p *Profile) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateActive
}

// Update mutates the in-memory payload under the profile lock. The mutation
// reaches the remote record on the next save.
func (p *Profile) Update(mutate func(data map[string]any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data == nil {
		p.data = make(map[string]any)
	}
	mutate(p.data)
	p.dirty = true
}

// Snapshot returns a deep copy of the current in-memory payload.
func (p *Profile) Snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return storage.CloneData(p.data)
}

// OnReleased registers fn to run once when the lease ends. A listener added
// after the fact fires immediately with the recorded reason.
func (p *Profile) OnReleased(fn func(ReleaseInfo)) notify.Subscription {
	p.mu.Lock()
	if p.state == stateReleased || p.state == stateStolen {
		info := p.finalInfo
		p.mu.Unlock()
		go fn(info)
		return notify.Subscription{}
	}
	defer p.mu.Unlock()
	return p.released.Subscribe(fn)
}

// Save writes the current payload to the remote record and refreshes the
// lease timestamp. Returns a LeaseStolen failure when another session holds
// the record; store trouble comes back as a failure while the lease stays
// active for later retries.
func (p *Profile) Save(ctx context.Context) error {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	switch st {
	case stateActive:
	case stateStolen:
		return &Failure{Code: LeaseStolen, Store: p.store.name, Key: p.key, Detail: "lease already lost"}
	default:
		return ErrProfileReleased
	}
	return p.persistCycle(ctx, false)
}

// Release ends the lease: one final save that also clears the session from
// the record. Idempotent. A steal observed while releasing still counts as a
// completed release.
func (p *Profile) Release(ctx context.Context) error {
	return p.releaseWith(ctx, ReleasedManually)
}

func (p *Profile) releaseWith(ctx context.Context, reason ReleaseReason) error {
	p.mu.Lock()
	if p.state != stateActive {
		p.mu.Unlock()
		return nil
	}
	p.state = stateReleasing
	p.mu.Unlock()

	err := p.persistCycleReason(ctx, true, reason)
	if err == nil {
		return nil
	}
	if IsCode(err, LeaseStolen) {
		// Someone else already owns the record. The lease is gone either way.
		return nil
	}
	// The final write failed. End the lease locally anyway; the remote lock
	// goes dead on its own once the timestamp ages out.
	p.logger.Warn("profile.release.write_failed", "error", err)
	p.invalidate(reason, nil)
	return err
}

func (p *Profile) persistCycle(ctx context.Context, release bool) error {
	return p.persistCycleReason(ctx, release, ReleasedManually)
}

// persistCycleReason runs one remote write cycle: payload, lease timestamp,
// takeover handling. With release set the session is cleared from the record.
func (p *Profile) persistCycleReason(ctx context.Context, release bool, reason ReleaseReason) error {
	self := p.svc.session
	var yieldedTo *storage.Session

	updater := func(current *storage.Record) (*storage.Record, error) {
		yieldedTo = nil
		if current == nil {
			// The record was wiped while we held it. Never recreate it from
			// a lease; treat the lease as lost.
			return nil, &stolenError{}
		}
		p.mu.Lock()
		loadCount := p.loadCount
		data := storage.CloneData(p.data)
		p.mu.Unlock()
		holder := current.Meta.ActiveSession
		if !storage.SameSession(holder, &self) || current.Meta.SessionLoadCount != loadCount {
			return nil, &stolenError{takenBy: holder.Clone()}
		}
		next := current.Clone()
		next.Data = data
		next.Meta.UpdatedAtUnix = p.svc.clk.Now().Unix()
		if release {
			next.Meta.ActiveSession = nil
			next.Meta.ForceLoadSession = nil
			return next, nil
		}
		if fl := next.Meta.ForceLoadSession; fl != nil {
			if storage.SameSession(fl, &self) {
				// Our own marker left over from claiming; nothing to yield.
				next.Meta.ForceLoadSession = nil
			} else {
				yieldedTo = fl.Clone()
				next.Meta.ActiveSession = nil
				next.Meta.ForceLoadSession = nil
			}
		}
		return next, nil
	}

	_, err := p.svc.gateway.Persist(ctx, p.store.name, p.key, updater)
	if err != nil {
		var stolen *stolenError
		if errors.As(err, &stolen) {
			p.svc.metrics.save(saveOutcomeStolen)
			p.invalidate(ReleasedStolen, fromStorageSession(stolen.takenBy))
			return &Failure{
				Code:   LeaseStolen,
				Store:  p.store.name,
				Key:    p.key,
				Detail: stolen.Error(),
			}
		}
		p.svc.metrics.save(saveOutcomeError)
		return storeFailure(p.store.name, p.key, err)
	}

	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()

	if yieldedTo != nil {
		p.svc.metrics.save(saveOutcomeYielded)
		p.invalidate(ReleasedYielded, fromStorageSession(yieldedTo))
		return nil
	}
	p.svc.metrics.save(saveOutcomeSaved)
	if release {
		p.invalidate(reason, nil)
	}
	return nil
}

// autoSave runs one scheduled save. Failures are reported through the health
// monitor and release listeners, never to the caller.
func (p *Profile) autoSave(ctx context.Context) {
	p.mu.Lock()
	if p.state != stateActive {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	err := p.persistCycle(ctx, false)
	switch {
	case err == nil:
	case IsCode(err, LeaseStolen):
		p.logger.Debug("profile.autosave.stolen")
	case errors.Is(err, writequeue.ErrClosed):
		p.logger.Debug("profile.autosave.queue_closed")
	default:
		p.logger.Warn("profile.autosave.failed", "error", err)
	}
}

// invalidate ends the lease exactly once and notifies listeners.
func (p *Profile) invalidate(reason ReleaseReason, takenBy *Session) {
	p.mu.Lock()
	if p.state == stateReleased || p.state == stateStolen {
		p.mu.Unlock()
		return
	}
	if reason == ReleasedStolen {
		p.state = stateStolen
	} else {
		p.state = stateReleased
	}
	info := ReleaseInfo{Reason: reason, TakenBy: takenBy}
	p.finalInfo = info
	p.mu.Unlock()

	p.svc.dropLease(p)
	p.svc.metrics.release(reason)
	if takenBy != nil {
		p.logger.Info("profile.released", "reason", string(reason), "taken_by", takenBy.String())
	} else {
		p.logger.Info("profile.released", "reason", string(reason))
	}
	p.released.Notify(info)
}
