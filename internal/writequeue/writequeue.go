// Package writequeue serializes remote record operations per (store, key).
// Each key gets a FIFO of operations executed by at most one goroutine, with a
// cooldown spacing consecutive executions. Idle per-key state survives until
// the cooldown has passed so the spacing also applies to operations enqueued
// after the previous batch drained; Sweep removes state that has cooled down.
package writequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/profiled/internal/clock"
	"pkt.systems/profiled/internal/loggingutil"
)

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("writequeue: closed")

// Op is a unit of remote work. The context is the queue's lifecycle context;
// it is canceled when Close gives up waiting for the backlog.
type Op func(ctx context.Context)

// Config carries the queue settings.
type Config struct {
	// Cooldown is the minimum spacing between consecutive operation
	// completions on the same key. Zero disables spacing.
	Cooldown time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
}

// Queue dispatches per-key serialized operations.
type Queue struct {
	cooldown time.Duration
	logger   pslog.Logger
	clk      clock.Clock

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

type entry struct {
	q      *Queue
	object string

	mu       sync.Mutex
	pending  []Op
	active   bool
	running  bool
	lastDone time.Time
	hasDone  bool
}

// New builds a Queue. A nil Clock falls back to the real clock.
func New(cfg Config) *Queue {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cooldown: cfg.Cooldown,
		logger:   loggingutil.WithSubsystem(cfg.Logger, "writequeue"),
		clk:      clk,
		baseCtx:  ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}
}

// Enqueue appends op to the FIFO for (store, key), starting an executor when
// none is running.
func (q *Queue) Enqueue(store, key string, op Op) error {
	object := store + "/" + key
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	e := q.entries[object]
	if e == nil {
		e = &entry{q: q, object: object}
		q.entries[object] = e
		q.logger.Trace("writequeue.entry.created", "object", object)
	}
	e.mu.Lock()
	e.pending = append(e.pending, op)
	start := !e.running
	if start {
		e.running = true
		q.wg.Add(1)
	}
	e.mu.Unlock()
	q.mu.Unlock()
	if start {
		go e.run()
	}
	return nil
}

// run executes the FIFO until it drains. Every popped op runs exactly once;
// after Close cancels the lifecycle context the cooldown wait is skipped and
// ops observe the canceled context, so the backlog drains fast.
func (e *entry) run() {
	defer e.q.wg.Done()
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		op := e.pending[0]
		e.pending = e.pending[1:]
		e.active = true
		wait := time.Duration(0)
		if e.hasDone && e.q.cooldown > 0 {
			wait = e.lastDone.Add(e.q.cooldown).Sub(e.q.clk.Now())
		}
		e.mu.Unlock()

		if wait > 0 {
			select {
			case <-e.q.baseCtx.Done():
			case <-e.q.clk.After(wait):
			}
		}

		op(e.q.baseCtx)

		e.mu.Lock()
		e.active = false
		e.lastDone = e.q.clk.Now()
		e.hasDone = true
		e.mu.Unlock()
	}
}

// PendingOps reports the queued plus in-flight operation count for a key.
func (q *Queue) PendingOps(store, key string) int {
	q.mu.Lock()
	e := q.entries[store+"/"+key]
	q.mu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending)
	if e.active {
		n++
	}
	return n
}

// Len reports the number of live per-key entries, cooled or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Sweep removes idle entries whose cooldown has passed and returns how many
// were removed. Call it from a periodic tick.
func (q *Queue) Sweep() int {
	now := q.clk.Now()
	q.mu.Lock()
	removed := 0
	for object, e := range q.entries {
		e.mu.Lock()
		idle := !e.running && len(e.pending) == 0
		cooled := !e.hasDone || !now.Before(e.lastDone.Add(q.cooldown))
		e.mu.Unlock()
		if idle && cooled {
			delete(q.entries, object)
			removed++
		}
	}
	q.mu.Unlock()
	if removed > 0 {
		q.logger.Debug("writequeue.sweep", "removed", removed)
	}
	return removed
}

// Close stops accepting work and waits for the backlog to drain. When ctx
// expires first the lifecycle context is canceled so in-flight operations
// abort, and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		q.logger.Debug("writequeue.closed")
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		q.logger.Warn("writequeue.close.aborted", "error", ctx.Err())
		return ctx.Err()
	}
}
