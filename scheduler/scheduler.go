// Package scheduler implements the scheduled-timer subsystem: table rows
// that fire handler invocations at a specified instant. It is a
// container/heap priority queue of (fire_at, kind, raid_id) entries with
// a single worker draining them in order, backed by the store so pending
// timers survive a restart. Firing handlers run with the system identity;
// callers are responsible for verifying that identity before invoking one
// directly (the scheduler itself only ever calls handlers from its own
// drain loop).
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"mathraid-server/store"
)

const collectionTimers = "timers"

// Kind identifies which timer table a row belongs to.
type Kind string

const (
	KindCountdown Kind = "countdown"
	KindTimeout   Kind = "timeout"
	KindCleanup   Kind = "cleanup"
)

// Timer is one scheduled-timer row. RaidID is empty for the singleton
// Cleanup timer. Interval is set only for Cleanup, which reschedules
// itself after firing.
type Timer struct {
	Kind     Kind   `json:"kind"`
	RaidID   string `json:"raid_id,omitempty"`
	FireAt   int64  `json:"fire_at"` // unix micros
	Interval int64  `json:"interval,omitempty"` // micros, Cleanup only
}

func timerKey(kind Kind, raidID string) string {
	if raidID == "" {
		return string(kind)
	}
	return string(kind) + ":" + raidID
}

// HandlerFunc runs a fired timer to completion. It must itself verify
// that the target state still warrants firing (e.g. a countdown-complete
// handler ignores raids no longer in Countdown) since a timer firing
// against stale state is a normal, expected race.
type HandlerFunc func(ctx context.Context, t Timer) error

// item is the heap element: a timer plus its current heap index, so
// Schedule and Cancel can fix or remove it in place.
type item struct {
	timer Timer
	index int
}

type timerHeap []*item

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].timer.FireAt < h[j].timer.FireAt }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Engine is the scheduler worker: it persists timer rows through the
// store and drains them in fire_at order on a single background
// goroutine, so handler invocations for timers never run concurrently
// with each other.
type Engine struct {
	kv       store.KV
	log      zerolog.Logger
	handlers map[Kind]HandlerFunc

	mu   sync.Mutex
	heap timerHeap
	byID map[string]*item

	wake chan struct{}
}

// New constructs an Engine. Call LoadFromStore (or RestoreSnapshot)
// before Run to repopulate the heap after a restart.
func New(kv store.KV, log zerolog.Logger) *Engine {
	return &Engine{
		kv:       kv,
		log:      log,
		handlers: make(map[Kind]HandlerFunc),
		byID:     make(map[string]*item),
		wake:     make(chan struct{}, 1),
	}
}

// Register associates a handler with a timer kind. Must be called before Run.
func (e *Engine) Register(kind Kind, h HandlerFunc) {
	e.handlers[kind] = h
}

// Schedule inserts or replaces the timer row for (kind, raidID), both in
// the store and in the in-memory heap, and wakes the drain loop in case
// this timer now fires soonest.
func (e *Engine) Schedule(ctx context.Context, t Timer) error {
	key := timerKey(t.Kind, t.RaidID)
	if _, err := store.PutJSON(ctx, e.kv, collectionTimers, key, store.System, t, ""); err != nil {
		return fmt.Errorf("scheduler: persist timer %s: %w", key, err)
	}

	e.mu.Lock()
	if existing, ok := e.byID[key]; ok {
		existing.timer = t
		heap.Fix(&e.heap, existing.index)
	} else {
		it := &item{timer: t}
		heap.Push(&e.heap, it)
		e.byID[key] = it
	}
	e.mu.Unlock()

	e.nudge()
	return nil
}

// Cancel deletes the timer row for (kind, raidID) so it never fires.
// A no-op if no such timer exists.
func (e *Engine) Cancel(ctx context.Context, kind Kind, raidID string) error {
	key := timerKey(kind, raidID)
	if err := e.kv.Delete(ctx, collectionTimers, key, store.System); err != nil {
		return fmt.Errorf("scheduler: cancel timer %s: %w", key, err)
	}

	e.mu.Lock()
	if it, ok := e.byID[key]; ok {
		heap.Remove(&e.heap, it.index)
		delete(e.byID, key)
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LoadFromStore repopulates the in-memory heap from persisted timer
// rows, for use at startup after a restart.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	rows, err := store.ListJSON[Timer](ctx, e.kv, collectionTimers, store.System)
	if err != nil {
		return fmt.Errorf("scheduler: load timers: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heap = make(timerHeap, 0, len(rows))
	e.byID = make(map[string]*item, len(rows))
	for _, t := range rows {
		it := &item{timer: *t}
		heap.Push(&e.heap, it)
		e.byID[timerKey(t.Kind, t.RaidID)] = it
	}
	return nil
}

// Snapshot encodes the current heap contents with msgpack, for operators
// to persist alongside the store as a fast-recovery cache (the store
// itself remains authoritative; this is a crash-recovery optimization,
// not a second source of truth).
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	timers := make([]Timer, len(e.heap))
	for i, it := range e.heap {
		timers[i] = it.timer
	}
	e.mu.Unlock()

	b, err := msgpack.Marshal(timers)
	if err != nil {
		return nil, fmt.Errorf("scheduler: encode snapshot: %w", err)
	}
	return b, nil
}

// RestoreSnapshot rebuilds the heap from a previously captured Snapshot.
func (e *Engine) RestoreSnapshot(b []byte) error {
	var timers []Timer
	if err := msgpack.Unmarshal(b, &timers); err != nil {
		return fmt.Errorf("scheduler: decode snapshot: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heap = make(timerHeap, 0, len(timers))
	e.byID = make(map[string]*item, len(timers))
	for _, t := range timers {
		it := &item{timer: t}
		heap.Push(&e.heap, it)
		e.byID[timerKey(t.Kind, t.RaidID)] = it
	}
	return nil
}

// Run drains the heap until ctx is cancelled, firing each timer's
// handler as its fire_at instant arrives. Firing is fully serialized: a
// handler returning an error is logged and the timer row is still
// deleted (the handler is expected to be idempotent and to self-heal
// rather than rely on the scheduler to retry a failed transition).
func (e *Engine) Run(ctx context.Context) {
	for {
		e.mu.Lock()
		var wait time.Duration
		var due *item
		if e.heap.Len() > 0 {
			next := e.heap[0]
			delta := time.UnixMicro(next.timer.FireAt).Sub(time.Now())
			if delta <= 0 {
				due = heap.Pop(&e.heap).(*item)
				delete(e.byID, timerKey(due.timer.Kind, due.timer.RaidID))
			} else {
				wait = delta
			}
		} else {
			wait = time.Hour
		}
		e.mu.Unlock()

		if due != nil {
			e.fire(ctx, due.timer)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-time.After(wait):
		}
	}
}

func (e *Engine) fire(ctx context.Context, t Timer) {
	key := timerKey(t.Kind, t.RaidID)
	if err := e.kv.Delete(ctx, collectionTimers, key, store.System); err != nil {
		e.log.Warn().Err(err).Str("timer", key).Msg("failed to delete fired timer row")
	}

	h, ok := e.handlers[t.Kind]
	if !ok {
		e.log.Warn().Str("kind", string(t.Kind)).Msg("no handler registered for timer kind")
		return
	}
	if err := h(ctx, t); err != nil {
		e.log.Warn().Err(err).Str("timer", key).Msg("timer handler returned error")
	}

	if t.Kind == KindCleanup && t.Interval > 0 {
		next := Timer{Kind: KindCleanup, FireAt: t.FireAt + t.Interval, Interval: t.Interval}
		if err := e.Schedule(ctx, next); err != nil {
			e.log.Warn().Err(err).Msg("failed to reschedule cleanup timer")
		}
	}
}
