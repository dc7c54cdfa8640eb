// Package dispatch contains the cooperative timer and event loop of the
// client.  All state transitions of all clients run on a single goroutine:
// timer callbacks and posted events are invoked one at a time, so callbacks
// for one owner are strictly sequential and no locking is needed in the
// state machine.
package dispatch

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Tag identifies the purpose of a timer within one owner.  Scheduling with
// the same (tag, owner) pair replaces the pending entry, which is what keeps
// at most one timer per purpose per client.
type Tag uint8

// Callback is a timer or event callback.  It runs to completion on the loop
// goroutine and must complete promptly.
type Callback func(ctx context.Context)

// timerKey identifies a replaceable timer.
type timerKey struct {
	owner any
	tag   Tag
}

// Timer is a scheduled callback.  The zero value is invalid; timers are
// created by the loop.
type Timer struct {
	fn       Callback
	when     time.Time
	key      timerKey
	heapIdx  int
	canceled bool
}

// When returns the firing time of the timer.
func (t *Timer) When() (when time.Time) {
	return t.when
}

// timerHeap is a min-heap of timers by firing time.
type timerHeap []*Timer

// type check
var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() (n int) { return len(h) }

func (h timerHeap) Less(i, j int) (less bool) { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() (x any) {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]

	return t
}

// Config is the dispatch loop configuration.
type Config struct {
	// Logger is used to log the loop events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to get current time.  It must not be nil.
	Clock timeutil.Clock
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	return errors.Join(
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Clock", conf.Clock),
	)
}

// Loop is the single-threaded cooperative dispatcher.
type Loop struct {
	logger *slog.Logger
	clock  timeutil.Clock

	// mu protects timers and byKey.  Callbacks themselves never run
	// concurrently; the mutex only guards scheduling, which is reachable
	// from receiver goroutines through Post.
	mu     *sync.Mutex
	timers *timerHeap
	byKey  map[timerKey]*Timer

	// events delivers posted events, such as received packets, to the loop
	// goroutine.
	events chan Callback

	// wake nudges a running loop after scheduling changed the next
	// deadline.
	wake chan struct{}
}

// New creates a new dispatch loop.
func New(conf *Config) (l *Loop, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}

	return &Loop{
		logger: conf.Logger,
		clock:  conf.Clock,
		mu:     &sync.Mutex{},
		timers: &timerHeap{},
		byKey:  map[timerKey]*Timer{},
		events: make(chan Callback, 64),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Schedule arranges one firing of fn at or after when.
func (l *Loop) Schedule(when time.Time, fn Callback) (t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t = &Timer{fn: fn, when: when}
	heap.Push(l.timers, t)

	l.nudge()

	return t
}

// ScheduleReplacing arranges one firing of fn at or after when, replacing
// any pending timer with the same (tag, owner).
func (l *Loop) ScheduleReplacing(tag Tag, owner any, when time.Time, fn Callback) (t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := timerKey{owner: owner, tag: tag}
	if prev, ok := l.byKey[key]; ok {
		l.remove(prev)
	}

	t = &Timer{fn: fn, when: when, key: key}
	l.byKey[key] = t
	heap.Push(l.timers, t)

	l.nudge()

	return t
}

// Cancel removes any pending timer with the given (tag, owner).  It is safe
// at any time and idempotent.
func (l *Loop) Cancel(tag Tag, owner any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := timerKey{owner: owner, tag: tag}
	if t, ok := l.byKey[key]; ok {
		l.remove(t)
	}
}

// Pending returns the firing time of the pending timer with the given
// (tag, owner), if any.
func (l *Loop) Pending(tag Tag, owner any) (when time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.byKey[timerKey{owner: owner, tag: tag}]
	if !ok {
		return time.Time{}, false
	}

	return t.when, true
}

// remove unlinks t from the heap and the key index.  l.mu is expected to be
// locked.
func (l *Loop) remove(t *Timer) {
	if t.canceled {
		return
	}

	t.canceled = true
	if t.key != (timerKey{}) {
		delete(l.byKey, t.key)
	}

	if t.heapIdx >= 0 {
		heap.Remove(l.timers, t.heapIdx)
	}
}

// nudge wakes the loop goroutine, if it is running.  l.mu is expected to be
// locked.
func (l *Loop) nudge() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Post enqueues fn to run on the loop goroutine.  It is the only operation
// safe to call from receiver goroutines delivering packets.
func (l *Loop) Post(fn Callback) {
	l.events <- fn
}

// Advance runs every timer due at or before now, in time order, and returns
// the number of callbacks invoked.  Missed deadlines fire once, at the
// earliest opportunity; they do not make up missed firings.  Advance is used
// by [Loop.Run] and directly by deterministic replays in tests.
func (l *Loop) Advance(ctx context.Context, now time.Time) (fired int) {
	for {
		t := l.popDue(now)
		if t == nil {
			return fired
		}

		t.fn(ctx)
		fired++
	}
}

// popDue removes and returns the earliest timer due at or before now.
func (l *Loop) popDue(now time.Time) (t *Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timers.Len() == 0 {
		return nil
	}

	t = (*l.timers)[0]
	if t.when.After(now) {
		return nil
	}

	heap.Pop(l.timers)
	if t.key != (timerKey{}) {
		delete(l.byKey, t.key)
	}

	return t
}

// next returns the firing time of the earliest pending timer.
func (l *Loop) next() (when time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timers.Len() == 0 {
		return time.Time{}, false
	}

	return (*l.timers)[0].when, true
}

// maxSleep bounds a single wait of the loop, so that wall-clock adjustments
// cannot postpone timers indefinitely.
const maxSleep = 1 * time.Minute

// Run runs the dispatch loop until ctx is canceled: it sleeps until the next
// timer or posted event and invokes one callback at a time.
func (l *Loop) Run(ctx context.Context) (err error) {
	l.logger.DebugContext(ctx, "dispatch started")
	defer l.logger.DebugContext(ctx, "dispatch finished")

	for {
		now := l.clock.Now()
		l.Advance(ctx, now)

		sleep := maxSleep
		if when, ok := l.next(); ok {
			if d := when.Sub(l.clock.Now()); d < sleep {
				sleep = d
			}
		}

		if sleep < 0 {
			sleep = 0
		}

		waitTimer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			waitTimer.Stop()

			return ctx.Err()
		case fn := <-l.events:
			fn(ctx)
		case <-l.wake:
			// Recompute the deadline.
		case <-waitTimer.C:
			// Timers are due.
		}

		waitTimer.Stop()
	}
}
