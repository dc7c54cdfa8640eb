package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dispatch"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a fixed clock for tests.
type testClock struct {
	now time.Time
}

// Now implements the [timeutil.Clock] interface for *testClock.
func (c *testClock) Now() (now time.Time) { return c.now }

// Timer tags used in tests.
const (
	tagOne dispatch.Tag = iota + 1
	tagTwo
)

// newTestLoop creates a loop with a fixed clock.
func newTestLoop(tb testing.TB, clock *testClock) (l *dispatch.Loop) {
	tb.Helper()

	l, err := dispatch.New(&dispatch.Config{
		Logger: slogutil.NewDiscardLogger(),
		Clock:  clock,
	})
	require.NoError(tb, err)

	return l
}

func TestLoop_scheduleReplacing(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLoop(t, clock)

	owner := &struct{}{}
	var fired []int

	l.ScheduleReplacing(tagOne, owner, clock.now.Add(1*time.Second), func(_ context.Context) {
		fired = append(fired, 1)
	})
	l.ScheduleReplacing(tagOne, owner, clock.now.Add(2*time.Second), func(_ context.Context) {
		fired = append(fired, 2)
	})

	// Only the replacement is pending.
	when, ok := l.Pending(tagOne, owner)
	require.True(t, ok)

	assert.Equal(t, clock.now.Add(2*time.Second), when)

	n := l.Advance(context.Background(), clock.now.Add(3*time.Second))
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{2}, fired)
}

func TestLoop_cancelIdempotent(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLoop(t, clock)

	owner := &struct{}{}
	l.ScheduleReplacing(tagOne, owner, clock.now.Add(1*time.Second), func(_ context.Context) {})

	l.Cancel(tagOne, owner)
	l.Cancel(tagOne, owner)

	_, ok := l.Pending(tagOne, owner)
	assert.False(t, ok)

	assert.Equal(t, 0, l.Advance(context.Background(), clock.now.Add(1*time.Minute)))
}

func TestLoop_ordering(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLoop(t, clock)

	owner := &struct{}{}
	var fired []int

	l.ScheduleReplacing(tagTwo, owner, clock.now.Add(2*time.Second), func(_ context.Context) {
		fired = append(fired, 2)
	})
	l.ScheduleReplacing(tagOne, owner, clock.now.Add(1*time.Second), func(_ context.Context) {
		fired = append(fired, 1)
	})

	l.Advance(context.Background(), clock.now.Add(3*time.Second))
	assert.Equal(t, []int{1, 2}, fired)
}

func TestLoop_rearmInCallback(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLoop(t, clock)

	owner := &struct{}{}
	count := 0

	var tick func(ctx context.Context)
	tick = func(ctx context.Context) {
		count++
		if count < 3 {
			l.ScheduleReplacing(tagOne, owner, clock.now.Add(time.Duration(count)*time.Second), tick)
		}
	}

	l.ScheduleReplacing(tagOne, owner, clock.now, tick)

	l.Advance(context.Background(), clock.now.Add(10*time.Second))
	assert.Equal(t, 3, count)
}

func TestLoop_missedFiringsCoalesce(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	l := newTestLoop(t, clock)

	owner := &struct{}{}
	count := 0

	// A timer far in the past fires exactly once.
	l.ScheduleReplacing(tagOne, owner, clock.now.Add(-time.Hour), func(_ context.Context) {
		count++
	})

	l.Advance(context.Background(), clock.now)
	l.Advance(context.Background(), clock.now)

	assert.Equal(t, 1, count)
}
