package eventloop

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runInline(fn func()) { fn() }

func TestTimerQueue_tieBreakBySequence(t *testing.T) {
	var q timerQueue
	when := time.Unix(100, 0)
	var order []int
	for i := range 5 {
		q.add(newTimer(func() { order = append(order, i) }, when, 0))
	}
	assert.Equal(t, 5, q.run(when, runInline))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueue_addReportsEarliest(t *testing.T) {
	var q timerQueue
	base := time.Unix(100, 0)
	assert.True(t, q.add(newTimer(func() {}, base.Add(time.Second), 0)))
	assert.False(t, q.add(newTimer(func() {}, base.Add(2*time.Second), 0)))
	assert.True(t, q.add(newTimer(func() {}, base, 0)))
	// equal deadline, later sequence
	assert.False(t, q.add(newTimer(func() {}, base, 0)))

	next, ok := q.next()
	require.True(t, ok)
	assert.Equal(t, base, next)
}

func TestTimerQueue_canceledBeforeInsert(t *testing.T) {
	var q timerQueue
	tm := newTimer(func() { t.Fatal("fired") }, time.Unix(1, 0), 0)
	q.cancel(tm)
	assert.False(t, q.add(tm))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.run(time.Unix(2, 0), runInline))
}

func TestTimerQueue_repeatWithoutDrift(t *testing.T) {
	var q timerQueue
	start := time.Unix(1000, 0)
	interval := 10 * time.Millisecond

	var tm *Timer
	var deadlines []time.Time
	tm = newTimer(func() { deadlines = append(deadlines, tm.when) }, start.Add(interval), interval)
	q.add(tm)

	// drive with jitter, including late drives that skip several deadlines
	rng := rand.New(rand.NewPCG(3, 4))
	now := start
	for now.Before(start.Add(time.Second)) {
		now = now.Add(time.Duration(rng.IntN(25)) * time.Millisecond)
		for q.run(now, runInline) > 0 {
		}
	}

	require.NotEmpty(t, deadlines)
	for k, d := range deadlines {
		assert.Equal(t, start.Add(time.Duration(k+1)*interval), d, k)
	}
	next, ok := q.next()
	require.True(t, ok)
	assert.True(t, next.After(now))
}

func TestTimerQueue_cancelFromOwnCallback(t *testing.T) {
	var q timerQueue
	var tm *Timer
	var count int
	tm = newTimer(func() {
		count++
		q.cancel(tm)
	}, time.Unix(1, 0), time.Second)
	q.add(tm)

	q.run(time.Unix(10, 0), runInline)
	q.run(time.Unix(20, 0), runInline)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, q.Len())
}

func TestTimerQueue_cancelOtherInSameBatch(t *testing.T) {
	var q timerQueue
	when := time.Unix(5, 0)
	var second *Timer
	var fired []string
	first := newTimer(func() {
		fired = append(fired, "first")
		q.cancel(second)
	}, when, 0)
	second = newTimer(func() { fired = append(fired, "second") }, when, 0)
	q.add(first)
	q.add(second)

	q.run(when, runInline)
	assert.Equal(t, []string{"first"}, fired)
}

// Random interleavings of add and cancel: exactly the non-canceled timers
// whose deadline has elapsed fire, each at most once.
func TestTimerQueue_randomAddCancel(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		var q timerQueue
		base := time.Unix(0, 0)

		type entry struct {
			timer    *Timer
			when     time.Time
			fired    int
			canceled bool
		}
		var entries []*entry

		for range 300 {
			if len(entries) > 0 && rng.IntN(3) == 0 {
				e := entries[rng.IntN(len(entries))]
				q.cancel(e.timer)
				e.canceled = true
				continue
			}
			e := &entry{when: base.Add(time.Duration(rng.IntN(1000)) * time.Millisecond)}
			e.timer = newTimer(func() { e.fired++ }, e.when, 0)
			entries = append(entries, e)
			q.add(e.timer)
		}

		now := base.Add(time.Duration(rng.IntN(1000)) * time.Millisecond)
		q.run(now, runInline)
		q.run(now, runInline)

		for i, e := range entries {
			want := 0
			if !e.canceled && !e.when.After(now) {
				want = 1
			}
			require.Equal(t, want, e.fired, "seed %d entry %d", seed, i)
		}
	}
}
