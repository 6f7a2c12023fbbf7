package sched

import "time"

// Timer is a restartable one-shot timer owned by a single protocol object.
// At most one firing is pending at a time: Reset replaces the pending firing
// and Stop cancels it synchronously.
type Timer struct {
	loop    *Loop
	fn      func()
	gen     uint64
	pending bool
	at      time.Duration
}

func (l *Loop) NewTimer(fn func()) *Timer {
	return &Timer{loop: l, fn: fn}
}

// Reset (re)arms the timer to fire d from now.
func (t *Timer) Reset(d time.Duration) {
	t.gen++
	t.pending = true
	t.at = t.loop.now + d
	t.loop.push(&event{at: t.at, timer: t, gen: t.gen})
}

// Stop cancels a pending firing. It reports whether one was pending.
func (t *Timer) Stop() bool {
	wasPending := t.pending
	t.gen++
	t.pending = false
	return wasPending
}

func (t *Timer) Pending() bool {
	return t.pending
}

// Remaining is the time left until the pending firing, or zero.
func (t *Timer) Remaining() time.Duration {
	if !t.pending {
		return 0
	}
	return t.at - t.loop.now
}

// Jitter returns d scaled by a random factor in [1-frac, 1+frac).
func (l *Loop) Jitter(d time.Duration, frac float64) time.Duration {
	f := 1 - frac + 2*frac*l.rand.Float64()
	return time.Duration(float64(d) * f)
}
