// Package sched is the discrete-event loop every protocol instance runs on.
//
// All timer firings, packet deliveries and posted functions execute on a
// single goroutine in timestamp order, so protocol state needs no locks. The
// loop either follows the wall clock or, in virtual mode, jumps straight to
// the next pending event.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/davidbalbert/chatter/sync"
)

var ErrStopped = errors.New("sched: loop stopped")

type Options struct {
	// Virtual makes the clock jump from event to event instead of following
	// wall time.
	Virtual bool

	// Until bounds a virtual run started with Run. Zero means no bound.
	Until time.Duration

	// Seed seeds the jitter source. Loops with the same seed and the same
	// inputs produce the same schedule.
	Seed int64

	Logger *slog.Logger
}

type event struct {
	at    time.Duration
	seq   uint64
	timer *Timer
	gen   uint64
	fn    func()
}

type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(*event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type Loop struct {
	virtual bool
	until   time.Duration
	start   time.Time
	now     time.Duration
	seq     uint64
	events  eventHeap
	posts   *sync.Queue[func()]
	rand    *rand.Rand
	log     *slog.Logger
	stopped bool
}

func NewLoop(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		virtual: opts.Virtual,
		until:   opts.Until,
		start:   time.Now(),
		posts:   sync.NewQueue[func()](),
		rand:    rand.New(rand.NewSource(opts.Seed)),
		log:     logger,
	}
}

// Now is the loop's current time, measured from loop creation.
func (l *Loop) Now() time.Duration {
	return l.now
}

// Rand is the loop's jitter source. Only use it from the loop goroutine.
func (l *Loop) Rand() *rand.Rand {
	return l.rand
}

func (l *Loop) Virtual() bool {
	return l.virtual
}

// Schedule runs fn once, d from now. Events scheduled for the same instant
// run in the order they were scheduled.
func (l *Loop) Schedule(d time.Duration, fn func()) {
	l.push(&event{at: l.now + d, fn: fn})
}

func (l *Loop) push(e *event) {
	if e.at < l.now {
		e.at = l.now
	}
	l.seq++
	e.seq = l.seq
	heap.Push(&l.events, e)
}

// Post queues fn to run on the loop goroutine. It is safe to call from any
// goroutine and never blocks.
func (l *Loop) Post(fn func()) {
	l.posts.Put(fn)
}

// Call runs fn on the loop goroutine and waits for it to finish. The loop
// must be running in another goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop makes Run and RunFor return after the current event.
func (l *Loop) Stop() {
	l.stopped = true
}

func (l *Loop) drainPosts() {
	for _, fn := range l.posts.TryGet() {
		fn()
	}
}

// step runs the earliest event if it is due at or before limit.
func (l *Loop) step(limit time.Duration) bool {
	for len(l.events) > 0 {
		e := l.events[0]
		if e.at > limit {
			return false
		}
		heap.Pop(&l.events)

		if e.timer != nil {
			t := e.timer
			if !t.pending || t.gen != e.gen {
				continue
			}
			t.pending = false
		}

		if e.at > l.now {
			l.now = e.at
		}

		if e.timer != nil {
			e.timer.fn()
		} else {
			e.fn()
		}
		return true
	}

	return false
}

// RunFor advances a virtual loop by d, running every event that falls due,
// and returns the number of events run. It runs on the calling goroutine.
func (l *Loop) RunFor(d time.Duration) int {
	if !l.virtual {
		panic("sched: RunFor on a wall-clock loop")
	}

	end := l.now + d
	n := 0
	l.stopped = false
	for !l.stopped {
		l.drainPosts()
		if !l.step(end) {
			break
		}
		n++
	}
	if !l.stopped {
		l.now = end
	}
	return n
}

// Run drives the loop until ctx is done or Stop is called. A virtual loop
// runs events as fast as possible up to Options.Until and then only serves
// posted functions.
func (l *Loop) Run(ctx context.Context) error {
	if l.virtual {
		return l.runVirtual(ctx)
	}
	return l.runWall(ctx)
}

func (l *Loop) runVirtual(ctx context.Context) error {
	limit := l.until
	if limit == 0 {
		limit = time.Duration(1<<63 - 1)
	}

	l.stopped = false
	for !l.stopped && ctx.Err() == nil {
		l.drainPosts()
		if !l.step(limit) {
			break
		}
	}

	if l.until > 0 && l.now < l.until {
		l.now = l.until
	}
	l.log.Debug("virtual run complete", "now", l.now)

	return l.serve(ctx)
}

func (l *Loop) runWall(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	l.stopped = false
	for !l.stopped {
		l.now = time.Since(l.start)
		for l.step(l.now) {
			if l.stopped {
				return ErrStopped
			}
			l.now = time.Since(l.start)
		}

		wait := time.Hour
		if len(l.events) > 0 {
			wait = l.events[0].at - l.now
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case batch := <-l.posts.Ready():
			l.posts.Done()
			l.now = time.Since(l.start)
			for _, fn := range batch {
				fn()
			}
		case <-timer.C:
		}
	}

	return ErrStopped
}

func (l *Loop) serve(ctx context.Context) error {
	for !l.stopped {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-l.posts.Ready():
			l.posts.Done()
			for _, fn := range batch {
				fn()
			}
		}
	}
	return ErrStopped
}
