package clock

import (
	"sort"
	"sync"
	"time"
)

// NewFake returns a Fake pinned to start. Time only moves when
// Advance is called, so tests that exercise waits, refills, and
// retention windows run instantly and deterministically.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// Fake is a manually driven Clock for tests. Pending waits created by
// After, Sleep, and NewTicker fire when Advance moves the clock past
// their deadline, in deadline order. Safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []*waiter
	registered *sync.Cond
}

type waiter struct {
	at      time.Time
	ch      chan time.Time
	every   time.Duration // non-zero for tickers, rescheduled after firing
	stopped bool
}

// firing is a snapshot of a due waiter taken under the lock, so the
// send happens outside it and ticker reschedules don't disturb the
// firing order.
type firing struct {
	at time.Time
	ch chan time.Time
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that receives once the clock advances past
// the deadline. A non-positive d delivers immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{at: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// NewTicker returns a Ticker whose ticks are driven by Advance. An
// Advance spanning several intervals fires once per interval; ticks
// that would overflow the buffer are dropped, matching time.Ticker.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{at: f.now.Add(d), ch: ch, every: d}
	f.waiters = append(f.waiters, w)
	f.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.every = d
			w.at = f.now.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached. Firing is ordered by deadline so
// interleaved timers resolve the same way on every run.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
		for _, fire := range due {
			select {
			case fire.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes waiters whose deadline has passed, reschedules
// tickers for their next interval, and returns the batch to fire. A
// rescheduled ticker still due before target fires again on the next
// pass of Advance's loop.
func (f *Fake) takeDue(target time.Time) []firing {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due []firing
	rest := f.waiters[:0]
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if w.at.After(target) {
			rest = append(rest, w)
			continue
		}
		due = append(due, firing{at: w.at, ch: w.ch})
		if w.every > 0 {
			w.at = w.at.Add(w.every)
			rest = append(rest, w)
		}
	}
	f.waiters = rest
	return due
}

// BlockUntil waits until at least n waits are pending. Call it before
// Advance when the waiting goroutine was just started, otherwise the
// advance can race the registration.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.registered.Wait()
	}
}

// Pending reports how many waits are currently registered.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
