package clockx

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Timers and tickers fire
// in due order during Advance; AfterFunc callbacks run on the advancing
// goroutine with no lock held.
type Fake struct {
	mu      sync.Mutex
	cond    *sync.Cond
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	f      *Fake
	when   time.Time
	period time.Duration // 0 for one-shot
	ch     chan time.Time
	fn     func()
	armed  bool
}

// NewFake returns a fake clock starting at the Unix epoch.
func NewFake() *Fake {
	f := &Fake{now: time.Unix(0, 0).UTC()}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d, firing every due timer and ticker
// in time order and delivering each at its own due instant.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		w := f.nextDueLocked(target)
		if w == nil {
			break
		}
		f.now = w.when
		var fn func()
		if w.period > 0 {
			w.when = w.when.Add(w.period)
		} else {
			w.armed = false
		}
		if w.fn != nil {
			fn = w.fn
		} else {
			select {
			case w.ch <- f.now:
			default:
			}
		}
		if fn != nil {
			f.mu.Unlock()
			fn()
			f.mu.Lock()
		}
		f.cond.Broadcast()
	}
	f.now = target
	f.mu.Unlock()
}

// nextDueLocked picks the earliest armed waiter due at or before target.
func (f *Fake) nextDueLocked(target time.Time) *fakeWaiter {
	var due *fakeWaiter
	for _, w := range f.waiters {
		if !w.armed || w.when.After(target) {
			continue
		}
		if due == nil || w.when.Before(due.when) {
			due = w
		}
	}
	return due
}

// BlockUntil waits until at least n timers or tickers are armed. Tests use
// it to let the code under test re-arm before the next Advance.
func (f *Fake) BlockUntil(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.armedLocked() < n {
		f.cond.Wait()
	}
}

func (f *Fake) armedLocked() int {
	c := 0
	for _, w := range f.waiters {
		if w.armed {
			c++
		}
	}
	return c
}

func (f *Fake) addWaiter(d, period time.Duration, fn func()) *fakeWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{
		f:      f,
		when:   f.now.Add(d),
		period: period,
		fn:     fn,
		armed:  true,
	}
	if fn == nil {
		w.ch = make(chan time.Time, 1)
	}
	f.waiters = append(f.waiters, w)
	f.cond.Broadcast()
	return w
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	return (*fakeTimer)(f.addWaiter(d, 0, nil))
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	return (*fakeTimer)(f.addWaiter(d, 0, fn))
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clockx: non-positive ticker interval")
	}
	return (*fakeTicker)(f.addWaiter(d, d, nil))
}

type fakeTimer fakeWaiter

func (w *fakeTimer) C() <-chan time.Time { return w.ch }

func (w *fakeTimer) Reset(d time.Duration) {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if d < 0 {
		d = 0
	}
	w.when = w.f.now.Add(d)
	w.armed = true
	w.f.cond.Broadcast()
}

func (w *fakeTimer) Stop() bool {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	was := w.armed
	w.armed = false
	w.f.cond.Broadcast()
	return was
}

type fakeTicker fakeWaiter

func (w *fakeTicker) C() <-chan time.Time { return w.ch }

func (w *fakeTicker) Reset(d time.Duration) {
	if d <= 0 {
		panic("clockx: non-positive ticker interval")
	}
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.when = w.f.now.Add(d)
	w.period = d
	w.armed = true
	w.f.cond.Broadcast()
}

func (w *fakeTicker) Stop() {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	w.armed = false
	w.f.cond.Broadcast()
}
