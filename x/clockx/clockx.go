// Package clockx abstracts the monotonic clock behind a small interface so
// schedule-driven code can run against simulated time in tests.
package clockx

import "time"

// Clock is the time source handed to anything that arms timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer mirrors time.Timer. C is stable across Reset.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop() bool
}

// Ticker mirrors time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// System returns the real clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

type systemTimer struct{ t *time.Timer }

func (st *systemTimer) C() <-chan time.Time { return st.t.C }

// Reset safely stops, drains, and re-arms the timer.
func (st *systemTimer) Reset(d time.Duration) {
	if !st.t.Stop() {
		select {
		case <-st.t.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	st.t.Reset(d)
}

func (st *systemTimer) Stop() bool { return st.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (st *systemTicker) C() <-chan time.Time   { return st.t.C }
func (st *systemTicker) Reset(d time.Duration) { st.t.Reset(d) }
func (st *systemTicker) Stop()                 { st.t.Stop() }
