package clockx

import (
	"testing"
	"time"
)

func TestFakeTimerFiresAtDueTime(t *testing.T) {
	f := NewFake()
	start := f.Now()
	tm := f.NewTimer(100 * time.Millisecond)

	f.Advance(99 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("timer fired early")
	default:
	}

	f.Advance(1 * time.Millisecond)
	select {
	case at := <-tm.C():
		if got := at.Sub(start); got != 100*time.Millisecond {
			t.Fatalf("fired at +%v, want +100ms", got)
		}
	default:
		t.Fatal("timer did not fire")
	}
}

func TestFakeTimerResetAndStop(t *testing.T) {
	f := NewFake()
	tm := f.NewTimer(50 * time.Millisecond)
	if !tm.Stop() {
		t.Fatal("Stop on armed timer should report true")
	}
	f.Advance(time.Second)
	select {
	case <-tm.C():
		t.Fatal("stopped timer fired")
	default:
	}

	tm.Reset(20 * time.Millisecond)
	f.Advance(20 * time.Millisecond)
	select {
	case <-tm.C():
	default:
		t.Fatal("reset timer did not fire")
	}
	if tm.Stop() {
		t.Fatal("Stop after firing should report false")
	}
}

func TestFakeTickerDeliversEachPeriod(t *testing.T) {
	f := NewFake()
	start := f.Now()
	tk := f.NewTicker(10 * time.Millisecond)
	defer tk.Stop()

	for i := 1; i <= 3; i++ {
		f.Advance(10 * time.Millisecond)
		select {
		case at := <-tk.C():
			want := time.Duration(i) * 10 * time.Millisecond
			if got := at.Sub(start); got != want {
				t.Fatalf("tick %d at +%v, want +%v", i, got, want)
			}
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
}

func TestFakeAfterFuncRunsOnAdvance(t *testing.T) {
	f := NewFake()
	ran := false
	f.AfterFunc(30*time.Millisecond, func() { ran = true })
	f.Advance(29 * time.Millisecond)
	if ran {
		t.Fatal("callback ran early")
	}
	f.Advance(1 * time.Millisecond)
	if !ran {
		t.Fatal("callback did not run")
	}
}

func TestFakeAdvanceFiresInDueOrder(t *testing.T) {
	f := NewFake()
	var order []int
	f.AfterFunc(30*time.Millisecond, func() { order = append(order, 2) })
	f.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	f.Advance(time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fired in order %v, want [1 2]", order)
	}
}

func TestFakeBlockUntil(t *testing.T) {
	f := NewFake()
	done := make(chan struct{})
	go func() {
		f.BlockUntil(1)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("BlockUntil returned with no waiters")
	case <-time.After(10 * time.Millisecond):
	}
	f.NewTimer(time.Hour)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not observe the new timer")
	}
}
