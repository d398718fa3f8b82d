// services/sequence/controller.go
package sequence

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"benchlab-go/bus"
	"benchlab-go/errcode"
	"benchlab-go/services/topics"
	"benchlab-go/types"
	"benchlab-go/x/clockx"
	"benchlab-go/x/timex"
)

// ValueWriter is the slice of a device session a run writes through.
type ValueWriter interface {
	SetValue(ctx context.Context, name string, value float64, immediate bool) error
}

// Controller executes one sequence run against one device parameter. Steps
// fire off an absolute schedule computed per cycle, so a slow write delays
// at most its own step and the cadence never drifts. All writes bypass the
// session debounce.
type Controller struct {
	log  *log.Entry
	cfg  types.SequenceConfig
	clk  clockx.Clock
	conn *bus.Connection

	def    types.SequenceDefinition
	run    types.SequenceRunConfig
	runID  string
	res    *resolver
	dev    ValueWriter
	total  *int // nil = continuous
	onDone func()

	mu           sync.Mutex
	state        types.ExecState
	steps        []types.SequenceStep
	schedule     []int64 // absolute unix ms per step of the current cycle
	cycleEnd     int64   // where the next cycle's schedule starts
	idx          int
	cycle        int
	startedAt    int64
	pausedAt     int64
	pauseElapsed int64
	commanded    float64
	lastEmitted  *float64
	skipped      int
	errMsg       string
	timer        clockx.Timer
	gen          int
}

// Start broadcasts sequenceStarted, performs the optional pre-value write,
// then arms the first step immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != types.ExecIdle {
		c.mu.Unlock()
		return &errcode.E{C: errcode.BadRequest, Op: "sequence.start", Msg: "run already started"}
	}
	c.state = types.ExecRunning
	c.startedAt = timex.ToMs(c.clk.Now())
	c.steps = c.res.cycleSteps(nil)
	c.broadcastLocked(types.NewSequenceStartedMsg(c.snapshotLocked()))
	pre := c.res.pre()
	c.mu.Unlock()

	if pre != nil {
		if err := c.dev.SetValue(ctx, c.run.Parameter, *pre, true); err != nil {
			c.errorOut(err)
			return err
		}
		c.mu.Lock()
		c.commanded = *pre
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.state != types.ExecRunning { // aborted during the pre write
		c.mu.Unlock()
		return nil
	}
	c.buildScheduleLocked(timex.ToMs(c.clk.Now()))
	c.armLocked(0)
	c.mu.Unlock()
	c.log.Info("sequence started")
	return nil
}

// Abort cancels a running or paused run, writes the post value if one is
// configured, and broadcasts sequenceAborted. Calling it on a finished run
// is a no-op.
func (c *Controller) Abort() {
	c.mu.Lock()
	if c.state != types.ExecRunning && c.state != types.ExecPaused {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = types.ExecIdle
	post := c.res.post()
	c.mu.Unlock()
	c.finish(post, types.NewSequenceAbortedMsg(c.def.ID, c.run.DeviceID, c.runID), "sequence aborted")
}

// Pause freezes the run between steps. The pending timer is cancelled; the
// schedule keeps its positions and shifts on resume.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.ExecRunning {
		return &errcode.E{C: errcode.BadRequest, Op: "sequence.pause", Msg: "run is not running"}
	}
	c.state = types.ExecPaused
	c.pausedAt = timex.ToMs(c.clk.Now())
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.broadcastLocked(types.NewSequenceProgressMsg(c.snapshotLocked()))
	return nil
}

// Resume shifts every remaining scheduled instant by the paused duration
// and re-arms.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.ExecPaused {
		return &errcode.E{C: errcode.BadRequest, Op: "sequence.resume", Msg: "run is not paused"}
	}
	now := timex.ToMs(c.clk.Now())
	delta := now - c.pausedAt
	c.pauseElapsed += delta
	for i := range c.schedule {
		c.schedule[i] += delta
	}
	c.cycleEnd += delta
	c.state = types.ExecRunning
	c.broadcastLocked(types.NewSequenceProgressMsg(c.snapshotLocked()))

	delay := time.Duration(c.schedule[c.idx]-now) * time.Millisecond
	if min := c.cfg.MinInterval(); delay < min {
		delay = min
	}
	c.armLocked(delay)
	return nil
}

// State returns a snapshot of the run.
func (c *Controller) State() types.SequenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ---- step execution ----

func (c *Controller) tick(gen int) {
	c.mu.Lock()
	if gen != c.gen || c.state != types.ExecRunning {
		c.mu.Unlock()
		return
	}
	step := c.steps[c.idx]
	c.mu.Unlock()

	err := c.dev.SetValue(context.Background(), c.run.Parameter, step.Value, true)

	c.mu.Lock()
	if gen != c.gen || c.state != types.ExecRunning {
		// Paused, aborted, or superseded while the write was in flight. The
		// value went out; bookkeeping belongs to whoever owns the run now.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.errorOut(err)
		return
	}

	v := step.Value
	c.commanded = v
	c.lastEmitted = &v
	c.broadcastLocked(types.NewSequenceProgressMsg(c.snapshotLocked()))

	c.idx++
	if c.idx >= len(c.steps) {
		c.idx = 0
		c.cycle++
		if c.total != nil && c.cycle >= *c.total {
			c.state = types.ExecCompleted
			post := c.res.post()
			c.mu.Unlock()
			c.finish(post, types.NewSequenceCompletedMsg(c.def.ID, c.run.DeviceID, c.runID), "sequence completed")
			return
		}
		// The next cycle's schedule continues from the cycle boundary, not
		// from now, so a slow final write never stretches the period.
		c.steps = c.res.cycleSteps(c.lastEmitted)
		c.buildScheduleLocked(c.cycleEnd)
	}

	// Drop steps that are already overdue, but never the cycle's last one.
	now := timex.ToMs(c.clk.Now())
	dropped := 0
	for c.idx < len(c.schedule)-1 && c.schedule[c.idx+1] <= now {
		c.idx++
		dropped++
	}
	if dropped > 0 {
		c.skipped += dropped
		c.log.WithField("count", dropped).Debug("dropped overdue steps")
	}
	if d := c.schedule[c.idx] - now; d > 0 {
		c.armLocked(time.Duration(d) * time.Millisecond)
	} else {
		c.armLocked(0)
	}
	c.mu.Unlock()
}

// errorOut moves the run to the error state after a failed write. No post
// value is written; the device is in an unknown state.
func (c *Controller) errorOut(err error) {
	c.mu.Lock()
	if c.state != types.ExecRunning && c.state != types.ExecPaused {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.state = types.ExecError
	c.errMsg = err.Error()
	c.broadcastLocked(types.NewSequenceErrorMsg(c.def.ID, c.run.DeviceID, c.runID, c.errMsg))
	c.mu.Unlock()
	c.log.WithError(err).Warn("sequence write failed")
	c.onDone()
}

// finish writes the optional post value and emits the terminal broadcast.
func (c *Controller) finish(post *float64, msg types.Broadcast, what string) {
	if post != nil {
		if err := c.dev.SetValue(context.Background(), c.run.Parameter, *post, true); err != nil {
			c.log.WithError(err).Warn("post value write failed")
		} else {
			c.mu.Lock()
			c.commanded = *post
			c.mu.Unlock()
		}
	}
	c.conn.Publish(c.conn.NewMessage(topics.Sequence(c.run.DeviceID), msg, false))
	c.log.Info(what)
	c.onDone()
}

// ---- schedule ----

// spacingMs is the time from one step's emission to the next: the step's
// dwell, floored by the engine-wide minimum interval.
func (c *Controller) spacingMs(st types.SequenceStep) int64 {
	d := int64(st.DwellMs)
	if m := int64(c.cfg.MinIntervalMs); d < m {
		d = m
	}
	return d
}

func (c *Controller) buildScheduleLocked(tFirst int64) {
	c.schedule = make([]int64, len(c.steps))
	c.schedule[0] = tFirst
	for k := 1; k < len(c.steps); k++ {
		c.schedule[k] = c.schedule[k-1] + c.spacingMs(c.steps[k-1])
	}
	c.cycleEnd = c.schedule[len(c.steps)-1] + c.spacingMs(c.steps[len(c.steps)-1])
}

func (c *Controller) armLocked(delay time.Duration) {
	gen := c.gen
	c.timer = c.clk.AfterFunc(delay, func() { c.tick(gen) })
}

func (c *Controller) snapshotLocked() types.SequenceState {
	elapsed := timex.ToMs(c.clk.Now()) - c.startedAt - c.pauseElapsed
	if c.state == types.ExecPaused {
		elapsed = c.pausedAt - c.startedAt - c.pauseElapsed
	}
	return types.SequenceState{
		RunID:            c.runID,
		SequenceID:       c.def.ID,
		DeviceID:         c.run.DeviceID,
		Parameter:        c.run.Parameter,
		State:            c.state,
		CurrentStepIndex: c.idx,
		TotalSteps:       len(c.steps),
		CurrentCycle:     c.cycle,
		TotalCycles:      c.total,
		StartedAt:        c.startedAt,
		ElapsedMs:        elapsed,
		CommandedValue:   c.commanded,
		SkippedSteps:     c.skipped,
		Error:            c.errMsg,
	}
}

func (c *Controller) broadcastLocked(msg types.Broadcast) {
	c.conn.Publish(c.conn.NewMessage(topics.Sequence(c.run.DeviceID), msg, false))
}
