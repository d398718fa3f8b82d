package types

import (
	"fmt"
	"math"

	"benchlab-go/errcode"
	"benchlab-go/x/mathx"
)

// ---- Waveform limits ----

const (
	MinStepIntervalMs = 10
	MaxStepIntervalMs = 3_600_000
	MinPointsPerCycle = 2
	MaxPointsPerCycle = 10_000
	MaxArbitrarySteps = 10_000
	MaxNameLen        = 100
)

// ---- Waveform (closed sum: parametric | random walk | arbitrary) ----

type WaveShape string

const (
	ShapeSine     WaveShape = "sine"
	ShapeTriangle WaveShape = "triangle"
	ShapeRamp     WaveShape = "ramp"
	ShapeSquare   WaveShape = "square"
)

type ParametricWave struct {
	Shape          WaveShape `json:"type"`
	Min            float64   `json:"min"`
	Max            float64   `json:"max"`
	PointsPerCycle int       `json:"pointsPerCycle"`
	IntervalMs     int       `json:"intervalMs"`
}

type RandomWalkWave struct {
	StartValue     float64 `json:"startValue"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	MaxStepSize    float64 `json:"maxStepSize"`
	PointsPerCycle int     `json:"pointsPerCycle"`
	IntervalMs     int     `json:"intervalMs"`
}

// SequenceStep is one resolved emission: a value held for DwellMs.
type SequenceStep struct {
	Value   float64 `json:"value"`
	DwellMs int     `json:"dwellMs"`
}

// Waveform holds exactly one variant; Validate enforces that.
type Waveform struct {
	Parametric *ParametricWave `json:"parametric,omitempty"`
	RandomWalk *RandomWalkWave `json:"randomWalk,omitempty"`
	Steps      []SequenceStep  `json:"steps,omitempty"`
}

func badWaveform(format string, args ...any) error {
	return &errcode.E{C: errcode.BadWaveform, Op: "waveform.validate", Msg: fmt.Sprintf(format, args...)}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// Validate checks the variant tag and every numeric limit.
func (w Waveform) Validate() error {
	n := 0
	if w.Parametric != nil {
		n++
	}
	if w.RandomWalk != nil {
		n++
	}
	if len(w.Steps) > 0 {
		n++
	}
	if n != 1 {
		return badWaveform("exactly one of parametric, randomWalk, steps required")
	}

	switch {
	case w.Parametric != nil:
		p := w.Parametric
		switch p.Shape {
		case ShapeSine, ShapeTriangle, ShapeRamp, ShapeSquare:
		default:
			return badWaveform("unknown parametric type %q", p.Shape)
		}
		if !finite(p.Min) || !finite(p.Max) {
			return badWaveform("min/max must be finite")
		}
		if p.Min >= p.Max {
			return badWaveform("min %v must be < max %v", p.Min, p.Max)
		}
		if err := checkCycle(p.PointsPerCycle, p.IntervalMs); err != nil {
			return err
		}
	case w.RandomWalk != nil:
		r := w.RandomWalk
		if !finite(r.StartValue) || !finite(r.Min) || !finite(r.Max) || !finite(r.MaxStepSize) {
			return badWaveform("random walk values must be finite")
		}
		if r.Min >= r.Max {
			return badWaveform("min %v must be < max %v", r.Min, r.Max)
		}
		if r.MaxStepSize <= 0 {
			return badWaveform("maxStepSize must be > 0")
		}
		if !mathx.Between(r.StartValue, r.Min, r.Max) {
			return badWaveform("startValue %v outside [%v, %v]", r.StartValue, r.Min, r.Max)
		}
		if err := checkCycle(r.PointsPerCycle, r.IntervalMs); err != nil {
			return err
		}
	default:
		if len(w.Steps) > MaxArbitrarySteps {
			return badWaveform("too many steps: %d > %d", len(w.Steps), MaxArbitrarySteps)
		}
		for i, s := range w.Steps {
			if !finite(s.Value) {
				return badWaveform("step %d value must be finite", i)
			}
			if s.DwellMs < 0 {
				return badWaveform("step %d dwellMs must be >= 0", i)
			}
		}
	}
	return nil
}

func checkCycle(points, intervalMs int) error {
	if points < MinPointsPerCycle || points > MaxPointsPerCycle {
		return badWaveform("pointsPerCycle %d outside [%d, %d]", points, MinPointsPerCycle, MaxPointsPerCycle)
	}
	if intervalMs < MinStepIntervalMs || intervalMs > MaxStepIntervalMs {
		return badWaveform("intervalMs %d outside [%d, %d]", intervalMs, MinStepIntervalMs, MaxStepIntervalMs)
	}
	return nil
}

// ---- Modifiers ----

// Modifiers adjust resolved step values: scale, then offset, then clamp.
// MaxSlewRate (units/s) limits value change per step spacing. PreValue and
// PostValue bracket the run.
type Modifiers struct {
	Scale       *float64 `json:"scale,omitempty"`
	Offset      *float64 `json:"offset,omitempty"`
	MinClamp    *float64 `json:"minClamp,omitempty"`
	MaxClamp    *float64 `json:"maxClamp,omitempty"`
	PreValue    *float64 `json:"preValue,omitempty"`
	PostValue   *float64 `json:"postValue,omitempty"`
	MaxSlewRate *float64 `json:"maxSlewRate,omitempty"`
}

func (m Modifiers) Validate() error {
	for name, p := range map[string]*float64{
		"scale": m.Scale, "offset": m.Offset,
		"minClamp": m.MinClamp, "maxClamp": m.MaxClamp,
		"preValue": m.PreValue, "postValue": m.PostValue,
		"maxSlewRate": m.MaxSlewRate,
	} {
		if p != nil && !finite(*p) {
			return &errcode.E{C: errcode.BadRequest, Msg: name + " must be finite"}
		}
	}
	if m.MinClamp != nil && m.MaxClamp != nil && *m.MinClamp > *m.MaxClamp {
		return &errcode.E{C: errcode.BadRequest, Msg: "minClamp must be <= maxClamp"}
	}
	if m.MaxSlewRate != nil && *m.MaxSlewRate <= 0 {
		return &errcode.E{C: errcode.BadRequest, Msg: "maxSlewRate must be > 0"}
	}
	return nil
}

// ---- Sequence definition ----

type SequenceDefinition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Unit      Unit      `json:"unit"`
	Waveform  Waveform  `json:"waveform"`
	Modifiers Modifiers `json:"modifiers,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

func (d *SequenceDefinition) Validate() error {
	if d.Name == "" || len(d.Name) > MaxNameLen {
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("name must be 1..%d chars", MaxNameLen)}
	}
	if !ValidUnit(d.Unit) {
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("unit %q not one of V, A, W, Ω", d.Unit)}
	}
	if err := d.Waveform.Validate(); err != nil {
		return err
	}
	return d.Modifiers.Validate()
}

// ---- Run configuration & execution state ----

type RepeatMode string

const (
	RepeatOnce       RepeatMode = "once"
	RepeatCount      RepeatMode = "count"
	RepeatContinuous RepeatMode = "continuous"
)

type SequenceRunConfig struct {
	SequenceID  string     `json:"sequenceId"`
	DeviceID    string     `json:"deviceId"`
	Parameter   string     `json:"parameter"`
	Repeat      RepeatMode `json:"repeat"`
	RepeatCount int        `json:"repeatCount,omitempty"` // used when Repeat == count
}

func (c SequenceRunConfig) Validate() error {
	if c.SequenceID == "" || c.DeviceID == "" || c.Parameter == "" {
		return &errcode.E{C: errcode.BadRequest, Msg: "sequenceId, deviceId, parameter are required"}
	}
	switch c.Repeat {
	case RepeatOnce, RepeatContinuous:
	case RepeatCount:
		if c.RepeatCount < 1 {
			return &errcode.E{C: errcode.BadRequest, Msg: "repeatCount must be >= 1"}
		}
	default:
		return &errcode.E{C: errcode.BadRequest, Msg: fmt.Sprintf("unknown repeat mode %q", c.Repeat)}
	}
	return nil
}

// TotalCycles resolves the repeat mode to a cycle budget; nil = continuous.
func (c SequenceRunConfig) TotalCycles() *int {
	switch c.Repeat {
	case RepeatOnce:
		n := 1
		return &n
	case RepeatCount:
		n := c.RepeatCount
		return &n
	default:
		return nil
	}
}

type ExecState string

const (
	ExecIdle      ExecState = "idle"
	ExecRunning   ExecState = "running"
	ExecPaused    ExecState = "paused"
	ExecCompleted ExecState = "completed"
	ExecError     ExecState = "error"
)

// SequenceState is the broadcastable execution snapshot of one run.
type SequenceState struct {
	RunID            string    `json:"runId"`
	SequenceID       string    `json:"sequenceId"`
	DeviceID         string    `json:"deviceId"`
	Parameter        string    `json:"parameter"`
	State            ExecState `json:"state"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	TotalSteps       int       `json:"totalSteps"`
	CurrentCycle     int       `json:"currentCycle"`
	TotalCycles      *int      `json:"totalCycles"` // null = continuous
	StartedAt        int64     `json:"startedAt"`   // unix ms
	ElapsedMs        int64     `json:"elapsedMs"`   // excludes paused time
	CommandedValue   float64   `json:"commandedValue"`
	SkippedSteps     int       `json:"skippedSteps"`
	Error            string    `json:"error,omitempty"`
}
