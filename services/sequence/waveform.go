// services/sequence/waveform.go
package sequence

import (
	"math"
	"math/rand"

	"benchlab-go/types"
	"benchlab-go/x/mathx"
)

// resolver turns a sequence definition into per-cycle step tables. Purely
// parametric and arbitrary waveforms resolve once and replay; random walks
// and slew-limited waveforms regenerate every cycle so the chain continues
// across the boundary.
type resolver struct {
	def    types.SequenceDefinition
	rng    *rand.Rand
	cached []types.SequenceStep
}

func newResolver(def types.SequenceDefinition, rng *rand.Rand) *resolver {
	return &resolver{def: def, rng: rng}
}

func (r *resolver) dynamic() bool {
	return r.def.Waveform.RandomWalk != nil || r.def.Modifiers.MaxSlewRate != nil
}

// cycleSteps returns the step table for the next cycle. prev is the last
// value emitted by the previous cycle, nil on the first.
func (r *resolver) cycleSteps(prev *float64) []types.SequenceStep {
	if r.cached != nil {
		return r.cached
	}
	steps := r.applyModifiers(r.generate(prev), prev)
	if !r.dynamic() {
		r.cached = steps
	}
	return steps
}

func (r *resolver) generate(prev *float64) []types.SequenceStep {
	w := r.def.Waveform
	switch {
	case w.Parametric != nil:
		return generateParametric(*w.Parametric)
	case w.RandomWalk != nil:
		return r.generateWalk(*w.RandomWalk, prev)
	default:
		out := make([]types.SequenceStep, len(w.Steps))
		copy(out, w.Steps)
		return out
	}
}

func generateParametric(p types.ParametricWave) []types.SequenceStep {
	n := p.PointsPerCycle
	center := (p.Min + p.Max) / 2
	amplitude := (p.Max - p.Min) / 2
	out := make([]types.SequenceStep, n)

	for i := 0; i < n; i++ {
		var v float64
		switch p.Shape {
		case types.ShapeSine:
			// i+1 so the final point lands back at center for seamless looping
			v = center + amplitude*math.Sin(2*math.Pi*float64(i+1)/float64(n))
		case types.ShapeTriangle:
			phase := float64(i) / float64(n)
			if phase < 0.5 {
				v = p.Min + (p.Max-p.Min)*phase*2
			} else {
				v = p.Max - (p.Max-p.Min)*(phase-0.5)*2
			}
		case types.ShapeRamp:
			v = p.Min + (p.Max-p.Min)*float64(i)/float64(n-1)
		case types.ShapeSquare:
			if i < n/2 {
				v = p.Max
			} else {
				v = p.Min
			}
		}
		out[i] = types.SequenceStep{Value: v, DwellMs: p.IntervalMs}
	}
	return out
}

func (r *resolver) generateWalk(w types.RandomWalkWave, prev *float64) []types.SequenceStep {
	cur := w.StartValue
	if prev != nil {
		cur = *prev
	}
	out := make([]types.SequenceStep, w.PointsPerCycle)
	for i := range out {
		cur += (r.rng.Float64()*2 - 1) * w.MaxStepSize
		cur = mathx.Clamp(cur, w.Min, w.Max)
		out[i] = types.SequenceStep{Value: cur, DwellMs: w.IntervalMs}
	}
	return out
}

// applyModifiers rewrites step values in order: scale, offset, clamp, then
// the slew limiter against the previous value in the emission chain. prev
// carries the chain across cycle boundaries; the first value of the first
// cycle has no predecessor and passes unlimited.
func (r *resolver) applyModifiers(steps []types.SequenceStep, prev *float64) []types.SequenceStep {
	m := r.def.Modifiers
	var last *float64
	if prev != nil {
		v := *prev
		last = &v
	}
	for i := range steps {
		v := r.modify(steps[i].Value)
		if m.MaxSlewRate != nil && last != nil {
			spacing := steps[(i+len(steps)-1)%len(steps)].DwellMs
			maxDelta := *m.MaxSlewRate * float64(spacing) / 1000
			v = mathx.Clamp(v, *last-maxDelta, *last+maxDelta)
		}
		steps[i].Value = v
		vv := v
		last = &vv
	}
	return steps
}

// modify applies scale, offset, and clamps to a single value. Pre and post
// values go through this too; the slew limiter never applies to them.
func (r *resolver) modify(v float64) float64 {
	m := r.def.Modifiers
	if m.Scale != nil {
		v *= *m.Scale
	}
	if m.Offset != nil {
		v += *m.Offset
	}
	if m.MinClamp != nil && v < *m.MinClamp {
		v = *m.MinClamp
	}
	if m.MaxClamp != nil && v > *m.MaxClamp {
		v = *m.MaxClamp
	}
	return v
}

func (r *resolver) pre() *float64 {
	if r.def.Modifiers.PreValue == nil {
		return nil
	}
	v := r.modify(*r.def.Modifiers.PreValue)
	return &v
}

func (r *resolver) post() *float64 {
	if r.def.Modifiers.PostValue == nil {
		return nil
	}
	v := r.modify(*r.def.Modifiers.PostValue)
	return &v
}
