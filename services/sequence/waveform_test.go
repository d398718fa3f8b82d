// services/sequence/waveform_test.go
package sequence

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"benchlab-go/types"
)

func fp(v float64) *float64 { return &v }

func parametricDef(shape types.WaveShape, min, max float64, points, interval int) types.SequenceDefinition {
	return types.SequenceDefinition{
		ID:   "seq-1",
		Name: "wave",
		Unit: types.UnitVolt,
		Waveform: types.Waveform{Parametric: &types.ParametricWave{
			Shape: shape, Min: min, Max: max, PointsPerCycle: points, IntervalMs: interval,
		}},
	}
}

func arbitraryDef(mods types.Modifiers, steps ...types.SequenceStep) types.SequenceDefinition {
	return types.SequenceDefinition{
		ID:        "seq-1",
		Name:      "arb",
		Unit:      types.UnitVolt,
		Waveform:  types.Waveform{Steps: steps},
		Modifiers: mods,
	}
}

func stepValues(steps []types.SequenceStep) []float64 {
	out := make([]float64, len(steps))
	for i, s := range steps {
		out[i] = s.Value
	}
	return out
}

func requireValues(t *testing.T, want []float64, got []types.SequenceStep) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i].Value, 1e-9, "point %d", i)
	}
}

func TestSineCycleEndsAtCenter(t *testing.T) {
	r := newResolver(parametricDef(types.ShapeSine, 0, 10, 4, 100), rand.New(rand.NewSource(1)))
	steps := r.cycleSteps(nil)
	requireValues(t, []float64{10, 5, 0, 5}, steps)

	// static waveforms resolve once and replay identically
	last := steps[len(steps)-1].Value
	requireValues(t, []float64{10, 5, 0, 5}, r.cycleSteps(&last))
}

func TestTriangleRisesThenFalls(t *testing.T) {
	r := newResolver(parametricDef(types.ShapeTriangle, 0, 10, 4, 100), rand.New(rand.NewSource(1)))
	requireValues(t, []float64{0, 5, 10, 5}, r.cycleSteps(nil))
}

func TestRampIncludesBothEndpoints(t *testing.T) {
	r := newResolver(parametricDef(types.ShapeRamp, 0, 8, 5, 100), rand.New(rand.NewSource(1)))
	requireValues(t, []float64{0, 2, 4, 6, 8}, r.cycleSteps(nil))
}

func TestSquareSplitsHighThenLow(t *testing.T) {
	r := newResolver(parametricDef(types.ShapeSquare, 0, 10, 5, 100), rand.New(rand.NewSource(1)))
	requireValues(t, []float64{10, 10, 0, 0, 0}, r.cycleSteps(nil))
}

func TestRandomWalkStaysBoundedAndContinues(t *testing.T) {
	def := types.SequenceDefinition{
		ID:   "walk",
		Name: "walk",
		Unit: types.UnitVolt,
		Waveform: types.Waveform{RandomWalk: &types.RandomWalkWave{
			StartValue: 5, Min: 0, Max: 10, MaxStepSize: 1, PointsPerCycle: 50, IntervalMs: 10,
		}},
	}
	r := newResolver(def, rand.New(rand.NewSource(42)))

	first := r.cycleSteps(nil)
	require.Len(t, first, 50)
	prev := 5.0
	for i, s := range first {
		require.GreaterOrEqual(t, s.Value, 0.0, "point %d", i)
		require.LessOrEqual(t, s.Value, 10.0, "point %d", i)
		require.LessOrEqual(t, math.Abs(s.Value-prev), 1.0+1e-9, "point %d", i)
		prev = s.Value
	}

	// the next cycle walks on from where the last one ended
	last := first[len(first)-1].Value
	second := r.cycleSteps(&last)
	require.LessOrEqual(t, math.Abs(second[0].Value-last), 1.0+1e-9)
	require.NotEqual(t, stepValues(first), stepValues(second))
}

func TestModifiersApplyScaleOffsetClampInOrder(t *testing.T) {
	def := arbitraryDef(types.Modifiers{Scale: fp(2), Offset: fp(1), MaxClamp: fp(6)},
		types.SequenceStep{Value: 1, DwellMs: 100},
		types.SequenceStep{Value: 2, DwellMs: 100},
		types.SequenceStep{Value: 3, DwellMs: 100},
	)
	r := newResolver(def, rand.New(rand.NewSource(1)))
	requireValues(t, []float64{3, 5, 6}, r.cycleSteps(nil))
}

func TestMinClampRaisesFloor(t *testing.T) {
	def := arbitraryDef(types.Modifiers{MinClamp: fp(-1)},
		types.SequenceStep{Value: -2, DwellMs: 100},
		types.SequenceStep{Value: 0, DwellMs: 100},
	)
	r := newResolver(def, rand.New(rand.NewSource(1)))
	requireValues(t, []float64{-1, 0}, r.cycleSteps(nil))
}

func TestSlewLimiterChainsWithinAndAcrossCycles(t *testing.T) {
	// 50 units/s over 100 ms spacing allows at most 5 units per step
	def := arbitraryDef(types.Modifiers{MaxSlewRate: fp(50)},
		types.SequenceStep{Value: 0, DwellMs: 100},
		types.SequenceStep{Value: 100, DwellMs: 100},
	)
	r := newResolver(def, rand.New(rand.NewSource(1)))

	first := r.cycleSteps(nil)
	requireValues(t, []float64{0, 5}, first)

	last := first[len(first)-1].Value
	requireValues(t, []float64{0, 5}, r.cycleSteps(&last))
}

func TestFirstValueOfFirstCycleIsNotSlewLimited(t *testing.T) {
	def := arbitraryDef(types.Modifiers{MaxSlewRate: fp(1)},
		types.SequenceStep{Value: 500, DwellMs: 100},
		types.SequenceStep{Value: 500, DwellMs: 100},
	)
	r := newResolver(def, rand.New(rand.NewSource(1)))
	requireValues(t, []float64{500, 500}, r.cycleSteps(nil))
}

func TestPreAndPostValuesGetModifiers(t *testing.T) {
	def := arbitraryDef(
		types.Modifiers{Scale: fp(2), MaxClamp: fp(15), PreValue: fp(10), PostValue: fp(3)},
		types.SequenceStep{Value: 1, DwellMs: 100},
	)
	r := newResolver(def, rand.New(rand.NewSource(1)))
	require.InDelta(t, 15.0, *r.pre(), 1e-9)
	require.InDelta(t, 6.0, *r.post(), 1e-9)

	bare := newResolver(parametricDef(types.ShapeSine, 0, 1, 4, 100), rand.New(rand.NewSource(1)))
	require.Nil(t, bare.pre())
	require.Nil(t, bare.post())
}

func TestGenerateDoesNotMutateDefinitionSteps(t *testing.T) {
	orig := []types.SequenceStep{{Value: 1, DwellMs: 100}, {Value: 2, DwellMs: 100}}
	def := arbitraryDef(types.Modifiers{Scale: fp(10)}, orig...)
	r := newResolver(def, rand.New(rand.NewSource(1)))
	requireValues(t, []float64{10, 20}, r.cycleSteps(nil))
	if diff := cmp.Diff([]types.SequenceStep{{Value: 1, DwellMs: 100}, {Value: 2, DwellMs: 100}}, orig); diff != "" {
		t.Fatalf("definition steps changed (-want +got):\n%s", diff)
	}
}
