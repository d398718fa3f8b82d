package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"benchlab-go/errcode"
)

func validSine() Waveform {
	return Waveform{Parametric: &ParametricWave{
		Shape: ShapeSine, Min: 0, Max: 10, PointsPerCycle: 100, IntervalMs: 100,
	}}
}

func TestWaveformExactlyOneVariant(t *testing.T) {
	require.NoError(t, validSine().Validate())

	var empty Waveform
	err := empty.Validate()
	require.Error(t, err)
	require.Equal(t, errcode.BadWaveform, errcode.Of(err))

	both := validSine()
	both.Steps = []SequenceStep{{Value: 1, DwellMs: 100}}
	err = both.Validate()
	require.Error(t, err)
	require.Equal(t, errcode.BadWaveform, errcode.Of(err))
}

func TestWaveformCycleLimits(t *testing.T) {
	w := validSine()
	w.Parametric.PointsPerCycle = MinPointsPerCycle
	w.Parametric.IntervalMs = MinStepIntervalMs
	require.NoError(t, w.Validate(), "lower limits must pass")

	w.Parametric.PointsPerCycle = MaxPointsPerCycle
	w.Parametric.IntervalMs = MaxStepIntervalMs
	require.NoError(t, w.Validate(), "upper limits must pass")

	w.Parametric.PointsPerCycle = 1
	require.Error(t, w.Validate(), "pointsPerCycle=1 must fail")

	w.Parametric.PointsPerCycle = 2
	w.Parametric.IntervalMs = 9
	require.Error(t, w.Validate(), "intervalMs=9 must fail")
}

func TestWaveformRejectsBadRanges(t *testing.T) {
	w := validSine()
	w.Parametric.Min, w.Parametric.Max = 5, 5
	require.Error(t, w.Validate(), "min == max must fail")

	w = validSine()
	w.Parametric.Max = math.Inf(1)
	require.Error(t, w.Validate(), "infinite bound must fail")

	rw := Waveform{RandomWalk: &RandomWalkWave{
		StartValue: 12, Min: 0, Max: 10, MaxStepSize: 0.5, PointsPerCycle: 10, IntervalMs: 50,
	}}
	require.Error(t, rw.Validate(), "startValue outside [min,max] must fail")
	rw.RandomWalk.StartValue = 5
	require.NoError(t, rw.Validate())
	rw.RandomWalk.MaxStepSize = 0
	require.Error(t, rw.Validate(), "maxStepSize=0 must fail")
}

func TestWaveformArbitraryStepLimits(t *testing.T) {
	steps := make([]SequenceStep, MaxArbitrarySteps)
	for i := range steps {
		steps[i] = SequenceStep{Value: float64(i), DwellMs: 10}
	}
	w := Waveform{Steps: steps}
	require.NoError(t, w.Validate())

	w.Steps = append(w.Steps, SequenceStep{Value: 0, DwellMs: 10})
	require.Error(t, w.Validate(), "steps above the cap must fail")

	w.Steps = []SequenceStep{{Value: math.NaN(), DwellMs: 10}}
	require.Error(t, w.Validate(), "NaN step value must fail")
}

func TestModifiersValidate(t *testing.T) {
	lo, hi := 2.0, 1.0
	m := Modifiers{MinClamp: &lo, MaxClamp: &hi}
	require.Error(t, m.Validate(), "minClamp > maxClamp must fail")

	rate := -1.0
	m = Modifiers{MaxSlewRate: &rate}
	require.Error(t, m.Validate(), "negative slew rate must fail")

	scale := 2.0
	off := -0.5
	m = Modifiers{Scale: &scale, Offset: &off}
	require.NoError(t, m.Validate())
}

func TestSequenceDefinitionValidate(t *testing.T) {
	def := SequenceDefinition{ID: "seq-1", Name: "ripple", Unit: UnitAmp, Waveform: validSine()}
	require.NoError(t, def.Validate())

	def.Unit = "F"
	err := def.Validate()
	require.Error(t, err)
	require.Equal(t, errcode.BadRequest, errcode.Of(err))

	def.Unit = UnitAmp
	def.Name = ""
	require.Error(t, def.Validate())

	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	def.Name = string(long)
	require.Error(t, def.Validate())
}

func TestRunConfigValidateAndCycles(t *testing.T) {
	cfg := SequenceRunConfig{SequenceID: "s", DeviceID: "d", Parameter: "current", Repeat: RepeatOnce}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1, *cfg.TotalCycles())

	cfg.Repeat = RepeatCount
	cfg.RepeatCount = 3
	require.NoError(t, cfg.Validate())
	require.Equal(t, 3, *cfg.TotalCycles())

	cfg.RepeatCount = 0
	require.Error(t, cfg.Validate())

	cfg.Repeat = RepeatContinuous
	require.NoError(t, cfg.Validate())
	require.Nil(t, cfg.TotalCycles())

	cfg.Parameter = ""
	require.Error(t, cfg.Validate())
}
