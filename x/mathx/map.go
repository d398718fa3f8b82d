package mathx

// MapRange maps x in [inMin,inMax] to [outMin,outMax].
// Clamps to the out range if the input is outside. inMax==inMin yields outMin.
func MapRange(x, inMin, inMax, outMin, outMax float64) float64 {
	if inMax == inMin {
		return outMin
	}
	t := (x - inMin) / (inMax - inMin)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return Lerp(outMin, outMax, t)
}
