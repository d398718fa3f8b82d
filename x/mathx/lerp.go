package mathx

// Lerp returns linear interpolation between a and b, with t in [0..1].
// t outside [0..1] extrapolates.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
