package ferro

import "math"

// Linspace returns n evenly spaced values from start to stop inclusive.
func Linspace(start, stop float64, n int) []float64 {
	if n < 2 {
		return []float64{start}
	}
	out := make([]float64, n)
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}

// ZeroField returns a zero applied field for every step.
func ZeroField(n int) [][2]float64 {
	return make([][2]float64, n)
}

// SineField returns amp*sin(2*pi*freq*t) applied along y.
func SineField(timeVec []float64, amp, freq float64) [][2]float64 {
	out := make([][2]float64, len(timeVec))
	for i, t := range timeVec {
		out[i][1] = amp * math.Sin(2*math.Pi*freq*t)
	}
	return out
}

// StepField switches on a constant y field at time t0.
func StepField(timeVec []float64, amp, t0 float64) [][2]float64 {
	out := make([][2]float64, len(timeVec))
	for i, t := range timeVec {
		if t >= t0 {
			out[i][1] = amp
		}
	}
	return out
}
