package guide

import "math"

// RMSEAccumulator is a running per-axis root-mean-square-error sum, the
// guiding loop's steady-state error statistic. It is
// cumulative for the life of a guiding session: the running-RMSE invariant
// requires it be zero only while dithering, monotonically non-decreasing
// otherwise, so this deliberately sums rather than windows.
type RMSEAccumulator struct {
	sumSqRa, sumSqDec float64
	count             int
}

// Add folds one frame's rotated drift into the accumulator.
func (r *RMSEAccumulator) Add(driftRa, driftDec float64) {
	r.sumSqRa += driftRa * driftRa
	r.sumSqDec += driftDec * driftDec
	r.count++
}

// Reset zeroes the accumulator, per I5's "zero whenever a dither is active".
func (r *RMSEAccumulator) Reset() {
	*r = RMSEAccumulator{}
}

// RMSERa, RMSEDec report the current root-mean-square error per axis.
func (r *RMSEAccumulator) RMSERa() float64 {
	if r.count == 0 {
		return 0
	}
	return math.Sqrt(r.sumSqRa / float64(r.count))
}

func (r *RMSEAccumulator) RMSEDec() float64 {
	if r.count == 0 {
		return 0
	}
	return math.Sqrt(r.sumSqDec / float64(r.count))
}

// Count reports how many samples have been folded in since the last Reset.
func (r *RMSEAccumulator) Count() int {
	return r.count
}

// Combined returns the RSS of both axes' RMSE, reported as the dither RMSE
// in guiding events; the dither convergence check compares each axis
// separately.
func (r *RMSEAccumulator) Combined() float64 {
	return math.Hypot(r.RMSERa(), r.RMSEDec())
}
