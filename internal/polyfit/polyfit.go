/*Package polyfit provides a small least-squares polynomial fit, ported
from the algorithm of original_source/indigo_libs/indigo/indigo_polynomial_fit.h
(normal-equations solve), reduced to the degree-1 case the calibration
engine needs: fitting a line through (step, drift) samples collected
while driving a mount axis with pulses of known magnitude.
*/
package polyfit

import "errors"

// ErrTooFewPoints is returned when fewer than two points are supplied.
var ErrTooFewPoints = errors.New("polyfit: need at least 2 points")

// Line is the result of a degree-1 fit: y = Slope*x + Intercept.
type Line struct {
	Slope     float64
	Intercept float64
}

// At evaluates the fitted line at x.
func (l Line) At(x float64) float64 {
	return l.Slope*x + l.Intercept
}

// FitLine computes the least-squares line through the given points via the
// normal equations for a degree-1 polynomial, the same approach as
// indigo_polynomial_fit for coefficient_count=2.
func FitLine(x, y []float64) (Line, error) {
	n := len(x)
	if n != len(y) || n < 2 {
		return Line{}, ErrTooFewPoints
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		// all x identical; degenerate to a flat line through the mean.
		return Line{Slope: 0, Intercept: sumY / fn}, nil
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn
	return Line{Slope: slope, Intercept: intercept}, nil
}
