package control

import (
	"github.com/brandondube/ringo"
	"gonum.org/v1/gonum/stat"
)

// stackCapacity is the drift stack's fixed backing size.
const stackCapacity = 20

// DriftStack is the rolling window of recent (dx, dy) samples used for the
// integral term of the correction controller.  It wraps a pair of
// ringo.CircleF64 buffers rather than trusting Contiguous() directly: that
// method returns []float64{0} when nothing has been appended yet, which
// would otherwise read as one real zero-valued sample.
type DriftStack struct {
	x, y  ringo.CircleF64
	count int
}

// NewDriftStack returns a DriftStack ready to accumulate samples.
func NewDriftStack() *DriftStack {
	s := &DriftStack{}
	s.x.Init(stackCapacity)
	s.y.Init(stackCapacity)
	return s
}

// Reset empties the stack, e.g. when a new reference is built.
func (s *DriftStack) Reset() {
	s.x.Init(stackCapacity)
	s.y.Init(stackCapacity)
	s.count = 0
}

// window returns the most recent n samples (oldest first), or fewer if the
// stack does not yet hold n.
func (s *DriftStack) window(n int) (x, y []float64) {
	if n > s.count {
		n = s.count
	}
	if n <= 0 {
		return nil, nil
	}
	cx := s.x.Contiguous()
	cy := s.y.Contiguous()
	return cx[len(cx)-n:], cy[len(cy)-n:]
}

// Admit offers (dx, dy) to the stack.  windowSize is the settings.StackSize
// the correction controller is configured with: it both bounds how many
// recent samples feed the mean and widens the admission window until that
// many samples have accumulated.  A sample failing the 5·stddev jump test
// is not pushed onto the stack at all: it still drives the proportional
// term, but would corrupt the integrator.
func (s *DriftStack) Admit(dx, dy float64, windowSize int) (admittedX, admittedY bool) {
	wx, wy := s.window(windowSize)

	notYetFull := windowSize > s.count || windowSize <= 1
	admittedX = notYetFull || !isJump(dx, wx)
	admittedY = notYetFull || !isJump(dy, wy)

	if admittedX {
		s.x.Append(dx)
	}
	if admittedY {
		s.y.Append(dy)
	}
	if admittedX || admittedY {
		if s.count < stackCapacity {
			s.count++
		}
	}
	return admittedX, admittedY
}

// isJump reports whether |sample| is 5 or more times the standard deviation
// of window (the sample is measured from zero, not from the window's mean).
// A window of fewer than two points has no meaningful stddev, so nothing is
// ever rejected against it; a window with zero stddev rejects any sample
// that differs from its values.
func isJump(sample float64, window []float64) bool {
	if len(window) < 2 {
		return false
	}
	_, sd := stat.MeanStdDev(window, nil)
	if sd == 0 {
		return sample != window[0]
	}
	return sample >= 5*sd || sample <= -5*sd
}

// Mean returns the integral term's raw input: the sum of the most recent
// windowSize admitted samples divided by windowSize itself, not by however
// many samples have actually accumulated. Dividing by the configured size
// regardless of fill lets the I-term ramp in smoothly at session start
// instead of jumping once the window first fills.
func (s *DriftStack) Mean(windowSize int) (mx, my float64) {
	wx, wy := s.window(windowSize)
	if len(wx) == 0 || windowSize <= 0 {
		return 0, 0
	}
	return floatSum(wx) / float64(windowSize), floatSum(wy) / float64(windowSize)
}

func floatSum(v []float64) float64 {
	var sum float64
	for _, f := range v {
		sum += f
	}
	return sum
}

// Count reports how many samples have been admitted so far (capped at
// stackCapacity).
func (s *DriftStack) Count() int {
	return s.count
}
