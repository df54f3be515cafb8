/*Package calibration implements the Calibration Engine (C3):
a state machine that pulses each mount axis in turn and measures the
resulting pixel drift to derive the angle, per-axis speed, and backlash
needed by the Correction Controller.
*/
package calibration

import (
	"context"
	"errors"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/mount"
)

// ErrAborted is returned when the caller's context is cancelled mid-run.
var ErrAborted = errors.New("calibration: aborted")

// ErrNoGuidingStar mirrors detector.ErrNoGuidingStar for a calibration
// frame that lost its star. It is returned as soon as one frame yields no
// usable star; calibration does not consult the recovery policy.
var ErrNoGuidingStar = errors.New("calibration: no guiding star")

// ErrDecSpeedZero is raised when the measured DEC speed rounds to zero,
// which would make every later DEC correction divide by zero.
var ErrDecSpeedZero = errors.New("calibration: DEC speed measured as zero")

// ErrRaSpeedTooSlow is raised when the measured RA speed is too small to
// be trusted.
var ErrRaSpeedTooSlow = errors.New("calibration: RA speed too slow to calibrate")

// ErrStepAtBound is raised when adaptive step sizing would push the
// calibration step outside its configured bounds.
var ErrStepAtBound = errors.New("calibration: step size hit its bound")

// ErrTooCloseToPole is raised when the mount's declination exceeds the
// guiding pole limit.
var ErrTooCloseToPole = errors.New("calibration: declination too close to the pole to guide")

// FrameSource is the minimal capture collaborator the engine needs; a
// frame.Acquirer satisfies it. Kept as a local interface so calibration
// does not need to import frame directly.
type FrameSource interface {
	Capture(ctx context.Context) (*camera.Image, error)
}

// Result is everything the Correction Controller needs out of a
// successful calibration run.
type Result struct {
	AngleDeg       float64
	SideOfPier     mount.SideOfPier
	BacklashPx     float64
	SpeedRaPxPerS  float64
	SpeedDecPxPerS float64
}
