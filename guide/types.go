/*Package guide implements the Guiding Loop (C5): the
steady-state capture -> detect -> correct -> dwell cycle, recovery
policies, auto-subframing, dithering and RMSE accounting.
*/
package guide

import (
	"context"
	"errors"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
)

// ErrAborted is returned when the caller's context is cancelled mid-loop.
var ErrAborted = errors.New("guide: aborted")

// ErrFailed is returned when recovery policy FailOnError gives up after a
// capture or detection failure.
var ErrFailed = errors.New("guide: capture failed, recovery policy gave up")

// ErrCannotGuide is returned by the session supervisor's guiding run when
// the session was never successfully calibrated; Loop.Run does not
// return it.
var ErrCannotGuide = errors.New("guide: session has no usable calibration")

// ErrDitherTimeout is reported (as a warning, not a loop-terminating
// error) when a dither fails to settle within dither_settle_s*5 ticks.
var ErrDitherTimeout = errors.New("guide: dither did not settle before timeout")

// FrameSource is the minimal capture collaborator the loop needs; a
// frame.Acquirer satisfies it. Kept local so guide does not need to
// import frame directly, mirroring calibration.FrameSource.
type FrameSource interface {
	Capture(ctx context.Context) (*camera.Image, error)
}

// Subframer lets the loop program/restore a camera ROI for auto-subframing.
// A frame.Acquirer satisfies this optionally; Run treats a nil Subframer
// as "auto-subframing unavailable" and skips it.
type Subframer interface {
	ProgramSubframe(ctx context.Context, region detector.Region) error
	RestoreSubframe(ctx context.Context) error
}

// Event is reported to the caller's Observer on every notable loop
// transition, letting the Session Supervisor drive its CSV log and
// status properties without the loop importing session.
type Event struct {
	Phase        string
	Frame        int
	RefX         float64
	RefY         float64
	DriftX       float64
	DriftY       float64
	DriftRa      float64
	DriftDec     float64
	CorrRaS      float64
	CorrDecS     float64
	RMSERa       float64
	RMSEDec      float64
	RMSEDither   float64
	SNR          float64
	Dithering    bool
	DelayRemainS float64
}

// Observer receives Events and warnings; either may be nil.
type Observer struct {
	OnEvent   func(Event)
	OnWarning func(error)
}

func (o *Observer) event(e Event) {
	if o != nil && o.OnEvent != nil {
		o.OnEvent(e)
	}
}

func (o *Observer) warn(err error) {
	if o != nil && o.OnWarning != nil {
		o.OnWarning(err)
	}
}
