/*Package frame implements the Frame Acquirer (C1): one
capture_frame call per invocation, wrapping the Camera collaborator's
exposure lifecycle with a bounded busy-wait/retry and Bayer equalisation.
*/
package frame

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
)

// ErrAborted is returned when ctx is cancelled mid-capture.
var ErrAborted = errors.New("frame: aborted")

// ErrCameraUnresponsive is returned once the camera fails to enter a busy
// state within busyWaitTimeout across busyMaxAttempts exposure attempts.
var ErrCameraUnresponsive = errors.New("frame: camera unresponsive")

const (
	busyWaitTimeout  = 5 * time.Second
	busyPollInterval = time.Millisecond
	busyMaxAttempts  = 3

	exposurePollInterval = 200 * time.Millisecond
	abortPollInterval    = 200 * time.Millisecond
)

// Acquirer is the C1 implementation: a camera.Camera plus the exposure
// duration and subframe state the guiding loop and calibration engine
// drive it with. It satisfies calibration.FrameSource, guide.FrameSource
// and guide.Subframer structurally.
type Acquirer struct {
	Camera    camera.Camera
	ExposureS float64

	subframed  bool
	fullWidth  int
	fullHeight int
}

// NewAcquirer returns an Acquirer over cam, remembering the sensor's full
// dimensions so RestoreSubframe can put it back.
func NewAcquirer(cam camera.Camera, exposureS float64, fullWidth, fullHeight int) *Acquirer {
	return &Acquirer{Camera: cam, ExposureS: exposureS, fullWidth: fullWidth, fullHeight: fullHeight}
}

// Capture implements capture_frame: program client-only
// upload and raw format, start the exposure, wait for it, download and
// decode the blob, and equalise it if Bayer-mosaiced.
func (a *Acquirer) Capture(ctx context.Context) (*camera.Image, error) {
	if err := a.Camera.SetUploadMode(true); err != nil {
		return nil, err
	}
	if err := a.Camera.SetImageFormat(true); err != nil {
		return nil, err
	}

	attempt := func() error {
		if err := a.Camera.StartExposure(a.ExposureS); err != nil {
			return err
		}
		return a.waitForBusy(ctx)
	}

	back := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), busyMaxAttempts-1)
	if err := backoff.Retry(attempt, back); err != nil {
		if err == ErrAborted {
			return nil, ErrAborted
		}
		return nil, ErrCameraUnresponsive
	}

	if err := a.waitForExposureDone(ctx); err != nil {
		return nil, err
	}

	blob, bayered, err := a.Camera.ImageAvailable()
	if err != nil {
		return nil, err
	}
	img, err := camera.DecodeBlob(blob, bayered)
	if err != nil {
		return nil, err
	}
	if img.Bayered {
		camera.EqualiseBayer(&img)
	}
	return &img, nil
}

// waitForBusy polls Busy every busyPollInterval until it reports true or
// busyWaitTimeout elapses, cooperatively honoring ctx cancellation.
func (a *Acquirer) waitForBusy(ctx context.Context) error {
	deadline := time.Now().Add(busyWaitTimeout)
	for {
		busy, err := a.Camera.Busy()
		if err != nil {
			return err
		}
		if busy {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrCameraUnresponsive
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-time.After(busyPollInterval):
		}
	}
}

// waitForExposureDone polls Busy every exposurePollInterval until it
// reports false, honoring ctx cancellation at least every 200ms.
func (a *Acquirer) waitForExposureDone(ctx context.Context) error {
	for {
		busy, err := a.Camera.Busy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			if aerr := a.Camera.AbortExposure(); aerr != nil {
				return aerr
			}
			return ErrAborted
		case <-time.After(exposurePollInterval):
		}
	}
}

// ProgramSubframe implements guide.Subframer: programs a ROI readout,
// remembering that a restore will be needed later.
func (a *Acquirer) ProgramSubframe(ctx context.Context, region detector.Region) error {
	if err := a.Camera.SetSubframe(region.Left, region.Top, region.Width, region.Height); err != nil {
		return err
	}
	a.subframed = true
	return nil
}

// RestoreSubframe implements guide.Subframer: puts the full-frame readout
// back, a no-op if no subframe is active.
func (a *Acquirer) RestoreSubframe(ctx context.Context) error {
	if !a.subframed {
		return nil
	}
	if err := a.Camera.SetSubframe(0, 0, a.fullWidth, a.fullHeight); err != nil {
		return err
	}
	a.subframed = false
	return nil
}
