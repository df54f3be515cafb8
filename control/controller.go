/*Package control implements the Correction Controller (C4):
turns a sensor-pixel drift into signed RA/DEC pulse durations and
dispatches them to the mount, axis by axis.
*/
package control

import (
	"context"
	"math"
	"time"

	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/settings"
	"github.com/jplguide/guideagent/util"
)

// minCosDec floors cos(declination) so guiding near the pole does not send
// the RA pulse duration to infinity.
const minCosDec = 0.017

// safeRadiusFactor is the multi-star escape-the-aperture clamp fraction.
const safeRadiusFactor = 0.9

// pollInterval and pollTimeout bound the dispatch-and-poll wait of step 5.
const (
	pollInterval = 50 * time.Millisecond
	pollTimeout  = 10 * time.Second
)

// Controller is the stateful C4 collaborator: one per guiding session, it
// remembers the drift stack and the last applied DEC correction's sign for
// backlash compensation.
type Controller struct {
	Stack *DriftStack

	// calibrationPier is the side of pier recorded at calibration time;
	// used to detect a meridian flip.
	calibrationPier mount.SideOfPier

	// prevDecSign holds the sign of the last applied non-zero DEC
	// correction; a zero correction never updates it.
	prevDecSign float64
}

// NewController returns a Controller for a session calibrated with the
// mount on calibrationPier.
func NewController(calibrationPier mount.SideOfPier) *Controller {
	return &Controller{Stack: NewDriftStack(), calibrationPier: calibrationPier}
}

// Correction is the result of one Correct call: the signed pulse durations
// to dispatch, plus the rotated drift values logged alongside them.
type Correction struct {
	DriftRa, DriftDec   float64
	PulseRaS, PulseDecS float64
	Flipped             bool
}

// Correct runs steps 1-4: rotate, PI-respond, clamp,
// DEC-mode mask, and backlash-compensate. It does not dispatch to the
// mount; call Dispatch with the result to do that.
//
// decDeg is the mount's current declination in degrees (for the RA speed's
// cos-declination term). currentPier is the mount's current side of pier,
// used to detect a flip since calibration. multiStar selects the
// escape-the-aperture clamp, active only for Selection/WeightedSelection
// detection modes, using selectionRadiusPx as the aperture radius.
func (c *Controller) Correct(cfg settings.Settings, dx, dy, decDeg float64, currentPier mount.SideOfPier, multiStar bool, selectionRadiusPx float64) Correction {
	angleDeg, flipped := c.effectiveAngle(cfg, currentPier)
	theta := -math.Pi * angleDeg / 180
	sinA, cosA := math.Sin(theta), math.Cos(theta)

	driftRa := dx*cosA + dy*sinA
	driftDec := dx*sinA - dy*cosA

	c.Stack.Admit(dx, dy, cfg.StackSize)
	avgX, avgY := c.Stack.Mean(cfg.StackSize)
	if cfg.StackSize <= 1 {
		avgX, avgY = 0, 0
	}
	avgRa := avgX*cosA + avgY*sinA
	avgDec := avgX*sinA - avgY*cosA

	maxSafe := selectionRadiusPx * safeRadiusFactor

	pulseRa := 0.0
	if math.Abs(driftRa) > cfg.MinErrPx {
		corr := piResponse(cfg.AggrRaPct/100, cfg.IGainRa, driftRa, avgRa)
		if multiStar && math.Abs(corr) > maxSafe {
			corr = math.Copysign(maxSafe, corr)
		}
		cosDec := math.Cos(decDeg * math.Pi / 180)
		if cosDec < minCosDec {
			cosDec = minCosDec
		}
		corr /= cfg.SpeedRaPxPerS * cosDec
		pulseRa = clampPulse(corr, cfg.MinPulseS, cfg.MaxPulseS)
	}

	pulseDec := 0.0
	if math.Abs(driftDec) > cfg.MinErrPx {
		corr := piResponse(cfg.AggrDecPct/100, cfg.IGainDec, driftDec, avgDec)
		if multiStar && math.Abs(corr) > maxSafe {
			corr = math.Copysign(maxSafe, corr)
		}
		corr /= effectiveDecSpeed(cfg, flipped)
		pulseDec = clampPulse(corr, cfg.MinPulseS, cfg.MaxPulseS)
	}

	pulseDec = maskDecMode(pulseDec, cfg.DecMode)

	if cfg.ApplyDecBacklash {
		pulseDec = c.applyBacklash(pulseDec, cfg.BacklashPx, cfg.SpeedDecPxPerS)
	}
	if pulseDec != 0 {
		c.prevDecSign = math.Copysign(1, pulseDec)
	}

	return Correction{
		DriftRa: driftRa, DriftDec: driftDec,
		PulseRaS: pulseRa, PulseDecS: pulseDec,
		Flipped: flipped,
	}
}

// effectiveAngle applies the meridian-flip 180-degree rotation. A
// PierUnknown reading on either side never triggers a flip: there is
// nothing to compare.
func (c *Controller) effectiveAngle(cfg settings.Settings, currentPier mount.SideOfPier) (angleDeg float64, flipped bool) {
	angle := cfg.AngleDeg
	if c.calibrationPier != mount.PierUnknown && currentPier != mount.PierUnknown && currentPier != c.calibrationPier {
		flipped = true
		angle += 180
		if angle > 180 {
			angle -= 360
		}
	}
	return angle, flipped
}

// effectiveDecSpeed negates the configured DEC speed once a flip has been
// detected and flip_reverses_dec is enabled.
func effectiveDecSpeed(cfg settings.Settings, flipped bool) float64 {
	if flipped && cfg.FlipReversesDec {
		return -cfg.SpeedDecPxPerS
	}
	return cfg.SpeedDecPxPerS
}

// piResponse is the proportional-integral law step 2.
func piResponse(aggressivity, iGain, drift, avgDrift float64) float64 {
	return aggressivity*drift + iGain*avgDrift
}

// clampPulse bounds corr into [-max, max] seconds and collapses anything
// below min to exactly zero.
func clampPulse(corr, min, max float64) float64 {
	bounded := math.Copysign(util.Clamp(math.Abs(corr), 0, max), corr)
	if math.Abs(bounded) < min {
		return 0
	}
	return bounded
}

// maskDecMode implements step 3.
func maskDecMode(pulseDec float64, mode settings.DecMode) float64 {
	switch mode {
	case settings.None:
		return 0
	case settings.NorthOnly:
		if pulseDec < 0 {
			return 0
		}
	case settings.SouthOnly:
		if pulseDec > 0 {
			return 0
		}
	}
	return pulseDec
}

// applyBacklash implements step 4: backlash is only added when
// the new correction's sign differs from the previous applied non-zero
// correction's sign. A zero pulseDec neither triggers nor records backlash.
func (c *Controller) applyBacklash(pulseDec, backlashPx, speedDecPxPerS float64) float64 {
	if pulseDec == 0 {
		return 0
	}
	newSign := math.Copysign(1, pulseDec)
	if c.prevDecSign == 0 || newSign == c.prevDecSign {
		return pulseDec
	}
	backlash := math.Abs(backlashPx / speedDecPxPerS)
	return pulseDec + math.Copysign(backlash, pulseDec)
}

// Dispatch implements step 5: issue both pulses concurrently,
// wait out the longer one, then poll guide-busy state on both axes until
// idle or pollTimeout elapses.
func (c *Controller) Dispatch(ctx context.Context, m mount.Mount, corr Correction) error {
	errCh := make(chan error, 2)
	go func() { errCh <- pulse(m, mount.RA, corr.PulseRaS) }()
	go func() { errCh <- pulse(m, mount.DEC, corr.PulseDecS) }()

	errs := make([]error, 2)
	for i := range errs {
		errs[i] = <-errCh
	}
	if err := util.MergeErrors(errs); err != nil {
		return err
	}

	wait := math.Max(math.Abs(corr.PulseRaS), math.Abs(corr.PulseDecS))
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(util.SecsToDuration(wait)):
	}

	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		raBusy, err := m.Busy(mount.RA)
		if err != nil {
			return err
		}
		decBusy, err := m.Busy(mount.DEC)
		if err != nil {
			return err
		}
		if !raBusy && !decBusy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// pulse issues a single axis's pulse, translating a zero-duration
// correction into a no-op (the mount is never asked to pulse for 0ms).
func pulse(m mount.Mount, axis mount.Axis, seconds float64) error {
	if seconds == 0 {
		return nil
	}
	dir := directionFor(axis, seconds)
	ms := int(math.Round(math.Abs(seconds) * 1000))
	if ms <= 0 {
		return nil
	}
	return m.Pulse(dir, ms)
}

// directionFor picks the cardinal direction matching axis and the sign
// convention (positive RA drift pulses West, positive DEC
// drift pulses North), mirroring mount.Direction.Sign.
func directionFor(axis mount.Axis, seconds float64) mount.Direction {
	positive := seconds > 0
	if axis == mount.RA {
		if positive {
			return mount.West
		}
		return mount.East
	}
	if positive {
		return mount.North
	}
	return mount.South
}
