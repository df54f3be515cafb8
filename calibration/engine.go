package calibration

import (
	"context"
	"math"
	"time"

	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/internal/polyfit"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/phase"
	"github.com/jplguide/guideagent/settings"
)

const (
	pollInterval = 50 * time.Millisecond
	pollTimeout  = 10 * time.Second

	// minDecSpeed is the smallest DEC speed (px/s) treated as non-zero.
	minDecSpeed = 0.0005
	// minRaSpeed is the RA speed floor ("too slow").
	minRaSpeed = 0.1
	// poleLimitDeg is the declination beyond which guiding is refused.
	poleLimitDeg = 89
	// minCosDec mirrors control.minCosDec for the final speed_ra normalisation.
	minCosDec = 0.017

	twoPi = 2 * math.Pi
)

// Engine drives the Calibration Engine (C3) state machine.
type Engine struct {
	Frames   FrameSource
	Mount    mount.Mount
	Detector detector.Detector
	Settings settings.Settings

	// DetMode/DetOpt configure the drift digest calibration measures
	// against; calibration always rebuilds its own per-phase reference,
	// independent of whatever reference the guiding loop later uses.
	DetMode detector.Mode
	DetOpt  detector.ReferenceOptions
}

// Run executes the full calibration state machine, reporting each phase
// transition through report (nil is fine if the caller does not care).
// It returns the earliest error encountered; cancelling ctx always wins.
func (e *Engine) Run(ctx context.Context, report func(phase.Phase)) (Result, error) {
	if report == nil {
		report = func(phase.Phase) {}
	}

	calibrationPier, err := e.Mount.SideOfPier()
	if err != nil {
		return Result{}, err
	}

	step := e.Settings.CalibrationStepS

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, ErrAborted
		}
		report(phase.Initializing)

		var decAngle, raAngle float64
		var speedDec, backlash float64
		var lastCountNorth int
		var decMeasured bool

		report(phase.ClearingDec)
		if e.Settings.DecMode != settings.None && e.Settings.BacklashClearMaxSteps > 0 {
			_, _, _, cleared, _, err := e.runPhase(ctx, mount.North, step,
				e.Settings.BacklashClearMaxSteps, e.Settings.BacklashClearMinDriftPx)
			if err != nil {
				return Result{}, err
			}
			if !cleared {
				if s, ok := growStep(step, e.Settings); ok {
					step = s
					continue
				}
				return Result{}, ErrStepAtBound
			}
		}

		report(phase.ClearingRa)
		if e.Settings.BacklashClearMaxSteps > 0 {
			_, _, _, cleared, _, err := e.runPhase(ctx, mount.West, step,
				e.Settings.BacklashClearMaxSteps*20, e.Settings.BacklashClearMinDriftPx)
			if err != nil {
				return Result{}, err
			}
			if !cleared {
				if s, ok := growStep(step, e.Settings); ok {
					step = s
					continue
				}
				return Result{}, ErrStepAtBound
			}
		}

		var lastDriftNorth float64
		if e.Settings.DecMode != settings.None {
			report(phase.MovingNorth)
			dx, dy, count, sampleT, sampleD, reached, tooFast, err := e.runCalibrationPhase(ctx, mount.North, step,
				e.Settings.CalibrationMaxSteps, e.Settings.CalibrationMinDriftPx)
			if err != nil {
				return Result{}, err
			}
			if tooFast {
				if s, ok := shrinkStep(step, e.Settings); ok {
					step = s
					continue
				}
				return Result{}, ErrStepAtBound
			}
			if !reached {
				if s, ok := growStep(step, e.Settings); ok {
					step = s
					continue
				}
				return Result{}, ErrStepAtBound
			}
			lastDriftNorth = math.Hypot(dx, dy)
			decAngle = math.Atan2(-dy, dx)
			speedDec = fitSpeed(sampleT, sampleD, lastDriftNorth, float64(count)*step)
			lastCountNorth = count
			if math.Abs(speedDec) < minDecSpeed {
				return Result{}, ErrDecSpeedZero
			}
			decMeasured = true

			report(phase.MovingSouth)
			driftSouth, err := e.runReturnPhase(ctx, mount.South, step, lastCountNorth)
			if err != nil {
				return Result{}, err
			}
			if driftSouth < lastDriftNorth+lastDriftNorth/float64(lastCountNorth) {
				backlash = round3(lastDriftNorth - driftSouth)
				if backlash < 0 {
					backlash = 0
				}
			}
		}

		report(phase.MovingWest)
		dxW, dyW, countW, sampleTW, sampleDW, reachedW, err := e.runWestPhase(ctx, step, e.Settings.CalibrationMaxSteps*5,
			e.Settings.CalibrationMinDriftPx)
		if err != nil {
			return Result{}, err
		}
		_ = reachedW
		driftWest := math.Hypot(dxW, dyW)
		raAngle = math.Atan2(-dyW, dxW)

		var angleDeg float64
		if decMeasured {
			difP := math.Pi - math.Abs(math.Abs(raAngle-decAngle+twoPi)-math.Pi)
			difM := math.Pi - math.Abs(math.Abs(raAngle-decAngle-twoPi)-math.Pi)
			if difP < difM {
				decAngle -= twoPi
			} else {
				decAngle += twoPi
				speedDec = -speedDec
			}
			angleDeg = round3(180 * math.Atan2((math.Sin(decAngle)+math.Sin(raAngle))/2, (math.Cos(decAngle)+math.Cos(raAngle))/2) / math.Pi)
		} else {
			angleDeg = round3(180 * math.Atan2(math.Sin(raAngle), math.Cos(raAngle)) / math.Pi)
		}
		speedRaWest := fitSpeed(sampleTW, sampleDW, driftWest, float64(countW)*step)
		if math.Abs(speedRaWest) < minRaSpeed {
			return Result{}, ErrRaSpeedTooSlow
		}

		report(phase.MovingEast)
		driftEast, err := e.runReturnPhase(ctx, mount.East, step, countW)
		if err != nil {
			return Result{}, err
		}
		speedEast := round3(1000*driftEast/(float64(countW)*step)) / 1000
		speedRa := (speedEast + speedRaWest) / 2

		report(phase.Done)

		dec, err := e.Mount.Dec()
		if err != nil {
			return Result{}, err
		}
		if math.Abs(dec) > poleLimitDeg {
			return Result{}, ErrTooCloseToPole
		}
		cosDec := math.Cos(dec * math.Pi / 180)
		if cosDec < minCosDec {
			cosDec = minCosDec
		}
		speedRa /= cosDec

		return Result{
			AngleDeg:       angleDeg,
			SideOfPier:     calibrationPier,
			BacklashPx:     backlash,
			SpeedRaPxPerS:  speedRa,
			SpeedDecPxPerS: speedDec,
		}, nil
	}
}

// round3 matches the source's round(1000*x)/1000 three-decimal rounding.
func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

// growStep doubles the calibration step when a budget was exhausted
// without reaching the drift threshold; it reports false once the bound is hit.
func growStep(step float64, cfg settings.Settings) (float64, bool) {
	next := step * 2
	if next > cfg.CalibrationStepS*64 {
		return 0, false
	}
	return next, true
}

// shrinkStep halves the step when drift was measured too fast to be
// accurate (fewer than max/5 steps to threshold).
func shrinkStep(step float64, cfg settings.Settings) (float64, bool) {
	next := step * 0.5
	if next < cfg.CalibrationStepS/64 {
		return 0, false
	}
	return next, true
}

// runPhase pulses dir repeatedly against a fresh reference until drift
// exceeds threshold or maxSteps is exhausted (used for the clearing
// phases too). reachedThreshold is false if the budget ran out first.
func (e *Engine) runPhase(ctx context.Context, dir mount.Direction, stepS float64, maxSteps int, threshold float64) (dx, dy float64, steps int, reachedThreshold bool, restart bool, err error) {
	ref, err := e.buildReference(ctx)
	if err != nil {
		return 0, 0, 0, false, false, err
	}
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, false, false, ErrAborted
		}
		if err := e.pulseAndWait(ctx, dir, stepS); err != nil {
			return 0, 0, 0, false, false, err
		}
		img, err := e.Frames.Capture(ctx)
		if err != nil {
			return 0, 0, 0, false, false, err
		}
		x, y, _, err := e.Detector.MeasureDrift(img, ref, 0, 0)
		if err != nil {
			return 0, 0, 0, false, false, ErrNoGuidingStar
		}
		dx, dy = x, y
		steps = i + 1
		if math.Hypot(dx, dy) > threshold {
			return dx, dy, steps, true, false, nil
		}
	}
	return dx, dy, steps, false, true, nil
}

// runCalibrationPhase is runPhase plus the calibration-state-specific
// "too fast" detection: fewer than
// max/5 steps to threshold means drift was too fast to measure cleanly.
func (e *Engine) runCalibrationPhase(ctx context.Context, dir mount.Direction, stepS float64, maxSteps int, threshold float64) (dx, dy float64, steps int, sampleT, sampleD []float64, reached bool, tooFast bool, err error) {
	ref, err := e.buildReference(ctx)
	if err != nil {
		return 0, 0, 0, nil, nil, false, false, err
	}
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, nil, nil, false, false, ErrAborted
		}
		if err := e.pulseAndWait(ctx, dir, stepS); err != nil {
			return 0, 0, 0, nil, nil, false, false, err
		}
		img, err := e.Frames.Capture(ctx)
		if err != nil {
			return 0, 0, 0, nil, nil, false, false, err
		}
		x, y, _, err := e.Detector.MeasureDrift(img, ref, 0, 0)
		if err != nil {
			return 0, 0, 0, nil, nil, false, false, ErrNoGuidingStar
		}
		dx, dy = x, y
		mag := math.Hypot(dx, dy)
		sampleT = append(sampleT, float64(i+1)*stepS)
		sampleD = append(sampleD, mag)
		if mag > threshold {
			if i+1 < maxSteps/5 {
				return 0, 0, 0, nil, nil, false, true, nil
			}
			return dx, dy, i + 1, sampleT, sampleD, true, false, nil
		}
	}
	return dx, dy, maxSteps, sampleT, sampleD, false, false, nil
}

// runWestPhase is runCalibrationPhase's MovingWest variant: it accepts
// running out the full budget as success.
func (e *Engine) runWestPhase(ctx context.Context, stepS float64, maxSteps int, threshold float64) (dx, dy float64, steps int, sampleT, sampleD []float64, reached bool, err error) {
	ref, err := e.buildReference(ctx)
	if err != nil {
		return 0, 0, 0, nil, nil, false, err
	}
	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, nil, nil, false, ErrAborted
		}
		if err := e.pulseAndWait(ctx, mount.West, stepS); err != nil {
			return 0, 0, 0, nil, nil, false, err
		}
		img, err := e.Frames.Capture(ctx)
		if err != nil {
			return 0, 0, 0, nil, nil, false, err
		}
		x, y, _, err := e.Detector.MeasureDrift(img, ref, 0, 0)
		if err != nil {
			return 0, 0, 0, nil, nil, false, ErrNoGuidingStar
		}
		dx, dy = x, y
		mag := math.Hypot(dx, dy)
		sampleT = append(sampleT, float64(i+1)*stepS)
		sampleD = append(sampleD, mag)
		if mag > threshold || i+1 >= maxSteps {
			return dx, dy, i + 1, sampleT, sampleD, true, nil
		}
	}
	return dx, dy, maxSteps, sampleT, sampleD, false, nil
}

// fitSpeed estimates the px/s speed from the (elapsed-seconds, drift-px)
// samples collected during a calibration phase via a least-squares line
// fit, falling back to the endpoint-ratio estimate used when there are
// too few samples to fit (e.g. the threshold was cleared on step 1).
func fitSpeed(sampleT, sampleD []float64, fallbackDrift, fallbackSeconds float64) float64 {
	if line, err := polyfit.FitLine(sampleT, sampleD); err == nil {
		return round3(1000*line.Slope) / 1000
	}
	return round3(1000*fallbackDrift/fallbackSeconds) / 1000
}

// runReturnPhase retraces count steps on the opposite direction (MovingSouth
// / MovingEast), returning the final drift magnitude from a fresh reference.
func (e *Engine) runReturnPhase(ctx context.Context, dir mount.Direction, stepS float64, count int) (float64, error) {
	ref, err := e.buildReference(ctx)
	if err != nil {
		return 0, err
	}
	var dx, dy float64
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return 0, ErrAborted
		}
		if err := e.pulseAndWait(ctx, dir, stepS); err != nil {
			return 0, err
		}
		img, err := e.Frames.Capture(ctx)
		if err != nil {
			return 0, err
		}
		x, y, _, err := e.Detector.MeasureDrift(img, ref, 0, 0)
		if err != nil {
			return 0, ErrNoGuidingStar
		}
		dx, dy = x, y
	}
	return math.Hypot(dx, dy), nil
}

// buildReference captures one frame and builds a fresh drift reference
// over it, marking the start of a calibration phase.
func (e *Engine) buildReference(ctx context.Context) (*detector.Reference, error) {
	img, err := e.Frames.Capture(ctx)
	if err != nil {
		return nil, err
	}
	ref, err := e.Detector.BuildReference(img, e.DetMode, e.DetOpt)
	if err != nil {
		return nil, ErrNoGuidingStar
	}
	return ref, nil
}

// pulseAndWait issues one axis's calibration step pulse and polls the
// mount's busy state until idle, mirroring control.Controller.Dispatch's
// dispatch-and-poll idiom for a single axis.
func (e *Engine) pulseAndWait(ctx context.Context, dir mount.Direction, stepS float64) error {
	ms := int(math.Round(stepS * 1000))
	if ms <= 0 {
		return nil
	}
	if err := e.Mount.Pulse(dir, ms); err != nil {
		return err
	}
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		busy, err := e.Mount.Busy(dir.Axis())
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-time.After(pollInterval):
		}
	}
	return nil
}
