package guide

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/control"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/settings"
	"github.com/jplguide/guideagent/util"
)

const (
	continueRetryInterval = time.Second
	recoveryPollInterval  = 200 * time.Millisecond
	delayPollInterval     = 200 * time.Millisecond
	subframeSettle        = 500 * time.Millisecond
)

// Loop drives the Guiding Loop (C5): one Run call is one
// guiding session, ending only on abort, a terminal recovery failure, or
// ctx cancellation.
type Loop struct {
	Frames     FrameSource
	Mount      mount.Mount
	Detector   detector.Detector
	Controller *control.Controller
	Settings   settings.Settings
	DetMode    detector.Mode
	DetOpt     detector.ReferenceOptions

	// Subframer is optional; a nil Subframer disables auto-subframing.
	Subframer Subframer

	// Rand drives dither offset generation; a nil Rand is seeded from
	// wall-clock time on the first Run call.
	Rand *rand.Rand

	ref        *detector.Reference
	frameCount int
	subframed  bool

	ditherNum                     int
	dithering                     bool
	ditherOffsetX, ditherOffsetY  float64
	ditherStartRa, ditherStartDec float64
	ditherTicks                   int

	rmse       RMSEAccumulator
	ditherRMSE RMSEAccumulator

	warnedFailure bool
}

// RequestDither installs a new dithering offset computed from the
// configured strategy and arms convergence tracking. Safe to call from any goroutine between
// Run iterations; Run itself is not reentrant.
func (l *Loop) RequestDither() {
	l.ensureRand()
	l.ditherStartRa, l.ditherStartDec = l.rmse.RMSERa(), l.rmse.RMSEDec()
	l.rmse.Reset()
	l.ditherRMSE.Reset()
	l.ditherTicks = 0
	x, y := NextDitherOffset(l.Settings, l.ditherNum, l.Rand)
	l.ditherNum++
	l.ditherOffsetX, l.ditherOffsetY = x, y
	l.dithering = true
}

func (l *Loop) ensureRand() {
	if l.Rand == nil {
		l.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

// Run executes the steady-state loop until ctx is cancelled or a
// terminal error occurs. obs may be nil.
func (l *Loop) Run(ctx context.Context, obs *Observer) error {
	l.ensureRand()
	needsReference := l.ref == nil

	defer l.restoreSubframeOnExit()

	for {
		if err := ctx.Err(); err != nil {
			return ErrAborted
		}

		img, err := l.Frames.Capture(ctx)
		if err != nil {
			if ferr := l.handleFailure(ctx, obs, &needsReference); ferr != nil {
				return ferr
			}
			continue
		}

		if needsReference {
			ref, err := l.Detector.BuildReference(img, l.DetMode, l.DetOpt)
			if err != nil {
				if ferr := l.handleFailure(ctx, obs, &needsReference); ferr != nil {
					return ferr
				}
				continue
			}
			l.ref = ref
			l.frameCount = 0
			needsReference = false
			if err := l.maybeAutoSubframe(ctx, img); err != nil {
				return err
			}
			continue
		}

		dx, dy, snr, err := l.Detector.MeasureDrift(img, l.ref, l.ditherOffsetX, l.ditherOffsetY)
		lostStar := err != nil || (l.ref.Mode == detector.Donuts && snr < detector.DonutsMinSNR)
		if lostStar {
			if ferr := l.handleFailure(ctx, obs, &needsReference); ferr != nil {
				return ferr
			}
			continue
		}
		l.warnedFailure = false
		l.frameCount++

		pier, err := l.Mount.SideOfPier()
		if err != nil {
			return err
		}
		dec, err := l.Mount.Dec()
		if err != nil {
			return err
		}

		multiStar := l.ref.Mode == detector.Selection || l.ref.Mode == detector.WeightedSelection
		corr := l.Controller.Correct(l.Settings, dx, dy, dec, pier, multiStar, l.averageSelectionRadius())
		if err := l.Controller.Dispatch(ctx, l.Mount, corr); err != nil {
			return err
		}

		if l.dithering {
			l.ditherRMSE.Add(corr.DriftRa, corr.DriftDec)
			l.ditherTicks++
			l.checkDitherConvergence(obs)
		} else {
			l.rmse.Add(corr.DriftRa, corr.DriftDec)
		}

		refX, refY, _ := l.ref.Anchor()
		obs.event(Event{
			Phase: "guiding", Frame: l.frameCount,
			RefX: refX, RefY: refY,
			DriftX: dx, DriftY: dy,
			DriftRa: corr.DriftRa, DriftDec: corr.DriftDec,
			CorrRaS: corr.PulseRaS, CorrDecS: corr.PulseDecS,
			RMSERa: l.rmse.RMSERa(), RMSEDec: l.rmse.RMSEDec(),
			RMSEDither: l.ditherRMSE.Combined(),
			SNR:        snr, Dithering: l.dithering,
		})

		if err := l.sleepDelay(ctx, obs); err != nil {
			return err
		}
	}
}

// handleFailure implements step 2's recovery-policy table. A
// failure on the still-unreferenced first frame of the session always
// takes the "first frame" branch regardless of the configured policy.
func (l *Loop) handleFailure(ctx context.Context, obs *Observer, needsReference *bool) error {
	if *needsReference {
		l.ref = nil
		return nil
	}
	switch l.Settings.Recovery {
	case settings.FailOnError:
		return ErrFailed
	case settings.ContinueOnError:
		if !l.warnedFailure {
			obs.warn(ErrFailed)
			l.warnedFailure = true
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-time.After(continueRetryInterval):
		}
		return nil
	case settings.ResetOnError:
		l.ref = nil
		if err := l.waitForStars(ctx); err != nil {
			return err
		}
		*needsReference = false
		return nil
	default:
		return ErrFailed
	}
}

// waitForStars polls the camera until a reference can be rebuilt with
// enough usable stars. On success it
// installs the new reference itself and resets the frame counter.
func (l *Loop) waitForStars(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return ErrAborted
		}
		img, err := l.Frames.Capture(ctx)
		if err == nil {
			if ref, berr := l.Detector.BuildReference(img, l.DetMode, l.DetOpt); berr == nil && l.enoughStars(ref) {
				l.ref = ref
				l.frameCount = 0
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-time.After(recoveryPollInterval):
		}
	}
}

func (l *Loop) enoughStars(ref *detector.Reference) bool {
	if ref.Mode != detector.Selection && ref.Mode != detector.WeightedSelection {
		return true
	}
	want := l.Settings.MinUsableStars
	if l.Settings.WaitAllStars {
		want = len(l.DetOpt.Stars)
	}
	return len(ref.Stars) >= want
}

// maybeAutoSubframe implements step 3: on the first good
// frame of a single-star session, program a small camera ROI around the
// star and rebuild the reference against it.
func (l *Loop) maybeAutoSubframe(ctx context.Context, img *camera.Image) error {
	if l.Subframer == nil || l.subframed || l.ref == nil {
		return nil
	}
	if l.ref.Mode != detector.Selection || len(l.ref.Stars) != 1 {
		return nil
	}

	star := l.ref.Stars[0]
	region := AutoSubframeRegion(star.X, star.Y, img.Width, img.Height)
	if err := l.Subframer.ProgramSubframe(ctx, region); err != nil {
		return err
	}
	l.subframed = true

	shifted := make([]detector.StarSelection, len(l.DetOpt.Stars))
	copy(shifted, l.DetOpt.Stars)
	for i := range shifted {
		shifted[i].X -= float64(region.Left)
		shifted[i].Y -= float64(region.Top)
	}
	l.DetOpt.Stars = shifted

	subImg, err := l.Frames.Capture(ctx)
	if err != nil {
		return err
	}
	ref, err := l.Detector.BuildReference(subImg, l.DetMode, l.DetOpt)
	if err != nil {
		return ErrFailed
	}
	l.ref = ref
	l.frameCount = 0
	return nil
}

func (l *Loop) restoreSubframeOnExit() {
	if !l.subframed || l.Subframer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Subframer.RestoreSubframe(ctx); err == nil {
		time.Sleep(subframeSettle)
	}
	l.subframed = false
}

func (l *Loop) averageSelectionRadius() float64 {
	if l.ref == nil || len(l.ref.Stars) == 0 {
		return 0
	}
	var sum float64
	for _, s := range l.ref.Stars {
		r := s.Radius
		if r <= 0 {
			r = 8
		}
		sum += r
	}
	return sum / float64(len(l.ref.Stars))
}

// checkDitherConvergence implements step 7.
func (l *Loop) checkDitherConvergence(obs *Observer) {
	if l.ditherRMSE.Count() >= l.Settings.DitherSettleFrames {
		raThreshold := 1.5*l.ditherStartRa + 0.5*l.Settings.MinErrPx
		converged := l.ditherRMSE.RMSERa() < raThreshold
		if l.Settings.DecMode != settings.None {
			decThreshold := 1.5*l.ditherStartDec + 0.5*l.Settings.MinErrPx
			converged = converged && l.ditherRMSE.RMSEDec() < decThreshold
		}
		if converged {
			l.dithering = false
			l.ditherTicks = 0
			return
		}
	}
	maxTicks := int(math.Ceil(l.Settings.DitherSettleS * 5))
	if maxTicks > 0 && l.ditherTicks >= maxTicks {
		l.dithering = false
		l.ditherTicks = 0
		obs.warn(ErrDitherTimeout)
	}
}

// sleepDelay waits settings.delay_s between frames, reporting a
// remaining-delay countdown coarsened to whole seconds.
func (l *Loop) sleepDelay(ctx context.Context, obs *Observer) error {
	remaining := l.Settings.DelayS
	lastReported := math.Inf(1)
	for remaining > 0 {
		tick := delayPollInterval
		if remaining < tick.Seconds() {
			tick = util.SecsToDuration(remaining)
		}
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-time.After(tick):
		}
		remaining -= tick.Seconds()
		coarse := math.Ceil(remaining)
		if coarse != lastReported {
			obs.event(Event{Phase: "guiding", DelayRemainS: coarse})
			lastReported = coarse
		}
	}
	return nil
}
