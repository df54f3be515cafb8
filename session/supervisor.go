/*Package session implements the Session Supervisor (C6): the
single owner of Settings, Phase, the last captured image and the active
calibration/guiding worker, dispatching Start*, Abort, Dither and ManualPulse
commands onto one worker goroutine at a time.
*/
package session

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jplguide/guideagent/calibration"
	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/control"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/guide"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/phase"
	"github.com/jplguide/guideagent/settings"
	"github.com/jplguide/guideagent/util"
)

// poleLimitDeg mirrors calibration.poleLimitDeg/control.minCosDec's pole
// guard for StartGuiding's precondition.
const poleLimitDeg = 89

// ErrNotGuiding is returned by Dither when no guiding session is active.
var ErrNotGuiding = errors.New("session: not currently guiding")

type opFunc func(ctx context.Context) error

type workItem struct {
	fn opFunc
}

// Supervisor is the C6 collaborator: one per physical rig, long-lived
// across many guiding sessions.
type Supervisor struct {
	Frames    FrameSource
	Subframer Subframer
	Mount     mount.Mount
	DetMode   detector.Mode

	// CSVDir, when non-empty, is the folder each guiding run's CSV log is
	// written under. Empty disables logging.
	CSVDir string

	// SettingsPath, when non-empty, is auto-saved to after a successful
	// calibration.
	SettingsPath string

	// OnStarsChanged, if set, is invoked after ClearSelection with the new
	// (empty) star list, letting a control surface re-emit it.
	OnStarsChanged func([]detector.StarSelection)

	// Log receives best-effort diagnostics (settings save failures,
	// silence_warnings-gated guide warnings). A nil Log falls back to
	// log.Default(), following envsrv.Envmon's inline log.Printf idiom.
	Log *log.Logger

	id uuid.UUID

	mu         sync.Mutex
	cfg        settings.Settings
	detOpt     detector.ReferenceOptions
	calibrated bool

	phaseMu sync.RWMutex
	ph      phase.Phase

	imgMu     sync.Mutex
	lastImage *camera.Image

	cmds chan workItem

	cancelMu sync.Mutex
	cancelFn context.CancelFunc

	loopMu     sync.Mutex
	activeLoop *guide.Loop

	csvMu sync.Mutex
	csv   *csvLogger
}

// NewSupervisor wires frames/sf/m as the session's collaborators and starts
// its worker goroutine. sf may be nil, disabling auto-subframing.
func NewSupervisor(frames FrameSource, sf Subframer, m mount.Mount, cfg settings.Settings, detMode detector.Mode, detOpt detector.ReferenceOptions) *Supervisor {
	s := &Supervisor{
		Frames: frames, Subframer: sf, Mount: m,
		cfg: cfg, detOpt: detOpt, DetMode: detMode,
		id:   uuid.New(),
		cmds: make(chan workItem),
		ph:   phase.Idle,
	}
	go s.worker()
	return s
}

// ID returns the supervisor's identifier, generated once by NewSupervisor.
// CSV log filenames carry only a timestamp, not this identifier.
func (s *Supervisor) ID() uuid.UUID { return s.id }

func (s *Supervisor) logErr(err error) {
	if err == nil {
		return
	}
	l := s.Log
	if l == nil {
		l = log.Default()
	}
	l.Printf("session: %v", err)
}

// Phase reports the current session phase.
func (s *Supervisor) Phase() phase.Phase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()
	return s.ph
}

func (s *Supervisor) setPhase(p phase.Phase) {
	s.phaseMu.Lock()
	s.ph = p
	s.phaseMu.Unlock()
}

// Settings returns a copy of the session's current settings record.
func (s *Supervisor) Settings() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateSettings replaces the session's settings record. It is rejected
// with ErrConfigurationLocked while a worker is active
// ("settings mutable externally only between sessions").
func (s *Supervisor) UpdateSettings(cfg settings.Settings) error {
	if p := s.Phase(); p != phase.Idle && !p.Terminal() {
		return ErrConfigurationLocked
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// LastImage returns the most recently captured frame, or nil before the
// first capture of the process.
func (s *Supervisor) LastImage() *camera.Image {
	s.imgMu.Lock()
	defer s.imgMu.Unlock()
	return s.lastImage
}

func (s *Supervisor) setLastImage(img *camera.Image) {
	s.imgMu.Lock()
	s.lastImage = img
	s.imgMu.Unlock()
}

// Stars returns a copy of the currently selected star list for
// Selection/WeightedSelection mode (empty outside those modes, or before
// any stars are picked).
func (s *Supervisor) Stars() []detector.StarSelection {
	return s.detOptSnapshot().Stars
}

func (s *Supervisor) cfgSnapshot() settings.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) detOptSnapshot() detector.ReferenceOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	opt := s.detOpt
	opt.Stars = append([]detector.StarSelection(nil), s.detOpt.Stars...)
	return opt
}

func (s *Supervisor) isCalibrated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibrated
}

// worker drains cmds one at a time, enforcing that exactly one worker
// thread drives the session. Grounded on fsm.Disturbance.Play's
// background-goroutine-over-a-channel shape, generalized from a bare
// chan string to a chan workItem so a Start* call can carry its own closure.
func (s *Supervisor) worker() {
	for item := range s.cmds {
		s.runOne(item)
	}
}

// submit enqueues fn if the worker is idle, or returns ErrSessionBusy
// immediately if it is not (cmds is unbuffered, so a send only succeeds
// once worker is back to blocking on the receive between operations).
func (s *Supervisor) submit(fn opFunc) error {
	select {
	case s.cmds <- workItem{fn: fn}:
		return nil
	default:
		return ErrSessionBusy
	}
}

func (s *Supervisor) runOne(item workItem) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelMu.Lock()
	s.cancelFn = cancel
	s.cancelMu.Unlock()

	err := item.fn(ctx)

	s.cancelMu.Lock()
	s.cancelFn = nil
	s.cancelMu.Unlock()
	cancel()

	s.loopMu.Lock()
	s.activeLoop = nil
	s.loopMu.Unlock()

	s.closeCSV()

	if err != nil && err != guide.ErrAborted && err != calibration.ErrAborted {
		s.setPhase(phase.Failed)
	} else {
		s.setPhase(phase.Done)
	}
}

// Abort sets the cancellation token the active worker operation is
// watching. Safe to call from any goroutine, including when idle.
func (s *Supervisor) Abort() {
	s.cancelMu.Lock()
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.cancelMu.Unlock()
}

// StartPreviewOnce captures a single frame with no corrections and no
// logging.
func (s *Supervisor) StartPreviewOnce() error {
	return s.submit(s.runPreviewOnce)
}

func (s *Supervisor) runPreviewOnce(ctx context.Context) error {
	s.setPhase(phase.Previewing)
	img, err := s.Frames.Capture(ctx)
	if err != nil {
		return err
	}
	s.setLastImage(img)
	return nil
}

// StartPreviewStream repeatedly captures frames at the configured delay_s
// cadence, with no corrections and no logging, until aborted.
func (s *Supervisor) StartPreviewStream() error {
	return s.submit(s.runPreviewStream)
}

func (s *Supervisor) runPreviewStream(ctx context.Context) error {
	s.setPhase(phase.Previewing)
	for {
		img, err := s.Frames.Capture(ctx)
		if err != nil {
			return err
		}
		s.setLastImage(img)

		delay := s.cfgSnapshot().DelayS
		select {
		case <-ctx.Done():
			return guide.ErrAborted
		case <-time.After(util.SecsToDuration(delay)):
		}
	}
}

// StartCalibration runs the Calibration Engine (C3) to completion.
func (s *Supervisor) StartCalibration() error {
	return s.submit(s.runCalibration)
}

func (s *Supervisor) runCalibration(ctx context.Context) error {
	eng := &calibration.Engine{
		Frames: s.Frames, Mount: s.Mount, Detector: detector.Detector{},
		Settings: s.cfgSnapshot(), DetMode: s.DetMode, DetOpt: s.detOptSnapshot(),
	}
	result, err := eng.Run(ctx, s.setPhase)
	if err != nil {
		return err
	}
	s.applyCalibration(result)
	return nil
}

func (s *Supervisor) applyCalibration(r calibration.Result) {
	s.mu.Lock()
	s.cfg.AngleDeg = r.AngleDeg
	s.cfg.SideOfPier = int(r.SideOfPier)
	s.cfg.BacklashPx = r.BacklashPx
	s.cfg.SpeedRaPxPerS = r.SpeedRaPxPerS
	s.cfg.SpeedDecPxPerS = r.SpeedDecPxPerS
	s.calibrated = true
	cfg := s.cfg
	s.mu.Unlock()

	if s.SettingsPath != "" {
		s.logErr(SaveSettings(s.SettingsPath, cfg))
	}
}

// StartCalibrationAndGuiding runs calibration and, only if it succeeds,
// starts guiding immediately after.
func (s *Supervisor) StartCalibrationAndGuiding() error {
	return s.submit(func(ctx context.Context) error {
		if err := s.runCalibration(ctx); err != nil {
			return err
		}
		return s.runGuiding(ctx)
	})
}

// StartGuiding queues a guiding run on the worker. The run requires a prior
// successful calibration (a non-zero speed_ra) and a declination within the
// pole limit; these are checked by the worker, so StartGuiding itself returns
// nil and a failed check (guide.ErrCannotGuide, ErrTooCloseToPole) ends the
// run with the phase set to Failed.
func (s *Supervisor) StartGuiding() error {
	return s.submit(s.runGuiding)
}

func (s *Supervisor) runGuiding(ctx context.Context) error {
	cfg := s.cfgSnapshot()
	if !s.isCalibrated() || cfg.SpeedRaPxPerS == 0 {
		return guide.ErrCannotGuide
	}
	dec, err := s.Mount.Dec()
	if err != nil {
		return err
	}
	if math.Abs(dec) > poleLimitDeg {
		return ErrTooCloseToPole
	}
	if s.CSVDir != "" {
		if err := s.openCSV(); err != nil {
			return err
		}
	}

	loop := &guide.Loop{
		Frames: s.Frames, Mount: s.Mount, Detector: detector.Detector{},
		Controller: control.NewController(mount.SideOfPier(cfg.SideOfPier)), Settings: cfg,
		DetMode: s.DetMode, DetOpt: s.detOptSnapshot(), Subframer: s.Subframer,
	}
	s.loopMu.Lock()
	s.activeLoop = loop
	s.loopMu.Unlock()

	s.setPhase(phase.Guiding)
	obs := &guide.Observer{OnEvent: s.onGuideEvent, OnWarning: s.onGuideWarning}
	err = loop.Run(ctx, obs)
	if err == guide.ErrAborted {
		return nil
	}
	return err
}

func (s *Supervisor) onGuideEvent(e guide.Event) {
	s.csvMu.Lock()
	c := s.csv
	s.csvMu.Unlock()
	if c == nil || e.Frame == 0 {
		return
	}
	s.logErr(c.writeEvent(e))
}

// onGuideWarning is a placeholder bridge point for a future notification
// surface; today a guiding warning (e.g. ErrDitherTimeout) just reaches
// the process log.
func (s *Supervisor) onGuideWarning(err error) {
	if !s.cfgSnapshot().SilenceWarnings {
		s.logErr(err)
	}
}

func (s *Supervisor) openCSV() error {
	c, err := openCSVLogger(s.CSVDir)
	if err != nil {
		return err
	}
	s.csvMu.Lock()
	s.csv = c
	s.csvMu.Unlock()
	return nil
}

func (s *Supervisor) closeCSV() {
	s.csvMu.Lock()
	c := s.csv
	s.csv = nil
	s.csvMu.Unlock()
	if c != nil {
		s.logErr(c.Close())
	}
}

// ClearSelection zeroes the tracked star list, refusing the change while a
// calibration or guiding worker is active.
func (s *Supervisor) ClearSelection() error {
	if p := s.Phase(); p.Calibrating() || p == phase.Guiding {
		return ErrConfigurationLocked
	}
	s.mu.Lock()
	s.detOpt.Stars = nil
	s.mu.Unlock()
	if s.OnStarsChanged != nil {
		s.OnStarsChanged(nil)
	}
	return nil
}

// SetStars installs a new hand-picked star list for Selection/
// WeightedSelection mode, subject to the same lock as ClearSelection.
func (s *Supervisor) SetStars(stars []detector.StarSelection) error {
	if p := s.Phase(); p.Calibrating() || p == phase.Guiding {
		return ErrConfigurationLocked
	}
	s.mu.Lock()
	s.detOpt.Stars = append([]detector.StarSelection(nil), stars...)
	s.mu.Unlock()
	if s.OnStarsChanged != nil {
		s.OnStarsChanged(stars)
	}
	return nil
}

// Dither requests a new dither offset from the active guiding loop. The
// request is delivered directly to the loop rather than queued behind
// the command channel, since it targets the in-flight operation rather
// than starting a new one.
func (s *Supervisor) Dither() error {
	s.loopMu.Lock()
	l := s.activeLoop
	s.loopMu.Unlock()
	if l == nil {
		return ErrNotGuiding
	}
	l.RequestDither()
	return nil
}

// ManualPulse issues a raw debug pulse directly to the mount, bypassing the
// correction pipeline entirely. It is only permitted while idle (Idle, Done
// or Failed) or previewing, since a pulse mid-calibration or mid-guiding
// would corrupt the in-flight measurement.
func (s *Supervisor) ManualPulse(dir mount.Direction, ms int) error {
	switch s.Phase() {
	case phase.Idle, phase.Previewing, phase.Done, phase.Failed:
	default:
		return ErrNotIdle
	}
	return s.Mount.Pulse(dir, ms)
}
