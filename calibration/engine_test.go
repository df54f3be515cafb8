package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/phase"
	"github.com/jplguide/guideagent/settings"
)

// driftingFrames is a FrameSource whose synthetic star position advances by
// a fixed per-pulse step every time the paired mock mount issues a pulse,
// simulating a telescope whose sky motion is dominated by the guide pulses.
type driftingFrames struct {
	x, y       float64
	pxPerPulse float64
	width      int
	height     int
}

func (d *driftingFrames) Capture(ctx context.Context) (*camera.Image, error) {
	img := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: d.width, Height: d.height},
		Pix:    make([]uint16, d.width*d.height),
	}
	cx, cy := int(d.x), int(d.y)
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			x, y := cx+dx, cy+dy
			if x < 0 || y < 0 || x >= d.width || y >= d.height {
				continue
			}
			img.Pix[y*d.width+x] = 50000
		}
	}
	return img, nil
}

// newCalibrationRig wires a synthetic star whose position advances by a
// fixed amount per millisecond of pulse. pxPerPulse is chosen, together
// with testCalibrationSettings, so every phase clears its threshold
// within budget on the first attempt, without ever tripping the
// too-fast or budget-exhausted adaptive step-size paths: the engine's
// restart-and-resize loop is exercised directly by
// TestGrowAndShrinkStepRespectBounds instead.
func newCalibrationRig(t *testing.T) (*driftingFrames, *mount.Mock) {
	t.Helper()
	frames := &driftingFrames{x: 100, y: 100, pxPerPulse: 0.002, width: 200, height: 200}
	m := mount.NewMock()
	m.PulseLatency = 0
	m.OnPulse = func(dir mount.Direction, ms int) {
		delta := float64(ms) * frames.pxPerPulse
		switch dir {
		case mount.North:
			frames.y -= delta
		case mount.South:
			frames.y += delta
		case mount.East:
			frames.x -= delta
		case mount.West:
			frames.x += delta
		}
	}
	return frames, m
}

func testCalibrationSettings() settings.Settings {
	cfg := settings.Default()
	cfg.CalibrationStepS = 0.5
	cfg.BacklashClearMaxSteps = 8
	cfg.BacklashClearMinDriftPx = 3
	cfg.CalibrationMaxSteps = 20
	cfg.CalibrationMinDriftPx = 5
	cfg.DecMode = settings.Both
	return cfg
}

func TestCalibrationEngineRunProducesPlausibleResult(t *testing.T) {
	frames, m := newCalibrationRig(t)
	e := &Engine{
		Frames:   frames,
		Mount:    m,
		Detector: detector.Detector{},
		Settings: testCalibrationSettings(),
		DetMode:  detector.Centroid,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := e.Run(ctx, nil)
	if err != nil {
		t.Fatalf("unexpected calibration error: %v", err)
	}
	if result.SpeedRaPxPerS <= 0 {
		t.Fatalf("expected a positive RA speed, got %v", result.SpeedRaPxPerS)
	}
	if result.SpeedDecPxPerS == 0 {
		t.Fatalf("expected a non-zero DEC speed, got %v", result.SpeedDecPxPerS)
	}
}

func TestCalibrationEngineDecModeNoneSkipsDecPhases(t *testing.T) {
	frames, m := newCalibrationRig(t)
	cfg := testCalibrationSettings()
	cfg.DecMode = settings.None
	e := &Engine{
		Frames:   frames,
		Mount:    m,
		Detector: detector.Detector{},
		Settings: cfg,
		DetMode:  detector.Centroid,
	}

	var seen []string
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := e.Run(ctx, func(p phase.Phase) {
		seen = append(seen, p.String())
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SpeedDecPxPerS != 0 {
		t.Fatalf("expected DEC speed to stay zero when DecMode=None, got %v", result.SpeedDecPxPerS)
	}
	for _, p := range seen {
		if p == "moving-north" || p == "moving-south" {
			t.Fatalf("DecMode=None must skip DEC phases, but saw %q", p)
		}
	}
}

func TestCalibrationEngineAbortsOnCancelledContext(t *testing.T) {
	frames, m := newCalibrationRig(t)
	e := &Engine{
		Frames:   frames,
		Mount:    m,
		Detector: detector.Detector{},
		Settings: testCalibrationSettings(),
		DetMode:  detector.Centroid,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Run(ctx, nil); err != ErrAborted {
		t.Fatalf("expected ErrAborted on a pre-cancelled context, got %v", err)
	}
}

func TestGrowAndShrinkStepRespectBounds(t *testing.T) {
	cfg := testCalibrationSettings()
	if _, ok := growStep(cfg.CalibrationStepS*64, cfg); ok {
		t.Fatalf("growStep should refuse once past its bound")
	}
	if _, ok := shrinkStep(cfg.CalibrationStepS/64, cfg); ok {
		t.Fatalf("shrinkStep should refuse once past its bound")
	}
}
