package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/phase"
	"github.com/jplguide/guideagent/settings"
)

// stubFrames is a minimal FrameSource producing a fixed single-blob image,
// enough to drive preview and a real calibration/guiding run end to end.
type stubFrames struct {
	width, height int
}

func (f *stubFrames) Capture(ctx context.Context) (*camera.Image, error) {
	img := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: f.width, Height: f.height},
		Pix:    make([]uint16, f.width*f.height),
	}
	cx, cy := f.width/2, f.height/2
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			img.Pix[(cy+dy)*f.width+(cx+dx)] = 50000
		}
	}
	return img, nil
}

func newTestSupervisor() *Supervisor {
	frames := &stubFrames{width: 128, height: 128}
	m := mount.NewMock()
	cfg := settings.Default()
	cfg.DelayS = 0.01
	opt := detector.ReferenceOptions{}
	return NewSupervisor(frames, nil, m, cfg, detector.Centroid, opt)
}

func TestStartPreviewOnceCapturesAFrame(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.StartPreviewOnce())

	require.Eventually(t, func() bool {
		return s.Phase().Terminal()
	}, time.Second, time.Millisecond)

	assert.NotNil(t, s.LastImage())
}

func TestSecondStartWhileBusyReturnsErrSessionBusy(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.StartPreviewStream())

	require.Eventually(t, func() bool {
		return s.Phase() == phase.Previewing
	}, time.Second, time.Millisecond)

	err := s.StartPreviewOnce()
	assert.Equal(t, ErrSessionBusy, err)

	s.Abort()
}

func TestStartGuidingWithoutCalibrationFails(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.StartGuiding())

	require.Eventually(t, func() bool {
		return s.Phase().Terminal()
	}, time.Second, time.Millisecond)

	assert.Equal(t, phase.Failed, s.Phase())
}

func TestClearSelectionLockedWhileGuiding(t *testing.T) {
	s := newTestSupervisor()
	s.mu.Lock()
	s.cfg.SpeedRaPxPerS = 10
	s.cfg.SpeedDecPxPerS = 10
	s.calibrated = true
	s.mu.Unlock()

	require.NoError(t, s.StartGuiding())
	require.Eventually(t, func() bool {
		return s.Phase() == phase.Guiding
	}, time.Second, time.Millisecond)

	err := s.ClearSelection()
	assert.Equal(t, ErrConfigurationLocked, err)

	s.Abort()
	require.Eventually(t, func() bool {
		return s.Phase().Terminal()
	}, time.Second, time.Millisecond)
}

func TestManualPulseRejectedOutsideIdleOrPreviewing(t *testing.T) {
	s := newTestSupervisor()
	s.mu.Lock()
	s.cfg.SpeedRaPxPerS = 10
	s.cfg.SpeedDecPxPerS = 10
	s.calibrated = true
	s.mu.Unlock()

	require.NoError(t, s.StartGuiding())
	require.Eventually(t, func() bool {
		return s.Phase() == phase.Guiding
	}, time.Second, time.Millisecond)

	err := s.ManualPulse(mount.North, 10)
	assert.Equal(t, ErrNotIdle, err)

	s.Abort()
}

func TestAbortStopsAnActiveStream(t *testing.T) {
	s := newTestSupervisor()
	require.NoError(t, s.StartPreviewStream())
	require.Eventually(t, func() bool {
		return s.Phase() == phase.Previewing
	}, time.Second, time.Millisecond)

	s.Abort()
	require.Eventually(t, func() bool {
		return s.Phase().Terminal()
	}, time.Second, time.Millisecond)
}
