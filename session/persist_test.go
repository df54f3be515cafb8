package session

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jplguide/guideagent/settings"
)

func TestSaveAndLoadSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guideagent.yml")

	cfg := settings.Default()
	cfg.AngleDeg = 12.5
	cfg.SpeedRaPxPerS = 3.25
	cfg.SpeedDecPxPerS = 3.1
	cfg.BacklashPx = 4
	cfg.SideOfPier = 1

	require.NoError(t, SaveSettings(path, cfg))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("settings round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestLoadSettingsMissingFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.yml")

	cfg, err := LoadSettings(path)
	require.NoError(t, err)
	require.Equal(t, settings.Default().ExposureS, cfg.ExposureS)
}

func TestSupervisorLoadCalibrationMarksSessionCalibrated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guideagent.yml")

	cfg := settings.Default()
	cfg.SpeedRaPxPerS = 4
	cfg.SpeedDecPxPerS = 4
	require.NoError(t, SaveSettings(path, cfg))

	s := newTestSupervisor()
	require.NoError(t, s.LoadCalibration(path))
	require.True(t, s.isCalibrated())
}
