package session

import (
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/jplguide/guideagent/settings"
)

// LoadSettings layers an optional YAML override at path over
// settings.Default(), mirroring cmd/andorhttp3's setupconfig() koanf
// "structs"+"file" provider stack. A missing file is not an error: the
// defaults are used as-is, exactly as andor-http treats a missing
// andor-http.yml.
func LoadSettings(path string) (settings.Settings, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(settings.Default(), "yaml"), nil); err != nil {
		return settings.Settings{}, err
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") {
			return settings.Settings{}, err
		}
	}
	var cfg settings.Settings
	if err := k.Unmarshal("", &cfg); err != nil {
		return settings.Settings{}, err
	}
	return cfg, nil
}

// SaveSettings writes cfg to path as YAML, mirroring cmd/andorhttp3's
// mkconf(): the settings record is written to a key-value file, the
// backing store for Supervisor.LoadCalibration/SaveCalibration. Detection
// mode and star selection are not written.
func SaveSettings(path string, cfg settings.Settings) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(cfg)
}

// LoadCalibration reads the persisted settings file at path and installs
// its computed-calibration fields (angle/speed/backlash/side-of-pier) into
// the supervisor, marking the session calibrated if a usable RA speed is
// present.
func (s *Supervisor) LoadCalibration(path string) error {
	cfg, err := LoadSettings(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg.AngleDeg = cfg.AngleDeg
	s.cfg.SideOfPier = cfg.SideOfPier
	s.cfg.BacklashPx = cfg.BacklashPx
	s.cfg.SpeedRaPxPerS = cfg.SpeedRaPxPerS
	s.cfg.SpeedDecPxPerS = cfg.SpeedDecPxPerS
	s.calibrated = cfg.SpeedRaPxPerS != 0
	s.mu.Unlock()
	return nil
}

// SaveCalibration persists the full settings record, including whatever
// calibration is currently installed, to path.
func (s *Supervisor) SaveCalibration(path string) error {
	return SaveSettings(path, s.cfgSnapshot())
}
