package session

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jplguide/guideagent/guide"
)

// csvHeader is the exact header row persisted guiding log.
var csvHeader = []string{
	"phase", "frame", "ref_x", "ref_y",
	"drift_x", "drift_y", "drift_ra", "drift_dec",
	"corr_ra", "corr_dec",
	"rmse_ra", "rmse_dec", "rmse_dith", "snr",
}

// csvLogger appends one row per guide.Event to a session log file, mirroring
// imgrec.Recorder's "open once, append as you go" lifecycle.
type csvLogger struct {
	f *os.File
	w *csv.Writer
}

// openCSVLogger creates dir if needed and opens a new, timestamp-named log
// file under it, writing the header row immediately.
func openCSVLogger(dir string) (*csvLogger, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("guide-%s.csv", time.Now().Format("20060102-150405"))
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &csvLogger{f: f, w: w}, nil
}

func (c *csvLogger) writeEvent(e guide.Event) error {
	row := []string{
		e.Phase, fmt.Sprint(e.Frame),
		fmt.Sprint(e.RefX), fmt.Sprint(e.RefY),
		fmt.Sprint(e.DriftX), fmt.Sprint(e.DriftY),
		fmt.Sprint(e.DriftRa), fmt.Sprint(e.DriftDec),
		fmt.Sprint(e.CorrRaS), fmt.Sprint(e.CorrDecS),
		fmt.Sprint(e.RMSERa), fmt.Sprint(e.RMSEDec), fmt.Sprint(e.RMSEDither),
		fmt.Sprint(e.SNR),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvLogger) Close() error {
	c.w.Flush()
	return c.f.Close()
}
