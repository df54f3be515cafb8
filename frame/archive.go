package frame

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/jplguide/guideagent/camera"
)

// Archiver writes reference frames to disk as single-HDU FITS files in
// yyyy-mm-dd subfolders with an incrementing counter, adapted from
// imgrec.Recorder for camera.Image instead of a generic io.Writer target.
// Not thread safe; the Session Supervisor only calls it from the worker.
type Archiver struct {
	// Root is the root folder to write under.
	Root string
	// Prefix is the filename prefix, e.g. "ref".
	Prefix string

	last     time.Time
	counter  int
	timeFldr string
}

func (a *Archiver) updateFolder() {
	now := time.Now()
	y, m, d := now.Year(), now.Month(), now.Day()
	if a.last.Day() == d && a.last.Month() == m && a.last.Year() == y {
		return
	}
	a.timeFldr = fmt.Sprintf("%04d-%02d-%02d", y, m, d)
	a.counter = 0
}

func (a *Archiver) mkDir() (string, error) {
	fldr := path.Join(a.Root, a.timeFldr)
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Incr scans the target folder and sets the counter one past the highest
// existing index, mirroring imgrec.Recorder.Incr so a restarted session
// does not clobber a prior run's archive.
func (a *Archiver) Incr() {
	a.updateFolder()
	a.last = time.Now()
	dn, _ := a.mkDir()
	files, err := ioutil.ReadDir(dn)
	if err != nil {
		return
	}
	count := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, a.Prefix) {
			continue
		}
		bit := strings.TrimPrefix(fn, a.Prefix)
		bit = strings.TrimSuffix(bit, ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	a.counter = count + 1
}

// WriteReference archives img as a single-HDU 16-bit FITS file, following
// generichttp/camera's WriteFits BZERO/BSCALE convention for representing
// unsigned 16-bit samples in FITS's signed-integer pixel format.
func (a *Archiver) WriteReference(img *camera.Image) error {
	defer func() { a.last = time.Now() }()
	a.updateFolder()
	fldr, err := a.mkDir()
	if err != nil {
		return err
	}

	fn := fmt.Sprintf("%s%06d.fits", a.Prefix, a.counter)
	f, err := os.Create(path.Join(fldr, fn))
	if err != nil {
		return err
	}
	defer f.Close()
	a.counter++

	fits, err := fitsio.Create(f)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(16, []int{img.Width, img.Height})
	defer im.Close()
	if err := im.Header().Append(
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
	); err != nil {
		return err
	}

	ints := make([]int16, len(img.Pix))
	for i, v := range img.Pix {
		ints[i] = int16(int32(v) - 32768)
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return fits.Write(im)
}
