/*Package httpapi binds the Session Supervisor onto an HTTP control
surface: one route per Start*/Abort/Dither/ManualPulse command and one
each for the Phase/Settings/stars/last-image properties, using
generichttp.RouteTable/HumanPayload the same way a device package binds
a driver's getter/setter pairs onto goji.
*/
package httpapi

import (
	"encoding/json"
	"go/types"
	"net/http"

	"github.com/astrogo/fitsio"
	"goji.io"
	"goji.io/pat"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/generichttp"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/session"
	"github.com/jplguide/guideagent/settings"
)

// API wraps a Supervisor with its HTTP bindings. It implements
// generichttp.HTTPer so it can be bound onto a goji.Mux with RouteTable.Bind.
type API struct {
	Sup *session.Supervisor
}

// New returns an API bound to sup.
func New(sup *session.Supervisor) *API {
	return &API{Sup: sup}
}

// RT returns the route table (generichttp.HTTPer).
func (a *API) RT() generichttp.RouteTable {
	return generichttp.RouteTable{
		pat.Get("/phase"):    a.getPhase,
		pat.Get("/settings"): a.getSettings,
		pat.Post("/settings"): a.setSettings,

		pat.Get("/stars"):       a.getStars,
		pat.Post("/stars"):      a.setStars,
		pat.Post("/stars/clear"): a.clearStars,

		pat.Post("/preview/once"):   a.startPreviewOnce,
		pat.Post("/preview/stream"): a.startPreviewStream,
		pat.Post("/calibrate"):      a.startCalibration,
		pat.Post("/calibrate/guide"): a.startCalibrationAndGuiding,
		pat.Post("/guide"):          a.startGuiding,
		pat.Post("/abort"):          a.abort,
		pat.Post("/dither"):         a.dither,
		pat.Post("/pulse"):          a.manualPulse,

		pat.Get("/image"): a.getImage,
	}
}

// Bind installs the API's routes onto mux.
func (a *API) Bind(mux *goji.Mux) {
	a.RT().Bind(mux)
}

func (a *API) getPhase(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.String, String: a.Sup.Phase().String()}
	hp.EncodeAndRespond(w, r)
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Sup.Settings())
}

func (a *API) setSettings(w http.ResponseWriter, r *http.Request) {
	var cfg settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := a.Sup.UpdateSettings(cfg); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) getStars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, starsPayload{Stars: a.Sup.Stars()})
}

type starsPayload struct {
	Stars []detector.StarSelection `json:"stars"`
}

func (a *API) setStars(w http.ResponseWriter, r *http.Request) {
	var p starsPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if err := a.Sup.SetStars(p.Stars); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) clearStars(w http.ResponseWriter, r *http.Request) {
	if err := a.Sup.ClearSelection(); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) startPreviewOnce(w http.ResponseWriter, r *http.Request) {
	runAndRespond(w, a.Sup.StartPreviewOnce)
}

func (a *API) startPreviewStream(w http.ResponseWriter, r *http.Request) {
	runAndRespond(w, a.Sup.StartPreviewStream)
}

func (a *API) startCalibration(w http.ResponseWriter, r *http.Request) {
	runAndRespond(w, a.Sup.StartCalibration)
}

func (a *API) startCalibrationAndGuiding(w http.ResponseWriter, r *http.Request) {
	runAndRespond(w, a.Sup.StartCalibrationAndGuiding)
}

func (a *API) startGuiding(w http.ResponseWriter, r *http.Request) {
	runAndRespond(w, a.Sup.StartGuiding)
}

func (a *API) abort(w http.ResponseWriter, r *http.Request) {
	a.Sup.Abort()
	w.WriteHeader(http.StatusOK)
}

func (a *API) dither(w http.ResponseWriter, r *http.Request) {
	if err := a.Sup.Dither(); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type pulsePayload struct {
	Direction string `json:"direction"`
	Millis    int    `json:"millis"`
}

var directions = map[string]mount.Direction{
	"N": mount.North, "S": mount.South, "E": mount.East, "W": mount.West,
}

func (a *API) manualPulse(w http.ResponseWriter, r *http.Request) {
	var p pulsePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	dir, ok := directions[p.Direction]
	if !ok {
		http.Error(w, "httpapi: direction must be one of N, S, E, W", http.StatusBadRequest)
		return
	}
	if err := a.Sup.ManualPulse(dir, p.Millis); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// getImage serves the last captured frame as a single-HDU FITS file,
// following frame.Archiver's BZERO/BSCALE convention for round-tripping
// unsigned 16-bit samples through FITS's signed pixel format.
func (a *API) getImage(w http.ResponseWriter, r *http.Request) {
	img := a.Sup.LastImage()
	if img == nil {
		http.Error(w, "httpapi: no image captured yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.WriteHeader(http.StatusOK)
	if err := writeFits(w, img); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeFits(w http.ResponseWriter, img *camera.Image) error {
	fits, err := fitsio.Create(w)
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

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func runAndRespond(w http.ResponseWriter, start func() error) {
	if err := start(); err != nil {
		writeSessionErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// writeSessionErr maps the Session Supervisor's sentinel errors to the
// status code that best describes the refusal, falling
// back to 500 for anything unrecognized (a collaborator failure, not a
// precondition refusal).
func writeSessionErr(w http.ResponseWriter, err error) {
	switch err {
	case session.ErrSessionBusy:
		http.Error(w, err.Error(), http.StatusConflict)
	case session.ErrConfigurationLocked:
		http.Error(w, err.Error(), http.StatusLocked)
	case session.ErrTooCloseToPole, session.ErrNotIdle, session.ErrNotGuiding:
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
