package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jplguide/guideagent/camera"
	"github.com/jplguide/guideagent/detector"
	"github.com/jplguide/guideagent/mount"
	"github.com/jplguide/guideagent/session"
	"github.com/jplguide/guideagent/settings"
)

type stubFrames struct{ width, height int }

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

func newTestAPI() *API {
	frames := &stubFrames{width: 64, height: 64}
	cfg := settings.Default()
	cfg.DelayS = 0.01
	sup := session.NewSupervisor(frames, nil, mount.NewMock(), cfg, detector.Centroid, detector.ReferenceOptions{})
	return New(sup)
}

func TestGetPhaseReportsIdleBeforeAnyCommand(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/phase", nil)
	w := httptest.NewRecorder()
	a.getPhase(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "idle")
}

func TestPreviewOnceThenGetImageReturnsFits(t *testing.T) {
	a := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/preview/once", nil)
	w := httptest.NewRecorder()
	a.startPreviewOnce(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		return a.Sup.LastImage() != nil
	}, time.Second, 5*time.Millisecond)

	req = httptest.NewRequest(http.MethodGet, "/image", nil)
	w = httptest.NewRecorder()
	a.getImage(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/fits", w.Header().Get("Content-Type"))
	require.True(t, strings.HasPrefix(w.Body.String(), "SIMPLE"))
}

func TestGetImageBeforeAnyCaptureReturns404(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	w := httptest.NewRecorder()
	a.getImage(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSetAndGetStarsRoundTrip(t *testing.T) {
	a := newTestAPI()
	body := strings.NewReader(`{"stars":[{"X":10,"Y":20,"Weight":1,"Radius":8}]}`)
	req := httptest.NewRequest(http.MethodPost, "/stars", body)
	w := httptest.NewRecorder()
	a.setStars(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/stars", nil)
	w = httptest.NewRecorder()
	a.getStars(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var got starsPayload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Stars, 1)
	require.Equal(t, 10.0, got.Stars[0].X)
}

func TestManualPulseRejectsUnknownDirection(t *testing.T) {
	a := newTestAPI()
	body := strings.NewReader(`{"direction":"Q","millis":50}`)
	req := httptest.NewRequest(http.MethodPost, "/pulse", body)
	w := httptest.NewRecorder()
	a.manualPulse(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSecondStartWhileBusyReturns409(t *testing.T) {
	a := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/preview/stream", nil)
	w := httptest.NewRecorder()
	a.startPreviewStream(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/preview/once", nil)
	w = httptest.NewRecorder()
	a.startPreviewOnce(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	a.Sup.Abort()
}

func TestRouteTableBindsEndpoints(t *testing.T) {
	a := newTestAPI()
	rt := a.RT()
	endpoints := rt.Endpoints()
	require.NotEmpty(t, endpoints)
}
