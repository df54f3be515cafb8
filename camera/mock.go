package camera

import (
	"errors"
	"sync"
	"time"
)

var errAborted = errors.New("camera: exposure aborted")

// Mock is an in-memory Camera test double, grounded on the
// newport.MockController pattern: a mutex-guarded struct whose methods
// simulate hardware latency and state instead of talking to a driver.
type Mock struct {
	sync.Mutex

	// Width, Height are the simulated sensor dimensions.
	Width, Height int

	// Sig is the signature reported for ImageAvailable.
	Sig Signature

	// Bayered marks the simulated sensor as a Bayer-mosaiced one.
	Bayered bool

	// ExposureLatency is added to the exposure time before the busy state
	// clears, simulating shutter/readout electronics lag; StartExposure
	// enters the busy state at once.
	ExposureLatency time.Duration

	// Fill is called to populate the next frame's pixel plane; if nil, a
	// flat frame with every pixel at 1000 is produced.
	Fill func(w, h int) []uint16

	busy        bool
	aborted     bool
	subframe    [4]int
	clientOnly  bool
	raw         bool
	exposeStart time.Time
	exposeSecs  float64
}

// NewMock returns a ready-to-use Mock sensor.
func NewMock(w, h int) *Mock {
	return &Mock{Width: w, Height: h, Sig: Mono16}
}

// SetSubframe implements Camera.
func (m *Mock) SetSubframe(left, top, width, height int) error {
	m.Lock()
	defer m.Unlock()
	m.subframe = [4]int{left, top, width, height}
	return nil
}

// SetUploadMode implements Camera.
func (m *Mock) SetUploadMode(clientOnly bool) error {
	m.Lock()
	defer m.Unlock()
	m.clientOnly = clientOnly
	return nil
}

// SetImageFormat implements Camera.
func (m *Mock) SetImageFormat(raw bool) error {
	m.Lock()
	defer m.Unlock()
	m.raw = raw
	return nil
}

// StartExposure implements Camera.
func (m *Mock) StartExposure(seconds float64) error {
	m.Lock()
	defer m.Unlock()
	m.busy = true
	m.aborted = false
	m.exposeStart = time.Now()
	m.exposeSecs = seconds
	go func() {
		time.Sleep(m.ExposureLatency + time.Duration(seconds*float64(time.Second)))
		m.Lock()
		m.busy = false
		m.Unlock()
	}()
	return nil
}

// AbortExposure implements Camera.
func (m *Mock) AbortExposure() error {
	m.Lock()
	defer m.Unlock()
	m.busy = false
	m.aborted = true
	return nil
}

// Busy implements Camera.
func (m *Mock) Busy() (bool, error) {
	m.Lock()
	defer m.Unlock()
	return m.busy, nil
}

// ImageAvailable implements Camera, blocking until the exposure completes.
func (m *Mock) ImageAvailable() ([]byte, bool, error) {
	for {
		m.Lock()
		busy := m.busy
		aborted := m.aborted
		w, h := m.Width, m.Height
		sig := m.Sig
		bayered := m.Bayered
		m.Unlock()
		if aborted {
			return nil, false, errAborted
		}
		if !busy {
			fill := m.Fill
			if fill == nil {
				fill = flatFill
			}
			px := fill(w, h)
			return encodeBlob(sig, w, h, px), bayered, nil
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func flatFill(w, h int) []uint16 {
	px := make([]uint16, w*h)
	for i := range px {
		px[i] = 1000
	}
	return px
}

func encodeBlob(sig Signature, w, h int, px []uint16) []byte {
	blob := make([]byte, 12+len(px)*2)
	putLE32(blob[0:4], uint32(sig))
	putLE32(blob[4:8], uint32(w))
	putLE32(blob[8:12], uint32(h))
	for i, v := range px {
		putLE16(blob[12+i*2:14+i*2], v)
	}
	return blob
}

func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
