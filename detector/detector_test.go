package detector

import (
	"math"
	"testing"

	"github.com/jplguide/guideagent/camera"
)

func blobImage(w, h int, cx, cy int) *camera.Image {
	img := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: w, Height: h},
		Pix:    make([]uint16, w*h),
	}
	for dy := -2; dy <= 2; dy++ {
		for dx := -2; dx <= 2; dx++ {
			x, y := cx+dx, cy+dy
			if x < 0 || y < 0 || x >= w || y >= h {
				continue
			}
			img.Pix[y*w+x] = 50000
		}
	}
	return img
}

func TestCentroidBuildReferenceAndMeasureDriftReportsShift(t *testing.T) {
	var d Detector
	ref, err := d.BuildReference(blobImage(128, 128, 64, 64), Centroid, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}

	dx, dy, _, err := d.MeasureDrift(blobImage(128, 128, 70, 58), ref, 0, 0)
	if err != nil {
		t.Fatalf("MeasureDrift: %v", err)
	}
	if math.Abs(dx-6) > 0.5 || math.Abs(dy-(-6)) > 0.5 {
		t.Fatalf("expected drift near (6,-6), got (%v,%v)", dx, dy)
	}
}

func TestCentroidMeasureDriftHonorsDitherOffset(t *testing.T) {
	var d Detector
	ref, err := d.BuildReference(blobImage(128, 128, 64, 64), Centroid, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}

	// a frame that moved by exactly the dither offset should report zero drift.
	dx, dy, _, err := d.MeasureDrift(blobImage(128, 128, 69, 64), ref, 5, 0)
	if err != nil {
		t.Fatalf("MeasureDrift: %v", err)
	}
	if math.Abs(dx) > 0.5 || math.Abs(dy) > 0.5 {
		t.Fatalf("expected ~zero drift once dither offset is subtracted, got (%v,%v)", dx, dy)
	}
}

func TestCentroidBuildReferenceOnFlatFrameReturnsErrNoGuidingStar(t *testing.T) {
	var d Detector
	flat := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: 32, Height: 32},
		Pix:    make([]uint16, 32*32),
	}
	_, err := d.BuildReference(flat, Centroid, ReferenceOptions{})
	if err != ErrNoGuidingStar {
		t.Fatalf("expected ErrNoGuidingStar on a flat frame, got %v", err)
	}
}

func TestSelectionBuildReferenceWithNoStarsReturnsErrNoGuidingStar(t *testing.T) {
	var d Detector
	_, err := d.BuildReference(blobImage(64, 64, 32, 32), Selection, ReferenceOptions{})
	if err != ErrNoGuidingStar {
		t.Fatalf("expected ErrNoGuidingStar with no seeded stars, got %v", err)
	}
}

func TestSelectionMeasureDriftWritesBackRefinedStarPosition(t *testing.T) {
	var d Detector
	opt := ReferenceOptions{Stars: []StarSelection{{X: 32, Y: 32, Radius: 8}}}
	ref, err := d.BuildReference(blobImage(64, 64, 32, 32), Selection, opt)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}

	dx, dy, _, err := d.MeasureDrift(blobImage(64, 64, 36, 30), ref, 0, 0)
	if err != nil {
		t.Fatalf("MeasureDrift: %v", err)
	}
	if math.Abs(dx-4) > 0.5 || math.Abs(dy-(-2)) > 0.5 {
		t.Fatalf("expected drift near (4,-2), got (%v,%v)", dx, dy)
	}
	if math.Abs(ref.Stars[0].X-36) > 0.5 || math.Abs(ref.Stars[0].Y-30) > 0.5 {
		t.Fatalf("expected the tracked star's window to recenter on the new position, got (%v,%v)", ref.Stars[0].X, ref.Stars[0].Y)
	}
}

func TestWeightedSelectionFavorsHeavierStar(t *testing.T) {
	var d Detector
	img := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: 100, Height: 100},
		Pix:    make([]uint16, 100*100),
	}
	paintBlob := func(img *camera.Image, cx, cy int) {
		for dy := -2; dy <= 2; dy++ {
			for dx := -2; dx <= 2; dx++ {
				x, y := cx+dx, cy+dy
				img.Pix[y*img.Width+x] = 50000
			}
		}
	}
	paintBlob(img, 20, 20)
	paintBlob(img, 80, 80)

	opt := ReferenceOptions{Stars: []StarSelection{
		{X: 20, Y: 20, Radius: 8, Weight: 10},
		{X: 80, Y: 80, Radius: 8, Weight: 1},
	}}
	ref, err := d.BuildReference(img, WeightedSelection, opt)
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}

	moved := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: 100, Height: 100},
		Pix:    make([]uint16, 100*100),
	}
	paintBlob(moved, 21, 20) // heavy star drifts +1 in x, stays well inside its tracking window
	paintBlob(moved, 85, 80) // light star drifts +5 in x, also stays inside its window

	dx, _, _, err := d.MeasureDrift(moved, ref, 0, 0)
	if err != nil {
		t.Fatalf("MeasureDrift: %v", err)
	}
	// plain average would be (1+5)/2 = 3; the heavy star's weight should
	// pull the reduced drift much closer to its own 1px shift.
	if dx > 2.5 {
		t.Fatalf("expected weighted reduce to favor the heavier star, got dx=%v", dx)
	}
}

func TestDonutsBuildReferenceAndMeasureDriftReportsShift(t *testing.T) {
	var d Detector
	ref, err := d.BuildReference(blobImage(128, 128, 64, 64), Donuts, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}

	dx, dy, snr, err := d.MeasureDrift(blobImage(128, 128, 67, 61), ref, 0, 0)
	if err != nil {
		t.Fatalf("MeasureDrift: %v", err)
	}
	if math.Abs(dx-3) > 1 || math.Abs(dy-(-3)) > 1 {
		t.Fatalf("expected drift near (3,-3), got (%v,%v)", dx, dy)
	}
	if snr <= 0 {
		t.Fatalf("expected a positive correlation-peak SNR for a well-formed blob, got snr=%v", snr)
	}
}

func TestDonutsMeasureDriftOnFlatFrameReturnsErrNoGuidingStar(t *testing.T) {
	var d Detector
	ref, err := d.BuildReference(blobImage(64, 64, 32, 32), Donuts, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	flat := &camera.Image{
		Header: camera.Header{Signature: camera.Mono16, Width: 64, Height: 64},
		Pix:    make([]uint16, 64*64),
	}
	_, _, _, err = d.MeasureDrift(flat, ref, 0, 0)
	if err != ErrNoGuidingStar {
		t.Fatalf("expected ErrNoGuidingStar on a flat frame, got %v", err)
	}
}

func TestReferenceAnchorReportsModeSpecificPosition(t *testing.T) {
	var d Detector
	centroidRef, err := d.BuildReference(blobImage(64, 64, 32, 32), Centroid, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	x, y, ok := centroidRef.Anchor()
	if !ok || math.Abs(x-32) > 0.5 || math.Abs(y-32) > 0.5 {
		t.Fatalf("expected centroid anchor near (32,32), got (%v,%v,%v)", x, y, ok)
	}

	selRef, err := d.BuildReference(blobImage(64, 64, 10, 20), Selection, ReferenceOptions{
		Stars: []StarSelection{{X: 10, Y: 20, Radius: 8}},
	})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	x, y, ok = selRef.Anchor()
	if !ok || math.Abs(x-10) > 0.5 || math.Abs(y-20) > 0.5 {
		t.Fatalf("expected selection anchor near (10,20), got (%v,%v,%v)", x, y, ok)
	}

	donutsRef, err := d.BuildReference(blobImage(64, 64, 32, 32), Donuts, ReferenceOptions{})
	if err != nil {
		t.Fatalf("BuildReference: %v", err)
	}
	if _, _, ok := donutsRef.Anchor(); ok {
		t.Fatalf("expected Donuts mode to report no single-point anchor")
	}
}

func TestMultistarReduceWeightedVsPlainAverage(t *testing.T) {
	values := []float64{0, 10}

	plain := multistarReduce(values, []float64{1, 1})
	if math.Abs(plain-5) > 1e-9 {
		t.Fatalf("expected plain average of 5, got %v", plain)
	}

	weighted := multistarReduce(values, []float64{9, 1})
	if math.Abs(weighted-1) > 1e-9 {
		t.Fatalf("expected weighted average pulled toward the heavier 0 sample, got %v", weighted)
	}
}
