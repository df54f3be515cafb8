package detector

import "github.com/jplguide/guideagent/camera"

// Detector implements the Drift Detector (C2).  It is stateless: all
// per-session state lives in the Reference the Session Supervisor owns
// and passes back in on every call.
type Detector struct{}

// BuildReference is called on frame #1 of a session.
func (Detector) BuildReference(img *camera.Image, mode Mode, opt ReferenceOptions) (*Reference, error) {
	full := Region{Width: img.Width, Height: img.Height}
	ref := &Reference{Mode: mode}

	switch mode {
	case Donuts:
		region := opt.Region
		if (region == Region{}) {
			region = effectiveDonutsRegion(full, opt)
		}
		ref.Region = region
		ref.donuts = buildDonutsDigest(img, region)

	case Centroid:
		region := opt.Region
		if (region == Region{}) {
			region = full
		}
		ref.Region = region
		x, y, ok := intensityCentroid(img, region)
		if !ok {
			return nil, ErrNoGuidingStar
		}
		ref.centroidX, ref.centroidY = x, y

	case Selection, WeightedSelection:
		if len(opt.Stars) == 0 {
			return nil, ErrNoGuidingStar
		}
		stars := make([]StarSelection, len(opt.Stars))
		baseX := make([]float64, len(opt.Stars))
		baseY := make([]float64, len(opt.Stars))
		for i, s := range opt.Stars {
			x, y, ok := refineStarCentroid(img, s)
			if !ok {
				return nil, ErrNoGuidingStar
			}
			stars[i] = s
			stars[i].X, stars[i].Y = x, y
			baseX[i], baseY[i] = x, y
		}
		ref.Stars = stars
		ref.baseX, ref.baseY = baseX, baseY

	default:
		return nil, ErrNoGuidingStar
	}
	return ref, nil
}

// MeasureDrift is called on every later frame.
// ditherOffsetX/Y is added to the reference position so "zero drift"
// tracks the dithered pointing.
func (Detector) MeasureDrift(img *camera.Image, ref *Reference, ditherOffsetX, ditherOffsetY float64) (dx, dy, snr float64, err error) {
	switch ref.Mode {
	case Donuts:
		cur := buildDonutsDigest(img, ref.Region)
		x, y, s, ok := measureDonuts(ref.donuts, cur)
		if !ok {
			return 0, 0, 0, ErrNoGuidingStar
		}
		return x - ditherOffsetX, y - ditherOffsetY, s, nil

	case Centroid:
		x, y, ok := intensityCentroid(img, ref.Region)
		if !ok {
			return 0, 0, 0, ErrNoGuidingStar
		}
		refX := ref.centroidX + ditherOffsetX
		refY := ref.centroidY + ditherOffsetY
		return x - refX, y - refY, CentroidMinSNR, nil

	case Selection, WeightedSelection:
		return measureSelection(img, ref, ditherOffsetX, ditherOffsetY)

	default:
		return 0, 0, 0, ErrNoGuidingStar
	}
}

// ReferenceXY returns the reported reference coordinate for Centroid mode:
// digest centroid plus dither offset.
func (ref *Reference) ReferenceXY(ditherOffsetX, ditherOffsetY float64) (x, y float64) {
	return ref.centroidX + ditherOffsetX, ref.centroidY + ditherOffsetY
}

// measureSelection implements the per-star refinement + multistar-reduce
// for Selection/WeightedSelection modes.
func measureSelection(img *camera.Image, ref *Reference, ditherOffsetX, ditherOffsetY float64) (dx, dy, snr float64, err error) {
	n := len(ref.Stars)
	driftsX := make([]float64, 0, n)
	driftsY := make([]float64, 0, n)
	weights := make([]float64, 0, n)
	okCount := 0
	for i := range ref.Stars {
		s := ref.Stars[i]
		x, y, ok := refineStarCentroid(img, s)
		if !ok {
			continue
		}
		// write back so the search window tracks the star.
		ref.Stars[i].X, ref.Stars[i].Y = x, y

		okCount++
		driftsX = append(driftsX, x-ref.baseX[i]-ditherOffsetX)
		driftsY = append(driftsY, y-ref.baseY[i]-ditherOffsetY)
		w := s.Weight
		if ref.Mode != WeightedSelection || w <= 0 {
			w = 1
		}
		weights = append(weights, w)
	}
	if okCount == 0 {
		return 0, 0, 0, ErrNoGuidingStar
	}
	dx = multistarReduce(driftsX, weights)
	dy = multistarReduce(driftsY, weights)
	snr = 100 * float64(okCount) / float64(n)
	return dx, dy, snr, nil
}

// multistarReduce is the external "multistar-reduce" primitive of
//: a plain average for Selection, weighted average for
// WeightedSelection (weights already collapsed to 1 for Selection).
func multistarReduce(values, weights []float64) float64 {
	var sumV, sumW float64
	for i, v := range values {
		sumV += v * weights[i]
		sumW += weights[i]
	}
	if sumW == 0 {
		return 0
	}
	return sumV / sumW
}
