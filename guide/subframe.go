package guide

import "github.com/jplguide/guideagent/detector"

// subframeAlignPx is the sensor's readout-geometry granularity: ROI
// origin and extent must land on a multiple of this.
const subframeAlignPx = 32

// subframeMarginHalfPx is half the box drawn around the star before
// alignment; the box is generous enough to tolerate a few frames of
// drift before the star approaches the subframe edge.
const subframeMarginHalfPx = 24

// AutoSubframeRegion computes a 32-px-aligned ROI centered on (x, y),
// clamped to stay entirely within a width x height frame.
func AutoSubframeRegion(x, y float64, width, height int) detector.Region {
	size := alignUp(2*subframeMarginHalfPx, subframeAlignPx)
	if size > width {
		size = alignDown(width, subframeAlignPx)
	}
	if size > height {
		size = alignDown(height, subframeAlignPx)
	}
	if size <= 0 {
		return detector.Region{Width: width, Height: height}
	}

	left := clampOrigin(alignDown(int(x)-size/2, subframeAlignPx), size, width)
	top := clampOrigin(alignDown(int(y)-size/2, subframeAlignPx), size, height)
	return detector.Region{Left: left, Top: top, Width: size, Height: size}
}

func clampOrigin(origin, size, bound int) int {
	if origin < 0 {
		origin = 0
	}
	if origin+size > bound {
		origin = alignDown(bound-size, subframeAlignPx)
		if origin < 0 {
			origin = 0
		}
	}
	return origin
}

func alignUp(v, align int) int {
	if v%align == 0 {
		return v
	}
	return (v/align + 1) * align
}

func alignDown(v, align int) int {
	if v <= 0 {
		return 0
	}
	return (v / align) * align
}
