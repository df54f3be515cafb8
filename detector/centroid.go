package detector

import (
	"math"

	"github.com/jplguide/guideagent/camera"
)

// intensityCentroid computes the background-subtracted, intensity-weighted
// centroid of img within region.  It returns ok=false if there is no signal
// above background (flat frame), which callers treat as ErrNoGuidingStar.
func intensityCentroid(img *camera.Image, region Region) (x, y float64, ok bool) {
	left, top := region.Left, region.Top
	right, bottom := left+region.Width, top+region.Height
	if left < 0 {
		left = 0
	}
	if top < 0 {
		top = 0
	}
	if right > img.Width {
		right = img.Width
	}
	if bottom > img.Height {
		bottom = img.Height
	}
	if right <= left || bottom <= top {
		return 0, 0, false
	}

	background := estimateBackground(img, left, top, right, bottom)

	var sumI, sumX, sumY float64
	for py := top; py < bottom; py++ {
		rowOff := py * img.Width
		for px := left; px < right; px++ {
			v := float64(img.Pix[rowOff+px]) - background
			if v <= 0 {
				continue
			}
			sumI += v
			sumX += v * float64(px)
			sumY += v * float64(py)
		}
	}
	if sumI <= 0 {
		return 0, 0, false
	}
	return sumX / sumI, sumY / sumI, true
}

// estimateBackground uses the median of the region as a robust background
// estimate, the same role a sigma-clipped mean plays in real guide-star
// centroiding without needing a separate clipping pass.
func estimateBackground(img *camera.Image, left, top, right, bottom int) float64 {
	n := (right - left) * (bottom - top)
	if n <= 0 {
		return 0
	}
	samples := make([]float64, 0, n)
	for py := top; py < bottom; py++ {
		rowOff := py * img.Width
		for px := left; px < right; px++ {
			samples = append(samples, float64(img.Pix[rowOff+px]))
		}
	}
	return median(samples)
}

func median(s []float64) float64 {
	cp := append([]float64(nil), s...)
	quickSelectSort(cp)
	n := len(cp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

// quickSelectSort is an insertion sort used by estimateBackground; the
// calibration/ and detector/ packages lean on small hand-rolled numeric
// helpers (see polyfit), so this keeps that style rather than calling
// sort.Float64s. Its cost is quadratic in the number of samples, which in
// Centroid mode is every pixel of the digest region (the whole frame when
// no region is set).
func quickSelectSort(s []float64) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// refineStarCentroid performs the 3-iteration per-star refinement of
// for Selection/WeightedSelection modes: centroid within a
// window around the current estimate, then recenter the window there, a
// fixed 3 times.
func refineStarCentroid(img *camera.Image, star StarSelection) (x, y float64, ok bool) {
	x, y = star.X, star.Y
	radius := star.Radius
	if radius <= 0 {
		radius = 8
	}
	for iter := 0; iter < 3; iter++ {
		region := Region{
			Left:   int(math.Round(x - radius)),
			Top:    int(math.Round(y - radius)),
			Width:  int(2 * radius),
			Height: int(2 * radius),
		}
		nx, ny, o := intensityCentroid(img, region)
		if !o {
			return x, y, iter > 0
		}
		x, y = nx, ny
	}
	return x, y, true
}
