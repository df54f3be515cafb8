package detector

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/jplguide/guideagent/camera"
)

// donutsDigest is the "Fourier-based phase-correlation digest": row and
// column pixel-intensity projections of the region of interest, which the
// real DONUTS algorithm correlates independently per axis.
type donutsDigest struct {
	region Region
	rowSum []float64 // length region.Height, summed across X
	colSum []float64 // length region.Width, summed across Y
}

func buildDonutsDigest(img *camera.Image, region Region) donutsDigest {
	region = clampRegion(region, img.Width, img.Height)
	rowSum := make([]float64, region.Height)
	colSum := make([]float64, region.Width)
	for py := 0; py < region.Height; py++ {
		rowOff := (region.Top + py) * img.Width
		for px := 0; px < region.Width; px++ {
			v := float64(img.Pix[rowOff+region.Left+px])
			rowSum[py] += v
			colSum[px] += v
		}
	}
	return donutsDigest{region: region, rowSum: rowSum, colSum: colSum}
}

func clampRegion(r Region, w, h int) Region {
	if r.Left < 0 {
		r.Left = 0
	}
	if r.Top < 0 {
		r.Top = 0
	}
	if r.Left+r.Width > w {
		r.Width = w - r.Left
	}
	if r.Top+r.Height > h {
		r.Height = h - r.Top
	}
	if r.Width < 2 {
		r.Width = 2
	}
	if r.Height < 2 {
		r.Height = 2
	}
	return r
}

// measureDonuts phase-correlates cur against ref's projections to find the
// (dx, dy) shift, and returns an SNR computed from the sharpness of the
// correlation peak.
func measureDonuts(ref, cur donutsDigest) (dx, dy, snr float64, ok bool) {
	if len(ref.rowSum) != len(cur.rowSum) || len(ref.colSum) != len(cur.colSum) {
		return 0, 0, 0, false
	}
	dy, snrY, okY := phaseCorrelate1D(ref.rowSum, cur.rowSum)
	dx, snrX, okX := phaseCorrelate1D(ref.colSum, cur.colSum)
	if !okX || !okY {
		return 0, 0, 0, false
	}
	// combined SNR is the weaker of the two axes, since either axis
	// losing lock means the guide star is effectively lost.
	snr = snrX
	if snrY < snr {
		snr = snrY
	}
	return dx, dy, snr, true
}

// phaseCorrelate1D returns the integer-pixel shift of b relative to a via
// normalized cross-power-spectrum phase correlation, plus a peak-sharpness
// SNR: (peak - mean) / stddev of the correlation surface excluding the
// peak's immediate neighborhood. ok is false when the correlation surface
// has no peak above its mean, as for a featureless (e.g. flat) input.
func phaseCorrelate1D(a, b []float64) (shift, snr float64, ok bool) {
	n := len(a)
	if n < 4 {
		return 0, 0, false
	}
	fft := fourier.NewFFT(n)
	fa := fft.Coefficients(nil, a)
	fb := fft.Coefficients(nil, b)
	cross := make([]complex128, len(fa))
	for i := range cross {
		c := fb[i] * cmplx.Conj(fa[i])
		mag := cmplx.Abs(c)
		if mag > 1e-9 {
			c = complex(real(c)/mag, imag(c)/mag)
		} else {
			c = 0
		}
		cross[i] = c
	}
	corr := fft.Sequence(nil, cross)

	peakIdx, peakVal := 0, math.Inf(-1)
	for i, v := range corr {
		if v > peakVal {
			peakVal = v
			peakIdx = i
		}
	}

	rest := make([]float64, 0, len(corr))
	for i, v := range corr {
		d := i - peakIdx
		if d < 0 {
			d = -d
		}
		if d <= 1 || d >= n-1 {
			continue
		}
		rest = append(rest, v)
	}
	mean, std := stat.MeanStdDev(rest, nil)
	if peakVal <= mean {
		return 0, 0, false
	}
	if std <= 0 {
		std = 1e-9
	}
	snr = (peakVal - mean) / std

	s := float64(peakIdx)
	if s > float64(n)/2 {
		s -= float64(n)
	}
	return s, snr, true
}
