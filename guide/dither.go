package guide

import (
	"math"
	"math/rand"

	"github.com/jplguide/guideagent/settings"
)

// RandomOffset picks a uniformly random (x, y) pixel offset in
// [-amount/2, amount/2) on each axis, mirroring the original's
// random_dither_values (fabs(amount)*(drand48()-0.5) per axis).
func RandomOffset(amount float64, rng *rand.Rand) (x, y float64) {
	amount = math.Abs(amount)
	x = amount * (rng.Float64() - 0.5)
	y = amount * (rng.Float64() - 0.5)
	return x, y
}

// SpiralOffset walks an outward, corner-cycling spiral: every 4th call
// advances to the next "ring", each ring visiting NE/NW/SW/SE in turn.
// ditherNum is the caller's running dither counter (0, 1, 2, ...).
//
// Grounded on spiral_dither_values, but deliberately kept in floating
// point rather than truncating amount/2 to an int first: the original's
// `(int)round(amount/2)` collapses to zero (and the dither to a no-op)
// whenever amount < 2px, which is a plausible configuration here. See
// DESIGN.md's "Spiral dither integer formula" entry.
func SpiralOffset(ditherNum int, amount float64, randomize bool, rng *rand.Rand) (x, y float64) {
	dx, dy := cornerSigns(ditherNum % 4)
	ring := float64(ditherNum / 4)
	half := amount / 2
	if half == 0 {
		return 0, 0
	}
	x = dx*math.Mod(ring, half) + dx
	y = dy*math.Mod(ring, half) + dy
	if randomize {
		x -= dx * (rng.Float64() / 1.1)
		y -= dy * (rng.Float64() / 1.1)
	}
	return x, y
}

func cornerSigns(corner int) (dx, dy float64) {
	switch corner {
	case 0:
		return -1, 1
	case 1:
		return 1, 1
	case 2:
		return 1, -1
	default:
		return -1, -1
	}
}

// NextDitherOffset computes the raw (x, y) pixel offset for one dither
// request under the configured strategy, then projects it onto the RA axis alone when DEC mode is
// not Both, preserving its total magnitude.
func NextDitherOffset(cfg settings.Settings, ditherNum int, rng *rand.Rand) (x, y float64) {
	amount2 := cfg.DitherAmountPx * 2
	switch cfg.DitherStrategy {
	case settings.Spiral:
		x, y = SpiralOffset(ditherNum, amount2, false, rng)
	case settings.RandomizedSpiral:
		x, y = SpiralOffset(ditherNum, amount2, true, rng)
	default:
		x, y = RandomOffset(amount2, rng)
	}
	if cfg.DecMode == settings.Both {
		return x, y
	}
	total := math.Hypot(x, y)
	return projectOntoRaAxis(cfg.AngleDeg, total)
}

// projectOntoRaAxis solves dith_total^2 = dith_x^2 + dith_y^2 for the
// unique pixel-space vector that lies entirely along the RA axis at the
// current rotation angle, preserving the strategy's chosen magnitude.
// The RA axis direction in pixel space is (cos theta, sin theta), using
// the same theta = -pi*angle/180 convention as control.Controller.Correct's
// rotation.
func projectOntoRaAxis(angleDeg, total float64) (x, y float64) {
	theta := -math.Pi * angleDeg / 180
	cosT, sinT := math.Cos(theta), math.Sin(theta)
	if cosT == 0 {
		return 0, total
	}
	return total * cosT, total * sinT
}
