package detector

// Reference is the opaque per-session digest: built from
// frame #1, consumed by every later MeasureDrift call.  Its shape depends
// on Mode: Selection/WeightedSelection carry one entry per tracked star,
// Donuts and Centroid carry a single whole-frame (or region) digest.
type Reference struct {
	Mode Mode

	// Region is the area of interest the digest was built over (Donuts,
	// Centroid); zero-value means the full frame.
	Region Region

	// donuts holds the Fourier projection digest for Donuts mode.
	donuts donutsDigest

	// centroidX, centroidY hold the whole-frame digest centroid for
	// Centroid mode (before any dither offset is applied).
	centroidX, centroidY float64

	// Stars are the live search-window centers for Selection/
	// WeightedSelection mode; refineStarCentroid recenters each one every
	// frame so the window tracks the star as it moves.
	Stars []StarSelection

	// baseX, baseY are the immutable first-frame positions each star's
	// drift is measured against; unlike Stars[i].X/Y, these never move.
	baseX, baseY []float64
}

// Anchor reports the reference's logged single-point position: the first tracked star's base position for
// Selection/WeightedSelection, or the frame centroid for Centroid mode.
// Donuts mode has no single-point anchor and reports ok=false.
func (ref *Reference) Anchor() (x, y float64, ok bool) {
	switch ref.Mode {
	case Selection, WeightedSelection:
		if len(ref.baseX) == 0 {
			return 0, 0, false
		}
		return ref.baseX[0], ref.baseY[0], true
	case Centroid:
		return ref.centroidX, ref.centroidY, true
	default:
		return 0, 0, false
	}
}

// ReferenceOptions configures BuildReference.
type ReferenceOptions struct {
	// Region scopes Donuts/Centroid digests; zero value means full frame.
	Region Region

	// UseIncludeForDonuts selects the include-rectangle the Donuts digest
	// is computed on; if false, the full frame is the default region,
	// combined with the exclude rectangle per DESIGN.md's
	// region-combination rule. No edge-clipping margin is applied, and a
	// non-zero Region takes precedence over both.
	UseIncludeForDonuts bool
	Include, Exclude    Region

	// Stars seeds Selection/WeightedSelection mode's initial star list.
	Stars []StarSelection
}

// effectiveDonutsRegion applies the precedence rule documented in
// DESIGN.md for the "edge-clipping vs include/exclude" open question:
// full ∖ exclude ∩ include.
func effectiveDonutsRegion(img Region, opt ReferenceOptions) Region {
	if opt.UseIncludeForDonuts {
		return opt.Include
	}
	r := img
	if (opt.Exclude != Region{}) {
		r = r.sub(opt.Exclude)
	}
	if (opt.Include != Region{}) {
		r = r.intersect(opt.Include)
	}
	return r
}
