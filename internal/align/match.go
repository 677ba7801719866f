package align

import (
	"math"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

// Match pairs a reference feature with a compared feature, both given
// as positions in their input slices
type Match struct {
	Ref  int
	Comp int
}

// PassTol holds the per-reference-feature matching tolerances of one
// pass: RT in seconds, m/z in ppm, indexed by position in the
// reference slice.
type PassTol struct {
	RT []float64
	Mz []float64
}

// MatchPass runs one matching pass and returns the new matches. It is
// a pure function: refMatched and compMatched mark features already
// claimed by earlier passes (nil means none) and are not modified, so
// a widened pass can only add pairs, never undo them.
//
// Reference features are visited in descending intensity order. For
// each one the charge-compatible compared candidates within tolerance
// are collected and the winner picked per the tie-break rule; a
// compared feature is claimed by at most one reference feature.
// accept, when non-nil, further restricts candidate pairs.
func MatchPass(ref, comp []feature.Feature, refMatched, compMatched []bool,
	tol PassTol, tieBreak int, accept func(r, c feature.Feature) bool) []Match {

	var matches []Match
	taken := make([]bool, len(comp))
	for _, ri := range intensityOrder(ref) {
		if refMatched != nil && refMatched[ri] {
			continue
		}
		r := ref[ri]
		rtTol := tol.RT[ri]
		mzTol := tol.Mz[ri]

		best := -1
		bestDist := math.Inf(1)
		for ci, c := range comp {
			if taken[ci] || (compMatched != nil && compMatched[ci]) {
				continue
			}
			dRT := math.Abs(c.RT - r.RT)
			dMz := math.Abs(feature.PPM(c.Mz, r.Mz))
			if dRT > rtTol || dMz > mzTol {
				continue
			}
			if !chargeCompatible(r, c) {
				continue
			}
			if accept != nil && !accept(r, c) {
				continue
			}
			var dist float64
			switch tieBreak {
			case params.TieHighestIntensity:
				dist = -c.Intensity
			default:
				dist = dRT/rtTol + dMz/mzTol
			}
			if dist < bestDist {
				best = ci
				bestDist = dist
			}
		}
		if best >= 0 {
			taken[best] = true
			matches = append(matches, Match{Ref: ri, Comp: best})
		}
	}
	return matches
}

// chargeCompatible reports whether two features may be matched. A
// feature whose charge was never confirmed by an isotope partner
// matches any charge; confirmed charges must agree.
func chargeCompatible(a, b feature.Feature) bool {
	if a.Isotopes <= 1 || b.Isotopes <= 1 {
		return true
	}
	return a.Charge == b.Charge
}
