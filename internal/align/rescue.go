package align

import (
	"math"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

// Fraction of the aligned-pair log2 intensity ratios that a rescue
// candidate must fall within
const rescueRatioPct = 95.0

// RescuePass re-attempts matching for features left unmatched by
// earlier passes, with the widened tolerances of one rescue schedule
// entry. Beyond the tolerance window, a candidate pair must clear two
// criteria derived from the already aligned pairs: the compared
// feature must be more intense than the median aligned compared
// feature, and the pair's log2 intensity ratio must lie within the
// central 95% of the aligned ratios. An empty aligned set leaves
// nothing to derive these from, so the pass matches nothing.
func RescuePass(ref, comp []feature.Feature, refMatched, compMatched []bool,
	aligned []Match, rtSd, mzSd []float64, tol params.RescueTol, tieBreak int) []Match {

	if len(aligned) == 0 {
		return nil
	}

	intLevel, loRatio, hiRatio := rescueCriteria(ref, comp, aligned)
	accept := func(r, c feature.Feature) bool {
		if c.Intensity <= intLevel {
			return false
		}
		ratio := math.Log2(r.Intensity) - math.Log2(c.Intensity)
		return ratio >= loRatio && ratio <= hiRatio
	}

	return MatchPass(ref, comp, refMatched, compMatched,
		rescueTolerances(rtSd, mzSd, tol, len(ref)), tieBreak, accept)
}

// rescueCriteria derives the intensity floor and the log2 ratio
// bounds from the aligned pairs
func rescueCriteria(ref, comp []feature.Feature, aligned []Match) (intLevel, loRatio, hiRatio float64) {
	intens := make([]float64, len(aligned))
	ratios := make([]float64, len(aligned))
	for i, m := range aligned {
		intens[i] = comp[m.Comp].Intensity
		ratios[i] = math.Log2(ref[m.Ref].Intensity) - math.Log2(comp[m.Comp].Intensity)
	}
	intLevel = median(intens)
	loRatio, hiRatio = percentileBounds(ratios,
		(100-rescueRatioPct)/2, 100-(100-rescueRatioPct)/2)
	return intLevel, loRatio, hiRatio
}

// rescueTolerances expands one schedule entry to per-reference-feature
// tolerances: SD units scale the estimated shift SDs, absolute units
// apply uniformly in seconds or ppm.
func rescueTolerances(rtSd, mzSd []float64, tol params.RescueTol, n int) PassTol {
	out := PassTol{RT: make([]float64, n), Mz: make([]float64, n)}
	switch tol.RTUnit {
	case params.TolUnitSD:
		copy(out.RT, scaleTol(rtSd, tol.RTValue))
	default:
		for i := range out.RT {
			out.RT[i] = tol.RTValue
		}
	}
	switch tol.MzUnit {
	case params.TolUnitSD:
		copy(out.Mz, scaleTol(mzSd, tol.MzValue))
	default:
		for i := range out.Mz {
			out.Mz[i] = tol.MzValue
		}
	}
	return out
}
