package feature

import (
	"math"
	"sort"
)

// DeisotopeConfig holds the deconvolution tolerances
type DeisotopeConfig struct {
	DeisotopePPM float64 // tolerance for isotope spacing
	DechargePPM  float64 // tolerance for neutral mass grouping across charge states
	MaxCharge    int     // highest charge state hypothesis tried
	Mode         int     // ionization mode, 1 (positive) or -1 (negative)
}

// Deisotope collapses isotopic envelopes in the raw features of one
// run. For every candidate monoisotopic feature the charge states
// 1..MaxCharge are tried; partner features at m/z + k*neutron/z within
// the ppm tolerance and with overlapping RT ranges form a cluster, and
// the charge hypothesis explaining the largest cluster wins. Cluster
// members are consumed. Features that cluster with nothing keep
// charge 1 and isotope count 1.
func Deisotope(features []Feature, cfg DeisotopeConfig) []Feature {
	if len(features) == 0 {
		return features
	}
	maxCharge := cfg.MaxCharge
	if maxCharge < 1 {
		maxCharge = 1
	}

	// m/z ordered view for windowed partner lookup
	byMz := make([]int, len(features))
	for i := range byMz {
		byMz[i] = i
	}
	sort.Slice(byMz,
		func(i, j int) bool { return features[byMz[i]].Mz < features[byMz[j]].Mz })

	// Most intense features are resolved first, as they are the most
	// reliable monoisotopic candidates
	byIntens := make([]int, len(features))
	copy(byIntens, byMz)
	sort.Slice(byIntens,
		func(i, j int) bool { return features[byIntens[i]].Intensity > features[byIntens[j]].Intensity })

	consumed := make([]bool, len(features))
	out := make([]Feature, 0, len(features))

	for _, fi := range byIntens {
		if consumed[fi] {
			continue
		}
		f := features[fi]

		bestCharge := 1
		var bestCluster []int
		for z := 1; z <= maxCharge; z++ {
			cluster := isotopeCluster(features, byMz, consumed, fi, z, cfg.DeisotopePPM)
			if len(cluster) > len(bestCluster) {
				bestCharge = z
				bestCluster = cluster
			}
		}

		consumed[fi] = true
		for _, pi := range bestCluster {
			consumed[pi] = true
		}
		f.Charge = bestCharge
		f.Isotopes = 1 + len(bestCluster)
		out = append(out, f)
	}

	out = decharge(out, cfg.DechargePPM, cfg.Mode)

	sort.Slice(out, func(i, j int) bool { return out[i].Mz < out[j].Mz })
	for i := range out {
		out[i].Index = i
	}
	return out
}

// isotopeCluster returns the indices of unconsumed features that form
// an isotopic series above the candidate monoisotopic feature fi,
// assuming charge z. The series stops at the first missing isotope.
func isotopeCluster(features []Feature, byMz []int, consumed []bool,
	fi, z int, ppm float64) []int {

	var cluster []int
	f := features[fi]
	for k := 1; ; k++ {
		want := f.Mz + float64(k)*MassNeutron/float64(z)
		tol := Tol(want, ppm)
		i1 := sort.Search(len(byMz), func(i int) bool { return features[byMz[i]].Mz >= want-tol })
		i2 := sort.Search(len(byMz), func(i int) bool { return features[byMz[i]].Mz > want+tol })

		best := -1
		bestDiff := math.MaxFloat64
		for i := i1; i < i2; i++ {
			pi := byMz[i]
			if pi == fi || consumed[pi] {
				continue
			}
			p := features[pi]
			if !rtOverlap(f, p) {
				continue
			}
			if diff := math.Abs(p.Mz - want); diff < bestDiff {
				best = pi
				bestDiff = diff
			}
		}
		if best < 0 {
			return cluster
		}
		cluster = append(cluster, best)
	}
}

func rtOverlap(a, b Feature) bool {
	return a.MinRT <= b.MaxRT && b.MinRT <= a.MaxRT
}

// decharge merges deconvoluted features that represent the same
// compound observed at different charge states: equal neutral mass
// within the ppm tolerance and overlapping RT. The most intense
// observation is kept. The neutral mass of a z+ ion is z*(mz - proton);
// in negative mode ions are deprotonated, so it is z*(mz + proton).
func decharge(features []Feature, ppm float64, mode int) []Feature {
	if ppm <= 0 || len(features) < 2 {
		return features
	}
	proton := MassProton
	if mode < 0 {
		proton = -MassProton
	}
	type neutral struct {
		idx  int
		mass float64
	}
	masses := make([]neutral, len(features))
	for i, f := range features {
		masses[i] = neutral{idx: i, mass: float64(f.Charge) * (f.Mz - proton)}
	}
	sort.Slice(masses, func(i, j int) bool { return masses[i].mass < masses[j].mass })

	merged := make([]bool, len(features))
	for i := 0; i < len(masses); i++ {
		a := masses[i]
		if merged[a.idx] {
			continue
		}
		for j := i + 1; j < len(masses); j++ {
			b := masses[j]
			if b.mass-a.mass > Tol(a.mass, ppm) {
				break
			}
			if merged[b.idx] {
				continue
			}
			fa, fb := features[a.idx], features[b.idx]
			if fa.Charge == fb.Charge || !rtOverlap(fa, fb) {
				continue
			}
			// Same neutral mass at a different charge: keep the more
			// intense observation
			if fa.Intensity >= fb.Intensity {
				merged[b.idx] = true
			} else {
				merged[a.idx] = true
				break
			}
		}
	}
	out := features[:0]
	for i, f := range features {
		if !merged[i] {
			out = append(out, f)
		}
	}
	return out
}
