// Package align matches features across runs into consensus groups.
// One run is chosen as the reference; every other run is first
// calibrated against it (a global median shift followed by a local
// smoothed offset model), then matched with tolerances derived from
// the observed shift distribution, and optionally rescued with a
// widened tolerance schedule.
package align

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/feature"
)

// minSDFloor keeps tolerance computations away from degenerate
// zero-width distributions
const minSDFloor = 1e-3

// minModelPairs is the smallest matched subset the local offset model
// is fit on; below it the global calibration result is kept as-is
const minModelPairs = 10

// CalibConfig holds the calibration settings of one alignment job
type CalibConfig struct {
	TolInitial float64 // ppm window for the global calibration match
	SDWidth    float64 // tolerance = SDWidth * estimated shift SD
	TieBreak   int
}

// Calibration is the result of calibrating one compared run against
// the reference. Features holds the compared features with RT and m/z
// shifted onto the reference scale. RTSd and MzSd give the locally
// estimated shift SD per reference feature (indexed by position in
// the reference slice), in seconds and ppm.
type Calibration struct {
	Features []feature.Feature
	RTSd     []float64
	MzSd     []float64
}

// Calibrate removes the systematic RT and m/z differences of comp
// relative to ref. The input slices are not modified.
func Calibrate(ref, comp []feature.Feature, cfg CalibConfig) Calibration {
	cal := Calibration{
		Features: append([]feature.Feature(nil), comp...),
		RTSd:     make([]float64, len(ref)),
		MzSd:     make([]float64, len(ref)),
	}
	if len(ref) == 0 || len(comp) == 0 {
		return cal
	}

	rtShifts, mzShifts := globalShifts(ref, cal.Features, cfg.TolInitial)
	if len(rtShifts) > 0 {
		rtMed := median(rtShifts)
		mzMed := median(mzShifts)
		for i := range cal.Features {
			cal.Features[i].RT -= rtMed
			cal.Features[i].MinRT -= rtMed
			cal.Features[i].MaxRT -= rtMed
			cal.Features[i].Mz /= 1 + mzMed/1e6
		}
	}

	rtSd := math.Max(minSDFloor, stdDev(rtShifts))
	mzSd := math.Max(minSDFloor, stdDev(mzShifts))
	for i := range ref {
		cal.RTSd[i] = rtSd
		cal.MzSd[i] = mzSd
	}

	// Stepwise local calibration: two RT rounds, then two m/z rounds
	localRound(ref, &cal, cfg, calibrateRT)
	localRound(ref, &cal, cfg, calibrateRT)
	localRound(ref, &cal, cfg, calibrateMz)
	localRound(ref, &cal, cfg, calibrateMz)
	return cal
}

// globalShifts matches the strongest 5% of reference features to comp
// within mzTol ppm (charge-aware) and returns the RT (seconds) and m/z
// (ppm) shift samples, trimmed to the central 10..90 percentile range.
func globalShifts(ref, comp []feature.Feature, mzTol float64) (rtShifts, mzShifts []float64) {
	want := (len(ref) + 19) / 20
	if want < 10 {
		want = 10
	}
	if want > len(ref) {
		want = len(ref)
	}

	order := intensityOrder(ref)
	taken := make([]bool, len(comp))
	for _, ri := range order {
		if len(rtShifts) >= want {
			break
		}
		r := ref[ri]
		best := -1
		for ci, c := range comp {
			if taken[ci] {
				continue
			}
			if math.Abs(feature.PPM(c.Mz, r.Mz)) > mzTol {
				continue
			}
			if !chargeCompatible(r, c) {
				continue
			}
			if best < 0 || c.Intensity > comp[best].Intensity {
				best = ci
			}
		}
		if best < 0 {
			continue
		}
		taken[best] = true
		rtShifts = append(rtShifts, comp[best].RT-r.RT)
		mzShifts = append(mzShifts, feature.PPM(comp[best].Mz, r.Mz))
	}
	return trimPercentile(rtShifts, 10, 90), trimPercentile(mzShifts, 10, 90)
}

type calibAxis int

const (
	calibrateRT calibAxis = iota
	calibrateMz
)

// matchedPair is one ref/comp feature pair of the calibration subset
type matchedPair struct {
	refRT, compRT float64
	refMz, compMz float64
}

// localRound fits a smoothed offset model on the currently matched
// subset, applies it to the whole compared run and re-estimates the
// per-reference-feature shift SDs.
func localRound(ref []feature.Feature, cal *Calibration, cfg CalibConfig, axis calibAxis) {
	pairs := matchedSubset(ref, cal, cfg)
	if len(pairs) < minModelPairs {
		return
	}

	switch axis {
	case calibrateRT:
		xs := make([]float64, len(pairs))
		ys := make([]float64, len(pairs))
		for i, p := range pairs {
			xs[i] = p.compRT
			ys[i] = p.compRT - p.refRT
		}
		model, ok := fitOffsetModel(xs, ys)
		if !ok {
			return
		}
		for i := range cal.Features {
			off := model.at(cal.Features[i].RT)
			cal.Features[i].RT -= off
			cal.Features[i].MinRT -= off
			cal.Features[i].MaxRT -= off
		}
		for i := range pairs {
			pairs[i].compRT -= model.at(pairs[i].compRT)
		}
	case calibrateMz:
		xs := make([]float64, len(pairs))
		ys := make([]float64, len(pairs))
		for i, p := range pairs {
			xs[i] = p.compMz
			ys[i] = feature.PPM(p.compMz, p.refMz)
		}
		model, ok := fitOffsetModel(xs, ys)
		if !ok {
			return
		}
		for i := range cal.Features {
			cal.Features[i].Mz /= 1 + model.at(cal.Features[i].Mz)/1e6
		}
		for i := range pairs {
			pairs[i].compMz /= 1 + model.at(pairs[i].compMz)/1e6
		}
	}

	updateSDs(ref, cal, pairs)
}

// matchedSubset pairs each reference feature with its best compared
// candidate inside the current dynamic tolerance.
func matchedSubset(ref []feature.Feature, cal *Calibration, cfg CalibConfig) []matchedPair {
	rtTol := scaleTol(cal.RTSd, cfg.SDWidth)
	mzTol := scaleTol(cal.MzSd, cfg.SDWidth)
	matches := MatchPass(ref, cal.Features, nil, nil,
		PassTol{RT: rtTol, Mz: mzTol}, cfg.TieBreak, nil)

	pairs := make([]matchedPair, len(matches))
	for i, m := range matches {
		pairs[i] = matchedPair{
			refRT: ref[m.Ref].RT, compRT: cal.Features[m.Comp].RT,
			refMz: ref[m.Ref].Mz, compMz: cal.Features[m.Comp].Mz,
		}
	}
	return pairs
}

// updateSDs re-estimates the per-reference-feature shift SDs from the
// residual shifts of the matched subset. RT shifts are trimmed before
// estimation; m/z shifts are not, their variation is easily lost.
func updateSDs(ref []feature.Feature, cal *Calibration, pairs []matchedPair) {
	rtX := make([]float64, 0, len(pairs))
	rtShift := make([]float64, 0, len(pairs))
	mzX := make([]float64, len(pairs))
	mzShift := make([]float64, len(pairs))
	rtAll := make([]float64, len(pairs))
	for i, p := range pairs {
		rtAll[i] = p.compRT - p.refRT
		mzX[i] = p.compMz
		mzShift[i] = feature.PPM(p.compMz, p.refMz)
	}
	lo, hi := percentileBounds(rtAll, 10, 90)
	for i, p := range pairs {
		if rtAll[i] >= lo && rtAll[i] <= hi {
			rtX = append(rtX, p.compRT)
			rtShift = append(rtShift, rtAll[i])
		}
	}

	refRT := make([]float64, len(ref))
	refMz := make([]float64, len(ref))
	for i, r := range ref {
		refRT[i] = r.RT
		refMz[i] = r.Mz
	}
	if sd := movingSD(rtX, rtShift, refRT); sd != nil {
		cal.RTSd = sd
	}
	if sd := movingSD(mzX, mzShift, refMz); sd != nil {
		cal.MzSd = sd
	}
}

// offsetModel is a low order polynomial offset over RT or m/z
type offsetModel struct {
	p []float64
}

func (m offsetModel) at(x float64) float64 {
	v := 0.0
	mp := 1.0
	for _, c := range m.p {
		v += c * mp
		mp *= x
	}
	return v
}

// fitOffsetModel fits a quadratic offset curve minimizing the root of
// the summed squared residuals, on the central 10..90 percentile of
// the offsets.
func fitOffsetModel(xs, ys []float64) (offsetModel, bool) {
	lo, hi := percentileBounds(ys, 10, 90)
	fx := make([]float64, 0, len(xs))
	fy := make([]float64, 0, len(ys))
	for i := range ys {
		if ys[i] >= lo && ys[i] <= hi {
			fx = append(fx, xs[i])
			fy = append(fy, ys[i])
		}
	}
	if len(fx) < 3 {
		fx, fy = xs, ys
	}

	problem := optimize.Problem{
		Func: func(p []float64) float64 {
			sumOfResiduals := 0.0
			for i := range fx {
				d := offsetModel{p: p}.at(fx[i]) - fy[i]
				sumOfResiduals += d * d
			}
			return math.Sqrt(sumOfResiduals)
		},
	}
	pIn := make([]float64, 3)
	res, err := optimize.Minimize(problem, pIn, nil, nil)
	if err != nil {
		return offsetModel{}, false
	}
	return offsetModel{p: res.X}, true
}

// movingSD estimates sqrt(mean(shift^2)) in a window of the points
// nearest to each query position. Returns nil when there are too few
// points to window over.
func movingSD(xs, shifts, at []float64) []float64 {
	n := len(xs)
	if n < minModelPairs {
		return nil
	}
	window := n / 5
	if window < minModelPairs {
		window = minModelPairs
	}
	if window > n {
		window = n
	}

	type point struct{ x, shift float64 }
	pts := make([]point, n)
	for i := range xs {
		pts[i] = point{xs[i], shifts[i]}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].x < pts[j].x })

	out := make([]float64, len(at))
	for qi, q := range at {
		// Center the window on the insertion point of q
		pos := sort.Search(n, func(i int) bool { return pts[i].x >= q })
		lo := pos - window/2
		if lo < 0 {
			lo = 0
		}
		hi := lo + window
		if hi > n {
			hi = n
			lo = hi - window
		}
		sum := 0.0
		for i := lo; i < hi; i++ {
			sum += pts[i].shift * pts[i].shift
		}
		out[qi] = math.Max(minSDFloor, math.Sqrt(sum/float64(window)))
	}
	return out
}

func scaleTol(sd []float64, width float64) []float64 {
	out := make([]float64, len(sd))
	minPos := math.Inf(1)
	for _, v := range sd {
		if v > 0 && v < minPos {
			minPos = v
		}
	}
	if math.IsInf(minPos, 1) {
		minPos = minSDFloor
	}
	for i, v := range sd {
		if v <= 0 {
			v = minPos
		}
		out[i] = v * width
	}
	return out
}

// intensityOrder returns slice positions ordered by descending
// intensity; ties resolve by position for deterministic output
func intensityOrder(features []feature.Feature) []int {
	order := make([]int, len(features))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		fi, fj := features[order[i]], features[order[j]]
		if fi.Intensity != fj.Intensity {
			return fi.Intensity > fj.Intensity
		}
		return order[i] < order[j]
	})
	return order
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

// percentileBounds returns the lo and hi percentile values of xs
func percentileBounds(xs []float64, lo, hi float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	return stat.Quantile(lo/100, stat.Empirical, s, nil),
		stat.Quantile(hi/100, stat.Empirical, s, nil)
}

// trimPercentile drops values outside the lo..hi percentile range.
// Small samples are kept untrimmed.
func trimPercentile(xs []float64, lo, hi float64) []float64 {
	if len(xs) < 5 {
		return xs
	}
	l, h := percentileBounds(xs, lo, hi)
	out := make([]float64, 0, len(xs))
	for _, v := range xs {
		if v >= l && v <= h {
			out = append(out, v)
		}
	}
	return out
}
