package align

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

// ErrReferenceEmpty is returned when the selected reference run has
// no features to align against
var ErrReferenceEmpty = errors.New("align: reference run has no features")

// Run is the feature list of one acquisition
type Run struct {
	Name     string
	Features []feature.Feature
}

// Group is one aligned feature group: at most one member per run,
// keyed by run name. Mz and RT are the consensus coordinates, taken
// from the reference member when present.
type Group struct {
	ID           int
	Mz           float64
	RT           float64
	Members      map[string]feature.Feature
	FullyAligned bool
	Confidence   float64 // fraction of runs contributing a member
}

// Result is the outcome of one alignment job. Groups covers every
// input feature exactly once; unmatched features appear as singleton
// groups.
type Result struct {
	Runs      []string // input order
	Reference string
	Groups    []Group

	RTSd map[string]float64 // mean RT-shift SD per compared run, seconds
	MzSd map[string]float64 // mean m/z-shift SD per compared run, ppm

	Rescued          int
	FullyAligned     int
	PartiallyAligned int
	Unaligned        int

	LoadingBias map[string]float64 // per-run intensity scale factor applied
}

// SelectReference resolves the reference run per the configured
// policy and returns its position in runs.
func SelectReference(runs []Run, policy params.RefPolicy, refFile string) (int, error) {
	if len(runs) == 0 {
		return 0, fmt.Errorf("%w: no runs to align", params.ErrConfig)
	}
	switch policy {
	case params.RefByIntensity:
		// The run with the largest median of its top-100 intensities
		best := 0
		bestIntensity := -1.0
		for i, run := range runs {
			if m := medianTopIntensity(run.Features, 100); m >= bestIntensity {
				best = i
				bestIntensity = m
			}
		}
		return best, nil
	case params.RefByFeatureCount:
		best := 0
		for i, run := range runs {
			if len(run.Features) > len(runs[best].Features) {
				best = i
			}
		}
		return best, nil
	case params.RefExplicitFile:
		want := feature.RunID(refFile)
		for i, run := range runs {
			if run.Name == want || run.Name == refFile {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: reference_feature %q is not among the input runs",
			params.ErrConfig, refFile)
	}
	return 0, fmt.Errorf("%w: unknown reference policy %d", params.ErrConfig, policy)
}

func medianTopIntensity(features []feature.Feature, n int) float64 {
	if len(features) == 0 {
		return 0
	}
	intens := make([]float64, len(features))
	for i, f := range features {
		intens[i] = f.Intensity
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(intens)))
	if len(intens) > n {
		intens = intens[:n]
	}
	return median(intens)
}

// Align matches the features of all runs against a reference run and
// returns the aligned groups. Input features are treated read-only;
// group members carry calibrated copies.
func Align(runs []Run, p *params.Params) (*Result, error) {
	refIdx, err := SelectReference(runs, p.ReferencePolicy, p.ReferenceFile)
	if err != nil {
		return nil, err
	}
	ref := runs[refIdx].Features
	if len(ref) == 0 {
		return nil, fmt.Errorf("%w (%s)", ErrReferenceEmpty, runs[refIdx].Name)
	}

	res := &Result{
		Reference:   runs[refIdx].Name,
		RTSd:        make(map[string]float64),
		MzSd:        make(map[string]float64),
		LoadingBias: make(map[string]float64),
	}
	for _, run := range runs {
		res.Runs = append(res.Runs, run.Name)
	}

	cfg := CalibConfig{TolInitial: p.TolInitial, SDWidth: p.SDWidth, TieBreak: p.TieBreak}

	// Per compared run: calibrate, match, rescue
	calibrated := make(map[string][]feature.Feature, len(runs))
	matched := make(map[string][]Match, len(runs))
	for i, run := range runs {
		if i == refIdx {
			continue
		}
		cal := Calibrate(ref, run.Features, cfg)
		calibrated[run.Name] = cal.Features
		res.RTSd[run.Name] = stat.Mean(cal.RTSd, nil)
		res.MzSd[run.Name] = stat.Mean(cal.MzSd, nil)

		tol := PassTol{RT: scaleTol(cal.RTSd, p.SDWidth), Mz: scaleTol(cal.MzSd, p.SDWidth)}
		matches := MatchPass(ref, cal.Features, nil, nil, tol, p.TieBreak, nil)

		if p.Rescue {
			refMatched := make([]bool, len(ref))
			compMatched := make([]bool, len(cal.Features))
			for _, m := range matches {
				refMatched[m.Ref] = true
				compMatched[m.Comp] = true
			}
			for _, rt := range p.RescueSchedule {
				rescued := RescuePass(ref, cal.Features, refMatched, compMatched,
					matches, cal.RTSd, cal.MzSd, rt, p.TieBreak)
				for _, m := range rescued {
					refMatched[m.Ref] = true
					compMatched[m.Comp] = true
				}
				matches = append(matches, rescued...)
				res.Rescued += len(rescued)
			}
		}
		matched[run.Name] = matches
	}

	res.Groups = buildGroups(runs, refIdx, calibrated, matched)
	markFullyAligned(res, len(runs), p.PctFullAlignment)
	if !p.SkipLoadingBiasCorrection {
		correctLoadingBias(res)
	} else {
		for _, name := range res.Runs {
			res.LoadingBias[name] = 1
		}
	}
	return res, nil
}

// buildGroups turns the per-run match lists into groups: one group
// per reference feature, then singleton groups for every compared
// feature no pass claimed.
func buildGroups(runs []Run, refIdx int, calibrated map[string][]feature.Feature,
	matched map[string][]Match) []Group {

	ref := runs[refIdx].Features
	refName := runs[refIdx].Name
	groups := make([]Group, len(ref))
	for i, f := range ref {
		groups[i] = Group{
			ID: i, Mz: f.Mz, RT: f.RT,
			Members: map[string]feature.Feature{refName: f},
		}
	}

	claimed := make(map[string][]bool, len(runs))
	for _, run := range runs {
		if run.Name == refName {
			continue
		}
		claimed[run.Name] = make([]bool, len(run.Features))
		for _, m := range matched[run.Name] {
			groups[m.Ref].Members[run.Name] = calibrated[run.Name][m.Comp]
			claimed[run.Name][m.Comp] = true
		}
	}

	id := len(groups)
	for _, run := range runs {
		if run.Name == refName {
			continue
		}
		for ci, was := range claimed[run.Name] {
			if was {
				continue
			}
			f := calibrated[run.Name][ci]
			groups = append(groups, Group{
				ID: id, Mz: f.Mz, RT: f.RT,
				Members: map[string]feature.Feature{run.Name: f},
			})
			id++
		}
	}
	return groups
}

// markFullyAligned computes per-group confidence and the alignment
// accounting. pctFull sets how many runs must contribute before a
// group counts as fully aligned; at 100 that is all of them.
func markFullyAligned(res *Result, nRuns int, pctFull float64) {
	need := int(math.Ceil(pctFull / 100 * float64(nRuns)))
	if need < 1 {
		need = 1
	}
	for i := range res.Groups {
		g := &res.Groups[i]
		g.Confidence = float64(len(g.Members)) / float64(nRuns)
		g.FullyAligned = len(g.Members) >= need
		switch {
		case g.FullyAligned:
			res.FullyAligned++
		case len(g.Members) > 1:
			res.PartiallyAligned++
		default:
			res.Unaligned++
		}
	}
}

// correctLoadingBias scales member intensities so runs with a higher
// overall loading match the grand mean. The per-run level is the
// trimmed mean log2 intensity over fully aligned groups.
func correctLoadingBias(res *Result) {
	levels := make(map[string]float64, len(res.Runs))
	grand := 0.0
	counted := 0
	for _, name := range res.Runs {
		var logs []float64
		for _, g := range res.Groups {
			if !g.FullyAligned {
				continue
			}
			if f, ok := g.Members[name]; ok && f.Intensity > 0 {
				logs = append(logs, math.Log2(f.Intensity))
			}
		}
		if len(logs) == 0 {
			continue
		}
		logs = trimPercentile(logs, 10, 90)
		levels[name] = stat.Mean(logs, nil)
		grand += levels[name]
		counted++
	}
	if counted == 0 {
		for _, name := range res.Runs {
			res.LoadingBias[name] = 1
		}
		return
	}
	grand /= float64(counted)

	for _, name := range res.Runs {
		level, ok := levels[name]
		if !ok {
			res.LoadingBias[name] = 1
			continue
		}
		factor := math.Exp2(level - grand)
		res.LoadingBias[name] = factor
		for i := range res.Groups {
			if f, ok := res.Groups[i].Members[name]; ok {
				f.Intensity /= factor
				res.Groups[i].Members[name] = f
			}
		}
	}
}
