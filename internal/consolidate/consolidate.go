// Package consolidate assigns MS2 spectra to aligned features and
// merges redundant spectra into one consolidated spectrum per
// feature group.
package consolidate

import (
	"math"
	"sort"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/mzml"
	"github.com/524D/mzalign/internal/params"
)

// MS2Spectrum is one fragmentation spectrum with its precursor
// context. GroupIDs is filled by Assign.
type MS2Spectrum struct {
	Run         string
	ScanIndex   int
	PrecursorMz float64
	RT          float64
	Peaks       []feature.Peak
	GroupIDs    []int
}

// Consolidated is the merged MS2 spectrum of one feature group
type Consolidated struct {
	GroupID     int
	PrecursorMz float64
	RT          float64
	Runs        int // number of runs that contributed a spectrum
	Peaks       []feature.Peak
}

// Extract collects the MS2 spectra of a run. Spectra without a
// precursor are skipped.
func Extract(run string, f *mzml.MzML) ([]MS2Spectrum, error) {
	var spectra []MS2Spectrum
	for i := 0; i < f.NumSpecs(); i++ {
		msLevel, err := f.MSLevel(i)
		if err != nil || msLevel != 2 {
			continue
		}
		prec, err := f.Precursor(i)
		if err != nil {
			continue
		}
		rt, err := f.RetentionTime(i)
		if err != nil || rt < 0 {
			continue
		}
		peaks, err := f.ReadScan(i)
		if err != nil {
			continue
		}
		s := MS2Spectrum{
			Run:         run,
			ScanIndex:   i,
			PrecursorMz: prec.SelectedIonMz,
			RT:          rt,
			Peaks:       make([]feature.Peak, len(peaks)),
		}
		if s.PrecursorMz == 0 {
			s.PrecursorMz = prec.IsolationTargetMz
		}
		for j, p := range peaks {
			s.Peaks[j] = feature.Peak{Mz: p.Mz, Intens: p.Intens}
		}
		spectra = append(spectra, s)
	}
	return spectra, nil
}

// Assign maps each MS2 spectrum onto the feature groups responsible
// for it. A group is a candidate when its member feature from the
// spectrum's run covers the spectrum RT and sits inside the isolation
// window around the precursor. Among the candidates, the share of
// summed candidate intensity (PPI, in percent) decides: with a
// threshold every group at or above it is assigned, in "max" mode
// only the strongest one. When the winning feature lies within
// tol_precursor ppm of the recorded precursor, the precursor m/z is
// snapped to the feature's monoisotopic m/z.
func Assign(groups []align.Group, spectra []MS2Spectrum, p *params.Params) {
	half := p.IsolationWindow / 2
	for si := range spectra {
		s := &spectra[si]
		s.GroupIDs = s.GroupIDs[:0]

		type candidate struct {
			group int
			f     feature.Feature
		}
		var cands []candidate
		sum := 0.0
		for gi, g := range groups {
			f, ok := g.Members[s.Run]
			if !ok {
				continue
			}
			if math.Abs(f.Mz-s.PrecursorMz) > half {
				continue
			}
			if s.RT < f.MinRT || s.RT > f.MaxRT {
				continue
			}
			cands = append(cands, candidate{group: gi, f: f})
			sum += f.Intensity
		}
		if len(cands) == 0 || sum <= 0 {
			continue
		}

		if p.PPIMax {
			best := 0
			for i, c := range cands {
				if c.f.Intensity > cands[best].f.Intensity {
					best = i
				}
			}
			cands = cands[best : best+1]
		} else {
			kept := cands[:0]
			for _, c := range cands {
				if c.f.Intensity/sum*100 >= p.PPIThreshold {
					kept = append(kept, c)
				}
			}
			cands = kept
		}

		for _, c := range cands {
			s.GroupIDs = append(s.GroupIDs, groups[c.group].ID)
			if math.Abs(feature.PPM(s.PrecursorMz, c.f.Mz)) <= p.TolPrecursor {
				s.PrecursorMz = c.f.Mz
			}
		}
	}
}

// Merge consolidates the assigned spectra of each group: first the
// spectra within one run (tol_intra_ms2_consolidation ppm), then the
// per-run results across runs (tol_inter_ms2_consolidation ppm). The
// consolidated spectrum keeps at most num_peaks_ms2_similarity of its
// strongest peaks.
func Merge(groups []align.Group, spectra []MS2Spectrum, p *params.Params) []Consolidated {
	byGroupRun := make(map[int]map[string][][]feature.Peak)
	for _, s := range spectra {
		for _, id := range s.GroupIDs {
			if byGroupRun[id] == nil {
				byGroupRun[id] = make(map[string][][]feature.Peak)
			}
			byGroupRun[id][s.Run] = append(byGroupRun[id][s.Run], s.Peaks)
		}
	}

	var out []Consolidated
	for _, g := range groups {
		perRun := byGroupRun[g.ID]
		if len(perRun) == 0 {
			continue
		}
		runNames := make([]string, 0, len(perRun))
		for name := range perRun {
			runNames = append(runNames, name)
		}
		sort.Strings(runNames)

		var runSpectra [][]feature.Peak
		for _, name := range runNames {
			runSpectra = append(runSpectra, mergePeakSets(perRun[name], p.TolIntraMS2))
		}
		merged := mergePeakSets(runSpectra, p.TolInterMS2)
		merged = topPeaks(merged, p.NumPeaksMS2Similarity)

		out = append(out, Consolidated{
			GroupID:     g.ID,
			PrecursorMz: g.Mz,
			RT:          g.RT,
			Runs:        len(runNames),
			Peaks:       merged,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// mergePeakSets pools the peaks of several spectra and collapses
// peaks within tol ppm of each other into one, at the intensity
// weighted mean m/z with summed intensity.
func mergePeakSets(sets [][]feature.Peak, tol float64) []feature.Peak {
	var pool []feature.Peak
	for _, set := range sets {
		pool = append(pool, set...)
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Mz < pool[j].Mz })

	var merged []feature.Peak
	cur := pool[0]
	wMz := cur.Mz * cur.Intens
	for _, pk := range pool[1:] {
		mean := cur.Mz
		if cur.Intens > 0 {
			mean = wMz / cur.Intens
		}
		if math.Abs(feature.PPM(pk.Mz, mean)) <= tol {
			cur.Intens += pk.Intens
			wMz += pk.Mz * pk.Intens
			if cur.Intens > 0 {
				cur.Mz = wMz / cur.Intens
			}
			continue
		}
		merged = append(merged, cur)
		cur = pk
		wMz = cur.Mz * cur.Intens
	}
	merged = append(merged, cur)
	return merged
}

// topPeaks keeps the n most intense peaks, returned in m/z order
func topPeaks(peaks []feature.Peak, n int) []feature.Peak {
	if n <= 0 || len(peaks) <= n {
		return peaks
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Intens > peaks[j].Intens })
	peaks = peaks[:n]
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].Mz < peaks[j].Mz })
	return peaks
}
