package feature

import (
	"math"
	"sort"
)

// BuilderConfig holds the feature building tolerances
type BuilderConfig struct {
	MassTolPPM    float64 // tolerance for extending a trace with a peak
	SkippingScans int     // max consecutive scans a trace may miss
	MaxPctRTRange float64 // traces spanning more of the run are artifacts
	MinIntensity  float64
	SNRatio       float64
}

type tracePoint struct {
	scan   int
	rt     float64
	mz     float64
	intens float64
}

// trace is an open candidate feature in the builder arena
type trace struct {
	id     int
	mz     float64 // intensity weighted mean m/z
	wSum   float64
	points []tracePoint
	missed int     // consecutive scans without extension
	noise  float64 // noise level at the apex scan
}

// Builder groups picked peaks of consecutive scans into 3-D features.
// Open traces are kept in an explicit arena so a builder instance is
// self-contained and re-entrant per run.
type Builder struct {
	cfg    BuilderConfig
	run    string
	nextID int
	open   []*trace
	closed []*trace
	minRT  float64
	maxRT  float64
	nScans int
}

// NewBuilder returns a Builder for a single run
func NewBuilder(run string, cfg BuilderConfig) *Builder {
	return &Builder{
		cfg:   cfg,
		run:   run,
		minRT: math.MaxFloat64,
		maxRT: -math.MaxFloat64,
	}
}

// AddScan feeds the next MS1 scan, in retention time order, into the
// arena. Scans with zero picked peaks still age open traces.
func (b *Builder) AddScan(scan *Scan) {
	peaks := PickPeaks(scan, b.cfg.MinIntensity, b.cfg.SNRatio)
	noise := medianIntensity(scan.Peaks)
	b.nScans++
	if scan.RT < b.minRT {
		b.minRT = scan.RT
	}
	if scan.RT > b.maxRT {
		b.maxRT = scan.RT
	}

	extended := b.assignPeaks(scan, peaks, noise)

	// Age all traces that were not extended this scan, closing the
	// ones that exceeded the scan skipping allowance
	stillOpen := b.open[:0]
	for _, tr := range b.open {
		if !extended[tr.id] {
			tr.missed++
		}
		if tr.missed > b.cfg.SkippingScans {
			b.closed = append(b.closed, tr)
		} else {
			stillOpen = append(stillOpen, tr)
		}
	}
	b.open = stillOpen
}

type candidate struct {
	peak  int
	trace int // index into b.open
	dist  float64
}

// assignPeaks matches picked peaks against open traces. Every peak
// extends at most one trace and every trace is extended by at most one
// peak per scan; the closest m/z pair wins. Unmatched peaks open new
// traces. Returns the set of extended trace ids.
func (b *Builder) assignPeaks(scan *Scan, peaks []Peak, noise float64) map[int]bool {
	extended := make(map[int]bool, len(peaks))

	// Open traces sorted by mean m/z for windowed lookup
	sort.Slice(b.open,
		func(i, j int) bool { return b.open[i].mz < b.open[j].mz })

	var cands []candidate
	for pi, p := range peaks {
		tol := Tol(p.Mz, b.cfg.MassTolPPM)
		i1 := sort.Search(len(b.open), func(i int) bool { return b.open[i].mz >= p.Mz-tol })
		i2 := sort.Search(len(b.open), func(i int) bool { return b.open[i].mz > p.Mz+tol })
		for ti := i1; ti < i2; ti++ {
			cands = append(cands, candidate{
				peak:  pi,
				trace: ti,
				dist:  math.Abs(p.Mz - b.open[ti].mz),
			})
		}
	}
	sort.Slice(cands,
		func(i, j int) bool { return cands[i].dist < cands[j].dist })

	peakUsed := make([]bool, len(peaks))
	traceUsed := make([]bool, len(b.open))
	for _, c := range cands {
		if peakUsed[c.peak] || traceUsed[c.trace] {
			continue
		}
		peakUsed[c.peak] = true
		traceUsed[c.trace] = true
		tr := b.open[c.trace]
		tr.extend(scan, peaks[c.peak], noise)
		extended[tr.id] = true
	}

	// Unmatched peaks open new traces
	for pi, p := range peaks {
		if peakUsed[pi] {
			continue
		}
		tr := &trace{id: b.nextID, mz: p.Mz, wSum: p.Intens, noise: noise}
		b.nextID++
		tr.points = append(tr.points, tracePoint{
			scan: scan.Index, rt: scan.RT, mz: p.Mz, intens: p.Intens,
		})
		b.open = append(b.open, tr)
		extended[tr.id] = true
	}
	return extended
}

func (tr *trace) extend(scan *Scan, p Peak, noise float64) {
	tr.points = append(tr.points, tracePoint{
		scan: scan.Index, rt: scan.RT, mz: p.Mz, intens: p.Intens,
	})
	// Intensity weighted mean keeps the trace center robust against
	// low-intensity stragglers
	tr.mz = (tr.mz*tr.wSum + p.Mz*p.Intens) / (tr.wSum + p.Intens)
	tr.wSum += p.Intens
	tr.missed = 0
	if p.Intens >= tr.apex().intens {
		tr.noise = noise
	}
}

func (tr *trace) apex() tracePoint {
	best := tr.points[0]
	for _, pt := range tr.points[1:] {
		if pt.intens > best.intens {
			best = pt
		}
	}
	return best
}

// Finish closes all remaining traces and returns the raw (not yet
// deisotoped) features of the run. Traces whose RT range exceeds the
// configured percentage of the run RT span are discarded as artifacts.
// A run yielding zero features is a valid empty result.
func (b *Builder) Finish() []Feature {
	b.closed = append(b.closed, b.open...)
	b.open = nil

	span := b.maxRT - b.minRT
	maxRange := math.MaxFloat64
	if span > 0 && b.cfg.MaxPctRTRange > 0 {
		maxRange = span * b.cfg.MaxPctRTRange / 100.0
	}

	features := make([]Feature, 0, len(b.closed))
	for _, tr := range b.closed {
		f := tr.toFeature(b.run)
		if f.MaxRT-f.MinRT > maxRange {
			continue
		}
		f.Index = len(features)
		features = append(features, f)
	}
	b.closed = nil
	return features
}

func (tr *trace) toFeature(run string) Feature {
	apex := tr.apex()
	f := Feature{
		Mz:        tr.mz,
		Charge:    1,
		Isotopes:  1,
		RT:        apex.rt,
		MinRT:     tr.points[0].rt,
		MaxRT:     tr.points[0].rt,
		Intensity: apex.intens,
		ApexScan:  apex.scan,
		MinScan:   tr.points[0].scan,
		MaxScan:   tr.points[0].scan,
		Run:       run,
	}
	for _, pt := range tr.points {
		if pt.rt < f.MinRT {
			f.MinRT = pt.rt
		}
		if pt.rt > f.MaxRT {
			f.MaxRT = pt.rt
		}
		if pt.scan < f.MinScan {
			f.MinScan = pt.scan
		}
		if pt.scan > f.MaxScan {
			f.MaxScan = pt.scan
		}
	}
	if tr.noise > 0 {
		f.SN = apex.intens / tr.noise
	}
	return f
}
