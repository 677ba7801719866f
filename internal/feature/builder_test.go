package feature

import (
	"math"
	"testing"
)

func testBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MassTolPPM:    10,
		SkippingScans: 1,
		MaxPctRTRange: 100,
	}
}

// scanAt builds a centroided scan with the given peaks
func scanAt(index int, rt float64, peaks ...Peak) *Scan {
	return &Scan{Index: index, RT: rt, MSLevel: 1, Peaks: peaks}
}

func TestBuilderSingleTrace(t *testing.T) {
	b := NewBuilder("run1", testBuilderConfig())
	b.AddScan(scanAt(0, 10, Peak{Mz: 500.0, Intens: 100}))
	b.AddScan(scanAt(1, 11, Peak{Mz: 500.001, Intens: 300}))
	b.AddScan(scanAt(2, 12, Peak{Mz: 500.002, Intens: 150}))
	features := b.Finish()

	if len(features) != 1 {
		t.Fatalf("Finish: %d features, should be 1", len(features))
	}
	f := features[0]
	if f.MinRT != 10 || f.MaxRT != 12 {
		t.Errorf("RT range: %v..%v, should be 10..12", f.MinRT, f.MaxRT)
	}
	if f.RT != 11 {
		t.Errorf("apex RT: %v, should be 11", f.RT)
	}
	if f.Intensity != 300 {
		t.Errorf("apex intensity: %v, should be 300", f.Intensity)
	}
	if f.MinScan != 0 || f.MaxScan != 2 || f.ApexScan != 1 {
		t.Errorf("scan range: %d..%d apex %d, should be 0..2 apex 1", f.MinScan, f.MaxScan, f.ApexScan)
	}
	if f.Run != "run1" {
		t.Errorf("run: %q, should be run1", f.Run)
	}
	// Weighted mean m/z must stay within the trace's peak range
	if f.Mz < 500.0 || f.Mz > 500.002 {
		t.Errorf("mean m/z out of range: %v", f.Mz)
	}
}

func TestBuilderScanSkipping(t *testing.T) {
	// skipping_scans = 1: a one-scan gap is bridged, a two-scan gap is not
	b := NewBuilder("run1", testBuilderConfig())
	b.AddScan(scanAt(0, 10, Peak{Mz: 500.0, Intens: 100}))
	b.AddScan(scanAt(1, 11))
	b.AddScan(scanAt(2, 12, Peak{Mz: 500.0, Intens: 100}))
	features := b.Finish()
	if len(features) != 1 {
		t.Fatalf("bridged gap: %d features, should be 1", len(features))
	}

	b = NewBuilder("run1", testBuilderConfig())
	b.AddScan(scanAt(0, 10, Peak{Mz: 500.0, Intens: 100}))
	b.AddScan(scanAt(1, 11))
	b.AddScan(scanAt(2, 12))
	b.AddScan(scanAt(3, 13, Peak{Mz: 500.0, Intens: 100}))
	features = b.Finish()
	if len(features) != 2 {
		t.Fatalf("broken gap: %d features, should be 2", len(features))
	}
}

func TestBuilderClosestMzWins(t *testing.T) {
	b := NewBuilder("run1", testBuilderConfig())
	b.AddScan(scanAt(0, 10, Peak{Mz: 500.0, Intens: 100}))
	// Two peaks within tolerance of the open trace; the closer one
	// must extend it, the other must open a new trace
	b.AddScan(scanAt(1, 11,
		Peak{Mz: 500.0004, Intens: 100},
		Peak{Mz: 500.002, Intens: 100}))
	features := b.Finish()
	if len(features) != 2 {
		t.Fatalf("Finish: %d features, should be 2", len(features))
	}
	var extendedTrace *Feature
	for i := range features {
		if features[i].MinScan == 0 {
			extendedTrace = &features[i]
		}
	}
	if extendedTrace == nil {
		t.Fatalf("no trace spanning scan 0 found")
	}
	if extendedTrace.MaxScan != 1 {
		t.Errorf("extended trace MaxScan: %d, should be 1", extendedTrace.MaxScan)
	}
	if extendedTrace.Mz > 500.001 {
		t.Errorf("trace was extended by the wrong peak, m/z %v", extendedTrace.Mz)
	}
}

func TestBuilderRTRangeArtifact(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.MaxPctRTRange = 50
	cfg.SkippingScans = 10
	b := NewBuilder("run1", cfg)
	// A trace spanning the whole run (100%) and one spanning 2 of
	// 10 seconds (20%)
	for i := 0; i <= 10; i++ {
		peaks := []Peak{{Mz: 500.0, Intens: 100}}
		if i >= 4 && i <= 6 {
			peaks = append(peaks, Peak{Mz: 600.0, Intens: 100})
		}
		b.AddScan(scanAt(i, float64(10+i), peaks...))
	}
	features := b.Finish()
	if len(features) != 1 {
		t.Fatalf("Finish: %d features, should be 1 (artifact discarded)", len(features))
	}
	if math.Abs(features[0].Mz-600.0) > 0.01 {
		t.Errorf("surviving feature m/z: %v, should be 600", features[0].Mz)
	}
}

func TestBuilderEmptyRun(t *testing.T) {
	b := NewBuilder("run1", testBuilderConfig())
	b.AddScan(scanAt(0, 10))
	features := b.Finish()
	if len(features) != 0 {
		t.Errorf("Finish: %d features, should be 0", len(features))
	}
}

func TestPickPeaks(t *testing.T) {
	scan := scanAt(0, 10,
		Peak{Mz: 100, Intens: 10},
		Peak{Mz: 300, Intens: 10},
		Peak{Mz: 200, Intens: 1000},
		Peak{Mz: 400, Intens: 10},
		Peak{Mz: 500, Intens: 10},
	)
	// Noise (median) is 10, S/N 10 requires intensity >= 100
	picked := PickPeaks(scan, 0, 10)
	if len(picked) != 1 {
		t.Fatalf("PickPeaks: %d peaks, should be 1", len(picked))
	}
	if picked[0].Mz != 200 {
		t.Errorf("PickPeaks: m/z %v, should be 200", picked[0].Mz)
	}

	// Absolute floor dominates when higher than the S/N floor
	picked = PickPeaks(scan, 2000, 10)
	if len(picked) != 0 {
		t.Errorf("PickPeaks: %d peaks, should be 0", len(picked))
	}

	// Ordered by m/z
	picked = PickPeaks(scan, 0, 0)
	for i := 1; i < len(picked); i++ {
		if picked[i].Mz < picked[i-1].Mz {
			t.Fatalf("PickPeaks: output not ordered by m/z")
		}
	}
}
