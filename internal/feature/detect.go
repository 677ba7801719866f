package feature

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/524D/mzalign/internal/mzml"
)

// DetectConfig bundles the per-run feature detection settings
type DetectConfig struct {
	Builder       BuilderConfig
	Deisotope     DeisotopeConfig
	FirstScan     int // first scan index used for extraction
	LastScan      int // last scan index used for extraction
	AcceptProfile bool
}

// RunID derives the run identifier from an acquisition or feature
// file path: the base name without extension.
func RunID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DetectFile runs feature detection on an mzML file
func DetectFile(ctx context.Context, path string, cfg DetectConfig) ([]Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	mz, err := mzml.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Detect(ctx, RunID(path), &mz, cfg)
}

// Detect extracts the deconvoluted features of a single run.
// Only MS1 scans within the configured scan range are used. A bad
// scan read is skipped, not escalated; cancellation of ctx aborts
// with the context error.
func Detect(ctx context.Context, run string, f *mzml.MzML, cfg DetectConfig) ([]Feature, error) {
	builder := NewBuilder(run, cfg.Builder)
	numSpecs := f.NumSpecs()
	last := cfg.LastScan
	if last <= 0 || last >= numSpecs {
		last = numSpecs - 1
	}

	for i := cfg.FirstScan; i <= last; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("feature detection for %s: %w", run, ctx.Err())
		default:
		}
		msLevel, err := f.MSLevel(i)
		if err != nil || msLevel != 1 {
			continue
		}
		centroid, err := f.Centroid(i)
		if err != nil {
			continue
		}
		if !centroid && !cfg.AcceptProfile {
			return nil, ErrProfileData
		}
		peaks, err := f.ReadScan(i)
		if err != nil {
			// A single unreadable scan is not fatal for the run
			continue
		}
		rt, err := f.RetentionTime(i)
		if err != nil || rt < 0 {
			continue
		}
		scan := Scan{Index: i, RT: rt, MSLevel: 1, Peaks: make([]Peak, len(peaks))}
		for j, p := range peaks {
			scan.Peaks[j] = Peak{Mz: p.Mz, Intens: p.Intens}
		}
		builder.AddScan(&scan)
	}
	return Deisotope(builder.Finish(), cfg.Deisotope), nil
}
