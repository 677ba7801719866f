package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

var detectCmd = &cobra.Command{
	Use:   "detect <mzML file>...",
	Short: "Detect features in mzML acquisitions",
	Long: `Detect runs per-file 3-D feature detection and isotope/charge
deconvolution, and writes one .feature table next to each input file.

Examples:
  mzalign detect --params jumpm.params run1.mzML run2.mzML`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

func runDetect(cobraCmd *cobra.Command, args []string) error {
	p, err := params.Load(paramFile)
	if err != nil {
		return err
	}

	runs, err := detectRuns(cobraCmd.Context(), args, p)
	if err != nil {
		return err
	}
	for i, run := range runs {
		path := featurePath(args[i])
		if err := feature.WriteFile(path, run.Features); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		progress(infoDefault, "%s: %d features", run.Name, len(run.Features))
	}
	return nil
}

// detectRuns performs feature detection for all files in parallel,
// one worker per run
func detectRuns(ctx context.Context, files []string, p *params.Params) ([]align.Run, error) {
	cfg := detectConfig(p)
	runs := make([]align.Run, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, file := range files {
		g.Go(func() error {
			progress(infoVerbose, "detecting features in %s", file)
			features, err := feature.DetectFile(ctx, file, cfg)
			if err != nil {
				return err
			}
			runs[i] = align.Run{Name: feature.RunID(file), Features: features}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return runs, nil
}

func detectConfig(p *params.Params) feature.DetectConfig {
	return feature.DetectConfig{
		Builder: feature.BuilderConfig{
			MassTolPPM:    p.MassTolPeakMatching,
			SkippingScans: p.SkippingScans,
			MaxPctRTRange: p.MaxPctRTRange,
			MinIntensity:  p.MinPeakIntensity,
			SNRatio:       p.SignalNoiseRatio,
		},
		Deisotope: feature.DeisotopeConfig{
			DeisotopePPM: p.DeisotopePPM,
			DechargePPM:  p.DechargePPM,
			MaxCharge:    p.MaxCharge,
			Mode:         p.Mode,
		},
		FirstScan: p.FirstScanExtraction,
		LastScan:  p.LastScanExtraction,
	}
}

// featurePath is the .feature file belonging to an acquisition file
func featurePath(mzmlPath string) string {
	ext := filepath.Ext(mzmlPath)
	return strings.TrimSuffix(mzmlPath, ext) + ".feature"
}
