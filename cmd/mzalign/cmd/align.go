package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/consolidate"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/library"
	"github.com/524D/mzalign/internal/mzml"
	"github.com/524D/mzalign/internal/output"
	"github.com/524D/mzalign/internal/params"
)

var alignCmd = &cobra.Command{
	Use:   "align <mzML file>...",
	Short: "Align features across runs and consolidate MS2 spectra",
	Long: `Align runs the full pipeline: per-run feature detection (or, with
skip_feature_detection = 1, the .feature files next to the inputs),
cross-run alignment against a reference run, MS2 consolidation, and
library/database annotation. Results are written as
align_<output_name>.feature plus a SQLite export.

Examples:
  mzalign align --params jumpm.params run1.mzML run2.mzML run3.mzML`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAlign,
}

func runAlign(cobraCmd *cobra.Command, args []string) error {
	p, err := params.Load(paramFile)
	if err != nil {
		return err
	}
	ctx := cobraCmd.Context()

	var runs []align.Run
	if p.SkipFeatureDetection {
		for _, file := range args {
			features, err := feature.ReadFile(featurePath(file))
			if err != nil {
				return err
			}
			runs = append(runs, align.Run{Name: feature.RunID(file), Features: features})
		}
	} else {
		runs, err = detectRuns(ctx, args, p)
		if err != nil {
			return err
		}
	}
	for _, run := range runs {
		progress(infoDefault, "%s: %d features", run.Name, len(run.Features))
	}

	res, err := align.Align(runs, p)
	if err != nil {
		return err
	}
	progress(infoDefault, "reference run: %s", res.Reference)
	progress(infoDefault, "groups: %d  fully aligned: %d  partially aligned: %d  unaligned: %d  rescued: %d",
		len(res.Groups), res.FullyAligned, res.PartiallyAligned, res.Unaligned, res.Rescued)
	for _, name := range res.Runs {
		if name == res.Reference {
			continue
		}
		progress(infoVerbose, "%s: SD of RT-shifts %.4f s, SD of m/z-shifts %.4f ppm",
			name, res.RTSd[name], res.MzSd[name])
	}

	spectra, err := collectMS2(args, res.Groups, p)
	if err != nil {
		return err
	}
	consolidated := consolidate.Merge(res.Groups, spectra, p)
	progress(infoDefault, "%d features have a consolidated MS2 spectrum", len(consolidated))

	var anns []library.Annotation
	if p.Library != "" {
		anns, err = annotate(consolidated, res.Groups, p)
		if err != nil {
			progress(infoDefault, "library search skipped: %v", err)
		} else {
			progress(infoDefault, "%d library annotations", len(anns))
		}
	}

	tablePath, err := output.WriteAlignedFile(outDir, p.OutputName, res, anns)
	if err != nil {
		return err
	}
	progress(infoDefault, "aligned feature table written to %s", tablePath)

	dbPath := filepath.Join(outDir, "align_"+p.OutputName+".db")
	w, err := output.NewSQLiteWriter(dbPath)
	if err != nil {
		return err
	}
	if err := w.WriteResult(res, anns); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	progress(infoVerbose, "SQLite export written to %s", dbPath)

	if p.Database != "" && p.MetFrag != "" {
		if err := searchDatabase(cobraCmd, consolidated, res.Groups, p); err != nil {
			return err
		}
	}
	return nil
}

// collectMS2 extracts the MS2 spectra of every input file and assigns
// them to the aligned groups
func collectMS2(files []string, groups []align.Group, p *params.Params) ([]consolidate.MS2Spectrum, error) {
	var all []consolidate.MS2Spectrum
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file, err)
		}
		mz, err := mzml.Read(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		spectra, err := consolidate.Extract(feature.RunID(file), &mz)
		if err != nil {
			return nil, err
		}
		consolidate.Assign(groups, spectra, p)
		all = append(all, spectra...)
	}
	return all, nil
}

func annotate(spectra []consolidate.Consolidated, groups []align.Group,
	p *params.Params) ([]library.Annotation, error) {

	db, err := library.Open(p.Library)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return library.Search(db, spectra, groups, p), nil
}

// searchDatabase runs the MetFrag collaborator and writes the
// candidate table. Per-feature failures are reported, not fatal.
func searchDatabase(cobraCmd *cobra.Command, spectra []consolidate.Consolidated,
	groups []align.Group, p *params.Params) error {

	matches, failed := library.SearchDatabase(cobraCmd.Context(), outDir,
		spectra, groupCharges(groups), p)
	for _, err := range failed {
		progress(infoDefault, "database search: %v", err)
	}

	path := filepath.Join(outDir, "align_"+p.OutputName+".database_matches")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := output.WriteDatabaseMatches(f, matches); err != nil {
		return err
	}
	progress(infoDefault, "%d database matches written to %s", len(matches), path)
	return nil
}

// groupCharges derives the charge of each group from its first member
// with an isotope-confirmed charge
func groupCharges(groups []align.Group) map[int]int {
	charges := make(map[int]int, len(groups))
	for _, g := range groups {
		z := 1
		for _, f := range g.Members {
			if f.Isotopes > 1 {
				z = f.Charge
				break
			}
		}
		charges[g.ID] = z
	}
	return charges
}
