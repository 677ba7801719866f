package library

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/524D/mzalign/internal/consolidate"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

// ErrMetFrag is returned (wrapped) when a MetFrag invocation fails
var ErrMetFrag = errors.New("library: metfrag failed")

// DatabaseMatch is one candidate annotation returned by MetFrag
type DatabaseMatch struct {
	GroupID    int
	Identifier string
	Formula    string
	Name       string
	SMILES     string
	InChIKey   string
	Score      float64
}

// MetFragJob holds the per-spectrum file set handed to MetFrag
type MetFragJob struct {
	ParamFile  string
	PeakFile   string
	ResultFile string
}

// WriteMetFragFiles writes the MetFrag parameter and peak list files
// for one consolidated spectrum into dir. charge is needed to derive
// the neutral precursor mass.
func WriteMetFragFiles(dir string, s consolidate.Consolidated, charge int,
	p *params.Params) (MetFragJob, error) {

	if charge < 1 {
		charge = 1
	}
	job := MetFragJob{
		ParamFile:  filepath.Join(dir, fmt.Sprintf("metfrag_params_%d.txt", s.GroupID)),
		PeakFile:   filepath.Join(dir, fmt.Sprintf("metfrag_data_%d.txt", s.GroupID)),
		ResultFile: filepath.Join(dir, fmt.Sprintf("metfrag_result_%d.csv", s.GroupID)),
	}

	var mass float64
	if p.Mode == params.ModeNegative {
		mass = float64(charge) * (s.PrecursorMz + feature.MassProton)
	} else {
		mass = float64(charge) * (s.PrecursorMz - feature.MassProton)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PeakListPath = %s\n", job.PeakFile)
	if strings.EqualFold(p.Database, "pubchem") {
		fmt.Fprintf(&b, "MetFragDatabaseType = PubChem\n")
	} else {
		fmt.Fprintf(&b, "MetFragDatabaseType = LocalCSV\n")
		fmt.Fprintf(&b, "LocalDatabasePath = %s\n", p.Database)
	}
	fmt.Fprintf(&b, "DatabaseSearchRelativeMassDeviation = %g\n", p.MassTolFormula)
	fmt.Fprintf(&b, "FragmentPeakMatchRelativeMassDeviation = %g\n", p.MassTolMS2Peaks)
	fmt.Fprintf(&b, "NeutralPrecursorMass = %.6f\n", mass)
	fmt.Fprintf(&b, "PrecursorIonMode = 1\n")
	if p.Mode == params.ModePositive {
		fmt.Fprintf(&b, "IsPositiveIonMode = True\n")
	} else {
		fmt.Fprintf(&b, "IsPositiveIonMode = False\n")
	}
	fmt.Fprintf(&b, "MetFragScoreTypes = FragmenterScore\n")
	fmt.Fprintf(&b, "MetFragScoreWeights = 1.0\n")
	fmt.Fprintf(&b, "MetFragCandidateWriter = CSV\n")
	fmt.Fprintf(&b, "SampleName = metfrag_result_%d\n", s.GroupID)
	fmt.Fprintf(&b, "ResultsPath = %s\n", dir)
	fmt.Fprintf(&b, "MaximumTreeDepth = 2\n")
	fmt.Fprintf(&b, "MetFragPreProcessingCandidateFilter = UnconnectedCompoundFilter\n")
	fmt.Fprintf(&b, "MetFragPostProcessingCandidateFilter = InChIKeyFilter\n")
	if err := os.WriteFile(job.ParamFile, []byte(b.String()), 0644); err != nil {
		return job, err
	}

	var peaks strings.Builder
	for _, pk := range s.Peaks {
		fmt.Fprintf(&peaks, "%.6f\t%.4f\n", pk.Mz, pk.Intens)
	}
	if err := os.WriteFile(job.PeakFile, []byte(peaks.String()), 0644); err != nil {
		return job, err
	}
	return job, nil
}

// RunMetFrag invokes MetFrag on one spectrum and parses the result.
// A failing invocation or malformed result degrades to an error for
// this spectrum only.
func RunMetFrag(ctx context.Context, dir string, s consolidate.Consolidated,
	charge int, p *params.Params) ([]DatabaseMatch, error) {

	if len(s.Peaks) == 0 {
		return nil, nil
	}
	job, err := WriteMetFragFiles(dir, s, charge, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetFrag, err)
	}
	defer os.Remove(job.ParamFile)
	defer os.Remove(job.PeakFile)
	defer os.Remove(job.ResultFile)

	cmd := exec.CommandContext(ctx, "java", "-jar", p.MetFrag, job.ParamFile)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetFrag, err)
	}
	return ParseMetFragResult(job.ResultFile, s.GroupID)
}

// ParseMetFragResult reads a MetFrag candidate CSV. Column order
// varies between database types, so columns are resolved by name.
func ParseMetFragResult(path string, groupID int) ([]DatabaseMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetFrag, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetFrag, err)
	}
	if len(records) < 1 {
		return nil, nil
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[name] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var out []DatabaseMatch
	for _, row := range records[1:] {
		m := DatabaseMatch{
			GroupID:    groupID,
			Identifier: get(row, "Identifier"),
			Formula:    get(row, "MolecularFormula"),
			Name:       get(row, "CompoundName"),
			SMILES:     get(row, "SMILES"),
			InChIKey:   get(row, "InChIKey"),
		}
		if m.Name == "" {
			m.Name = get(row, "IUPACName")
		}
		if s := get(row, "Score"); s != "" {
			m.Score, _ = strconv.ParseFloat(s, 64)
		}
		out = append(out, m)
	}
	return out, nil
}

// SearchDatabase runs MetFrag for every consolidated spectrum and
// collects the candidate matches. Per-spectrum failures are reported
// through failed and leave that feature unannotated.
func SearchDatabase(ctx context.Context, dir string, spectra []consolidate.Consolidated,
	charges map[int]int, p *params.Params) (matches []DatabaseMatch, failed []error) {

	for _, s := range spectra {
		m, err := RunMetFrag(ctx, dir, s, charges[s.GroupID], p)
		if err != nil {
			failed = append(failed, fmt.Errorf("group %d: %w", s.GroupID, err))
			continue
		}
		matches = append(matches, m...)
	}
	return matches, failed
}
