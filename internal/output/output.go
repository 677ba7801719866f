// Package output writes the aligned feature table, as a tab
// separated file and as a SQLite database.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/library"
)

// groupHeader is the fixed part of the aligned table header; per-run
// and annotation columns follow
var groupHeader = []string{"group", "m/z", "RT", "nRuns", "fullyAligned"}

// WriteAligned writes the aligned feature table. Each run contributes
// an m/z, RT and intensity column; groups the run did not join hold
// NA. When annotations are given, the best scoring one per group is
// appended.
func WriteAligned(w io.Writer, res *align.Result, anns []library.Annotation) error {
	best := bestAnnotations(anns)

	bw := bufio.NewWriter(w)
	cols := append([]string(nil), groupHeader...)
	for _, run := range res.Runs {
		cols = append(cols, run+"_mz", run+"_RT", run+"_intensity")
	}
	if best != nil {
		cols = append(cols, "compound", "formula", "adduct", "similarity")
	}
	fmt.Fprintln(bw, strings.Join(cols, "\t"))

	for _, g := range res.Groups {
		full := 0
		if g.FullyAligned {
			full = 1
		}
		fmt.Fprintf(bw, "%d\t%.6f\t%.4f\t%d\t%d",
			g.ID, g.Mz, g.RT, len(g.Members), full)
		for _, run := range res.Runs {
			if f, ok := g.Members[run]; ok {
				fmt.Fprintf(bw, "\t%.6f\t%.4f\t%.4f", f.Mz, f.RT, f.Intensity)
			} else {
				fmt.Fprintf(bw, "\tNA\tNA\tNA")
			}
		}
		if best != nil {
			if a, ok := best[g.ID]; ok {
				fmt.Fprintf(bw, "\t%s\t%s\t%s\t%.4f",
					a.Compound.Name, a.Compound.Formula, a.Adduct, a.Similarity)
			} else {
				fmt.Fprintf(bw, "\tNA\tNA\tNA\tNA")
			}
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

// WriteAlignedFile writes align_<name>.feature into dir and returns
// its path
func WriteAlignedFile(dir, name string, res *align.Result, anns []library.Annotation) (string, error) {
	path := filepath.Join(dir, "align_"+name+".feature")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return path, WriteAligned(f, res, anns)
}

// WriteDatabaseMatches writes the MetFrag candidate table
// (align_<name>.database_matches)
func WriteDatabaseMatches(w io.Writer, matches []library.DatabaseMatch) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, strings.Join([]string{
		"group", "Identifier", "MolecularFormula", "CompoundName",
		"SMILES", "InChIKey", "Score"}, "\t"))
	for _, m := range matches {
		fmt.Fprintf(bw, "%d\t%s\t%s\t%s\t%s\t%s\t%.4f\n",
			m.GroupID, m.Identifier, m.Formula, m.Name, m.SMILES, m.InChIKey, m.Score)
	}
	return bw.Flush()
}

// bestAnnotations keeps the highest similarity annotation per group.
// Returns nil when there are no annotations at all, so the table
// writer can omit the columns entirely.
func bestAnnotations(anns []library.Annotation) map[int]library.Annotation {
	if len(anns) == 0 {
		return nil
	}
	best := make(map[int]library.Annotation, len(anns))
	for _, a := range anns {
		if cur, ok := best[a.GroupID]; !ok || a.Similarity > cur.Similarity {
			best[a.GroupID] = a
		}
	}
	return best
}
