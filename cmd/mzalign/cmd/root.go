// Package cmd implements the mzalign command line interface
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Verbosity of progress messages
const (
	infoDefault = iota
	infoSilent
	infoVerbose
)

var (
	paramFile string
	outDir    string
	quiet     bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "mzalign",
	Short: "mzalign - LC-MS metabolomics feature detection and alignment",
	Long: `mzalign detects 3-D features in mzML acquisitions, deconvolutes
isotopic envelopes, aligns features across runs against a reference
run with adaptive tolerances, and consolidates the MS2 spectra of the
aligned features for library and database annotation.`,
	Version: "1.0.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&paramFile, "params", "p", "",
		"Parameter file (required)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"Suppress progress output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Print extended progress output")
	rootCmd.MarkPersistentFlagRequired("params")

	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(alignCmd)

	alignCmd.Flags().StringVarP(&outDir, "out-dir", "o", ".",
		"Directory the aligned tables are written to")
}

func verbosity() int {
	switch {
	case quiet:
		return infoSilent
	case verbose:
		return infoVerbose
	}
	return infoDefault
}

// progress prints a progress message to stderr, gated by verbosity
func progress(level int, format string, args ...interface{}) {
	v := verbosity()
	if v == infoSilent {
		return
	}
	if level == infoVerbose && v != infoVerbose {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
