package feature

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBadFeatureFile is returned for malformed .feature files
var ErrBadFeatureFile = errors.New("feature: malformed feature file")

// Column header of the tab separated .feature file
var tableHeader = []string{
	"index", "m/z", "z", "nIsotopes", "MS1", "minMS1", "maxMS1",
	"RT", "minRT", "maxRT", "intensity", "S/N",
}

// WriteTable writes features as a tab separated table.
// RT values are written in seconds.
func WriteTable(w io.Writer, features []Feature) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, strings.Join(tableHeader, "\t"))
	for _, f := range features {
		fmt.Fprintf(bw, "%d\t%.6f\t%d\t%d\t%d\t%d\t%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\n",
			f.Index, f.Mz, f.Charge, f.Isotopes, f.ApexScan, f.MinScan, f.MaxScan,
			f.RT, f.MinRT, f.MaxRT, f.Intensity, f.SN)
	}
	return bw.Flush()
}

// WriteFile writes a .feature file
func WriteFile(path string, features []Feature) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteTable(f, features)
}

// ReadTable reads a tab separated feature table. Column order is taken
// from the header line; the legacy header names ("mz", "S/N ratio",
// "MS1ScanNumber") are accepted as aliases.
func ReadTable(r io.Reader, run string) ([]Feature, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty file", ErrBadFeatureFile)
	}
	cols, err := headerIndex(strings.Split(scanner.Text(), "\t"))
	if err != nil {
		return nil, err
	}

	var features []Feature
	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r\n")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		f, err := parseRow(fields, cols)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadFeatureFile, line, err)
		}
		f.Run = run
		features = append(features, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return features, nil
}

// ReadFile reads a .feature file; the run id is derived from the
// file name.
func ReadFile(path string) ([]Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTable(f, RunID(path))
}

// canonical maps accepted header names to the canonical column name
var canonical = map[string]string{
	"index":            "index",
	"m/z":              "m/z",
	"mz":               "m/z",
	"z":                "z",
	"nisotopes":        "nIsotopes",
	"ms1":              "MS1",
	"ms1scannumber":    "MS1",
	"minms1":           "minMS1",
	"minms1scannumber": "minMS1",
	"maxms1":           "maxMS1",
	"maxms1scannumber": "maxMS1",
	"rt":               "RT",
	"minrt":            "minRT",
	"maxrt":            "maxRT",
	"intensity":        "intensity",
	"s/n":              "S/N",
	"snratio":          "S/N",
}

func headerIndex(names []string) (map[string]int, error) {
	cols := make(map[string]int, len(names))
	for i, name := range names {
		canon, ok := canonical[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue // unknown columns are ignored
		}
		cols[canon] = i
	}
	for _, required := range []string{"m/z", "RT", "intensity"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrBadFeatureFile, required)
		}
	}
	return cols, nil
}

func parseRow(fields []string, cols map[string]int) (Feature, error) {
	var f Feature
	get := func(name string) (string, bool) {
		i, ok := cols[name]
		if !ok || i >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[i]), true
	}
	getFloat := func(name string, dst *float64) error {
		s, ok := get(name)
		if !ok || s == "" || s == "NA" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("column %s: %v", name, err)
		}
		*dst = v
		return nil
	}
	getInt := func(name string, dst *int) error {
		s, ok := get(name)
		if !ok || s == "" || s == "NA" {
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("column %s: %v", name, err)
		}
		*dst = v
		return nil
	}

	f.Charge = 1
	f.Isotopes = 1
	for _, step := range []error{
		getInt("index", &f.Index),
		getFloat("m/z", &f.Mz),
		getInt("z", &f.Charge),
		getInt("nIsotopes", &f.Isotopes),
		getInt("MS1", &f.ApexScan),
		getInt("minMS1", &f.MinScan),
		getInt("maxMS1", &f.MaxScan),
		getFloat("RT", &f.RT),
		getFloat("minRT", &f.MinRT),
		getFloat("maxRT", &f.MaxRT),
		getFloat("intensity", &f.Intensity),
		getFloat("S/N", &f.SN),
	} {
		if step != nil {
			return f, step
		}
	}
	if f.Charge < 1 {
		// Legacy files use z = 0 for an undetermined charge state
		f.Charge = 1
		f.Isotopes = 1
	}
	if f.MinRT == 0 && f.MaxRT == 0 {
		f.MinRT, f.MaxRT = f.RT, f.RT
	}
	return f, nil
}
