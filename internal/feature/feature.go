// Package feature implements per-run feature detection for LC-MS data:
// peak picking, grouping of peaks across scans into 3-D features
// (m/z, retention time, intensity) and isotope/charge deconvolution.
package feature

import "errors"

// Mass constants
const (
	MassProton  = float64(1.007276466879)
	MassNeutron = float64(1.00335483507) // C13 - C12
)

// Scan is one spectrum of a run, peaks ordered by m/z
type Scan struct {
	Index   int     // scan index within the acquisition file
	RT      float64 // retention time in seconds
	MSLevel int
	Peaks   []Peak
}

// Peak is a single centroided m/z, intensity pair
type Peak struct {
	Mz     float64
	Intens float64
}

// Feature is a deconvoluted 3-D feature of a single run.
// Charge is at least 1; a feature with Isotopes == 1 has a defaulted,
// unconfirmed charge state.
type Feature struct {
	Index     int     // nominal feature index within the run
	Mz        float64 // monoisotopic m/z
	Charge    int
	Isotopes  int     // number of isotopic peaks collapsed into this feature
	RT        float64 // representative RT (apex), seconds
	MinRT     float64
	MaxRT     float64
	Intensity float64 // apex intensity of the monoisotopic trace
	ApexScan  int
	MinScan   int
	MaxScan   int
	SN        float64 // signal to noise ratio at the apex
	Run       string  // source run id
}

// PPM returns the relative deviation of mz from ref in parts per million
func PPM(mz, ref float64) float64 {
	return (mz - ref) / ref * 1e6
}

// Tol converts a ppm tolerance to an absolute m/z window at mz
func Tol(mz, ppm float64) float64 {
	return mz * ppm / 1e6
}

var (
	// ErrProfileData means the input contains non-centroided spectra
	ErrProfileData = errors.New("feature: input must contain centroid data, not profile data")
)
