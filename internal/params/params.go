// Package params loads and validates the pipeline parameter file.
// The file uses the classic metabolomics "key = value" format with
// '#' comments, which is close enough to Java properties that viper
// can parse it with the go-viper properties codec.
package params

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-viper/encoding/javaproperties"
	"github.com/spf13/viper"
)

// ErrConfig is returned (wrapped) for any invalid or missing setting.
var ErrConfig = errors.New("invalid configuration")

// Ionization mode
const (
	ModePositive = 1
	ModeNegative = -1
)

// Reference run selection policies
type RefPolicy int

const (
	RefByIntensity    RefPolicy = iota // run with the highest median of top-100 intensities
	RefByFeatureCount                  // run with the most features
	RefExplicitFile                    // a named feature file is the reference
)

// Tolerance units for the rescue schedule
type TolUnit int

const (
	TolUnitSD       TolUnit = 1 // multiples of the estimated shift SD
	TolUnitAbsolute TolUnit = 2 // absolute seconds (RT) or ppm (m/z)
)

// RescueTol is one entry of the rescue tolerance schedule. The schedule
// is applied in the listed order, each pass only considering features
// left unmatched by earlier passes.
type RescueTol struct {
	RTUnit  TolUnit
	RTValue float64
	MzUnit  TolUnit
	MzValue float64
}

// Tie-break rules when multiple features fall within matching tolerance
const (
	TieNormalizedDistance = 0 // smallest |dRT|/rtTol + |dmz|/mzTol
	TieHighestIntensity   = 1 // most intense candidate (original JUMPm behavior)
)

// Params holds every recognized option of the parameter file.
type Params struct {
	Mode       int    // 1 (positive) or -1 (negative)
	OutputName string // output prefix, written as align_<OutputName>

	// Feature detection
	SkipFeatureDetection bool    // consume pre-computed .feature files instead of raw data
	FirstScanExtraction  int     // first scan index used for feature detection
	LastScanExtraction   int     // last scan index used for feature detection
	MinPeakIntensity     float64 // peaks below this intensity are ignored
	SignalNoiseRatio     float64 // minimum S/N for peak picking
	MassTolPeakMatching  float64 // ppm tolerance for extending a trace with a peak
	SkippingScans        int     // max consecutive scans a trace may miss before closing
	MaxPctRTRange        float64 // traces spanning more than this % of the run RT span are artifacts
	DeisotopePPM         float64 // ppm tolerance for isotope spacing within a run
	DechargePPM          float64 // ppm tolerance for charge-state grouping
	MaxCharge            int     // highest charge state hypothesis tried

	// Alignment
	ReferencePolicy           RefPolicy
	ReferenceFile             string // only for RefExplicitFile
	TolInitial                float64
	SDWidth                   float64
	Rescue                    bool
	RescueSchedule            []RescueTol
	PctFullAlignment          float64
	SkipLoadingBiasCorrection bool
	TieBreak                  int

	// MS2 consolidation
	IsolationWindow       float64
	PPIThreshold          float64 // percentage of precursor ion; ignored when PPIMax
	PPIMax                bool    // assign only the max-PPI feature
	TolPrecursor          float64
	TolIntraMS2           float64
	TolInterMS2           float64
	NumPeaksMS2Similarity int

	// Library / database search collaborators
	Library            string
	LibraryMassTol     float64
	LibraryRTAlignment bool
	Database           string
	MetFrag            string
	MassTolFormula     float64
	MassTolMS2Peaks    float64

	// Adduct name -> mass delta, selected by Mode
	Adducts map[string]float64
}

// Load reads a parameter file and returns validated Params.
func Load(path string) (*Params, error) {
	// The properties codec lives outside viper core since v1.20
	registry := viper.NewCodecRegistry()
	if err := registry.RegisterCodec("properties", &javaproperties.Codec{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	v := viper.NewWithOptions(viper.WithCodecRegistry(registry))
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", 1)
	v.SetDefault("output_name", "mzalign")
	v.SetDefault("skip_feature_detection", 0)
	v.SetDefault("first_scan_extraction", 0)
	v.SetDefault("last_scan_extraction", 1000000)
	v.SetDefault("min_peak_intensity", 0.0)
	v.SetDefault("signal_noise_ratio", 10.0)
	v.SetDefault("mass_tolerance_peak_matching", 10.0)
	v.SetDefault("skipping_scans", 3)
	v.SetDefault("max_percentage_rt_range", 100.0)
	v.SetDefault("deisotope_ppm", 10.0)
	v.SetDefault("decharge_ppm", 10.0)
	v.SetDefault("max_charge_state", 4)
	v.SetDefault("reference_feature", "0")
	v.SetDefault("tol_initial", 20.0)
	v.SetDefault("sd_width", 5.0)
	v.SetDefault("rescue", 1)
	v.SetDefault("rt_tolerance_unit", "1")
	v.SetDefault("rt_tolerance_value", "10")
	v.SetDefault("mz_tolerance_unit", "1")
	v.SetDefault("mz_tolerance_value", "10")
	v.SetDefault("pct_full_alignment", 100.0)
	v.SetDefault("skip_loading_bias_correction", 0)
	v.SetDefault("tie_break", TieNormalizedDistance)
	v.SetDefault("isolation_window", 1.0)
	v.SetDefault("ppi_threshold_of_features", "max")
	v.SetDefault("tol_precursor", 10.0)
	v.SetDefault("tol_intra_ms2_consolidation", 10.0)
	v.SetDefault("tol_inter_ms2_consolidation", 20.0)
	v.SetDefault("num_peaks_ms2_similarity", 30)
	v.SetDefault("library_mass_tolerance", 10.0)
	v.SetDefault("library_rt_alignment", 0)
	v.SetDefault("mass_tolerance_formula_search", 10.0)
	v.SetDefault("mass_tolerance_ms2_peaks", 10.0)
}

func fromViper(v *viper.Viper) (*Params, error) {
	p := &Params{
		Mode:                      v.GetInt("mode"),
		OutputName:                v.GetString("output_name"),
		SkipFeatureDetection:      v.GetInt("skip_feature_detection") == 1,
		FirstScanExtraction:       v.GetInt("first_scan_extraction"),
		LastScanExtraction:        v.GetInt("last_scan_extraction"),
		MinPeakIntensity:          v.GetFloat64("min_peak_intensity"),
		SignalNoiseRatio:          v.GetFloat64("signal_noise_ratio"),
		MassTolPeakMatching:       v.GetFloat64("mass_tolerance_peak_matching"),
		SkippingScans:             v.GetInt("skipping_scans"),
		MaxPctRTRange:             v.GetFloat64("max_percentage_rt_range"),
		DeisotopePPM:              v.GetFloat64("deisotope_ppm"),
		DechargePPM:               v.GetFloat64("decharge_ppm"),
		MaxCharge:                 v.GetInt("max_charge_state"),
		TolInitial:                v.GetFloat64("tol_initial"),
		SDWidth:                   v.GetFloat64("sd_width"),
		Rescue:                    v.GetInt("rescue") == 1,
		PctFullAlignment:          v.GetFloat64("pct_full_alignment"),
		SkipLoadingBiasCorrection: v.GetInt("skip_loading_bias_correction") == 1,
		TieBreak:                  v.GetInt("tie_break"),
		IsolationWindow:           v.GetFloat64("isolation_window"),
		TolPrecursor:              v.GetFloat64("tol_precursor"),
		TolIntraMS2:               v.GetFloat64("tol_intra_ms2_consolidation"),
		TolInterMS2:               v.GetFloat64("tol_inter_ms2_consolidation"),
		NumPeaksMS2Similarity:     v.GetInt("num_peaks_ms2_similarity"),
		Library:                   v.GetString("library"),
		LibraryMassTol:            v.GetFloat64("library_mass_tolerance"),
		LibraryRTAlignment:        v.GetInt("library_rt_alignment") == 1,
		Database:                  v.GetString("database"),
		MetFrag:                   v.GetString("metfrag"),
		MassTolFormula:            v.GetFloat64("mass_tolerance_formula_search"),
		MassTolMS2Peaks:           v.GetFloat64("mass_tolerance_ms2_peaks"),
	}

	switch ref := v.GetString("reference_feature"); ref {
	case "0":
		p.ReferencePolicy = RefByIntensity
	case "1":
		p.ReferencePolicy = RefByFeatureCount
	default:
		p.ReferencePolicy = RefExplicitFile
		p.ReferenceFile = ref
	}

	ppi := strings.TrimSpace(v.GetString("ppi_threshold_of_features"))
	if strings.EqualFold(ppi, "max") {
		p.PPIMax = true
	} else {
		f, err := strconv.ParseFloat(ppi, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ppi_threshold_of_features %q", ErrConfig, ppi)
		}
		p.PPIThreshold = f
	}

	var err error
	p.RescueSchedule, err = parseRescueSchedule(
		v.GetString("rt_tolerance_unit"), v.GetString("rt_tolerance_value"),
		v.GetString("mz_tolerance_unit"), v.GetString("mz_tolerance_value"))
	if err != nil {
		return nil, err
	}

	p.Adducts = adductTable(v, p.Mode)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseRescueSchedule pairs up the comma-separated unit/value lists.
// All four lists must have the same length.
func parseRescueSchedule(rtUnits, rtValues, mzUnits, mzValues string) ([]RescueTol, error) {
	ru, err := splitInts(rtUnits)
	if err != nil {
		return nil, fmt.Errorf("%w: rt_tolerance_unit: %v", ErrConfig, err)
	}
	rv, err := splitFloats(rtValues)
	if err != nil {
		return nil, fmt.Errorf("%w: rt_tolerance_value: %v", ErrConfig, err)
	}
	mu, err := splitInts(mzUnits)
	if err != nil {
		return nil, fmt.Errorf("%w: mz_tolerance_unit: %v", ErrConfig, err)
	}
	mv, err := splitFloats(mzValues)
	if err != nil {
		return nil, fmt.Errorf("%w: mz_tolerance_value: %v", ErrConfig, err)
	}
	if len(ru) != len(rv) || len(mu) != len(mv) || len(ru) != len(mu) {
		return nil, fmt.Errorf("%w: rescue tolerance lists have unequal lengths", ErrConfig)
	}
	sched := make([]RescueTol, len(ru))
	for i := range ru {
		if ru[i] != int(TolUnitSD) && ru[i] != int(TolUnitAbsolute) {
			return nil, fmt.Errorf("%w: rt_tolerance_unit must be 1 or 2, got %d", ErrConfig, ru[i])
		}
		if mu[i] != int(TolUnitSD) && mu[i] != int(TolUnitAbsolute) {
			return nil, fmt.Errorf("%w: mz_tolerance_unit must be 1 or 2, got %d", ErrConfig, mu[i])
		}
		sched[i] = RescueTol{
			RTUnit: TolUnit(ru[i]), RTValue: rv[i],
			MzUnit: TolUnit(mu[i]), MzValue: mv[i],
		}
	}
	return sched, nil
}

// adductTable collects the mode-dependent adduct mass deltas. Keys look
// like "adduct_na = 21.981944" with an optional "neg_" prefix for the
// negative mode table.
func adductTable(v *viper.Viper, mode int) map[string]float64 {
	adducts := make(map[string]float64)
	prefix := "adduct_"
	skip := "adduct_neg_"
	if mode == ModeNegative {
		prefix = "adduct_neg_"
		skip = ""
	}
	for _, key := range v.AllKeys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if skip != "" && strings.HasPrefix(key, skip) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		adducts[name] = v.GetFloat64(key)
	}
	return adducts
}

// Validate checks cross-field constraints that cannot fail at parse time.
func (p *Params) Validate() error {
	if p.Mode != ModePositive && p.Mode != ModeNegative {
		return fmt.Errorf("%w: mode must be 1 or -1, got %d", ErrConfig, p.Mode)
	}
	if p.OutputName == "" {
		return fmt.Errorf("%w: output_name must not be empty", ErrConfig)
	}
	if p.FirstScanExtraction < 0 || p.LastScanExtraction < p.FirstScanExtraction {
		return fmt.Errorf("%w: invalid scan extraction range %d:%d",
			ErrConfig, p.FirstScanExtraction, p.LastScanExtraction)
	}
	if p.MassTolPeakMatching <= 0 {
		return fmt.Errorf("%w: mass_tolerance_peak_matching must be positive", ErrConfig)
	}
	if p.SkippingScans < 0 {
		return fmt.Errorf("%w: skipping_scans must not be negative", ErrConfig)
	}
	if p.MaxCharge < 1 {
		return fmt.Errorf("%w: max_charge_state must be at least 1", ErrConfig)
	}
	if p.SDWidth <= 0 {
		return fmt.Errorf("%w: sd_width must be positive", ErrConfig)
	}
	if p.PctFullAlignment < 0 || p.PctFullAlignment > 100 {
		return fmt.Errorf("%w: pct_full_alignment must be within 0..100", ErrConfig)
	}
	if p.TieBreak != TieNormalizedDistance && p.TieBreak != TieHighestIntensity {
		return fmt.Errorf("%w: tie_break must be 0 or 1", ErrConfig)
	}
	if !p.PPIMax && (p.PPIThreshold < 0 || p.PPIThreshold > 100) {
		return fmt.Errorf("%w: ppi_threshold_of_features must be \"max\" or within 0..100", ErrConfig)
	}
	if p.NumPeaksMS2Similarity < 1 {
		return fmt.Errorf("%w: num_peaks_ms2_similarity must be at least 1", ErrConfig)
	}
	return nil
}

func splitInts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func splitFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
