package consolidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/align"
	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

func testConsolidateParams() *params.Params {
	return &params.Params{
		IsolationWindow:       1.0,
		PPIMax:                true,
		TolPrecursor:          10,
		TolIntraMS2:           10,
		TolInterMS2:           20,
		NumPeaksMS2Similarity: 30,
	}
}

func groupAt(id int, run string, mz, rt, intens float64) align.Group {
	return align.Group{
		ID: id, Mz: mz, RT: rt,
		Members: map[string]feature.Feature{
			run: {Mz: mz, RT: rt, MinRT: rt - 10, MaxRT: rt + 10, Intensity: intens,
				Charge: 1, Isotopes: 1},
		},
	}
}

func TestAssignMaxPPI(t *testing.T) {
	groups := []align.Group{
		groupAt(0, "r1", 200.10, 100, 5000),
		groupAt(1, "r1", 200.40, 100, 1000), // same isolation window, weaker
		groupAt(2, "r1", 300.00, 100, 9000), // outside the window
	}
	spectra := []MS2Spectrum{{
		Run: "r1", PrecursorMz: 200.1001, RT: 100,
		Peaks: []feature.Peak{{Mz: 90, Intens: 10}},
	}}

	Assign(groups, spectra, testConsolidateParams())
	require.Equal(t, []int{0}, spectra[0].GroupIDs)
	assert.Equal(t, 200.10, spectra[0].PrecursorMz,
		"precursor within tol_precursor snaps to the feature m/z")
}

func TestAssignThreshold(t *testing.T) {
	groups := []align.Group{
		groupAt(0, "r1", 200.10, 100, 7000),
		groupAt(1, "r1", 200.40, 100, 2900),
		groupAt(2, "r1", 200.60, 100, 100),
	}
	spectra := []MS2Spectrum{{Run: "r1", PrecursorMz: 200.3, RT: 100}}

	p := testConsolidateParams()
	p.PPIMax = false
	p.PPIThreshold = 25
	Assign(groups, spectra, p)
	// 70% and 29% pass, 1% does not
	assert.Equal(t, []int{0, 1}, spectra[0].GroupIDs)
}

func TestAssignRespectsRTRange(t *testing.T) {
	groups := []align.Group{groupAt(0, "r1", 200.10, 100, 5000)}
	spectra := []MS2Spectrum{
		{Run: "r1", PrecursorMz: 200.1, RT: 150}, // outside MinRT..MaxRT
		{Run: "r2", PrecursorMz: 200.1, RT: 100}, // no member for this run
	}
	Assign(groups, spectra, testConsolidateParams())
	assert.Empty(t, spectra[0].GroupIDs)
	assert.Empty(t, spectra[1].GroupIDs)
}

func TestMergeIntraAndInter(t *testing.T) {
	groups := []align.Group{groupAt(0, "r1", 200.10, 100, 5000)}
	groups[0].Members["r2"] = feature.Feature{
		Mz: 200.10, RT: 100, MinRT: 90, MaxRT: 110, Intensity: 4000, Charge: 1, Isotopes: 1,
	}
	spectra := []MS2Spectrum{
		{Run: "r1", GroupIDs: []int{0}, Peaks: []feature.Peak{
			{Mz: 100.0000, Intens: 100}, {Mz: 150.0, Intens: 50}}},
		{Run: "r1", GroupIDs: []int{0}, Peaks: []feature.Peak{
			{Mz: 100.0005, Intens: 300}}}, // 5 ppm from the first
		{Run: "r2", GroupIDs: []int{0}, Peaks: []feature.Peak{
			{Mz: 100.0015, Intens: 200}}}, // 15 ppm: inter-run only
	}

	out := Merge(groups, spectra, testConsolidateParams())
	require.Len(t, out, 1)
	c := out[0]
	assert.Equal(t, 0, c.GroupID)
	assert.Equal(t, 2, c.Runs)
	assert.Equal(t, 200.10, c.PrecursorMz)

	// 100.0000+100.0005 merge intra-run, the r2 peak joins inter-run
	require.Len(t, c.Peaks, 2)
	assert.InDelta(t, 100.0008, c.Peaks[0].Mz, 0.0005)
	assert.Equal(t, 600.0, c.Peaks[0].Intens)
	assert.Equal(t, 150.0, c.Peaks[1].Mz)
}

func TestMergeTopPeaks(t *testing.T) {
	groups := []align.Group{groupAt(0, "r1", 200.10, 100, 5000)}
	var peaks []feature.Peak
	for i := 0; i < 50; i++ {
		peaks = append(peaks, feature.Peak{Mz: 100 + float64(i), Intens: float64(i + 1)})
	}
	spectra := []MS2Spectrum{{Run: "r1", GroupIDs: []int{0}, Peaks: peaks}}

	p := testConsolidateParams()
	p.NumPeaksMS2Similarity = 10
	out := Merge(groups, spectra, p)
	require.Len(t, out, 1)
	require.Len(t, out[0].Peaks, 10)
	// The strongest ten survive, in m/z order
	assert.Equal(t, 140.0, out[0].Peaks[0].Mz)
	assert.Equal(t, 149.0, out[0].Peaks[9].Mz)
}

func TestMergeNoSpectra(t *testing.T) {
	groups := []align.Group{groupAt(0, "r1", 200.10, 100, 5000)}
	out := Merge(groups, nil, testConsolidateParams())
	assert.Empty(t, out)
}
