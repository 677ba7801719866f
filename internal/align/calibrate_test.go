package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

func testCalibConfig() CalibConfig {
	return CalibConfig{TolInitial: 20, SDWidth: 5}
}

// shiftedRun returns a reference run of n features and a copy with a
// systematic RT shift (seconds) and m/z shift (ppm)
func shiftedRun(n int, rtShift, mzPPM float64) (ref, comp []feature.Feature) {
	for i := 0; i < n; i++ {
		mz := 100.0 + 20.0*float64(i)
		rt := 60.0 + 18.0*float64(i)
		intens := 500.0 + 37.0*float64(i)
		ref = append(ref, mkFeature(mz, rt, intens))
		comp = append(comp, mkFeature(mz*(1+mzPPM/1e6), rt+rtShift, intens))
	}
	return ref, comp
}

func TestCalibrateGlobalShift(t *testing.T) {
	ref, comp := shiftedRun(30, 5.0, 3.0)
	cal := Calibrate(ref, comp, testCalibConfig())

	require.Len(t, cal.Features, len(comp))
	require.Len(t, cal.RTSd, len(ref))
	require.Len(t, cal.MzSd, len(ref))

	for i := range ref {
		assert.InDelta(t, ref[i].RT, cal.Features[i].RT, 0.2,
			"systematic RT shift must be removed")
		assert.InDelta(t, 0, feature.PPM(cal.Features[i].Mz, ref[i].Mz), 0.5,
			"systematic m/z shift must be removed")
	}
	for i := range ref {
		assert.Greater(t, cal.RTSd[i], 0.0)
		assert.Greater(t, cal.MzSd[i], 0.0)
	}
}

func TestCalibrateLeavesInputsAlone(t *testing.T) {
	ref, comp := shiftedRun(20, 3.0, 2.0)
	before := comp[0]
	Calibrate(ref, comp, testCalibConfig())
	assert.Equal(t, before, comp[0])
}

func TestCalibrateEmpty(t *testing.T) {
	ref, _ := shiftedRun(5, 0, 0)
	cal := Calibrate(ref, nil, testCalibConfig())
	assert.Empty(t, cal.Features)
	require.Len(t, cal.RTSd, len(ref))

	cal = Calibrate(nil, ref, testCalibConfig())
	assert.Len(t, cal.Features, len(ref))
}

func TestRescueTolerances(t *testing.T) {
	rtSd := []float64{1, 2}
	mzSd := []float64{3, 4}

	tol := rescueTolerances(rtSd, mzSd, params.RescueTol{
		RTUnit: params.TolUnitSD, RTValue: 10,
		MzUnit: params.TolUnitSD, MzValue: 5,
	}, 2)
	assert.Equal(t, []float64{10, 20}, tol.RT)
	assert.Equal(t, []float64{15, 20}, tol.Mz)

	tol = rescueTolerances(rtSd, mzSd, params.RescueTol{
		RTUnit: params.TolUnitAbsolute, RTValue: 30,
		MzUnit: params.TolUnitAbsolute, MzValue: 10,
	}, 2)
	assert.Equal(t, []float64{30, 30}, tol.RT)
	assert.Equal(t, []float64{10, 10}, tol.Mz)
}

func TestRescuePassNeedsAlignedPairs(t *testing.T) {
	ref := []feature.Feature{mkFeature(100, 100, 1000)}
	comp := []feature.Feature{mkFeature(100, 130, 1000)}
	got := RescuePass(ref, comp, nil, nil, nil, []float64{1}, []float64{1},
		params.RescueTol{RTUnit: params.TolUnitAbsolute, RTValue: 60,
			MzUnit: params.TolUnitAbsolute, MzValue: 10},
		params.TieNormalizedDistance)
	assert.Empty(t, got, "no aligned pairs means no rescue criteria")
}

// alignRescueRuns builds a fixture where one intense pair sits well
// outside the primary tolerance but inside an absolute rescue window
func alignRescueRuns() []Run {
	var ref, comp []feature.Feature
	for i := 0; i < 11; i++ {
		mz := 100.0 + 50.0*float64(i)
		rt := 100.0 + 30.0*float64(i)
		ref = append(ref, mkFeature(mz, rt, 1000))
		comp = append(comp, mkFeature(mz, rt, 1000))
	}
	ref = append(ref, mkFeature(800, 450, 5000))
	comp = append(comp, mkFeature(800, 480, 5000)) // 30 s off
	return []Run{{Name: "R", Features: ref}, {Name: "C", Features: comp}}
}

func TestAlignRescue(t *testing.T) {
	runs := alignRescueRuns()
	p := testAlignParams()
	p.Rescue = true
	p.RescueSchedule = []params.RescueTol{{
		RTUnit: params.TolUnitAbsolute, RTValue: 60,
		MzUnit: params.TolUnitAbsolute, MzValue: 10,
	}}
	res, err := Align(runs, p)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rescued)
	assert.Equal(t, 12, res.FullyAligned)
	assert.Equal(t, 0, res.Unaligned)

	// Without rescue the pair stays apart
	p.Rescue = false
	res, err = Align(runs, p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Rescued)
	assert.Equal(t, 11, res.FullyAligned)
	assert.Equal(t, 2, res.Unaligned)
}

// Widening the tolerance may add matches but never undo earlier ones
func TestAlignRescueMonotonic(t *testing.T) {
	runs := alignRescueRuns()
	p := testAlignParams()
	res1, err := Align(runs, p)
	require.NoError(t, err)

	p.Rescue = true
	p.RescueSchedule = []params.RescueTol{{
		RTUnit: params.TolUnitAbsolute, RTValue: 60,
		MzUnit: params.TolUnitAbsolute, MzValue: 10,
	}}
	res2, err := Align(runs, p)
	require.NoError(t, err)

	for i, g := range res1.Groups {
		if len(g.Members) < 2 {
			continue
		}
		require.Equal(t, g.Members, res2.Groups[i].Members,
			"rescue must not reopen a resolved match")
	}
}
