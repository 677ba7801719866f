package align

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/524D/mzalign/internal/feature"
	"github.com/524D/mzalign/internal/params"
)

func testAlignParams() *params.Params {
	return &params.Params{
		Mode:             params.ModePositive,
		ReferencePolicy:  params.RefByFeatureCount,
		TolInitial:       20,
		SDWidth:          5,
		Rescue:           false,
		PctFullAlignment: 100,
		TieBreak:         params.TieNormalizedDistance,
	}
}

func mkFeature(mz, rt, intens float64) feature.Feature {
	return feature.Feature{
		Mz: mz, Charge: 1, Isotopes: 1,
		RT: rt, MinRT: rt - 5, MaxRT: rt + 5,
		Intensity: intens,
	}
}

// threeRuns builds the standard fixture: run A holds 5 features, run B
// the first 4 shifted by +2 s, run C the first 3 shifted by -1.5 s.
func threeRuns() []Run {
	var a, b, c []feature.Feature
	for i := 0; i < 5; i++ {
		mz := 100.0 + 100.0*float64(i)
		rt := 100.0 + 100.0*float64(i)
		intens := 1000.0 + 100.0*float64(i)
		a = append(a, mkFeature(mz, rt, intens))
		if i < 4 {
			b = append(b, mkFeature(mz, rt+2, intens))
		}
		if i < 3 {
			c = append(c, mkFeature(mz, rt-1.5, intens))
		}
	}
	return []Run{{Name: "A", Features: a}, {Name: "B", Features: b}, {Name: "C", Features: c}}
}

func TestSelectReference(t *testing.T) {
	runs := threeRuns()

	i, err := SelectReference(runs, params.RefByFeatureCount, "")
	require.NoError(t, err)
	assert.Equal(t, "A", runs[i].Name)

	i, err = SelectReference(runs, params.RefByIntensity, "")
	require.NoError(t, err)
	// A holds the most intense features (up to 1400)
	assert.Equal(t, "A", runs[i].Name)

	i, err = SelectReference(runs, params.RefExplicitFile, "/data/B.feature")
	require.NoError(t, err)
	assert.Equal(t, "B", runs[i].Name)

	_, err = SelectReference(runs, params.RefExplicitFile, "nosuch.feature")
	require.ErrorIs(t, err, params.ErrConfig)

	_, err = SelectReference(nil, params.RefByIntensity, "")
	require.ErrorIs(t, err, params.ErrConfig)
}

func TestMatchPassChargeAware(t *testing.T) {
	ref := []feature.Feature{
		{Mz: 500, RT: 100, Charge: 2, Isotopes: 3, Intensity: 1000},
	}
	comp := []feature.Feature{
		{Mz: 500.0001, RT: 100, Charge: 1, Isotopes: 2, Intensity: 1000}, // wrong charge
		{Mz: 500.002, RT: 102, Charge: 2, Isotopes: 2, Intensity: 500},   // right charge
	}
	tol := PassTol{RT: []float64{10}, Mz: []float64{10}}

	matches := MatchPass(ref, comp, nil, nil, tol, params.TieNormalizedDistance, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Comp, "a confirmed charge must only match an equal charge")

	// An unconfirmed charge matches anything
	comp[0].Isotopes = 1
	matches = MatchPass(ref, comp, nil, nil, tol, params.TieNormalizedDistance, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Comp)
}

func TestMatchPassTieBreak(t *testing.T) {
	ref := []feature.Feature{mkFeature(500, 100, 1000)}
	comp := []feature.Feature{
		mkFeature(500.0001, 100.1, 200), // closest
		mkFeature(500.001, 101, 5000),   // most intense
	}
	tol := PassTol{RT: []float64{10}, Mz: []float64{10}}

	matches := MatchPass(ref, comp, nil, nil, tol, params.TieNormalizedDistance, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, 0, matches[0].Comp)

	matches = MatchPass(ref, comp, nil, nil, tol, params.TieHighestIntensity, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, 1, matches[0].Comp)
}

func TestMatchPassLeavesClaimedAlone(t *testing.T) {
	ref := []feature.Feature{mkFeature(500, 100, 1000), mkFeature(600, 200, 900)}
	comp := []feature.Feature{mkFeature(500.0001, 100, 800), mkFeature(600.0001, 200, 700)}
	tol := PassTol{RT: []float64{10, 10}, Mz: []float64{10, 10}}

	refMatched := []bool{true, false}
	compMatched := []bool{true, false}
	matches := MatchPass(ref, comp, refMatched, compMatched, tol, params.TieNormalizedDistance, nil)
	require.Len(t, matches, 1)
	assert.Equal(t, Match{Ref: 1, Comp: 1}, matches[0])
	assert.Equal(t, []bool{true, false}, refMatched, "input state must not be modified")
	assert.Equal(t, []bool{true, false}, compMatched)
}

func TestAlignCompleteness(t *testing.T) {
	runs := threeRuns()
	res, err := Align(runs, testAlignParams())
	require.NoError(t, err)

	assert.Equal(t, "A", res.Reference)

	// Every input feature ends up in exactly one group
	total := 0
	for _, g := range res.Groups {
		require.NotEmpty(t, g.Members)
		assert.LessOrEqual(t, len(g.Members), len(runs), "at most one member per run")
		total += len(g.Members)
	}
	assert.Equal(t, 5+4+3, total)

	// mz 100..300 in all three runs, mz 400 in two, mz 500 in one
	assert.Equal(t, 3, res.FullyAligned)
	assert.Equal(t, 1, res.PartiallyAligned)
	assert.Equal(t, 1, res.Unaligned)
}

func TestAlignIdempotence(t *testing.T) {
	runs := threeRuns()
	p := testAlignParams()
	res1, err := Align(runs, p)
	require.NoError(t, err)
	res2, err := Align(runs, p)
	require.NoError(t, err)
	assert.Equal(t, res1.Groups, res2.Groups)
	assert.Equal(t, res1.FullyAligned, res2.FullyAligned)
}

func TestAlignCalibratesShift(t *testing.T) {
	runs := threeRuns()
	res, err := Align(runs, testAlignParams())
	require.NoError(t, err)

	// B's systematic +2 s shift must be removed from its members
	for _, g := range res.Groups {
		b, ok := g.Members["B"]
		if !ok {
			continue
		}
		a := g.Members["A"]
		assert.InDelta(t, a.RT, b.RT, 0.01)
	}
}

func TestAlignPctFullPromotion(t *testing.T) {
	runs := threeRuns()
	p := testAlignParams()
	p.PctFullAlignment = 60 // 2 of 3 runs suffice
	res, err := Align(runs, p)
	require.NoError(t, err)
	assert.Equal(t, 4, res.FullyAligned)
	assert.Equal(t, 0, res.PartiallyAligned)
	assert.Equal(t, 1, res.Unaligned)
}

func TestAlignSingleRun(t *testing.T) {
	runs := threeRuns()[:1]
	res, err := Align(runs, testAlignParams())
	require.NoError(t, err)
	require.Len(t, res.Groups, 5)
	for _, g := range res.Groups {
		assert.True(t, g.FullyAligned)
		assert.Len(t, g.Members, 1)
	}
}

func TestAlignReferenceEmpty(t *testing.T) {
	runs := []Run{
		{Name: "empty"},
		{Name: "full", Features: []feature.Feature{mkFeature(100, 100, 1000)}},
	}
	p := testAlignParams()
	p.ReferencePolicy = params.RefExplicitFile
	p.ReferenceFile = "empty.feature"
	_, err := Align(runs, p)
	require.ErrorIs(t, err, ErrReferenceEmpty)
}

func TestAlignLoadingBias(t *testing.T) {
	// B loaded at twice the level of A; correction scales it back
	var a, b []feature.Feature
	for i := 0; i < 4; i++ {
		mz := 100.0 + 100.0*float64(i)
		rt := 100.0 + 100.0*float64(i)
		a = append(a, mkFeature(mz, rt, 1000))
		b = append(b, mkFeature(mz, rt, 2000))
	}
	runs := []Run{{Name: "A", Features: a}, {Name: "B", Features: b}}
	res, err := Align(runs, testAlignParams())
	require.NoError(t, err)

	require.Greater(t, res.LoadingBias["B"], res.LoadingBias["A"])
	for _, g := range res.Groups {
		if len(g.Members) == 2 {
			assert.InDelta(t, g.Members["A"].Intensity, g.Members["B"].Intensity,
				g.Members["A"].Intensity*0.01)
		}
	}

	p := testAlignParams()
	p.SkipLoadingBiasCorrection = true
	res, err = Align(runs, p)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.LoadingBias["B"])
}
