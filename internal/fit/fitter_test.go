package fit

import (
	"bytes"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"jointcal/internal/catalog"
	"jointcal/internal/mapping"
	"jointcal/internal/model"
	"jointcal/internal/simulate"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

const testMatchCut = 3

func simulatedSky(t *testing.T, mutate func(*simulate.Options)) *simulate.Sky {
	t.Helper()
	opts := simulate.DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	sky, err := simulate.Generate(opts)
	require.NoError(t, err)
	return sky
}

func associate(t *testing.T, sky *simulate.Sky) *catalog.Associations {
	t.Helper()
	assoc := catalog.NewAssociations(nil)
	sky.Load(assoc)
	require.NoError(t, assoc.AssociateCatalogs(testMatchCut))
	assoc.PrepareFittedStars(2)
	require.NoError(t, assoc.Check())
	return assoc
}

// pinToTruth moves every fitted star onto the true position and flux of the
// star its measurements were drawn from.
func pinToTruth(t *testing.T, sky *simulate.Sky, assoc *catalog.Associations) {
	t.Helper()
	owner := make(map[catalog.StarID]int)
	for _, c := range assoc.CcdImages() {
		for _, ms := range c.Catalog {
			if ms.Fitted == catalog.NoStar {
				continue
			}
			s, ok := sky.TrueStar(ms)
			require.True(t, ok)
			if prev, seen := owner[ms.Fitted]; seen {
				require.Equal(t, prev, s, "fitted star %d mixes true stars", ms.Fitted)
			}
			owner[ms.Fitted] = s
			fs := assoc.FittedStar(ms.Fitted)
			fs.Point2D = sky.TruePositions[s]
			fs.SetFlux(sky.TrueFluxes[s], 0)
		}
	}
}

// maxTransformError is the largest distance between the fitted and the true
// pixel to tangent plane transforms over a grid of each image.
func maxTransformError(t *testing.T, sky *simulate.Sky, m model.AstrometryModel, images []*catalog.CcdImage) float64 {
	t.Helper()
	worst := 0.0
	for _, c := range images {
		got, ok := m.TangentPlaneTransform(c)
		require.True(t, ok)
		truth := sky.TrueTransforms[c.Key()]
		for _, p := range geometry.GridPoints(c.BBox, 5) {
			worst = math.Max(worst, got.Apply(p).Distance(truth.Apply(p)))
		}
	}
	return worst
}

func mustChi2(t *testing.T, f interface {
	ComputeChi2() (Chi2Statistic, error)
}) Chi2Statistic {
	t.Helper()
	c, err := f.ComputeChi2()
	require.NoError(t, err)
	return c
}

// shiftModel is a single image model whose only mapping is a translation.
type shiftModel struct {
	img *catalog.CcdImage
	m   *mapping.PolyMapping
	end int
}

func newShiftModel(img *catalog.CcdImage) *shiftModel {
	return &shiftModel{img: img, m: mapping.NewPolyMappingWithPre(geometry.Identity(), transform.NewShift(0, 0))}
}

func (s *shiftModel) AssignIndices(w model.WhatToFit, firstIndex int) int {
	s.m.SetFixed(!w.Has(model.Distortions))
	s.m.SetIndex(firstIndex)
	s.end = firstIndex + s.m.NPar()
	return s.end
}

func (s *shiftModel) OffsetParams(delta []float64) error {
	if len(delta) < s.end {
		return model.ErrSizeMismatch
	}
	s.m.OffsetParams(delta[s.m.Index():s.end])
	return nil
}

func (s *shiftModel) FindMapping(c *catalog.CcdImage) (mapping.AstrometryMapping, bool) {
	return s.m, c == s.img
}

func (s *shiftModel) FreezeErrorTransform() { s.m.FreezeErrorTransform() }
func (s *shiftModel) TotalParameters() int  { return s.m.NPar() }

func (s *shiftModel) TangentPlaneTransform(c *catalog.CcdImage) (transform.AstrometryTransform, bool) {
	return s.m.PixelToTangentPlane(), c == s.img
}

func (s *shiftModel) Dump(w io.Writer) { s.m.Dump(w) }

func singleStarFit(t *testing.T) (*AstrometryFit, *shiftModel, *catalog.Associations) {
	t.Helper()
	ms := catalog.NewMeasuredStar(0, geometry.NewFatPoint(10, 20, 1, 1), 100, 1)
	img := catalog.NewCcdImage(1, 0, geometry.NewRect(0, 0, 100, 100), transform.Identity{}, nil, []*catalog.MeasuredStar{ms})
	assoc := catalog.NewAssociations(nil)
	assoc.AddCcdImage(img)
	require.NoError(t, assoc.AssociateCatalogs(1))
	require.Equal(t, 1, assoc.NFittedStars())
	m := newShiftModel(img)
	return NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil), m, assoc
}

func TestAssignIndicesLayout(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)

	require.NoError(t, fit.AssignIndices("Distortions Positions"))
	nModel := 6 * len(assoc.CcdImages())
	assert.Equal(t, nModel, fit.NParModel())
	assert.Equal(t, nModel+2*assoc.NFittedStars(), fit.NParTot())
	assert.Equal(t, nModel, fit.StarIndex(0))
	assert.Equal(t, nModel+2, fit.StarIndex(1))
	assert.Equal(t, Configured, fit.State())

	require.NoError(t, fit.AssignIndices("Positions"))
	assert.Equal(t, 0, fit.NParModel())
	assert.Equal(t, 0, fit.StarIndex(0))

	require.NoError(t, fit.AssignIndices("Model"))
	assert.Equal(t, nModel, fit.NParTot())
	assert.Equal(t, -1, fit.StarIndex(0))
	assert.Equal(t, -1, fit.StarIndex(catalog.StarID(assoc.NFittedStars())))

	err = fit.AssignIndices("Distortions Fluxes")
	assert.Equal(t, model.ErrUnknownToken, errors.Cause(err))
}

func TestUnconfiguredFit(t *testing.T) {
	fit, _, _ := singleStarFit(t)
	assert.Equal(t, Unconfigured, fit.State())
	_, err := fit.ComputeChi2()
	assert.Error(t, err)
	assert.Error(t, fit.Assemble(NewTripletList(0), nil))
	assert.Error(t, fit.OffsetParams(nil))
	assert.Error(t, fit.MakeResTuple(io.Discard))
}

func TestOffsetParamsSizeMismatch(t *testing.T) {
	fit, _, _ := singleStarFit(t)
	require.NoError(t, fit.AssignIndices("Distortions Positions"))
	require.Equal(t, 4, fit.NParTot())

	err := fit.OffsetParams(make([]float64, 3))
	assert.Equal(t, model.ErrSizeMismatch, errors.Cause(err))
	err = fit.Assemble(NewTripletList(0), make([]float64, 5))
	assert.Equal(t, model.ErrSizeMismatch, errors.Cause(err))
}

func TestOffsetParamsSign(t *testing.T) {
	fit, m, assoc := singleStarFit(t)
	require.NoError(t, fit.AssignIndices("Distortions Positions"))
	require.NoError(t, fit.OffsetParams([]float64{1, 2, 3, 4}))

	assert.Equal(t, []float64{-1, -2}, m.m.Parameters())
	fs := assoc.FittedStar(0)
	assert.InDelta(t, 7, fs.X, 1e-12)
	assert.InDelta(t, 16, fs.Y, 1e-12)
	assert.Equal(t, Applied, fit.State())
	mustChi2(t, fit)
	assert.Equal(t, Evaluated, fit.State())
}

func TestMinimizeSolveFailureLeavesStateUntouched(t *testing.T) {
	fit, m, assoc := singleStarFit(t)
	before := *assoc.FittedStar(0)

	// A lone star fitted together with its image shift is degenerate.
	res, err := fit.Minimize("Distortions Positions", 0)
	require.NoError(t, err)
	assert.Equal(t, Failed, res)
	assert.Equal(t, SolveFailed, fit.State())
	assert.Equal(t, []float64{0, 0}, m.m.Parameters())
	assert.Equal(t, before, *assoc.FittedStar(0))
}

func TestMinimizeSingleBlock(t *testing.T) {
	fit, m, assoc := singleStarFit(t)
	assoc.FittedStar(0).X += 0.5

	res, err := fit.Minimize("Distortions", 0)
	require.NoError(t, err)
	assert.Equal(t, Converged, res)
	assert.InDeltaSlice(t, []float64{0.5, 0}, m.m.Parameters(), 1e-12)
	assert.InDelta(t, 0, mustChi2(t, fit).Chi2, 1e-20)
}

func TestMappingNotFound(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages()[1:], 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)

	_, err = fit.Minimize("Distortions", 0)
	assert.Equal(t, ErrMappingNotFound, errors.Cause(err))
}

func TestAstrometryRoundTrip(t *testing.T) {
	sky := simulatedSky(t, func(o *simulate.Options) {
		o.Ccds = 1
		o.StarsPerCcd = 10
		o.SeedError = 0
		o.RefError = 0
	})
	for _, img := range sky.Images {
		img.PixelToTangentPlane = transform.Compose(transform.NewShift(1.5, -1), sky.TrueTransforms[img.Key()])
	}
	assoc := associate(t, sky)
	require.Equal(t, 10, assoc.NFittedStars())
	pinToTruth(t, sky, assoc)

	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	before := maxTransformError(t, sky, m, assoc.CcdImages())
	assert.Greater(t, before, 1.7)

	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)
	require.NoError(t, fit.AssignIndices("Model"))
	prev := mustChi2(t, fit).Chi2
	for i := 0; i < 5; i++ {
		res, err := fit.Minimize("Model", 0)
		require.NoError(t, err)
		require.Equal(t, Converged, res)
		chi2 := mustChi2(t, fit).Chi2
		assert.LessOrEqual(t, chi2, prev*(1+1e-9), "iteration %d", i)
		prev = chi2
	}

	final := mustChi2(t, fit)
	assert.Equal(t, 2*30-18, final.NDof)
	assert.Greater(t, final.PerDof(), 0.4)
	assert.Less(t, final.PerDof(), 2.0)
	assert.Less(t, maxTransformError(t, sky, m, assoc.CcdImages()), 0.4)
}

func TestAstrometryWithReferences(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	linked := assoc.CollectRefStars(sky.Refs, testMatchCut)
	require.Equal(t, assoc.NFittedStars(), linked)

	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)

	for _, what := range []string{"Distortions", "Positions", "Distortions Positions", "Distortions Positions"} {
		res, err := fit.Minimize(what, 0)
		require.NoError(t, err)
		require.Equal(t, Converged, res, what)
	}
	final := mustChi2(t, fit)
	assert.Less(t, final.PerDof(), 2.0)
	assert.Less(t, maxTransformError(t, sky, m, assoc.CcdImages()), 0.2)
}

func TestConstrainedAstrometryWithReferences(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	assoc.CollectRefStars(sky.Refs, testMatchCut)

	m, err := model.NewConstrainedAstrometryModel(assoc.CcdImages(), 1, 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)

	for _, what := range []string{"DistortionsVisit", "Distortions", "Distortions Positions", "Distortions Positions", "Distortions Positions"} {
		res, err := fit.Minimize(what, 0)
		require.NoError(t, err)
		require.Equal(t, Converged, res, what)
	}
	assert.Less(t, mustChi2(t, fit).PerDof(), 2.0)
	assert.Less(t, maxTransformError(t, sky, m, assoc.CcdImages()), 0.2)
}

func TestParallelAssemblyIsDeterministic(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	assoc.CollectRefStars(sky.Refs, testMatchCut)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 2, nil)
	require.NoError(t, err)

	assemble := func(workers int) (*TripletList, []float64) {
		opts := DefaultOptions()
		opts.Workers = workers
		fit := NewAstrometryFit(assoc, m, 0.01, opts, nil)
		require.NoError(t, fit.AssignIndices("Distortions Positions"))
		tl := NewTripletList(0)
		grad := make([]float64, fit.NParTot())
		require.NoError(t, fit.Assemble(tl, grad))
		assert.Equal(t, Assembled, fit.State())
		return tl, grad
	}
	tl1, g1 := assemble(1)
	tl8, g8 := assemble(8)
	assert.Equal(t, tl1.Entries(), tl8.Entries())
	assert.Equal(t, g1, g8)
}

func TestOutlierContributionsMatchSurvivors(t *testing.T) {
	sky := simulatedSky(t, func(o *simulate.Options) {
		o.OutlierFraction = 0.05
		o.OutlierOffset = 1
		o.SeedError = 0.2
	})
	assoc := associate(t, sky)
	assoc.CollectRefStars(sky.Refs, testMatchCut)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)
	require.NoError(t, fit.AssignIndices("Distortions Positions"))
	n := fit.NParTot()

	allTL := NewTripletList(0)
	allGrad := make([]float64, n)
	require.NoError(t, fit.Assemble(allTL, allGrad))

	outliers, err := fit.FindOutliers(2)
	require.NoError(t, err)
	require.NotZero(t, outliers.Len())

	outTL := NewTripletList(0)
	outGrad := make([]float64, n)
	require.NoError(t, fit.OutliersContributions(outliers, outTL, outGrad))
	fit.RemoveOutliers(outliers)
	require.NoError(t, assoc.Check())

	keptTL := NewTripletList(0)
	keptGrad := make([]float64, n)
	require.NoError(t, fit.Assemble(keptTL, keptGrad))

	var diff mat.Dense
	diff.Sub(NormalMatrix(n, allTL), NormalMatrix(n, outTL))
	assert.True(t, mat.EqualApprox(NormalMatrix(n, keptTL), &diff, 1e-6))
	for i := range allGrad {
		assert.InDelta(t, keptGrad[i], allGrad[i]-outGrad[i], 1e-6)
	}
}

func TestFindOutliersSkipsSharedParameters(t *testing.T) {
	sky := simulatedSky(t, func(o *simulate.Options) {
		o.Ccds = 1
		o.OutlierFraction = 0.2
		o.OutlierOffset = 1
		o.SeedError = 0
		o.RefError = 0
	})
	assoc := associate(t, sky)
	pinToTruth(t, sky, assoc)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)
	require.NoError(t, fit.AssignIndices("Model"))

	// Every measurement of an image depends on all of that image's parameters,
	// so one pass drops at most one measurement per image.
	outliers, err := fit.FindOutliers(1)
	require.NoError(t, err)
	require.NotZero(t, outliers.Len())
	assert.Empty(t, outliers.Refs)
	perImage := make(map[*catalog.CcdImage]int)
	for _, ms := range outliers.Measured {
		perImage[ms.Ccd]++
	}
	for c, n := range perImage {
		assert.Equal(t, 1, n, c.Name)
	}
}

func outlierSky(t *testing.T) *simulate.Sky {
	return simulatedSky(t, func(o *simulate.Options) {
		o.Ccds = 1
		o.StarsPerCcd = 60
		o.OutlierFraction = 0.03
		o.OutlierOffset = 1
		o.SeedError = 0
		o.RefError = 0
	})
}

func TestMinimizeRejectsOutliers(t *testing.T) {
	for _, rankUpdate := range []bool{true, false} {
		sky := outlierSky(t)
		require.NotEmpty(t, sky.Outliers)
		assoc := associate(t, sky)
		pinToTruth(t, sky, assoc)
		m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
		require.NoError(t, err)
		m.FreezeErrorTransform()
		opts := DefaultOptions()
		opts.RankUpdate = rankUpdate
		fit := NewAstrometryFit(assoc, m, 0, opts, nil)

		res, err := fit.Minimize("Model", 0)
		require.NoError(t, err)
		require.Equal(t, Converged, res)
		withOutliers := mustChi2(t, fit)

		res, err = fit.Minimize("Model", 3)
		require.NoError(t, err)
		require.Equal(t, Converged, res)
		cleaned := mustChi2(t, fit)

		assert.Less(t, cleaned.PerDof(), withOutliers.PerDof())
		for _, ms := range sky.Outliers {
			assert.False(t, ms.Valid, "%s", ms)
		}
		require.NoError(t, assoc.Check())
	}
}

func TestRankUpdateMatchesReassembly(t *testing.T) {
	run := func(rankUpdate bool) ([]float64, []bool) {
		sky := outlierSky(t)
		assoc := associate(t, sky)
		pinToTruth(t, sky, assoc)
		m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
		require.NoError(t, err)
		m.FreezeErrorTransform()
		opts := DefaultOptions()
		opts.RankUpdate = rankUpdate
		fit := NewAstrometryFit(assoc, m, 0, opts, nil)
		res, err := fit.Minimize("Model", 3)
		require.NoError(t, err)
		require.Equal(t, Converged, res)

		var params []float64
		var valid []bool
		for _, c := range assoc.CcdImages() {
			pm, ok := m.FindMapping(c)
			require.True(t, ok)
			params = append(params, pm.Parameters()...)
			for _, ms := range c.Catalog {
				valid = append(valid, ms.Valid)
			}
		}
		return params, valid
	}
	p1, v1 := run(true)
	p2, v2 := run(false)
	assert.Equal(t, v2, v1)
	assert.InDeltaSlice(t, p2, p1, 1e-6)
}

func TestMaxOutlierRounds(t *testing.T) {
	sky := outlierSky(t)
	assoc := associate(t, sky)
	pinToTruth(t, sky, assoc)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	m.FreezeErrorTransform()
	opts := DefaultOptions()
	opts.MaxOutlierRounds = 1
	fit := NewAstrometryFit(assoc, m, 0, opts, nil)

	res, err := fit.Minimize("Model", 3)
	require.NoError(t, err)
	assert.Equal(t, Converged, res)

	// One round drops at most one measurement per image.
	invalid := 0
	for _, c := range assoc.CcdImages() {
		for _, ms := range c.Catalog {
			if !ms.Valid {
				invalid++
			}
		}
	}
	assert.LessOrEqual(t, invalid, len(assoc.CcdImages()))
	assert.NotZero(t, invalid)
}

func TestAstrometryResTuple(t *testing.T) {
	sky := simulatedSky(t, nil)
	assoc := associate(t, sky)
	m, err := model.NewSimpleAstrometryModel(assoc.CcdImages(), 1, nil)
	require.NoError(t, err)
	fit := NewAstrometryFit(assoc, m, 0, DefaultOptions(), nil)
	require.NoError(t, fit.AssignIndices("Distortions"))

	var buf bytes.Buffer
	require.NoError(t, fit.MakeResTuple(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	associated := 0
	for _, c := range assoc.CcdImages() {
		for _, ms := range c.Catalog {
			if ms.Fitted != catalog.NoStar {
				associated++
			}
		}
	}
	require.Len(t, lines, associated+1)
	assert.True(t, strings.HasPrefix(lines[0], "ccd\tvisit\tchip"))
	assert.Len(t, strings.Split(lines[1], "\t"), 14)
}

func TestMinimizeResultString(t *testing.T) {
	assert.Equal(t, "Converged", Converged.String())
	assert.Equal(t, "NonFinite", NonFinite.String())
	assert.Equal(t, "solve failed", SolveFailed.String())
	assert.True(t, math.IsNaN(Chi2Statistic{Chi2: 3}.PerDof()))
	assert.Equal(t, 1.5, Chi2Statistic{Chi2: 3, NDof: 2}.PerDof())
}
