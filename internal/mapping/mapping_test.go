package mapping

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jointcal/internal/catalog"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

const step = 1e-6

func distortedPolynomial(order int, scale float64) *transform.Polynomial {
	p := transform.NewPolynomial(order)
	p.SetCoeff(0, 0, 0, 0.3*scale)
	p.SetCoeff(0, 0, 1, -0.2*scale)
	p.SetCoeff(1, 0, 0, 1.1)
	p.SetCoeff(0, 1, 0, 0.05*scale)
	p.SetCoeff(1, 0, 1, -0.04*scale)
	if order >= 2 {
		p.SetCoeff(2, 0, 0, 0.02*scale)
		p.SetCoeff(1, 1, 1, -0.03*scale)
		p.SetCoeff(0, 2, 1, 0.01*scale)
	}
	return p
}

func chipVisit() *ChipVisitAstrometryMapping {
	chip := NewPolyMapping(geometry.NewRect(0, 0, 200, 100), distortedPolynomial(2, 1))
	visit := NewPolyMapping(geometry.NewRect(-1.5, -1.5, 3, 3), distortedPolynomial(2, 0.5))
	chip.SetIndex(0)
	visit.SetIndex(chip.NPar())
	return NewChipVisitAstrometryMapping(chip, visit)
}

func nudge(m AstrometryMapping, k int, h float64) {
	delta := make([]float64, m.NPar())
	delta[k] = -h
	m.OffsetParams(delta)
}

func TestChipVisitAstrometryDerivatives(t *testing.T) {
	m := chipVisit()
	p := geometry.NewPoint2D(150, 30)
	npar := m.NPar()
	require.Equal(t, 24, npar)

	dx := make([]float64, npar)
	dy := make([]float64, npar)
	m.ComputeParameterDerivatives(p, dx, dy)

	for k := 0; k < npar; k++ {
		nudge(m, k, step)
		plus := m.Transform(p)
		nudge(m, k, -2*step)
		minus := m.Transform(p)
		nudge(m, k, step)

		assert.InDelta(t, (plus.X-minus.X)/(2*step), dx[k], 1e-6, "dx[%d]", k)
		assert.InDelta(t, (plus.Y-minus.Y)/(2*step), dy[k], 1e-6, "dy[%d]", k)
	}
}

func TestChipVisitAstrometryJacobian(t *testing.T) {
	m := chipVisit()
	p := geometry.NewPoint2D(40, 70)
	a11, a12, a21, a22 := m.Jacobian(p)

	h := 1e-4
	px := m.Transform(geometry.NewPoint2D(p.X+h, p.Y))
	mx := m.Transform(geometry.NewPoint2D(p.X-h, p.Y))
	py := m.Transform(geometry.NewPoint2D(p.X, p.Y+h))
	my := m.Transform(geometry.NewPoint2D(p.X, p.Y-h))
	assert.InDelta(t, (px.X-mx.X)/(2*h), a11, 1e-7)
	assert.InDelta(t, (py.X-my.X)/(2*h), a12, 1e-7)
	assert.InDelta(t, (px.Y-mx.Y)/(2*h), a21, 1e-7)
	assert.InDelta(t, (py.Y-my.Y)/(2*h), a22, 1e-7)
}

func TestChipVisitMappingIndices(t *testing.T) {
	m := chipVisit()
	idx := m.MappingIndices(nil)
	require.Len(t, idx, 24)
	for k, i := range idx {
		assert.Equal(t, k, i)
	}

	m.Chip().SetFixed(true)
	m.SetWhatToFit(true, true)
	assert.Equal(t, 12, m.NPar())
	idx = m.MappingIndices(idx[:0])
	assert.Equal(t, 12, idx[0])

	m.Chip().SetFixed(false)
	m.SetWhatToFit(true, false)
	assert.Equal(t, 12, m.NPar())
	assert.Equal(t, 0, m.MappingIndices(nil)[0])
}

func TestFixedMappingIsNoOp(t *testing.T) {
	m := NewPolyMapping(geometry.NewRect(0, 0, 10, 10), distortedPolynomial(1, 1))
	m.SetFixed(true)
	assert.Equal(t, 0, m.NPar())
	assert.Empty(t, m.MappingIndices(nil))

	before := m.Parameters()
	m.OffsetParams([]float64{1, 2, 3, 4, 5, 6})
	assert.Equal(t, before, m.Parameters())

	dx := []float64{7}
	dy := []float64{8}
	m.ComputeParameterDerivatives(geometry.NewPoint2D(1, 1), dx, dy)
	assert.Equal(t, []float64{7}, dx)
	assert.Equal(t, []float64{8}, dy)
}

func TestFreezeErrorTransform(t *testing.T) {
	m := NewPolyMapping(geometry.NewRect(0, 0, 2, 2), transform.NewLinear(geometry.Identity()))
	in := geometry.NewFatPoint(2, 1, 1, 1)

	// Frame normalization maps the 2 pixel frame onto a width of 2: unit scale.
	before := m.TransformErrors(in)
	assert.InDelta(t, 1, before.VX, 1e-12)

	m.FreezeErrorTransform()
	// Doubling the x scale moves positions but not frozen errors.
	delta := make([]float64, m.NPar())
	delta[1] = -1
	m.OffsetParams(delta)
	after := m.TransformErrors(in)
	assert.InDelta(t, before.VX, after.VX, 1e-12)
	assert.NotEqual(t, before.X, after.X)

	m.FreezeErrorTransform()
	assert.InDelta(t, before.VX, m.TransformErrors(in).VX, 1e-12)
}

func TestChipVisitAstrometryFrozenErrors(t *testing.T) {
	m := chipVisit()
	in := geometry.NewFatPoint(150, 30, 0.04, 0.09)
	m.FreezeErrorTransform()
	before := m.TransformErrors(in)

	// Second order terms on both sides: the visit Jacobian depends on where the
	// chip puts the point.
	for _, k := range []int{0, 4, 12, 16} {
		nudge(m, k, 0.5)
	}
	after := m.TransformErrors(in)
	assert.NotEqual(t, before.Point2D, after.Point2D)
	assert.Equal(t, before.VX, after.VX)
	assert.Equal(t, before.VY, after.VY)
	assert.Equal(t, before.VXY, after.VXY)
}

func TestChipVisitPhotometryFrozenErrors(t *testing.T) {
	m := chipVisitPhotometry()
	ms := photometryStar()
	m.FreezeErrorTransform()
	before := m.TransformError(ms, ms.InstFlux, ms.InstFluxErr)
	value := m.Transform(ms, ms.InstFlux)

	delta := make([]float64, m.NPar())
	delta[1], delta[4], delta[8] = 0.2, -0.1, 0.05
	m.OffsetParams(delta)
	assert.NotEqual(t, value, m.Transform(ms, ms.InstFlux))
	assert.Equal(t, before, m.TransformError(ms, ms.InstFlux, ms.InstFluxErr))
}

func TestUnfrozenErrorsFollowTransform(t *testing.T) {
	m := NewPolyMapping(geometry.NewRect(0, 0, 2, 2), transform.NewLinear(geometry.Identity()))
	in := geometry.NewFatPoint(1, 1, 1, 1)
	delta := make([]float64, m.NPar())
	delta[1] = -1
	m.OffsetParams(delta)
	assert.InDelta(t, 4, m.TransformErrors(in).VX, 1e-12)
}

func TestPixelToTangentPlaneIsIndependentCopy(t *testing.T) {
	m := NewPolyMapping(geometry.NewRect(0, 0, 100, 100), distortedPolynomial(2, 1))
	snapshot := m.PixelToTangentPlane()
	p := geometry.NewPoint2D(12, 34)
	assert.Equal(t, m.Transform(p), snapshot.Apply(p))

	delta := make([]float64, m.NPar())
	delta[0] = 1
	m.OffsetParams(delta)
	assert.NotEqual(t, m.Transform(p), snapshot.Apply(p))
}

func photometryStar() *catalog.MeasuredStar {
	ms := catalog.NewMeasuredStar(0, geometry.NewFatPoint(120, 40, 0.01, 0.01), 500, 5)
	ms.Focal = geometry.NewPoint2D(0.4, -0.7)
	return ms
}

func chipVisitPhotometry() *ChipVisitPhotometryMapping {
	chipT := transform.NewFluxChebyshev(2, geometry.NewRect(0, 0, 200, 100), 1.2)
	visitT := transform.NewFluxChebyshev(1, geometry.NewRect(-1, -1, 2, 2), 0.9)
	chipP := chipT.Parameters()
	chipP[1], chipP[4] = -0.1, 0.05
	chipT.OffsetParams(subtract(chipT.Parameters(), chipP))
	visitP := visitT.Parameters()
	visitP[2] = 0.07
	visitT.OffsetParams(subtract(visitT.Parameters(), visitP))

	chip := NewSimplePhotometryMapping(chipT)
	visit := NewSimplePhotometryMapping(visitT)
	visit.SetIndex(chip.NPar())
	return NewChipVisitPhotometryMapping(chip, visit)
}

func subtract(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

func TestChipVisitPhotometryDerivatives(t *testing.T) {
	m := chipVisitPhotometry()
	ms := photometryStar()
	npar := m.NPar()
	require.Equal(t, 9, npar)

	derivs := make([]float64, npar)
	m.ComputeParameterDerivatives(ms, ms.InstFlux, derivs)
	for k := 0; k < npar; k++ {
		delta := make([]float64, npar)
		delta[k] = -step
		m.OffsetParams(delta)
		plus := m.Transform(ms, ms.InstFlux)
		delta[k] = 2 * step
		m.OffsetParams(delta)
		minus := m.Transform(ms, ms.InstFlux)
		delta[k] = -step
		m.OffsetParams(delta)

		assert.InDelta(t, (plus-minus)/(2*step), derivs[k], 1e-5, "deriv[%d]", k)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, m.MappingIndices(nil))
}

func TestChipVisitPhotometryError(t *testing.T) {
	chip := NewSimplePhotometryMapping(transform.NewFluxScale(2))
	visit := NewSimplePhotometryMapping(transform.NewFluxScale(3))
	m := NewChipVisitPhotometryMapping(chip, visit)
	ms := photometryStar()

	assert.InDelta(t, 3000, m.Transform(ms, 500), 1e-9)
	assert.InDelta(t, 30, m.TransformError(ms, 500, 5), 1e-9)

	m.FreezeErrorTransform()
	m.OffsetParams([]float64{1, 1})
	assert.InDelta(t, 1000, m.Transform(ms, 500), 1e-9)
	assert.InDelta(t, 30, m.TransformError(ms, 500, 5), 1e-9)
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	chipVisit().Dump(&buf)
	assert.Contains(t, buf.String(), "chip∘visit")
	assert.Contains(t, buf.String(), "index=12")
}
