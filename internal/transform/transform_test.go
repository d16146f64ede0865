package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jointcal/pkg/geometry"
)

const step = 1e-6

// numericParamDerivatives differentiates t with respect to parameter k by
// central differences on clones.
func numericParamDerivatives(t AstrometryTransform, p geometry.Point2D, k int) (dx, dy float64) {
	delta := make([]float64, t.NPar())
	plus, minus := t.Clone(), t.Clone()
	delta[k] = -step
	plus.OffsetParams(delta)
	delta[k] = step
	minus.OffsetParams(delta)
	a, b := plus.Apply(p), minus.Apply(p)
	return (a.X - b.X) / (2 * step), (a.Y - b.Y) / (2 * step)
}

func checkAstrometryDerivatives(t *testing.T, tr AstrometryTransform, points []geometry.Point2D) {
	t.Helper()
	n := tr.NPar()
	dx := make([]float64, n)
	dy := make([]float64, n)
	for _, p := range points {
		tr.ParamDerivatives(p, dx, dy)
		for k := 0; k < n; k++ {
			nx, ny := numericParamDerivatives(tr, p, k)
			assert.InDelta(t, nx, dx[k], 1e-5, "dX/dp%d at %v", k, p)
			assert.InDelta(t, ny, dy[k], 1e-5, "dY/dp%d at %v", k, p)
		}

		a11, a12, a21, a22 := tr.Jacobian(p)
		px := tr.Apply(geometry.Point2D{X: p.X + step, Y: p.Y})
		mx := tr.Apply(geometry.Point2D{X: p.X - step, Y: p.Y})
		py := tr.Apply(geometry.Point2D{X: p.X, Y: p.Y + step})
		my := tr.Apply(geometry.Point2D{X: p.X, Y: p.Y - step})
		assert.InDelta(t, (px.X-mx.X)/(2*step), a11, 1e-5)
		assert.InDelta(t, (py.X-my.X)/(2*step), a12, 1e-5)
		assert.InDelta(t, (px.Y-mx.Y)/(2*step), a21, 1e-5)
		assert.InDelta(t, (py.Y-my.Y)/(2*step), a22, 1e-5)
	}
}

func samplePolynomial() *Polynomial {
	p := NewPolynomial(3)
	p.SetCoeff(0, 0, 0, 0.5)
	p.SetCoeff(2, 0, 0, 0.02)
	p.SetCoeff(1, 1, 1, -0.03)
	p.SetCoeff(0, 3, 0, 0.004)
	p.SetCoeff(2, 1, 1, 0.001)
	return p
}

var samplePoints = []geometry.Point2D{{X: 0, Y: 0}, {X: 0.7, Y: -0.4}, {X: -1, Y: 1}}

func TestPolynomialLayout(t *testing.T) {
	assert.Equal(t, []int{1, 3, 6, 10}, []int{NTerms(0), NTerms(1), NTerms(2), NTerms(3)})

	p := NewPolynomial(2)
	assert.Equal(t, 12, p.NPar())
	assert.Equal(t, geometry.Identity(), p.Linear())
	assert.Equal(t, geometry.Point2D{X: 3, Y: -2}, p.Apply(geometry.Point2D{X: 3, Y: -2}))

	zero := NewPolynomial(0)
	assert.Equal(t, geometry.Point2D{}, zero.Apply(geometry.Point2D{X: 3, Y: 4}))
	assert.Equal(t, 0, NewPolynomial(-2).Order())

	a := geometry.AffineTransform{A: 1.1, B: 0.2, TX: 5, C: -0.1, D: 0.9, TY: -3}
	lin := NewLinear(a)
	assert.Equal(t, a, lin.Linear())
	want, got := a.Apply(geometry.Point2D{X: 2, Y: 7}), lin.Apply(geometry.Point2D{X: 2, Y: 7})
	assert.InDelta(t, want.X, got.X, 1e-12)
	assert.InDelta(t, want.Y, got.Y, 1e-12)
}

func TestPolynomialDerivatives(t *testing.T) {
	checkAstrometryDerivatives(t, samplePolynomial(), samplePoints)
}

func TestShift(t *testing.T) {
	s := NewShift(1, 2)
	assert.Equal(t, geometry.Point2D{X: 4, Y: 6}, s.Apply(geometry.Point2D{X: 3, Y: 4}))
	s.OffsetParams([]float64{0.5, -1})
	assert.Equal(t, []float64{0.5, 3}, s.Parameters())
	checkAstrometryDerivatives(t, s, samplePoints)
}

func TestComposite(t *testing.T) {
	affine := Affine{AffineTransform: geometry.AffineTransform{A: 1.96, B: -0.6, C: 0.4, D: 2.94}}
	c := Compose(samplePolynomial(), Compose(NewShift(0.1, -0.2), affine))
	require.Equal(t, 2+20, c.NPar())

	p := geometry.Point2D{X: 0.3, Y: 0.1}
	inner := NewShift(0.1, -0.2).Apply(affine.Apply(p))
	assert.Equal(t, samplePolynomial().Apply(inner), c.Apply(p))
	checkAstrometryDerivatives(t, c, samplePoints)

	clone := c.Clone()
	delta := make([]float64, c.NPar())
	delta[0] = 1
	clone.OffsetParams(delta)
	assert.NotEqual(t, c.Parameters(), clone.Parameters())
	assert.Equal(t, 0.1, c.Parameters()[0])
	assert.InDelta(t, -0.9, clone.Parameters()[0], 1e-12)
}

func TestApplyWithErrors(t *testing.T) {
	in := geometry.NewFatPoint(1, 2, 0.25, 1)
	out := ApplyWithErrors(Affine{AffineTransform: geometry.AffineTransform{A: 2, D: 3}}, in)
	assert.Equal(t, geometry.Point2D{X: 2, Y: 6}, out.Point2D)
	assert.Equal(t, 1.0, out.VX)
	assert.Equal(t, 9.0, out.VY)
	assert.Zero(t, out.VXY)

	same := ApplyWithErrors(Identity{}, in)
	assert.Equal(t, in, same)
}

func TestFitPolynomialToPairs(t *testing.T) {
	truth := NewPolynomial(2)
	truth.SetCoeff(0, 0, 0, 3)
	truth.SetCoeff(2, 0, 1, 0.05)
	truth.SetCoeff(1, 1, 0, -0.02)

	src := geometry.GridPoints(geometry.NewRect(-1, -1, 2, 2), 4)
	dst := make([]geometry.Point2D, len(src))
	for i, p := range src {
		dst[i] = truth.Apply(p)
	}
	got, err := FitPolynomialToPairs(src, dst, 2)
	require.NoError(t, err)
	want := truth.Parameters()
	for k, v := range got.Parameters() {
		assert.InDelta(t, want[k], v, 1e-9, "coefficient %d", k)
	}

	_, err = FitPolynomialToPairs(src, dst[:3], 2)
	assert.Error(t, err)
	_, err = FitPolynomialToPairs(src[:5], dst[:5], 2)
	assert.Error(t, err)
}

func TestFitPolynomialReproducesSeed(t *testing.T) {
	frame := geometry.NewRect(0, 0, 2000, 4000)
	seed := Compose(Affine{AffineTransform: geometry.AffineTransform{A: 0.2, B: -0.002, C: 0.002, D: 0.2}}, NewShift(-1000, 500))
	pre := geometry.NormalizeFrame(frame)

	poly, err := FitPolynomial(seed, pre, frame, 1)
	require.NoError(t, err)
	for _, p := range geometry.GridPoints(frame, 5) {
		want := seed.Apply(p)
		got := poly.Apply(pre.Apply(p))
		assert.InDelta(t, want.X, got.X, 1e-8)
		assert.InDelta(t, want.Y, got.Y, 1e-8)
	}
}

func numericPhotometryDerivative(tr PhotometryTransform, x, y, value float64, k int) float64 {
	delta := make([]float64, tr.NPar())
	plus, minus := tr.Clone(), tr.Clone()
	delta[k] = -step
	plus.OffsetParams(delta)
	delta[k] = step
	minus.OffsetParams(delta)
	return (plus.Transform(x, y, value) - minus.Transform(x, y, value)) / (2 * step)
}

func TestPhotometryTransforms(t *testing.T) {
	frame := geometry.NewRect(0, 0, 100, 200)
	fluxCheb := NewFluxChebyshev(2, frame, 1.5)
	fluxCheb.coeffs[1], fluxCheb.coeffs[4] = 0.1, -0.05
	magCheb := NewMagnitudeChebyshev(2, frame, 25)
	magCheb.coeffs[2], magCheb.coeffs[3] = 0.2, 0.01

	tests := []struct {
		name string
		tr   PhotometryTransform
		npar int
	}{
		{"flux scale", NewFluxScale(1.2), 1},
		{"magnitude offset", NewMagnitudeOffset(24.5), 1},
		{"flux chebyshev", fluxCheb, 6},
		{"magnitude chebyshev", magCheb, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.npar, tt.tr.NPar())
			derivs := make([]float64, tt.npar)
			for _, p := range []geometry.Point2D{{X: 0, Y: 0}, {X: 30, Y: 170}, {X: 100, Y: 200}} {
				value := 1000.0
				tt.tr.ParamDerivatives(p.X, p.Y, value, derivs)
				for k := range derivs {
					assert.InDelta(t, numericPhotometryDerivative(tt.tr, p.X, p.Y, value, k), derivs[k], 1e-4, "param %d at %v", k, p)
				}
				dv := (tt.tr.Transform(p.X, p.Y, value+step) - tt.tr.Transform(p.X, p.Y, value-step)) / (2 * step)
				assert.InDelta(t, dv, tt.tr.ValueDerivative(p.X, p.Y, value), 1e-5)
			}
			assert.NotEmpty(t, tt.tr.String())
		})
	}
}

func TestChebyshevSeededConstant(t *testing.T) {
	frame := geometry.NewRect(0, 0, 100, 200)
	f := NewFluxChebyshev(3, frame, 2)
	m := NewMagnitudeChebyshev(3, frame, 25)
	for _, p := range geometry.GridPoints(frame, 4) {
		assert.InDelta(t, 20.0, f.Transform(p.X, p.Y, 10), 1e-12)
		assert.InDelta(t, 0.2, f.TransformError(p.X, p.Y, 10, 0.1), 1e-12)
		assert.InDelta(t, 35.0, m.Transform(p.X, p.Y, 10), 1e-12)
		assert.Equal(t, 0.1, m.TransformError(p.X, p.Y, 10, 0.1))
	}

	out := make([]float64, 4)
	chebyshevSeries(0.5, out)
	assert.InDeltaSlice(t, []float64{1, 0.5, -0.5, -1}, out, 1e-12)
}

func TestPhotometryCloneIsIndependent(t *testing.T) {
	frame := geometry.NewRect(0, 0, 10, 10)
	for _, tr := range []PhotometryTransform{
		NewFluxScale(2), NewMagnitudeOffset(1), NewFluxChebyshev(1, frame, 2), NewMagnitudeChebyshev(1, frame, 1),
	} {
		clone := tr.Clone()
		delta := make([]float64, tr.NPar())
		delta[0] = 0.5
		clone.OffsetParams(delta)
		assert.InDelta(t, 0.5, tr.Parameters()[0]-clone.Parameters()[0], 1e-12, tr.String())
	}
}

func TestEvaluationDoesNotAllocate(t *testing.T) {
	p := samplePolynomial()
	cheb := NewFluxChebyshev(3, geometry.NewRect(0, 0, 100, 200), 1.5)
	pt := geometry.Point2D{X: 0.3, Y: -0.2}
	var sink float64
	allocs := testing.AllocsPerRun(100, func() {
		q := p.Apply(pt)
		a11, _, _, a22 := p.Jacobian(pt)
		sink += q.X + a11 + a22 + cheb.Transform(30, 40, 10)
	})
	assert.Zero(t, allocs)
	assert.NotZero(t, sink)
}

func TestHighOrderPolynomial(t *testing.T) {
	p := NewPolynomial(12)
	pt := geometry.Point2D{X: 0.3, Y: -0.2}
	assert.Equal(t, pt, p.Apply(pt))
	a11, a12, a21, a22 := p.Jacobian(pt)
	assert.Equal(t, [4]float64{1, 0, 0, 1}, [4]float64{a11, a12, a21, a22})

	cheb := NewMagnitudeChebyshev(12, geometry.NewRect(0, 0, 10, 10), 2)
	assert.InDelta(t, 7.0, cheb.Transform(3, 4, 5), 1e-12)
}
