package transform

import (
	"fmt"
	"math"
	"strings"

	"jointcal/pkg/geometry"
)

// PhotometryTransform maps an instrumental value measured at (x, y) onto a
// calibrated value. Flux transforms are multiplicative, magnitude transforms
// additive.
type PhotometryTransform interface {
	Transform(x, y, value float64) float64

	// TransformError propagates the value uncertainty.
	TransformError(x, y, value, valueErr float64) float64

	// ValueDerivative returns ∂Transform/∂value, used to chain transforms.
	ValueDerivative(x, y, value float64) float64

	NPar() int
	Parameters() []float64
	OffsetParams(delta []float64)
	ParamDerivatives(x, y, value float64, derivs []float64)

	Clone() PhotometryTransform
	String() string
}

// FluxScale multiplies the flux by a single spatially invariant factor.
type FluxScale struct {
	Value float64
}

// NewFluxScale creates a flux scale transform.
func NewFluxScale(v float64) *FluxScale { return &FluxScale{Value: v} }

func (f *FluxScale) Transform(_, _ float64, value float64) float64 { return value * f.Value }

func (f *FluxScale) TransformError(_, _ float64, _, valueErr float64) float64 {
	return math.Abs(valueErr * f.Value)
}

func (f *FluxScale) ValueDerivative(_, _ float64, _ float64) float64 { return f.Value }

func (f *FluxScale) NPar() int { return 1 }
func (f *FluxScale) Parameters() []float64 { return []float64{f.Value} }
func (f *FluxScale) OffsetParams(d []float64) { f.Value -= d[0] }

func (f *FluxScale) ParamDerivatives(_, _ float64, value float64, derivs []float64) {
	derivs[0] = value
}

func (f *FluxScale) Clone() PhotometryTransform {
	c := *f
	return &c
}
func (f *FluxScale) String() string { return fmt.Sprintf("fluxScale(%g)", f.Value) }

// MagnitudeOffset adds a spatially invariant zero point to the magnitude.
type MagnitudeOffset struct {
	Value float64
}

// NewMagnitudeOffset creates a magnitude offset transform.
func NewMagnitudeOffset(v float64) *MagnitudeOffset { return &MagnitudeOffset{Value: v} }

func (m *MagnitudeOffset) Transform(_, _ float64, value float64) float64 { return value + m.Value }

func (m *MagnitudeOffset) TransformError(_, _ float64, _, valueErr float64) float64 {
	return valueErr
}

func (m *MagnitudeOffset) ValueDerivative(_, _ float64, _ float64) float64 { return 1 }

func (m *MagnitudeOffset) NPar() int { return 1 }
func (m *MagnitudeOffset) Parameters() []float64 { return []float64{m.Value} }
func (m *MagnitudeOffset) OffsetParams(d []float64) { m.Value -= d[0] }

func (m *MagnitudeOffset) ParamDerivatives(_, _ float64, _ float64, derivs []float64) {
	derivs[0] = 1
}

func (m *MagnitudeOffset) Clone() PhotometryTransform {
	c := *m
	return &c
}
func (m *MagnitudeOffset) String() string { return fmt.Sprintf("magOffset(%g)", m.Value) }

// chebyshev holds a 2D Chebyshev basis on a bounding box: terms T_i(x̂)T_j(ŷ)
// with i+j <= order, ordered like Polynomial monomials.
type chebyshev struct {
	order  int
	frame  geometry.Rect
	norm   geometry.AffineTransform
	coeffs []float64
}

func newChebyshev(order int, frame geometry.Rect) chebyshev {
	if order < 0 {
		order = 0
	}
	return chebyshev{
		order:  order,
		frame:  frame,
		norm:   geometry.NormalizeFrame(frame),
		coeffs: make([]float64, NTerms(order)),
	}
}

func chebyshevSeries(t float64, out []float64) {
	out[0] = 1
	if len(out) > 1 {
		out[1] = t
	}
	for n := 2; n < len(out); n++ {
		out[n] = 2*t*out[n-1] - out[n-2]
	}
}

// series evaluates T_0..T_order at the normalized position of (x, y) into the
// given buffers.
func (c *chebyshev) series(x, y float64, xs, ys []float64) (tx, ty []float64) {
	p := c.norm.Apply(geometry.Point2D{X: x, Y: y})
	tx, ty = scratch(xs, c.order+1), scratch(ys, c.order+1)
	chebyshevSeries(p.X, tx)
	chebyshevSeries(p.Y, ty)
	return tx, ty
}

func (c *chebyshev) basis(x, y float64, buf []float64) {
	var xs, ys [stackTerms]float64
	tx, ty := c.series(x, y, xs[:], ys[:])
	k := 0
	for d := 0; d <= c.order; d++ {
		for j := 0; j <= d; j++ {
			buf[k] = tx[d-j] * ty[j]
			k++
		}
	}
}

func (c *chebyshev) sum(x, y float64) float64 {
	var xs, ys [stackTerms]float64
	tx, ty := c.series(x, y, xs[:], ys[:])
	s := 0.0
	k := 0
	for d := 0; d <= c.order; d++ {
		for j := 0; j <= d; j++ {
			s += c.coeffs[k] * tx[d-j] * ty[j]
			k++
		}
	}
	return s
}

func (c *chebyshev) offset(delta []float64) {
	for k := range c.coeffs {
		c.coeffs[k] -= delta[k]
	}
}

func (c *chebyshev) parameters() []float64 {
	out := make([]float64, len(c.coeffs))
	copy(out, c.coeffs)
	return out
}

func (c *chebyshev) clone() chebyshev {
	out := *c
	out.coeffs = c.parameters()
	return out
}

func (c *chebyshev) describe(name string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(order=%d)", name, c.order)
	for _, v := range c.coeffs {
		fmt.Fprintf(&sb, " %g", v)
	}
	return sb.String()
}

// FluxChebyshev scales the flux by a Chebyshev polynomial of the position.
type FluxChebyshev struct {
	chebyshev
}

// NewFluxChebyshev creates a flux transform over frame, constant and equal to scale.
func NewFluxChebyshev(order int, frame geometry.Rect, scale float64) *FluxChebyshev {
	f := &FluxChebyshev{chebyshev: newChebyshev(order, frame)}
	f.coeffs[0] = scale
	return f
}

func (f *FluxChebyshev) Transform(x, y, value float64) float64 { return value * f.sum(x, y) }

func (f *FluxChebyshev) TransformError(x, y, _, valueErr float64) float64 {
	return math.Abs(valueErr * f.sum(x, y))
}

func (f *FluxChebyshev) ValueDerivative(x, y, _ float64) float64 { return f.sum(x, y) }

func (f *FluxChebyshev) NPar() int { return len(f.coeffs) }
func (f *FluxChebyshev) Parameters() []float64 { return f.parameters() }
func (f *FluxChebyshev) OffsetParams(d []float64) { f.offset(d) }

func (f *FluxChebyshev) ParamDerivatives(x, y, value float64, derivs []float64) {
	f.basis(x, y, derivs)
	for k := range f.coeffs {
		derivs[k] *= value
	}
}

func (f *FluxChebyshev) Clone() PhotometryTransform {
	return &FluxChebyshev{chebyshev: f.clone()}
}

func (f *FluxChebyshev) String() string { return f.describe("fluxChebyshev") }

// MagnitudeChebyshev adds a Chebyshev polynomial of the position to the magnitude.
type MagnitudeChebyshev struct {
	chebyshev
}

// NewMagnitudeChebyshev creates a magnitude transform over frame, constant and equal to zeroPoint.
func NewMagnitudeChebyshev(order int, frame geometry.Rect, zeroPoint float64) *MagnitudeChebyshev {
	m := &MagnitudeChebyshev{chebyshev: newChebyshev(order, frame)}
	m.coeffs[0] = zeroPoint
	return m
}

func (m *MagnitudeChebyshev) Transform(x, y, value float64) float64 { return value + m.sum(x, y) }

func (m *MagnitudeChebyshev) TransformError(_, _ float64, _, valueErr float64) float64 {
	return valueErr
}

func (m *MagnitudeChebyshev) ValueDerivative(_, _ float64, _ float64) float64 { return 1 }

func (m *MagnitudeChebyshev) NPar() int { return len(m.coeffs) }
func (m *MagnitudeChebyshev) Parameters() []float64 { return m.parameters() }
func (m *MagnitudeChebyshev) OffsetParams(d []float64) { m.offset(d) }

func (m *MagnitudeChebyshev) ParamDerivatives(x, y, _ float64, derivs []float64) {
	m.basis(x, y, derivs)
}

func (m *MagnitudeChebyshev) Clone() PhotometryTransform {
	return &MagnitudeChebyshev{chebyshev: m.clone()}
}

func (m *MagnitudeChebyshev) String() string { return m.describe("magChebyshev") }
