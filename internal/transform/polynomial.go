package transform

import (
	"fmt"
	"strings"

	"jointcal/pkg/geometry"
)

// Polynomial is a 2D polynomial transform of arbitrary order:
//
//	X = Σ cx[k] x^i y^j,  Y = Σ cy[k] x^i y^j,  i+j <= order
//
// Monomials are ordered by total degree, then by increasing power of y, so the
// first three terms are 1, x, y. The parameter vector is cx followed by cy.
type Polynomial struct {
	order  int
	nterms int
	coeffs []float64
}

// NTerms returns the number of monomials of a polynomial of the given order.
func NTerms(order int) int {
	return (order + 1) * (order + 2) / 2
}

// termIndex returns the monomial index of x^i y^j.
func termIndex(i, j int) int {
	d := i + j
	return d*(d+1)/2 + j
}

// NewPolynomial creates a polynomial of the given order initialized to the
// identity (or to zero for order 0).
func NewPolynomial(order int) *Polynomial {
	if order < 0 {
		order = 0
	}
	n := NTerms(order)
	p := &Polynomial{order: order, nterms: n, coeffs: make([]float64, 2*n)}
	if order >= 1 {
		p.coeffs[termIndex(1, 0)] = 1
		p.coeffs[n+termIndex(0, 1)] = 1
	}
	return p
}

// NewLinear creates an order 1 polynomial equal to the affine transform a.
func NewLinear(a geometry.AffineTransform) *Polynomial {
	p := NewPolynomial(1)
	p.coeffs[0], p.coeffs[1], p.coeffs[2] = a.TX, a.A, a.B
	p.coeffs[3], p.coeffs[4], p.coeffs[5] = a.TY, a.C, a.D
	return p
}

// Order returns the polynomial order.
func (p *Polynomial) Order() int { return p.order }

// Coeff returns the coefficient of x^i y^j for the X (which=0) or Y (which=1) output.
func (p *Polynomial) Coeff(i, j, which int) float64 {
	return p.coeffs[which*p.nterms+termIndex(i, j)]
}

// SetCoeff sets the coefficient of x^i y^j for the X (which=0) or Y (which=1) output.
func (p *Polynomial) SetCoeff(i, j, which int, v float64) {
	p.coeffs[which*p.nterms+termIndex(i, j)] = v
}

// Linear returns the order 0 and 1 terms as an affine transform.
func (p *Polynomial) Linear() geometry.AffineTransform {
	a := geometry.AffineTransform{TX: p.Coeff(0, 0, 0), TY: p.Coeff(0, 0, 1)}
	if p.order >= 1 {
		a.A, a.B = p.Coeff(1, 0, 0), p.Coeff(0, 1, 0)
		a.C, a.D = p.Coeff(1, 0, 1), p.Coeff(0, 1, 1)
	}
	return a
}

// stackTerms bounds the per-axis series evaluated in stack buffers.
const stackTerms = 11

// scratch returns buf[:n], or a new slice when buf is too short.
func scratch(buf []float64, n int) []float64 {
	if n > len(buf) {
		return make([]float64, n)
	}
	return buf[:n]
}

// powers fills out with 1, v, v², ...
func powers(v float64, out []float64) {
	out[0] = 1
	for i := 1; i < len(out); i++ {
		out[i] = out[i-1] * v
	}
}

// monomials fills buf with the nterms monomial values at (x, y).
func (p *Polynomial) monomials(x, y float64, buf []float64) {
	var xs, ys [stackTerms]float64
	xp, yp := scratch(xs[:], p.order+1), scratch(ys[:], p.order+1)
	powers(x, xp)
	powers(y, yp)
	k := 0
	for d := 0; d <= p.order; d++ {
		for j := 0; j <= d; j++ {
			buf[k] = xp[d-j] * yp[j]
			k++
		}
	}
}

func (p *Polynomial) Apply(pt geometry.Point2D) geometry.Point2D {
	var xs, ys [stackTerms]float64
	xp, yp := scratch(xs[:], p.order+1), scratch(ys[:], p.order+1)
	powers(pt.X, xp)
	powers(pt.Y, yp)
	var x, y float64
	k := 0
	for d := 0; d <= p.order; d++ {
		for j := 0; j <= d; j++ {
			v := xp[d-j] * yp[j]
			x += p.coeffs[k] * v
			y += p.coeffs[p.nterms+k] * v
			k++
		}
	}
	return geometry.Point2D{X: x, Y: y}
}

func (p *Polynomial) Jacobian(pt geometry.Point2D) (a11, a12, a21, a22 float64) {
	var xs, ys [stackTerms]float64
	xp, yp := scratch(xs[:], p.order+1), scratch(ys[:], p.order+1)
	powers(pt.X, xp)
	powers(pt.Y, yp)
	k := 0
	for d := 0; d <= p.order; d++ {
		for j := 0; j <= d; j++ {
			i := d - j
			var ddx, ddy float64
			if i > 0 {
				ddx = float64(i) * xp[i-1] * yp[j]
			}
			if j > 0 {
				ddy = float64(j) * xp[i] * yp[j-1]
			}
			a11 += p.coeffs[k] * ddx
			a12 += p.coeffs[k] * ddy
			a21 += p.coeffs[p.nterms+k] * ddx
			a22 += p.coeffs[p.nterms+k] * ddy
			k++
		}
	}
	return a11, a12, a21, a22
}

func (p *Polynomial) NPar() int { return 2 * p.nterms }

func (p *Polynomial) Parameters() []float64 {
	out := make([]float64, len(p.coeffs))
	copy(out, p.coeffs)
	return out
}

func (p *Polynomial) OffsetParams(delta []float64) {
	for k := range p.coeffs {
		p.coeffs[k] -= delta[k]
	}
}

func (p *Polynomial) ParamDerivatives(pt geometry.Point2D, dx, dy []float64) {
	n := p.nterms
	p.monomials(pt.X, pt.Y, dx[:n])
	copy(dy[n:2*n], dx[:n])
	for k := 0; k < n; k++ {
		dx[n+k] = 0
		dy[k] = 0
	}
}

func (p *Polynomial) Clone() AstrometryTransform {
	c := &Polynomial{order: p.order, nterms: p.nterms, coeffs: make([]float64, len(p.coeffs))}
	copy(c.coeffs, p.coeffs)
	return c
}

func (p *Polynomial) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "poly(order=%d)", p.order)
	for which, name := range []string{"X", "Y"} {
		fmt.Fprintf(&sb, " %s:", name)
		for d := 0; d <= p.order; d++ {
			for j := 0; j <= d; j++ {
				fmt.Fprintf(&sb, " %g", p.Coeff(d-j, j, which))
			}
		}
	}
	return sb.String()
}
