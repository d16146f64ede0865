package transform

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"jointcal/pkg/geometry"
)

// FitPolynomialToPairs computes the least-squares polynomial of the given order
// mapping src onto dst.
func FitPolynomialToPairs(src, dst []geometry.Point2D, order int) (*Polynomial, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	p := NewPolynomial(order)
	n := len(src)
	if n < p.nterms {
		return nil, errors.Errorf("need at least %d points for order %d, got %d", p.nterms, order, n)
	}

	A := mat.NewDense(n, p.nterms, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	row := make([]float64, p.nterms)
	for i := 0; i < n; i++ {
		p.monomials(src[i].X, src[i].Y, row)
		A.SetRow(i, row)
		bx.SetVec(i, dst[i].X)
		by.SetVec(i, dst[i].Y)
	}

	// Solve using QR decomposition
	var qr mat.QR
	qr.Factorize(A)

	var cx, cy mat.VecDense
	if err := qr.SolveVecTo(&cx, false, bx); err != nil {
		return nil, errors.Wrap(err, "solve x coefficients")
	}
	if err := qr.SolveVecTo(&cy, false, by); err != nil {
		return nil, errors.Wrap(err, "solve y coefficients")
	}
	for k := 0; k < p.nterms; k++ {
		p.coeffs[k] = cx.AtVec(k)
		p.coeffs[p.nterms+k] = cy.AtVec(k)
	}
	return p, nil
}

// FitPolynomial approximates seed over frame by a polynomial of the given order
// applied after pre. It samples seed on a regular grid of the frame.
func FitPolynomial(seed AstrometryTransform, pre geometry.AffineTransform, frame geometry.Rect, order int) (*Polynomial, error) {
	grid := geometry.GridPoints(frame, 2*order+4)
	src := make([]geometry.Point2D, len(grid))
	dst := make([]geometry.Point2D, len(grid))
	for i, g := range grid {
		src[i] = pre.Apply(g)
		dst[i] = seed.Apply(g)
	}
	return FitPolynomialToPairs(src, dst, order)
}
