// Package transform provides the parametrized transforms fitted by jointcal.
//
// Astrometry transforms map a point onto a point; photometry transforms map a
// (point, value) pair onto a calibrated value. Both expose their parameter
// vector and the derivatives of their output with respect to it, which is all
// the fitter needs to linearize them.
//
// OffsetParams always subtracts: the fitter solves (JᵀWJ)δ = JᵀWr with
// r = model - data, and the new parameters are p - δ.
package transform

import (
	"fmt"

	"jointcal/pkg/geometry"
)

// AstrometryTransform maps a 2D point onto a 2D point.
type AstrometryTransform interface {
	Apply(p geometry.Point2D) geometry.Point2D

	// Jacobian returns the derivatives of the output with respect to the input point.
	Jacobian(p geometry.Point2D) (a11, a12, a21, a22 float64)

	NPar() int
	Parameters() []float64
	OffsetParams(delta []float64)

	// ParamDerivatives writes ∂X/∂p into dx and ∂Y/∂p into dy; both hold at least NPar values.
	ParamDerivatives(p geometry.Point2D, dx, dy []float64)

	Clone() AstrometryTransform
	String() string
}

// ApplyWithErrors transforms a point and propagates its covariance through t.
func ApplyWithErrors(t AstrometryTransform, in geometry.FatPoint) geometry.FatPoint {
	out := geometry.FatPoint{Point2D: t.Apply(in.Point2D)}
	out.VX, out.VY, out.VXY = in.Propagate(t.Jacobian(in.Point2D))
	return out
}

// Identity leaves points untouched and has no parameters.
type Identity struct{}

func (Identity) Apply(p geometry.Point2D) geometry.Point2D { return p }

func (Identity) Jacobian(geometry.Point2D) (float64, float64, float64, float64) { return 1, 0, 0, 1 }

func (Identity) NPar() int { return 0 }
func (Identity) Parameters() []float64 { return nil }
func (Identity) OffsetParams([]float64) {}
func (Identity) ParamDerivatives(geometry.Point2D, []float64, []float64) {}
func (Identity) Clone() AstrometryTransform { return Identity{} }
func (Identity) String() string { return "identity" }

// Shift is a pure translation.
type Shift struct {
	DX, DY float64
}

// NewShift creates a translation by (dx, dy).
func NewShift(dx, dy float64) *Shift {
	return &Shift{DX: dx, DY: dy}
}

func (s *Shift) Apply(p geometry.Point2D) geometry.Point2D {
	return geometry.Point2D{X: p.X + s.DX, Y: p.Y + s.DY}
}

func (s *Shift) Jacobian(geometry.Point2D) (float64, float64, float64, float64) { return 1, 0, 0, 1 }

func (s *Shift) NPar() int { return 2 }

func (s *Shift) Parameters() []float64 { return []float64{s.DX, s.DY} }

func (s *Shift) OffsetParams(delta []float64) {
	s.DX -= delta[0]
	s.DY -= delta[1]
}

func (s *Shift) ParamDerivatives(_ geometry.Point2D, dx, dy []float64) {
	dx[0], dx[1] = 1, 0
	dy[0], dy[1] = 0, 1
}

func (s *Shift) Clone() AstrometryTransform {
	c := *s
	return &c
}

func (s *Shift) String() string {
	return fmt.Sprintf("shift(%g, %g)", s.DX, s.DY)
}
