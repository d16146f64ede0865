package transform

import (
	"fmt"

	"jointcal/pkg/geometry"
)

// Composite chains two transforms: Second(First(p)).
// Its parameters are First's followed by Second's.
type Composite struct {
	First  AstrometryTransform
	Second AstrometryTransform
}

// Compose returns second∘first.
func Compose(second, first AstrometryTransform) *Composite {
	return &Composite{First: first, Second: second}
}

func (c *Composite) Apply(p geometry.Point2D) geometry.Point2D {
	return c.Second.Apply(c.First.Apply(p))
}

func (c *Composite) Jacobian(p geometry.Point2D) (a11, a12, a21, a22 float64) {
	b11, b12, b21, b22 := c.First.Jacobian(p)
	s11, s12, s21, s22 := c.Second.Jacobian(c.First.Apply(p))
	return s11*b11 + s12*b21, s11*b12 + s12*b22,
		s21*b11 + s22*b21, s21*b12 + s22*b22
}

func (c *Composite) NPar() int {
	return c.First.NPar() + c.Second.NPar()
}

func (c *Composite) Parameters() []float64 {
	return append(c.First.Parameters(), c.Second.Parameters()...)
}

func (c *Composite) OffsetParams(delta []float64) {
	n1 := c.First.NPar()
	c.First.OffsetParams(delta[:n1])
	c.Second.OffsetParams(delta[n1:])
}

// ParamDerivatives applies the chain rule: the First block is premultiplied by
// the Jacobian of Second at First(p).
func (c *Composite) ParamDerivatives(p geometry.Point2D, dx, dy []float64) {
	n1 := c.First.NPar()
	q := c.First.Apply(p)
	if n1 > 0 {
		c.First.ParamDerivatives(p, dx[:n1], dy[:n1])
		s11, s12, s21, s22 := c.Second.Jacobian(q)
		for k := 0; k < n1; k++ {
			ex, ey := dx[k], dy[k]
			dx[k] = s11*ex + s12*ey
			dy[k] = s21*ex + s22*ey
		}
	}
	c.Second.ParamDerivatives(q, dx[n1:], dy[n1:])
}

func (c *Composite) Clone() AstrometryTransform {
	return &Composite{First: c.First.Clone(), Second: c.Second.Clone()}
}

func (c *Composite) String() string {
	return fmt.Sprintf("%s then %s", c.First, c.Second)
}

// Affine wraps a fixed affine transform; it has no free parameters.
type Affine struct {
	geometry.AffineTransform
}

func (a Affine) Apply(p geometry.Point2D) geometry.Point2D { return a.AffineTransform.Apply(p) }

func (a Affine) Jacobian(geometry.Point2D) (float64, float64, float64, float64) {
	return a.A, a.B, a.C, a.D
}

func (a Affine) NPar() int { return 0 }
func (a Affine) Parameters() []float64 { return nil }
func (a Affine) OffsetParams([]float64) {}
func (a Affine) ParamDerivatives(geometry.Point2D, []float64, []float64) {}
func (a Affine) Clone() AstrometryTransform { return a }

func (a Affine) String() string {
	return fmt.Sprintf("affine[%g %g %g; %g %g %g]", a.A, a.B, a.TX, a.C, a.D, a.TY)
}
