// Package geometry provides the planar types shared by the transforms, catalogs and fitters.
package geometry

import (
	"fmt"
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
// Depending on context it is in pixel, focal-plane or tangent-plane coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func (p Point2D) String() string {
	return fmt.Sprintf("(%g, %g)", p.X, p.Y)
}

// FatPoint is a point with its 2x2 covariance.
type FatPoint struct {
	Point2D
	VX  float64 `json:"vx"`
	VY  float64 `json:"vy"`
	VXY float64 `json:"vxy"`
}

// NewFatPoint creates a FatPoint with uncorrelated errors.
func NewFatPoint(x, y, vx, vy float64) FatPoint {
	return FatPoint{Point2D: Point2D{X: x, Y: y}, VX: vx, VY: vy}
}

// Propagate returns the covariance of this point pushed through a linear map
// with Jacobian [[a11 a12] [a21 a22]]: J C Jᵀ.
func (p FatPoint) Propagate(a11, a12, a21, a22 float64) (vx, vy, vxy float64) {
	vx = a11*a11*p.VX + 2*a11*a12*p.VXY + a12*a12*p.VY
	vy = a21*a21*p.VX + 2*a21*a22*p.VXY + a22*a22*p.VY
	vxy = a11*a21*p.VX + (a11*a22+a12*a21)*p.VXY + a12*a22*p.VY
	return vx, vy, vxy
}

// InverseCovariance returns the inverse of the 2x2 covariance as (wxx, wyy, wxy).
// ok is false when the covariance is singular or not positive.
func (p FatPoint) InverseCovariance() (wxx, wyy, wxy float64, ok bool) {
	det := p.VX*p.VY - p.VXY*p.VXY
	if det <= 0 || math.IsNaN(det) {
		return 0, 0, 0, false
	}
	return p.VY / det, p.VX / det, -p.VXY / det, true
}

// Rect represents a rectangle with floating-point coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewRect creates a new Rect.
func NewRect(x, y, width, height float64) Rect {
	return Rect{X: x, Y: y, Width: width, Height: height}
}

// Contains returns true if the point is inside the rectangle.
func (r Rect) Contains(p Point2D) bool {
	return p.X >= r.X && p.X <= r.X+r.Width &&
		p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Center returns the center point of the rectangle.
func (r Rect) Center() Point2D {
	return Point2D{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Union returns the smallest rectangle containing both rectangles.
func (r Rect) Union(other Rect) Rect {
	x := math.Min(r.X, other.X)
	y := math.Min(r.Y, other.Y)
	x2 := math.Max(r.X+r.Width, other.X+other.Width)
	y2 := math.Max(r.Y+r.Height, other.Y+other.Height)
	return Rect{X: x, Y: y, Width: x2 - x, Height: y2 - y}
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// AffineTransform represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Translation returns a translation transform.
func Translation(tx, ty float64) AffineTransform {
	return AffineTransform{A: 1, D: 1, TX: tx, TY: ty}
}

// NormalizeFrame returns the transform mapping r onto [-1, 1] x [-1, 1].
// Polynomials evaluated in these coordinates stay well conditioned whatever
// the pixel scale of the frame.
func NormalizeFrame(r Rect) AffineTransform {
	if r.Empty() {
		return Identity()
	}
	c := r.Center()
	sx := 2 / r.Width
	sy := 2 / r.Height
	return AffineTransform{A: sx, TX: -c.X * sx, D: sy, TY: -c.Y * sy}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Compose returns this transform composed with another (this * other).
func (t AffineTransform) Compose(other AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// BoundingBox computes the axis-aligned bounding box of a set of points.
func BoundingBox(points []Point2D) Rect {
	if len(points) == 0 {
		return Rect{}
	}
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, p := range points[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// GridPoints returns an n x n grid of points spanning r, corners included.
func GridPoints(r Rect, n int) []Point2D {
	if n < 2 {
		return []Point2D{r.Center()}
	}
	points := make([]Point2D, 0, n*n)
	for j := 0; j < n; j++ {
		y := r.Y + r.Height*float64(j)/float64(n-1)
		for i := 0; i < n; i++ {
			x := r.X + r.Width*float64(i)/float64(n-1)
			points = append(points, Point2D{X: x, Y: y})
		}
	}
	return points
}
