package mapping

import (
	"io"

	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// AstrometryMapping maps pixel positions of one image onto the tangent plane.
type AstrometryMapping interface {
	// NPar returns the number of free parameters, 0 when fixed.
	NPar() int

	Transform(p geometry.Point2D) geometry.Point2D

	// TransformErrors maps a position and propagates its covariance through the error transform.
	TransformErrors(in geometry.FatPoint) geometry.FatPoint

	// Jacobian returns the derivative of the output with respect to the input position.
	Jacobian(p geometry.Point2D) (a11, a12, a21, a22 float64)

	// ComputeParameterDerivatives writes ∂X/∂p and ∂Y/∂p for the free parameters,
	// in MappingIndices order. It does nothing when there are none.
	ComputeParameterDerivatives(p geometry.Point2D, dx, dy []float64)

	// MappingIndices appends the global indices of the free parameters to buf.
	MappingIndices(buf []int) []int

	Parameters() []float64
	OffsetParams(delta []float64)
	FreezeErrorTransform()
	Dump(w io.Writer)
}

// PolyMapping applies a fixed normalization of the detector frame followed by a
// fitted transform.
type PolyMapping struct {
	base
	pre          geometry.AffineTransform
	transform    transform.AstrometryTransform
	errTransform transform.AstrometryTransform
}

// NewPolyMapping creates a mapping fitting t after normalizing frame onto [-1, 1]².
// t must already be expressed in normalized coordinates.
func NewPolyMapping(frame geometry.Rect, t transform.AstrometryTransform) *PolyMapping {
	return &PolyMapping{pre: geometry.NormalizeFrame(frame), transform: t}
}

// NewPolyMappingWithPre creates a mapping with an explicit pre-transform.
func NewPolyMappingWithPre(pre geometry.AffineTransform, t transform.AstrometryTransform) *PolyMapping {
	return &PolyMapping{pre: pre, transform: t}
}

// Pre returns the fixed normalization.
func (m *PolyMapping) Pre() geometry.AffineTransform { return m.pre }

// FittedTransform returns the transform whose parameters are fitted.
func (m *PolyMapping) FittedTransform() transform.AstrometryTransform { return m.transform }

// PixelToTangentPlane returns a standalone copy of the full mapping.
func (m *PolyMapping) PixelToTangentPlane() transform.AstrometryTransform {
	return transform.Compose(m.transform.Clone(), transform.Affine{AffineTransform: m.pre})
}

func (m *PolyMapping) NPar() int {
	if m.fixed {
		return 0
	}
	return m.transform.NPar()
}

func (m *PolyMapping) Transform(p geometry.Point2D) geometry.Point2D {
	return m.transform.Apply(m.pre.Apply(p))
}

func (m *PolyMapping) errorTransform() transform.AstrometryTransform {
	if m.errTransform != nil {
		return m.errTransform
	}
	return m.transform
}

func (m *PolyMapping) TransformErrors(in geometry.FatPoint) geometry.FatPoint {
	out := geometry.FatPoint{Point2D: m.Transform(in.Point2D)}
	out.VX, out.VY, out.VXY = m.propagateErrors(in)
	return out
}

// propagateErrors returns the covariance of in through the error transform.
func (m *PolyMapping) propagateErrors(in geometry.FatPoint) (vx, vy, vxy float64) {
	e11, e12, e21, e22 := m.errorTransform().Jacobian(m.pre.Apply(in.Point2D))
	return in.Propagate(chainLinear(e11, e12, e21, e22, m.pre))
}

// errorApply maps p through the error transform.
func (m *PolyMapping) errorApply(p geometry.Point2D) geometry.Point2D {
	return m.errorTransform().Apply(m.pre.Apply(p))
}

func (m *PolyMapping) Jacobian(p geometry.Point2D) (a11, a12, a21, a22 float64) {
	t11, t12, t21, t22 := m.transform.Jacobian(m.pre.Apply(p))
	return chainLinear(t11, t12, t21, t22, m.pre)
}

// chainLinear returns T·A where A is the linear part of pre.
func chainLinear(t11, t12, t21, t22 float64, pre geometry.AffineTransform) (float64, float64, float64, float64) {
	return t11*pre.A + t12*pre.C, t11*pre.B + t12*pre.D,
		t21*pre.A + t22*pre.C, t21*pre.B + t22*pre.D
}

func (m *PolyMapping) ComputeParameterDerivatives(p geometry.Point2D, dx, dy []float64) {
	if m.fixed {
		return
	}
	m.transform.ParamDerivatives(m.pre.Apply(p), dx, dy)
}

func (m *PolyMapping) MappingIndices(buf []int) []int {
	return m.indices(buf, m.NPar())
}

func (m *PolyMapping) Parameters() []float64 { return m.transform.Parameters() }

func (m *PolyMapping) OffsetParams(delta []float64) {
	if m.fixed {
		return
	}
	m.transform.OffsetParams(delta)
}

// FreezeErrorTransform snapshots the current transform for error propagation.
// Later calls keep the first snapshot.
func (m *PolyMapping) FreezeErrorTransform() {
	if m.errTransform == nil {
		m.errTransform = m.transform.Clone()
	}
}

func (m *PolyMapping) Dump(w io.Writer) {
	dumpLeaf(w, "poly", &m.base, m.NPar(), m.transform)
}

// ChipVisitAstrometryMapping composes a per-detector mapping with a per-exposure
// one: visit(chip(p)). Both sub-mappings are shared with other composites.
type ChipVisitAstrometryMapping struct {
	chip      *PolyMapping
	visit     *PolyMapping
	nParChip  int
	nParVisit int
}

// NewChipVisitAstrometryMapping composes chip and visit; both are fitted until
// SetWhatToFit says otherwise.
func NewChipVisitAstrometryMapping(chip, visit *PolyMapping) *ChipVisitAstrometryMapping {
	m := &ChipVisitAstrometryMapping{chip: chip, visit: visit}
	m.SetWhatToFit(true, true)
	return m
}

// Chip returns the shared detector mapping.
func (m *ChipVisitAstrometryMapping) Chip() *PolyMapping { return m.chip }

// Visit returns the shared exposure mapping.
func (m *ChipVisitAstrometryMapping) Visit() *PolyMapping { return m.visit }

// SetWhatToFit re-derives the free parameter counts from the sub-mappings. It
// must be called after the sub-mappings' fixed flags change.
func (m *ChipVisitAstrometryMapping) SetWhatToFit(fitChip, fitVisit bool) {
	m.nParChip, m.nParVisit = 0, 0
	if fitChip {
		m.nParChip = m.chip.NPar()
	}
	if fitVisit {
		m.nParVisit = m.visit.NPar()
	}
}

func (m *ChipVisitAstrometryMapping) NPar() int { return m.nParChip + m.nParVisit }

func (m *ChipVisitAstrometryMapping) Transform(p geometry.Point2D) geometry.Point2D {
	return m.visit.Transform(m.chip.Transform(p))
}

// TransformErrors propagates the covariance through both error transforms; the
// visit Jacobian is taken at the chip error transform output so frozen errors do
// not follow chip offsets.
func (m *ChipVisitAstrometryMapping) TransformErrors(in geometry.FatPoint) geometry.FatPoint {
	mid := geometry.FatPoint{Point2D: m.chip.errorApply(in.Point2D)}
	mid.VX, mid.VY, mid.VXY = m.chip.propagateErrors(in)
	out := geometry.FatPoint{Point2D: m.Transform(in.Point2D)}
	out.VX, out.VY, out.VXY = m.visit.propagateErrors(mid)
	return out
}

func (m *ChipVisitAstrometryMapping) Jacobian(p geometry.Point2D) (a11, a12, a21, a22 float64) {
	c11, c12, c21, c22 := m.chip.Jacobian(p)
	v11, v12, v21, v22 := m.visit.Jacobian(m.chip.Transform(p))
	return v11*c11 + v12*c21, v11*c12 + v12*c22,
		v21*c11 + v22*c21, v21*c12 + v22*c22
}

// ComputeParameterDerivatives writes the chip block premultiplied by the visit
// Jacobian, then the visit block evaluated at the chip output.
func (m *ChipVisitAstrometryMapping) ComputeParameterDerivatives(p geometry.Point2D, dx, dy []float64) {
	q := m.chip.Transform(p)
	if m.nParChip > 0 {
		m.chip.ComputeParameterDerivatives(p, dx[:m.nParChip], dy[:m.nParChip])
		v11, v12, v21, v22 := m.visit.Jacobian(q)
		for k := 0; k < m.nParChip; k++ {
			ex, ey := dx[k], dy[k]
			dx[k] = v11*ex + v12*ey
			dy[k] = v21*ex + v22*ey
		}
	}
	if m.nParVisit > 0 {
		m.visit.ComputeParameterDerivatives(q, dx[m.nParChip:], dy[m.nParChip:])
	}
}

func (m *ChipVisitAstrometryMapping) MappingIndices(buf []int) []int {
	if m.nParChip > 0 {
		buf = m.chip.MappingIndices(buf)
	}
	if m.nParVisit > 0 {
		buf = m.visit.MappingIndices(buf)
	}
	return buf
}

func (m *ChipVisitAstrometryMapping) Parameters() []float64 {
	var out []float64
	if m.nParChip > 0 {
		out = append(out, m.chip.Parameters()...)
	}
	if m.nParVisit > 0 {
		out = append(out, m.visit.Parameters()...)
	}
	return out
}

// OffsetParams offsets both sub-mappings. Models owning shared sub-mappings
// offset those directly instead.
func (m *ChipVisitAstrometryMapping) OffsetParams(delta []float64) {
	if m.nParChip > 0 {
		m.chip.OffsetParams(delta[:m.nParChip])
	}
	if m.nParVisit > 0 {
		m.visit.OffsetParams(delta[m.nParChip : m.nParChip+m.nParVisit])
	}
}

func (m *ChipVisitAstrometryMapping) FreezeErrorTransform() {
	m.chip.FreezeErrorTransform()
	m.visit.FreezeErrorTransform()
}

func (m *ChipVisitAstrometryMapping) Dump(w io.Writer) {
	io.WriteString(w, "chip∘visit\n  ")
	m.chip.Dump(w)
	io.WriteString(w, "  ")
	m.visit.Dump(w)
}
