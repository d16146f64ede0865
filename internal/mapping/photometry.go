package mapping

import (
	"io"

	"jointcal/internal/catalog"
	"jointcal/internal/transform"
)

// PhotometryMapping maps the instrumental value (flux or magnitude) of a
// measured star onto the calibrated scale.
type PhotometryMapping interface {
	NPar() int
	Transform(ms *catalog.MeasuredStar, value float64) float64

	// TransformError propagates valueErr through the error transform.
	TransformError(ms *catalog.MeasuredStar, value, valueErr float64) float64

	// ComputeParameterDerivatives writes ∂Transform/∂p for the free parameters,
	// in MappingIndices order.
	ComputeParameterDerivatives(ms *catalog.MeasuredStar, value float64, derivs []float64)

	MappingIndices(buf []int) []int
	Parameters() []float64
	OffsetParams(delta []float64)
	FreezeErrorTransform()
	Dump(w io.Writer)
}

// SimplePhotometryMapping evaluates one transform at the pixel position.
type SimplePhotometryMapping struct {
	base
	transform    transform.PhotometryTransform
	errTransform transform.PhotometryTransform
}

// NewSimplePhotometryMapping wraps t.
func NewSimplePhotometryMapping(t transform.PhotometryTransform) *SimplePhotometryMapping {
	return &SimplePhotometryMapping{transform: t}
}

// FittedTransform returns the transform whose parameters are fitted.
func (m *SimplePhotometryMapping) FittedTransform() transform.PhotometryTransform {
	return m.transform
}

func (m *SimplePhotometryMapping) NPar() int {
	if m.fixed {
		return 0
	}
	return m.transform.NPar()
}

func (m *SimplePhotometryMapping) Transform(ms *catalog.MeasuredStar, value float64) float64 {
	return m.transform.Transform(ms.X, ms.Y, value)
}

func (m *SimplePhotometryMapping) errorTransform() transform.PhotometryTransform {
	if m.errTransform != nil {
		return m.errTransform
	}
	return m.transform
}

func (m *SimplePhotometryMapping) TransformError(ms *catalog.MeasuredStar, value, valueErr float64) float64 {
	return m.errorTransform().TransformError(ms.X, ms.Y, value, valueErr)
}

func (m *SimplePhotometryMapping) ComputeParameterDerivatives(ms *catalog.MeasuredStar, value float64, derivs []float64) {
	if m.fixed {
		return
	}
	m.transform.ParamDerivatives(ms.X, ms.Y, value, derivs)
}

func (m *SimplePhotometryMapping) MappingIndices(buf []int) []int {
	return m.indices(buf, m.NPar())
}

func (m *SimplePhotometryMapping) Parameters() []float64 { return m.transform.Parameters() }

func (m *SimplePhotometryMapping) OffsetParams(delta []float64) {
	if m.fixed {
		return
	}
	m.transform.OffsetParams(delta)
}

func (m *SimplePhotometryMapping) FreezeErrorTransform() {
	if m.errTransform == nil {
		m.errTransform = m.transform.Clone()
	}
}

func (m *SimplePhotometryMapping) Dump(w io.Writer) {
	dumpLeaf(w, "photometry", &m.base, m.NPar(), m.transform)
}

// ChipVisitPhotometryMapping composes a per-detector transform evaluated at
// the pixel position with a per-exposure transform evaluated at the focal plane
// position: visit(focal, chip(pixel, value)).
type ChipVisitPhotometryMapping struct {
	chip      *SimplePhotometryMapping
	visit     *SimplePhotometryMapping
	nParChip  int
	nParVisit int
}

// NewChipVisitPhotometryMapping composes chip and visit; both are fitted until
// SetWhatToFit says otherwise.
func NewChipVisitPhotometryMapping(chip, visit *SimplePhotometryMapping) *ChipVisitPhotometryMapping {
	m := &ChipVisitPhotometryMapping{chip: chip, visit: visit}
	m.SetWhatToFit(true, true)
	return m
}

// Chip returns the shared detector mapping.
func (m *ChipVisitPhotometryMapping) Chip() *SimplePhotometryMapping { return m.chip }

// Visit returns the shared exposure mapping.
func (m *ChipVisitPhotometryMapping) Visit() *SimplePhotometryMapping { return m.visit }

// SetWhatToFit re-derives the free parameter counts from the sub-mappings.
func (m *ChipVisitPhotometryMapping) SetWhatToFit(fitChip, fitVisit bool) {
	m.nParChip, m.nParVisit = 0, 0
	if fitChip {
		m.nParChip = m.chip.NPar()
	}
	if fitVisit {
		m.nParVisit = m.visit.NPar()
	}
}

func (m *ChipVisitPhotometryMapping) NPar() int { return m.nParChip + m.nParVisit }

func (m *ChipVisitPhotometryMapping) Transform(ms *catalog.MeasuredStar, value float64) float64 {
	inner := m.chip.Transform(ms, value)
	return m.visit.transform.Transform(ms.Focal.X, ms.Focal.Y, inner)
}

func (m *ChipVisitPhotometryMapping) TransformError(ms *catalog.MeasuredStar, value, valueErr float64) float64 {
	chipErr := m.chip.errorTransform()
	inner := chipErr.Transform(ms.X, ms.Y, value)
	innerErr := chipErr.TransformError(ms.X, ms.Y, value, valueErr)
	return m.visit.errorTransform().TransformError(ms.Focal.X, ms.Focal.Y, inner, innerErr)
}

// ComputeParameterDerivatives writes the chip block scaled by the visit value
// derivative, then the visit block evaluated at the chip output.
func (m *ChipVisitPhotometryMapping) ComputeParameterDerivatives(ms *catalog.MeasuredStar, value float64, derivs []float64) {
	inner := m.chip.Transform(ms, value)
	if m.nParChip > 0 {
		m.chip.ComputeParameterDerivatives(ms, value, derivs[:m.nParChip])
		outer := m.visit.transform.ValueDerivative(ms.Focal.X, ms.Focal.Y, inner)
		for k := 0; k < m.nParChip; k++ {
			derivs[k] *= outer
		}
	}
	if m.nParVisit > 0 {
		m.visit.transform.ParamDerivatives(ms.Focal.X, ms.Focal.Y, inner, derivs[m.nParChip:m.nParChip+m.nParVisit])
	}
}

func (m *ChipVisitPhotometryMapping) MappingIndices(buf []int) []int {
	if m.nParChip > 0 {
		buf = m.chip.MappingIndices(buf)
	}
	if m.nParVisit > 0 {
		buf = m.visit.MappingIndices(buf)
	}
	return buf
}

func (m *ChipVisitPhotometryMapping) Parameters() []float64 {
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
func (m *ChipVisitPhotometryMapping) OffsetParams(delta []float64) {
	if m.nParChip > 0 {
		m.chip.OffsetParams(delta[:m.nParChip])
	}
	if m.nParVisit > 0 {
		m.visit.OffsetParams(delta[m.nParChip : m.nParChip+m.nParVisit])
	}
}

func (m *ChipVisitPhotometryMapping) FreezeErrorTransform() {
	m.chip.FreezeErrorTransform()
	m.visit.FreezeErrorTransform()
}

func (m *ChipVisitPhotometryMapping) Dump(w io.Writer) {
	io.WriteString(w, "chip∘visit\n  ")
	m.chip.Dump(w)
	io.WriteString(w, "  ")
	m.visit.Dump(w)
}
