package fit

import (
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/logger"
	"jointcal/internal/mapping"
	"jointcal/internal/model"
)

// Fluxes is the fit token selecting the fitted star fluxes (or magnitudes).
const Fluxes = "Fluxes"

// PhotometryFit fits the photometric mappings and the fluxes (or magnitudes)
// of the fitted stars.
type PhotometryFit struct {
	fitter
	model         model.PhotometryModel
	errorPedestal float64
}

// NewPhotometryFit creates a fitter over assoc. errorPedestal is added in
// quadrature to the calibrated error: relative in flux space, in magnitudes
// otherwise.
func NewPhotometryFit(assoc *catalog.Associations, m model.PhotometryModel, errorPedestal float64, opts Options, log logger.ILogger) *PhotometryFit {
	if log == nil {
		log = &logger.NullLogger{}
	}
	f := &PhotometryFit{model: m, errorPedestal: errorPedestal}
	f.fitter = fitter{log: log, name: "photometry", assoc: assoc, opts: opts, impl: f}
	return f
}

// Model returns the fitted model.
func (f *PhotometryFit) Model() model.PhotometryModel { return f.model }

func (f *PhotometryFit) tokens() []string  { return model.PhotometryTokens }
func (f *PhotometryFit) starToken() string { return Fluxes }
func (f *PhotometryFit) starParams() int   { return 1 }

func (f *PhotometryFit) assignModel(w model.WhatToFit, firstIndex int) int {
	return f.model.AssignIndices(w, firstIndex)
}

func (f *PhotometryFit) offsetModel(delta []float64) error {
	return f.model.OffsetParams(delta)
}

func (f *PhotometryFit) offsetStar(fs *catalog.FittedStar, delta []float64) {
	space := f.model.Space()
	v, _ := space.Fitted(fs)
	space.SetFitted(fs, v-delta[0])
}

func (f *PhotometryFit) findMapping(c *catalog.CcdImage) (mapping.PhotometryMapping, error) {
	m, ok := f.model.FindMapping(c)
	if !ok {
		return nil, errors.Wrapf(ErrMappingNotFound, "%s", c.Name)
	}
	return m, nil
}

// calibrated returns the calibrated value of ms, its uncertainty including the
// pedestal, and the residual against its fitted star.
func (f *PhotometryFit) calibrated(m mapping.PhotometryMapping, ms *catalog.MeasuredStar) (value, sigma, residual float64) {
	space := f.model.Space()
	inst, instErr := space.Measured(ms)
	value = m.Transform(ms, inst)
	sigma = m.TransformError(ms, inst, instErr)
	pedestal := space.Pedestal(value, f.errorPedestal)
	sigma = math.Sqrt(sigma*sigma + pedestal*pedestal)
	fitted, _ := space.Fitted(f.assoc.FittedStar(ms.Fitted))
	return value, sigma, value - fitted
}

func (f *PhotometryFit) measurementEquations(ms *catalog.MeasuredStar, eq *equations) (bool, error) {
	m, err := f.findMapping(ms.Ccd)
	if err != nil {
		return false, err
	}
	_, sigma, residual := f.calibrated(m, ms)
	if !(sigma > 0) || math.IsNaN(residual) || math.IsInf(residual, 0) {
		return false, nil
	}

	npm := m.NPar()
	starIdx := f.starIndex[ms.Fitted]
	nIdx := npm
	if starIdx >= 0 {
		nIdx++
	}
	eq.reset(1, nIdx)
	eq.indices = m.MappingIndices(eq.indices)
	inst, _ := f.model.Space().Measured(ms)
	m.ComputeParameterDerivatives(ms, inst, eq.derivs[0][:npm])
	if starIdx >= 0 {
		eq.indices = append(eq.indices, starIdx)
		eq.derivs[0][npm] = -1
	}
	eq.residuals[0] = residual
	eq.scale(1 / sigma)
	return true, nil
}

func (f *PhotometryFit) referenceEquations(id catalog.StarID, eq *equations) bool {
	space := f.model.Space()
	fs := f.assoc.FittedStar(id)
	ref := f.assoc.RefStar(fs.Ref)
	refValue, refErr := space.Reference(ref)
	if !(refErr > 0) || math.IsNaN(refValue) {
		return false
	}
	fitted, _ := space.Fitted(fs)
	starIdx := f.starIndex[id]
	if starIdx >= 0 {
		eq.reset(1, 1)
		eq.indices = append(eq.indices, starIdx)
		eq.derivs[0][0] = 1
	} else {
		eq.reset(1, 0)
	}
	eq.residuals[0] = fitted - refValue
	eq.scale(1 / refErr)
	return true
}

// MakeResTuple writes one tab-separated line per associated measurement with
// its calibrated value, residual and chi2.
func (f *PhotometryFit) MakeResTuple(w io.Writer) error {
	if err := f.checkConfigured(); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "ccd\tvisit\tchip\tid\tx\ty\tinst\tcalibrated\tsigma\tfitted\tresidual\tchi2\tvalid"); err != nil {
		return errors.Wrap(err, "write residual header")
	}
	space := f.model.Space()
	for _, c := range f.assoc.CcdImages() {
		m, err := f.findMapping(c)
		if err != nil {
			return err
		}
		for _, ms := range c.Catalog {
			if ms.Fitted == catalog.NoStar {
				continue
			}
			if int(ms.Fitted) >= f.assoc.NFittedStars() {
				return errors.Wrapf(ErrDanglingStar, "%s", ms)
			}
			inst, _ := space.Measured(ms)
			value, sigma, residual := f.calibrated(m, ms)
			fitted, _ := space.Fitted(f.assoc.FittedStar(ms.Fitted))
			chi2 := residual * residual / (sigma * sigma)
			_, err = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%t\n",
				c.Name, c.Visit, c.Ccd, ms.ID, ms.X, ms.Y, inst, value, sigma, fitted, residual, chi2, ms.Valid)
			if err != nil {
				return errors.Wrap(err, "write residual")
			}
		}
	}
	return nil
}
