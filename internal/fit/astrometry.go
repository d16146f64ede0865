package fit

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/logger"
	"jointcal/internal/mapping"
	"jointcal/internal/model"
	"jointcal/pkg/geometry"
)

// Positions is the fit token selecting the fitted star positions.
const Positions = "Positions"

// AstrometryFit fits the astrometric mappings and the tangent plane positions
// of the fitted stars.
//
// A measurement contributes M(pixel) - star, weighted by the inverse of its
// pixel covariance pushed through the error transform, with the systematic
// error added in quadrature to both axes. A fitted star linked to a reference
// star contributes star - ref weighted by the reference covariance.
type AstrometryFit struct {
	fitter
	model           model.AstrometryModel
	systematicError float64
}

// NewAstrometryFit creates a fitter over assoc. systematicError is in tangent
// plane units.
func NewAstrometryFit(assoc *catalog.Associations, m model.AstrometryModel, systematicError float64, opts Options, log logger.ILogger) *AstrometryFit {
	if log == nil {
		log = &logger.NullLogger{}
	}
	f := &AstrometryFit{model: m, systematicError: systematicError}
	f.fitter = fitter{log: log, name: "astrometry", assoc: assoc, opts: opts, impl: f}
	return f
}

// Model returns the fitted model.
func (f *AstrometryFit) Model() model.AstrometryModel { return f.model }

func (f *AstrometryFit) tokens() []string  { return model.AstrometryTokens }
func (f *AstrometryFit) starToken() string { return Positions }
func (f *AstrometryFit) starParams() int   { return 2 }

func (f *AstrometryFit) assignModel(w model.WhatToFit, firstIndex int) int {
	return f.model.AssignIndices(w, firstIndex)
}

func (f *AstrometryFit) offsetModel(delta []float64) error {
	return f.model.OffsetParams(delta)
}

func (f *AstrometryFit) offsetStar(fs *catalog.FittedStar, delta []float64) {
	fs.X -= delta[0]
	fs.Y -= delta[1]
}

func (f *AstrometryFit) findMapping(c *catalog.CcdImage) (mapping.AstrometryMapping, error) {
	m, ok := f.model.FindMapping(c)
	if !ok {
		return nil, errors.Wrapf(ErrMappingNotFound, "%s", c.Name)
	}
	return m, nil
}

// measuredPosition returns the tangent plane position of ms with its covariance.
func (f *AstrometryFit) measuredPosition(m mapping.AstrometryMapping, ms *catalog.MeasuredStar) geometry.FatPoint {
	tp := m.TransformErrors(ms.FatPoint)
	s2 := f.systematicError * f.systematicError
	tp.VX += s2
	tp.VY += s2
	return tp
}

func (f *AstrometryFit) measurementEquations(ms *catalog.MeasuredStar, eq *equations) (bool, error) {
	m, err := f.findMapping(ms.Ccd)
	if err != nil {
		return false, err
	}
	tp := f.measuredPosition(m, ms)
	wxx, wyy, wxy, ok := tp.InverseCovariance()
	if !ok {
		return false, nil
	}

	npm := m.NPar()
	starIdx := f.starIndex[ms.Fitted]
	nIdx := npm
	if starIdx >= 0 {
		nIdx += 2
	}
	eq.reset(2, nIdx)
	eq.indices = m.MappingIndices(eq.indices)
	m.ComputeParameterDerivatives(ms.Point2D, eq.derivs[0][:npm], eq.derivs[1][:npm])
	if starIdx >= 0 {
		eq.indices = append(eq.indices, starIdx, starIdx+1)
		eq.derivs[0][npm] = -1
		eq.derivs[1][npm+1] = -1
	}

	fs := f.assoc.FittedStar(ms.Fitted)
	eq.residuals[0] = tp.X - fs.X
	eq.residuals[1] = tp.Y - fs.Y
	eq.whiten2(wxx, wyy, wxy)
	return true, nil
}

func (f *AstrometryFit) referenceEquations(id catalog.StarID, eq *equations) bool {
	fs := f.assoc.FittedStar(id)
	ref := f.assoc.RefStar(fs.Ref)
	wxx, wyy, wxy, ok := ref.InverseCovariance()
	if !ok {
		return false
	}
	starIdx := f.starIndex[id]
	if starIdx >= 0 {
		eq.reset(2, 2)
		eq.indices = append(eq.indices, starIdx, starIdx+1)
		eq.derivs[0][0] = 1
		eq.derivs[1][1] = 1
	} else {
		eq.reset(2, 0)
	}
	eq.residuals[0] = fs.X - ref.X
	eq.residuals[1] = fs.Y - ref.Y
	eq.whiten2(wxx, wyy, wxy)
	return true
}

// MakeResTuple writes one tab-separated line per associated measurement with
// its tangent plane residual and chi2.
func (f *AstrometryFit) MakeResTuple(w io.Writer) error {
	if err := f.checkConfigured(); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "ccd\tvisit\tchip\tid\tx\ty\ttpx\ttpy\tfx\tfy\tdx\tdy\tchi2\tvalid"); err != nil {
		return errors.Wrap(err, "write residual header")
	}
	var eq equations
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
			tp := f.measuredPosition(m, ms)
			fs := f.assoc.FittedStar(ms.Fitted)
			chi2 := 0.0
			if ok, _ := f.measurementEquations(ms, &eq); ok {
				chi2 = eq.chi2()
			}
			_, err = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%g\t%t\n",
				c.Name, c.Visit, c.Ccd, ms.ID, ms.X, ms.Y, tp.X, tp.Y, fs.X, fs.Y,
				tp.X-fs.X, tp.Y-fs.Y, chi2, ms.Valid)
			if err != nil {
				return errors.Wrap(err, "write residual")
			}
		}
	}
	return nil
}
