package project

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/fit"
	"jointcal/internal/model"
)

// Results is the output of a run.
type Results struct {
	Version int       `json:"version"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`

	Astrometry  *AstrometryResults `json:"astrometry,omitempty"`
	Photometry  *PhotometryResults `json:"photometry,omitempty"`
	FittedStars []FittedStar       `json:"fitted_stars"`
}

// StepResult records one Minimize call.
type StepResult struct {
	WhatToFit string  `json:"what_to_fit"`
	NSigmaCut float64 `json:"n_sigma_cut,omitempty"`
	Result    string  `json:"result"`
	Chi2      float64 `json:"chi2"`
	NDof      int     `json:"ndof"`
}

// AstrometryResults holds the fitted astrometric solution.
type AstrometryResults struct {
	Model  string            `json:"model"`
	Steps  []StepResult      `json:"steps"`
	Images []ImageAstrometry `json:"images"`
}

// ImageAstrometry is the fitted pixel to tangent plane mapping of one image.
type ImageAstrometry struct {
	Visit int    `json:"visit"`
	Ccd   int    `json:"ccd"`
	Name  string `json:"name"`

	// Linear is the mapping linearized at the detector center.
	Linear Affine `json:"linear"`

	// Parameters are the fitted transform coefficients.
	Parameters []float64 `json:"parameters"`
}

// PhotometryResults holds the fitted photometric solution.
type PhotometryResults struct {
	Model  string            `json:"model"`
	Space  string            `json:"space"`
	Steps  []StepResult      `json:"steps"`
	Images []ImagePhotometry `json:"images"`
}

// ImagePhotometry is the fitted calibration of one image.
type ImagePhotometry struct {
	Visit int    `json:"visit"`
	Ccd   int    `json:"ccd"`
	Name  string `json:"name"`

	// Factor is the instFlux to flux factor at the detector center.
	Factor     float64   `json:"factor"`
	Parameters []float64 `json:"parameters"`
}

// FittedStar is the consensus position and flux of one star.
type FittedStar struct {
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Flux             float64 `json:"flux"`
	FluxErr          float64 `json:"flux_err"`
	Mag              float64 `json:"mag"`
	MeasurementCount int     `json:"measurement_count"`
	Reference        bool    `json:"reference"`
}

// NewResults creates an empty result set.
func NewResults(name string) *Results {
	return &Results{Version: FormatVersion, Name: name, Created: time.Now()}
}

// LoadResults reads a results file.
func LoadResults(path string) (*Results, error) {
	var r Results
	if err := load(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save writes the results. NaN and infinities, which JSON cannot encode, are
// replaced by zero in r first.
func (r *Results) Save(path string) error {
	r.makeFinite()
	return save(path, r)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func finiteAll(vs []float64) {
	for i, v := range vs {
		vs[i] = finite(v)
	}
}

func (a *Affine) makeFinite() {
	for _, v := range []*float64{&a.A, &a.B, &a.TX, &a.C, &a.D, &a.TY} {
		*v = finite(*v)
	}
}

func finiteSteps(steps []StepResult) {
	for i := range steps {
		steps[i].NSigmaCut = finite(steps[i].NSigmaCut)
		steps[i].Chi2 = finite(steps[i].Chi2)
	}
}

func (r *Results) makeFinite() {
	if a := r.Astrometry; a != nil {
		finiteSteps(a.Steps)
		for i := range a.Images {
			a.Images[i].Linear.makeFinite()
			finiteAll(a.Images[i].Parameters)
		}
	}
	if p := r.Photometry; p != nil {
		finiteSteps(p.Steps)
		for i := range p.Images {
			p.Images[i].Factor = finite(p.Images[i].Factor)
			finiteAll(p.Images[i].Parameters)
		}
	}
	for i := range r.FittedStars {
		fs := &r.FittedStars[i]
		for _, v := range []*float64{&fs.X, &fs.Y, &fs.Flux, &fs.FluxErr, &fs.Mag} {
			*v = finite(*v)
		}
	}
}

// NewStepResult records the outcome of one Minimize call.
func NewStepResult(whatToFit string, nSigmaCut float64, res fit.MinimizeResult, chi2 fit.Chi2Statistic) StepResult {
	return StepResult{WhatToFit: whatToFit, NSigmaCut: nSigmaCut, Result: res.String(), Chi2: chi2.Chi2, NDof: chi2.NDof}
}

// SetAstrometry records the fitted mappings of m for images.
func (r *Results) SetAstrometry(kind string, m model.AstrometryModel, images []*catalog.CcdImage, steps []StepResult) error {
	out := &AstrometryResults{Model: kind, Steps: steps}
	for _, c := range images {
		t, ok := m.TangentPlaneTransform(c)
		if !ok {
			return errors.Wrapf(fit.ErrMappingNotFound, "%s", c.Name)
		}
		mp, _ := m.FindMapping(c)
		out.Images = append(out.Images, ImageAstrometry{
			Visit:      c.Visit,
			Ccd:        c.Ccd,
			Name:       c.Name,
			Linear:     Linearize(t, c.BBox.Center()),
			Parameters: mp.Parameters(),
		})
	}
	r.Astrometry = out
	return nil
}

// SetPhotometry records the fitted calibrations of m for images.
func (r *Results) SetPhotometry(kind string, m model.PhotometryModel, images []*catalog.CcdImage, steps []StepResult) error {
	out := &PhotometryResults{Model: kind, Space: m.Space().String(), Steps: steps}
	for _, c := range images {
		factor, ok := m.PhotometricFactor(c)
		if !ok {
			return errors.Wrapf(fit.ErrMappingNotFound, "%s", c.Name)
		}
		mp, _ := m.FindMapping(c)
		out.Images = append(out.Images, ImagePhotometry{
			Visit:      c.Visit,
			Ccd:        c.Ccd,
			Name:       c.Name,
			Factor:     factor,
			Parameters: mp.Parameters(),
		})
	}
	r.Photometry = out
	return nil
}

// SetFittedStars records the fitted stars of assoc.
func (r *Results) SetFittedStars(assoc *catalog.Associations) {
	r.FittedStars = make([]FittedStar, assoc.NFittedStars())
	for i := range r.FittedStars {
		fs := assoc.FittedStar(catalog.StarID(i))
		r.FittedStars[i] = FittedStar{
			X:                fs.X,
			Y:                fs.Y,
			Flux:             fs.Flux,
			FluxErr:          fs.FluxErr,
			Mag:              fs.Mag,
			MeasurementCount: fs.MeasurementCount,
			Reference:        fs.Ref != catalog.NoRef,
		}
	}
}
