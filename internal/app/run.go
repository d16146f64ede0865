// Package app runs a calibration: association, then the astrometric and
// photometric fit sequences of the configuration.
package app

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/config"
	"jointcal/internal/fit"
	"jointcal/internal/logger"
	"jointcal/internal/model"
	"jointcal/internal/project"
)

// ErrNoImages is returned when association leaves no image usable for a fit.
var ErrNoImages = errors.New("no image has associated measurements")

// Runner holds the state of one run.
type Runner struct {
	mu sync.RWMutex

	cfg *config.Config
	log logger.ILogger

	astrometryFit *fit.AstrometryFit
	photometryFit *fit.PhotometryFit

	listeners map[EventType][]EventListener
}

// NewRunner validates cfg and creates a runner.
func NewRunner(cfg *config.Config, log logger.ILogger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Runner{cfg: cfg, log: log, listeners: make(map[EventType][]EventListener)}, nil
}

// Run calibrates the images of cat. Each stage works on its own copy of the
// catalogs, so outliers rejected by one stage stay valid for the other.
func (r *Runner) Run(cat *project.Catalog) (*project.Results, error) {
	res := project.NewResults(cat.Name)
	var last *catalog.Associations

	if !r.cfg.Astrometry.Skip {
		assoc, err := r.associate(StageAstrometry, cat)
		if err != nil {
			return nil, err
		}
		if err := r.fitAstrometry(assoc, res); err != nil {
			return nil, err
		}
		last = assoc
	}
	if !r.cfg.Photometry.Skip {
		assoc, err := r.associate(StagePhotometry, cat)
		if err != nil {
			return nil, err
		}
		if err := r.fitPhotometry(assoc, res); err != nil {
			return nil, err
		}
		last = assoc
	}
	if last != nil {
		res.SetFittedStars(last)
	}
	return res, nil
}

func (r *Runner) associate(stage Stage, cat *project.Catalog) (*catalog.Associations, error) {
	images, err := cat.CcdImages()
	if err != nil {
		return nil, errors.Wrap(err, "load images")
	}
	ac := r.cfg.Association
	assoc := catalog.NewAssociations(r.log)
	for _, c := range images {
		assoc.AddCcdImage(c)
	}
	if err := assoc.AssociateCatalogs(ac.MatchCut); err != nil {
		return nil, errors.Wrapf(err, "%s association", stage)
	}
	if refs := cat.References(); len(refs) > 0 {
		assoc.CollectRefStars(refs, ac.RefMatchCut)
	}
	assoc.PrepareFittedStars(ac.MinMeasurements)
	if err := assoc.Check(); err != nil {
		return nil, errors.Wrapf(err, "%s association", stage)
	}
	if assoc.NCcdImagesValidForFit() == 0 {
		return nil, errors.Wrapf(ErrNoImages, "%s", stage)
	}
	r.log.Infof("%s: %d fitted stars, %d with a reference, %d of %d images usable",
		stage, assoc.NFittedStars(), assoc.NFittedStarsWithAssociatedRefStar(),
		assoc.NCcdImagesValidForFit(), len(assoc.CcdImages()))
	r.Emit(EventAssociated, assoc)
	return assoc, nil
}

func (r *Runner) buildAstrometryModel(ccds []*catalog.CcdImage) (model.AstrometryModel, error) {
	a := r.cfg.Astrometry
	if a.Model == config.ModelSimple {
		return model.NewSimpleAstrometryModel(ccds, a.Order, r.log)
	}
	return model.NewConstrainedAstrometryModel(ccds, a.Order, a.VisitOrder, r.log)
}

func (r *Runner) buildPhotometryModel(ccds []*catalog.CcdImage) (model.PhotometryModel, error) {
	p := r.cfg.Photometry
	space, err := p.SpaceValue()
	if err != nil {
		return nil, err
	}
	if p.Model == config.ModelSimple {
		return model.NewSimplePhotometryModel(ccds, space, p.Order, r.log), nil
	}
	return model.NewConstrainedPhotometryModel(ccds, space, p.Order, p.VisitOrder, r.log)
}

// minimizer is the part of a fitter a step sequence drives.
type minimizer interface {
	Minimize(whatToFit string, nSigmaCut float64) (fit.MinimizeResult, error)
	ComputeChi2() (fit.Chi2Statistic, error)
}

// runSteps runs steps in order. The error transform is frozen before the first
// step that rejects outliers. A Failed or NonFinite step ends the sequence; the
// steps run so far are still reported.
func (r *Runner) runSteps(stage Stage, f minimizer, freeze func(), steps []config.Step) ([]project.StepResult, error) {
	var out []project.StepResult
	frozen := false
	for i, s := range steps {
		if s.NSigmaCut > 0 && !frozen {
			freeze()
			frozen = true
		}
		for attempt := 0; attempt <= s.Repeat; attempt++ {
			res, err := r.runStep(stage, i, f, s, &out)
			if err != nil {
				return out, err
			}
			switch res {
			case fit.Failed, fit.NonFinite:
				r.log.Errorf("%s step %d %q: %s, skipping the remaining steps", stage, i, s.WhatToFit, res)
				return out, nil
			case fit.Chi2Increased:
				r.log.Infof("%s step %d %q: chi2 increased while rejecting outliers", stage, i, s.WhatToFit)
				continue
			}
			if s.Repeat > 0 {
				// Converged: once more to recover the accuracy lost in rank updates.
				res, err := r.runStep(stage, i, f, s, &out)
				if err != nil {
					return out, err
				}
				if res == fit.Failed || res == fit.NonFinite {
					r.log.Errorf("%s step %d %q: %s, skipping the remaining steps", stage, i, s.WhatToFit, res)
					return out, nil
				}
			}
			break
		}
	}
	return out, nil
}

func (r *Runner) runStep(stage Stage, i int, f minimizer, s config.Step, out *[]project.StepResult) (fit.MinimizeResult, error) {
	res, err := f.Minimize(s.WhatToFit, s.NSigmaCut)
	if err != nil {
		return res, errors.Wrapf(err, "%s step %d (%s)", stage, i, s.WhatToFit)
	}
	chi2, err := f.ComputeChi2()
	if err != nil {
		return res, errors.Wrapf(err, "%s step %d chi2", stage, i)
	}
	step := project.NewStepResult(s.WhatToFit, s.NSigmaCut, res, chi2)
	*out = append(*out, step)
	r.log.Infof("%s step %d %q: %s, chi2/ndof %.4g/%d", stage, i, s.WhatToFit, res, chi2.Chi2, chi2.NDof)
	r.Emit(EventStepFinished, StepEvent{Stage: stage, Index: i, Step: step})
	return res, nil
}

func (r *Runner) fitAstrometry(assoc *catalog.Associations, res *project.Results) error {
	m, err := r.buildAstrometryModel(assoc.CcdImages())
	if err != nil {
		return errors.Wrap(err, "astrometry model")
	}
	f := fit.NewAstrometryFit(assoc, m, r.cfg.Astrometry.SystematicError, r.cfg.Fit.Options(), r.log)
	r.mu.Lock()
	r.astrometryFit = f
	r.mu.Unlock()

	steps, err := r.runSteps(StageAstrometry, f, m.FreezeErrorTransform, r.cfg.Astrometry.Steps)
	if err != nil {
		return err
	}
	if err := res.SetAstrometry(r.cfg.Astrometry.Model, m, assoc.CcdImages(), steps); err != nil {
		return err
	}
	r.Emit(EventStageFinished, StageAstrometry)
	return nil
}

func (r *Runner) fitPhotometry(assoc *catalog.Associations, res *project.Results) error {
	m, err := r.buildPhotometryModel(assoc.CcdImages())
	if err != nil {
		return errors.Wrap(err, "photometry model")
	}
	f := fit.NewPhotometryFit(assoc, m, r.cfg.Photometry.ErrorPedestal, r.cfg.Fit.Options(), r.log)
	r.mu.Lock()
	r.photometryFit = f
	r.mu.Unlock()

	steps, err := r.runSteps(StagePhotometry, f, m.FreezeErrorTransform, r.cfg.Photometry.Steps)
	if err != nil {
		return err
	}
	if err := res.SetPhotometry(r.cfg.Photometry.Model, m, assoc.CcdImages(), steps); err != nil {
		return err
	}
	r.Emit(EventStageFinished, StagePhotometry)
	return nil
}

// WriteResTuple writes the per-measurement residuals of the last fit of stage.
func (r *Runner) WriteResTuple(stage Stage, w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch stage {
	case StageAstrometry:
		if r.astrometryFit == nil {
			return errors.Errorf("%s was not fitted", stage)
		}
		return r.astrometryFit.MakeResTuple(w)
	case StagePhotometry:
		if r.photometryFit == nil {
			return errors.Errorf("%s was not fitted", stage)
		}
		return r.photometryFit.MakeResTuple(w)
	}
	return errors.Errorf("unknown stage %q", stage)
}
