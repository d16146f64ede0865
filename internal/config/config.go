// Package config holds the run configuration of the jointcal command.
//
// A run is described by a YAML file with one section per stage:
//
//	logLevel: info
//	association:
//	  matchCut: 3
//	  minMeasurements: 2
//	astrometry:
//	  model: constrained
//	  order: 1
//	  visitOrder: 3
//	  steps:
//	    - whatToFit: DistortionsVisit
//	    - whatToFit: Distortions Positions
//	      nSigmaCut: 5
//	      repeat: 20
//	photometry:
//	  model: simple
//	  space: magnitude
//	fit:
//	  workers: 4
//
// Missing values take the defaults of DefaultConfig.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"jointcal/internal/fit"
	"jointcal/internal/logger"
	"jointcal/internal/model"
)

// ErrInvalid is returned by Validate for out of range or unknown settings.
var ErrInvalid = errors.New("invalid configuration")

// Model kinds.
const (
	ModelSimple      = "simple"
	ModelConstrained = "constrained"
)

// Config is the full run configuration.
type Config struct {
	LogLevel    string            `yaml:"logLevel"`
	Association AssociationConfig `yaml:"association"`
	Astrometry  AstrometryConfig  `yaml:"astrometry"`
	Photometry  PhotometryConfig  `yaml:"photometry"`
	Fit         FitConfig         `yaml:"fit"`
}

// AssociationConfig controls the cross-matching of catalogs.
type AssociationConfig struct {
	// MatchCut is the association radius on the tangent plane.
	MatchCut float64 `yaml:"matchCut"`

	// RefMatchCut is the reference star association radius; MatchCut when zero.
	RefMatchCut float64 `yaml:"refMatchCut,omitempty"`

	MinMeasurements int `yaml:"minMeasurements"`
}

// Step is one Minimize call of a fit sequence.
type Step struct {
	WhatToFit string  `yaml:"whatToFit"`
	NSigmaCut float64 `yaml:"nSigmaCut,omitempty"`

	// Repeat retries the step up to that many times while chi2 increases
	// during outlier rejection. A repeated step that converges is run once
	// more to refine the rank-updated solution.
	Repeat int `yaml:"repeat,omitempty"`
}

// AstrometryConfig selects the astrometric model and its fit sequence.
type AstrometryConfig struct {
	Skip  bool   `yaml:"skip,omitempty"`
	Model string `yaml:"model"`

	// Order is the polynomial order of the simple model, or of the chips of
	// the constrained model. Zero takes the default of the model kind.
	Order      int `yaml:"order"`
	VisitOrder int `yaml:"visitOrder"`

	SystematicError float64 `yaml:"systematicError,omitempty"`
	Steps           []Step  `yaml:"steps"`
}

// PhotometryConfig selects the photometric model and its fit sequence.
type PhotometryConfig struct {
	Skip  bool   `yaml:"skip,omitempty"`
	Model string `yaml:"model"`
	Space string `yaml:"space"`

	// Order is the Chebyshev order of the simple model, or of the chips of the
	// constrained model; 0 is a constant factor.
	Order      int `yaml:"order"`
	VisitOrder int `yaml:"visitOrder"`

	ErrorPedestal float64 `yaml:"errorPedestal,omitempty"`
	Steps         []Step  `yaml:"steps"`
}

// FitConfig holds the solver settings.
type FitConfig struct {
	Workers          int   `yaml:"workers"`
	RankUpdate       *bool `yaml:"rankUpdate,omitempty"`
	MaxOutlierRounds int   `yaml:"maxOutlierRounds,omitempty"`
}

// Options converts the solver settings for the fitters.
func (f FitConfig) Options() fit.Options {
	opts := fit.DefaultOptions()
	opts.Workers = f.Workers
	opts.MaxOutlierRounds = f.MaxOutlierRounds
	if f.RankUpdate != nil {
		opts.RankUpdate = *f.RankUpdate
	}
	return opts
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// LoadFromPath reads a YAML configuration and fills in the defaults.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes a YAML configuration and fills in the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes c as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write config")
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Association.MatchCut == 0 {
		c.Association.MatchCut = 3
	}
	if c.Association.RefMatchCut == 0 {
		c.Association.RefMatchCut = c.Association.MatchCut
	}
	if c.Association.MinMeasurements == 0 {
		c.Association.MinMeasurements = 2
	}

	a := &c.Astrometry
	if a.Model == "" {
		a.Model = ModelConstrained
	}
	switch a.Model {
	case ModelSimple:
		if a.Order == 0 {
			a.Order = 3
		}
	case ModelConstrained:
		if a.Order == 0 {
			a.Order = 1
		}
		if a.VisitOrder == 0 {
			a.VisitOrder = 3
		}
	}
	if len(a.Steps) == 0 {
		a.Steps = defaultAstrometrySteps(a.Model)
	}

	p := &c.Photometry
	if p.Model == "" {
		p.Model = ModelConstrained
	}
	if p.Model == ModelConstrained && p.VisitOrder == 0 {
		p.VisitOrder = 2
	}
	if p.Space == "" {
		p.Space = model.FluxSpace.String()
	}
	if len(p.Steps) == 0 {
		p.Steps = defaultPhotometrySteps(p.Model)
	}
}

func defaultAstrometrySteps(kind string) []Step {
	var steps []Step
	if kind == ModelConstrained {
		steps = append(steps, Step{WhatToFit: model.DistortionsVisit})
	}
	return append(steps,
		Step{WhatToFit: model.Distortions},
		Step{WhatToFit: fit.Positions},
		Step{WhatToFit: model.Distortions + " " + fit.Positions, NSigmaCut: 5, Repeat: 20},
	)
}

func defaultPhotometrySteps(kind string) []Step {
	var steps []Step
	if kind == ModelConstrained {
		steps = append(steps, Step{WhatToFit: model.ModelVisit})
	}
	return append(steps,
		Step{WhatToFit: model.Model},
		Step{WhatToFit: fit.Fluxes},
		Step{WhatToFit: model.Model + " " + fit.Fluxes, NSigmaCut: 5},
	)
}

// Level returns the parsed log level.
func (c *Config) Level() (logger.LogLevel, error) {
	return logger.ParseLogLevel(c.LogLevel)
}

// SpaceValue returns the parsed photometry space.
func (p PhotometryConfig) SpaceValue() (model.Space, error) {
	return model.ParseSpace(p.Space)
}

// Validate checks every setting and the tokens of every step.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	as := c.Association
	if !(as.MatchCut > 0) || !(as.RefMatchCut > 0) {
		return errors.Wrapf(ErrInvalid, "match cuts must be positive, got %g and %g", as.MatchCut, as.RefMatchCut)
	}
	if as.MinMeasurements < 1 {
		return errors.Wrapf(ErrInvalid, "minMeasurements must be at least 1, got %d", as.MinMeasurements)
	}

	a := c.Astrometry
	if err := checkModel("astrometry", a.Model, a.Order, a.VisitOrder); err != nil {
		return err
	}
	if a.Order < 1 || (a.Model == ModelConstrained && a.VisitOrder < 1) {
		return errors.Wrapf(ErrInvalid, "astrometry orders must be at least 1, got %d and %d", a.Order, a.VisitOrder)
	}
	if a.SystematicError < 0 {
		return errors.Wrapf(ErrInvalid, "astrometry systematicError is negative: %g", a.SystematicError)
	}
	if err := checkSteps("astrometry", a.Steps, append(append([]string(nil), model.AstrometryTokens...), fit.Positions)); err != nil {
		return err
	}

	p := c.Photometry
	if err := checkModel("photometry", p.Model, p.Order, p.VisitOrder); err != nil {
		return err
	}
	if _, err := p.SpaceValue(); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if p.ErrorPedestal < 0 {
		return errors.Wrapf(ErrInvalid, "photometry errorPedestal is negative: %g", p.ErrorPedestal)
	}
	if err := checkSteps("photometry", p.Steps, append(append([]string(nil), model.PhotometryTokens...), fit.Fluxes)); err != nil {
		return err
	}

	if c.Fit.Workers < 0 || c.Fit.MaxOutlierRounds < 0 {
		return errors.Wrapf(ErrInvalid, "workers and maxOutlierRounds must not be negative, got %d and %d",
			c.Fit.Workers, c.Fit.MaxOutlierRounds)
	}
	return nil
}

func checkModel(section, kind string, order, visitOrder int) error {
	if kind != ModelSimple && kind != ModelConstrained {
		return errors.Wrapf(ErrInvalid, "%s model must be %q or %q, got %q", section, ModelSimple, ModelConstrained, kind)
	}
	if order < 0 || visitOrder < 0 {
		return errors.Wrapf(ErrInvalid, "%s orders must not be negative, got %d and %d", section, order, visitOrder)
	}
	return nil
}

func checkSteps(section string, steps []Step, allowed []string) error {
	for i, s := range steps {
		w, err := model.ParseWhatToFit(s.WhatToFit, allowed...)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "%s step %d: %v", section, i, err)
		}
		if w.Empty() {
			return errors.Wrapf(ErrInvalid, "%s step %d fits nothing", section, i)
		}
		if s.NSigmaCut < 0 || s.Repeat < 0 {
			return errors.Wrapf(ErrInvalid, "%s step %d: negative nSigmaCut %g or repeat %d", section, i, s.NSigmaCut, s.Repeat)
		}
	}
	return nil
}
