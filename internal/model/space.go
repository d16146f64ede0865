package model

import (
	"strings"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
)

// Space selects whether photometry is fitted on fluxes or on magnitudes.
type Space int

const (
	FluxSpace Space = iota
	MagnitudeSpace
)

// ParseSpace reads "flux" or "magnitude".
func ParseSpace(s string) (Space, error) {
	switch strings.ToLower(s) {
	case "flux", "":
		return FluxSpace, nil
	case "magnitude", "mag":
		return MagnitudeSpace, nil
	}
	return FluxSpace, errors.Errorf("unknown photometry space %q", s)
}

func (s Space) String() string {
	if s == MagnitudeSpace {
		return "magnitude"
	}
	return "flux"
}

// Measured returns the instrumental value of ms and its uncertainty.
func (s Space) Measured(ms *catalog.MeasuredStar) (value, err float64) {
	if s == MagnitudeSpace {
		return ms.InstMag, ms.InstMagErr
	}
	return ms.InstFlux, ms.InstFluxErr
}

// Fitted returns the fitted value of fs and its uncertainty.
func (s Space) Fitted(fs *catalog.FittedStar) (value, err float64) {
	if s == MagnitudeSpace {
		return fs.Mag, fs.MagErr
	}
	return fs.Flux, fs.FluxErr
}

// SetFitted stores value as the fitted flux or magnitude of fs.
func (s Space) SetFitted(fs *catalog.FittedStar, value float64) {
	if s == MagnitudeSpace {
		fs.Mag = value
		fs.Flux = catalog.MagToFlux(value)
		return
	}
	fs.Flux = value
	if value > 0 {
		fs.Mag = catalog.FluxToMag(value)
	}
}

// Reference returns the reference value and uncertainty of r.
func (s Space) Reference(r *catalog.RefStar) (value, err float64) {
	if s == MagnitudeSpace {
		return r.Mag(), r.MagErr()
	}
	return r.Flux, r.FluxErr
}

// Pedestal returns the systematic uncertainty added in quadrature to a value:
// relative for fluxes, absolute for magnitudes.
func (s Space) Pedestal(value, pedestal float64) float64 {
	if s == MagnitudeSpace {
		return pedestal
	}
	return pedestal * value
}
