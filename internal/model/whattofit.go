// Package model owns the per-image mappings of a fit and lays their free
// parameters out in the global parameter vector.
package model

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Fit tokens. The astrometry model understands the Distortions family (and
// Model as a synonym of Distortions), the photometry model the Model family.
const (
	Distortions      = "Distortions"
	DistortionsChip  = "DistortionsChip"
	DistortionsVisit = "DistortionsVisit"
	Model            = "Model"
	ModelChip        = "ModelChip"
	ModelVisit       = "ModelVisit"
)

// AstrometryTokens are the tokens an astrometry model reacts to.
var AstrometryTokens = []string{Distortions, DistortionsChip, DistortionsVisit, Model}

// PhotometryTokens are the tokens a photometry model reacts to.
var PhotometryTokens = []string{Model, ModelChip, ModelVisit}

var (
	// ErrUnknownToken is returned when a fit selection names an unsupported token.
	ErrUnknownToken = errors.New("unknown fit token")

	// ErrSizeMismatch is returned when an offset vector does not cover the assigned parameters.
	ErrSizeMismatch = errors.New("offset vector does not cover the assigned parameters")
)

// WhatToFit is a parsed set of fit tokens.
type WhatToFit struct {
	tokens map[string]bool
}

// ParseWhatToFit splits s on whitespace and checks every token against allowed.
func ParseWhatToFit(s string, allowed ...string) (WhatToFit, error) {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}
	w := WhatToFit{tokens: make(map[string]bool)}
	for _, tok := range strings.Fields(s) {
		if !known[tok] {
			return WhatToFit{}, errors.Wrapf(ErrUnknownToken, "%q (allowed: %s)", tok, strings.Join(allowed, ", "))
		}
		w.tokens[tok] = true
	}
	return w, nil
}

// Has reports whether token was selected.
func (w WhatToFit) Has(token string) bool {
	return w.tokens[token]
}

// Empty reports whether no token was selected.
func (w WhatToFit) Empty() bool {
	return len(w.tokens) == 0
}

func (w WhatToFit) String() string {
	out := make([]string, 0, len(w.tokens))
	for tok := range w.tokens {
		out = append(out, tok)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func (w WhatToFit) astrometryChips() bool {
	return w.Has(Distortions) || w.Has(Model) || w.Has(DistortionsChip)
}

func (w WhatToFit) astrometryVisits() bool {
	return w.Has(Distortions) || w.Has(Model) || w.Has(DistortionsVisit)
}

func (w WhatToFit) photometryChips() bool {
	return w.Has(Model) || w.Has(ModelChip)
}

func (w WhatToFit) photometryVisits() bool {
	return w.Has(Model) || w.Has(ModelVisit)
}
