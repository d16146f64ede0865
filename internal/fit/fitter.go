package fit

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"jointcal/internal/catalog"
	"jointcal/internal/logger"
	"jointcal/internal/model"
)

var (
	// ErrMappingNotFound is returned when the model has no mapping for an image.
	ErrMappingNotFound = errors.New("no mapping for image")

	// ErrDanglingStar is returned when a measured star points outside the fitted star arena.
	ErrDanglingStar = errors.New("measured star points to no fitted star")
)

// Options are the solver settings shared by the astrometry and photometry fits.
type Options struct {
	// Workers bounds the number of images assembled concurrently; 0 means unbounded.
	Workers int

	// RankUpdate downdates the Cholesky factor when removing outliers instead
	// of reassembling the normal equations.
	RankUpdate bool

	// MaxOutlierRounds stops the outlier loop after that many rounds; 0 means no limit.
	MaxOutlierRounds int
}

// DefaultOptions returns rank updates on and no worker or round limits.
func DefaultOptions() Options {
	return Options{RankUpdate: true}
}

// equations holds the whitened equations of one measurement: per equation a
// residual and derivatives with respect to the parameters listed in indices.
type equations struct {
	indices   []int
	derivs    [][]float64
	residuals []float64
}

func (e *equations) reset(nEq, nIdx int) {
	e.indices = e.indices[:0]
	if cap(e.residuals) < nEq {
		e.residuals = make([]float64, nEq)
		e.derivs = make([][]float64, nEq)
	}
	e.residuals = e.residuals[:nEq]
	e.derivs = e.derivs[:nEq]
	for k := range e.derivs {
		if cap(e.derivs[k]) < nIdx {
			e.derivs[k] = make([]float64, nIdx)
		}
		e.derivs[k] = e.derivs[k][:nIdx]
		for i := range e.derivs[k] {
			e.derivs[k][i] = 0
		}
	}
}

func (e *equations) chi2() float64 {
	s := 0.0
	for _, r := range e.residuals {
		s += r * r
	}
	return s
}

// whiten2 multiplies a pair of equations by Lᵀ, where W = L Lᵀ is the 2×2
// inverse covariance (wxx, wyy, wxy).
func (e *equations) whiten2(wxx, wyy, wxy float64) {
	sa := math.Sqrt(wxx)
	l21 := wxy / sa
	l22 := math.Sqrt(wyy - wxy*wxy/wxx)
	for k := range e.derivs[0] {
		dx, dy := e.derivs[0][k], e.derivs[1][k]
		e.derivs[0][k] = sa*dx + l21*dy
		e.derivs[1][k] = l22 * dy
	}
	rx, ry := e.residuals[0], e.residuals[1]
	e.residuals[0] = sa*rx + l21*ry
	e.residuals[1] = l22 * ry
}

// scale multiplies all equations by s.
func (e *equations) scale(s float64) {
	for k := range e.derivs {
		for i := range e.derivs[k] {
			e.derivs[k][i] *= s
		}
		e.residuals[k] *= s
	}
}

// problem is the astrometry or photometry specific part of a fit.
type problem interface {
	tokens() []string
	starToken() string
	starParams() int
	assignModel(w model.WhatToFit, firstIndex int) int
	offsetModel(delta []float64) error
	offsetStar(fs *catalog.FittedStar, delta []float64)

	// measurementEquations fills eq for a valid associated measurement; false
	// means the measurement carries no usable weight.
	measurementEquations(ms *catalog.MeasuredStar, eq *equations) (bool, error)

	// referenceEquations fills eq for the reference association of a fitted star.
	referenceEquations(id catalog.StarID, eq *equations) bool
}

// fitter is the state machine shared by AstrometryFit and PhotometryFit.
type fitter struct {
	log   logger.ILogger
	name  string
	assoc *catalog.Associations
	opts  Options
	impl  problem

	state     State
	whatToFit model.WhatToFit
	nParModel int
	nParTot   int
	fitStars  bool

	// starIndex holds the first parameter index of each fitted star handle, -1 when not fitted.
	starIndex []int

	lastNTriplets int
}

// State returns the current position in the fit cycle.
func (f *fitter) State() State { return f.state }

// NParModel returns the number of model parameters.
func (f *fitter) NParModel() int { return f.nParModel }

// NParTot returns the size of the global parameter vector.
func (f *fitter) NParTot() int { return f.nParTot }

// StarIndex returns the first parameter index of a fitted star, -1 when its
// parameters are not fitted.
func (f *fitter) StarIndex(id catalog.StarID) int {
	if int(id) < 0 || int(id) >= len(f.starIndex) {
		return -1
	}
	return f.starIndex[id]
}

// AssignIndices parses whatToFit and lays out the global parameter vector:
// model parameters first, then star parameters in handle order.
func (f *fitter) AssignIndices(whatToFit string) error {
	allowed := append(append([]string(nil), f.impl.tokens()...), f.impl.starToken())
	w, err := model.ParseWhatToFit(whatToFit, allowed...)
	if err != nil {
		return err
	}
	f.whatToFit = w
	f.nParModel = f.impl.assignModel(w, 0)
	f.fitStars = w.Has(f.impl.starToken())

	n := f.assoc.NFittedStars()
	if cap(f.starIndex) < n {
		f.starIndex = make([]int, n)
	}
	f.starIndex = f.starIndex[:n]
	index := f.nParModel
	for i := 0; i < n; i++ {
		f.starIndex[i] = -1
		if f.fitStars && f.assoc.FittedStar(catalog.StarID(i)).MeasurementCount > 0 {
			f.starIndex[i] = index
			index += f.impl.starParams()
		}
	}
	f.nParTot = index
	f.state = Configured
	f.log.Debugf("%s: fitting %q, %d model and %d total parameters", f.name, w, f.nParModel, f.nParTot)
	return nil
}

func (f *fitter) checkConfigured() error {
	if f.state == Unconfigured {
		return errors.Errorf("%s: indices not assigned", f.name)
	}
	if len(f.starIndex) != f.assoc.NFittedStars() {
		return errors.Errorf("%s: fitted star count changed since indices were assigned", f.name)
	}
	return nil
}

// gradient receives the JᵀWr terms of assembled equations.
type gradient interface {
	add(index int, value float64)
}

type denseGradient []float64

func (g denseGradient) add(index int, value float64) { g[index] += value }

type gradTerm struct {
	index int
	value float64
}

// sparseGradient keeps terms in order so that merging stays deterministic.
type sparseGradient struct {
	terms []gradTerm
}

func (g *sparseGradient) add(index int, value float64) {
	g.terms = append(g.terms, gradTerm{index: index, value: value})
}

// addEquations appends eq as new columns of tl and accumulates its gradient.
func addEquations(eq *equations, tl *TripletList, grad gradient) {
	for k, res := range eq.residuals {
		col := tl.NextFreeIndex()
		for i, idx := range eq.indices {
			d := eq.derivs[k][i]
			tl.Add(idx, col, d)
			grad.add(idx, d*res)
		}
		tl.SetNextFreeIndex(col + 1)
	}
}

// imageTerms is what one image contributes, merged later in image order.
type imageTerms struct {
	tl   *TripletList
	grad sparseGradient
}

// assembleImage accumulates the equations of stars (all valid associated
// measurements of c when stars is nil).
func (f *fitter) assembleImage(c *catalog.CcdImage, stars []*catalog.MeasuredStar, hint int) (imageTerms, error) {
	if stars == nil {
		stars = c.Catalog
	}
	out := imageTerms{tl: NewTripletList(hint)}
	var eq equations
	for _, ms := range stars {
		if !ms.Valid || ms.Fitted == catalog.NoStar {
			continue
		}
		if int(ms.Fitted) >= f.assoc.NFittedStars() {
			return out, errors.Wrapf(ErrDanglingStar, "%s", ms)
		}
		ok, err := f.impl.measurementEquations(ms, &eq)
		if err != nil {
			return out, err
		}
		if !ok {
			continue
		}
		addEquations(&eq, out.tl, &out.grad)
	}
	return out, nil
}

// assemble adds the equations of the selected measurements and reference
// associations to tl and grad. With a nil selection every valid measurement
// and every reference association contributes.
func (f *fitter) assemble(sel *Outliers, tl *TripletList, grad []float64) error {
	images := f.assoc.CcdImages()
	subsets := make([][]*catalog.MeasuredStar, len(images))
	if sel != nil {
		pos := make(map[*catalog.CcdImage]int, len(images))
		for i, c := range images {
			pos[c] = i
		}
		for _, ms := range sel.Measured {
			i, ok := pos[ms.Ccd]
			if !ok {
				return errors.Errorf("outlier %s belongs to no known image", ms)
			}
			subsets[i] = append(subsets[i], ms)
		}
	}

	hint := 0
	if len(images) > 0 {
		hint = f.lastNTriplets / len(images)
	}
	results := make([]imageTerms, len(images))
	var g errgroup.Group
	if f.opts.Workers > 0 {
		g.SetLimit(f.opts.Workers)
	}
	for i, c := range images {
		if sel != nil && len(subsets[i]) == 0 {
			continue
		}
		g.Go(func() error {
			var stars []*catalog.MeasuredStar
			if sel != nil {
				stars = subsets[i]
			}
			terms, err := f.assembleImage(c, stars, hint)
			if err != nil {
				return errors.Wrapf(err, "assemble %s", c.Name)
			}
			results[i] = terms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		if r.tl == nil {
			continue
		}
		tl.Append(r.tl)
		for _, t := range r.grad.terms {
			grad[t.index] += t.value
		}
	}

	refs := f.referencedStars()
	if sel != nil {
		refs = sel.Refs
	}
	var eq equations
	for _, id := range refs {
		if f.impl.referenceEquations(id, &eq) {
			addEquations(&eq, tl, denseGradient(grad))
		}
	}
	return nil
}

// referencedStars returns the fitted stars linked to a reference star.
func (f *fitter) referencedStars() []catalog.StarID {
	var out []catalog.StarID
	for i := 0; i < f.assoc.NFittedStars(); i++ {
		if f.assoc.FittedStar(catalog.StarID(i)).Ref != catalog.NoRef {
			out = append(out, catalog.StarID(i))
		}
	}
	return out
}

// Assemble accumulates the equations of every valid measurement and reference
// association into tl and grad, which must have NParTot entries.
func (f *fitter) Assemble(tl *TripletList, grad []float64) error {
	if err := f.checkConfigured(); err != nil {
		return err
	}
	if len(grad) != f.nParTot {
		return errors.Wrapf(model.ErrSizeMismatch, "gradient has %d entries, want %d", len(grad), f.nParTot)
	}
	if err := f.assemble(nil, tl, grad); err != nil {
		return err
	}
	f.state = Assembled
	return nil
}

// OutliersContributions accumulates exactly the equations of o, to be
// subtracted from a full assembly.
func (f *fitter) OutliersContributions(o Outliers, tl *TripletList, grad []float64) error {
	if err := f.checkConfigured(); err != nil {
		return err
	}
	if len(grad) != f.nParTot {
		return errors.Wrapf(model.ErrSizeMismatch, "gradient has %d entries, want %d", len(grad), f.nParTot)
	}
	return f.assemble(&o, tl, grad)
}

// contributions returns the chi2 of every valid measurement and reference
// association, in image then catalog order, references last.
func (f *fitter) contributions() ([]chi2Contribution, int, error) {
	var out []chi2Contribution
	nTerms := 0
	var eq equations
	for _, c := range f.assoc.CcdImages() {
		for _, ms := range c.Catalog {
			if !ms.Valid || ms.Fitted == catalog.NoStar {
				continue
			}
			if int(ms.Fitted) >= f.assoc.NFittedStars() {
				return nil, 0, errors.Wrapf(ErrDanglingStar, "%s", ms)
			}
			ok, err := f.impl.measurementEquations(ms, &eq)
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				continue
			}
			nTerms += len(eq.residuals)
			out = append(out, chi2Contribution{
				chi2:     eq.chi2(),
				measured: ms,
				fitted:   ms.Fitted,
				indices:  append([]int(nil), eq.indices...),
			})
		}
	}
	for _, id := range f.referencedStars() {
		if !f.impl.referenceEquations(id, &eq) {
			continue
		}
		nTerms += len(eq.residuals)
		out = append(out, chi2Contribution{
			chi2:    eq.chi2(),
			fitted:  id,
			indices: append([]int(nil), eq.indices...),
		})
	}
	return out, nTerms, nil
}

// ComputeChi2 sums the chi2 of all valid measurements and reference
// associations. NDof is the number of equations minus NParTot.
func (f *fitter) ComputeChi2() (Chi2Statistic, error) {
	if err := f.checkConfigured(); err != nil {
		return Chi2Statistic{}, err
	}
	contribs, nTerms, err := f.contributions()
	if err != nil {
		return Chi2Statistic{}, err
	}
	var chi2 float64
	for _, c := range contribs {
		chi2 += c.chi2
	}
	if f.state == Applied {
		f.state = Evaluated
	}
	return Chi2Statistic{Chi2: chi2, NDof: nTerms - f.nParTot}, nil
}

// FindOutliers selects the contributions whose chi2 exceeds mean + nSigmaCut·σ.
// Candidates are visited by decreasing chi2; one is skipped when a stronger
// outlier already accepted in this pass constrains one of its parameters.
func (f *fitter) FindOutliers(nSigmaCut float64) (Outliers, error) {
	if err := f.checkConfigured(); err != nil {
		return Outliers{}, err
	}
	contribs, _, err := f.contributions()
	if err != nil || len(contribs) == 0 {
		return Outliers{}, err
	}
	values := make([]float64, len(contribs))
	for i, c := range contribs {
		values[i] = c.chi2
	}
	mean, sigma := stat.MeanStdDev(values, nil)
	if math.IsNaN(sigma) {
		sigma = 0
	}
	cut := mean + nSigmaCut*sigma

	sort.SliceStable(contribs, func(i, j int) bool { return contribs[i].chi2 > contribs[j].chi2 })
	touched := make(map[int]bool)
	var out Outliers
	for _, c := range contribs {
		if c.chi2 <= cut {
			break
		}
		drop := true
		for _, idx := range c.indices {
			if touched[idx] {
				drop = false
				break
			}
		}
		if !drop {
			continue
		}
		for _, idx := range c.indices {
			touched[idx] = true
		}
		if c.measured != nil {
			out.Measured = append(out.Measured, c.measured)
		} else {
			out.Refs = append(out.Refs, c.fitted)
		}
	}
	f.log.Debugf("%s: chi2 cut %g (mean %g, sigma %g): %d measured and %d reference outliers",
		f.name, cut, mean, sigma, len(out.Measured), len(out.Refs))
	return out, nil
}

// RemoveOutliers invalidates the measured outliers and unlinks the reference ones.
func (f *fitter) RemoveOutliers(o Outliers) {
	for _, ms := range o.Measured {
		if !ms.Valid {
			continue
		}
		ms.Valid = false
		if ms.Fitted != catalog.NoStar {
			f.assoc.FittedStar(ms.Fitted).MeasurementCount--
		}
	}
	for _, id := range o.Refs {
		f.assoc.FittedStar(id).Ref = catalog.NoRef
	}
}

// OffsetParams subtracts delta from the model then from the fitted stars.
func (f *fitter) OffsetParams(delta []float64) error {
	if err := f.checkConfigured(); err != nil {
		return err
	}
	if len(delta) != f.nParTot {
		return errors.Wrapf(model.ErrSizeMismatch, "offset has %d entries, want %d", len(delta), f.nParTot)
	}
	if err := f.impl.offsetModel(delta); err != nil {
		return err
	}
	if f.fitStars {
		n := f.impl.starParams()
		for i, idx := range f.starIndex {
			if idx < 0 {
				continue
			}
			f.impl.offsetStar(f.assoc.FittedStar(catalog.StarID(i)), delta[idx:idx+n])
		}
	}
	f.state = Applied
	return nil
}

// Minimize performs one Gauss-Newton step on the parameters selected by
// whatToFit. When nSigmaCut is positive it then loops: find outliers, remove
// their contribution from the normal equations, solve and step again, until
// no outlier is left.
//
// Configuration and lookup problems are returned as errors; numerical
// problems are reported through the result.
func (f *fitter) Minimize(whatToFit string, nSigmaCut float64) (MinimizeResult, error) {
	if err := f.AssignIndices(whatToFit); err != nil {
		return Failed, err
	}
	start, err := f.ComputeChi2()
	if err != nil {
		return Failed, err
	}
	f.log.Infof("%s: %s before fitting %q", f.name, start, whatToFit)

	tl := NewTripletList(f.lastNTriplets)
	grad := make([]float64, f.nParTot)
	if err := f.Assemble(tl, grad); err != nil {
		return Failed, err
	}
	f.lastNTriplets = tl.Len()

	ne, ok := factorize(NormalMatrix(f.nParTot, tl))
	if !ok {
		f.state = SolveFailed
		f.log.Errorf("%s: normal matrix factorization failed for %q", f.name, whatToFit)
		return Failed, nil
	}

	oldChi2 := start.Chi2
	result := Converged
	totalOutliers := 0
	for round := 0; ; round++ {
		delta, err := ne.solve(grad)
		if err != nil {
			f.state = SolveFailed
			f.log.Errorf("%s: %v", f.name, err)
			return Failed, nil
		}
		f.state = SolvedOK
		if norm := floats.Norm(delta, 2); math.IsNaN(norm) || math.IsInf(norm, 0) {
			f.log.Errorf("%s: non-finite step", f.name)
			return NonFinite, nil
		}
		if err := f.OffsetParams(delta); err != nil {
			return Failed, err
		}

		current, err := f.ComputeChi2()
		if err != nil {
			return Failed, err
		}
		f.log.Infof("%s: %s", f.name, current)
		if math.IsNaN(current.Chi2) || math.IsInf(current.Chi2, 0) {
			return NonFinite, nil
		}
		if current.Chi2 > oldChi2 && totalOutliers > 0 {
			f.log.Errorf("%s: chi2 went up, stopping outlier rejection", f.name)
			result = Chi2Increased
			break
		}
		oldChi2 = current.Chi2

		if nSigmaCut <= 0 {
			break
		}
		if f.opts.MaxOutlierRounds > 0 && round >= f.opts.MaxOutlierRounds {
			break
		}
		outliers, err := f.FindOutliers(nSigmaCut)
		if err != nil {
			return Failed, err
		}
		if outliers.Len() == 0 {
			break
		}
		totalOutliers += outliers.Len()

		// The gradient of all terms at the new point is g - Hδ; what survives is
		// that minus the outliers' own gradient.
		if f.opts.RankUpdate {
			outTL := NewTripletList(0)
			outGrad := make([]float64, f.nParTot)
			if err := f.OutliersContributions(outliers, outTL, outGrad); err != nil {
				return Failed, err
			}
			hDelta := ne.apply(delta)
			for i := range grad {
				grad[i] = grad[i] - hDelta[i] - outGrad[i]
			}
			f.RemoveOutliers(outliers)
			if !ne.downdate(outTL) {
				f.state = SolveFailed
				f.log.Errorf("%s: factorization failed after removing outliers", f.name)
				return Failed, nil
			}
		} else {
			f.RemoveOutliers(outliers)
			tl = NewTripletList(f.lastNTriplets)
			grad = make([]float64, f.nParTot)
			if err := f.assemble(nil, tl, grad); err != nil {
				return Failed, err
			}
			if ne, ok = factorize(NormalMatrix(f.nParTot, tl)); !ok {
				f.state = SolveFailed
				f.log.Errorf("%s: factorization failed after removing outliers", f.name)
				return Failed, nil
			}
		}
		f.log.Infof("%s: removed %d measured and %d reference outliers", f.name, len(outliers.Measured), len(outliers.Refs))
	}
	return result, nil
}
