package model

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/logger"
	"jointcal/internal/mapping"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// AstrometryModel hands out one mapping per image and maps the free parameters
// of its unique sub-mappings onto the global vector.
type AstrometryModel interface {
	// AssignIndices sets the fixed flags from w and numbers the free parameters
	// from firstIndex. It returns the next free index.
	AssignIndices(w WhatToFit, firstIndex int) int

	// OffsetParams subtracts the model block of delta, a global vector.
	OffsetParams(delta []float64) error

	FindMapping(c *catalog.CcdImage) (mapping.AstrometryMapping, bool)
	FreezeErrorTransform()
	TotalParameters() int

	// TangentPlaneTransform returns a standalone copy of the fitted pixel to
	// tangent plane transform of c.
	TangentPlaneTransform(c *catalog.CcdImage) (transform.AstrometryTransform, bool)

	Dump(w io.Writer)
}

func sortedKeys[V any](m map[catalog.CcdImageKey]V) []catalog.CcdImageKey {
	keys := make([]catalog.CcdImageKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func sortedInts[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// offsetLeaves applies delta to every free leaf in order. It checks first that
// delta reaches the end of the assigned block.
func offsetLeaves(leaves []mapping.Leaf, end int, delta []float64) error {
	if len(delta) < end {
		return errors.Wrapf(ErrSizeMismatch, "got %d values, block ends at %d", len(delta), end)
	}
	for _, l := range leaves {
		n := l.NPar()
		if n == 0 {
			continue
		}
		l.OffsetParams(delta[l.Index() : l.Index()+n])
	}
	return nil
}

func totalParameters(leaves []mapping.Leaf) int {
	n := 0
	for _, l := range leaves {
		n += l.NPar()
	}
	return n
}

// SimpleAstrometryModel fits one independent polynomial per image.
type SimpleAstrometryModel struct {
	log      logger.ILogger
	mappings map[catalog.CcdImageKey]*mapping.PolyMapping
	leaves   []mapping.Leaf
	end      int
}

// NewSimpleAstrometryModel seeds, for every image, a polynomial of the given
// order approximating the image's nominal pixel to tangent plane transform.
func NewSimpleAstrometryModel(ccds []*catalog.CcdImage, order int, log logger.ILogger) (*SimpleAstrometryModel, error) {
	if log == nil {
		log = &logger.NullLogger{}
	}
	m := &SimpleAstrometryModel{log: log, mappings: make(map[catalog.CcdImageKey]*mapping.PolyMapping)}
	for _, c := range ccds {
		pre := geometry.NormalizeFrame(c.BBox)
		poly, err := transform.FitPolynomial(c.PixelToTangentPlane, pre, c.BBox, order)
		if err != nil {
			return nil, errors.Wrapf(err, "seed astrometry of %s", c.Name)
		}
		m.mappings[c.Key()] = mapping.NewPolyMappingWithPre(pre, poly)
	}
	for _, k := range sortedKeys(m.mappings) {
		m.leaves = append(m.leaves, m.mappings[k])
	}
	log.Infof("simple astrometry model: %d images, order %d", len(ccds), order)
	return m, nil
}

func (m *SimpleAstrometryModel) AssignIndices(w WhatToFit, firstIndex int) int {
	fit := w.astrometryChips() || w.astrometryVisits()
	index := firstIndex
	for _, l := range m.leaves {
		l.SetFixed(!fit)
		l.SetIndex(index)
		index += l.NPar()
	}
	m.end = index
	return index
}

func (m *SimpleAstrometryModel) OffsetParams(delta []float64) error {
	return offsetLeaves(m.leaves, m.end, delta)
}

func (m *SimpleAstrometryModel) FindMapping(c *catalog.CcdImage) (mapping.AstrometryMapping, bool) {
	pm, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return pm, true
}

func (m *SimpleAstrometryModel) FreezeErrorTransform() {
	for _, l := range m.leaves {
		l.FreezeErrorTransform()
	}
}

func (m *SimpleAstrometryModel) TotalParameters() int { return totalParameters(m.leaves) }

func (m *SimpleAstrometryModel) TangentPlaneTransform(c *catalog.CcdImage) (transform.AstrometryTransform, bool) {
	pm, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return pm.PixelToTangentPlane(), true
}

func (m *SimpleAstrometryModel) Dump(w io.Writer) {
	for _, k := range sortedKeys(m.mappings) {
		fmt.Fprintf(w, "%s: ", k)
		m.mappings[k].Dump(w)
	}
}

// ConstrainedAstrometryModel fits visit(chip(p)): one polynomial per detector
// shared by all visits and one per visit shared by all detectors. The chip
// with the lowest id stays fixed.
type ConstrainedAstrometryModel struct {
	log      logger.ILogger
	chips    map[int]*mapping.PolyMapping
	visits   map[int]*mapping.PolyMapping
	mappings map[catalog.CcdImageKey]*mapping.ChipVisitAstrometryMapping
	leaves   []mapping.Leaf
	refChip  int
	end      int
}

// NewConstrainedAstrometryModel seeds chip polynomials from each detector's
// pixel to focal plane transform and visit polynomials from focal plane to
// tangent plane pairs sampled over the visit's detectors.
func NewConstrainedAstrometryModel(ccds []*catalog.CcdImage, chipOrder, visitOrder int, log logger.ILogger) (*ConstrainedAstrometryModel, error) {
	if log == nil {
		log = &logger.NullLogger{}
	}
	if len(ccds) == 0 {
		return nil, errors.New("constrained astrometry model needs at least one image")
	}
	m := &ConstrainedAstrometryModel{
		log:      log,
		chips:    make(map[int]*mapping.PolyMapping),
		visits:   make(map[int]*mapping.PolyMapping),
		mappings: make(map[catalog.CcdImageKey]*mapping.ChipVisitAstrometryMapping),
	}

	sorted := append([]*catalog.CcdImage(nil), ccds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key().Less(sorted[j].Key()) })

	byVisit := make(map[int][]*catalog.CcdImage)
	for _, c := range sorted {
		byVisit[c.Visit] = append(byVisit[c.Visit], c)
		if _, ok := m.chips[c.Ccd]; ok {
			continue
		}
		pre := geometry.NormalizeFrame(c.BBox)
		poly, err := transform.FitPolynomial(c.PixelToFocal, pre, c.BBox, chipOrder)
		if err != nil {
			return nil, errors.Wrapf(err, "seed chip %d", c.Ccd)
		}
		m.chips[c.Ccd] = mapping.NewPolyMappingWithPre(pre, poly)
	}

	for visit, images := range byVisit {
		frame := images[0].FocalFrame()
		var focal, tp []geometry.Point2D
		for _, c := range images {
			frame = frame.Union(c.FocalFrame())
			for _, g := range geometry.GridPoints(c.BBox, 2*visitOrder+4) {
				focal = append(focal, c.PixelToFocal.Apply(g))
				tp = append(tp, c.PixelToTangentPlane.Apply(g))
			}
		}
		pre := geometry.NormalizeFrame(frame)
		for i := range focal {
			focal[i] = pre.Apply(focal[i])
		}
		poly, err := transform.FitPolynomialToPairs(focal, tp, visitOrder)
		if err != nil {
			return nil, errors.Wrapf(err, "seed visit %d", visit)
		}
		m.visits[visit] = mapping.NewPolyMappingWithPre(pre, poly)
	}

	for _, c := range sorted {
		m.mappings[c.Key()] = mapping.NewChipVisitAstrometryMapping(m.chips[c.Ccd], m.visits[c.Visit])
	}

	chipIDs := sortedInts(m.chips)
	m.refChip = chipIDs[0]
	for _, id := range chipIDs {
		m.leaves = append(m.leaves, m.chips[id])
	}
	for _, id := range sortedInts(m.visits) {
		m.leaves = append(m.leaves, m.visits[id])
	}
	log.Infof("constrained astrometry model: %d chips (order %d), %d visits (order %d), reference chip %d",
		len(m.chips), chipOrder, len(m.visits), visitOrder, m.refChip)
	return m, nil
}

// ReferenceChip returns the id of the permanently fixed chip.
func (m *ConstrainedAstrometryModel) ReferenceChip() int { return m.refChip }

func (m *ConstrainedAstrometryModel) AssignIndices(w WhatToFit, firstIndex int) int {
	fitChips, fitVisits := w.astrometryChips(), w.astrometryVisits()
	index := firstIndex
	for _, id := range sortedInts(m.chips) {
		c := m.chips[id]
		c.SetFixed(!fitChips || id == m.refChip)
		c.SetIndex(index)
		index += c.NPar()
	}
	for _, id := range sortedInts(m.visits) {
		v := m.visits[id]
		v.SetFixed(!fitVisits)
		v.SetIndex(index)
		index += v.NPar()
	}
	for _, cv := range m.mappings {
		cv.SetWhatToFit(fitChips, fitVisits)
	}
	m.end = index
	return index
}

func (m *ConstrainedAstrometryModel) OffsetParams(delta []float64) error {
	return offsetLeaves(m.leaves, m.end, delta)
}

func (m *ConstrainedAstrometryModel) FindMapping(c *catalog.CcdImage) (mapping.AstrometryMapping, bool) {
	cv, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return cv, true
}

func (m *ConstrainedAstrometryModel) FreezeErrorTransform() {
	for _, l := range m.leaves {
		l.FreezeErrorTransform()
	}
}

func (m *ConstrainedAstrometryModel) TotalParameters() int { return totalParameters(m.leaves) }

func (m *ConstrainedAstrometryModel) TangentPlaneTransform(c *catalog.CcdImage) (transform.AstrometryTransform, bool) {
	cv, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return transform.Compose(cv.Visit().PixelToTangentPlane(), cv.Chip().PixelToTangentPlane()), true
}

func (m *ConstrainedAstrometryModel) Dump(w io.Writer) {
	for _, id := range sortedInts(m.chips) {
		fmt.Fprintf(w, "chip %d: ", id)
		m.chips[id].Dump(w)
	}
	for _, id := range sortedInts(m.visits) {
		fmt.Fprintf(w, "visit %d: ", id)
		m.visits[id].Dump(w)
	}
}
