package model

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/logger"
	"jointcal/internal/mapping"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// PhotometryModel hands out one photometric mapping per image.
type PhotometryModel interface {
	AssignIndices(w WhatToFit, firstIndex int) int
	OffsetParams(delta []float64) error
	FindMapping(c *catalog.CcdImage) (mapping.PhotometryMapping, bool)
	FreezeErrorTransform()
	TotalParameters() int

	// Space tells whether mappings act on fluxes or on magnitudes.
	Space() Space

	// PhotometricFactor returns the calibrated over instrumental flux ratio at
	// the center of c.
	PhotometricFactor(c *catalog.CcdImage) (float64, bool)

	Dump(w io.Writer)
}

func newPhotometryTransform(space Space, order int, frame geometry.Rect, calib float64) transform.PhotometryTransform {
	if space == MagnitudeSpace {
		zp := catalog.FluxToMag(calib)
		if order <= 0 {
			return transform.NewMagnitudeOffset(zp)
		}
		return transform.NewMagnitudeChebyshev(order, frame, zp)
	}
	if order <= 0 {
		return transform.NewFluxScale(calib)
	}
	return transform.NewFluxChebyshev(order, frame, calib)
}

// centerStar is a unit flux probe at the center of c.
func centerStar(c *catalog.CcdImage) *catalog.MeasuredStar {
	center := c.BBox.Center()
	ms := catalog.NewMeasuredStar(-1, geometry.FatPoint{Point2D: center}, 1, 0)
	ms.Focal = c.PixelToFocal.Apply(center)
	ms.Ccd = c
	return ms
}

func photometricFactor(space Space, m mapping.PhotometryMapping, c *catalog.CcdImage) float64 {
	probe := centerStar(c)
	if space == MagnitudeSpace {
		return catalog.MagToFlux(m.Transform(probe, 0))
	}
	return m.Transform(probe, 1)
}

// SimplePhotometryModel fits one independent transform per image.
type SimplePhotometryModel struct {
	log      logger.ILogger
	space    Space
	mappings map[catalog.CcdImageKey]*mapping.SimplePhotometryMapping
	leaves   []mapping.Leaf
	end      int
}

// NewSimplePhotometryModel seeds every image with its nominal calibration. Order
// 0 gives a constant scale (or zero point); higher orders a Chebyshev field
// over the detector.
func NewSimplePhotometryModel(ccds []*catalog.CcdImage, space Space, order int, log logger.ILogger) *SimplePhotometryModel {
	if log == nil {
		log = &logger.NullLogger{}
	}
	m := &SimplePhotometryModel{
		log:      log,
		space:    space,
		mappings: make(map[catalog.CcdImageKey]*mapping.SimplePhotometryMapping),
	}
	for _, c := range ccds {
		m.mappings[c.Key()] = mapping.NewSimplePhotometryMapping(newPhotometryTransform(space, order, c.BBox, c.PhotoCalib))
	}
	for _, k := range sortedKeys(m.mappings) {
		m.leaves = append(m.leaves, m.mappings[k])
	}
	log.Infof("simple photometry model: %d images, %s space, order %d", len(ccds), space, order)
	return m
}

func (m *SimplePhotometryModel) AssignIndices(w WhatToFit, firstIndex int) int {
	fit := w.photometryChips() || w.photometryVisits()
	index := firstIndex
	for _, l := range m.leaves {
		l.SetFixed(!fit)
		l.SetIndex(index)
		index += l.NPar()
	}
	m.end = index
	return index
}

func (m *SimplePhotometryModel) OffsetParams(delta []float64) error {
	return offsetLeaves(m.leaves, m.end, delta)
}

func (m *SimplePhotometryModel) FindMapping(c *catalog.CcdImage) (mapping.PhotometryMapping, bool) {
	pm, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return pm, true
}

func (m *SimplePhotometryModel) FreezeErrorTransform() {
	for _, l := range m.leaves {
		l.FreezeErrorTransform()
	}
}

func (m *SimplePhotometryModel) TotalParameters() int { return totalParameters(m.leaves) }

func (m *SimplePhotometryModel) Space() Space { return m.space }

func (m *SimplePhotometryModel) PhotometricFactor(c *catalog.CcdImage) (float64, bool) {
	pm, ok := m.mappings[c.Key()]
	if !ok {
		return math.NaN(), false
	}
	return photometricFactor(m.space, pm, c), true
}

func (m *SimplePhotometryModel) Dump(w io.Writer) {
	for _, k := range sortedKeys(m.mappings) {
		fmt.Fprintf(w, "%s: ", k)
		m.mappings[k].Dump(w)
	}
}

// ConstrainedPhotometryModel fits visit(focal, chip(pixel, value)): one
// transform per detector shared by all visits and one per visit over the focal
// plane. The chip with the lowest id stays fixed.
type ConstrainedPhotometryModel struct {
	log      logger.ILogger
	space    Space
	chips    map[int]*mapping.SimplePhotometryMapping
	visits   map[int]*mapping.SimplePhotometryMapping
	mappings map[catalog.CcdImageKey]*mapping.ChipVisitPhotometryMapping
	leaves   []mapping.Leaf
	refChip  int
	end      int
}

// NewConstrainedPhotometryModel seeds chips with the nominal calibration of
// their first image and visits with the identity.
func NewConstrainedPhotometryModel(ccds []*catalog.CcdImage, space Space, chipOrder, visitOrder int, log logger.ILogger) (*ConstrainedPhotometryModel, error) {
	if log == nil {
		log = &logger.NullLogger{}
	}
	if len(ccds) == 0 {
		return nil, errors.New("constrained photometry model needs at least one image")
	}
	m := &ConstrainedPhotometryModel{
		log:      log,
		space:    space,
		chips:    make(map[int]*mapping.SimplePhotometryMapping),
		visits:   make(map[int]*mapping.SimplePhotometryMapping),
		mappings: make(map[catalog.CcdImageKey]*mapping.ChipVisitPhotometryMapping),
	}

	sorted := append([]*catalog.CcdImage(nil), ccds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key().Less(sorted[j].Key()) })

	frames := make(map[int]geometry.Rect)
	for _, c := range sorted {
		if f, ok := frames[c.Visit]; ok {
			frames[c.Visit] = f.Union(c.FocalFrame())
		} else {
			frames[c.Visit] = c.FocalFrame()
		}
		if _, ok := m.chips[c.Ccd]; !ok {
			m.chips[c.Ccd] = mapping.NewSimplePhotometryMapping(newPhotometryTransform(space, chipOrder, c.BBox, c.PhotoCalib))
		}
	}
	for visit, frame := range frames {
		m.visits[visit] = mapping.NewSimplePhotometryMapping(newPhotometryTransform(space, visitOrder, frame, 1))
	}
	for _, c := range sorted {
		m.mappings[c.Key()] = mapping.NewChipVisitPhotometryMapping(m.chips[c.Ccd], m.visits[c.Visit])
	}

	chipIDs := sortedInts(m.chips)
	m.refChip = chipIDs[0]
	for _, id := range chipIDs {
		m.leaves = append(m.leaves, m.chips[id])
	}
	for _, id := range sortedInts(m.visits) {
		m.leaves = append(m.leaves, m.visits[id])
	}
	log.Infof("constrained photometry model: %d chips, %d visits, %s space, reference chip %d",
		len(m.chips), len(m.visits), space, m.refChip)
	return m, nil
}

// ReferenceChip returns the id of the permanently fixed chip.
func (m *ConstrainedPhotometryModel) ReferenceChip() int { return m.refChip }

func (m *ConstrainedPhotometryModel) AssignIndices(w WhatToFit, firstIndex int) int {
	fitChips, fitVisits := w.photometryChips(), w.photometryVisits()
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

func (m *ConstrainedPhotometryModel) OffsetParams(delta []float64) error {
	return offsetLeaves(m.leaves, m.end, delta)
}

func (m *ConstrainedPhotometryModel) FindMapping(c *catalog.CcdImage) (mapping.PhotometryMapping, bool) {
	cv, ok := m.mappings[c.Key()]
	if !ok {
		return nil, false
	}
	return cv, true
}

func (m *ConstrainedPhotometryModel) FreezeErrorTransform() {
	for _, l := range m.leaves {
		l.FreezeErrorTransform()
	}
}

func (m *ConstrainedPhotometryModel) TotalParameters() int { return totalParameters(m.leaves) }

func (m *ConstrainedPhotometryModel) Space() Space { return m.space }

func (m *ConstrainedPhotometryModel) PhotometricFactor(c *catalog.CcdImage) (float64, bool) {
	cv, ok := m.mappings[c.Key()]
	if !ok {
		return math.NaN(), false
	}
	return photometricFactor(m.space, cv, c), true
}

func (m *ConstrainedPhotometryModel) Dump(w io.Writer) {
	for _, id := range sortedInts(m.chips) {
		fmt.Fprintf(w, "chip %d: ", id)
		m.chips[id].Dump(w)
	}
	for _, id := range sortedInts(m.visits) {
		fmt.Fprintf(w, "visit %d: ", id)
		m.visits[id].Dump(w)
	}
}
