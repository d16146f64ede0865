// Package catalog holds the measured, fitted and reference stars and the
// images they come from.
//
// Fitted stars live in an arena owned by Associations and are addressed by
// StarID handles. A MeasuredStar only holds the handle of the star it is
// associated with, so re-association or selection rewrites handles and never
// leaves a measurement pointing at freed memory.
package catalog

import (
	"fmt"
	"math"

	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// StarID addresses a FittedStar in the Associations arena.
type StarID int

// NoStar marks a MeasuredStar that is not associated with any FittedStar.
const NoStar StarID = -1

// RefID addresses a RefStar in the Associations reference list.
type RefID int

// NoRef marks a FittedStar without a reference counterpart.
const NoRef RefID = -1

// magnitudeErrorFactor is 2.5/ln(10), the derivative of -2.5 log10(f) times f.
var magnitudeErrorFactor = 2.5 / math.Ln10

// FluxToMag converts a flux into an AB-like magnitude.
func FluxToMag(flux float64) float64 {
	return -2.5 * math.Log10(flux)
}

// MagToFlux converts a magnitude into a flux.
func MagToFlux(mag float64) float64 {
	return math.Pow(10, -0.4*mag)
}

// FluxErrToMagErr converts a flux uncertainty into a magnitude uncertainty.
func FluxErrToMagErr(flux, fluxErr float64) float64 {
	return magnitudeErrorFactor * fluxErr / flux
}

// MeasuredStar is one detection of a star on one image.
type MeasuredStar struct {
	ID int

	// Pixel position and its covariance.
	geometry.FatPoint

	// Focal plane position, used by chip/visit photometry.
	Focal geometry.Point2D

	InstFlux    float64
	InstFluxErr float64
	InstMag     float64
	InstMagErr  float64

	// Valid is cleared when the measurement is rejected as an outlier.
	Valid bool

	// Fitted is the handle of the associated FittedStar or NoStar.
	Fitted StarID

	// Ccd is the owning image.
	Ccd *CcdImage
}

// NewMeasuredStar creates a valid, unassociated measurement.
func NewMeasuredStar(id int, pos geometry.FatPoint, instFlux, instFluxErr float64) *MeasuredStar {
	ms := &MeasuredStar{ID: id, FatPoint: pos, Valid: true, Fitted: NoStar}
	ms.SetInstFlux(instFlux, instFluxErr)
	return ms
}

// SetInstFlux sets the instrumental flux and the derived magnitude.
func (ms *MeasuredStar) SetInstFlux(flux, fluxErr float64) {
	ms.InstFlux = flux
	ms.InstFluxErr = fluxErr
	if flux > 0 {
		ms.InstMag = FluxToMag(flux)
		ms.InstMagErr = FluxErrToMagErr(flux, fluxErr)
	} else {
		ms.InstMag = math.NaN()
		ms.InstMagErr = math.NaN()
	}
}

func (ms *MeasuredStar) String() string {
	ccd := "?"
	if ms.Ccd != nil {
		ccd = ms.Ccd.Name
	}
	return fmt.Sprintf("measured %d on %s at %s flux=%g fitted=%d valid=%t",
		ms.ID, ccd, ms.Point2D, ms.InstFlux, ms.Fitted, ms.Valid)
}

// FittedStar is the consensus entity for one physical star.
type FittedStar struct {
	// Tangent plane position and its covariance.
	geometry.FatPoint

	Flux    float64
	FluxErr float64
	Mag     float64
	MagErr  float64

	// MeasurementCount equals the number of valid MeasuredStars holding this star's handle.
	MeasurementCount int

	Ref RefID
}

// SetFlux sets the flux and the derived magnitude.
func (fs *FittedStar) SetFlux(flux, fluxErr float64) {
	fs.Flux = flux
	fs.FluxErr = fluxErr
	if flux > 0 {
		fs.Mag = FluxToMag(flux)
		fs.MagErr = FluxErrToMagErr(flux, fluxErr)
	}
}

func (fs *FittedStar) String() string {
	return fmt.Sprintf("fitted at %s flux=%g n=%d ref=%d", fs.Point2D, fs.Flux, fs.MeasurementCount, fs.Ref)
}

// RefStar is an external reference catalog entry, read-only to the fit.
type RefStar struct {
	geometry.FatPoint

	Flux    float64
	FluxErr float64

	// BandFluxes holds the reference fluxes per filter name, when known.
	BandFluxes map[string]float64
}

// Mag returns the reference magnitude.
func (r *RefStar) Mag() float64 { return FluxToMag(r.Flux) }

// MagErr returns the reference magnitude uncertainty.
func (r *RefStar) MagErr() float64 { return FluxErrToMagErr(r.Flux, r.FluxErr) }

// CcdImageKey identifies an image by visit and detector.
type CcdImageKey struct {
	Visit int
	Ccd   int
}

// Less orders keys by visit, then ccd.
func (k CcdImageKey) Less(other CcdImageKey) bool {
	if k.Visit != other.Visit {
		return k.Visit < other.Visit
	}
	return k.Ccd < other.Ccd
}

func (k CcdImageKey) String() string {
	return fmt.Sprintf("%d_%d", k.Visit, k.Ccd)
}

// CcdImage is one exposure-detector's catalog and context.
type CcdImage struct {
	Name   string
	Visit  int
	Ccd    int
	Filter string

	// BBox is the detector frame in pixels.
	BBox geometry.Rect

	// PhotoCalib is the nominal instFlux to flux factor.
	PhotoCalib float64

	// PixelToTangentPlane is the nominal (WCS derived) mapping to the common tangent plane.
	PixelToTangentPlane transform.AstrometryTransform

	// PixelToFocal maps pixels onto the focal plane.
	PixelToFocal transform.AstrometryTransform

	Catalog []*MeasuredStar
}

// NewCcdImage creates an image owning stars; it sets their back references and
// focal plane positions.
func NewCcdImage(visit, ccd int, bbox geometry.Rect, pixToTP, pixToFocal transform.AstrometryTransform, stars []*MeasuredStar) *CcdImage {
	if pixToFocal == nil {
		pixToFocal = transform.Identity{}
	}
	c := &CcdImage{
		Name:                CcdImageKey{Visit: visit, Ccd: ccd}.String(),
		Visit:               visit,
		Ccd:                 ccd,
		BBox:                bbox,
		PhotoCalib:          1,
		PixelToTangentPlane: pixToTP,
		PixelToFocal:        pixToFocal,
	}
	for _, ms := range stars {
		c.AddMeasuredStar(ms)
	}
	return c
}

// Key returns the image key.
func (c *CcdImage) Key() CcdImageKey {
	return CcdImageKey{Visit: c.Visit, Ccd: c.Ccd}
}

// AddMeasuredStar appends ms to the catalog.
func (c *CcdImage) AddMeasuredStar(ms *MeasuredStar) {
	ms.Ccd = c
	ms.Focal = c.PixelToFocal.Apply(ms.Point2D)
	c.Catalog = append(c.Catalog, ms)
}

// FocalFrame returns the bounding box of the detector in focal plane coordinates.
func (c *CcdImage) FocalFrame() geometry.Rect {
	corners := []geometry.Point2D{
		{X: c.BBox.X, Y: c.BBox.Y},
		{X: c.BBox.X + c.BBox.Width, Y: c.BBox.Y},
		{X: c.BBox.X, Y: c.BBox.Y + c.BBox.Height},
		{X: c.BBox.X + c.BBox.Width, Y: c.BBox.Y + c.BBox.Height},
	}
	for i, p := range corners {
		corners[i] = c.PixelToFocal.Apply(p)
	}
	return geometry.BoundingBox(corners)
}

// NValidForFit counts valid measurements associated with a fitted star.
func (c *CcdImage) NValidForFit() int {
	n := 0
	for _, ms := range c.Catalog {
		if ms.Valid && ms.Fitted != NoStar {
			n++
		}
	}
	return n
}
