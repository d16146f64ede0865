// Package project reads the input catalog of a run and writes its results.
package project

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// FormatVersion is written into every file and checked on load.
const FormatVersion = 1

// Catalog is the input of a run: the per-image catalogs and the reference stars.
type Catalog struct {
	Version int       `json:"version"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`

	Images   []Image   `json:"images"`
	RefStars []RefStar `json:"ref_stars,omitempty"`
}

// Image is one visit/detector catalog with its nominal calibration.
type Image struct {
	Visit  int    `json:"visit"`
	Ccd    int    `json:"ccd"`
	Filter string `json:"filter,omitempty"`

	// BBox is x, y, width, height in pixels.
	BBox [4]float64 `json:"bbox"`

	PhotoCalib float64 `json:"photo_calib"`

	// PixelToTangentPlane is the nominal (WCS derived) linear mapping.
	PixelToTangentPlane Affine `json:"pixel_to_tangent_plane"`

	// PixelToFocal defaults to the identity.
	PixelToFocal *Affine `json:"pixel_to_focal,omitempty"`

	Stars []Star `json:"stars"`
}

// Affine is [a b tx; c d ty].
type Affine struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	TX float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	TY float64 `json:"ty"`
}

// Star is one detection.
type Star struct {
	ID      int     `json:"id"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	VX      float64 `json:"vx"`
	VY      float64 `json:"vy"`
	VXY     float64 `json:"vxy,omitempty"`
	Flux    float64 `json:"flux"`
	FluxErr float64 `json:"flux_err"`
}

// RefStar is an external catalog entry on the tangent plane.
type RefStar struct {
	X          float64            `json:"x"`
	Y          float64            `json:"y"`
	VX         float64            `json:"vx"`
	VY         float64            `json:"vy"`
	VXY        float64            `json:"vxy,omitempty"`
	Flux       float64            `json:"flux"`
	FluxErr    float64            `json:"flux_err"`
	BandFluxes map[string]float64 `json:"band_fluxes,omitempty"`
}

// NewCatalog creates an empty catalog.
func NewCatalog(name string) *Catalog {
	return &Catalog{Version: FormatVersion, Name: name, Created: time.Now()}
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if err := load(path, &c); err != nil {
		return nil, err
	}
	if c.Version != FormatVersion {
		return nil, errors.Errorf("%s: unsupported catalog version %d", path, c.Version)
	}
	return &c, nil
}

// Save writes the catalog.
func (c *Catalog) Save(path string) error {
	return save(path, c)
}

func load(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

func save(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "write")
}

func (a Affine) geometry() geometry.AffineTransform {
	return geometry.AffineTransform{A: a.A, B: a.B, TX: a.TX, C: a.C, D: a.D, TY: a.TY}
}

// Linearize returns the affine approximation of t at p. It is exact for
// affine transforms.
func Linearize(t transform.AstrometryTransform, p geometry.Point2D) Affine {
	a11, a12, a21, a22 := t.Jacobian(p)
	q := t.Apply(p)
	return Affine{
		A: a11, B: a12, TX: q.X - a11*p.X - a12*p.Y,
		C: a21, D: a22, TY: q.Y - a21*p.X - a22*p.Y,
	}
}

// CcdImages builds the images of the catalog.
func (c *Catalog) CcdImages() ([]*catalog.CcdImage, error) {
	out := make([]*catalog.CcdImage, 0, len(c.Images))
	seen := make(map[catalog.CcdImageKey]bool, len(c.Images))
	for i, img := range c.Images {
		key := catalog.CcdImageKey{Visit: img.Visit, Ccd: img.Ccd}
		if seen[key] {
			return nil, errors.Errorf("image %d: duplicate visit %d ccd %d", i, img.Visit, img.Ccd)
		}
		seen[key] = true
		bbox := geometry.NewRect(img.BBox[0], img.BBox[1], img.BBox[2], img.BBox[3])
		if bbox.Empty() {
			return nil, errors.Errorf("image %s: empty bounding box", key)
		}
		if !(img.PhotoCalib > 0) {
			return nil, errors.Errorf("image %s: photometric calibration must be positive, got %g", key, img.PhotoCalib)
		}

		stars := make([]*catalog.MeasuredStar, len(img.Stars))
		for k, s := range img.Stars {
			pos := geometry.FatPoint{Point2D: geometry.Point2D{X: s.X, Y: s.Y}, VX: s.VX, VY: s.VY, VXY: s.VXY}
			stars[k] = catalog.NewMeasuredStar(s.ID, pos, s.Flux, s.FluxErr)
		}
		var focal transform.AstrometryTransform
		if img.PixelToFocal != nil {
			focal = transform.Affine{AffineTransform: img.PixelToFocal.geometry()}
		}
		tp := transform.Affine{AffineTransform: img.PixelToTangentPlane.geometry()}
		ccd := catalog.NewCcdImage(img.Visit, img.Ccd, bbox, tp, focal, stars)
		ccd.Filter = img.Filter
		ccd.PhotoCalib = img.PhotoCalib
		out = append(out, ccd)
	}
	return out, nil
}

// References returns the reference stars of the catalog.
func (c *Catalog) References() []catalog.RefStar {
	out := make([]catalog.RefStar, len(c.RefStars))
	for i, r := range c.RefStars {
		out[i] = catalog.RefStar{
			FatPoint:   geometry.FatPoint{Point2D: geometry.Point2D{X: r.X, Y: r.Y}, VX: r.VX, VY: r.VY, VXY: r.VXY},
			Flux:       r.Flux,
			FluxErr:    r.FluxErr,
			BandFluxes: r.BandFluxes,
		}
	}
	return out
}

// AddCcdImage records img, linearizing its transforms at the detector center.
func (c *Catalog) AddCcdImage(img *catalog.CcdImage) {
	center := img.BBox.Center()
	out := Image{
		Visit:               img.Visit,
		Ccd:                 img.Ccd,
		Filter:              img.Filter,
		BBox:                [4]float64{img.BBox.X, img.BBox.Y, img.BBox.Width, img.BBox.Height},
		PhotoCalib:          img.PhotoCalib,
		PixelToTangentPlane: Linearize(img.PixelToTangentPlane, center),
	}
	if img.PixelToFocal != nil {
		if _, identity := img.PixelToFocal.(transform.Identity); !identity {
			focal := Linearize(img.PixelToFocal, center)
			out.PixelToFocal = &focal
		}
	}
	for _, ms := range img.Catalog {
		out.Stars = append(out.Stars, Star{
			ID: ms.ID, X: ms.X, Y: ms.Y, VX: ms.VX, VY: ms.VY, VXY: ms.VXY,
			Flux: ms.InstFlux, FluxErr: ms.InstFluxErr,
		})
	}
	c.Images = append(c.Images, out)
}

// AddRefStar records r.
func (c *Catalog) AddRefStar(r catalog.RefStar) {
	c.RefStars = append(c.RefStars, RefStar{
		X: r.X, Y: r.Y, VX: r.VX, VY: r.VY, VXY: r.VXY,
		Flux: r.Flux, FluxErr: r.FluxErr, BandFluxes: r.BandFluxes,
	})
}
