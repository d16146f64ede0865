// Package simulate generates synthetic catalogs with a known truth: a set of
// stars on the tangent plane observed by several visits of a detector mosaic.
package simulate

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"jointcal/internal/catalog"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// Options controls the generated sky.
type Options struct {
	Seed int64

	Visits int
	Ccds   int

	// StarsPerCcd is the number of true stars falling on each detector.
	StarsPerCcd int

	// Width and Height are the detector size in pixels; Gap separates detectors
	// on the focal plane.
	Width  float64
	Height float64
	Gap    float64

	// MinSeparation keeps true stars of one detector at least that far apart.
	MinSeparation float64

	// Dither is the maximum pointing offset between visits, in pixels.
	Dither float64

	// Distortion is the amplitude of the per-visit linear distortion.
	Distortion float64

	// PositionNoise is the per-axis pixel position error.
	PositionNoise float64

	// FluxNoise is the relative instrumental flux error.
	FluxNoise float64

	// CalibScatter is the relative scatter of the true per-detector and
	// per-visit photometric factors. An image's calibration is their product.
	CalibScatter float64

	// SeedError is the scatter of the nominal astrometry offset and of the
	// nominal relative calibration error.
	SeedError float64

	// RefError is the per-axis position error of reference stars; reference
	// fluxes carry a 1% error. Zero disables the reference catalog.
	RefError float64

	// OutlierFraction of the measurements is displaced by OutlierOffset pixels.
	OutlierFraction float64
	OutlierOffset   float64
}

// DefaultOptions returns a small three-visit, two-detector sky.
func DefaultOptions() Options {
	return Options{
		Seed:          1,
		Visits:        3,
		Ccds:          2,
		StarsPerCcd:   30,
		Width:         1000,
		Height:        1000,
		Gap:           50,
		MinSeparation: 20,
		Dither:        20,
		Distortion:    1e-3,
		PositionNoise: 0.05,
		FluxNoise:     0.01,
		CalibScatter:  0.05,
		SeedError:     0.5,
		RefError:      0.05,
		OutlierOffset: 5,
	}
}

// Sky is the generated data and the truth it was drawn from.
type Sky struct {
	Images []*catalog.CcdImage
	Refs   []catalog.RefStar

	TruePositions []geometry.Point2D
	TrueFluxes    []float64

	// TrueTransforms maps pixels to the tangent plane for each image.
	TrueTransforms map[catalog.CcdImageKey]transform.AstrometryTransform

	// TrueCalibs is the instFlux to flux factor of each image.
	TrueCalibs map[catalog.CcdImageKey]float64

	Outliers []*catalog.MeasuredStar

	truth map[*catalog.MeasuredStar]int
}

// TrueStar returns the index of the true star ms was drawn from.
func (s *Sky) TrueStar(ms *catalog.MeasuredStar) (int, bool) {
	i, ok := s.truth[ms]
	return i, ok
}

// Generate draws a sky from opts. The same options always give the same sky.
func Generate(opts Options) (*Sky, error) {
	if opts.Visits <= 0 || opts.Ccds <= 0 || opts.StarsPerCcd <= 0 {
		return nil, errors.Errorf("need positive visits, ccds and stars, got %d, %d and %d",
			opts.Visits, opts.Ccds, opts.StarsPerCcd)
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.Errorf("invalid detector size %gx%g", opts.Width, opts.Height)
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	sky := &Sky{
		TrueTransforms: make(map[catalog.CcdImageKey]transform.AstrometryTransform),
		TrueCalibs:     make(map[catalog.CcdImageKey]float64),
		truth:          make(map[*catalog.MeasuredStar]int),
	}

	// Stars stay clear of the detector edges by the dither plus a margin so
	// every visit sees every star.
	margin := opts.Dither + 0.05*math.Min(opts.Width, opts.Height)
	for c := 0; c < opts.Ccds; c++ {
		x0 := ccdOffset(opts, c)
		first := len(sky.TruePositions)
		for i := 0; i < opts.StarsPerCcd; i++ {
			var p geometry.Point2D
			for attempt := 0; ; attempt++ {
				if attempt == maxPlacementAttempts {
					return nil, errors.Errorf("cannot place %d stars %g apart on ccd %d", opts.StarsPerCcd, opts.MinSeparation, c)
				}
				p = geometry.Point2D{
					X: x0 + margin + rng.Float64()*(opts.Width-2*margin),
					Y: margin + rng.Float64()*(opts.Height-2*margin),
				}
				if isolated(p, sky.TruePositions[first:], opts.MinSeparation) {
					break
				}
			}
			sky.TruePositions = append(sky.TruePositions, p)
			sky.TrueFluxes = append(sky.TrueFluxes, 1e3*math.Pow(100, rng.Float64()))
		}
	}

	chipCalibs := make([]float64, opts.Ccds)
	for c := range chipCalibs {
		chipCalibs[c] = 1 + opts.CalibScatter*rng.NormFloat64()
	}

	bbox := geometry.NewRect(0, 0, opts.Width, opts.Height)
	for v := 0; v < opts.Visits; v++ {
		visitCalib := 1 + opts.CalibScatter*rng.NormFloat64()
		visit := visitAffine(opts, rng)
		inverse, ok := visit.Inverse()
		if !ok {
			return nil, errors.Errorf("visit %d distortion is singular", v)
		}
		seed := geometry.Translation(opts.SeedError*rng.NormFloat64(), opts.SeedError*rng.NormFloat64()).Compose(visit)

		for c := 0; c < opts.Ccds; c++ {
			key := catalog.CcdImageKey{Visit: v, Ccd: c}
			focal := transform.NewShift(ccdOffset(opts, c), 0)
			calib := chipCalibs[c] * visitCalib
			sky.TrueTransforms[key] = transform.Compose(transform.Affine{AffineTransform: visit}, focal)
			sky.TrueCalibs[key] = calib

			var stars []*catalog.MeasuredStar
			for s, tp := range sky.TruePositions {
				f := inverse.Apply(tp)
				pix := geometry.Point2D{X: f.X - ccdOffset(opts, c), Y: f.Y}
				if !bbox.Contains(pix) {
					continue
				}
				pix.X += opts.PositionNoise * rng.NormFloat64()
				pix.Y += opts.PositionNoise * rng.NormFloat64()
				v2 := opts.PositionNoise * opts.PositionNoise
				inst := sky.TrueFluxes[s] / calib
				instErr := opts.FluxNoise * inst
				inst += instErr * rng.NormFloat64()
				ms := catalog.NewMeasuredStar(len(stars), geometry.NewFatPoint(pix.X, pix.Y, v2, v2), inst, instErr)
				if opts.OutlierFraction > 0 && rng.Float64() < opts.OutlierFraction {
					ms.X += opts.OutlierOffset
					sky.Outliers = append(sky.Outliers, ms)
				}
				sky.truth[ms] = s
				stars = append(stars, ms)
			}

			pixToTP := transform.Compose(transform.Affine{AffineTransform: seed}, focal)
			img := catalog.NewCcdImage(v, c, bbox, pixToTP, focal, stars)
			img.PhotoCalib = calib * (1 + opts.SeedError*0.01*rng.NormFloat64())
			sky.Images = append(sky.Images, img)
		}
	}

	if opts.RefError > 0 {
		v2 := opts.RefError * opts.RefError
		for s, tp := range sky.TruePositions {
			flux := sky.TrueFluxes[s]
			sky.Refs = append(sky.Refs, catalog.RefStar{
				FatPoint: geometry.NewFatPoint(
					tp.X+opts.RefError*rng.NormFloat64(),
					tp.Y+opts.RefError*rng.NormFloat64(), v2, v2),
				Flux:    flux,
				FluxErr: 0.01 * flux,
			})
		}
	}
	return sky, nil
}

const maxPlacementAttempts = 10000

func isolated(p geometry.Point2D, others []geometry.Point2D, minSep float64) bool {
	for _, o := range others {
		if p.Distance(o) < minSep {
			return false
		}
	}
	return true
}

func ccdOffset(opts Options, ccd int) float64 {
	return float64(ccd) * (opts.Width + opts.Gap)
}

// visitAffine draws the focal plane to tangent plane mapping of one visit:
// a small linear distortion and a pointing offset.
func visitAffine(opts Options, rng *rand.Rand) geometry.AffineTransform {
	d := opts.Distortion
	return geometry.AffineTransform{
		A:  1 + d*rng.NormFloat64(),
		B:  d * rng.NormFloat64(),
		TX: opts.Dither * (2*rng.Float64() - 1),
		C:  d * rng.NormFloat64(),
		D:  1 + d*rng.NormFloat64(),
		TY: opts.Dither * (2*rng.Float64() - 1),
	}
}

// Load adds the images of s to assoc.
func (s *Sky) Load(assoc *catalog.Associations) {
	for _, img := range s.Images {
		assoc.AddCcdImage(img)
	}
}
