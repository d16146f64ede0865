package catalog

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/quadtree"
	"github.com/pkg/errors"

	"jointcal/internal/logger"
	"jointcal/internal/transform"
	"jointcal/pkg/geometry"
)

// Associations owns the images, the fitted star arena and the reference stars.
type Associations struct {
	log       logger.ILogger
	ccdImages []*CcdImage
	fitted    []FittedStar
	refs      []RefStar
}

// NewAssociations creates an empty association set.
func NewAssociations(log logger.ILogger) *Associations {
	if log == nil {
		log = &logger.NullLogger{}
	}
	return &Associations{log: log}
}

// AddCcdImage registers an image; images are kept in CcdImageKey order.
func (a *Associations) AddCcdImage(c *CcdImage) {
	a.ccdImages = append(a.ccdImages, c)
	sort.SliceStable(a.ccdImages, func(i, j int) bool {
		return a.ccdImages[i].Key().Less(a.ccdImages[j].Key())
	})
}

// CcdImages returns the images in CcdImageKey order.
func (a *Associations) CcdImages() []*CcdImage {
	return a.ccdImages
}

// NFittedStars returns the size of the fitted star arena.
func (a *Associations) NFittedStars() int {
	return len(a.fitted)
}

// FittedStar returns the star addressed by id. The pointer is invalidated by
// AddFittedStar and SelectFittedStars.
func (a *Associations) FittedStar(id StarID) *FittedStar {
	return &a.fitted[id]
}

// AddFittedStar appends a fitted star and returns its handle. The measurement
// count starts at zero and grows through Link.
func (a *Associations) AddFittedStar(fs FittedStar) StarID {
	fs.MeasurementCount = 0
	a.fitted = append(a.fitted, fs)
	return StarID(len(a.fitted) - 1)
}

// Link associates ms with the fitted star id, replacing any previous link.
func (a *Associations) Link(ms *MeasuredStar, id StarID) {
	a.Unlink(ms)
	ms.Fitted = id
	if ms.Valid && id != NoStar {
		a.fitted[id].MeasurementCount++
	}
}

// Unlink detaches ms from its fitted star.
func (a *Associations) Unlink(ms *MeasuredStar) {
	if ms.Fitted != NoStar && ms.Valid {
		a.fitted[ms.Fitted].MeasurementCount--
	}
	ms.Fitted = NoStar
}

// RefStar returns the reference star addressed by id.
func (a *Associations) RefStar(id RefID) *RefStar {
	return &a.refs[id]
}

// NRefStars returns the number of reference stars.
func (a *Associations) NRefStars() int {
	return len(a.refs)
}

// AddRefStar appends a reference star and returns its handle.
func (a *Associations) AddRefStar(r RefStar) RefID {
	a.refs = append(a.refs, r)
	return RefID(len(a.refs) - 1)
}

// fittedPointer is the quadtree payload: a fitted star handle at a tangent plane position.
type fittedPointer struct {
	id StarID
	p  orb.Point
}

func (f *fittedPointer) Point() orb.Point { return f.p }

func toOrb(p geometry.Point2D) orb.Point { return orb.Point{p.X, p.Y} }

func paddedBound(points []orb.Point, pad float64) orb.Bound {
	if pad <= 0 {
		pad = 1
	}
	if len(points) == 0 {
		return orb.Bound{Min: orb.Point{-pad, -pad}, Max: orb.Point{pad, pad}}
	}
	return orb.MultiPoint(points).Bound().Pad(pad)
}

// AssociateCatalogs builds the fitted stars from the measured stars. Images are
// visited in key order; every valid measured star is projected onto the tangent
// plane with its image's seed transform and matched to the nearest fitted star
// within matchCut that no other star of the same image claimed. Unmatched stars
// seed new fitted stars. Previous associations are discarded.
func (a *Associations) AssociateCatalogs(matchCut float64) error {
	if matchCut < 0 || math.IsNaN(matchCut) {
		return errors.Errorf("invalid match cut %g", matchCut)
	}
	a.fitted = a.fitted[:0]
	for _, c := range a.ccdImages {
		for _, ms := range c.Catalog {
			ms.Fitted = NoStar
		}
	}

	projected := make([][]geometry.FatPoint, len(a.ccdImages))
	var all []orb.Point
	for i, c := range a.ccdImages {
		if c.PixelToTangentPlane == nil {
			return errors.Errorf("image %s has no tangent plane transform", c.Name)
		}
		projected[i] = make([]geometry.FatPoint, len(c.Catalog))
		for k, ms := range c.Catalog {
			tp := transform.ApplyWithErrors(c.PixelToTangentPlane, ms.FatPoint)
			projected[i][k] = tp
			if ms.Valid {
				all = append(all, toOrb(tp.Point2D))
			}
		}
	}

	tree := quadtree.New(paddedBound(all, matchCut))
	created, matched := 0, 0
	for i, c := range a.ccdImages {
		claimed := make(map[StarID]bool)
		var fresh []*fittedPointer
		for k, ms := range c.Catalog {
			if !ms.Valid {
				continue
			}
			tp := projected[i][k]
			q := toOrb(tp.Point2D)
			found := tree.Matching(q, func(p orb.Pointer) bool {
				return !claimed[p.(*fittedPointer).id]
			})
			if found != nil {
				fp := found.(*fittedPointer)
				if tp.Point2D.Distance(geometry.Point2D{X: fp.p[0], Y: fp.p[1]}) <= matchCut {
					a.Link(ms, fp.id)
					claimed[fp.id] = true
					matched++
					continue
				}
			}
			id := a.AddFittedStar(FittedStar{FatPoint: tp, Ref: NoRef})
			a.fitted[id].SetFlux(ms.InstFlux*c.PhotoCalib, ms.InstFluxErr*c.PhotoCalib)
			a.Link(ms, id)
			claimed[id] = true
			fresh = append(fresh, &fittedPointer{id: id, p: q})
			created++
		}
		// Stars created by this image only become candidates for later images.
		for _, fp := range fresh {
			if err := tree.Add(fp); err != nil {
				return errors.Wrapf(err, "index fitted star %d", fp.id)
			}
		}
	}
	a.log.Infof("associated %d measurements onto %d fitted stars (%d matched)", created+matched, created, matched)
	return nil
}

// CollectRefStars adds refs and links each of them to the nearest fitted star
// within matchCut that has no reference yet. It returns the number of links made.
func (a *Associations) CollectRefStars(refs []RefStar, matchCut float64) int {
	points := make([]orb.Point, len(a.fitted))
	for i := range a.fitted {
		points[i] = toOrb(a.fitted[i].Point2D)
	}
	tree := quadtree.New(paddedBound(points, matchCut))
	for i := range a.fitted {
		if err := tree.Add(&fittedPointer{id: StarID(i), p: points[i]}); err != nil {
			a.log.Errorf("fitted star %d outside association bounds: %v", i, err)
		}
	}

	linked := 0
	for _, r := range refs {
		rid := a.AddRefStar(r)
		found := tree.Matching(toOrb(r.Point2D), func(p orb.Pointer) bool {
			return a.fitted[p.(*fittedPointer).id].Ref == NoRef
		})
		if found == nil {
			continue
		}
		fp := found.(*fittedPointer)
		if r.Point2D.Distance(a.fitted[fp.id].Point2D) > matchCut {
			continue
		}
		a.fitted[fp.id].Ref = rid
		linked++
	}
	a.log.Infof("linked %d of %d reference stars", linked, len(refs))
	return linked
}

// SelectFittedStars drops the fitted stars with fewer than minMeasurements valid
// measurements, unlinks their measured stars and compacts the arena. Surviving
// handles are remapped in place.
func (a *Associations) SelectFittedStars(minMeasurements int) {
	remap := make([]StarID, len(a.fitted))
	kept := 0
	for i := range a.fitted {
		if a.fitted[i].MeasurementCount >= minMeasurements {
			remap[i] = StarID(kept)
			a.fitted[kept] = a.fitted[i]
			kept++
		} else {
			remap[i] = NoStar
		}
	}
	dropped := len(a.fitted) - kept
	a.fitted = a.fitted[:kept]

	for _, c := range a.ccdImages {
		for _, ms := range c.Catalog {
			if ms.Fitted != NoStar {
				ms.Fitted = remap[ms.Fitted]
			}
		}
	}
	a.log.Infof("kept %d fitted stars with at least %d measurements, dropped %d", kept, minMeasurements, dropped)
}

// NormalizeFittedStars resets every fitted star to the mean tangent plane
// position and mean calibrated flux of its valid measurements.
func (a *Associations) NormalizeFittedStars() {
	type sum struct {
		x, y, vx, vy, vxy float64
		flux, fluxVar     float64
		n                 int
	}
	sums := make([]sum, len(a.fitted))
	for _, c := range a.ccdImages {
		for _, ms := range c.Catalog {
			if !ms.Valid || ms.Fitted == NoStar {
				continue
			}
			tp := transform.ApplyWithErrors(c.PixelToTangentPlane, ms.FatPoint)
			s := &sums[ms.Fitted]
			s.x += tp.X
			s.y += tp.Y
			s.vx += tp.VX
			s.vy += tp.VY
			s.vxy += tp.VXY
			f := ms.InstFlux * c.PhotoCalib
			fe := ms.InstFluxErr * c.PhotoCalib
			s.flux += f
			s.fluxVar += fe * fe
			s.n++
		}
	}
	for i := range a.fitted {
		s := sums[i]
		if s.n == 0 {
			continue
		}
		n := float64(s.n)
		fs := &a.fitted[i]
		fs.Point2D = geometry.Point2D{X: s.x / n, Y: s.y / n}
		fs.VX, fs.VY, fs.VXY = s.vx/(n*n), s.vy/(n*n), s.vxy/(n*n)
		fs.SetFlux(s.flux/n, math.Sqrt(s.fluxVar)/n)
	}
}

// PrepareFittedStars selects then normalizes the fitted stars.
func (a *Associations) PrepareFittedStars(minMeasurements int) {
	a.SelectFittedStars(minMeasurements)
	a.NormalizeFittedStars()
}

// NFittedStarsWithAssociatedRefStar counts fitted stars linked to a reference star.
func (a *Associations) NFittedStarsWithAssociatedRefStar() int {
	n := 0
	for i := range a.fitted {
		if a.fitted[i].Ref != NoRef {
			n++
		}
	}
	return n
}

// NCcdImagesValidForFit counts images holding at least one valid associated measurement.
func (a *Associations) NCcdImagesValidForFit() int {
	n := 0
	for _, c := range a.ccdImages {
		if c.NValidForFit() > 0 {
			n++
		}
	}
	return n
}

// Check verifies the handle invariants: every measured star handle is NoStar or
// in the arena, every reference handle is NoRef or in the reference list, and
// each MeasurementCount equals the number of valid measurements pointing at it.
func (a *Associations) Check() error {
	counts := make([]int, len(a.fitted))
	for _, c := range a.ccdImages {
		for _, ms := range c.Catalog {
			if ms.Fitted == NoStar {
				continue
			}
			if ms.Fitted < 0 || int(ms.Fitted) >= len(a.fitted) {
				return errors.Errorf("measured star %d on %s holds dangling handle %d", ms.ID, c.Name, ms.Fitted)
			}
			if ms.Valid {
				counts[ms.Fitted]++
			}
		}
	}
	for i := range a.fitted {
		fs := &a.fitted[i]
		if fs.MeasurementCount != counts[i] {
			return errors.Errorf("fitted star %d counts %d measurements, found %d", i, fs.MeasurementCount, counts[i])
		}
		if fs.Ref != NoRef && (fs.Ref < 0 || int(fs.Ref) >= len(a.refs)) {
			return errors.Errorf("fitted star %d holds dangling reference %d", i, fs.Ref)
		}
	}
	return nil
}
