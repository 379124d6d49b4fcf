package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/pipeline"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/timeutil"
)

// Options filter the candidates of a run.
type Options struct {
	// RelatedCoverage is the tile fraction a Landsat neighbour must exceed
	// to be stitched.
	RelatedCoverage float64
	// SameUTMOnly ignores neighbours projected in another UTM zone.
	SameUTMOnly bool
	// Missions restricts the candidates; empty accepts every mission.
	Missions []product.Mission
	// Start and End bound acquisition times; zero values are open.
	Start, End time.Time
}

// Supplier serves manifest products as pipeline candidates.
type Supplier struct {
	manifest *Manifest
	store    raster.Reader
	opts     Options
}

// NewSupplier validates m and reads bands through store.
func NewSupplier(m *Manifest, store raster.Reader, opts Options) (*Supplier, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: catalog needs a raster reader", product.ErrConfig)
	}
	return &Supplier{manifest: m, store: store, opts: opts}, nil
}

func (s *Supplier) Tiles() []mgrs.Tile { return s.manifest.TileList() }

// Candidates returns the products covering tile. The order follows the
// manifest; the orchestrator sorts them.
func (s *Supplier) Candidates(ctx context.Context, tile mgrs.Tile) ([]pipeline.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []pipeline.Candidate
	for i := range s.manifest.Products {
		r := &s.manifest.Products[i]
		if r.CoverageOf(tile.ID) <= 0 || !s.accept(r) {
			continue
		}
		out = append(out, &candidate{s: s, rec: r, tile: tile})
	}
	diagf("%s: %d candidate(s)", tile.ID, len(out))
	return out, nil
}

func (s *Supplier) accept(r *Record) bool {
	if len(s.opts.Missions) > 0 {
		found := false
		for _, m := range s.opts.Missions {
			if m == r.mission {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !s.opts.Start.IsZero() && r.AcquiredAt.Before(s.opts.Start) {
		return false
	}
	if !s.opts.End.IsZero() && r.AcquiredAt.After(s.opts.End) {
		return false
	}
	return true
}

// related finds the product stitched with r on tile. Landsat products look
// one WRS-2 row up and down along the same path and keep the neighbour
// covering most of the tile; Sentinel-2 products take the first other
// acquisition of the same tile.
func (s *Supplier) related(r *Record, tile mgrs.Tile) *Record {
	sameDay := func(o *Record) bool {
		return o != r && o.Level == r.Level && timeutil.SameDay(o.AcquiredAt, r.AcquiredAt)
	}

	if r.mission.IsLandsat() {
		type neighbour struct {
			rec      *Record
			coverage float64
		}
		var found []neighbour
		for _, offset := range []int{-1, 1} {
			for i := range s.manifest.Products {
				o := &s.manifest.Products[i]
				if !sameDay(o) || o.mission != r.mission || o.Path != r.Path || o.Row != r.Row+offset {
					continue
				}
				cov := o.CoverageOf(tile.ID)
				if s.opts.SameUTMOnly && o.EPSG != 0 && mgrs.ZoneOfEPSG(o.EPSG) != tile.Zone() {
					cov = 0
				}
				tracef("%s: row %d neighbour %s covers %.4f", r.Name, o.Row, o.Name, cov)
				if cov > s.opts.RelatedCoverage {
					found = append(found, neighbour{o, cov})
				}
				break
			}
		}
		if len(found) == 0 {
			return nil
		}
		sort.SliceStable(found, func(i, j int) bool { return found[i].coverage > found[j].coverage })
		return found[0].rec
	}

	for i := range s.manifest.Products {
		o := &s.manifest.Products[i]
		if sameDay(o) && o.mission.IsSentinel2() && o.CoverageOf(tile.ID) > 0 {
			return o
		}
	}
	return nil
}

type candidate struct {
	s    *Supplier
	rec  *Record
	tile mgrs.Tile
}

func (c *candidate) Name() string             { return c.rec.Name }
func (c *candidate) Mission() product.Mission { return c.rec.mission }
func (c *candidate) AcquiredAt() time.Time    { return c.rec.AcquiredAt }

func (c *candidate) Open(ctx context.Context) (*product.Context, error) {
	return c.s.load(ctx, c.rec, c.tile)
}

func (c *candidate) Related(context.Context) ([]pipeline.Candidate, error) {
	rel := c.s.related(c.rec, c.tile)
	if rel == nil {
		diagf("%s: no product found for stitching", c.rec.Name)
		return nil, nil
	}
	diagf("%s: stitching with %s", c.rec.Name, rel.Name)
	return []pipeline.Candidate{&candidate{s: c.s, rec: rel, tile: c.tile}}, nil
}

// readError keeps classified errors and sorts the rest into corrupt input
// (the location holds nothing usable) or fatal I/O.
func readError(what string, err error) error {
	switch {
	case errors.Is(err, raster.ErrNotFound), errors.Is(err, raster.ErrCorrupt):
		return fmt.Errorf("%w: %s: %w", product.ErrCorruptInput, what, err)
	case product.Classify(err) != product.Fatal,
		errors.Is(err, product.ErrFatalIO), errors.Is(err, product.ErrConfig),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %w", product.ErrFatalIO, what, err)
}

func (s *Supplier) read(ctx context.Context, loc string, id raster.BandID) (*raster.Band, error) {
	b, err := s.store.ReadBand(ctx, loc, id)
	if err != nil {
		return nil, readError(fmt.Sprintf("reading %s", loc), err)
	}
	return b, nil
}

// bandOrder lists the bands of r in the mission's canonical order.
func bandOrder(r *Record) []raster.BandID {
	var out []raster.BandID
	for _, sb := range r.mission.Bands() {
		if _, ok := r.Bands[sb.ID]; ok {
			out = append(out, sb.ID)
		}
	}
	return out
}

func (s *Supplier) load(ctx context.Context, r *Record, tile mgrs.Tile) (*product.Context, error) {
	pc := product.New(r.Name, r.mission, r.AcquiredAt, tile)
	pc.Level = r.Level
	pc.Path, pc.Row = r.Path, r.Row
	pc.SourceTile = r.SourceTile
	if r.EPSG != 0 {
		pc.EPSG = r.EPSG
	}
	pc.Refined = r.Refined
	pc.Baseline = r.Baseline
	pc.Geometry = product.Geometry{
		SunZenith:   r.Geometry.SunZenith,
		SunAzimuth:  r.Geometry.SunAzimuth,
		ViewZenith:  r.Geometry.ViewZenith,
		ViewAzimuth: r.Geometry.ViewAzimuth,
		Center:      r.Geometry.Center,
		Corners:     r.Geometry.Corners,
	}
	pc.Radiometry = product.Radiometry{
		Gains:          r.Radiometry.Gains,
		Offsets:        r.Radiometry.Offsets,
		Quantification: r.Radiometry.Quantification,
		AddOffsets:     r.Radiometry.AddOffsets,
	}

	for _, id := range bandOrder(r) {
		b, err := s.read(ctx, r.Bands[id], id)
		if err != nil {
			return nil, err
		}
		if err := pc.AddBand(b); err != nil {
			return nil, fmt.Errorf("%w: %v", product.ErrCorruptInput, err)
		}
	}

	if r.Mask != "" {
		m, err := s.read(ctx, r.Mask, "MASK")
		if err != nil {
			return nil, err
		}
		pc.SetValidMask(raster.MaskFromBand(m))
	}

	if a := r.Angles; a != nil {
		var grids product.AngleGrids
		for _, g := range []struct {
			loc string
			dst **raster.Band
		}{
			{a.SunZenith, &grids.SunZenith},
			{a.SunAzimuth, &grids.SunAzimuth},
			{a.ViewZenith, &grids.ViewZenith},
			{a.ViewAzimuth, &grids.ViewAzimuth},
		} {
			if g.loc == "" {
				continue
			}
			b, err := s.read(ctx, g.loc, "")
			if err != nil {
				return nil, err
			}
			*g.dst = b
		}
		pc.Geometry.Angles = &grids
	}

	tracef("%s: loaded %d bands", pc, len(pc.BandIDs()))
	return pc, nil
}
