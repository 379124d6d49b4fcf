package stitch

import (
	"context"
	"fmt"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Result is stored in the stitching parameter slot.
type Result struct {
	Priority string      `json:"priority"`
	Members  []string    `json:"members"`
	Excluded []Exclusion `json:"excluded,omitempty"`
}

// Stage merges the primary product with its related same-date products.
// The whole group is resolved once during Prepare so every band, the
// validity mask and the angle grids are tile-aligned before any correction
// stage reads them.
type Stage struct {
	opts Options
}

func NewStage(opts Options) *Stage {
	if opts.Priority == nil {
		opts.Priority = PathRowPriority{}
	}
	return &Stage{opts: opts}
}

func (s *Stage) ID() product.StageID { return product.StageStitching }

func (s *Stage) DependsOn() []product.StageID { return nil }

func (s *Stage) Prepare(ctx context.Context, pc *product.Context) error {
	g := NewGroup(pc.Tile, pc, pc.Related(), s.opts)
	if len(g.Members) == 0 {
		return fmt.Errorf("%w: every stitching member of %s was excluded", product.ErrInsufficientCandidates, pc.Name)
	}

	for _, id := range pc.BandIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		merged, err := g.MergeBand(id)
		if err != nil {
			return err
		}
		if err := pc.ReplaceBand(merged); err != nil {
			return err
		}
	}

	// Angles read each member's own validity mask, so they go first.
	if err := s.stitchAngles(g, pc); err != nil {
		return err
	}
	if err := s.stitchMask(g, pc); err != nil {
		return err
	}

	res := Result{Priority: s.opts.Priority.Name(), Members: g.MemberNames(), Excluded: g.Excluded}
	if err := pc.SetParams(product.StageStitching, res); err != nil {
		return err
	}
	pc.SetQI("STITCHED_PRODUCTS", res.Members)
	diagf("%s: stitched %d member(s), %d excluded", pc, len(res.Members), len(res.Excluded))
	return nil
}

func (s *Stage) stitchMask(g *Group, pc *product.Context) error {
	primary := pc.ValidMask()
	if primary == nil {
		return nil
	}
	merged, err := g.Merge("MASK", primary.Grid.Res, func(m *product.Context) (*raster.Band, bool) {
		vm := m.ValidMask()
		if vm == nil {
			return nil, false
		}
		return vm.AsBand("MASK"), true
	})
	if err != nil {
		return err
	}
	pc.SetValidMask(raster.MaskFromBand(merged))
	return nil
}

func (s *Stage) stitchAngles(g *Group, pc *product.Context) error {
	a := pc.Geometry.Angles
	if a == nil {
		return nil
	}
	out := &product.AngleGrids{}
	layers := []struct {
		src *raster.Band
		dst **raster.Band
		sel func(*product.AngleGrids) *raster.Band
	}{
		{a.SunZenith, &out.SunZenith, func(x *product.AngleGrids) *raster.Band { return x.SunZenith }},
		{a.SunAzimuth, &out.SunAzimuth, func(x *product.AngleGrids) *raster.Band { return x.SunAzimuth }},
		{a.ViewZenith, &out.ViewZenith, func(x *product.AngleGrids) *raster.Band { return x.ViewZenith }},
		{a.ViewAzimuth, &out.ViewAzimuth, func(x *product.AngleGrids) *raster.Band { return x.ViewAzimuth }},
	}
	for _, l := range layers {
		if l.src == nil {
			continue
		}
		sel := l.sel
		merged, err := g.MergeCovered(l.src.ID, l.src.Grid.Res, func(m *product.Context) (*raster.Band, bool) {
			if m.Geometry.Angles == nil {
				return nil, false
			}
			b := sel(m.Geometry.Angles)
			return b, b != nil
		})
		if err != nil {
			return err
		}
		*l.dst = merged
	}
	pc.Geometry.Angles = out
	return nil
}

func (s *Stage) ProcessBand(context.Context, *product.Context, raster.BandID) error { return nil }

func (s *Stage) Finish(context.Context, *product.Context) error { return nil }
