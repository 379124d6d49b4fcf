// Package stitch merges same-date acquisitions that partially cover an
// output tile into a single tile-aligned raster.
package stitch

import (
	"errors"
	"fmt"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Reprojector warps a band into another projection. It is only consulted
// for members whose projection differs from the tile's.
type Reprojector interface {
	Reproject(b *raster.Band, target raster.Grid) (*raster.Band, error)
}

// Options control group formation.
type Options struct {
	// SameUTMOnly excludes members whose UTM zone differs from the tile's.
	SameUTMOnly bool
	Priority    Priority
	Reprojector Reprojector
}

// Exclusion records why a member did not contribute.
type Exclusion struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Group is a resolved set of members for one tile, in priority order.
type Group struct {
	Tile     mgrs.Tile
	Members  []*product.Context
	Excluded []Exclusion

	reproject Reprojector
}

// NewGroup filters and orders candidates for the tile. The primary product
// is always a candidate; related products are the other same-date
// acquisitions.
func NewGroup(tile mgrs.Tile, primary *product.Context, related []*product.Context, opts Options) *Group {
	prio := opts.Priority
	if prio == nil {
		prio = PathRowPriority{}
	}
	g := &Group{Tile: tile, reproject: opts.Reprojector}

	candidates := append([]*product.Context{primary}, related...)
	var kept []*product.Context
	for _, c := range candidates {
		zone := mgrs.ZoneOfEPSG(c.EPSG)
		switch {
		case opts.SameUTMOnly && zone != tile.Zone():
			g.Excluded = append(g.Excluded, Exclusion{Name: c.Name, Reason: fmt.Sprintf("UTM zone %d differs from tile zone %d", zone, tile.Zone())})
		case c.EPSG != tile.EPSG() && opts.Reprojector == nil:
			g.Excluded = append(g.Excluded, Exclusion{Name: c.Name, Reason: fmt.Sprintf("no reprojector for EPSG:%d", c.EPSG)})
		case !c.AcquiredAt.IsZero() && !primary.AcquiredAt.IsZero() && !sameDay(c, primary):
			g.Excluded = append(g.Excluded, Exclusion{Name: c.Name, Reason: "acquired on a different day"})
		default:
			kept = append(kept, c)
		}
	}
	g.Members = prio.Order(primary, kept)
	for _, e := range g.Excluded {
		diagf("tile %s: excluding %s: %s", tile.ID, e.Name, e.Reason)
	}
	return g
}

func sameDay(a, b *product.Context) bool {
	ay, am, ad := a.AcquiredAt.Date()
	by, bm, bd := b.AcquiredAt.Date()
	return ay == by && am == bm && ad == bd
}

// MemberNames lists contributing products in priority order.
func (g *Group) MemberNames() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Name
	}
	return out
}

func (g *Group) align(b *raster.Band, target raster.Grid) (*raster.Band, error) {
	if b.Grid.EPSG == target.EPSG {
		return raster.Resample(b, target, raster.Nearest)
	}
	if g.reproject == nil {
		return nil, fmt.Errorf("%w: EPSG:%d", raster.ErrCRSMismatch, b.Grid.EPSG)
	}
	return g.reproject.Reproject(b, target)
}

// Merge combines one layer of every member on the tile grid at resolution
// res. For each pixel the highest-priority member with data wins; pixels no
// member covers stay Nodata. layer extracts the layer from a member and
// reports false when the member lacks it.
func (g *Group) Merge(id raster.BandID, res float64, layer func(*product.Context) (*raster.Band, bool)) (*raster.Band, error) {
	return g.merge(id, res, layer, func(_ *product.Context, _, aligned *raster.Band) ([]bool, error) {
		cov := make([]bool, len(aligned.Data))
		for i, v := range aligned.Data {
			cov[i] = v != raster.Nodata
		}
		return cov, nil
	})
}

// MergeCovered is Merge for layers where Nodata is a real value, such as a
// 0 degree azimuth in an angle grid. A member covers the pixels inside the
// extent of its layer that its validity mask, when it has one, marks valid.
func (g *Group) MergeCovered(id raster.BandID, res float64, layer func(*product.Context) (*raster.Band, bool)) (*raster.Band, error) {
	return g.merge(id, res, layer, func(m *product.Context, src, aligned *raster.Band) ([]bool, error) {
		extent := raster.New(src.ID, src.Grid)
		for i := range extent.Data {
			extent.Data[i] = 1
		}
		inside, err := g.align(extent, aligned.Grid)
		if err != nil {
			return nil, err
		}
		cov := make([]bool, len(inside.Data))
		for i, v := range inside.Data {
			cov[i] = v != raster.Nodata
		}
		if vm := m.ValidMask(); vm != nil {
			valid, err := g.align(vm.AsBand("MASK"), aligned.Grid)
			if err != nil {
				return nil, err
			}
			for i, v := range valid.Data {
				cov[i] = cov[i] && v != raster.Nodata
			}
		}
		return cov, nil
	})
}

// coverageFunc reports which pixels of the aligned layer of m carry data.
type coverageFunc func(m *product.Context, src, aligned *raster.Band) ([]bool, error)

func (g *Group) merge(id raster.BandID, res float64, layer func(*product.Context) (*raster.Band, bool), covered coverageFunc) (*raster.Band, error) {
	target := g.Tile.Grid(res)
	out := raster.New(id, target)
	set := make([]bool, len(out.Data))
	filled := 0
	for _, m := range g.Members {
		src, ok := layer(m)
		if !ok {
			tracef("%s: member %s has no %s layer", g.Tile.ID, m.Name, id)
			continue
		}
		aligned, err := g.align(src, target)
		var cov []bool
		if err == nil {
			cov, err = covered(m, src, aligned)
		}
		if err != nil {
			if errors.Is(err, raster.ErrCRSMismatch) {
				opsf("%s: skipping %s layer of %s: %v", g.Tile.ID, id, m.Name, err)
				continue
			}
			return nil, fmt.Errorf("aligning %s of %s: %w", id, m.Name, err)
		}
		for i, v := range aligned.Data {
			if !set[i] && cov[i] {
				out.Data[i] = v
				set[i] = true
				filled++
			}
		}
		if filled == len(out.Data) {
			break
		}
	}
	return out, nil
}

// MergeBand merges a spectral band at its native resolution in the first
// member that carries it.
func (g *Group) MergeBand(id raster.BandID) (*raster.Band, error) {
	res := 0.0
	for _, m := range g.Members {
		if b, ok := m.Band(id); ok {
			res = b.Grid.Res
			break
		}
	}
	if res == 0 {
		return nil, fmt.Errorf("%w: no member carries band %s", product.ErrInsufficientCandidates, id)
	}
	return g.Merge(id, res, func(pc *product.Context) (*raster.Band, bool) { return pc.Band(id) })
}
