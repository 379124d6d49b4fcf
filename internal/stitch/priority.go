package stitch

import (
	"sort"

	"github.com/senbox-org/sen2like/internal/product"
)

// Priority decides which member wins where footprints overlap. The first
// member of the returned slice has the highest priority.
type Priority interface {
	Name() string
	Order(primary *product.Context, members []*product.Context) []*product.Context
}

// PathRowPriority ranks the primary first, then neighbours by WRS-2 row
// distance, path, and name. Sentinel-2 members without path/row fall back to
// name ordering.
type PathRowPriority struct{}

func (PathRowPriority) Name() string { return "path-row" }

func (PathRowPriority) Order(primary *product.Context, members []*product.Context) []*product.Context {
	out := append([]*product.Context(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a == primary) != (b == primary) {
			return a == primary
		}
		da, db := absInt(a.Row-primary.Row), absInt(b.Row-primary.Row)
		if da != db {
			return da < db
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		if a.SourceTile != b.SourceTile {
			return a.SourceTile < b.SourceTile
		}
		return a.Name < b.Name
	})
	return out
}

// ListedPriority ranks members by their position in Names. Members not
// listed follow in name order.
type ListedPriority struct {
	Names []string
}

func (ListedPriority) Name() string { return "listed" }

func (p ListedPriority) Order(_ *product.Context, members []*product.Context) []*product.Context {
	rank := make(map[string]int, len(p.Names))
	for i, n := range p.Names {
		rank[n] = i
	}
	out := append([]*product.Context(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, iok := rank[out[i].Name]
		rj, jok := rank[out[j].Name]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CoveragePriority ranks the primary first, then members by how much of
// the target tile their reference band covers.
type CoveragePriority struct {
	Coverage func(*product.Context) float64
}

func (CoveragePriority) Name() string { return "coverage" }

func (p CoveragePriority) Order(primary *product.Context, members []*product.Context) []*product.Context {
	out := append([]*product.Context(nil), members...)
	cov := make(map[*product.Context]float64, len(out))
	for _, m := range out {
		cov[m] = p.Coverage(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a == primary) != (b == primary) {
			return a == primary
		}
		if cov[a] != cov[b] {
			return cov[a] > cov[b]
		}
		return a.Name < b.Name
	})
	return out
}

// PriorityByName resolves a configured strategy name.
func PriorityByName(name string) (Priority, bool) {
	switch name {
	case "", "path-row":
		return PathRowPriority{}, true
	case "listed":
		return ListedPriority{}, true
	case "coverage":
		return CoveragePriority{Coverage: RedCoverage}, true
	}
	return nil, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// RedCoverage is the valid fraction of the product's red band.
func RedCoverage(pc *product.Context) float64 {
	red, _ := pc.Mission.RedNIR()
	b, ok := pc.Band(red)
	if !ok {
		return 0
	}
	return b.Coverage()
}
