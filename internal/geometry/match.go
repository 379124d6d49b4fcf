// Package geometry estimates the residual displacement between a product
// and a reference image, corrects it, and assesses the result.
package geometry

import (
	"math"
	"sort"

	"github.com/senbox-org/sen2like/internal/raster"
)

// TiePoint is one matched feature. X0/Y0 is the feature position in the
// reference, in projected units; DX/DY is how far the same feature sits in
// the work image, also in projected units (east and north positive).
type TiePoint struct {
	X0, Y0 float64
	DX, DY float64
	Score  float64
}

// MatchOptions tune feature selection and correlation.
type MatchOptions struct {
	MaxFeatures int     // features kept after ranking by texture
	MinDistance int     // pixels between kept features
	Window      int     // correlation half-window, pixels
	Search      int     // search radius, pixels
	MinScore    float64 // minimum normalised cross-correlation
}

// DefaultMatchOptions mirrors the usual KLT settings at 10-30 m.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{MaxFeatures: 500, MinDistance: 10, Window: 7, Search: 5, MinScore: 0.7}
}

// Match finds tie points between ref and work, which must share a grid.
func Match(ref, work *raster.Band, opts MatchOptions) ([]TiePoint, error) {
	if ref.Grid != work.Grid {
		return nil, raster.ErrGridMismatch
	}
	g := ref.Grid
	margin := opts.Window + opts.Search + 1
	feats := selectFeatures(ref, margin, opts)
	points := make([]TiePoint, 0, len(feats))
	for _, f := range feats {
		ox, oy, score, ok := correlate(ref, work, f.row, f.col, opts)
		if !ok || score < opts.MinScore {
			continue
		}
		x0, y0 := g.PixelCenter(f.row, f.col)
		points = append(points, TiePoint{
			X0: x0, Y0: y0,
			DX:    ox * g.Res,
			DY:    -oy * g.Res,
			Score: score,
		})
	}
	tracef("matched %d/%d features", len(points), len(feats))
	return points, nil
}

type feature struct {
	row, col int
	strength float64
}

// selectFeatures ranks pixels by absolute Laplacian response and keeps the
// strongest ones at least MinDistance apart.
func selectFeatures(b *raster.Band, margin int, opts MatchOptions) []feature {
	g := b.Grid
	var cands []feature
	for r := margin; r < g.Height-margin; r++ {
		for c := margin; c < g.Width-margin; c++ {
			v := b.At(r, c)
			n, s, w, e := b.At(r-1, c), b.At(r+1, c), b.At(r, c-1), b.At(r, c+1)
			if v == raster.Nodata || n == raster.Nodata || s == raster.Nodata || w == raster.Nodata || e == raster.Nodata {
				continue
			}
			lap := math.Abs(float64(n + s + w + e - 4*v))
			if lap > 0 {
				cands = append(cands, feature{row: r, col: c, strength: lap})
			}
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].strength > cands[j].strength })

	minDist := opts.MinDistance
	var kept []feature
	for _, f := range cands {
		if opts.MaxFeatures > 0 && len(kept) >= opts.MaxFeatures {
			break
		}
		tooClose := false
		for _, k := range kept {
			if absInt(k.row-f.row) < minDist && absInt(k.col-f.col) < minDist {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, f)
		}
	}
	return kept
}

// correlate searches the work image around (row, col) for the offset that
// maximises NCC against the reference window, refined to sub-pixel by a
// parabola through the peak.
func correlate(ref, work *raster.Band, row, col int, opts MatchOptions) (ox, oy, score float64, ok bool) {
	s := opts.Search
	size := 2*s + 1
	scores := make([]float64, size*size)
	best, bi, bj := math.Inf(-1), 0, 0
	for dy := -s; dy <= s; dy++ {
		for dx := -s; dx <= s; dx++ {
			v, valid := ncc(ref, work, row, col, dx, dy, opts.Window)
			if !valid {
				v = math.Inf(-1)
			}
			scores[(dy+s)*size+(dx+s)] = v
			if v > best {
				best, bi, bj = v, dx, dy
			}
		}
	}
	if math.IsInf(best, -1) {
		return 0, 0, 0, false
	}
	at := func(dx, dy int) float64 {
		if dx < -s || dx > s || dy < -s || dy > s {
			return math.Inf(-1)
		}
		return scores[(dy+s)*size+(dx+s)]
	}
	ox = float64(bi) + parabolicPeak(at(bi-1, bj), best, at(bi+1, bj))
	oy = float64(bj) + parabolicPeak(at(bi, bj-1), best, at(bi, bj+1))
	return ox, oy, best, true
}

func parabolicPeak(l, c, r float64) float64 {
	if math.IsInf(l, -1) || math.IsInf(r, -1) {
		return 0
	}
	den := l - 2*c + r
	if den >= 0 {
		return 0
	}
	off := 0.5 * (l - r) / den
	if off < -0.5 || off > 0.5 {
		return 0
	}
	return off
}

func ncc(ref, work *raster.Band, row, col, dx, dy, w int) (float64, bool) {
	var sa, sb, saa, sbb, sab float64
	n := 0
	for r := -w; r <= w; r++ {
		for c := -w; c <= w; c++ {
			a := ref.At(row+r, col+c)
			b := work.At(row+r+dy, col+c+dx)
			if a == raster.Nodata || b == raster.Nodata {
				return 0, false
			}
			fa, fb := float64(a), float64(b)
			sa += fa
			sb += fb
			saa += fa * fa
			sbb += fb * fb
			sab += fa * fb
			n++
		}
	}
	fn := float64(n)
	cov := sab - sa*sb/fn
	va := saa - sa*sa/fn
	vb := sbb - sb*sb/fn
	if va <= 0 || vb <= 0 {
		return 0, false
	}
	return cov / math.Sqrt(va*vb), true
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
