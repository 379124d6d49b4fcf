package correction

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// VJBGrid holds the NDVI-driven kernel weight grids of one band.
type VJBGrid struct {
	V0, V1, R0, R1   *raster.Band
	NDVIMin, NDVIMax float64
}

// BRDFGridSource supplies per-tile VJB grids. ok is false when the tile or
// band has none.
type BRDFGridSource interface {
	Grids(ctx context.Context, tile mgrs.Tile, at time.Time, band raster.BandID) (VJBGrid, bool, error)
}

// VJBCoefficients derives kernel weights per pixel from the product NDVI and
// auxiliary grids, with the hot-spot corrected volumetric kernel.
type VJBCoefficients struct {
	Source BRDFGridSource

	ndvi  *raster.Band
	grids map[raster.BandID]VJBGrid
}

func (*VJBCoefficients) Name() string { return "VJB" }

func (*VJBCoefficients) HotSpot() bool { return true }

func (v *VJBCoefficients) Prepare(ctx context.Context, pc *product.Context) error {
	if v.Source == nil {
		return fmt.Errorf("%w: no BRDF grid source", product.ErrAuxMissing)
	}
	ndvi, err := computeNDVI(pc)
	if err != nil {
		return err
	}
	v.ndvi = ndvi
	v.grids = make(map[raster.BandID]VJBGrid)
	for _, id := range pc.BandIDs() {
		g, ok, err := v.Source.Grids(ctx, pc.Tile, pc.AcquiredAt, id)
		if err != nil {
			return fmt.Errorf("%w: BRDF grids: %v", product.ErrFatalIO, err)
		}
		if ok {
			v.grids[id] = g
		}
	}
	if len(v.grids) == 0 {
		return fmt.Errorf("%w: no BRDF grids for tile %s", product.ErrAuxMissing, pc.Tile.ID)
	}
	return nil
}

func (v *VJBCoefficients) ForBand(id raster.BandID, g raster.Grid) (func(int) Kernels, bool, error) {
	vg, ok := v.grids[id]
	if !ok {
		return nil, false, nil
	}
	layers := make([]*raster.Band, 0, 5)
	for _, b := range []*raster.Band{v.ndvi, vg.V0, vg.V1, vg.R0, vg.R1} {
		r, err := raster.Resample(b, g, raster.Bilinear)
		if err != nil {
			return nil, false, err
		}
		layers = append(layers, r)
	}
	ndvi, v0, v1, r0, r1 := layers[0], layers[1], layers[2], layers[3], layers[4]
	span := vg.NDVIMax - vg.NDVIMin
	return func(i int) Kernels {
		n := 0.0
		if span > 0 {
			n = math.Max(0, math.Min(1, (float64(ndvi.Data[i])-vg.NDVIMin)/span))
		}
		return Kernels{
			Iso: 1,
			Vol: float64(v0.Data[i]) + float64(v1.Data[i])*n,
			Geo: float64(r0.Data[i]) + float64(r1.Data[i])*n,
		}
	}, true, nil
}

// computeNDVI builds an NDVI band on the red band grid. Pixels without both
// inputs are Nodata; valid NDVI of exactly zero is nudged to keep it valid.
func computeNDVI(pc *product.Context) (*raster.Band, error) {
	redID, nirID := pc.Mission.RedNIR()
	red, ok := pc.Band(redID)
	if !ok {
		return nil, fmt.Errorf("%w: no red band for NDVI", product.ErrAuxMissing)
	}
	nirBand, ok := pc.Band(nirID)
	if !ok {
		return nil, fmt.Errorf("%w: no NIR band for NDVI", product.ErrAuxMissing)
	}
	nir, err := raster.Resample(nirBand, red.Grid, raster.Bilinear)
	if err != nil {
		return nil, err
	}
	out := raster.New("NDVI", red.Grid)
	for i, r := range red.Data {
		n := nir.Data[i]
		if r == raster.Nodata || n == raster.Nodata || r+n == 0 {
			continue
		}
		v := (n - r) / (n + r)
		if v == 0 {
			v = 1e-6
		}
		out.Data[i] = v
	}
	return out, nil
}
