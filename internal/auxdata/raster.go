package auxdata

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/raster"
)

// readOptional reads a band, turning raster.ErrNotFound into ok=false.
func readOptional(ctx context.Context, store raster.Reader, location string, id raster.BandID) (*raster.Band, bool, error) {
	b, err := store.ReadBand(ctx, location, id)
	if errors.Is(err, raster.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// DEMProvider serves elevation models stored as <Dir>/<tile>/DEM.
type DEMProvider struct {
	Store   raster.Reader
	Dir     string
	Dataset string
}

func (p *DEMProvider) DEM(ctx context.Context, tile mgrs.Tile) (*raster.Band, string, bool, error) {
	b, ok, err := readOptional(ctx, p.Store, filepath.Join(p.Dir, tile.ID, "DEM"), "DEM")
	if err != nil {
		return nil, "", false, err
	}
	if !ok {
		diagf("no DEM for tile %s under %s", tile.ID, p.Dir)
		return nil, "", false, nil
	}
	if b.Grid.EPSG != tile.EPSG() {
		return nil, "", false, fmt.Errorf("%w: DEM of %s is EPSG:%d, tile is EPSG:%d", raster.ErrCRSMismatch, tile.ID, b.Grid.EPSG, tile.EPSG())
	}
	return b, p.Dataset, true, nil
}

// ReferenceProvider serves registration reference images stored as
// <Dir>/<tile>/<band>.
type ReferenceProvider struct {
	Store raster.Reader
	Dir   string
}

func (p *ReferenceProvider) Reference(ctx context.Context, tile mgrs.Tile, band raster.BandID) (*raster.Band, bool, error) {
	return readOptional(ctx, p.Store, filepath.Join(p.Dir, tile.ID, string(band)), band)
}

// BRDFGridProvider serves VJB kernel grids stored per tile and month as
// <Dir>/<tile>/<MM>/<band>_{V0,V1,R0,R1}. NDVI bounds are shared by every
// grid of the provider.
type BRDFGridProvider struct {
	Store            raster.Reader
	Dir              string
	NDVIMin, NDVIMax float64
}

func (p *BRDFGridProvider) Grids(ctx context.Context, tile mgrs.Tile, at time.Time, band raster.BandID) (correction.VJBGrid, bool, error) {
	base := filepath.Join(p.Dir, tile.ID, fmt.Sprintf("%02d", int(at.Month())))
	var layers [4]*raster.Band
	for i, name := range []string{"V0", "V1", "R0", "R1"} {
		b, ok, err := readOptional(ctx, p.Store, filepath.Join(base, string(band)+"_"+name), raster.BandID(name))
		if err != nil || !ok {
			return correction.VJBGrid{}, false, err
		}
		layers[i] = b
	}
	tracef("VJB grids for %s %s month %02d", tile.ID, band, at.Month())
	return correction.VJBGrid{
		V0: layers[0], V1: layers[1], R0: layers[2], R1: layers[3],
		NDVIMin: p.NDVIMin, NDVIMax: p.NDVIMax,
	}, true, nil
}
