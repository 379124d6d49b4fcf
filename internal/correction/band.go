package correction

import (
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// transformBand applies fn to every valid pixel of a copy of the band and
// swaps the copy into the context. Results are floored at
// raster.ReflectanceFloor so valid pixels stay valid.
func transformBand(pc *product.Context, id raster.BandID, fn func(i int, v float32) float32) error {
	b, ok := pc.Band(id)
	if !ok {
		return nil
	}
	out := raster.New(b.ID, b.Grid)
	for i, v := range b.Data {
		if v != raster.Nodata {
			out.Data[i] = fn(i, v)
		}
	}
	raster.ClampReflectance(out.Data, raster.ValidityOf(b))
	return pc.ReplaceBand(out)
}
