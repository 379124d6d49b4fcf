package fusion

import (
	"fmt"
	"math"
	"sort"

	"github.com/senbox-org/sen2like/internal/raster"
)

// Mode selects how candidates are combined.
type Mode string

const (
	ModePredict   Mode = "predict"
	ModeComposite Mode = "composite"
)

// ParseMode validates a configured mode. The empty string selects predict.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePredict:
		return ModePredict, nil
	case ModeComposite:
		return ModeComposite, nil
	}
	return "", fmt.Errorf("unknown fusion mode %q", s)
}

func sortOldestFirst(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool { return layers[i].At.Before(layers[j].At) })
}

// Composite keeps, per pixel, the value of the most recent layer holding
// data there. Layers must share a grid; their order does not matter.
func Composite(layers []Layer) (*raster.Band, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("composite: no layers")
	}
	ordered := append([]Layer(nil), layers...)
	sortOldestFirst(ordered)
	g := ordered[0].Band.Grid
	out := raster.New(ordered[0].Band.ID, g)
	for _, l := range ordered {
		if l.Band.Grid != g {
			return nil, fmt.Errorf("%w: composite layers differ", raster.ErrGridMismatch)
		}
		for i, v := range l.Band.Data {
			if v != raster.Nodata {
				out.Data[i] = v
			}
		}
	}
	return out, nil
}

// Fuse adds the high-frequency detail of a high resolution prediction to
// the current low resolution band. predHigh and predLow share the output
// grid, predLow being predHigh after a trip through the current band
// resolution. Pixels without a prediction keep the upsampled current value.
func Fuse(current, predHigh, predLow *raster.Band) (*raster.Band, error) {
	if predHigh.Grid != predLow.Grid {
		return nil, fmt.Errorf("%w: prediction layers differ", raster.ErrGridMismatch)
	}
	up, err := raster.Resample(current, predHigh.Grid, raster.Bilinear)
	if err != nil {
		return nil, err
	}
	out := raster.New(current.ID, predHigh.Grid)
	for i, v := range up.Data {
		if v == raster.Nodata {
			continue
		}
		hi, lo := predHigh.Data[i], predLow.Data[i]
		if hi == raster.Nodata || lo == raster.Nodata {
			out.Data[i] = v
			continue
		}
		out.Data[i] = v + (hi - lo)
	}
	raster.ClampReflectance(out.Data, raster.ValidityOf(up))
	return out, nil
}

// LowPass degrades a band to the resolution of coarse and brings it back
// onto its own grid.
func LowPass(b *raster.Band, coarse raster.Grid) (*raster.Band, error) {
	down, err := raster.Resample(b, coarse, raster.Average)
	if err != nil {
		return nil, err
	}
	return raster.Resample(down, b.Grid, raster.Bilinear)
}

// CheckResult summarises an auto-check.
type CheckResult struct {
	Mask      *raster.Mask
	Flagged   int
	Valid     int
	Threshold float64
}

// Fraction is the share of compared pixels that were flagged.
func (r CheckResult) Fraction() float64 {
	if r.Valid == 0 {
		return 0
	}
	return float64(r.Flagged) / float64(r.Valid)
}

// AutoCheck flags pixels where the fused band departs from reference by
// more than threshold. The comparison runs on the reference grid, the fused
// band being averaged onto it. Pixels missing in either input are not
// compared and stay 0 in the mask.
func AutoCheck(fused, reference *raster.Band, threshold float64) (CheckResult, error) {
	f := fused
	if fused.Grid != reference.Grid {
		var err error
		if f, err = raster.Resample(fused, reference.Grid, raster.Average); err != nil {
			return CheckResult{}, err
		}
	}
	res := CheckResult{Mask: raster.NewMask(reference.Grid), Threshold: threshold}
	for i, ref := range reference.Data {
		v := f.Data[i]
		if ref == raster.Nodata || v == raster.Nodata {
			continue
		}
		res.Valid++
		if math.Abs(float64(v)-float64(ref)) > threshold {
			res.Mask.Data[i] = 1
			res.Flagged++
		}
	}
	return res, nil
}
