package correction

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// DEMSource supplies an elevation model covering a tile. dataset names the
// DEM for quality reporting.
type DEMSource interface {
	DEM(ctx context.Context, tile mgrs.Tile) (dem *raster.Band, dataset string, ok bool, err error)
}

// TopographicOptions configure the topographic stage.
type TopographicOptions struct {
	// Limiter is the maximum correction factor. Factors are clamped to
	// [0, Limiter].
	Limiter float64
	// UseValidMask leaves pixels outside the validity mask uncorrected.
	UseValidMask bool
}

// TopographicParams is stored in the topographic slot. Statistics are taken
// at the finest corrected resolution.
type TopographicParams struct {
	Dataset    string
	Resolution float64
	Factor     raster.Stats
}

// TopographicStage rescales reflectance by cos(sza)/illumination, where
// illumination comes from a hillshade of the DEM at the scene sun position.
type TopographicStage struct {
	dem  DEMSource
	opts TopographicOptions

	dataset   string
	hillshade *raster.Band

	mu    sync.Mutex
	stats *TopographicParams
}

func NewTopographicStage(dem DEMSource, opts TopographicOptions) *TopographicStage {
	if opts.Limiter <= 0 {
		opts.Limiter = 4
	}
	return &TopographicStage{dem: dem, opts: opts}
}

func (*TopographicStage) ID() product.StageID { return product.StageTopographic }

func (*TopographicStage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance}
}

func (s *TopographicStage) Prepare(ctx context.Context, pc *product.Context) error {
	if s.dem == nil {
		return fmt.Errorf("%w: no DEM source", product.ErrAuxMissing)
	}
	dem, dataset, ok, err := s.dem.DEM(ctx, pc.Tile)
	if err != nil {
		return fmt.Errorf("%w: DEM: %v", product.ErrFatalIO, err)
	}
	if !ok {
		return fmt.Errorf("%w: no DEM for tile %s", product.ErrAuxMissing, pc.Tile.ID)
	}
	s.dataset = dataset
	s.hillshade = Hillshade(dem, pc.Geometry.SunAzimuth, 90-pc.Geometry.SunZenith)
	diagf("%s: hillshade az=%.2f alt=%.2f from %s", pc, pc.Geometry.SunAzimuth, 90-pc.Geometry.SunZenith, dataset)
	return nil
}

func (s *TopographicStage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	b, ok := pc.Band(id)
	if !ok {
		return nil
	}
	hs, err := resampleContinuous(s.hillshade, b.Grid)
	if err != nil {
		return err
	}
	var keep *raster.Mask
	if s.opts.UseValidMask {
		if vm := pc.ValidMask(); vm != nil {
			mb, err := raster.Resample(vm.AsBand("MASK"), b.Grid, raster.Nearest)
			if err != nil {
				return err
			}
			keep = raster.MaskFromBand(mb)
		}
	}

	cosSZA := math.Cos(pc.Geometry.SunZenith * math.Pi / 180)
	factors := make([]float64, 0, len(b.Data))
	err = transformBand(pc, id, func(i int, v float32) float32 {
		if (keep != nil && keep.Data[i] == 0) || math.IsNaN(float64(hs[i])) {
			return v
		}
		f := ClampFactor(cosSZA*255/float64(hs[i]), s.opts.Limiter)
		factors = append(factors, f)
		return float32(f * float64(v))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stats == nil || b.Grid.Res < s.stats.Resolution {
		s.stats = &TopographicParams{Dataset: s.dataset, Resolution: b.Grid.Res, Factor: raster.Summarize(factors)}
	}
	s.mu.Unlock()
	return nil
}

func (s *TopographicStage) Finish(_ context.Context, pc *product.Context) error {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	pc.SetQI("DEM_DATASET", st.Dataset)
	pc.SetQI("MIN_TOPOGRAPHIC_CORRECTION_FACTOR", st.Factor.Min)
	pc.SetQI("MAX_TOPOGRAPHIC_CORRECTION_FACTOR", st.Factor.Max)
	pc.SetQI("AVERAGE_TOPOGRAPHIC_CORRECTION_FACTOR", st.Factor.Mean)
	pc.SetQI("STD_TOPOGRAPHIC_CORRECTION_FACTOR", st.Factor.Std)
	return pc.SetParams(product.StageTopographic, *st)
}

// ClampFactor bounds a correction factor to [0, limiter]. Non-finite
// factors (flat shadow) map to the limiter.
func ClampFactor(f, limiter float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 1) {
		return limiter
	}
	return math.Max(0, math.Min(limiter, f))
}

// Hillshade computes a 0-255 shaded relief from a DEM using Horn's slope
// and aspect, for a sun at azimuth and altitude in degrees. Edges reuse the
// nearest interior neighbour. Elevation values are all treated as data.
func Hillshade(dem *raster.Band, azimuth, altitude float64) *raster.Band {
	g := dem.Grid
	out := raster.New("HILLSHADE", g)
	rad := math.Pi / 180
	zen := (90 - altitude) * rad
	azMath := math.Mod(360-azimuth+90, 360) * rad
	at := func(r, c int) float64 {
		r = clamp(r, g.Height)
		c = clamp(c, g.Width)
		return float64(dem.At(r, c))
	}
	for r := 0; r < g.Height; r++ {
		for c := 0; c < g.Width; c++ {
			a, b, cc := at(r-1, c-1), at(r-1, c), at(r-1, c+1)
			d, f := at(r, c-1), at(r, c+1)
			gg, h, i := at(r+1, c-1), at(r+1, c), at(r+1, c+1)
			dzdx := ((cc + 2*f + i) - (a + 2*d + gg)) / (8 * g.Res)
			dzdy := ((gg + 2*h + i) - (a + 2*b + cc)) / (8 * g.Res)
			slope := math.Atan(math.Hypot(dzdx, dzdy))
			aspect := math.Atan2(dzdy, -dzdx)
			v := 255 * (math.Cos(zen)*math.Cos(slope) + math.Sin(zen)*math.Sin(slope)*math.Cos(azMath-aspect))
			out.Data[r*g.Width+c] = float32(math.Max(0, v))
		}
	}
	return out
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// resampleContinuous resamples a field where zero is a legitimate value,
// returning a plain slice on the target grid. Pixels outside src are NaN.
func resampleContinuous(src *raster.Band, target raster.Grid) ([]float32, error) {
	// shift by one so zero survives the Nodata-aware resampler
	lifted := src.Clone()
	for i := range lifted.Data {
		lifted.Data[i]++
	}
	r, err := raster.Resample(lifted, target, raster.Bilinear)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(r.Data))
	for i, v := range r.Data {
		if v == raster.Nodata {
			out[i] = float32(math.NaN())
			continue
		}
		out[i] = v - 1
	}
	return out, nil
}
