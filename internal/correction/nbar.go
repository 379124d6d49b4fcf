package correction

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// CoefficientSource supplies BRDF kernel weights.
type CoefficientSource interface {
	Name() string
	// HotSpot selects the hot-spot corrected volumetric kernel.
	HotSpot() bool
	Prepare(ctx context.Context, pc *product.Context) error
	// ForBand returns per-pixel weights on grid g, or false when the band
	// is not corrected.
	ForBand(id raster.BandID, g raster.Grid) (func(i int) Kernels, bool, error)
}

// royBands holds the global Roy et al. coefficients keyed by spectral role.
var royBands = map[string]Kernels{
	"blue":  {0.0774, 0.0079, 0.0372},
	"green": {0.1306, 0.0178, 0.0580},
	"red":   {0.1690, 0.0227, 0.0574},
	"nir":   {0.3093, 0.0330, 0.1535},
	"swir1": {0.3430, 0.0453, 0.1154},
	"swir2": {0.2658, 0.0387, 0.0639},
}

var landsatRoles = map[raster.BandID]string{
	"B02": "blue", "B03": "green", "B04": "red", "B05": "nir", "B06": "swir1", "B07": "swir2",
}

var sentinel2Roles = map[raster.BandID]string{
	"B02": "blue", "B03": "green", "B04": "red", "B08": "nir", "B8A": "nir", "B11": "swir1", "B12": "swir2",
}

// RoyCoefficients applies fixed global coefficients.
type RoyCoefficients struct {
	mission product.Mission
}

func (*RoyCoefficients) Name() string { return "ROY" }

func (*RoyCoefficients) HotSpot() bool { return false }

func (r *RoyCoefficients) Prepare(_ context.Context, pc *product.Context) error {
	r.mission = pc.Mission
	return nil
}

func (r *RoyCoefficients) ForBand(id raster.BandID, _ raster.Grid) (func(int) Kernels, bool, error) {
	roles := sentinel2Roles
	if r.mission.IsLandsat() {
		roles = landsatRoles
	}
	role, ok := roles[id]
	if !ok {
		return nil, false, nil
	}
	k := royBands[role]
	return func(int) Kernels { return k }, true, nil
}

// NBARParams is stored in the nbar slot.
type NBARParams struct {
	Method           string
	NormSunZenith    float64
	MeanDeltaAzimuth float64
}

// NBARStage normalises reflectance to nadir view and a latitude-dependent
// solar zenith angle.
type NBARStage struct {
	source CoefficientSource
	params NBARParams
	angles *product.AngleGrids
}

func NewNBARStage(source CoefficientSource) *NBARStage {
	if source == nil {
		source = &RoyCoefficients{}
	}
	return &NBARStage{source: source}
}

func (*NBARStage) ID() product.StageID { return product.StageNBAR }

func (*NBARStage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance, product.StageAtmospheric}
}

func (s *NBARStage) Prepare(ctx context.Context, pc *product.Context) error {
	a := pc.Geometry.Angles
	if a == nil || a.SunZenith == nil || a.SunAzimuth == nil || a.ViewZenith == nil || a.ViewAzimuth == nil {
		return fmt.Errorf("%w: %s has no angle grids", product.ErrAuxMissing, pc.Name)
	}
	if err := s.source.Prepare(ctx, pc); err != nil {
		return err
	}
	s.angles = a

	var deltas []float64
	for i, saa := range a.SunAzimuth.Data {
		vaa := a.ViewAzimuth.Data[i]
		if saa == raster.Nodata || vaa == raster.Nodata {
			continue
		}
		deltas = append(deltas, float64(saa-vaa))
	}
	mean := 0.0
	if len(deltas) > 0 {
		mean = stat.Mean(deltas, nil)
	}
	s.params = NBARParams{
		Method:           s.source.Name(),
		NormSunZenith:    normalisationSunZenith(pc.Geometry.Center.Lat),
		MeanDeltaAzimuth: mean,
	}
	pc.SetQI("BRDF_METHOD", s.params.Method)
	pc.SetQI("CONSTANT_SOLAR_ZENITH_ANGLE", s.params.NormSunZenith)
	pc.SetQI("MEAN_DELTA_AZIMUTH", s.params.MeanDeltaAzimuth)
	return pc.SetParams(product.StageNBAR, s.params)
}

func (s *NBARStage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	b, ok := pc.Band(id)
	if !ok {
		return nil
	}
	weights, ok, err := s.source.ForBand(id, b.Grid)
	if err != nil || !ok {
		return err
	}
	sza, err := raster.Resample(s.angles.SunZenith, b.Grid, raster.Bilinear)
	if err != nil {
		return err
	}
	saa, _ := raster.Resample(s.angles.SunAzimuth, b.Grid, raster.Bilinear)
	vza, _ := raster.Resample(s.angles.ViewZenith, b.Grid, raster.Bilinear)
	vaa, _ := raster.Resample(s.angles.ViewAzimuth, b.Grid, raster.Bilinear)

	rad := math.Pi / 180
	normS := s.params.NormSunZenith * rad
	hot := s.source.HotSpot()
	kgeoN := liSparse(normS, 0, 0)
	kvolN := rossThick(normS, 0, 0, hot)

	return transformBand(pc, id, func(i int, v float32) float32 {
		if v <= 0 {
			return raster.Nodata
		}
		ts, tv := float64(sza.Data[i])*rad, float64(vza.Data[i])*rad
		phi := float64(saa.Data[i]-vaa.Data[i]) * rad
		k := weights(i)
		obs := k.reflectance(liSparse(ts, tv, phi), rossThick(ts, tv, phi, hot))
		if obs <= 0 {
			return v
		}
		c := k.reflectance(kgeoN, kvolN) / obs
		out := float64(v) * c
		lo, hi := 0.8*float64(v), 1.2*float64(v)
		return float32(math.Max(lo, math.Min(hi, out)))
	})
}

func (*NBARStage) Finish(context.Context, *product.Context) error { return nil }
