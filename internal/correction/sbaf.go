package correction

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// oliLikeS2A maps S2A bands onto OLI: rho_OLI = Slope*rho_S2A + Offset
// (HLS guide v1.4).
var oliLikeS2A = map[raster.BandID]Gain{
	"B01": {0.9959, -0.0002},
	"B02": {0.9778, -0.0040},
	"B03": {1.0053, -0.0009},
	"B04": {0.9765, 0.0009},
	"B8A": {0.9983, -0.0001},
	"B11": {0.9987, -0.0011},
	"B12": {1.0030, -0.0012},
}

// landsatToS2 pairs each OLI band with its Sentinel-2 counterpart.
var landsatToS2 = map[raster.BandID]raster.BandID{
	"B01": "B01", "B02": "B02", "B03": "B03", "B04": "B04",
	"B05": "B8A", "B06": "B11", "B07": "B12",
}

// S2Equivalent returns the Sentinel-2 band matching a Landsat band.
func S2Equivalent(id raster.BandID) (raster.BandID, bool) {
	s2, ok := landsatToS2[id]
	return s2, ok
}

// SurfaceClass buckets a scene by mean NDVI for adaptive coefficients.
type SurfaceClass string

const (
	SurfaceSoil       SurfaceClass = "soil"
	SurfaceMixed      SurfaceClass = "mixed"
	SurfaceVegetation SurfaceClass = "vegetation"
)

func classify(meanNDVI float64) SurfaceClass {
	switch {
	case meanNDVI < 0.2:
		return SurfaceSoil
	case meanNDVI < 0.5:
		return SurfaceMixed
	}
	return SurfaceVegetation
}

// adaptiveOLILike refines oliLikeS2A per surface class for bands whose
// spectral response mismatch depends on the scene content.
var adaptiveOLILike = map[SurfaceClass]map[raster.BandID]Gain{
	SurfaceSoil: {
		"B01": {0.9971, -0.0003}, "B02": {0.9801, -0.0037}, "B03": {1.0032, -0.0006},
		"B04": {0.9789, 0.0007}, "B8A": {0.9992, -0.0002}, "B11": {0.9979, -0.0009}, "B12": {1.0018, -0.0010},
	},
	SurfaceMixed: oliLikeS2A,
	SurfaceVegetation: {
		"B01": {0.9948, -0.0001}, "B02": {0.9762, -0.0041}, "B03": {1.0081, -0.0011},
		"B04": {0.9732, 0.0011}, "B8A": {0.9955, 0.0004}, "B11": {1.0006, -0.0013}, "B12": {1.0047, -0.0014},
	},
}

// invert turns an OLI-like gain into the Landsat -> S2 direction.
func invert(g Gain) Gain {
	return Gain{Slope: 1 / g.Slope, Offset: -g.Offset / g.Slope}
}

// SBAFOptions configure spectral band adjustment.
type SBAFOptions struct {
	Adaptive bool
	// Candidates are the Sentinel-2 bands eligible for adaptive
	// coefficients. Empty means all.
	Candidates []raster.BandID
}

// SBAFParams is stored in the sbaf slot.
type SBAFParams struct {
	Adaptive bool
	Class    SurfaceClass
	Gains    map[raster.BandID]Gain
}

// SBAFStage adjusts Landsat reflectance to the Sentinel-2A spectral
// response with a per-band linear transform.
type SBAFStage struct {
	opts  SBAFOptions
	gains map[raster.BandID]Gain
}

func NewSBAFStage(opts SBAFOptions) *SBAFStage { return &SBAFStage{opts: opts} }

func (*SBAFStage) ID() product.StageID { return product.StageSBAF }

func (*SBAFStage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance}
}

func (s *SBAFStage) candidate(id raster.BandID) bool {
	if len(s.opts.Candidates) == 0 {
		return true
	}
	for _, c := range s.opts.Candidates {
		if c == id {
			return true
		}
	}
	return false
}

func (s *SBAFStage) Prepare(_ context.Context, pc *product.Context) error {
	if !pc.Mission.IsLandsat() {
		return fmt.Errorf("%w: SBAF targets Sentinel-2A, %s needs none", product.ErrNotApplicable, pc.Mission)
	}
	params := SBAFParams{Adaptive: s.opts.Adaptive, Gains: make(map[raster.BandID]Gain)}
	if s.opts.Adaptive {
		ndvi, err := computeNDVI(pc)
		if err != nil {
			return err
		}
		values := ndvi.ValidValues()
		if len(values) == 0 {
			return fmt.Errorf("%w: no valid NDVI for adaptive SBAF", product.ErrNotApplicable)
		}
		params.Class = classify(stat.Mean(values, nil))
		diagf("%s: adaptive SBAF class %s", pc, params.Class)
	}

	for _, id := range pc.BandIDs() {
		s2, ok := landsatToS2[id]
		if !ok {
			continue
		}
		g := oliLikeS2A[s2]
		if s.opts.Adaptive && s.candidate(s2) {
			g = adaptiveOLILike[params.Class][s2]
		}
		params.Gains[id] = invert(g)
		pc.SetQI("SBAF_COEFFICIENT_"+string(s2), params.Gains[id].Slope)
		pc.SetQI("SBAF_OFFSET_"+string(s2), params.Gains[id].Offset)
	}
	s.gains = params.Gains
	return pc.SetParams(product.StageSBAF, params)
}

func (s *SBAFStage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	g, ok := s.gains[id]
	if !ok {
		return nil
	}
	return transformBand(pc, id, func(_ int, v float32) float32 {
		return float32(g.Slope*float64(v) + g.Offset)
	})
}

func (*SBAFStage) Finish(context.Context, *product.Context) error { return nil }
