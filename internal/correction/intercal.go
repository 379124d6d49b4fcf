package correction

import (
	"context"
	"fmt"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Gain is a linear radiometric adjustment rho' = Slope*rho + Offset.
type Gain struct {
	Slope  float64 `json:"slope"`
	Offset float64 `json:"offset"`
}

// sentinel2BInterCalibration aligns S2B on S2A for products processed before
// baseline 04.00, which already includes the correction.
var sentinel2BInterCalibration = map[raster.BandID]Gain{
	"B01": {1.011, 0}, "B02": {1.011, 0}, "B03": {1.011, 0}, "B04": {1.011, 0},
	"B05": {1.011, 0}, "B06": {1.011, 0}, "B07": {1.011, 0}, "B08": {1.011, 0},
	"B8A": {1.011, 0},
}

// InterCalibrationParams is stored in the inter-calibration slot.
type InterCalibrationParams struct {
	Gains map[raster.BandID]Gain
}

// InterCalibrationStage applies cross-platform radiometric gains.
type InterCalibrationStage struct {
	gains map[raster.BandID]Gain
}

func NewInterCalibrationStage() *InterCalibrationStage { return &InterCalibrationStage{} }

func (*InterCalibrationStage) ID() product.StageID { return product.StageInterCalibration }

func (*InterCalibrationStage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance}
}

func (s *InterCalibrationStage) Prepare(_ context.Context, pc *product.Context) error {
	if pc.Mission != product.Sentinel2B {
		return fmt.Errorf("%w: no inter-calibration for %s", product.ErrNotApplicable, pc.Mission)
	}
	if pc.Baseline >= 4.0 {
		return fmt.Errorf("%w: baseline %.2f already inter-calibrated", product.ErrNotApplicable, pc.Baseline)
	}
	s.gains = sentinel2BInterCalibration
	return pc.SetParams(product.StageInterCalibration, InterCalibrationParams{Gains: s.gains})
}

func (s *InterCalibrationStage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	g, ok := s.gains[id]
	if !ok {
		return nil
	}
	return transformBand(pc, id, func(_ int, v float32) float32 {
		return float32(g.Slope*float64(v) + g.Offset)
	})
}

func (*InterCalibrationStage) Finish(context.Context, *product.Context) error { return nil }
