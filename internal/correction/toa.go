package correction

import (
	"context"
	"fmt"
	"math"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// ReflectanceStage converts digital numbers to reflectance. Landsat L1 uses
// the rescaling gain/offset corrected for sun elevation; Landsat L2 surface
// reflectance skips the sun term; Sentinel-2 divides by the quantification
// value after adding the band offset.
type ReflectanceStage struct{}

func NewReflectanceStage() *ReflectanceStage { return &ReflectanceStage{} }

func (*ReflectanceStage) ID() product.StageID { return product.StageReflectance }

func (*ReflectanceStage) DependsOn() []product.StageID { return nil }

func (*ReflectanceStage) Prepare(_ context.Context, pc *product.Context) error {
	if pc.Mission.IsSentinel2() && pc.Radiometry.Quantification <= 0 {
		return fmt.Errorf("%w: %s has no quantification value", product.ErrCorruptInput, pc.Name)
	}
	if pc.Mission.IsLandsat() && pc.Level != "L2" {
		if elev := 90 - pc.Geometry.SunZenith; elev <= 0 {
			return fmt.Errorf("%w: %s sun elevation %.2f", product.ErrCorruptInput, pc.Name, elev)
		}
	}
	pc.SetQI("REFLECTANCE_QUANTIFICATION_VALUE", pc.Radiometry.Quantification)
	return nil
}

func (*ReflectanceStage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	r := pc.Radiometry
	if pc.Mission.IsSentinel2() {
		off := r.AddOffsets[id]
		q := float32(r.Quantification)
		return transformBand(pc, id, func(_ int, dn float32) float32 {
			return (dn + float32(off)) / q
		})
	}

	gain, ok := r.Gains[id]
	if !ok {
		return fmt.Errorf("%w: no rescaling gain for %s band %s", product.ErrCorruptInput, pc.Name, id)
	}
	offset := r.Offsets[id]
	sinElev := 1.0
	if pc.Level != "L2" {
		sinElev = math.Sin((90 - pc.Geometry.SunZenith) * math.Pi / 180)
	}
	return transformBand(pc, id, func(_ int, dn float32) float32 {
		return float32((float64(dn)*gain + offset) / sinElev)
	})
}

func (*ReflectanceStage) Finish(context.Context, *product.Context) error { return nil }
