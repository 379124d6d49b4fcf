package geometry

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// ReferenceSource supplies the reference image a product is registered
// against. ok is false when no reference exists for the tile.
type ReferenceSource interface {
	Reference(ctx context.Context, tile mgrs.Tile, band raster.BandID) (ref *raster.Band, ok bool, err error)
}

// Displacement is stored in the registration parameter slot.
type Displacement struct {
	DX, DY    float64 // projected units applied to every band
	Valid     bool    // false when quality checks failed
	Stats     Statistics
	TiePoints []TiePoint
}

// RegistrationOptions configure the registration stage.
type RegistrationOptions struct {
	ReferenceBand raster.BandID
	// Force re-registers products whose geometry the provider already
	// refined.
	Force bool
	// Apply shifts the bands; when false the displacement is only measured.
	Apply     bool
	MinPoints int
	// MaxResidual bounds the residual RMSE per axis once the mean
	// displacement is removed, in pixels of the reference band.
	MaxResidual float64
	// MaxShift bounds the outlier rejection window, in pixels.
	MaxShift float64
	Match    MatchOptions
	FS       fsutil.FileSystem
}

func (o RegistrationOptions) withDefaults() RegistrationOptions {
	if o.ReferenceBand == "" {
		o.ReferenceBand = "B04"
	}
	if o.MinPoints == 0 {
		o.MinPoints = 10
	}
	if o.MaxResidual == 0 {
		o.MaxResidual = 3
	}
	if o.MaxShift == 0 {
		o.MaxShift = 20
	}
	if o.Match.Window == 0 {
		o.Match = DefaultMatchOptions()
	}
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	return o
}

// RegistrationStage estimates a single translation between the product and
// the reference image and applies it to every band.
type RegistrationStage struct {
	opts   RegistrationOptions
	source ReferenceSource
	disp   Displacement
}

func NewRegistrationStage(source ReferenceSource, opts RegistrationOptions) *RegistrationStage {
	return &RegistrationStage{opts: opts.withDefaults(), source: source}
}

func (s *RegistrationStage) ID() product.StageID { return product.StageRegistration }

func (s *RegistrationStage) DependsOn() []product.StageID { return nil }

func (s *RegistrationStage) Prepare(ctx context.Context, pc *product.Context) error {
	if pc.Refined && !s.opts.Force {
		return fmt.Errorf("%w: %s geometry already refined by provider", product.ErrNotApplicable, pc.Name)
	}
	if s.source == nil {
		return fmt.Errorf("%w: no reference image source", product.ErrAuxMissing)
	}
	work, ok := pc.Band(s.opts.ReferenceBand)
	if !ok {
		return fmt.Errorf("%w: %s has no reference band %s", product.ErrNotApplicable, pc.Name, s.opts.ReferenceBand)
	}
	ref, ok, err := s.source.Reference(ctx, pc.Tile, s.opts.ReferenceBand)
	if err != nil {
		return fmt.Errorf("%w: reference image: %v", product.ErrFatalIO, err)
	}
	if !ok {
		return fmt.Errorf("%w: no reference image for tile %s", product.ErrAuxMissing, pc.Tile.ID)
	}
	ref, err = raster.Resample(ref, work.Grid, raster.Bilinear)
	if err != nil {
		return fmt.Errorf("%w: reference image: %v", product.ErrAuxMissing, err)
	}

	points, err := Match(ref, work, s.opts.Match)
	if err != nil {
		return err
	}
	res := work.Grid.Res
	kept := RejectOutliers(points, s.opts.MaxShift*res)
	stats := Summarize(kept)
	s.disp = Displacement{DX: stats.X.Mean, DY: stats.Y.Mean, Stats: stats, TiePoints: kept}

	pc.SetQI("INPUT_RMSE_X", stats.X.RMSE)
	pc.SetQI("INPUT_RMSE_Y", stats.Y.RMSE)
	pc.SetQI("NB_OF_POINTS", stats.Count)
	if err := s.writeTiePoints(pc, kept); err != nil {
		return err
	}

	quality := checkQuality(stats, s.opts.MinPoints, s.opts.MaxResidual*res)
	s.disp.Valid = quality == nil
	if !s.disp.Valid {
		s.disp.DX, s.disp.DY = 0, 0
		pc.SetQI("REGISTRATION_QUALITY", "FAILED")
	} else {
		pc.SetQI("REGISTRATION_QUALITY", "PASSED")
		diagf("%s: displacement dx=%.2f dy=%.2f m from %d points", pc, s.disp.DX, s.disp.DY, stats.Count)
	}
	if err := pc.SetParams(product.StageRegistration, s.disp); err != nil {
		return err
	}
	return quality
}

// checkQuality rejects a displacement measured on too few points or whose
// residuals around the mean exceed maxResidual, in projected units. A large
// but consistent shift passes.
func checkQuality(stats Statistics, minPoints int, maxResidual float64) error {
	switch {
	case stats.Count < minPoints:
		return fmt.Errorf("%w: %d tie points, need %d", product.ErrRegistrationQuality, stats.Count, minPoints)
	case stats.X.Residual > maxResidual || stats.Y.Residual > maxResidual:
		return fmt.Errorf("%w: residual RMSE %.1f/%.1f m, limit %.1f m",
			product.ErrRegistrationQuality, stats.X.Residual, stats.Y.Residual, maxResidual)
	}
	return nil
}

func (s *RegistrationStage) ProcessBand(ctx context.Context, pc *product.Context, id raster.BandID) error {
	if !s.opts.Apply || !s.disp.Valid {
		return nil
	}
	b, ok := pc.Band(id)
	if !ok {
		return nil
	}
	shifted, err := raster.Shift(b, s.disp.DX, s.disp.DY)
	if err != nil {
		return err
	}
	return pc.ReplaceBand(shifted)
}

func (s *RegistrationStage) Finish(context.Context, *product.Context) error { return nil }

// writeTiePoints writes KLT.csv (x0;y0;dx;dy) into the product working
// directory when one is attached.
func (s *RegistrationStage) writeTiePoints(pc *product.Context, points []TiePoint) error {
	dir := pc.WorkDir()
	if dir == "" {
		return nil
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = ';'
	_ = w.Write([]string{"x0", "y0", "dx", "dy"})
	for _, p := range points {
		_ = w.Write([]string{ff(p.X0), ff(p.Y0), ff(p.DX), ff(p.DY)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := s.opts.FS.WriteFile(filepath.Join(dir, "KLT.csv"), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: writing KLT.csv: %v", product.ErrFatalIO, err)
	}
	return nil
}

func ff(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
