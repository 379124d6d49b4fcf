package geometry

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Assessment is stored in the geometric-assessment parameter slot.
type Assessment struct {
	Bands map[raster.BandID]Statistics
}

// AssessmentOptions configure the geometric-assessment stage.
type AssessmentOptions struct {
	// Bands to assess; defaults to B04.
	Bands    []raster.BandID
	MaxShift float64
	Match    MatchOptions
	FS       fsutil.FileSystem
}

// AssessmentStage measures residual misregistration per band after
// registration. It never modifies the bands.
type AssessmentStage struct {
	opts   AssessmentOptions
	source ReferenceSource

	mu      sync.Mutex
	results map[raster.BandID]Statistics
}

func NewAssessmentStage(source ReferenceSource, opts AssessmentOptions) *AssessmentStage {
	if len(opts.Bands) == 0 {
		opts.Bands = []raster.BandID{"B04"}
	}
	if opts.MaxShift == 0 {
		opts.MaxShift = 20
	}
	if opts.Match.Window == 0 {
		opts.Match = DefaultMatchOptions()
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	return &AssessmentStage{opts: opts, source: source, results: make(map[raster.BandID]Statistics)}
}

func (s *AssessmentStage) ID() product.StageID { return product.StageGeometricAssessment }

func (s *AssessmentStage) DependsOn() []product.StageID { return nil }

func (s *AssessmentStage) Prepare(ctx context.Context, pc *product.Context) error {
	if s.source == nil {
		return fmt.Errorf("%w: no reference image source", product.ErrAuxMissing)
	}
	_, ok, err := s.source.Reference(ctx, pc.Tile, s.opts.Bands[0])
	if err != nil {
		return fmt.Errorf("%w: reference image: %v", product.ErrFatalIO, err)
	}
	if !ok {
		return fmt.Errorf("%w: no reference image for tile %s", product.ErrAuxMissing, pc.Tile.ID)
	}
	return nil
}

func (s *AssessmentStage) wants(id raster.BandID) bool {
	for _, b := range s.opts.Bands {
		if b == id {
			return true
		}
	}
	return false
}

func (s *AssessmentStage) ProcessBand(ctx context.Context, pc *product.Context, id raster.BandID) error {
	if !s.wants(id) {
		return nil
	}
	work, ok := pc.Band(id)
	if !ok {
		return nil
	}
	ref, ok, err := s.source.Reference(ctx, pc.Tile, id)
	if err != nil || !ok {
		opsf("%s: no reference for band %s, not assessed", pc, id)
		return nil
	}
	ref, err = raster.Resample(ref, work.Grid, raster.Bilinear)
	if err != nil {
		return nil
	}
	points, err := Match(ref, work, s.opts.Match)
	if err != nil {
		return err
	}
	stats := Summarize(RejectOutliers(points, s.opts.MaxShift*work.Grid.Res))

	s.mu.Lock()
	s.results[id] = stats
	s.mu.Unlock()
	return nil
}

func (s *AssessmentStage) Finish(_ context.Context, pc *product.Context) error {
	s.mu.Lock()
	results := make(map[raster.BandID]Statistics, len(s.results))
	for k, v := range s.results {
		results[k] = v
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(results))
	for id, st := range results {
		ids = append(ids, string(id))
		pc.SetQI(fmt.Sprintf("GEOMETRY_RMSE_X_%s", id), st.X.RMSE)
		pc.SetQI(fmt.Sprintf("GEOMETRY_RMSE_Y_%s", id), st.Y.RMSE)
	}
	sort.Strings(ids)
	if err := pc.SetParams(product.StageGeometricAssessment, Assessment{Bands: results}); err != nil {
		return err
	}

	dir := pc.WorkDir()
	if dir == "" || len(ids) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, id := range ids {
		st := results[raster.BandID(id)]
		fmt.Fprintf(&buf, "%s: points=%d mean_x=%.3f mean_y=%.3f std_x=%.3f std_y=%.3f rmse_x=%.3f rmse_y=%.3f\n",
			id, st.Count, st.X.Mean, st.Y.Mean, st.X.Std, st.Y.Std, st.X.RMSE, st.Y.RMSE)
	}
	if err := s.opts.FS.WriteFile(filepath.Join(dir, "correl_res.txt"), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: writing correl_res.txt: %v", product.ErrFatalIO, err)
	}
	return nil
}
