package fusion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// CandidateSource returns previously harmonized Sentinel-2 products of a
// tile acquired no later than until, most recent first, at most limit of
// them. Bands carry Sentinel-2 identifiers at their native resolution.
// Products that cannot be read are not returned; an error means the source
// itself failed.
type CandidateSource interface {
	FusionCandidates(ctx context.Context, tile mgrs.Tile, until time.Time, limit int) ([]*product.Context, error)
}

// Options configure the fusion stage.
type Options struct {
	Mode Mode
	// PredictNbProducts is both the candidate count and the minimum needed
	// by predict mode.
	PredictNbProducts int
	// FallbackToComposite switches to composite mode when predict mode
	// lacks candidates instead of skipping the stage.
	FallbackToComposite bool
	Predictor           Predictor
	// AutoCheckBand is the Landsat band compared against its pre-fusion
	// value. Empty disables the check.
	AutoCheckBand      raster.BandID
	AutoCheckThreshold float64
}

// DefaultOptions match the historical processing configuration.
func DefaultOptions() Options {
	return Options{
		Mode:                ModePredict,
		PredictNbProducts:   2,
		FallbackToComposite: true,
		Predictor:           LinearTemporalPredictor{},
		AutoCheckBand:       "B04",
		AutoCheckThreshold:  0.1,
	}
}

// Params is stored in the fusion slot.
type Params struct {
	Mode       Mode
	Predictor  string
	Candidates []string
	Bands      []raster.BandID
	AutoCheck  *CheckSummary
}

// CheckSummary is the persisted form of the auto-check outcome.
type CheckSummary struct {
	Band      raster.BandID
	Threshold float64
	Flagged   int
	Valid     int
	Fraction  float64
}

type candidate struct {
	name  string
	at    time.Time
	bands map[raster.BandID]*raster.Band
}

// Stage sharpens Landsat bands with the spatial detail of recent
// Sentinel-2 products of the same tile.
type Stage struct {
	source CandidateSource
	opts   Options

	mode       Mode
	candidates []candidate

	mu    sync.Mutex
	fused []raster.BandID
	check *CheckSummary
}

func NewStage(source CandidateSource, opts Options) *Stage {
	def := DefaultOptions()
	if opts.Mode == "" {
		opts.Mode = def.Mode
	}
	if opts.PredictNbProducts <= 0 {
		opts.PredictNbProducts = def.PredictNbProducts
	}
	if opts.Predictor == nil {
		opts.Predictor = def.Predictor
	}
	return &Stage{source: source, opts: opts}
}

func (*Stage) ID() product.StageID { return product.StageFusion }

func (*Stage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance}
}

func (s *Stage) Prepare(ctx context.Context, pc *product.Context) error {
	if !pc.Mission.IsLandsat() {
		return fmt.Errorf("%w: fusion sharpens Landsat only", product.ErrNotApplicable)
	}
	if s.source == nil {
		return fmt.Errorf("%w: no fusion candidate source", product.ErrAuxMissing)
	}
	found, err := s.source.FusionCandidates(ctx, pc.Tile, pc.AcquiredAt, s.opts.PredictNbProducts)
	if err != nil {
		return fmt.Errorf("%w: fusion candidates: %v", product.ErrFatalIO, err)
	}
	for _, c := range found {
		if c.AcquiredAt.After(pc.AcquiredAt) || !c.Mission.IsSentinel2() {
			continue
		}
		cand := candidate{name: c.Name, at: c.AcquiredAt, bands: make(map[raster.BandID]*raster.Band)}
		mask := c.ValidMask()
		for _, id := range c.BandIDs() {
			b, _ := c.Band(id)
			if mask != nil {
				b, err = masked(b, mask)
				if err != nil {
					return fmt.Errorf("%w: candidate %s: %v", product.ErrCorruptInput, c.Name, err)
				}
			}
			cand.bands[id] = b
		}
		s.candidates = append(s.candidates, cand)
	}
	sort.SliceStable(s.candidates, func(i, j int) bool { return s.candidates[i].at.After(s.candidates[j].at) })
	if len(s.candidates) > s.opts.PredictNbProducts {
		s.candidates = s.candidates[:s.opts.PredictNbProducts]
	}

	s.mode = s.opts.Mode
	switch {
	case len(s.candidates) == 0:
		return fmt.Errorf("%w: no Sentinel-2 product of %s before %s", product.ErrInsufficientCandidates,
			pc.Tile.ID, pc.AcquiredAt.Format(time.DateOnly))
	case s.mode == ModePredict && len(s.candidates) < s.opts.PredictNbProducts:
		if !s.opts.FallbackToComposite {
			return fmt.Errorf("%w: predict needs %d products, found %d", product.ErrInsufficientCandidates,
				s.opts.PredictNbProducts, len(s.candidates))
		}
		opsf("%s: only %d candidate(s), falling back to composite", pc, len(s.candidates))
		s.mode = ModeComposite
	}
	for _, c := range s.candidates {
		diagf("%s: fusion candidate %s (%s)", pc, c.name, c.at.Format(time.DateOnly))
	}
	pc.SetQI("PREDICTED_METHOD", string(s.mode))
	pc.SetQI("FUSION_AUTO_CHECK_THRESHOLD", s.opts.AutoCheckThreshold)
	return nil
}

// masked returns a copy of b with Nodata where the mask is zero.
func masked(b *raster.Band, m *raster.Mask) (*raster.Band, error) {
	keep := m
	if m.Grid != b.Grid {
		r, err := raster.Resample(m.AsBand("MASK"), b.Grid, raster.Nearest)
		if err != nil {
			return nil, err
		}
		keep = raster.MaskFromBand(r)
	}
	out := b.Clone()
	if err := raster.ApplyMask(out, keep); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Stage) ProcessBand(_ context.Context, pc *product.Context, id raster.BandID) error {
	if id == "B01" {
		tracef("%s: B01 is not fused", pc)
		return nil
	}
	s2, ok := correction.S2Equivalent(id)
	if !ok {
		return nil
	}
	current, ok := pc.Band(id)
	if !ok {
		return nil
	}

	var high, low []Layer
	for _, c := range s.candidates {
		b, ok := c.bands[s2]
		if !ok {
			continue
		}
		if len(high) > 0 && b.Grid != high[0].Band.Grid {
			r, err := raster.Resample(b, high[0].Band.Grid, raster.Nearest)
			if err != nil {
				return fmt.Errorf("%w: candidate %s: %v", product.ErrCorruptInput, c.name, err)
			}
			b = r
		}
		lp, err := LowPass(b, current.Grid)
		if err != nil {
			return fmt.Errorf("%w: candidate %s: %v", product.ErrCorruptInput, c.name, err)
		}
		high = append(high, Layer{At: c.at, Band: b})
		low = append(low, Layer{At: c.at, Band: lp})
	}
	if len(high) == 0 {
		tracef("%s: no candidate carries %s, %s left as is", pc, s2, id)
		return nil
	}

	predHigh, predLow, err := s.predict(high, low, pc.AcquiredAt)
	if err != nil {
		return err
	}
	fused, err := Fuse(current, predHigh, predLow)
	if err != nil {
		return fmt.Errorf("%w: fusing %s: %v", product.ErrCorruptInput, id, err)
	}
	if vm := pc.ValidMask(); vm != nil {
		if fused, err = masked(fused, vm); err != nil {
			return fmt.Errorf("%w: %v", product.ErrCorruptInput, err)
		}
	}

	if id == s.opts.AutoCheckBand {
		res, err := AutoCheck(fused, current, s.opts.AutoCheckThreshold)
		if err != nil {
			return fmt.Errorf("%w: auto-check: %v", product.ErrCorruptInput, err)
		}
		pc.SetFusionMask(res.Mask)
		s.mu.Lock()
		s.check = &CheckSummary{
			Band:      id,
			Threshold: res.Threshold,
			Flagged:   res.Flagged,
			Valid:     res.Valid,
			Fraction:  res.Fraction(),
		}
		s.mu.Unlock()
		diagf("%s: auto-check on %s flagged %.2f%% of %d pixels", pc, id, 100*res.Fraction(), res.Valid)
	}

	if err := pc.ReplaceBand(fused); err != nil {
		return err
	}
	s.mu.Lock()
	s.fused = append(s.fused, id)
	s.mu.Unlock()
	return nil
}

func (s *Stage) predict(high, low []Layer, at time.Time) (*raster.Band, *raster.Band, error) {
	if s.mode == ModeComposite {
		hi, err := Composite(high)
		if err != nil {
			return nil, nil, err
		}
		lo, err := Composite(low)
		return hi, lo, err
	}
	hi, err := Predict(s.opts.Predictor, high, at)
	if err != nil {
		return nil, nil, err
	}
	lo, err := Predict(s.opts.Predictor, low, at)
	return hi, lo, err
}

func (s *Stage) Finish(_ context.Context, pc *product.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := Params{
		Mode:      s.mode,
		Predictor: s.opts.Predictor.Name(),
		AutoCheck: s.check,
	}
	for _, c := range s.candidates {
		params.Candidates = append(params.Candidates, c.name)
	}
	params.Bands = append(params.Bands, s.fused...)
	sort.Slice(params.Bands, func(i, j int) bool { return params.Bands[i] < params.Bands[j] })
	if s.check != nil {
		pc.SetQI("FUSION_AUTO_CHECK_FLAGGED_FRACTION", s.check.Fraction)
	}
	// candidate buffers are not needed once the product is fused
	s.candidates = nil
	return pc.SetParams(product.StageFusion, params)
}
