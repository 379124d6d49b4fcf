package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/security"
	"github.com/senbox-org/sen2like/internal/timeutil"
)

// Orchestrator runs the registered stages over every product of a run.
type Orchestrator struct {
	registry *Registry
	opts     Options
	clock    timeutil.Clock
}

func New(registry *Registry, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BandWorkers <= 0 {
		opts.BandWorkers = 1
	}
	return &Orchestrator{registry: registry, opts: opts, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for timestamps and stage durations.
func (o *Orchestrator) SetClock(c timeutil.Clock) { o.clock = c }

// Run processes every tile of the supplier. Tiles are independent: a
// failure in one never stops the others. The returned error is only set
// when ctx ends the run early; product failures are reported through
// RunResult.Err.
func (o *Orchestrator) Run(ctx context.Context, supplier Supplier) (*RunResult, error) {
	tiles := supplier.Tiles()
	id := o.opts.RunID
	if id == "" {
		id = uuid.New().String()
	}
	res := &RunResult{
		ID:        id,
		StartedAt: o.clock.Now(),
		Tiles:     make([]TileResult, len(tiles)),
	}
	opsf("run %s: %d tiles, %d workers", res.ID, len(tiles), o.opts.Workers)

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, tile := range tiles {
		g.Go(func() error {
			res.Tiles[i] = o.runTile(ctx, supplier, tile)
			return nil
		})
	}
	_ = g.Wait()
	res.FinishedAt = o.clock.Now()

	n, failed := res.Counts()
	opsf("run %s: %d products, %d failed", res.ID, n, failed)
	return res, ctx.Err()
}

func (o *Orchestrator) runTile(ctx context.Context, supplier Supplier, tile mgrs.Tile) TileResult {
	tr := TileResult{Tile: tile.ID}
	cands, err := supplier.Candidates(ctx, tile)
	if err != nil {
		tr.Err = &ProductError{Tile: tile.ID, Step: "list", Err: err}
		opsf("%s: listing products: %v", tile.ID, err)
		return tr
	}
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !a.AcquiredAt().Equal(b.AcquiredAt()) {
			return a.AcquiredAt().Before(b.AcquiredAt())
		}
		return a.Name() < b.Name()
	})
	diagf("%s: %d products", tile.ID, len(cands))

	for _, c := range cands {
		tr.Products = append(tr.Products, o.RunProduct(ctx, tile, c))
	}
	return tr
}

// RunProduct opens one candidate and runs it through every stage.
func (o *Orchestrator) RunProduct(ctx context.Context, tile mgrs.Tile, c Candidate) ProductResult {
	pr := ProductResult{
		Tile:       tile.ID,
		Product:    c.Name(),
		Mission:    c.Mission(),
		AcquiredAt: c.AcquiredAt(),
		State:      product.StateFailed,
	}
	fail := func(step string, err error) ProductResult {
		pr.Err = &ProductError{Tile: tile.ID, Product: c.Name(), Step: step, Err: err}
		opsf("%s: %s failed: %v", c.Name(), step, err)
		return pr
	}
	if err := ctx.Err(); err != nil {
		return fail("open", err)
	}

	pc, err := c.Open(ctx)
	if err != nil {
		return fail("open", err)
	}
	defer func() {
		if err := pc.Close(); err != nil {
			opsf("%s: %v", pc, err)
		}
	}()

	if err := o.attachWorkDir(pc); err != nil {
		pc.Fail(err)
		return fail("workdir", err)
	}
	if o.enabled(pc, product.StageStitching) {
		o.loadRelated(ctx, pc, c)
	}

	pr.Stages = o.runStages(ctx, pc)
	pr.State = pc.State()
	pr.Params = pc.ParamsSnapshot()
	pr.QI = pc.QI()
	if err := pc.Failure(); err != nil {
		step := "stages"
		for _, s := range pr.Stages {
			if s.Status == StatusFailed {
				step = s.Stage.String()
			}
		}
		return fail(step, err)
	}
	return pr
}

func (o *Orchestrator) attachWorkDir(pc *product.Context) error {
	if o.opts.WorkRoot == "" || o.opts.FS == nil {
		return nil
	}
	root := filepath.Join(o.opts.WorkRoot, security.SanitizeFilename(pc.Tile.ID))
	dir, err := o.opts.FS.MkdirTemp(root, security.SanitizeFilename(pc.Name)+"-*")
	if err != nil {
		return fmt.Errorf("%w: creating working directory: %v", product.ErrFatalIO, err)
	}
	pc.AttachWorkDir(o.opts.FS, dir)
	return nil
}

// loadRelated opens the same-day acquisitions for stitching. Members that
// cannot be loaded are left out of the group.
func (o *Orchestrator) loadRelated(ctx context.Context, pc *product.Context, c Candidate) {
	rel, err := c.Related(ctx)
	if err != nil {
		opsf("%s: related products: %v", pc, err)
		return
	}
	var ctxs []*product.Context
	for _, r := range rel {
		rc, err := r.Open(ctx)
		if err != nil {
			opsf("%s: related product %s left out: %v", pc, r.Name(), err)
			continue
		}
		ctxs = append(ctxs, rc)
	}
	if len(ctxs) > 0 {
		diagf("%s: %d related products", pc, len(ctxs))
		pc.SetRelated(ctxs)
	}
}

// enabled combines the configured enablement, the per-product override and
// mission applicability.
func (o *Orchestrator) enabled(pc *product.Context, id product.StageID) bool {
	return pc.StageEnabled(id, o.opts.StageEnabled(id)) && Applicable(id, pc.Mission)
}

func (o *Orchestrator) runStages(ctx context.Context, pc *product.Context) []StageOutcome {
	var outcomes []StageOutcome
	skipped := make(map[product.StageID]bool)
	failed := false

	for _, id := range product.AllStages() {
		out := StageOutcome{Stage: id}
		switch {
		case failed:
			out.Status = StatusNotRun
			outcomes = append(outcomes, out)
			continue
		case !pc.StageEnabled(id, o.opts.StageEnabled(id)):
			out.Status = StatusDisabled
			outcomes = append(outcomes, out)
			continue
		case !Applicable(id, pc.Mission):
			out.Status = StatusNotApplicable
			outcomes = append(outcomes, out)
			continue
		}
		f, ok := o.registry.Factory(id)
		if !ok {
			tracef("%s: no %s stage registered", pc, id)
			out.Status = StatusDisabled
			outcomes = append(outcomes, out)
			continue
		}
		stage, err := f(pc)
		if err != nil {
			out.Status, out.Err = StatusFailed, err
			pc.Fail(err)
			failed = true
			outcomes = append(outcomes, out)
			continue
		}
		if dep, ok := firstSkipped(stage.DependsOn(), skipped); ok {
			diagf("%s: %s skipped, %s did not run", pc, id, dep)
			out.Status = StatusDependencySkipped
			out.Err = fmt.Errorf("%w: depends on skipped %s", product.ErrNotApplicable, dep)
			skipped[id] = true
			outcomes = append(outcomes, out)
			continue
		}

		out = o.runStage(ctx, pc, stage)
		switch out.Status {
		case StatusSkipped:
			skipped[id] = true
		case StatusFailed:
			pc.Fail(out.Err)
			failed = true
		default:
			if st, ok := id.CompletedState(); ok {
				if err := pc.Advance(st); err != nil {
					out.Status, out.Err = StatusFailed, err
					pc.Fail(err)
					failed = true
				}
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func firstSkipped(deps []product.StageID, skipped map[product.StageID]bool) (product.StageID, bool) {
	for _, d := range deps {
		if skipped[d] {
			return d, true
		}
	}
	return 0, false
}

// runStage runs one stage over every band. A recoverable skip at any step
// rolls the product back to its state before Prepare.
func (o *Orchestrator) runStage(ctx context.Context, pc *product.Context, s Stage) StageOutcome {
	id := s.ID()
	start := o.clock.Now()
	out := StageOutcome{Stage: id, Status: StatusSuccess}
	snap := pc.Snapshot()

	// step reports whether the stage must stop after err.
	step := func(err error) bool {
		switch product.Classify(err) {
		case product.Success:
			return false
		case product.QualityFlag:
			opsf("%s: %s flagged: %v", pc, id, err)
			out.Status, out.Err = StatusFlagged, err
			return false
		case product.RecoverableSkip:
			opsf("%s: %s skipped: %v", pc, id, err)
			out.Status, out.Err = StatusSkipped, err
			if rerr := pc.Restore(snap); rerr != nil {
				out.Status, out.Err = StatusFailed, errors.Join(err, rerr)
			}
			pc.ClearParams(id)
			return true
		default:
			out.Status, out.Err = StatusFailed, err
			return true
		}
	}

	tracef("%s: %s starting", pc, id)
	if !step(s.Prepare(ctx, pc)) && !step(o.processBands(ctx, pc, s)) {
		step(s.Finish(ctx, pc))
	}
	out.Duration = o.clock.Since(start)
	diagf("%s: %s %s in %s", pc, id, out.Status, out.Duration)
	return out
}

func (o *Orchestrator) processBands(ctx context.Context, pc *product.Context, s Stage) error {
	bands := pc.BandIDs()
	if !o.opts.ParallelBands || o.opts.BandWorkers <= 1 || len(bands) < 2 {
		var flag error
		for _, b := range bands {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := s.ProcessBand(ctx, pc, b)
			if product.Classify(err) == product.QualityFlag {
				flag = err
				continue
			}
			if err != nil {
				return fmt.Errorf("band %s: %w", b, err)
			}
		}
		return flag
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.BandWorkers)
	flags := make([]error, len(bands))
	for i, b := range bands {
		g.Go(func() error {
			err := s.ProcessBand(gctx, pc, b)
			if product.Classify(err) == product.QualityFlag {
				flags[i] = err
				return nil
			}
			if err != nil {
				return fmt.Errorf("band %s: %w", b, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(flags...)
}
