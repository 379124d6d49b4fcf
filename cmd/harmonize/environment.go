package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/senbox-org/sen2like/internal/auxdata"
	"github.com/senbox-org/sen2like/internal/config"
	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/fusion"
	"github.com/senbox-org/sen2like/internal/geometry"
	"github.com/senbox-org/sen2like/internal/handoff"
	"github.com/senbox-org/sen2like/internal/objstore"
	"github.com/senbox-org/sen2like/internal/pipeline"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/stitch"
)

// environment is everything a run needs besides its products.
type environment struct {
	registry *pipeline.Registry
	opts     pipeline.Options
	sink     *handoff.Sink
}

// newBandReader reads local bands inside the input and auxiliary
// directories and, when an endpoint is configured, s3:// bands through
// MinIO with a cache in the working directory.
func newBandReader(cfg *config.RunConfig, inputDir string) (*objstore.Reader, error) {
	allowed := []string{inputDir, cfg.GetArchiveDir()}
	for _, dir := range []string{cfg.GetDEMDir(), cfg.GetReferenceDir(), cfg.GetBRDFDir()} {
		if dir != "" {
			allowed = append(allowed, dir)
		}
	}

	var remote objstore.Fetcher
	if endpoint := cfg.GetS3Endpoint(); endpoint != "" {
		f, err := objstore.NewMinIOFetcherFromEnv(endpoint, cfg.GetS3Secure())
		if err != nil {
			return nil, err
		}
		remote = f
	}
	return objstore.NewReader(remote, filepath.Join(cfg.GetWorkingDir(), "s3-cache"), allowed), nil
}

func bandIDs(names []string) []raster.BandID {
	out := make([]raster.BandID, 0, len(names))
	for _, n := range names {
		out = append(out, raster.BandID(n))
	}
	return out
}

func buildOptions(cfg *config.RunConfig, runID string) (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()
	opts.RunID = runID
	opts.Workers = cfg.GetWorkers()
	opts.ParallelBands = cfg.GetParallelBands()
	opts.BandWorkers = cfg.GetBandWorkers()
	opts.WorkRoot = cfg.GetWorkingDir()

	enabled, err := cfg.GetStages()
	if err != nil {
		return opts, err
	}
	opts.Enabled = enabled

	prio, ok := stitch.PriorityByName(cfg.GetStitchPriority())
	if !ok {
		return opts, fmt.Errorf("%w: unknown stitch priority %q", product.ErrConfig, cfg.GetStitchPriority())
	}
	opts.Stitch = stitch.Options{SameUTMOnly: cfg.GetSameUTMOnly(), Priority: prio}

	match := geometry.DefaultMatchOptions()
	opts.Registration = geometry.RegistrationOptions{
		ReferenceBand: raster.BandID(cfg.GetReferenceBand()),
		Force:         cfg.GetForceRegistration(),
		Apply:         cfg.GetApplyShift(),
		MinPoints:     cfg.GetMinTiePoints(),
		MaxResidual:   cfg.GetMaxResidual(),
		MaxShift:      cfg.GetMaxShift(),
		Match:         match,
		FS:            opts.FS,
	}
	opts.Assessment = geometry.AssessmentOptions{
		Bands:    bandIDs(cfg.GetAssessmentBands()),
		MaxShift: cfg.GetMaxShift(),
		Match:    match,
		FS:       opts.FS,
	}

	opts.Atmospheric = correction.AtmosphericOptions{RequireAux: cfg.GetRequireAtmosAux()}
	opts.BRDFMethod = cfg.GetBRDFMethod()
	opts.SBAF = correction.SBAFOptions{
		Adaptive:   cfg.GetAdaptiveSBAF(),
		Candidates: bandIDs(cfg.GetAdaptiveBands()),
	}
	opts.Topographic = correction.TopographicOptions{
		Limiter:      cfg.GetTopoLimiter(),
		UseValidMask: cfg.GetTopoUseValidMask(),
	}

	mode, err := fusion.ParseMode(cfg.GetFusionMode())
	if err != nil {
		return opts, fmt.Errorf("%w: %v", product.ErrConfig, err)
	}
	predictor, err := fusion.PredictorByName(cfg.GetPredictMethod())
	if err != nil {
		return opts, fmt.Errorf("%w: %v", product.ErrConfig, err)
	}
	opts.Fusion = fusion.Options{
		Mode:                mode,
		PredictNbProducts:   cfg.GetPredictNbProducts(),
		FallbackToComposite: cfg.GetFallbackToComposite(),
		Predictor:           predictor,
		AutoCheckBand:       raster.BandID(cfg.GetAutoCheckBand()),
		AutoCheckThreshold:  cfg.GetAutoCheckThreshold(),
	}
	return opts, nil
}

// buildDeps wires the auxiliary data providers. Providers whose directory
// is not configured stay nil so their stages skip.
func buildDeps(cfg *config.RunConfig, store raster.Reader, ledger *db.DB) pipeline.Deps {
	var deps pipeline.Deps
	if dir := cfg.GetReferenceDir(); dir != "" {
		deps.References = &auxdata.ReferenceProvider{Store: store, Dir: dir}
	}
	if dir := cfg.GetDEMDir(); dir != "" {
		deps.DEM = &auxdata.DEMProvider{Store: store, Dir: dir, Dataset: cfg.GetDEMDataset()}
	}
	if dir := cfg.GetBRDFDir(); dir != "" {
		deps.BRDFGrids = &auxdata.BRDFGridProvider{
			Store:   store,
			Dir:     dir,
			NDVIMin: cfg.GetVJBNDVIMin(),
			NDVIMax: cfg.GetVJBNDVIMax(),
		}
	}

	daily, hourly, monthly, clim := cfg.GetCAMSDirs()
	if daily != "" || hourly != "" || monthly != "" || clim != "" {
		cams := auxdata.NewCAMSReader(fsutil.OSFileSystem{}, auxdata.CAMSDirs{
			Daily:       daily,
			Hourly:      hourly,
			Monthly:     monthly,
			Climatology: clim,
		})
		cams.MaxHourGap = cfg.GetCAMSMaxHourGap()
		deps.Atmosphere = cams
	}

	switch cfg.GetAtmcorProvider() {
	case "external":
		deps.AtmProvider = correction.NewCommandProvider(cfg.GetAtmcorCommand(), raster.NewFileStore(fsutil.OSFileSystem{}))
	default:
		deps.AtmProvider = correction.InternalProvider{}
	}

	if ledger != nil {
		deps.Candidates = &db.Archive{DB: ledger, Store: store}
	}
	return deps
}

func newEnvironment(cfg *config.RunConfig, store raster.Reader, ledger *db.DB, runID, plotBand string) (*environment, error) {
	opts, err := buildOptions(cfg, runID)
	if err != nil {
		return nil, err
	}
	// The sink records the run ID, so it must be fixed before the run.
	if opts.RunID == "" {
		opts.RunID = newRunID()
	}
	deps := buildDeps(cfg, store, ledger)

	env := &environment{opts: opts}
	if ledger != nil {
		env.sink = handoff.NewSink(cfg.GetArchiveDir(), opts.RunID, ledger)
		env.sink.PlotBand = raster.BandID(plotBand)
		deps.Handoff = env.sink
	}
	env.registry, err = pipeline.DefaultRegistry(deps, opts)
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ledgerRecords flattens a run into its ledger rows. Listing and opening
// failures, which happen outside any stage, are recorded under their step.
func ledgerRecords(res *pipeline.RunResult, configJSON string) (db.RunRecord, []db.OutcomeRecord) {
	products, failed := res.Counts()
	rec := db.RunRecord{
		ID:         res.ID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Config:     configJSON,
		Products:   products,
		Failed:     failed,
	}

	var outcomes []db.OutcomeRecord
	for _, t := range res.Tiles {
		if t.Err != nil {
			outcomes = append(outcomes, db.OutcomeRecord{
				Tile:    t.Tile,
				Stage:   stepOf(t.Err),
				Outcome: string(pipeline.StatusFailed),
				Error:   t.Err.Error(),
			})
		}
		for _, p := range t.Products {
			for _, o := range p.Stages {
				row := db.OutcomeRecord{
					Tile:     p.Tile,
					Product:  p.Product,
					Stage:    o.Stage.String(),
					Outcome:  string(o.Status),
					Duration: o.Duration,
				}
				if o.Err != nil {
					row.Error = o.Err.Error()
				}
				outcomes = append(outcomes, row)
			}
			if p.Err != nil && len(p.Stages) == 0 {
				outcomes = append(outcomes, db.OutcomeRecord{
					Tile:    p.Tile,
					Product: p.Product,
					Stage:   stepOf(p.Err),
					Outcome: string(pipeline.StatusFailed),
					Error:   p.Err.Error(),
				})
			}
		}
	}
	return rec, outcomes
}

func stepOf(err error) string {
	var pe *pipeline.ProductError
	if errors.As(err, &pe) {
		return pe.Step
	}
	return "run"
}

func newRunID() string { return uuid.New().String() }

// printSummary writes one line per stage with its outcome counts.
func printSummary(w io.Writer, res *pipeline.RunResult) {
	products, failed := res.Counts()
	fmt.Fprintf(w, "run %s: %d products, %d failed, %s\n",
		res.ID, products, failed, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, sr := range res.Report() {
		statuses := make([]string, 0, len(sr.Statuses))
		for st, n := range sr.Statuses {
			statuses = append(statuses, fmt.Sprintf("%s=%d", st, n))
		}
		sort.Strings(statuses)
		fmt.Fprintf(w, "  %-24s %s (max %s)\n", sr.Stage, strings.Join(statuses, " "), sr.Max.Round(time.Millisecond))
	}
}
