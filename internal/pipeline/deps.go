package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/fusion"
	"github.com/senbox-org/sen2like/internal/geometry"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/stitch"
)

// Handoff receives a product once every stage has run. Implementations
// persist the bands and quality indicators and register the product so
// later runs can fuse with it.
type Handoff interface {
	Handoff(ctx context.Context, pc *product.Context) error
}

// Deps bundles the external collaborators of the stages. A nil source makes
// the stage that needs it skip with product.ErrAuxMissing.
type Deps struct {
	References  geometry.ReferenceSource
	DEM         correction.DEMSource
	Atmosphere  correction.AtmosphereSource
	AtmProvider correction.Provider
	BRDFGrids   correction.BRDFGridSource
	Candidates  fusion.CandidateSource
	Handoff     Handoff
}

// Options configure the orchestrator and the stages it builds.
type Options struct {
	// RunID names the run; a random UUID is used when empty.
	RunID string
	// Workers bounds the number of tiles processed at once.
	Workers int
	// ParallelBands runs ProcessBand on up to BandWorkers goroutines.
	ParallelBands bool
	BandWorkers   int
	// Enabled overrides the default enablement per stage. Stages missing
	// from the map are enabled.
	Enabled map[product.StageID]bool
	// WorkRoot holds the per-product working directories.
	WorkRoot string
	FS       fsutil.FileSystem

	Stitch       stitch.Options
	Registration geometry.RegistrationOptions
	Assessment   geometry.AssessmentOptions
	Atmospheric  correction.AtmosphericOptions
	// BRDFMethod is "ROY" or "VJB".
	BRDFMethod  string
	SBAF        correction.SBAFOptions
	Topographic correction.TopographicOptions
	Fusion      fusion.Options
}

// DefaultOptions returns sequential processing with every stage enabled.
func DefaultOptions() Options {
	return Options{
		Workers:     1,
		BandWorkers: 4,
		FS:          fsutil.OSFileSystem{},
		Stitch:      stitch.Options{SameUTMOnly: true},
		BRDFMethod:  "ROY",
		Topographic: correction.TopographicOptions{Limiter: 4, UseValidMask: true},
		Fusion:      fusion.DefaultOptions(),
	}
}

// StageEnabled reports the configured enablement of id.
func (o Options) StageEnabled(id product.StageID) bool {
	v, ok := o.Enabled[id]
	return !ok || v
}

// DefaultRegistry registers every stage wired to deps. The packaging
// handoff is only registered when deps.Handoff is set.
func DefaultRegistry(deps Deps, opts Options) (*Registry, error) {
	method := strings.ToUpper(strings.TrimSpace(opts.BRDFMethod))
	switch method {
	case "", "ROY":
	case "VJB":
		if deps.BRDFGrids == nil {
			return nil, fmt.Errorf("%w: VJB BRDF method needs BRDF grids", product.ErrConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unknown BRDF method %q", product.ErrConfig, opts.BRDFMethod)
	}

	r := NewRegistry()
	factories := map[product.StageID]Factory{
		product.StageRegistration: func(*product.Context) (Stage, error) {
			return geometry.NewRegistrationStage(deps.References, opts.Registration), nil
		},
		product.StageStitching: func(*product.Context) (Stage, error) {
			return stitch.NewStage(opts.Stitch), nil
		},
		product.StageGeometricAssessment: func(*product.Context) (Stage, error) {
			return geometry.NewAssessmentStage(deps.References, opts.Assessment), nil
		},
		product.StageReflectance: func(*product.Context) (Stage, error) {
			return correction.NewReflectanceStage(), nil
		},
		product.StageInterCalibration: func(*product.Context) (Stage, error) {
			return correction.NewInterCalibrationStage(), nil
		},
		product.StageAtmospheric: func(*product.Context) (Stage, error) {
			return correction.NewAtmosphericStage(deps.AtmProvider, deps.Atmosphere, opts.Atmospheric), nil
		},
		product.StageNBAR: func(*product.Context) (Stage, error) {
			if method == "VJB" {
				return correction.NewNBARStage(&correction.VJBCoefficients{Source: deps.BRDFGrids}), nil
			}
			return correction.NewNBARStage(&correction.RoyCoefficients{}), nil
		},
		product.StageSBAF: func(*product.Context) (Stage, error) {
			return correction.NewSBAFStage(opts.SBAF), nil
		},
		product.StageTopographic: func(*product.Context) (Stage, error) {
			return correction.NewTopographicStage(deps.DEM, opts.Topographic), nil
		},
		product.StageFusion: func(*product.Context) (Stage, error) {
			return fusion.NewStage(deps.Candidates, opts.Fusion), nil
		},
	}
	if deps.Handoff != nil {
		factories[product.StageHandoff] = func(*product.Context) (Stage, error) {
			return &handoffStage{sink: deps.Handoff}, nil
		}
	}
	for id, f := range factories {
		if err := r.Register(id, f); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// handoffStage passes the finished product to a Handoff in Finish, after
// every band has been produced.
type handoffStage struct {
	sink Handoff
}

func (*handoffStage) ID() product.StageID                                                { return product.StageHandoff }
func (*handoffStage) DependsOn() []product.StageID                                       { return nil }
func (*handoffStage) Prepare(context.Context, *product.Context) error                    { return nil }
func (*handoffStage) ProcessBand(context.Context, *product.Context, raster.BandID) error { return nil }

func (s *handoffStage) Finish(ctx context.Context, pc *product.Context) error {
	return s.sink.Handoff(ctx, pc)
}
