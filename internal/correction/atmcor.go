package correction

import (
	"context"
	"fmt"
	"sync"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Atmosphere is the atmospheric state used for correction.
type Atmosphere struct {
	AOD550      float64 `json:"aod550"`
	WaterVapour float64 `json:"water_vapour"` // g/cm2
	Ozone       float64 `json:"ozone"`        // atm-cm
	Pressure    float64 `json:"pressure"`     // hPa
}

// DefaultAtmosphere is used when no auxiliary atmospheric data applies.
var DefaultAtmosphere = Atmosphere{AOD550: 0.2, WaterVapour: 2.0, Ozone: 0.331, Pressure: 1013.095}

// AtmosphereSource resolves the atmospheric state over a product. origin
// names the dataset that answered; ok is false when nothing is available.
type AtmosphereSource interface {
	Atmosphere(ctx context.Context, pc *product.Context) (atm Atmosphere, origin string, ok bool, err error)
}

// Request is one invocation of an atmospheric correction provider.
type Request struct {
	Product    *product.Context
	Bands      []raster.BandID
	Atmosphere Atmosphere
}

// Result maps each requested band to its surface reflectance.
type Result struct {
	Bands map[raster.BandID]*raster.Band
}

// Provider performs the atmospheric correction. Providers that report
// PerBand are called once for each band; the others once per product with
// every band.
type Provider interface {
	Name() string
	PerBand() bool
	Correct(ctx context.Context, req Request) (Result, error)
}

// AtmosphericParams is stored in the atmospheric-correction slot.
type AtmosphericParams struct {
	Provider   string
	Origin     string
	Atmosphere Atmosphere
}

// AtmosphericOptions configure the stage.
type AtmosphericOptions struct {
	// RequireAux skips the stage instead of falling back to
	// DefaultAtmosphere when no auxiliary data is available.
	RequireAux bool
}

// AtmosphericStage delegates to a Provider after resolving the atmospheric
// state once per product.
type AtmosphericStage struct {
	provider Provider
	source   AtmosphereSource
	opts     AtmosphericOptions

	params AtmosphericParams
	mu     sync.Mutex
	stash  map[raster.BandID]*raster.Band
}

func NewAtmosphericStage(p Provider, src AtmosphereSource, opts AtmosphericOptions) *AtmosphericStage {
	return &AtmosphericStage{provider: p, source: src, opts: opts}
}

func (*AtmosphericStage) ID() product.StageID { return product.StageAtmospheric }

func (*AtmosphericStage) DependsOn() []product.StageID {
	return []product.StageID{product.StageReflectance}
}

func (s *AtmosphericStage) Prepare(ctx context.Context, pc *product.Context) error {
	if pc.Level == "L2" {
		return fmt.Errorf("%w: %s is already surface reflectance", product.ErrNotApplicable, pc.Name)
	}
	if s.provider == nil {
		return fmt.Errorf("%w: no atmospheric correction provider", product.ErrAuxMissing)
	}

	atm, origin, ok := DefaultAtmosphere, "DEFAULT", false
	if s.source != nil {
		a, o, found, err := s.source.Atmosphere(ctx, pc)
		if err != nil {
			return fmt.Errorf("%w: atmospheric data: %v", product.ErrFatalIO, err)
		}
		if found {
			atm, origin, ok = a, o, true
		}
	}
	if !ok {
		if s.opts.RequireAux {
			return fmt.Errorf("%w: no atmospheric data for %s", product.ErrAuxMissing, pc.Name)
		}
		opsf("%s: no atmospheric data, using defaults", pc)
	}

	s.params = AtmosphericParams{Provider: s.provider.Name(), Origin: origin, Atmosphere: atm}
	pc.SetQI("AOT_550", atm.AOD550)
	pc.SetQI("WATER_VAPOUR", atm.WaterVapour)
	pc.SetQI("OZONE", atm.Ozone)
	pc.SetQI("PRESSURE", atm.Pressure)
	pc.SetQI("ATMOSPHERIC_DATA_SOURCE", origin)

	if !s.provider.PerBand() {
		res, err := s.provider.Correct(ctx, Request{Product: pc, Bands: pc.BandIDs(), Atmosphere: atm})
		if err != nil {
			return err
		}
		s.stash = res.Bands
	}
	return pc.SetParams(product.StageAtmospheric, s.params)
}

func (s *AtmosphericStage) ProcessBand(ctx context.Context, pc *product.Context, id raster.BandID) error {
	orig, ok := pc.Band(id)
	if !ok {
		return nil
	}
	var corrected *raster.Band
	if s.provider.PerBand() {
		res, err := s.provider.Correct(ctx, Request{Product: pc, Bands: []raster.BandID{id}, Atmosphere: s.params.Atmosphere})
		if err != nil {
			return err
		}
		corrected = res.Bands[id]
	} else {
		s.mu.Lock()
		corrected = s.stash[id]
		delete(s.stash, id)
		s.mu.Unlock()
	}
	if corrected == nil {
		return fmt.Errorf("%w: provider %s returned no band %s", product.ErrNotApplicable, s.provider.Name(), id)
	}
	if corrected.Grid != orig.Grid {
		return fmt.Errorf("%w: provider %s changed the grid of %s", product.ErrCorruptInput, s.provider.Name(), id)
	}
	raster.ClampReflectance(corrected.Data, raster.ValidityOf(orig))
	return pc.ReplaceBand(corrected)
}

func (s *AtmosphericStage) Finish(context.Context, *product.Context) error {
	s.mu.Lock()
	s.stash = nil
	s.mu.Unlock()
	return nil
}
