package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// Stage is one processing step. A Stage value serves a single product:
// the orchestrator obtains a fresh one from the registry for each product,
// so implementations may keep state between Prepare, ProcessBand and
// Finish. ProcessBand may be called concurrently for different bands.
type Stage interface {
	ID() product.StageID
	// DependsOn lists stages whose output this stage consumes. A dependency
	// that was skipped skips this stage too.
	DependsOn() []product.StageID
	Prepare(ctx context.Context, pc *product.Context) error
	ProcessBand(ctx context.Context, pc *product.Context, band raster.BandID) error
	Finish(ctx context.Context, pc *product.Context) error
}

// Factory builds the stage instance for one product.
type Factory func(pc *product.Context) (Stage, error)

// Registry maps stage identifiers to factories.
type Registry struct {
	factories map[product.StageID]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[product.StageID]Factory)}
}

// Register installs f for id, replacing any previous factory.
func (r *Registry) Register(id product.StageID, f Factory) error {
	if !id.Valid() {
		return fmt.Errorf("%w: cannot register %s", product.ErrConfig, id)
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %s", product.ErrConfig, id)
	}
	r.factories[id] = f
	return nil
}

// Factory returns the factory registered for id.
func (r *Registry) Factory(id product.StageID) (Factory, bool) {
	f, ok := r.factories[id]
	return f, ok
}

// Stages returns the registered stages in execution order.
func (r *Registry) Stages() []product.StageID {
	out := make([]product.StageID, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// landsatOnly lists the stages that only apply to Landsat products.
var landsatOnly = map[product.StageID]bool{
	product.StageFusion: true,
}

// Applicable reports whether stage id applies to products of mission m.
func Applicable(id product.StageID, m product.Mission) bool {
	if landsatOnly[id] {
		return m.IsLandsat()
	}
	return true
}
