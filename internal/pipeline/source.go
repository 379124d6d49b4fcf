package pipeline

import (
	"context"
	"time"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
)

// Candidate is a product waiting to be processed for one tile.
type Candidate interface {
	Name() string
	Mission() product.Mission
	AcquiredAt() time.Time
	// Open loads the product onto the tile grid.
	Open(ctx context.Context) (*product.Context, error)
	// Related returns the other acquisitions of the same day covering the
	// tile, used by stitching.
	Related(ctx context.Context) ([]Candidate, error)
}

// Supplier lists the tiles of a run and the candidates of each tile.
type Supplier interface {
	Tiles() []mgrs.Tile
	Candidates(ctx context.Context, tile mgrs.Tile) ([]Candidate, error)
}
