// Package product holds the per-product processing context that every stage
// reads from and writes to: band buffers, acquisition metadata, per-stage
// parameter slots, quality indicators and the lifecycle state.
package product

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/raster"
)

// LatLon is a geographic coordinate in degrees.
type LatLon struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// AngleGrids are coarse per-pixel viewing and illumination angles in
// degrees, on any grid sharing the product projection.
type AngleGrids struct {
	SunZenith   *raster.Band
	SunAzimuth  *raster.Band
	ViewZenith  *raster.Band
	ViewAzimuth *raster.Band
}

// Geometry is the acquisition geometry of a product.
type Geometry struct {
	SunZenith   float64 // scene centre, degrees
	SunAzimuth  float64 // scene centre, degrees
	ViewZenith  float64 // scene mean, degrees
	ViewAzimuth float64 // scene mean, degrees
	Center      LatLon
	Corners     [4]LatLon // UL, UR, LR, LL
	Angles      *AngleGrids
}

// Radiometry carries the per-band calibration needed for reflectance
// conversion.
type Radiometry struct {
	// Landsat rescaling: rho = DN*Gain + Offset.
	Gains   map[raster.BandID]float64
	Offsets map[raster.BandID]float64
	// Sentinel-2: rho = (DN + AddOffset) / Quantification.
	Quantification float64
	AddOffsets     map[raster.BandID]float64
}

// Context is the mutable state of one product moving through the stages.
// Acquisition fields are set by the loader before processing starts and
// are read-only afterwards; everything else goes through methods.
type Context struct {
	ID         string
	Name       string
	Mission    Mission
	Level      string // "L1" or "L2"
	AcquiredAt time.Time
	Path, Row  int    // Landsat WRS-2 coordinates, zero for Sentinel-2
	SourceTile string // Sentinel-2 source tile, empty for Landsat
	Tile       mgrs.Tile
	EPSG       int
	Refined    bool // provider already refined geometry
	Baseline   float64
	Geometry   Geometry
	Radiometry Radiometry

	mu         sync.RWMutex
	order      []raster.BandID
	bands      map[raster.BandID]*raster.Band
	validMask  *raster.Mask
	params     map[StageID]any
	enabled    map[StageID]bool
	qi         map[string]any
	related    []*Context
	state      State
	failure    error
	fusionMask *raster.Mask
	fs         fsutil.FileSystem
	workDir    string
	closed     bool
}

// New creates an empty context in the created state.
func New(name string, mission Mission, acquired time.Time, tile mgrs.Tile) *Context {
	return &Context{
		ID:         uuid.New().String(),
		Name:       name,
		Mission:    mission,
		AcquiredAt: acquired.UTC(),
		Tile:       tile,
		EPSG:       tile.EPSG(),
		bands:      make(map[raster.BandID]*raster.Band),
		params:     make(map[StageID]any),
		enabled:    make(map[StageID]bool),
		qi:         make(map[string]any),
		state:      StateCreated,
	}
}

func (c *Context) String() string {
	return fmt.Sprintf("%s[%s %s]", c.Name, c.Mission, c.Tile.ID)
}

// AddBand registers a band. Bands keep their insertion order.
func (c *Context) AddBand(b *raster.Band) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.bands[b.ID]; ok {
		return fmt.Errorf("band %s already present in %s", b.ID, c.Name)
	}
	c.bands[b.ID] = b
	c.order = append(c.order, b.ID)
	return nil
}

// Band returns the current buffer of a band.
func (c *Context) Band(id raster.BandID) (*raster.Band, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bands[id]
	return b, ok
}

// ReplaceBand swaps the buffer of an existing band.
func (c *Context) ReplaceBand(b *raster.Band) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.bands[b.ID]; !ok {
		return fmt.Errorf("%w: %s in %s", ErrUnknownBand, b.ID, c.Name)
	}
	c.bands[b.ID] = b
	return nil
}

// BandIDs returns band identifiers in insertion order.
func (c *Context) BandIDs() []raster.BandID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]raster.BandID, len(c.order))
	copy(out, c.order)
	return out
}

// Snapshot holds the band buffers, masks and quality indicators of a
// context at one point.
type Snapshot struct {
	bands      map[raster.BandID]*raster.Band
	validMask  *raster.Mask
	fusionMask *raster.Mask
	qi         map[string]any
}

// Snapshot captures the current buffers. Stages swap buffers instead of
// writing into them, so restoring a snapshot undoes a partially applied
// stage.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		bands:      make(map[raster.BandID]*raster.Band, len(c.bands)),
		validMask:  c.validMask,
		fusionMask: c.fusionMask,
		qi:         make(map[string]any, len(c.qi)),
	}
	for id, b := range c.bands {
		s.bands[id] = b
	}
	for k, v := range c.qi {
		s.qi[k] = v
	}
	return s
}

// Restore puts back the buffers of s.
func (c *Context) Restore(s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for id, b := range s.bands {
		c.bands[id] = b
	}
	c.validMask, c.fusionMask = s.validMask, s.fusionMask
	c.qi = make(map[string]any, len(s.qi))
	for k, v := range s.qi {
		c.qi[k] = v
	}
	return nil
}

// SetValidMask stores the product validity mask (non-zero = valid).
func (c *Context) SetValidMask(m *raster.Mask) {
	c.mu.Lock()
	c.validMask = m
	c.mu.Unlock()
}

func (c *Context) ValidMask() *raster.Mask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validMask
}

// SetParams fills a stage parameter slot. Each slot is written at most once
// per run unless cleared first.
func (c *Context) SetParams(stage StageID, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.params[stage]; ok {
		return fmt.Errorf("%w: %s", ErrParamsExist, stage)
	}
	c.params[stage] = v
	return nil
}

// Params returns the raw content of a parameter slot.
func (c *Context) Params(stage StageID) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.params[stage]
	return v, ok
}

// ClearParams empties a slot so a stage can be re-run.
func (c *Context) ClearParams(stage StageID) {
	c.mu.Lock()
	delete(c.params, stage)
	c.mu.Unlock()
}

// ParamsSnapshot returns a shallow copy of every filled slot.
func (c *Context) ParamsSnapshot() map[StageID]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[StageID]any, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// ParamsAs returns the slot content of stage when it holds a T.
func ParamsAs[T any](c *Context, stage StageID) (T, bool) {
	v, ok := c.Params(stage)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// SetStageEnabled overrides the run-wide switch for one stage on this
// product only.
func (c *Context) SetStageEnabled(stage StageID, enabled bool) {
	c.mu.Lock()
	c.enabled[stage] = enabled
	c.mu.Unlock()
}

// StageEnabled resolves the per-product override, falling back to def.
func (c *Context) StageEnabled(stage StageID, def bool) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.enabled[stage]; ok {
		return v
	}
	return def
}

// SetQI records a quality indicator for the product report.
func (c *Context) SetQI(key string, value any) {
	c.mu.Lock()
	c.qi[key] = value
	c.mu.Unlock()
}

// QI returns a copy of the quality indicators.
func (c *Context) QI() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.qi))
	for k, v := range c.qi {
		out[k] = v
	}
	return out
}

// QIKeys returns indicator names in sorted order.
func (c *Context) QIKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.qi))
	for k := range c.qi {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetRelated attaches the products stitched with this one. The context owns
// them from then on and closes them in Close.
func (c *Context) SetRelated(related []*Context) {
	c.mu.Lock()
	c.related = append([]*Context(nil), related...)
	c.mu.Unlock()
}

func (c *Context) Related() []*Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Context(nil), c.related...)
}

// SetFusionMask stores the fusion auto-check mask.
func (c *Context) SetFusionMask(m *raster.Mask) {
	c.mu.Lock()
	c.fusionMask = m
	c.mu.Unlock()
}

func (c *Context) FusionMask() *raster.Mask {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fusionMask
}

// State returns the lifecycle state.
func (c *Context) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Advance moves the product forward. Moving backwards or out of a terminal
// state is an error; staying at the same rank is allowed.
func (c *Context) Advance(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, c.state)
	}
	if to == StateFailed || to.rank() < c.state.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// Fail moves the product to the failed state, keeping the first cause.
func (c *Context) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure == nil {
		c.failure = err
	}
	c.state = StateFailed
}

// Failure returns the error that failed the product, if any.
func (c *Context) Failure() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// AttachWorkDir records the working directory owned by this product.
func (c *Context) AttachWorkDir(fs fsutil.FileSystem, dir string) {
	c.mu.Lock()
	c.fs, c.workDir = fs, dir
	c.mu.Unlock()
}

func (c *Context) WorkDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workDir
}

// Close releases band buffers, closes the related products and removes the
// working directory. It is safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.bands = map[raster.BandID]*raster.Band{}
	c.order = nil
	related := c.related
	c.related = nil
	fs, dir := c.fs, c.workDir
	c.mu.Unlock()

	var errs []error
	for _, r := range related {
		if r == c {
			continue
		}
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if fs != nil && dir != "" {
		if err := fs.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("%w: removing %s: %v", ErrFatalIO, dir, err))
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has run.
func (c *Context) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
