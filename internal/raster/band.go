// Package raster holds the in-memory band model shared by every processing
// stage: a float32 buffer on a north-up projected grid with 0 as nodata.
package raster

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// BandID names a spectral band, e.g. "B04" or "B8A".
type BandID string

const (
	// Nodata is the fill value for pixels outside the acquisition or
	// rejected by a mask.
	Nodata float32 = 0

	// ReflectanceFloor is the smallest positive reflectance a corrected
	// valid pixel may take. Valid pixels are never clipped to Nodata.
	ReflectanceFloor float32 = 1e-4
)

var (
	// ErrGridMismatch is returned when two rasters cannot be combined
	// because their grids are incompatible.
	ErrGridMismatch = errors.New("raster: grid mismatch")
	// ErrCRSMismatch is returned when a resampling crosses projections.
	ErrCRSMismatch = errors.New("raster: projection mismatch")
	// ErrCorrupt marks a buffer whose length disagrees with its grid.
	ErrCorrupt = errors.New("raster: corrupt buffer")
)

// Grid is a north-up projected pixel grid. OriginX/OriginY is the upper-left
// corner of the upper-left pixel.
type Grid struct {
	EPSG    int     `json:"epsg"`
	OriginX float64 `json:"origin_x"`
	OriginY float64 `json:"origin_y"`
	Res     float64 `json:"res"`
	Width   int     `json:"width"`
	Height  int     `json:"height"`
}

// Validate reports whether the grid describes a non-empty raster.
func (g Grid) Validate() error {
	if g.Res <= 0 {
		return fmt.Errorf("%w: resolution %v", ErrGridMismatch, g.Res)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrGridMismatch, g.Width, g.Height)
	}
	return nil
}

// Size returns the pixel count.
func (g Grid) Size() int { return g.Width * g.Height }

// Bounds returns minX, minY, maxX, maxY in projected units.
func (g Grid) Bounds() (minX, minY, maxX, maxY float64) {
	return g.OriginX, g.OriginY - float64(g.Height)*g.Res, g.OriginX + float64(g.Width)*g.Res, g.OriginY
}

// PixelCenter returns the projected coordinates of a pixel centre.
func (g Grid) PixelCenter(row, col int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.Res, g.OriginY - (float64(row)+0.5)*g.Res
}

// Index returns the pixel containing (x, y).
func (g Grid) Index(x, y float64) (row, col int, ok bool) {
	col = int(math.Floor((x - g.OriginX) / g.Res))
	row = int(math.Floor((g.OriginY - y) / g.Res))
	if col < 0 || row < 0 || col >= g.Width || row >= g.Height {
		return 0, 0, false
	}
	return row, col, true
}

// WithResolution returns a grid covering the same extent at another
// pixel size.
func (g Grid) WithResolution(res float64) Grid {
	out := g
	out.Res = res
	out.Width = int(math.Round(float64(g.Width) * g.Res / res))
	out.Height = int(math.Round(float64(g.Height) * g.Res / res))
	return out
}

// Intersects reports whether the two grids overlap in the same projection.
func (g Grid) Intersects(o Grid) bool {
	if g.EPSG != o.EPSG {
		return false
	}
	aMinX, aMinY, aMaxX, aMaxY := g.Bounds()
	bMinX, bMinY, bMaxX, bMaxY := o.Bounds()
	return aMinX < bMaxX && bMinX < aMaxX && aMinY < bMaxY && bMinY < aMaxY
}

// Band is one spectral band rasterised on a grid.
type Band struct {
	ID   BandID
	Grid Grid
	Data []float32
}

// New allocates a band filled with Nodata.
func New(id BandID, g Grid) *Band {
	return &Band{ID: id, Grid: g, Data: make([]float32, g.Size())}
}

// FromData wraps an existing buffer, checking its length against the grid.
func FromData(id BandID, g Grid, data []float32) (*Band, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(data) != g.Size() {
		return nil, fmt.Errorf("%w: band %s has %d samples for a %dx%d grid", ErrCorrupt, id, len(data), g.Width, g.Height)
	}
	return &Band{ID: id, Grid: g, Data: data}, nil
}

func (b *Band) At(row, col int) float32 { return b.Data[row*b.Grid.Width+col] }

func (b *Band) Set(row, col int, v float32) { b.Data[row*b.Grid.Width+col] = v }

// Clone returns a deep copy.
func (b *Band) Clone() *Band {
	out := &Band{ID: b.ID, Grid: b.Grid, Data: make([]float32, len(b.Data))}
	copy(out.Data, b.Data)
	return out
}

// ValidCount returns the number of pixels that are not Nodata.
func (b *Band) ValidCount() int {
	n := 0
	for _, v := range b.Data {
		if v != Nodata {
			n++
		}
	}
	return n
}

// Coverage returns the valid fraction of the band in [0, 1].
func (b *Band) Coverage() float64 {
	if len(b.Data) == 0 {
		return 0
	}
	return float64(b.ValidCount()) / float64(len(b.Data))
}

// ValidValues copies the valid samples into a float64 slice.
func (b *Band) ValidValues() []float64 {
	out := make([]float64, 0, len(b.Data))
	for _, v := range b.Data {
		if v != Nodata {
			out = append(out, float64(v))
		}
	}
	return out
}

// Stats summarises the valid pixels of a band.
type Stats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
}

// Summarize computes Stats over a sample slice.
func Summarize(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return Stats{
		Count: len(values),
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Mean:  mean,
		Std:   std,
	}
}

// Stats summarises the valid pixels of the band.
func (b *Band) Stats() Stats { return Summarize(b.ValidValues()) }

// ClampReflectance raises valid pixels below the floor to ReflectanceFloor.
// valid reports which pixels held data before the correction ran; pass nil
// to treat every non-Nodata pixel as valid.
func ClampReflectance(data []float32, valid []bool) {
	for i, v := range data {
		isValid := v != Nodata
		if valid != nil {
			isValid = valid[i]
		}
		if !isValid {
			data[i] = Nodata
			continue
		}
		if v < ReflectanceFloor || math.IsNaN(float64(v)) {
			data[i] = ReflectanceFloor
		}
	}
}

// ValidityOf snapshots which pixels currently hold data.
func ValidityOf(b *Band) []bool {
	out := make([]bool, len(b.Data))
	for i, v := range b.Data {
		out[i] = v != Nodata
	}
	return out
}
