package raster

import "fmt"

// Mask is a per-pixel byte layer. Interpretation is up to the producer;
// fusion uses 1 for flagged and 0 for clear.
type Mask struct {
	Grid Grid
	Data []uint8
}

// NewMask allocates a zeroed mask.
func NewMask(g Grid) *Mask {
	return &Mask{Grid: g, Data: make([]uint8, g.Size())}
}

// Count returns the number of non-zero cells.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// AsBand converts the mask to a float band so it can travel through the
// band codecs and the stitcher.
func (m *Mask) AsBand(id BandID) *Band {
	out := New(id, m.Grid)
	for i, v := range m.Data {
		out.Data[i] = float32(v)
	}
	return out
}

// MaskFromBand is the inverse of AsBand.
func MaskFromBand(b *Band) *Mask {
	out := NewMask(b.Grid)
	for i, v := range b.Data {
		out.Data[i] = uint8(v)
	}
	return out
}

// ApplyMask sets band pixels to Nodata wherever keep is zero. Grids must
// match exactly.
func ApplyMask(b *Band, keep *Mask) error {
	if b.Grid != keep.Grid {
		return fmt.Errorf("%w: mask %dx%d@%v vs band %dx%d@%v", ErrGridMismatch,
			keep.Grid.Width, keep.Grid.Height, keep.Grid.Res, b.Grid.Width, b.Grid.Height, b.Grid.Res)
	}
	for i, v := range keep.Data {
		if v == 0 {
			b.Data[i] = Nodata
		}
	}
	return nil
}
