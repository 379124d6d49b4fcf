package raster

import (
	"fmt"
	"math"
)

// Method selects the interpolation used by Resample.
type Method int

const (
	// Nearest copies the source pixel containing the target centre.
	Nearest Method = iota
	// Bilinear blends the four surrounding source centres, ignoring Nodata
	// neighbours.
	Bilinear
	// Average takes the mean of the valid source pixels whose centres fall
	// inside the target pixel. Use it to go to a coarser grid.
	Average
)

func (m Method) String() string {
	switch m {
	case Nearest:
		return "nearest"
	case Bilinear:
		return "bilinear"
	case Average:
		return "average"
	default:
		return fmt.Sprintf("method(%d)", int(m))
	}
}

// Resample maps src onto target. Pixels of target not covered by src are
// Nodata. This is the only way a band changes resolution or grid.
func Resample(src *Band, target Grid, m Method) (*Band, error) {
	if src.Grid.EPSG != target.EPSG {
		return nil, fmt.Errorf("%w: EPSG:%d onto EPSG:%d", ErrCRSMismatch, src.Grid.EPSG, target.EPSG)
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}
	out := New(src.ID, target)
	sg := src.Grid
	for r := 0; r < target.Height; r++ {
		for c := 0; c < target.Width; c++ {
			x, y := target.PixelCenter(r, c)
			// fractional source coordinates relative to pixel centres
			fx := (x-sg.OriginX)/sg.Res - 0.5
			fy := (sg.OriginY-y)/sg.Res - 0.5
			var v float32
			switch m {
			case Bilinear:
				v = bilinearAt(src, fx, fy)
			case Average:
				v = averageAt(src, target, r, c)
			default:
				v = nearestAt(src, fx, fy)
			}
			out.Data[r*target.Width+c] = v
		}
	}
	return out, nil
}

func nearestAt(src *Band, fx, fy float64) float32 {
	col := int(math.Floor(fx + 0.5))
	row := int(math.Floor(fy + 0.5))
	if col < 0 || row < 0 || col >= src.Grid.Width || row >= src.Grid.Height {
		return Nodata
	}
	return src.At(row, col)
}

func bilinearAt(src *Band, fx, fy float64) float32 {
	w, h := src.Grid.Width, src.Grid.Height
	// outside the half-pixel border of the source there is no data
	if fx < -0.5 || fy < -0.5 || fx > float64(w)-0.5 || fy > float64(h)-0.5 {
		return Nodata
	}
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	tx := fx - float64(x0)
	ty := fy - float64(y0)

	var sum, wsum float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			col := clampIndex(x0+dx, w)
			row := clampIndex(y0+dy, h)
			v := src.At(row, col)
			if v == Nodata {
				continue
			}
			wx := 1 - tx
			if dx == 1 {
				wx = tx
			}
			wy := 1 - ty
			if dy == 1 {
				wy = ty
			}
			sum += float64(v) * wx * wy
			wsum += wx * wy
		}
	}
	if wsum <= 1e-9 {
		return nearestAt(src, fx, fy)
	}
	return float32(sum / wsum)
}

func averageAt(src *Band, target Grid, r, c int) float32 {
	sg := src.Grid
	x0 := target.OriginX + float64(c)*target.Res
	y0 := target.OriginY - float64(r)*target.Res
	// source columns and rows whose centres lie in [x0, x0+res) x (y0-res, y0]
	c0 := int(math.Ceil((x0-sg.OriginX)/sg.Res - 0.5))
	c1 := int(math.Ceil((x0+target.Res-sg.OriginX)/sg.Res-0.5)) - 1
	r0 := int(math.Ceil((sg.OriginY-y0)/sg.Res - 0.5))
	r1 := int(math.Ceil((sg.OriginY-y0+target.Res)/sg.Res-0.5)) - 1
	if c1 < c0 || r1 < r0 {
		return nearestAt(src, (x0+target.Res/2-sg.OriginX)/sg.Res-0.5, (sg.OriginY-y0+target.Res/2)/sg.Res-0.5)
	}
	var sum float64
	n := 0
	for row := max(r0, 0); row <= min(r1, sg.Height-1); row++ {
		for col := max(c0, 0); col <= min(c1, sg.Width-1); col++ {
			if v := src.At(row, col); v != Nodata {
				sum += float64(v)
				n++
			}
		}
	}
	if n == 0 {
		return Nodata
	}
	return float32(sum / float64(n))
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Shift translates the band content by (dx, dy) projected units, so that the
// output value at (x, y) is the input value at (x+dx, y+dy). The grid is
// unchanged.
func Shift(src *Band, dx, dy float64) (*Band, error) {
	if dx == 0 && dy == 0 {
		return src.Clone(), nil
	}
	moved := &Band{ID: src.ID, Grid: src.Grid, Data: src.Data}
	moved.Grid.OriginX -= dx
	moved.Grid.OriginY -= dy
	return Resample(moved, src.Grid, Bilinear)
}
