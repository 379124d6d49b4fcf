package raster_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/raster"
)

func grid(res float64, w, h int) raster.Grid {
	return raster.Grid{EPSG: 32631, OriginX: 600000, OriginY: 4900020, Res: res, Width: w, Height: h}
}

func ramp(g raster.Grid) *raster.Band {
	b := raster.New("B04", g)
	for i := range b.Data {
		b.Data[i] = float32(i + 1)
	}
	return b
}

func TestGrid(t *testing.T) {
	t.Parallel()

	g := grid(30, 10, 5)
	require.NoError(t, g.Validate())
	assert.Error(t, grid(0, 1, 1).Validate())
	assert.ErrorIs(t, grid(30, 0, 1).Validate(), raster.ErrGridMismatch)

	x, y := g.PixelCenter(1, 2)
	assert.Equal(t, 600075.0, x)
	assert.Equal(t, 4899975.0, y)
	row, col, ok := g.Index(x, y)
	assert.True(t, ok)
	assert.Equal(t, 1, row)
	assert.Equal(t, 2, col)
	_, _, ok = g.Index(599999, y)
	assert.False(t, ok)

	g60 := g.WithResolution(60)
	assert.Equal(t, 5, g60.Width)
	assert.Equal(t, 3, g60.Height)
	assert.True(t, g.Intersects(g60))
}

func TestResample(t *testing.T) {
	t.Parallel()

	t.Run("nearest doubles pixels", func(t *testing.T) {
		t.Parallel()
		src := ramp(grid(60, 2, 2))
		out, err := raster.Resample(src, grid(30, 4, 4), raster.Nearest)
		require.NoError(t, err)
		want := []float32{
			1, 1, 2, 2,
			1, 1, 2, 2,
			3, 3, 4, 4,
			3, 3, 4, 4,
		}
		if diff := cmp.Diff(want, out.Data); diff != "" {
			t.Errorf("nearest mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("bilinear ignores nodata", func(t *testing.T) {
		t.Parallel()
		src := raster.New("B04", grid(30, 2, 1))
		src.Data[0] = 0.4
		out, err := raster.Resample(src, grid(15, 4, 2), raster.Bilinear)
		require.NoError(t, err)
		for _, v := range out.Data[:3] {
			assert.InDelta(t, 0.4, v, 1e-6)
		}
	})

	t.Run("outside source is nodata", func(t *testing.T) {
		t.Parallel()
		src := ramp(grid(30, 2, 2))
		target := grid(30, 4, 2)
		out, err := raster.Resample(src, target, raster.Bilinear)
		require.NoError(t, err)
		assert.Equal(t, raster.Nodata, out.At(0, 3))
		assert.Equal(t, float32(1), out.At(0, 0))
	})

	t.Run("projection mismatch", func(t *testing.T) {
		t.Parallel()
		target := grid(30, 2, 2)
		target.EPSG = 32632
		_, err := raster.Resample(ramp(grid(30, 2, 2)), target, raster.Nearest)
		assert.ErrorIs(t, err, raster.ErrCRSMismatch)
	})
}

func TestShift(t *testing.T) {
	t.Parallel()

	src := ramp(grid(30, 4, 1))
	out, err := raster.Shift(src, 30, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3, 4, 0}, out.Data)
	assert.Equal(t, src.Grid, out.Grid)

	same, err := raster.Shift(src, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, src.Data, same.Data)
}

func TestClampReflectance(t *testing.T) {
	t.Parallel()

	data := []float32{-0.2, 0.5, 0, 0}
	raster.ClampReflectance(data, []bool{true, true, true, false})
	assert.Equal(t, []float32{raster.ReflectanceFloor, 0.5, raster.ReflectanceFloor, raster.Nodata}, data)
}

func TestBandStats(t *testing.T) {
	t.Parallel()

	b, err := raster.FromData("B04", grid(30, 4, 1), []float32{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, b.ValidCount())
	assert.InDelta(t, 0.75, b.Coverage(), 1e-12)
	s := b.Stats()
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 3.0, s.Max)
	assert.InDelta(t, 2.0, s.Mean, 1e-12)

	_, err = raster.FromData("B04", grid(30, 4, 1), []float32{1})
	assert.ErrorIs(t, err, raster.ErrCorrupt)
}

func TestMask(t *testing.T) {
	t.Parallel()

	g := grid(30, 3, 1)
	m := raster.NewMask(g)
	m.Data[1] = 1
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, m, raster.MaskFromBand(m.AsBand("M")))

	b := ramp(g)
	require.NoError(t, raster.ApplyMask(b, m))
	assert.Equal(t, []float32{0, 2, 0}, b.Data)
	assert.ErrorIs(t, raster.ApplyMask(ramp(grid(30, 2, 1)), m), raster.ErrGridMismatch)
}

func TestStores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := map[string]raster.ReadWriter{
		"memory": raster.NewMemoryStore(),
		"file":   raster.NewFileStore(fsutil.NewMemoryFileSystem()),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			in := ramp(grid(30, 3, 2))
			require.NoError(t, store.WriteBand(ctx, "/out/T31TFJ/B04", in))
			got, err := store.ReadBand(ctx, "/out/T31TFJ/B04", "")
			require.NoError(t, err)
			assert.Equal(t, in, got)

			_, err = store.ReadBand(ctx, "/out/T31TFJ/B05", "B05")
			assert.ErrorIs(t, err, raster.ErrNotFound)
		})
	}
}

func TestResampleAverage(t *testing.T) {
	t.Parallel()

	src := ramp(grid(10, 3, 3))
	src.Data[8] = raster.Nodata
	out, err := raster.Resample(src, grid(30, 1, 1), raster.Average)
	require.NoError(t, err)
	// mean of 1..8, the ninth pixel being nodata
	assert.InDelta(t, 4.5, out.Data[0], 1e-6)
}
