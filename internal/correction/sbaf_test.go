package correction_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

func TestSBAFStage_Landsat(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04", "B05", "B09")
	b, _ := pc.Band("B04")
	b.Data[7] = raster.Nodata

	st := correction.NewSBAFStage(correction.SBAFOptions{})
	ctx := context.Background()
	require.NoError(t, st.Prepare(ctx, pc))
	for _, id := range pc.BandIDs() {
		require.NoError(t, st.ProcessBand(ctx, pc, id))
	}

	red, _ := pc.Band("B04")
	assert.InDelta(t, (0.2-0.0009)/0.9765, red.Data[0], 1e-6)
	assert.Equal(t, raster.Nodata, red.Data[7])

	nir, _ := pc.Band("B05")
	assert.InDelta(t, (0.2+0.0001)/0.9983, nir.Data[0], 1e-6)

	other, _ := pc.Band("B09")
	assert.InDelta(t, 0.2, other.Data[0], 1e-9)

	qi := pc.QI()
	assert.InDelta(t, 1/0.9765, qi["SBAF_COEFFICIENT_B04"], 1e-9)
	assert.InDelta(t, -0.0009/0.9765, qi["SBAF_OFFSET_B04"], 1e-9)
	assert.Contains(t, qi, "SBAF_COEFFICIENT_B8A")
}

func TestSBAFStage_Sentinel2NotApplicable(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.2, "B04")
	err := correction.NewSBAFStage(correction.SBAFOptions{}).Prepare(context.Background(), pc)
	assert.ErrorIs(t, err, product.ErrNotApplicable)
	_, ok := pc.Params(product.StageSBAF)
	assert.False(t, ok)
}

func TestSBAFStage_Adaptive(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.05, "B04")
	g := pc.Tile.Grid(30)
	require.NoError(t, pc.AddBand(testutil.UniformBand("B05", g, 0.4)))

	st := correction.NewSBAFStage(correction.SBAFOptions{Adaptive: true, Candidates: []raster.BandID{"B8A"}})
	require.NoError(t, st.Prepare(context.Background(), pc))

	params, ok := product.ParamsAs[correction.SBAFParams](pc, product.StageSBAF)
	require.True(t, ok)
	assert.Equal(t, correction.SurfaceVegetation, params.Class)
	// B04 is not a candidate and keeps the fixed coefficients
	assert.InDelta(t, 1/0.9765, params.Gains["B04"].Slope, 1e-9)
	assert.InDelta(t, 1/0.9955, params.Gains["B05"].Slope, 1e-9)
}
