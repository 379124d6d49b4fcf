package product_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want product.Severity
	}{
		{nil, product.Success},
		{fmt.Errorf("%w: rmse", product.ErrRegistrationQuality), product.QualityFlag},
		{fmt.Errorf("%w: no CAMS", product.ErrAuxMissing), product.RecoverableSkip},
		{product.ErrInsufficientCandidates, product.RecoverableSkip},
		{product.ErrNotApplicable, product.RecoverableSkip},
		{fmt.Errorf("write: %w", product.ErrFatalIO), product.Fatal},
		{product.ErrCorruptInput, product.Fatal},
		{context.Canceled, product.Fatal},
		{errors.New("boom"), product.Fatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, product.Classify(tt.err), "%v", tt.err)
	}
}

func TestParseStageID(t *testing.T) {
	t.Parallel()

	for _, id := range product.AllStages() {
		got, err := product.ParseStageID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	_, err := product.ParseStageID("sharpening")
	assert.ErrorIs(t, err, product.ErrConfig)

	var id product.StageID
	require.NoError(t, id.UnmarshalText([]byte("nbar")))
	assert.Equal(t, product.StageNBAR, id)
}

func TestParseMission(t *testing.T) {
	t.Parallel()

	m, err := product.ParseMission("LS9")
	require.NoError(t, err)
	assert.True(t, m.IsLandsat())
	red, nir := m.RedNIR()
	assert.Equal(t, raster.BandID("B04"), red)
	assert.Equal(t, raster.BandID("B05"), nir)

	_, nir = product.Sentinel2B.RedNIR()
	assert.Equal(t, raster.BandID("B8A"), nir)

	_, err = product.ParseMission("MODIS")
	assert.Error(t, err)
}

func TestContext_Lifecycle(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B02", "B04")
	assert.Equal(t, product.StateCreated, pc.State())

	// registration runs before stitching and both sit at the same rank
	require.NoError(t, pc.Advance(product.StateRegistered))
	require.NoError(t, pc.Advance(product.StateStitched))
	require.NoError(t, pc.Advance(product.StateConverted))
	assert.ErrorIs(t, pc.Advance(product.StateStitched), product.ErrInvalidTransition)

	pc.Fail(product.ErrFatalIO)
	pc.Fail(product.ErrCorruptInput)
	assert.Equal(t, product.StateFailed, pc.State())
	assert.ErrorIs(t, pc.Failure(), product.ErrFatalIO)
	assert.ErrorIs(t, pc.Advance(product.StateFused), product.ErrInvalidTransition)
}

func TestContext_Params(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.2)
	require.NoError(t, pc.SetParams(product.StageSBAF, 1.5))
	assert.ErrorIs(t, pc.SetParams(product.StageSBAF, 2.0), product.ErrParamsExist)

	v, ok := product.ParamsAs[float64](pc, product.StageSBAF)
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)
	_, ok = product.ParamsAs[string](pc, product.StageSBAF)
	assert.False(t, ok)

	snap := pc.ParamsSnapshot()
	pc.ClearParams(product.StageSBAF)
	assert.Len(t, snap, 1)
	assert.Empty(t, pc.ParamsSnapshot())

	assert.True(t, pc.StageEnabled(product.StageNBAR, true))
	pc.SetStageEnabled(product.StageNBAR, false)
	assert.False(t, pc.StageEnabled(product.StageNBAR, true))
}

func TestContext_Bands(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.2, "B04", "B02")
	assert.Equal(t, []raster.BandID{"B04", "B02"}, pc.BandIDs())

	b, _ := pc.Band("B04")
	assert.Error(t, pc.AddBand(b))
	assert.ErrorIs(t, pc.ReplaceBand(raster.New("B03", b.Grid)), product.ErrUnknownBand)
}

func TestContext_SnapshotRestore(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04", "B05")
	pc.SetQI("BRDF_METHOD", "ROY")
	snap := pc.Snapshot()
	before, _ := pc.Band("B04")

	g := before.Grid
	require.NoError(t, pc.ReplaceBand(testutil.UniformBand("B04", g, 0.5)))
	pc.SetFusionMask(raster.NewMask(g))
	pc.SetQI("AOT_550", 0.2)
	pc.SetQI("BRDF_METHOD", "VJB")
	require.NoError(t, pc.Restore(snap))

	after, _ := pc.Band("B04")
	assert.Same(t, before, after)
	assert.Nil(t, pc.FusionMask())
	assert.Equal(t, map[string]any{"BRDF_METHOD": "ROY"}, pc.QI())
	assert.Equal(t, []raster.BandID{"B04", "B05"}, pc.BandIDs())

	require.NoError(t, pc.Close())
	assert.ErrorIs(t, pc.Restore(snap), product.ErrClosed)
}

func TestContext_CloseRemovesWorkDir(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	dir, err := fs.MkdirTemp("/work", "LC08-*")
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(dir+"/KLT.csv", []byte("x0;y0;dx;dy\n"), 0o644))

	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04")
	pc.AttachWorkDir(fs, dir)
	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())

	assert.True(t, pc.Closed())
	assert.False(t, fs.Exists(dir))
	assert.Empty(t, pc.BandIDs())
	_, ok := pc.Band("B04")
	assert.False(t, ok)
	assert.ErrorIs(t, pc.AddBand(raster.New("B05", pc.Tile.Grid(30))), product.ErrClosed)
}

func TestContext_CloseClosesRelated(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	dir, err := fs.MkdirTemp("/work", "LC08-031-*")
	require.NoError(t, err)

	pc := testutil.Product(t, "LC08 196/030", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04")
	related := testutil.Product(t, "LC08 196/031", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04")
	related.AttachWorkDir(fs, dir)
	pc.SetRelated([]*product.Context{related, pc})

	require.NoError(t, pc.Close())
	assert.True(t, related.Closed())
	assert.False(t, fs.Exists(dir))
	assert.Empty(t, pc.Related())
}
