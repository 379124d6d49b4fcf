package fusion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/fusion"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

func layer(t *testing.T, at time.Time, values ...float32) fusion.Layer {
	t.Helper()
	g := raster.Grid{EPSG: 32631, OriginX: 600000, OriginY: 4900020, Res: 10, Width: len(values), Height: 1}
	b, err := raster.FromData("B04", g, values)
	require.NoError(t, err)
	return fusion.Layer{At: at, Band: b}
}

func TestComposite_MostRecentValidWins(t *testing.T) {
	t.Parallel()

	oldest := layer(t, testutil.Date(2023, 1, 10), 0.1, 0.1, 0.1, 0)
	middle := layer(t, testutil.Date(2023, 2, 10), 0.2, 0, 0.2, 0)
	newest := layer(t, testutil.Date(2023, 3, 10), 0, 0, 0.3, 0)

	got, err := fusion.Composite([]fusion.Layer{middle, newest, oldest})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.2, 0.1, 0.3, raster.Nodata}, got.Data)
}

func TestPredictors(t *testing.T) {
	t.Parallel()

	obs := []fusion.Observation{{At: 2020, Value: 0.1}, {At: 2021, Value: 0.2}}

	t.Run("linear temporal", func(t *testing.T) {
		t.Parallel()
		p := fusion.LinearTemporalPredictor{}
		v, ok := p.Predict(obs, 2021.5)
		require.True(t, ok)
		assert.InDelta(t, 0.25, v, 1e-12)

		v, ok = p.Predict(obs[:1], 2021.5)
		require.True(t, ok)
		assert.Equal(t, 0.1, v)

		_, ok = p.Predict(nil, 2021.5)
		assert.False(t, ok)
	})

	t.Run("ols", func(t *testing.T) {
		t.Parallel()
		p := fusion.OLSPredictor{}
		three := append(append([]fusion.Observation(nil), obs...), fusion.Observation{At: 2022, Value: 0.3})
		v, ok := p.Predict(three, 2023)
		require.True(t, ok)
		assert.InDelta(t, 0.4, v, 1e-9)

		v, ok = p.Predict([]fusion.Observation{{At: 2020, Value: 0.1}, {At: 2020, Value: 0.3}}, 2021)
		require.True(t, ok)
		assert.InDelta(t, 0.2, v, 1e-12)
	})

	t.Run("by name", func(t *testing.T) {
		t.Parallel()
		p, err := fusion.PredictorByName("ols")
		require.NoError(t, err)
		assert.Equal(t, "ols", p.Name())
		_, err = fusion.PredictorByName("neural")
		assert.Error(t, err)
	})
}

func TestPredict_PerPixel(t *testing.T) {
	t.Parallel()

	a := layer(t, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), 0.1, 0, 0)
	b := layer(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), 0.2, 0.3, 0)
	got, err := fusion.Predict(fusion.LinearTemporalPredictor{}, []fusion.Layer{b, a}, time.Date(2023, 7, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.InDelta(t, 0.25, got.Data[0], 1e-3)
	assert.InDelta(t, 0.3, got.Data[1], 1e-9)
	assert.Equal(t, raster.Nodata, got.Data[2])
}

func TestFuse_AddsHighPassDetail(t *testing.T) {
	t.Parallel()

	tile := testutil.Tile(t)
	current := testutil.UniformBand("B04", tile.Grid(30), 0.2)
	hi := testutil.RampBand("B04", tile.Grid(10), 0.1, 0.001)
	lo := testutil.UniformBand("B04", tile.Grid(10), 0.1)

	got, err := fusion.Fuse(current, hi, lo)
	require.NoError(t, err)
	assert.Equal(t, tile.Grid(10), got.Grid)
	for i, v := range got.Data {
		assert.InDelta(t, 0.2+(hi.Data[i]-0.1), v, 1e-5)
	}
}

func TestAutoCheck(t *testing.T) {
	t.Parallel()

	g := testutil.Tile(t).Grid(30)
	reference := testutil.UniformBand("B04", g, 0.1)

	tests := []struct {
		name     string
		diff     float32
		fraction float64
	}{
		{"large difference flags everything", 0.2, 1},
		{"small difference flags nothing", 0.05, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fused := testutil.UniformBand("B04", g, 0.1+tt.diff)
			res, err := fusion.AutoCheck(fused, reference, 0.1)
			require.NoError(t, err)
			assert.Equal(t, g.Size(), res.Valid)
			assert.Equal(t, tt.fraction, res.Fraction())
			assert.Equal(t, res.Flagged, res.Mask.Count())
		})
	}

	t.Run("nodata is not compared", func(t *testing.T) {
		t.Parallel()
		fused := testutil.UniformBand("B04", g, 0.5)
		ref := reference.Clone()
		ref.Data[0] = raster.Nodata
		res, err := fusion.AutoCheck(fused, ref, 0.1)
		require.NoError(t, err)
		assert.Equal(t, g.Size()-1, res.Valid)
		assert.Equal(t, uint8(0), res.Mask.Data[0])
	})

	t.Run("fused band is averaged onto the reference grid", func(t *testing.T) {
		t.Parallel()
		fused := testutil.UniformBand("B04", testutil.Tile(t).Grid(10), 0.3)
		res, err := fusion.AutoCheck(fused, reference, 0.1)
		require.NoError(t, err)
		assert.Equal(t, g, res.Mask.Grid)
		assert.Equal(t, 1.0, res.Fraction())
	})
}

type candidateSource struct {
	products []*product.Context
	err      error
}

func (s candidateSource) FusionCandidates(_ context.Context, _ mgrs.Tile, _ time.Time, limit int) ([]*product.Context, error) {
	if len(s.products) > limit {
		return s.products[:limit], s.err
	}
	return s.products, s.err
}

func sentinel2(t *testing.T, name string, at time.Time, value float32) *product.Context {
	t.Helper()
	pc := testutil.Product(t, name, product.Sentinel2A, at, 0)
	require.NoError(t, pc.AddBand(testutil.UniformBand("B04", pc.Tile.Grid(10), value)))
	return pc
}

func TestStage(t *testing.T) {
	t.Parallel()

	acquired := testutil.Date(2023, 5, 4)
	landsat := func(t *testing.T) *product.Context {
		return testutil.Product(t, "LC08", product.Landsat8, acquired, 0.2, "B01", "B04", "B09")
	}

	t.Run("single candidate falls back to composite", func(t *testing.T) {
		t.Parallel()
		pc := landsat(t)
		src := candidateSource{products: []*product.Context{sentinel2(t, "S2A-0501", testutil.Date(2023, 5, 1), 0.3)}}
		st := fusion.NewStage(src, fusion.DefaultOptions())

		ctx := context.Background()
		require.NoError(t, st.Prepare(ctx, pc))
		for _, id := range pc.BandIDs() {
			require.NoError(t, st.ProcessBand(ctx, pc, id))
		}
		require.NoError(t, st.Finish(ctx, pc))

		red, _ := pc.Band("B04")
		assert.Equal(t, 10.0, red.Grid.Res)
		for _, v := range red.Data {
			assert.InDelta(t, 0.2, v, 1e-5)
		}
		coastal, _ := pc.Band("B01")
		assert.Equal(t, 30.0, coastal.Grid.Res)

		qi := pc.QI()
		assert.Equal(t, "composite", qi["PREDICTED_METHOD"])
		assert.Equal(t, 0.1, qi["FUSION_AUTO_CHECK_THRESHOLD"])
		assert.Equal(t, 0.0, qi["FUSION_AUTO_CHECK_FLAGGED_FRACTION"])
		require.NotNil(t, pc.FusionMask())
		assert.Zero(t, pc.FusionMask().Count())

		params, ok := product.ParamsAs[fusion.Params](pc, product.StageFusion)
		require.True(t, ok)
		assert.Equal(t, fusion.ModeComposite, params.Mode)
		assert.Equal(t, []string{"S2A-0501"}, params.Candidates)
		assert.Equal(t, []raster.BandID{"B04"}, params.Bands)
	})

	t.Run("predict without fallback needs enough candidates", func(t *testing.T) {
		t.Parallel()
		opts := fusion.DefaultOptions()
		opts.FallbackToComposite = false
		src := candidateSource{products: []*product.Context{sentinel2(t, "S2A-0501", testutil.Date(2023, 5, 1), 0.3)}}
		err := fusion.NewStage(src, opts).Prepare(context.Background(), landsat(t))
		assert.ErrorIs(t, err, product.ErrInsufficientCandidates)
	})

	t.Run("later and non Sentinel-2 products are ignored", func(t *testing.T) {
		t.Parallel()
		later := sentinel2(t, "S2A-0601", testutil.Date(2023, 6, 1), 0.3)
		other := testutil.Product(t, "LC09", product.Landsat9, testutil.Date(2023, 4, 1), 0.3, "B04")
		err := fusion.NewStage(candidateSource{products: []*product.Context{later, other}}, fusion.DefaultOptions()).
			Prepare(context.Background(), landsat(t))
		assert.ErrorIs(t, err, product.ErrInsufficientCandidates)
		assert.Equal(t, product.RecoverableSkip, product.Classify(err))
	})

	t.Run("predict mode with two candidates", func(t *testing.T) {
		t.Parallel()
		pc := landsat(t)
		src := candidateSource{products: []*product.Context{
			sentinel2(t, "S2A-0501", testutil.Date(2023, 5, 1), 0.3),
			sentinel2(t, "S2B-0420", testutil.Date(2023, 4, 20), 0.25),
		}}
		st := fusion.NewStage(src, fusion.Options{Mode: fusion.ModePredict, Predictor: fusion.OLSPredictor{}, AutoCheckThreshold: 0.1})
		ctx := context.Background()
		require.NoError(t, st.Prepare(ctx, pc))
		require.NoError(t, st.ProcessBand(ctx, pc, "B04"))
		require.NoError(t, st.Finish(ctx, pc))

		assert.Equal(t, "predict", pc.QI()["PREDICTED_METHOD"])
		params, _ := product.ParamsAs[fusion.Params](pc, product.StageFusion)
		assert.Equal(t, []string{"S2A-0501", "S2B-0420"}, params.Candidates)
		assert.Equal(t, "ols", params.Predictor)
		assert.Nil(t, params.AutoCheck)
	})

	t.Run("sentinel-2 input is not applicable", func(t *testing.T) {
		t.Parallel()
		pc := testutil.Product(t, "S2A", product.Sentinel2A, acquired, 0.2, "B04")
		err := fusion.NewStage(candidateSource{}, fusion.DefaultOptions()).Prepare(context.Background(), pc)
		assert.ErrorIs(t, err, product.ErrNotApplicable)
	})

	t.Run("source failure is fatal", func(t *testing.T) {
		t.Parallel()
		err := fusion.NewStage(candidateSource{err: errors.New("ledger locked")}, fusion.DefaultOptions()).
			Prepare(context.Background(), landsat(t))
		assert.Equal(t, product.Fatal, product.Classify(err))
	})
}
