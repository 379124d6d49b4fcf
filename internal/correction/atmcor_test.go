package correction_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

type countingSource struct {
	calls atomic.Int32
	atm   correction.Atmosphere
	ok    bool
	err   error
}

func (s *countingSource) Atmosphere(context.Context, *product.Context) (correction.Atmosphere, string, bool, error) {
	s.calls.Add(1)
	return s.atm, "CAMS-daily", s.ok, s.err
}

func TestFitPolynomial(t *testing.T) {
	t.Parallel()

	x := []float64{0, 1, 2, 3, 4}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 0.5 - 2*v + 0.25*v*v
	}
	c, err := correction.FitPolynomial(x, y, 2)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, -2, 0.25}, c, 1e-9)

	_, err = correction.FitPolynomial(x[:2], y[:2], 2)
	assert.Error(t, err)
}

func TestInternalProvider_MonotonicAndNodataSafe(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0, "B02")
	g := pc.Tile.Grid(30)
	b := testutil.RampBand("B02", g, 0.05, 0.004)
	b.Data[3] = raster.Nodata
	require.NoError(t, pc.ReplaceBand(b))

	res, err := correction.InternalProvider{}.Correct(context.Background(), correction.Request{
		Product: pc, Bands: []raster.BandID{"B02"}, Atmosphere: correction.DefaultAtmosphere,
	})
	require.NoError(t, err)
	out := res.Bands["B02"]
	require.NotNil(t, out)
	assert.Equal(t, raster.Nodata, out.Data[3])
	for i := 5; i < len(out.Data); i++ {
		assert.Greater(t, out.Data[i], out.Data[i-1], "surface reflectance must grow with TOA")
	}
	// blue band path radiance makes surface darker than TOA
	assert.Less(t, out.Data[50], b.Data[50])
}

func TestAtmosphericStage_ParametersComputedOnce(t *testing.T) {
	t.Parallel()

	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.1, "B02", "B03", "B04", "B8A")
	src := &countingSource{atm: correction.Atmosphere{AOD550: 0.1, WaterVapour: 1.5, Ozone: 0.3, Pressure: 1000}, ok: true}
	st := correction.NewAtmosphericStage(correction.InternalProvider{}, src, correction.AtmosphericOptions{})

	ctx := context.Background()
	require.NoError(t, st.Prepare(ctx, pc))
	for _, id := range pc.BandIDs() {
		require.NoError(t, st.ProcessBand(ctx, pc, id))
	}
	require.NoError(t, st.Finish(ctx, pc))

	assert.Equal(t, int32(1), src.calls.Load())
	params, ok := product.ParamsAs[correction.AtmosphericParams](pc, product.StageAtmospheric)
	require.True(t, ok)
	assert.Equal(t, "CAMS-daily", params.Origin)
	assert.InDelta(t, 0.1, params.Atmosphere.AOD550, 1e-12)
	assert.Equal(t, "CAMS-daily", pc.QI()["ATMOSPHERIC_DATA_SOURCE"])
}

func TestAtmosphericStage_MissingAux(t *testing.T) {
	t.Parallel()

	t.Run("falls back to defaults", func(t *testing.T) {
		t.Parallel()
		pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.1, "B04")
		st := correction.NewAtmosphericStage(correction.InternalProvider{}, &countingSource{}, correction.AtmosphericOptions{})
		require.NoError(t, st.Prepare(context.Background(), pc))
		params, _ := product.ParamsAs[correction.AtmosphericParams](pc, product.StageAtmospheric)
		assert.Equal(t, correction.DefaultAtmosphere, params.Atmosphere)
		assert.Equal(t, "DEFAULT", params.Origin)
	})

	t.Run("required aux skips the stage", func(t *testing.T) {
		t.Parallel()
		pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.1, "B04")
		st := correction.NewAtmosphericStage(correction.InternalProvider{}, &countingSource{}, correction.AtmosphericOptions{RequireAux: true})
		err := st.Prepare(context.Background(), pc)
		assert.ErrorIs(t, err, product.ErrAuxMissing)
		_, ok := pc.Params(product.StageAtmospheric)
		assert.False(t, ok)
	})

	t.Run("source failure is fatal", func(t *testing.T) {
		t.Parallel()
		pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.1, "B04")
		st := correction.NewAtmosphericStage(correction.InternalProvider{}, &countingSource{err: errors.New("disk")}, correction.AtmosphericOptions{})
		assert.Equal(t, product.Fatal, product.Classify(st.Prepare(context.Background(), pc)))
	})

	t.Run("L2 input is not applicable", func(t *testing.T) {
		t.Parallel()
		pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.1, "B04")
		pc.Level = "L2"
		st := correction.NewAtmosphericStage(correction.InternalProvider{}, nil, correction.AtmosphericOptions{})
		assert.ErrorIs(t, st.Prepare(context.Background(), pc), product.ErrNotApplicable)
	})
}

func TestCommandProvider(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	store := raster.NewFileStore(mfs)
	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.3, "B04", "B8A")
	dir, _ := mfs.MkdirTemp("/work", "p-*")
	pc.AttachWorkDir(mfs, dir)

	p := correction.NewCommandProvider([]string{"/opt/sen2cor/L2A_Process", "--in", "{in}", "--out", "{out}"}, store)
	var gotArgv []string
	p.SetRunner(func(ctx context.Context, argv []string) ([]byte, error) {
		gotArgv = argv
		// the fake tool halves every staged band
		for _, id := range []raster.BandID{"B04", "B8A"} {
			b, err := store.ReadBand(ctx, argv[2]+"/"+string(id), id)
			if err != nil {
				return nil, err
			}
			for i := range b.Data {
				b.Data[i] /= 2
			}
			if err := store.WriteBand(ctx, argv[4]+"/"+string(id), b); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	st := correction.NewAtmosphericStage(p, nil, correction.AtmosphericOptions{})
	ctx := context.Background()
	require.NoError(t, st.Prepare(ctx, pc))
	require.NoError(t, st.ProcessBand(ctx, pc, "B04"))
	require.NoError(t, st.ProcessBand(ctx, pc, "B8A"))

	assert.Equal(t, dir+"/atmcor/in", gotArgv[2])
	assert.Equal(t, "external:L2A_Process", p.Name())
	b, _ := pc.Band("B8A")
	assert.InDelta(t, 0.15, b.Data[0], 1e-6)
}

func TestCommandProvider_FailureSkips(t *testing.T) {
	t.Parallel()

	mfs := fsutil.NewMemoryFileSystem()
	pc := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.3, "B04")
	pc.AttachWorkDir(mfs, "/work/x")

	p := correction.NewCommandProvider([]string{"tool"}, raster.NewFileStore(mfs))
	p.SetRunner(func(context.Context, []string) ([]byte, error) { return []byte("boom"), errors.New("exit status 1") })

	err := correction.NewAtmosphericStage(p, nil, correction.AtmosphericOptions{}).Prepare(context.Background(), pc)
	assert.Equal(t, product.RecoverableSkip, product.Classify(err))
}
