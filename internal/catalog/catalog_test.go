package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/catalog"
	"github.com/senbox-org/sen2like/internal/pipeline"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

const manifestYAML = `
tiles:
  - id: T31TFJ
    origin_x: 600000
    origin_y: 4900020
    extent: 300
products:
  - name: LC08_196030_20230504
    mission: LS8
    acquired_at: 2023-05-04T10:20:00Z
    path: 196
    row: 30
    epsg: 32631
    coverage: {31TFJ: 0.7}
    geometry:
      sun_zenith: 32.5
      sun_azimuth: 148
      center: {lat: 44.2, lon: 4.3}
    radiometry:
      gains: {B04: 2.0e-5, B02: 2.0e-5}
      offsets: {B04: -0.1, B02: -0.1}
    bands: {B04: "mem://LC08_196030/B04", B02: "mem://LC08_196030/B02"}
    mask: mem://LC08_196030/MASK
    angles:
      sun_zenith: mem://LC08_196030/SZA
      sun_azimuth: mem://LC08_196030/SAA
      view_zenith: mem://LC08_196030/VZA
      view_azimuth: mem://LC08_196030/VAA
  - name: LC08_196029_20230504
    mission: LS8
    acquired_at: 2023-05-04T10:19:36Z
    path: 196
    row: 29
    epsg: 32631
    coverage: {31TFJ: 0.2}
    bands: {B04: "mem://LC08_196029/B04"}
  - name: LC08_196031_20230504
    mission: LS8
    acquired_at: 2023-05-04T10:20:24Z
    path: 196
    row: 31
    epsg: 32631
    coverage: {31TFJ: 0.5}
    bands: {B04: "mem://LC08_196031/B04"}
  - name: LC08_196031_20230520
    mission: LS8
    acquired_at: 2023-05-20T10:20:24Z
    path: 196
    row: 31
    coverage: {31TFJ: 0.9}
    bands: {B04: "mem://LC08_196031_0520/B04"}
  - name: S2A_31TFJ_20230504
    mission: S2A
    level: l2
    acquired_at: 2023-05-04T10:36:00Z
    source_tile: 31TFJ
    bands: {B04: "mem://S2A_0504/B04"}
  - name: S2B_31TFJ_20230504
    mission: S2B
    level: L2
    acquired_at: 2023-05-04T10:50:00Z
    source_tile: T31TFJ
    bands: {B04: "mem://S2B_0504/B04"}
  - name: S2A_32TLP_20230504
    mission: S2A
    acquired_at: 2023-05-04T10:36:00Z
    source_tile: 32TLP
    bands: {B04: "mem://S2A_32TLP/B04"}
`

func parse(t *testing.T) *catalog.Manifest {
	t.Helper()
	m, err := catalog.ParseManifest([]byte(manifestYAML), ".yaml")
	require.NoError(t, err)
	return m
}

func newStore(t *testing.T) *raster.MemoryStore {
	t.Helper()
	ctx := context.Background()
	g := testutil.Tile(t).Grid(30)
	store := raster.NewMemoryStore()
	put := func(loc string, v float32) {
		require.NoError(t, store.WriteBand(ctx, loc, testutil.UniformBand("X", g, v)))
	}
	put("mem://LC08_196030/B04", 9000)
	put("mem://LC08_196030/B02", 8000)
	put("mem://LC08_196030/MASK", 1)
	put("mem://LC08_196030/SZA", 32)
	put("mem://LC08_196030/SAA", 148)
	put("mem://LC08_196030/VZA", 3)
	put("mem://LC08_196030/VAA", 100)
	put("mem://LC08_196029/B04", 9100)
	put("mem://LC08_196031/B04", 9200)
	put("mem://S2A_0504/B04", 0.2)
	put("mem://S2B_0504/B04", 0.21)
	return store
}

func names(t *testing.T, s *catalog.Supplier) []string {
	t.Helper()
	tiles := s.Tiles()
	require.Len(t, tiles, 1)
	cands, err := s.Candidates(context.Background(), tiles[0])
	require.NoError(t, err)
	var out []string
	for _, c := range cands {
		out = append(out, c.Name())
	}
	return out
}

func TestParseManifest(t *testing.T) {
	t.Parallel()

	m := parse(t)
	require.Len(t, m.Tiles, 1)
	assert.Equal(t, "31TFJ", m.Tiles[0].ID)

	tiles := m.TileList()
	require.Len(t, tiles, 1)
	assert.Equal(t, testutil.Tile(t), tiles[0])

	s2 := m.Products[4]
	assert.Equal(t, "L2", s2.Level)
	assert.Equal(t, product.Sentinel2A, s2.MissionID())
	assert.Equal(t, "L1", m.Products[0].Level)
	assert.Equal(t, 1.0, m.Products[5].CoverageOf("31TFJ"))
	assert.Equal(t, 0.0, m.Products[6].CoverageOf("31TFJ"))
	assert.Equal(t, 0.7, m.Products[0].CoverageOf("31TFJ"))
}

func TestParseManifest_JSON(t *testing.T) {
	t.Parallel()

	data := `{"tiles":[{"id":"31TFJ","origin_x":600000,"origin_y":4900020}],
		"products":[{"name":"S2A","mission":"Sentinel-2A","acquired_at":"2023-05-04T10:36:00Z",
		"source_tile":"31TFJ","bands":{"B8A":"a"},"geometry":{"sun_zenith":30,"sun_azimuth":150,
		"center":{"lat":44,"lon":4},"corners":[{"lat":1,"lon":1},{"lat":1,"lon":2},{"lat":0,"lon":2},{"lat":0,"lon":1}]}}]}`
	m, err := catalog.ParseManifest([]byte(data), ".json")
	require.NoError(t, err)
	assert.Equal(t, product.Sentinel2A, m.Products[0].MissionID())
	assert.Equal(t, product.LatLon{Lat: 0, Lon: 2}, m.Products[0].Geometry.Corners[2])
}

func TestParseManifest_Rejects(t *testing.T) {
	t.Parallel()

	const tile = "tiles: [{id: 31TFJ}]\n"
	tests := []struct {
		name string
		data string
		ext  string
	}{
		{"no tiles", "products: []\n", ".yaml"},
		{"bad tile", "tiles: [{id: 99ZZZ}]\n", ".yaml"},
		{"duplicate tile", "tiles: [{id: 31TFJ}, {id: T31TFJ}]\n", ".yaml"},
		{"unknown field", tile + "colour: red\n", ".yaml"},
		{"unknown mission", tile + "products: [{name: a, mission: SPOT5, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: x}}]\n", ".yaml"},
		{"no name", tile + "products: [{mission: S2A, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: x}}]\n", ".yaml"},
		{"no time", tile + "products: [{name: a, mission: S2A, bands: {B04: x}}]\n", ".yaml"},
		{"no bands", tile + "products: [{name: a, mission: S2A, acquired_at: 2023-05-04T10:00:00Z}]\n", ".yaml"},
		{"foreign band", tile + "products: [{name: a, mission: LS8, acquired_at: 2023-05-04T10:00:00Z, bands: {B8A: x}}]\n", ".yaml"},
		{"bad level", tile + "products: [{name: a, mission: S2A, level: L3, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: x}}]\n", ".yaml"},
		{"bad coverage", tile + "products: [{name: a, mission: S2A, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: x}, coverage: {31TFJ: 1.5}}]\n", ".yaml"},
		{"duplicate product", tile + "products: [{name: a, mission: S2A, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: x}}, {name: a, mission: S2B, acquired_at: 2023-05-04T10:00:00Z, bands: {B04: y}}]\n", ".yaml"},
		{"unknown JSON field", `{"tiles":[{"id":"31TFJ"}],"extra":1}`, ".json"},
		{"format", "tiles = []", ".toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := catalog.ParseManifest([]byte(tt.data), tt.ext)
			assert.ErrorIs(t, err, product.ErrConfig)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o600))
	m, err := catalog.LoadManifest(path)
	require.NoError(t, err)
	assert.Len(t, m.Products, 7)

	_, err = catalog.LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, product.ErrConfig)
}

func TestSupplier_Candidates(t *testing.T) {
	t.Parallel()

	t.Run("products covering the tile", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"LC08_196030_20230504", "LC08_196029_20230504", "LC08_196031_20230504",
			"LC08_196031_20230520", "S2A_31TFJ_20230504", "S2B_31TFJ_20230504",
		}, names(t, s))
	})

	t.Run("mission filter", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{
			Missions: []product.Mission{product.Sentinel2B},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"S2B_31TFJ_20230504"}, names(t, s))
	})

	t.Run("acquisition window", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{
			Start: time.Date(2023, 5, 10, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"LC08_196031_20230520"}, names(t, s))
	})

	t.Run("needs a reader", func(t *testing.T) {
		_, err := catalog.NewSupplier(parse(t), nil, catalog.Options{})
		assert.ErrorIs(t, err, product.ErrConfig)
	})
}

func find(t *testing.T, s *catalog.Supplier, name string) pipeline.Candidate {
	t.Helper()
	cands, err := s.Candidates(context.Background(), s.Tiles()[0])
	require.NoError(t, err)
	for _, c := range cands {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("candidate %s not found", name)
	return nil
}

func relatedNames(t *testing.T, c pipeline.Candidate) []string {
	t.Helper()
	rel, err := c.Related(context.Background())
	require.NoError(t, err)
	var out []string
	for _, r := range rel {
		out = append(out, r.Name())
	}
	return out
}

func TestCandidate_Open(t *testing.T) {
	t.Parallel()

	s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{})
	require.NoError(t, err)
	c := find(t, s, "LC08_196030_20230504")
	assert.Equal(t, product.Landsat8, c.Mission())
	assert.Equal(t, time.Date(2023, 5, 4, 10, 20, 0, 0, time.UTC), c.AcquiredAt())

	pc, err := c.Open(context.Background())
	require.NoError(t, err)
	defer pc.Close()

	assert.Equal(t, []raster.BandID{"B02", "B04"}, pc.BandIDs())
	b, ok := pc.Band("B04")
	require.True(t, ok)
	assert.Equal(t, raster.BandID("B04"), b.ID)
	assert.InDelta(t, 9000, b.Data[0], 1e-3)

	assert.Equal(t, "L1", pc.Level)
	assert.Equal(t, 196, pc.Path)
	assert.Equal(t, 30, pc.Row)
	assert.Equal(t, 32631, pc.EPSG)
	assert.Equal(t, 32.5, pc.Geometry.SunZenith)
	assert.Equal(t, 2.0e-5, pc.Radiometry.Gains["B04"])
	require.NotNil(t, pc.ValidMask())
	assert.Equal(t, pc.ValidMask().Grid.Size(), pc.ValidMask().Count())
	require.NotNil(t, pc.Geometry.Angles)
	assert.InDelta(t, 100, pc.Geometry.Angles.ViewAzimuth.Data[0], 1e-6)
}

func TestCandidate_OpenMissingBand(t *testing.T) {
	t.Parallel()

	s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{})
	require.NoError(t, err)
	_, err = find(t, s, "LC08_196031_20230520").Open(context.Background())
	assert.ErrorIs(t, err, product.ErrCorruptInput)
	assert.ErrorIs(t, err, raster.ErrNotFound)
}

func TestCandidate_Related(t *testing.T) {
	t.Parallel()

	t.Run("landsat keeps the best covering neighbour row", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{RelatedCoverage: 0.001})
		require.NoError(t, err)
		assert.Equal(t, []string{"LC08_196031_20230504"}, relatedNames(t, find(t, s, "LC08_196030_20230504")))
	})

	t.Run("coverage threshold", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{RelatedCoverage: 0.6})
		require.NoError(t, err)
		assert.Empty(t, relatedNames(t, find(t, s, "LC08_196030_20230504")))
	})

	t.Run("same UTM only", func(t *testing.T) {
		m := parse(t)
		m.Products[2].EPSG = 32632
		s, err := catalog.NewSupplier(m, newStore(t), catalog.Options{SameUTMOnly: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"LC08_196029_20230504"}, relatedNames(t, find(t, s, "LC08_196030_20230504")))
	})

	t.Run("other days never stitch", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{})
		require.NoError(t, err)
		assert.Empty(t, relatedNames(t, find(t, s, "LC08_196031_20230520")))
	})

	t.Run("sentinel-2 takes another acquisition of the tile", func(t *testing.T) {
		s, err := catalog.NewSupplier(parse(t), newStore(t), catalog.Options{})
		require.NoError(t, err)
		c := find(t, s, "S2A_31TFJ_20230504")
		assert.Equal(t, []string{"S2B_31TFJ_20230504"}, relatedNames(t, c))

		rel, err := c.Related(context.Background())
		require.NoError(t, err)
		pc, err := rel[0].Open(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "L2", pc.Level)
		assert.Equal(t, "T31TFJ", pc.SourceTile)
	})
}
