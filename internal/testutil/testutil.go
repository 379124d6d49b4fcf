// Package testutil provides shared test fixtures: small tiles, synthetic
// bands and ready-to-process product contexts.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
)

// TileExtent is the side of the fixture tile in metres: 10 pixels at 30 m.
const TileExtent = 300.0

// Tile returns a small tile in UTM zone 31 north.
func Tile(t testing.TB) mgrs.Tile {
	t.Helper()
	tile, err := mgrs.ParseTile("31TFJ")
	if err != nil {
		t.Fatalf("parse tile: %v", err)
	}
	tile = tile.WithOrigin(600000, 4900020)
	tile.Extent = TileExtent
	return tile
}

// UniformBand returns a band on grid g where every pixel is v.
func UniformBand(id raster.BandID, g raster.Grid, v float32) *raster.Band {
	b := raster.New(id, g)
	for i := range b.Data {
		b.Data[i] = v
	}
	return b
}

// RampBand returns a band whose value grows with the pixel index, starting
// at base and increasing by step. It is useful when tests need texture.
func RampBand(id raster.BandID, g raster.Grid, base, step float32) *raster.Band {
	b := raster.New(id, g)
	for i := range b.Data {
		b.Data[i] = base + step*float32(i)
	}
	return b
}

// Date is a UTC calendar date.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

// Product builds a context on the fixture tile with the given bands set to
// a uniform value at 30 m.
func Product(t testing.TB, name string, mission product.Mission, acquired time.Time, value float32, bands ...raster.BandID) *product.Context {
	t.Helper()
	tile := Tile(t)
	pc := product.New(name, mission, acquired, tile)
	g := tile.Grid(30)
	for _, id := range bands {
		if err := pc.AddBand(UniformBand(id, g, value)); err != nil {
			t.Fatalf("add band: %v", err)
		}
	}
	pc.Geometry = product.Geometry{
		SunZenith:  35,
		SunAzimuth: 150,
		Center:     product.LatLon{Lat: 44.2, Lon: 4.3},
		Corners: [4]product.LatLon{
			{Lat: 44.7, Lon: 3.6}, {Lat: 44.7, Lon: 5.0},
			{Lat: 43.7, Lon: 5.0}, {Lat: 43.7, Lon: 3.6},
		},
	}
	return pc
}

// AngleGrids returns uniform coarse angle grids over the fixture tile.
func AngleGrids(t testing.TB, sza, saa, vza, vaa float32) *product.AngleGrids {
	t.Helper()
	g := Tile(t).Grid(150)
	return &product.AngleGrids{
		SunZenith:   UniformBand("SZA", g, sza),
		SunAzimuth:  UniformBand("SAA", g, saa),
		ViewZenith:  UniformBand("VZA", g, vza),
		ViewAzimuth: UniformBand("VAA", g, vaa),
	}
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}
