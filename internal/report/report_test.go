package report_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/geometry"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/report"
	"github.com/senbox-org/sen2like/internal/testutil"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func assertPNG(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, pngMagic), "%s is not a PNG", path)
}

func TestTiePointScatter(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "plots", "tp.png")
	points := []geometry.TiePoint{{DX: 1, DY: -2}, {DX: 0.5, DY: -1.5}, {DX: 1.2, DY: -2.2}}
	require.NoError(t, report.TiePointScatter(points, "tie points", path))
	assertPNG(t, path)

	assert.ErrorIs(t, report.TiePointScatter(nil, "empty", path), report.ErrNoData)
}

func TestBandHistogram(t *testing.T) {
	t.Parallel()

	g := testutil.Tile(t).Grid(30)
	path := filepath.Join(t.TempDir(), "hist.png")
	require.NoError(t, report.BandHistogram(testutil.RampBand("B04", g, 0.05, 0.002), 10, "B04", path))
	assertPNG(t, path)

	empty := raster.New("B04", g)
	assert.ErrorIs(t, report.BandHistogram(empty, 10, "B04", path), report.ErrNoData)
}

func TestProductPlots(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	pc := testutil.Product(t, "LC08", product.Landsat8, testutil.Date(2023, 5, 4), 0.2, "B04")
	require.NoError(t, pc.SetParams(product.StageRegistration, geometry.Displacement{
		DX: 3, DY: -1.5, Valid: true,
		TiePoints: []geometry.TiePoint{{DX: 3, DY: -1.5}, {DX: 2.8, DY: -1.4}},
	}))

	files, err := report.ProductPlots(pc, "B04", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "tie_points.png"),
		filepath.Join(dir, "histogram_B04.png"),
	}, files)
	for _, f := range files {
		assertPNG(t, f)
	}

	other := testutil.Product(t, "S2A", product.Sentinel2A, testutil.Date(2023, 5, 4), 0.2, "B02")
	files, err = report.ProductPlots(other, "B04", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunSummary(t *testing.T) {
	t.Parallel()

	run := db.RunRecord{ID: "run-42", StartedAt: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Products: 2, Failed: 1}
	outcomes := []db.OutcomeRecord{
		{Tile: "31TFJ", Product: "a", Stage: "registration", Outcome: "flagged", Duration: 2 * time.Second},
		{Tile: "31TFJ", Product: "a", Stage: "nbar", Outcome: "success", Duration: time.Second},
		{Tile: "31TFJ", Product: "b", Stage: "nbar", Outcome: "failed", Error: "corrupt input"},
		{Tile: "31TFJ", Product: "b", Stage: "fusion", Outcome: "not-run"},
	}

	var buf bytes.Buffer
	require.NoError(t, report.RunSummary(&buf, run, outcomes))
	html := buf.String()
	assert.Contains(t, html, "run-42")
	assert.Contains(t, html, "registration")
	assert.Contains(t, html, "nbar")
	assert.Contains(t, html, "not-run")
	assert.NotContains(t, html, "atmospheric-correction")
}
