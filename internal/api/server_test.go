package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/testutil"
)

func setupTestServer(t *testing.T) (http.Handler, *db.DB) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	h, err := NewServer(database).Router()
	require.NoError(t, err)
	return h, database
}

func seed(t *testing.T, database *db.DB) {
	t.Helper()
	ctx := context.Background()
	started := time.Date(2026, 4, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, database.RecordRun(ctx, db.RunRecord{
		ID:         "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
		Products:   2,
		Failed:     1,
	}, []db.OutcomeRecord{
		{Tile: "31TFJ", Product: "LS8-A", Stage: "geometry", Outcome: "success", Duration: 40 * time.Millisecond},
		{Tile: "31TFJ", Product: "LS8-A", Stage: "fusion", Outcome: "flagged", Duration: 10 * time.Millisecond},
		{Tile: "31TFJ", Product: "S2B-B", Stage: "geometry", Outcome: "failed", Error: "boom"},
	}))

	for _, p := range []db.ProductRecord{
		{ID: "a", Name: "LS8-A", Mission: product.Landsat8, Tile: "31TFJ", AcquiredAt: testutil.Date(2026, 4, 18), State: "handed-off", Bands: []raster.BandID{"B04"}},
		{ID: "b", Name: "S2B-B", Mission: product.Sentinel2B, Tile: "31TFJ", AcquiredAt: testutil.Date(2026, 4, 19), State: "handed-off", Bands: []raster.BandID{"B04"}},
		{ID: "c", Name: "S2A-C", Mission: product.Sentinel2A, Tile: "32ULV", AcquiredAt: testutil.Date(2026, 4, 20), State: "handed-off", Bands: []raster.BandID{"B04"}},
	} {
		require.NoError(t, database.RecordProduct(ctx, p))
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, path))
	return rec
}

func productNames(t *testing.T, rec *httptest.ResponseRecorder) []string {
	t.Helper()
	var got []db.ProductRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	names := make([]string, 0, len(got))
	for _, p := range got {
		names = append(names, p.Name)
	}
	return names
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, _ := setupTestServer(t)
	rec := get(t, h, "/healthz")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestRuns(t *testing.T) {
	t.Parallel()
	h, database := setupTestServer(t)
	seed(t, database)

	t.Run("list", func(t *testing.T) {
		rec := get(t, h, "/api/runs")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var runs []db.RunRecord
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].ID)
		assert.Equal(t, 1, runs[0].Failed)
	})

	t.Run("show", func(t *testing.T) {
		rec := get(t, h, "/api/runs/run-1")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		var resp runResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "run-1", resp.Run.ID)
		assert.Len(t, resp.Outcomes, 3)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := get(t, h, "/api/runs/nope")
		testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
	})

	t.Run("report", func(t *testing.T) {
		rec := get(t, h, "/api/runs/run-1/report")
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"))
		assert.Contains(t, rec.Body.String(), "geometry")
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := get(t, h, "/api/runs?limit=zero")
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	})
}

func TestRuns_EmptyListIsArray(t *testing.T) {
	t.Parallel()
	h, _ := setupTestServer(t)
	rec := get(t, h, "/api/runs")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestProducts(t *testing.T) {
	t.Parallel()
	h, database := setupTestServer(t)
	seed(t, database)

	tests := []struct {
		name string
		path string
		want []string
	}{
		{"all newest first", "/api/products", []string{"S2A-C", "S2B-B", "LS8-A"}},
		{"tile with prefix", "/api/products?tile=T31TFJ", []string{"S2B-B", "LS8-A"}},
		{"mission list", "/api/products?mission=S2A,Sentinel-2B", []string{"S2A-C", "S2B-B"}},
		{"until date", "/api/products?until=2026-04-19", []string{"S2B-B", "LS8-A"}},
		{"until instant", "/api/products?until=2026-04-18T12:00:00Z", []string{"LS8-A"}},
		{"limit", "/api/products?limit=1", []string{"S2A-C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
			assert.Equal(t, tt.want, productNames(t, rec))
		})
	}
}

func TestProducts_BadQuery(t *testing.T) {
	t.Parallel()
	h, _ := setupTestServer(t)
	for _, path := range []string{
		"/api/products?tile=99ZZZ",
		"/api/products?mission=MODIS",
		"/api/products?until=yesterday",
		"/api/products?limit=-3",
	} {
		t.Run(path, func(t *testing.T) {
			rec := get(t, h, path)
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestProduct(t *testing.T) {
	t.Parallel()
	h, database := setupTestServer(t)
	seed(t, database)

	rec := get(t, h, "/api/products/b")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var p db.ProductRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, product.Sentinel2B, p.Mission)

	rec = get(t, h, "/api/products/missing")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestRouter_Fallbacks(t *testing.T) {
	t.Parallel()
	h, _ := setupTestServer(t)

	rec := get(t, h, "/nowhere")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, testutil.NewTestRequest(http.MethodPost, "/api/runs"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestStatusCodeColor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen + "200" + colorReset},
		{304, colorYellow + "304" + colorReset},
		{404, colorBoldRed + "404" + colorReset},
		{503, colorBoldRed + "503" + colorReset},
		{101, "101"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCodeColor(tt.code))
	}
}
