// Package api serves the run and product ledger over HTTP: run summaries,
// per-stage outcomes, an HTML run report and the harmonized product list.
package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/senbox-org/sen2like/internal/db"
	"github.com/senbox-org/sen2like/internal/httputil"
	"github.com/senbox-org/sen2like/internal/mgrs"
	"github.com/senbox-org/sen2like/internal/product"
	"github.com/senbox-org/sen2like/internal/report"
)

// ANSI escape codes for status colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultLimit = 100
	maxLimit     = 1000
)

type Server struct {
	db    *db.DB
	admin bool
}

func NewServer(database *db.DB) *Server {
	return &Server{db: database}
}

// EnableAdmin mounts the ledger debug console under /debug/ on the next
// call to Router.
func (s *Server) EnableAdmin() { s.admin = true }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		opsf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Router builds the HTTP handler. It fails only when the admin console
// cannot be created.
func (s *Server) Router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.MethodNotAllowed(w)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "not found")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.listRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.showRun)
			r.Get("/report", s.runReport)
		})
		r.Get("/products", s.listProducts)
		r.Get("/products/{id}", s.showProduct)
	})

	if s.admin {
		mux := http.NewServeMux()
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
		r.Mount("/debug", mux)
	}
	return r, nil
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "limit must be a positive integer")
		return
	}
	runs, err := s.db.Runs(r.Context(), limit)
	if err != nil {
		opsf("listing runs: %v", err)
		httputil.InternalServerError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []db.RunRecord{}
	}
	httputil.WriteJSONOK(w, runs)
}

type runResponse struct {
	Run      db.RunRecord       `json:"run"`
	Outcomes []db.OutcomeRecord `json:"outcomes"`
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, outcomes, found, err := s.db.Run(r.Context(), id)
	if err != nil {
		opsf("loading run %s: %v", id, err)
		httputil.InternalServerError(w, "failed to load run")
		return
	}
	if !found {
		httputil.NotFound(w, "run not found")
		return
	}
	if outcomes == nil {
		outcomes = []db.OutcomeRecord{}
	}
	httputil.WriteJSONOK(w, runResponse{Run: run, Outcomes: outcomes})
}

func (s *Server) runReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, outcomes, found, err := s.db.Run(r.Context(), id)
	if err != nil {
		opsf("loading run %s: %v", id, err)
		httputil.InternalServerError(w, "failed to load run")
		return
	}
	if !found {
		httputil.NotFound(w, "run not found")
		return
	}
	err = httputil.WriteHTML(w, func(out io.Writer) error {
		return report.RunSummary(out, run, outcomes)
	})
	if err != nil {
		opsf("rendering report for run %s: %v", id, err)
	}
}

func parseUntil(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	// A bare date includes the whole day.
	return t.Add(24*time.Hour - time.Second), nil
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f db.ProductFilter

	if raw := q.Get("tile"); raw != "" {
		tile, err := mgrs.ParseTile(raw)
		if err != nil {
			httputil.BadRequest(w, "invalid tile: "+raw)
			return
		}
		f.Tile = tile.ID
	}
	if raw := q.Get("mission"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			m, err := product.ParseMission(strings.TrimSpace(part))
			if err != nil {
				httputil.BadRequest(w, "invalid mission: "+part)
				return
			}
			f.Missions = append(f.Missions, m)
		}
	}
	if raw := q.Get("until"); raw != "" {
		until, err := parseUntil(raw)
		if err != nil {
			httputil.BadRequest(w, "until must be RFC3339 or YYYY-MM-DD")
			return
		}
		f.Until = until
	}
	limit, ok := parseLimit(r)
	if !ok {
		httputil.BadRequest(w, "limit must be a positive integer")
		return
	}
	f.Limit = limit

	products, err := s.db.Products(r.Context(), f)
	if err != nil {
		opsf("listing products: %v", err)
		httputil.InternalServerError(w, "failed to list products")
		return
	}
	if products == nil {
		products = []db.ProductRecord{}
	}
	tracef("listed %d products (tile=%q missions=%v)", len(products), f.Tile, f.Missions)
	httputil.WriteJSONOK(w, products)
}

func (s *Server) showProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, found, err := s.db.Product(r.Context(), id)
	if err != nil {
		opsf("loading product %s: %v", id, err)
		httputil.InternalServerError(w, "failed to load product")
		return
	}
	if !found {
		httputil.NotFound(w, "product not found")
		return
	}
	httputil.WriteJSONOK(w, p)
}
