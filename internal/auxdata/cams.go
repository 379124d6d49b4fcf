package auxdata

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/senbox-org/sen2like/internal/correction"
	"github.com/senbox-org/sen2like/internal/fsutil"
	"github.com/senbox-org/sen2like/internal/product"
)

// CAMS parameter names as found in the forecast fields.
const (
	paramAOD      = "aod550"
	paramWater    = "tcwv"
	paramOzone    = "gtco3"
	paramPressure = "msl"
)

var camsParams = []string{paramAOD, paramWater, paramOzone, paramPressure}

// CAMSDirs lists the CAMS archives. Empty entries are not searched.
type CAMSDirs struct {
	Daily       string `json:"daily,omitempty"`
	Hourly      string `json:"hourly,omitempty"`
	Monthly     string `json:"monthly,omitempty"`
	Climatology string `json:"climatology,omitempty"`
}

// camsFile is one time slice of CAMS fields on a regular lat/lon grid.
// Fields are indexed [lat][lon].
type camsFile struct {
	Latitude  []float64              `json:"latitude"`
	Longitude []float64              `json:"longitude"`
	Fields    map[string][][]float64 `json:"fields"`
}

// CAMSReader resolves the atmosphere of a product from CAMS archives. Each
// parameter is looked up independently in daily, hourly, monthly and
// climatology data, first hit wins.
//
// Layout:
//
//	<Daily>/<YYYYMMDD>.json
//	<Hourly>/<YYYYMMDD>/<HH>.json
//	<Monthly>/<YYYYMM>.json
//	<Climatology>/DOY_<DDD>.json
type CAMSReader struct {
	FS   fsutil.FileSystem
	Dirs CAMSDirs
	// MaxHourGap bounds the search for bracketing hourly files.
	MaxHourGap int
}

func NewCAMSReader(fs fsutil.FileSystem, dirs CAMSDirs) *CAMSReader {
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &CAMSReader{FS: fs, Dirs: dirs, MaxHourGap: 3}
}

type camsSource struct {
	name   string
	sample func(at time.Time, lat, lon float64, param string) (float64, bool, error)
}

func (r *CAMSReader) sources() []camsSource {
	var out []camsSource
	if r.Dirs.Daily != "" {
		out = append(out, camsSource{"daily", func(at time.Time, lat, lon float64, p string) (float64, bool, error) {
			return r.sampleFile(filepath.Join(r.Dirs.Daily, at.Format("20060102")+".json"), lat, lon, p)
		}})
	}
	if r.Dirs.Hourly != "" {
		out = append(out, camsSource{"hourly", r.sampleHourly})
	}
	if r.Dirs.Monthly != "" {
		out = append(out, camsSource{"monthly", func(at time.Time, lat, lon float64, p string) (float64, bool, error) {
			return r.sampleFile(filepath.Join(r.Dirs.Monthly, at.Format("200601")+".json"), lat, lon, p)
		}})
	}
	if r.Dirs.Climatology != "" {
		out = append(out, camsSource{"climatology", func(at time.Time, lat, lon float64, p string) (float64, bool, error) {
			return r.sampleFile(filepath.Join(r.Dirs.Climatology, fmt.Sprintf("DOY_%03d.json", at.YearDay())), lat, lon, p)
		}})
	}
	return out
}

func (r *CAMSReader) Atmosphere(ctx context.Context, pc *product.Context) (correction.Atmosphere, string, bool, error) {
	at := pc.AcquiredAt.UTC()
	lat, lon := pc.Geometry.Center.Lat, pc.Geometry.Center.Lon
	values := make(map[string]float64, len(camsParams))
	used := make(map[string]bool)
	for _, param := range camsParams {
		if err := ctx.Err(); err != nil {
			return correction.Atmosphere{}, "", false, err
		}
		for _, src := range r.sources() {
			v, ok, err := src.sample(at, lat, lon, param)
			if err != nil {
				return correction.Atmosphere{}, "", false, err
			}
			if ok {
				values[param] = v
				used[src.name] = true
				tracef("%s: %s=%g from %s CAMS", pc, param, v, src.name)
				break
			}
		}
		if _, ok := values[param]; !ok {
			opsf("%s: no CAMS %s for %s", pc, param, at.Format(time.RFC3339))
			return correction.Atmosphere{}, "", false, nil
		}
	}
	names := make([]string, 0, len(used))
	for n := range used {
		names = append(names, n)
	}
	sort.Strings(names)
	return correction.Atmosphere{
		AOD550:      values[paramAOD],
		WaterVapour: values[paramWater] * 0.1,
		Ozone:       values[paramOzone] / 2.14151869e-05 / 1000,
		Pressure:    values[paramPressure] * 0.01,
	}, "CAMS " + strings.Join(names, "+"), true, nil
}

func (r *CAMSReader) load(path string) (*camsFile, bool, error) {
	if !r.FS.Exists(path) {
		return nil, false, nil
	}
	data, err := r.FS.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("reading CAMS %s: %w", path, err)
	}
	var f camsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, false, fmt.Errorf("%w: CAMS %s: %v", product.ErrCorruptInput, path, err)
	}
	return &f, true, nil
}

func (r *CAMSReader) sampleFile(path string, lat, lon float64, param string) (float64, bool, error) {
	f, ok, err := r.load(path)
	if err != nil || !ok {
		return 0, false, err
	}
	v, ok := f.sample(lat, lon, param)
	return v, ok, nil
}

// sampleHourly interpolates linearly in time between the closest hourly
// files before and after the acquisition.
func (r *CAMSReader) sampleHourly(at time.Time, lat, lon float64, param string) (float64, bool, error) {
	hourPath := func(t time.Time) string {
		return filepath.Join(r.Dirs.Hourly, t.Format("20060102"), t.Format("15")+".json")
	}
	lower := at.Truncate(time.Hour)
	var t0 time.Time
	var v0 float64
	found := false
	for i := 0; i <= r.MaxHourGap && !found; i++ {
		t0 = lower.Add(-time.Duration(i) * time.Hour)
		v, ok, err := r.sampleFile(hourPath(t0), lat, lon, param)
		if err != nil {
			return 0, false, err
		}
		v0, found = v, ok
	}
	if !found {
		return 0, false, nil
	}
	for i := 1; i <= r.MaxHourGap+1; i++ {
		t1 := lower.Add(time.Duration(i) * time.Hour)
		v1, ok, err := r.sampleFile(hourPath(t1), lat, lon, param)
		if err != nil {
			return 0, false, err
		}
		if ok {
			w := at.Sub(t0).Hours() / t1.Sub(t0).Hours()
			return v0 + w*(v1-v0), true, nil
		}
	}
	return 0, false, nil
}

// sample reads param at (lat, lon) from the four grid nodes around the
// point, fitted with a plane v = c0*lon + c1*lat + c2.
func (f *camsFile) sample(lat, lon float64, param string) (float64, bool) {
	field, ok := f.Fields[param]
	if !ok || len(f.Latitude) < 2 || len(f.Longitude) < 2 {
		return 0, false
	}
	if f.Longitude[0] >= 0 && lon < 0 {
		lon += 360
	}
	i0, i1, ok := bracket(f.Latitude, lat)
	if !ok {
		return 0, false
	}
	j0, j1, ok := bracket(f.Longitude, lon)
	if !ok {
		return 0, false
	}
	var pts [][3]float64
	for _, i := range []int{i0, i1} {
		for _, j := range []int{j0, j1} {
			if i >= len(field) || j >= len(field[i]) || math.IsNaN(field[i][j]) {
				return 0, false
			}
			pts = append(pts, [3]float64{f.Longitude[j], f.Latitude[i], field[i][j]})
		}
	}
	c, err := fitPlane(pts)
	if err != nil {
		return 0, false
	}
	return c[0]*lon + c[1]*lat + c[2], true
}

// bracket returns the indices of the axis nodes enclosing v. The axis may
// be ascending or descending.
func bracket(axis []float64, v float64) (int, int, bool) {
	for i := 0; i+1 < len(axis); i++ {
		a, b := axis[i], axis[i+1]
		if (a <= v && v <= b) || (b <= v && v <= a) {
			return i, i + 1, true
		}
	}
	return 0, 0, false
}

// fitPlane solves the least squares plane through (x, y, v) points.
func fitPlane(pts [][3]float64) ([3]float64, error) {
	a := mat.NewDense(len(pts), 3, nil)
	b := mat.NewVecDense(len(pts), nil)
	for i, p := range pts {
		a.SetRow(i, []float64{p[0], p[1], 1})
		b.SetVec(i, p[2])
	}
	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return [3]float64{}, err
	}
	return [3]float64{c.AtVec(0), c.AtVec(1), c.AtVec(2)}, nil
}
