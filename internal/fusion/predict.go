package fusion

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/senbox-org/sen2like/internal/raster"
	"github.com/senbox-org/sen2like/internal/timeutil"
)

// Observation is one valid candidate sample at a pixel. At is a decimal
// year.
type Observation struct {
	At    float64
	Value float64
}

// Predictor estimates a pixel value at a target date from the valid
// candidate samples of that pixel, oldest first. ok is false when no
// estimate can be made.
type Predictor interface {
	Name() string
	Predict(obs []Observation, at float64) (v float64, ok bool)
}

// LinearTemporalPredictor draws a line through the two most recent
// observations and reads it at the target date. A single observation is
// returned as is.
type LinearTemporalPredictor struct{}

func (LinearTemporalPredictor) Name() string { return "linear-temporal" }

func (LinearTemporalPredictor) Predict(obs []Observation, at float64) (float64, bool) {
	switch len(obs) {
	case 0:
		return 0, false
	case 1:
		return obs[0].Value, true
	}
	a, b := obs[len(obs)-2], obs[len(obs)-1]
	if b.At == a.At {
		return b.Value, true
	}
	slope := (b.Value - a.Value) / (b.At - a.At)
	return b.Value + slope*(at-b.At), true
}

// OLSPredictor fits an ordinary least squares line through every
// observation.
type OLSPredictor struct{}

func (OLSPredictor) Name() string { return "ols" }

func (OLSPredictor) Predict(obs []Observation, at float64) (float64, bool) {
	switch len(obs) {
	case 0:
		return 0, false
	case 1:
		return obs[0].Value, true
	}
	xs := make([]float64, len(obs))
	ys := make([]float64, len(obs))
	for i, o := range obs {
		xs[i], ys[i] = o.At, o.Value
	}
	if stat.Variance(xs, nil) == 0 {
		return stat.Mean(ys, nil), true
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	return alpha + beta*at, true
}

// PredictorByName resolves a configured predictor. The empty name selects
// the linear temporal model.
func PredictorByName(name string) (Predictor, error) {
	switch name {
	case "", "linear-temporal":
		return LinearTemporalPredictor{}, nil
	case "ols":
		return OLSPredictor{}, nil
	}
	return nil, fmt.Errorf("unknown fusion predictor %q", name)
}

// Layer is one dated candidate raster on the fusion grid.
type Layer struct {
	At   time.Time
	Band *raster.Band
}

// Predict runs p for every pixel of the layers, which must share a grid.
// Pixels with no valid observation are Nodata.
func Predict(p Predictor, layers []Layer, at time.Time) (*raster.Band, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("predict: no layers")
	}
	g := layers[0].Band.Grid
	for _, l := range layers[1:] {
		if l.Band.Grid != g {
			return nil, fmt.Errorf("%w: predict layers differ", raster.ErrGridMismatch)
		}
	}
	ordered := append([]Layer(nil), layers...)
	sortOldestFirst(ordered)
	years := make([]float64, len(ordered))
	for i, l := range ordered {
		years[i] = timeutil.DecimalYear(l.At)
	}
	target := timeutil.DecimalYear(at)

	out := raster.New(layers[0].Band.ID, g)
	obs := make([]Observation, 0, len(ordered))
	for i := range out.Data {
		obs = obs[:0]
		for k, l := range ordered {
			if v := l.Band.Data[i]; v != raster.Nodata {
				obs = append(obs, Observation{At: years[k], Value: float64(v)})
			}
		}
		if v, ok := p.Predict(obs, target); ok {
			out.Data[i] = float32(v)
		}
	}
	return out, nil
}
