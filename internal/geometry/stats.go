package geometry

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// AxisStats summarises residuals along one axis, in projected units.
type AxisStats struct {
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Median float64 `json:"median"`
	RMSE   float64 `json:"rmse"`
	// Residual is the RMSE left after removing the mean displacement.
	Residual float64 `json:"residual"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Statistics summarise a tie-point set.
type Statistics struct {
	Count int       `json:"count"`
	X     AxisStats `json:"x"`
	Y     AxisStats `json:"y"`
}

func axisStats(v []float64) AxisStats {
	if len(v) == 0 {
		return AxisStats{}
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	mean := stat.Mean(v, nil)
	std := 0.0
	if len(v) > 1 {
		std = stat.StdDev(v, nil)
	}
	var sq, res float64
	for _, x := range v {
		sq += x * x
		res += (x - mean) * (x - mean)
	}
	return AxisStats{
		Mean:   mean,
		Std:    std,
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		RMSE:   math.Sqrt(sq / float64(len(v))),
		Residual: math.Sqrt(res / float64(len(v))),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

// Summarize computes statistics over a tie-point set.
func Summarize(points []TiePoint) Statistics {
	dx := make([]float64, len(points))
	dy := make([]float64, len(points))
	for i, p := range points {
		dx[i], dy[i] = p.DX, p.DY
	}
	return Statistics{Count: len(points), X: axisStats(dx), Y: axisStats(dy)}
}

// RejectOutliers iteratively drops points whose displacement lies further
// than min(3 sigma, maxAbs) from the mean on either axis, until the set is
// stable.
func RejectOutliers(points []TiePoint, maxAbs float64) []TiePoint {
	kept := append([]TiePoint(nil), points...)
	for len(kept) > 2 {
		s := Summarize(kept)
		limX := math.Max(math.Min(3*s.X.Std, maxAbs), 1e-9)
		limY := math.Max(math.Min(3*s.Y.Std, maxAbs), 1e-9)
		next := kept[:0:0]
		for _, p := range kept {
			if math.Abs(p.DX-s.X.Mean) <= limX && math.Abs(p.DY-s.Y.Mean) <= limY {
				next = append(next, p)
			}
		}
		if len(next) == len(kept) || len(next) == 0 {
			break
		}
		diagf("outlier pass: %d -> %d points", len(kept), len(next))
		kept = next
	}
	return kept
}
