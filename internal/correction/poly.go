package correction

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// fitPolynomial returns least-squares coefficients c[0] + c[1]x + ... of the
// given degree.
func fitPolynomial(x, y []float64, degree int) ([]float64, error) {
	if len(x) != len(y) || len(x) <= degree {
		return nil, fmt.Errorf("polynomial fit: %d samples for degree %d", len(x), degree)
	}
	a := mat.NewDense(len(x), degree+1, nil)
	for i, xi := range x {
		p := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, p)
			p *= xi
		}
	}
	var c mat.VecDense
	if err := c.SolveVec(a, mat.NewVecDense(len(y), append([]float64(nil), y...))); err != nil {
		return nil, fmt.Errorf("polynomial fit: %w", err)
	}
	out := make([]float64, degree+1)
	for i := range out {
		out[i] = c.AtVec(i)
	}
	return out, nil
}

func evalPolynomial(c []float64, x float64) float64 {
	v := 0.0
	for i := len(c) - 1; i >= 0; i-- {
		v = v*x + c[i]
	}
	return v
}
