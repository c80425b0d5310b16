package zoneout

import (
	"math"
)

const (
	machineEpsilon     = 2.2e-16
	machineEpsilonSqrt = 1e-8 // math.Sqrt(machineEpsilon)
)

func Sigmoid(x float64) float64 {
	return 1.0 / (1 + math.Exp(-x))
}

func MakeTensor2(n, m int) [][]float64 {
	t := make([][]float64, n)
	for i := 0; i < len(t); i++ {
		t[i] = make([]float64, m)
	}
	return t
}

// countNonFinite returns the number of NaN and infinite values in v.
func countNonFinite(v []float64) (nans, infs int) {
	for _, x := range v {
		if math.IsNaN(x) {
			nans++
		} else if math.IsInf(x, 0) {
			infs++
		}
	}
	return nans, infs
}
