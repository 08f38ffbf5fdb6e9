package kernel

import (
	"math"

	"github.com/tilegrid-ml/tilegrid/internal/parallel"
)

// SoftmaxRows applies a numerically stable softmax to every length-cols row
// of x in place. The row maximum is subtracted before exponentiation.
func SoftmaxRows[T Float](x []T, rows, cols int, cfg parallel.Config) {
	if cols == 0 {
		return
	}
	parallel.For(rows, func(r int) {
		row := x[r*cols : (r+1)*cols]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum T
		for i, v := range row {
			e := T(math.Exp(float64(v - maxVal)))
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}, cfg)
}

// SoftmaxGradRows computes the softmax Jacobian-vector product row-wise:
// given y = softmax(s) and dy, it overwrites dy with
// ds = y * (dy - sum(dy*y)).
func SoftmaxGradRows[T Float](y, dy []T, rows, cols int, cfg parallel.Config) {
	parallel.For(rows, func(r int) {
		yr := y[r*cols : (r+1)*cols]
		dr := dy[r*cols : (r+1)*cols]
		var dot T
		for i := range yr {
			dot += yr[i] * dr[i]
		}
		for i := range yr {
			dr[i] = yr[i] * (dr[i] - dot)
		}
	}, cfg)
}
