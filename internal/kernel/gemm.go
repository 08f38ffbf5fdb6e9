package kernel

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
)

// Gemm computes c = alpha*op(a)@op(b) + beta*c for row-major dense tiles.
//
// m, n and k are the dimensions after applying the transpose flags: op(a) is
// m-by-k and op(b) is k-by-n. A transposed operand is stored transposed, i.e.
// with transA set, a holds a k-by-m row-major matrix.
func Gemm[T Float](transA, transB bool, m, n, k int, alpha T, a, b []T, beta T, c []T) {
	if m == 0 || n == 0 {
		return
	}
	if k == 0 {
		Scale(beta, c)
		return
	}
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	switch av := any(a).(type) {
	case []float32:
		blas32.Gemm(tA, tB,
			any(alpha).(float32),
			general32(av, transA, m, k),
			general32(any(b).([]float32), transB, k, n),
			any(beta).(float32),
			general32(any(c).([]float32), false, m, n))
	case []float64:
		blas64.Gemm(tA, tB,
			any(alpha).(float64),
			general64(av, transA, m, k),
			general64(any(b).([]float64), transB, k, n),
			any(beta).(float64),
			general64(any(c).([]float64), false, m, n))
	}
}

// general32 describes data as the stored matrix underlying an op-space
// rows-by-cols operand: transposed operands are stored cols-by-rows.
func general32(data []float32, trans bool, rows, cols int) blas32.General {
	if trans {
		rows, cols = cols, rows
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

func general64(data []float64, trans bool, rows, cols int) blas64.General {
	if trans {
		rows, cols = cols, rows
	}
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
