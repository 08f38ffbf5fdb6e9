package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegrid-ml/tilegrid/internal/parallel"
)

// naiveGemm is the dense reference: c = alpha*op(a)@op(b) + beta*c.
func naiveGemm(transA, transB bool, m, n, k int, alpha float64, a, b []float64, beta float64, c []float64) {
	at := func(i, j int) float64 {
		if transA {
			return a[j*m+i]
		}
		return a[i*k+j]
	}
	bt := func(i, j int) float64 {
		if transB {
			return b[j*k+i]
		}
		return b[i*n+j]
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := 0.0
			for p := 0; p < k; p++ {
				sum += at(i, p) * bt(p, j)
			}
			c[i*n+j] = beta*c[i*n+j] + alpha*sum
		}
	}
}

func randSlice(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.NormFloat64()
	}
	return s
}

func TestGemmAgainstReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, transA := range []bool{false, true} {
		for _, transB := range []bool{false, true} {
			m, n, k := 5, 7, 4
			a := randSlice(rng, m*k)
			b := randSlice(rng, k*n)
			c := randSlice(rng, m*n)
			want := append([]float64(nil), c...)

			Gemm(transA, transB, m, n, k, 0.5, a, b, -0.5, c)
			naiveGemm(transA, transB, m, n, k, 0.5, a, b, -0.5, want)

			for i := range c {
				assert.InDelta(t, want[i], c[i], 1e-12, "transA=%v transB=%v i=%d", transA, transB, i)
			}
		}
	}
}

func TestGemmFloat32(t *testing.T) {
	a := []float32{1, 2, 3, 4} // 2x2
	b := []float32{5, 6, 7, 8} // 2x2
	c := []float32{1, 1, 1, 1}
	Gemm(false, false, 2, 2, 2, float32(1), a, b, float32(1), c)
	assert.Equal(t, []float32{20, 23, 44, 51}, c)
}

func TestGemmZeroSharedDim(t *testing.T) {
	c := []float64{1, 2, 3, 4}
	Gemm(false, false, 2, 2, 0, 1.0, nil, nil, -0.5, c)
	assert.Equal(t, []float64{-0.5, -1, -1.5, -2}, c)
}

func TestAxpby(t *testing.T) {
	x := []float64{1, 2, 3}
	y := []float64{10, 20, 30}
	Axpby(2.0, x, 0.5, y)
	assert.Equal(t, []float64{7, 14, 21}, y)

	y = []float64{10, 20, 30}
	Axpby(1.0, x, 1.0, y)
	assert.Equal(t, []float64{11, 22, 33}, y)
}

func TestAdd2(t *testing.T) {
	dst := make([]float64, 3)
	Add2(dst, 1.0, []float64{1, 2, 3}, -1.0, []float64{3, 2, 1})
	assert.Equal(t, []float64{-2, 0, 2}, dst)
}

func TestDRelu(t *testing.T) {
	x := []float64{-1.5, 0, 2.5, -0.1}
	DRelu(x)
	assert.Equal(t, []float64{0, 0, 1, 0}, x)
}

func TestSoftmaxRowsStable(t *testing.T) {
	// Large magnitudes overflow a naive softmax; the max-subtracted form
	// must stay finite.
	x := []float64{1000, 1001, 1002, -1000, -1001, -1002}
	SoftmaxRows(x, 2, 3, parallel.Sequential())
	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			v := x[r*3+c]
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
	// Rows with the same relative offsets produce the same distribution.
	for c := 0; c < 3; c++ {
		assert.InDelta(t, x[c], x[5-c], 1e-12)
	}
}

func TestSoftmaxGradRows(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const cols = 5
	s := randSlice(rng, cols)
	y := append([]float64(nil), s...)
	SoftmaxRows(y, 1, cols, parallel.Sequential())

	dy := randSlice(rng, cols)
	ds := append([]float64(nil), dy...)
	SoftmaxGradRows(y, ds, 1, cols, parallel.Sequential())

	// Finite differences on the input logits.
	const eps = 1e-6
	for i := 0; i < cols; i++ {
		plus := append([]float64(nil), s...)
		plus[i] += eps
		SoftmaxRows(plus, 1, cols, parallel.Sequential())
		minus := append([]float64(nil), s...)
		minus[i] -= eps
		SoftmaxRows(minus, 1, cols, parallel.Sequential())
		want := 0.0
		for j := 0; j < cols; j++ {
			want += dy[j] * (plus[j] - minus[j]) / (2 * eps)
		}
		assert.InDelta(t, want, ds[i], 1e-5)
	}
}

func TestScaleAndClearAndFill(t *testing.T) {
	x := []float64{1, 2, 3}
	Scale(2.0, x)
	assert.Equal(t, []float64{2, 4, 6}, x)
	Scale(0.0, x)
	assert.Equal(t, []float64{0, 0, 0}, x)
	Fill(7.0, x)
	assert.Equal(t, []float64{7, 7, 7}, x)
	Clear(x)
	assert.Equal(t, []float64{0, 0, 0}, x)
}
