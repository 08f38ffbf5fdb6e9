package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

func newAttnGraph(t *testing.T) *sched.Graph {
	t.Helper()
	g := sched.New(sched.Config{Workers: 4})
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func attnTensor(t *testing.T, g *sched.Graph, shape, tileShape tile.Shape) *tensor.Tensor[float64] {
	t.Helper()
	ten, err := allocTensor[float64](g, shape, tileShape)
	require.NoError(t, err)
	return ten
}

func attnMoments(t *testing.T, g *sched.Graph, shape, tileShape tile.Shape) *Moments[float64] {
	t.Helper()
	m, err := NewMoments(attnTensor(t, g, shape, tileShape), attnTensor(t, g, shape, tileShape))
	require.NoError(t, err)
	return m
}

func randHost(rng *rand.Rand, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = rng.Float64()*2 - 1
	}
	return s
}

// Dense row-major matrix product helpers for the reference computation.

// mm computes a[m][k] @ b[k][n].
func mm(m, n, k int, a, b []float64) []float64 {
	c := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for kk := 0; kk < k; kk++ {
			av := a[i*k+kk]
			for j := 0; j < n; j++ {
				c[i*n+j] += av * b[kk*n+j]
			}
		}
	}
	return c
}

// mmT computes a[m][k] @ b[n][k]^T.
func mmT(m, n, k int, a, b []float64) []float64 {
	c := make([]float64, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var s float64
			for kk := 0; kk < k; kk++ {
				s += a[i*k+kk] * b[j*k+kk]
			}
			c[i*n+j] = s
		}
	}
	return c
}

// tmm computes a[k][m]^T @ b[k][n].
func tmm(m, n, k int, a, b []float64) []float64 {
	c := make([]float64, m*n)
	for kk := 0; kk < k; kk++ {
		for i := 0; i < m; i++ {
			av := a[kk*m+i]
			for j := 0; j < n; j++ {
				c[i*n+j] += av * b[kk*n+j]
			}
		}
	}
	return c
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// attnRef computes multi-head attention and its gradients densely.
type attnRef struct {
	nBatch, nSeq, nSeqK int
	nEmb, nEmbK, nEmbV  int
	nHead, hd           int
	xq, xk, xv          []float64
	wq, wk, wv, wo      [][]float64
}

func (r *attnRef) scale() float64 { return 1 / math.Sqrt(float64(r.hd)) }

// headForward recomputes the head-h activations of batch element b.
func (r *attnRef) headForward(b, h int) (q, k, v, p, o []float64) {
	xqB := r.xq[b*r.nSeq*r.nEmb : (b+1)*r.nSeq*r.nEmb]
	xkB := r.xk[b*r.nSeqK*r.nEmbK : (b+1)*r.nSeqK*r.nEmbK]
	xvB := r.xv[b*r.nSeqK*r.nEmbV : (b+1)*r.nSeqK*r.nEmbV]
	q = mmT(r.nSeq, r.hd, r.nEmb, xqB, r.wq[h])
	k = mmT(r.nSeqK, r.hd, r.nEmbK, xkB, r.wk[h])
	v = mmT(r.nSeqK, r.hd, r.nEmbV, xvB, r.wv[h])
	p = mmT(r.nSeq, r.nSeqK, r.hd, q, k)
	for i := range p {
		p[i] *= r.scale()
	}
	for row := 0; row < r.nSeq; row++ {
		softmaxRowRef(p[row*r.nSeqK : (row+1)*r.nSeqK])
	}
	o = mm(r.nSeq, r.hd, r.nSeqK, p, v)
	return
}

func softmaxRowRef(row []float64) {
	max := row[0]
	for _, x := range row {
		if x > max {
			max = x
		}
	}
	var sum float64
	for i, x := range row {
		row[i] = math.Exp(x - max)
		sum += row[i]
	}
	for i := range row {
		row[i] /= sum
	}
}

func (r *attnRef) forward() []float64 {
	y := make([]float64, r.nBatch*r.nSeq*r.nEmb)
	for b := 0; b < r.nBatch; b++ {
		yB := y[b*r.nSeq*r.nEmb : (b+1)*r.nSeq*r.nEmb]
		for h := 0; h < r.nHead; h++ {
			_, _, _, _, o := r.headForward(b, h)
			addInto(yB, mmT(r.nSeq, r.nEmb, r.hd, o, r.wo[h]))
		}
	}
	return y
}

type attnGrads struct {
	wq, wk, wv, wo [][]float64
	xq, xk, xv     []float64
}

func (r *attnRef) backward(dy []float64) attnGrads {
	g := attnGrads{
		wq: make([][]float64, r.nHead), wk: make([][]float64, r.nHead),
		wv: make([][]float64, r.nHead), wo: make([][]float64, r.nHead),
		xq: make([]float64, len(r.xq)),
		xk: make([]float64, len(r.xk)),
		xv: make([]float64, len(r.xv)),
	}
	for h := 0; h < r.nHead; h++ {
		g.wq[h] = make([]float64, r.hd*r.nEmb)
		g.wk[h] = make([]float64, r.hd*r.nEmbK)
		g.wv[h] = make([]float64, r.hd*r.nEmbV)
		g.wo[h] = make([]float64, r.nEmb*r.hd)
	}
	for b := 0; b < r.nBatch; b++ {
		dyB := dy[b*r.nSeq*r.nEmb : (b+1)*r.nSeq*r.nEmb]
		xqB := r.xq[b*r.nSeq*r.nEmb : (b+1)*r.nSeq*r.nEmb]
		xkB := r.xk[b*r.nSeqK*r.nEmbK : (b+1)*r.nSeqK*r.nEmbK]
		xvB := r.xv[b*r.nSeqK*r.nEmbV : (b+1)*r.nSeqK*r.nEmbV]
		for h := 0; h < r.nHead; h++ {
			q, k, v, p, o := r.headForward(b, h)

			dO := mm(r.nSeq, r.hd, r.nEmb, dyB, r.wo[h])
			addInto(g.wo[h], tmm(r.nEmb, r.hd, r.nSeq, dyB, o))

			dV := tmm(r.nSeqK, r.hd, r.nSeq, p, dO)
			dP := mmT(r.nSeq, r.nSeqK, r.hd, dO, v)
			dS := make([]float64, len(dP))
			for row := 0; row < r.nSeq; row++ {
				var dot float64
				for c := 0; c < r.nSeqK; c++ {
					dot += p[row*r.nSeqK+c] * dP[row*r.nSeqK+c]
				}
				for c := 0; c < r.nSeqK; c++ {
					i := row*r.nSeqK + c
					dS[i] = p[i] * (dP[i] - dot) * r.scale()
				}
			}
			dQ := mm(r.nSeq, r.hd, r.nSeqK, dS, k)
			dK := tmm(r.nSeqK, r.hd, r.nSeq, dS, q)

			addInto(g.wq[h], tmm(r.hd, r.nEmb, r.nSeq, dQ, xqB))
			addInto(g.wk[h], tmm(r.hd, r.nEmbK, r.nSeqK, dK, xkB))
			addInto(g.wv[h], tmm(r.hd, r.nEmbV, r.nSeqK, dV, xvB))
			addInto(g.xq[b*r.nSeq*r.nEmb:(b+1)*r.nSeq*r.nEmb], mm(r.nSeq, r.nEmb, r.hd, dQ, r.wq[h]))
			addInto(g.xk[b*r.nSeqK*r.nEmbK:(b+1)*r.nSeqK*r.nEmbK], mm(r.nSeqK, r.nEmbK, r.hd, dK, r.wk[h]))
			addInto(g.xv[b*r.nSeqK*r.nEmbV:(b+1)*r.nSeqK*r.nEmbV], mm(r.nSeqK, r.nEmbV, r.hd, dV, r.wv[h]))
		}
	}
	return g
}

func readHost(t *testing.T, g *sched.Graph, ten *tensor.Tensor[float64]) []float64 {
	t.Helper()
	out := make([]float64, ten.Shape().NumElements())
	require.NoError(t, ten.ToHostAsync(out, ten.Shape()))
	require.NoError(t, g.WaitAll())
	return out
}

func assertClose(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol)
	}
}

func TestAttentionForwardBackward(t *testing.T) {
	const (
		nBatch, nSeq, nSeqK = 3, 8, 5
		nEmb, nEmbK, nEmbV  = 16, 12, 10
		nHead               = 4
	)
	g := newAttnGraph(t)
	rng := rand.New(rand.NewSource(21))

	// Batch and query sequence tiled, everything else untiled.
	xQ := attnMoments(t, g, tile.Shape{nBatch, nSeq, nEmb}, tile.Shape{2, 4, nEmb})
	xK := attnMoments(t, g, tile.Shape{nBatch, nSeqK, nEmbK}, tile.Shape{2, nSeqK, nEmbK})
	xV := attnMoments(t, g, tile.Shape{nBatch, nSeqK, nEmbV}, tile.Shape{2, nSeqK, nEmbV})

	layer, err := NewAttention(g, xQ, xK, xV, nHead)
	require.NoError(t, err)
	require.Equal(t, nEmb/nHead, layer.HeadDim())

	ref := &attnRef{
		nBatch: nBatch, nSeq: nSeq, nSeqK: nSeqK,
		nEmb: nEmb, nEmbK: nEmbK, nEmbV: nEmbV,
		nHead: nHead, hd: nEmb / nHead,
		xq: randHost(rng, nBatch*nSeq*nEmb),
		xk: randHost(rng, nBatch*nSeqK*nEmbK),
		xv: randHost(rng, nBatch*nSeqK*nEmbV),
		wq: make([][]float64, nHead), wk: make([][]float64, nHead),
		wv: make([][]float64, nHead), wo: make([][]float64, nHead),
	}
	require.NoError(t, xQ.Value.FromHostAsync(ref.xq, xQ.Value.Shape()))
	require.NoError(t, xK.Value.FromHostAsync(ref.xk, xK.Value.Shape()))
	require.NoError(t, xV.Value.FromHostAsync(ref.xv, xV.Value.Shape()))
	hd := nEmb / nHead
	for h := 0; h < nHead; h++ {
		ref.wq[h] = randHost(rng, hd*nEmb)
		ref.wk[h] = randHost(rng, hd*nEmbK)
		ref.wv[h] = randHost(rng, hd*nEmbV)
		ref.wo[h] = randHost(rng, nEmb*hd)
		require.NoError(t, layer.WQ(h).Value.FromHostAsync(ref.wq[h], tile.Shape{hd, nEmb}))
		require.NoError(t, layer.WK(h).Value.FromHostAsync(ref.wk[h], tile.Shape{hd, nEmbK}))
		require.NoError(t, layer.WV(h).Value.FromHostAsync(ref.wv[h], tile.Shape{hd, nEmbV}))
		require.NoError(t, layer.WOut(h).Value.FromHostAsync(ref.wo[h], tile.Shape{nEmb, hd}))
	}

	require.NoError(t, layer.Forward())
	assertClose(t, ref.forward(), readHost(t, g, layer.Output().Value), 1e-9)

	dy := randHost(rng, nBatch*nSeq*nEmb)
	require.NoError(t, layer.Output().Grad.FromHostAsync(dy, layer.Output().Value.Shape()))
	require.NoError(t, layer.Backward())

	want := ref.backward(dy)
	for h := 0; h < nHead; h++ {
		assertClose(t, want.wq[h], readHost(t, g, layer.WQ(h).Grad), 1e-9)
		assertClose(t, want.wk[h], readHost(t, g, layer.WK(h).Grad), 1e-9)
		assertClose(t, want.wv[h], readHost(t, g, layer.WV(h).Grad), 1e-9)
		assertClose(t, want.wo[h], readHost(t, g, layer.WOut(h).Grad), 1e-9)
	}
	assertClose(t, want.xq, readHost(t, g, xQ.Grad), 1e-9)
	assertClose(t, want.xk, readHost(t, g, xK.Grad), 1e-9)
	assertClose(t, want.xv, readHost(t, g, xV.Grad), 1e-9)
}

func TestAttentionGradAccumulation(t *testing.T) {
	const (
		nBatch, nSeq, nSeqK = 1, 4, 4
		nEmb, nHead         = 8, 2
	)
	g := newAttnGraph(t)
	rng := rand.New(rand.NewSource(23))

	xQ := attnMoments(t, g, tile.Shape{nBatch, nSeq, nEmb}, tile.Shape{1, 2, nEmb})
	xK := attnMoments(t, g, tile.Shape{nBatch, nSeqK, nEmb}, tile.Shape{1, nSeqK, nEmb})
	xV := attnMoments(t, g, tile.Shape{nBatch, nSeqK, nEmb}, tile.Shape{1, nSeqK, nEmb})
	layer, err := NewAttention(g, xQ, xK, xV, nHead)
	require.NoError(t, err)

	require.NoError(t, xQ.Value.FromHostAsync(randHost(rng, nBatch*nSeq*nEmb), xQ.Value.Shape()))
	require.NoError(t, xK.Value.FromHostAsync(randHost(rng, nBatch*nSeqK*nEmb), xK.Value.Shape()))
	require.NoError(t, xV.Value.FromHostAsync(randHost(rng, nBatch*nSeqK*nEmb), xV.Value.Shape()))
	hd := nEmb / nHead
	for h := 0; h < nHead; h++ {
		require.NoError(t, layer.WQ(h).Value.FromHostAsync(randHost(rng, hd*nEmb), tile.Shape{hd, nEmb}))
		require.NoError(t, layer.WK(h).Value.FromHostAsync(randHost(rng, hd*nEmb), tile.Shape{hd, nEmb}))
		require.NoError(t, layer.WV(h).Value.FromHostAsync(randHost(rng, hd*nEmb), tile.Shape{hd, nEmb}))
		require.NoError(t, layer.WOut(h).Value.FromHostAsync(randHost(rng, nEmb*hd), tile.Shape{nEmb, hd}))
	}
	dy := randHost(rng, nBatch*nSeq*nEmb)

	require.NoError(t, layer.Forward())
	require.NoError(t, layer.Output().Grad.FromHostAsync(dy, layer.Output().Value.Shape()))
	require.NoError(t, layer.Backward())
	once := readHost(t, g, layer.WQ(0).Grad)

	// A second iteration doubles the accumulated gradient.
	require.NoError(t, layer.Forward())
	require.NoError(t, layer.Backward())
	twice := readHost(t, g, layer.WQ(0).Grad)
	for i := range once {
		assert.InDelta(t, 2*once[i], twice[i], 1e-9)
	}

	// Clearing resets the accumulators.
	require.NoError(t, layer.ClearGradsAsync())
	require.NoError(t, g.WaitAll())
	cleared := readHost(t, g, layer.WQ(0).Grad)
	for _, v := range cleared {
		assert.Equal(t, float64(0), v)
	}
}

func TestAttentionSequence(t *testing.T) {
	g := newAttnGraph(t)
	xQ := attnMoments(t, g, tile.Shape{1, 4, 8}, tile.Shape{1, 4, 8})
	xK := attnMoments(t, g, tile.Shape{1, 4, 8}, tile.Shape{1, 4, 8})
	xV := attnMoments(t, g, tile.Shape{1, 4, 8}, tile.Shape{1, 4, 8})
	layer, err := NewAttention(g, xQ, xK, xV, 2)
	require.NoError(t, err)

	require.ErrorIs(t, layer.Backward(), ErrSequence)
	require.NoError(t, layer.Forward())
	require.NoError(t, layer.Backward())
	require.ErrorIs(t, layer.Backward(), ErrSequence)
	require.NoError(t, layer.Forward())
	require.NoError(t, layer.Backward())
}

func TestAttentionConfigErrors(t *testing.T) {
	g := newAttnGraph(t)
	xQ := attnMoments(t, g, tile.Shape{2, 4, 10}, tile.Shape{1, 2, 10})
	xK := attnMoments(t, g, tile.Shape{2, 4, 8}, tile.Shape{1, 4, 8})
	xV := attnMoments(t, g, tile.Shape{2, 4, 8}, tile.Shape{1, 4, 8})

	// Embedding not divisible by head count.
	_, err := NewAttention(g, xQ, xK, xV, 4)
	require.ErrorIs(t, err, ErrConfig)

	// Tiled key/value sequence dimension.
	xQ2 := attnMoments(t, g, tile.Shape{2, 4, 8}, tile.Shape{1, 2, 8})
	xK2 := attnMoments(t, g, tile.Shape{2, 4, 8}, tile.Shape{1, 2, 8})
	_, err = NewAttention(g, xQ2, xK2, xV, 2)
	require.ErrorIs(t, err, ErrConfig)

	// Tiled feature dimension.
	xQ3 := attnMoments(t, g, tile.Shape{2, 4, 8}, tile.Shape{1, 2, 4})
	_, err = NewAttention(g, xQ3, xK, xV, 2)
	require.ErrorIs(t, err, ErrConfig)

	// Mismatched batch extents.
	xK3 := attnMoments(t, g, tile.Shape{1, 4, 8}, tile.Shape{1, 4, 8})
	_, err = NewAttention(g, xQ2, xK3, xV, 2)
	require.ErrorIs(t, err, ErrConfig)

	// Key and value sequences differ.
	xK4 := attnMoments(t, g, tile.Shape{2, 5, 8}, tile.Shape{1, 5, 8})
	_, err = NewAttention(g, xQ2, xK4, xV, 2)
	require.ErrorIs(t, err, ErrConfig)
}

func TestMoments(t *testing.T) {
	g := newAttnGraph(t)
	value := attnTensor(t, g, tile.Shape{4, 4}, tile.Shape{2, 2})
	grad := attnTensor(t, g, tile.Shape{4, 4}, tile.Shape{2, 2})

	m, err := NewMoments(value, grad)
	require.NoError(t, err)
	assert.True(t, m.RequiresGrad)

	noGrad, err := NewMoments[float64](value, nil)
	require.NoError(t, err)
	assert.False(t, noGrad.RequiresGrad)

	bad := attnTensor(t, g, tile.Shape{4, 4}, tile.Shape{4, 4})
	_, err = NewMoments(value, bad)
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewMoments[float64](nil, nil)
	require.ErrorIs(t, err, ErrConfig)
}
