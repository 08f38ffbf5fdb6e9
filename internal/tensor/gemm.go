package tensor

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// TransOp selects whether an operand enters the multiply transposed.
// A transposed operand is stored transposed: with Trans set, A holds
// [batch..., k..., m...] instead of [batch..., m..., k...].
type TransOp int

// Transpose flags.
const (
	NoTrans TransOp = iota
	Trans
)

// Gemm submits the blocked matrix multiply
//
//	C = beta*C + alpha * op(A) @ op(B)
//
// over the operands' tile grids. Shapes are row-major with batchNdim leading
// batch dimensions that must match across A, B and C exactly (extents and
// tiling), ndim contraction dimensions, and the remaining dimensions forming
// the independent sides:
//
//	op(A): [batch..., m..., k...]
//	op(B): [batch..., k..., n...]
//	C:     [batch..., m..., n...]
//
// Contiguous dimension groups are flattened, so a tile multiplies as a dense
// matrix. Per output tile, beta is applied exactly once per call (on the
// first contribution); further contributions accumulate. alpha == 0 and a
// zero-extent contraction dimension still apply beta*C. Boundary tiles
// participate with their clipped extents.
//
// All tasks are ordered through the graph; the call returns after
// submission without blocking.
func Gemm[T kernel.Float](alpha T, transA TransOp, a *Tensor[T], transB TransOp, b *Tensor[T], beta T, c *Tensor[T], ndim, batchNdim int) error {
	env, err := newGemmEnv(alpha, transA, a, transB, b, beta, c, ndim, batchNdim)
	if err != nil {
		return err
	}
	return env.submitBlocked()
}

// gemmEnv carries one top-level multiply: the validated operands plus the
// per-output-tile record of whether beta has been applied yet.
type gemmEnv[T kernel.Float] struct {
	alpha, beta    T
	transA, transB TransOp
	a, b, c        *Tensor[T]
	ndim, batch    int
	mNdim, nNdim   int
	betaApplied    map[int]bool
}

func newGemmEnv[T kernel.Float](alpha T, transA TransOp, a *Tensor[T], transB TransOp, b *Tensor[T], beta T, c *Tensor[T], ndim, batchNdim int) (*gemmEnv[T], error) {
	if ndim < 1 || batchNdim < 0 {
		return nil, errors.Wrapf(tile.ErrShape, "gemm: ndim=%d batchNdim=%d", ndim, batchNdim)
	}
	env := &gemmEnv[T]{
		alpha: alpha, beta: beta,
		transA: transA, transB: transB,
		a: a, b: b, c: c,
		ndim: ndim, batch: batchNdim,
		mNdim: len(a.Shape()) - batchNdim - ndim,
		nNdim: len(b.Shape()) - batchNdim - ndim,
		betaApplied: make(map[int]bool),
	}
	if env.mNdim < 1 || env.nNdim < 1 {
		return nil, errors.Wrapf(tile.ErrShape, "gemm: operands too small for ndim=%d batchNdim=%d (A %v, B %v)",
			ndim, batchNdim, a.Shape(), b.Shape())
	}
	if len(c.Shape()) != batchNdim+env.mNdim+env.nNdim {
		return nil, errors.Wrapf(tile.ErrShape, "gemm: C is %d-dimensional, expected %d",
			len(c.Shape()), batchNdim+env.mNdim+env.nNdim)
	}
	if err := env.checkDims(); err != nil {
		return nil, err
	}
	return env, nil
}

// Dimension group offsets within each operand's shape.
func (e *gemmEnv[T]) aM() (int, int) { // start of the m group in A
	if e.transA == Trans {
		return e.batch + e.ndim, e.mNdim
	}
	return e.batch, e.mNdim
}

func (e *gemmEnv[T]) aK() (int, int) {
	if e.transA == Trans {
		return e.batch, e.ndim
	}
	return e.batch + e.mNdim, e.ndim
}

func (e *gemmEnv[T]) bK() (int, int) {
	if e.transB == Trans {
		return e.batch + e.nNdim, e.ndim
	}
	return e.batch, e.ndim
}

func (e *gemmEnv[T]) bN() (int, int) {
	if e.transB == Trans {
		return e.batch, e.nNdim
	}
	return e.batch + e.ndim, e.nNdim
}

func (e *gemmEnv[T]) checkDims() error {
	check := func(what string, s1 tile.Shape, t1 tile.Shape, off1, s2Off, count int, s2, t2 tile.Shape) error {
		for d := 0; d < count; d++ {
			if s1[off1+d] != s2[s2Off+d] {
				return errors.Wrapf(tile.ErrShape, "gemm: %s extents differ (%d vs %d)", what, s1[off1+d], s2[s2Off+d])
			}
			if t1[off1+d] != t2[s2Off+d] {
				return errors.Wrapf(tile.ErrShape, "gemm: %s tile extents differ (%d vs %d)", what, t1[off1+d], t2[s2Off+d])
			}
		}
		return nil
	}
	aS, aT := e.a.Shape(), e.a.Traits().TileShape()
	bS, bT := e.b.Shape(), e.b.Traits().TileShape()
	cS, cT := e.c.Shape(), e.c.Traits().TileShape()

	// Batch dimensions must agree pairwise.
	if err := check("batch", aS, aT, 0, 0, e.batch, bS, bT); err != nil {
		return err
	}
	if err := check("batch", aS, aT, 0, 0, e.batch, cS, cT); err != nil {
		return err
	}
	mOff, _ := e.aM()
	if err := check("m", aS, aT, mOff, e.batch, e.mNdim, cS, cT); err != nil {
		return err
	}
	nOff, _ := e.bN()
	if err := check("n", bS, bT, nOff, e.batch+e.mNdim, e.nNdim, cS, cT); err != nil {
		return err
	}
	akOff, _ := e.aK()
	bkOff, _ := e.bK()
	if err := check("shared", aS, aT, akOff, bkOff, e.ndim, bS, bT); err != nil {
		return err
	}
	return nil
}

// betaFor returns the scaling to apply to output tile ci on its next
// contribution: beta on the first, 1 afterwards.
func (e *gemmEnv[T]) betaFor(ci int) T {
	if e.betaApplied[ci] {
		return 1
	}
	e.betaApplied[ci] = true
	return e.beta
}

// submitBlocked walks every output tile and submits its contraction chain.
func (e *gemmEnv[T]) submitBlocked() error {
	cGrid := e.c.Grid()
	akOff, _ := e.aK()
	kCells := e.a.Grid().Dims()[akOff : akOff+e.ndim]
	kTotal := prod(kCells)

	for ci := 0; ci < cGrid.NumTiles(); ci++ {
		cIdx := cGrid.LinearToIndex(ci)
		bIdx := cIdx[:e.batch]
		mIdx := cIdx[e.batch : e.batch+e.mNdim]
		nIdx := cIdx[e.batch+e.mNdim:]

		if e.alpha == 0 || kTotal == 0 {
			if err := e.submitScale(ci); err != nil {
				return err
			}
			continue
		}
		kIdx := make([]int, e.ndim)
		for kLin := 0; kLin < kTotal; kLin++ {
			unravel(kLin, kCells, kIdx)
			if err := e.submitTileGemm(ci, bIdx, mIdx, nIdx, kIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

// submitScale applies the beta-only path to output tile ci.
func (e *gemmEnv[T]) submitScale(ci int) error {
	betaEff := e.betaFor(ci)
	if betaEff == 1 {
		return nil
	}
	data, err := e.c.acquire(ci)
	if err != nil {
		return err
	}
	refs := []sched.TileRef{e.c.Ref(ci)}
	_, err = e.c.graph.Submit("gemm_scale", refs, refs, func() error {
		kernel.Scale(betaEff, data)
		return nil
	})
	return err
}

// submitTileGemm submits one tile-to-tile scale-and-accumulate task.
func (e *gemmEnv[T]) submitTileGemm(ci int, bIdx, mIdx, nIdx, kIdx []int) error {
	aIdx := e.operandIndex(bIdx, mIdx, kIdx, e.transA)
	bOpIdx := e.operandIndex(bIdx, kIdx, nIdx, e.transB)
	ai := e.a.Grid().IndexToLinear(aIdx)
	bi := e.b.Grid().IndexToLinear(bOpIdx)

	aData, err := e.a.acquire(ai)
	if err != nil {
		return err
	}
	bData, err := e.b.acquire(bi)
	if err != nil {
		return err
	}
	cData, err := e.c.acquire(ci)
	if err != nil {
		return err
	}

	cTS := e.c.Grid().TileShapeLinear(ci)
	aTS := e.a.Grid().TileShapeLinear(ai)
	batchLocal := prod(cTS[:e.batch])
	m := prod(cTS[e.batch : e.batch+e.mNdim])
	n := prod(cTS[e.batch+e.mNdim:])
	akOff, _ := e.aK()
	k := prod(aTS[akOff : akOff+e.ndim])

	alpha := e.alpha
	betaEff := e.betaFor(ci)
	tA := e.transA == Trans
	tB := e.transB == Trans
	_, err = e.c.graph.Submit("gemm",
		[]sched.TileRef{e.a.Ref(ai), e.b.Ref(bi), e.c.Ref(ci)},
		[]sched.TileRef{e.c.Ref(ci)},
		func() error {
			// Tiles spanning several batch elements hold contiguous
			// per-element matrices.
			for lb := 0; lb < batchLocal; lb++ {
				kernel.Gemm(tA, tB, m, n, k, alpha,
					aData[lb*m*k:(lb+1)*m*k],
					bData[lb*k*n:(lb+1)*k*n],
					betaEff,
					cData[lb*m*n:(lb+1)*m*n])
			}
			return nil
		})
	return err
}

// operandIndex builds a grid multi-index [batch..., rows..., cols...] with
// the row and column groups swapped for transposed storage.
func (e *gemmEnv[T]) operandIndex(batch, rows, cols []int, trans TransOp) []int {
	idx := make([]int, 0, len(batch)+len(rows)+len(cols))
	idx = append(idx, batch...)
	if trans == Trans {
		idx = append(idx, cols...)
		idx = append(idx, rows...)
	} else {
		idx = append(idx, rows...)
		idx = append(idx, cols...)
	}
	return idx
}

func prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// unravel decomposes a linear index over dims into out (row-major).
func unravel(lin int, dims []int, out []int) {
	for d := len(dims) - 1; d >= 0; d-- {
		out[d] = lin % dims[d]
		lin /= dims[d]
	}
}
