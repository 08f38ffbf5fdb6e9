package nn

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Attention is multi-head scaled dot-product attention over distributed tiled
// tensors. Inputs are row-major [batch, seq, features]:
//
//	X_Q: [nBatch, nSeq,  nEmb]
//	X_K: [nBatch, nSeqK, nEmbK]
//	X_V: [nBatch, nSeqK, nEmbV]
//
// Per head h the layer computes
//
//	Q = X_Q @ WQ[h]^T, K = X_K @ WK[h]^T, V = X_V @ WV[h]^T
//	P = softmax(Q @ K^T / sqrt(headDim))
//	Y += (P @ V) @ WOut[h]^T
//
// with WQ[h] of shape [headDim, nEmb], WK[h] [headDim, nEmbK],
// WV[h] [headDim, nEmbV] and WOut[h] [nEmb, headDim], headDim = nEmb/nHead.
//
// Backward accumulates into parameter gradients and, where RequiresGrad is
// set, into the input gradients; the caller zeroes gradients between
// iterations. The key/value sequence dimension and all feature dimensions
// must be untiled so softmax rows and contractions stay tile-local; the query
// sequence and the batch dimension may be tiled freely.
type Attention[T kernel.Float] struct {
	graph *sched.Graph
	state layerState

	nHead, headDim int
	scale          T

	xQ, xK, xV *Moments[T]
	y          *Moments[T]

	// Per-head parameters.
	wQ, wK, wV, wOut []*Moments[T]

	// Per-head forward activations, kept for the backward pass.
	q, k, v, p, o []*tensor.Tensor[T]
}

// NewAttention builds the layer over existing input activations, allocating
// parameters, the output and all intermediate activations on g's node.
// Parameter values start zeroed; load them through their tensors.
func NewAttention[T kernel.Float](g *sched.Graph, xQ, xK, xV *Moments[T], nHead int) (*Attention[T], error) {
	if err := checkAttentionInputs(xQ, xK, xV, nHead); err != nil {
		return nil, err
	}
	qs, ks, vs := xQ.Value.Shape(), xK.Value.Shape(), xV.Value.Shape()
	qt := xQ.Value.Traits().TileShape()
	nBatch, nSeq, nEmb := qs[0], qs[1], qs[2]
	nSeqK, nEmbK, nEmbV := ks[1], ks[2], vs[2]
	headDim := nEmb / nHead

	a := &Attention[T]{
		graph:   g,
		nHead:   nHead,
		headDim: headDim,
		scale:   T(1 / math.Sqrt(float64(headDim))),
		xQ:      xQ, xK: xK, xV: xV,
		wQ:   make([]*Moments[T], nHead),
		wK:   make([]*Moments[T], nHead),
		wV:   make([]*Moments[T], nHead),
		wOut: make([]*Moments[T], nHead),
		q:    make([]*tensor.Tensor[T], nHead),
		k:    make([]*tensor.Tensor[T], nHead),
		v:    make([]*tensor.Tensor[T], nHead),
		p:    make([]*tensor.Tensor[T], nHead),
		o:    make([]*tensor.Tensor[T], nHead),
	}

	alloc := func(shape, tileShape tile.Shape, withGrad bool) (*Moments[T], error) {
		traits, err := tensor.NewTraits(shape, tileShape)
		if err != nil {
			return nil, err
		}
		return newMomentsAlloc[T](g, traits, withGrad)
	}
	var err error
	if a.y, err = alloc(tile.Shape{nBatch, nSeq, nEmb}, qt.Clone(), true); err != nil {
		return nil, err
	}
	headQ := tile.Shape{nBatch, nSeq, headDim}
	headQT := tile.Shape{qt[0], qt[1], headDim}
	headKV := tile.Shape{nBatch, nSeqK, headDim}
	headKVT := tile.Shape{qt[0], nSeqK, headDim}
	scores := tile.Shape{nBatch, nSeq, nSeqK}
	scoresT := tile.Shape{qt[0], qt[1], nSeqK}
	for h := 0; h < nHead; h++ {
		if a.wQ[h], err = alloc(tile.Shape{headDim, nEmb}, tile.Shape{headDim, nEmb}, true); err != nil {
			return nil, err
		}
		if a.wK[h], err = alloc(tile.Shape{headDim, nEmbK}, tile.Shape{headDim, nEmbK}, true); err != nil {
			return nil, err
		}
		if a.wV[h], err = alloc(tile.Shape{headDim, nEmbV}, tile.Shape{headDim, nEmbV}, true); err != nil {
			return nil, err
		}
		if a.wOut[h], err = alloc(tile.Shape{nEmb, headDim}, tile.Shape{nEmb, headDim}, true); err != nil {
			return nil, err
		}
		if a.q[h], err = allocTensor[T](g, headQ, headQT); err != nil {
			return nil, err
		}
		if a.k[h], err = allocTensor[T](g, headKV, headKVT); err != nil {
			return nil, err
		}
		if a.v[h], err = allocTensor[T](g, headKV, headKVT); err != nil {
			return nil, err
		}
		if a.p[h], err = allocTensor[T](g, scores, scoresT); err != nil {
			return nil, err
		}
		if a.o[h], err = allocTensor[T](g, headQ, headQT); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func allocTensor[T kernel.Float](g *sched.Graph, shape, tileShape tile.Shape) (*tensor.Tensor[T], error) {
	traits, err := tensor.NewTraits(shape, tileShape)
	if err != nil {
		return nil, err
	}
	return tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), g.NodeID()))
}

func checkAttentionInputs[T kernel.Float](xQ, xK, xV *Moments[T], nHead int) error {
	for _, m := range []*Moments[T]{xQ, xK, xV} {
		if m == nil || m.Value == nil {
			return errors.Wrap(ErrConfig, "attention: nil input")
		}
		if len(m.Value.Shape()) != 3 {
			return errors.Wrapf(ErrConfig, "attention: input must be [batch, seq, features], got %v", m.Value.Shape())
		}
	}
	qs, ks, vs := xQ.Value.Shape(), xK.Value.Shape(), xV.Value.Shape()
	qt := xQ.Value.Traits().TileShape()
	kt := xK.Value.Traits().TileShape()
	vt := xV.Value.Traits().TileShape()

	if nHead < 1 || qs[2]%nHead != 0 {
		return errors.Wrapf(ErrConfig, "attention: embedding %d not divisible into %d heads", qs[2], nHead)
	}
	if ks[0] != qs[0] || vs[0] != qs[0] || kt[0] != qt[0] || vt[0] != qt[0] {
		return errors.Wrap(ErrConfig, "attention: batch dimension differs between inputs")
	}
	if ks[1] != vs[1] {
		return errors.Wrapf(ErrConfig, "attention: key and value sequences differ (%d vs %d)", ks[1], vs[1])
	}
	if kt[1] != ks[1] || vt[1] != vs[1] {
		return errors.Wrap(ErrConfig, "attention: key/value sequence dimension must be untiled")
	}
	if qt[2] != qs[2] || kt[2] != ks[2] || vt[2] != vs[2] {
		return errors.Wrap(ErrConfig, "attention: feature dimensions must be untiled")
	}
	return nil
}

// Output returns the layer output activation and its gradient slot.
func (a *Attention[T]) Output() *Moments[T] { return a.y }

// Parameters returns every trainable parameter, head by head.
func (a *Attention[T]) Parameters() []*Moments[T] {
	params := make([]*Moments[T], 0, 4*a.nHead)
	for h := 0; h < a.nHead; h++ {
		params = append(params, a.wQ[h], a.wK[h], a.wV[h], a.wOut[h])
	}
	return params
}

// NumHeads returns the head count.
func (a *Attention[T]) NumHeads() int { return a.nHead }

// HeadDim returns the per-head feature width.
func (a *Attention[T]) HeadDim() int { return a.headDim }

// WQ returns the query projection of head h.
func (a *Attention[T]) WQ(h int) *Moments[T] { return a.wQ[h] }

// WK returns the key projection of head h.
func (a *Attention[T]) WK(h int) *Moments[T] { return a.wK[h] }

// WV returns the value projection of head h.
func (a *Attention[T]) WV(h int) *Moments[T] { return a.wV[h] }

// WOut returns the output projection of head h.
func (a *Attention[T]) WOut(h int) *Moments[T] { return a.wOut[h] }

// ForwardAsync submits the full forward pass and returns without blocking.
func (a *Attention[T]) ForwardAsync() error {
	for h := 0; h < a.nHead; h++ {
		// Head projections: [batch, seq, features] against [headDim, features]
		// stored transposed, the batch and sequence dimensions flattened into
		// the independent side.
		if err := tensor.Gemm[T](1, tensor.NoTrans, a.xQ.Value, tensor.Trans, a.wQ[h].Value, 0, a.q[h], 1, 0); err != nil {
			return err
		}
		if err := tensor.Gemm[T](1, tensor.NoTrans, a.xK.Value, tensor.Trans, a.wK[h].Value, 0, a.k[h], 1, 0); err != nil {
			return err
		}
		if err := tensor.Gemm[T](1, tensor.NoTrans, a.xV.Value, tensor.Trans, a.wV[h].Value, 0, a.v[h], 1, 0); err != nil {
			return err
		}
		// Scaled scores and attention weights.
		if err := tensor.Gemm(a.scale, tensor.NoTrans, a.q[h], tensor.Trans, a.k[h], 0, a.p[h], 1, 1); err != nil {
			return err
		}
		if err := a.p[h].SoftmaxAsync(); err != nil {
			return err
		}
		// Per-head output, folded into Y through the output projection.
		if err := tensor.Gemm[T](1, tensor.NoTrans, a.p[h], tensor.NoTrans, a.v[h], 0, a.o[h], 1, 1); err != nil {
			return err
		}
		var betaY T
		if h > 0 {
			betaY = 1
		}
		if err := tensor.Gemm[T](1, tensor.NoTrans, a.o[h], tensor.Trans, a.wOut[h].Value, betaY, a.y.Value, 1, 0); err != nil {
			return err
		}
	}
	return nil
}

// Forward runs the forward pass and blocks until it completes.
func (a *Attention[T]) Forward() error {
	if err := a.ForwardAsync(); err != nil {
		return err
	}
	if err := a.graph.WaitAll(); err != nil {
		return err
	}
	a.state.advanceForward()
	return nil
}

// BackwardAsync submits the full backward pass for the gradient stored in
// Output().Grad. Parameter gradients accumulate; input gradients accumulate
// where RequiresGrad is set.
func (a *Attention[T]) BackwardAsync() error {
	for h := 0; h < a.nHead; h++ {
		if err := a.backwardHead(h, a.y.Grad); err != nil {
			return err
		}
	}
	return nil
}

func (a *Attention[T]) backwardHead(h int, dy *tensor.Tensor[T]) error {
	qTraits := a.q[h].Traits()
	kvTraits := a.k[h].Traits()
	pTraits := a.p[h].Traits()

	dO, err := allocTensor[T](a.graph, qTraits.Shape(), qTraits.TileShape())
	if err != nil {
		return err
	}
	defer dO.Unregister()
	dS, err := allocTensor[T](a.graph, pTraits.Shape(), pTraits.TileShape())
	if err != nil {
		return err
	}
	defer dS.Unregister()
	dQ, err := allocTensor[T](a.graph, qTraits.Shape(), qTraits.TileShape())
	if err != nil {
		return err
	}
	defer dQ.Unregister()
	dK, err := allocTensor[T](a.graph, kvTraits.Shape(), kvTraits.TileShape())
	if err != nil {
		return err
	}
	defer dK.Unregister()
	dV, err := allocTensor[T](a.graph, kvTraits.Shape(), kvTraits.TileShape())
	if err != nil {
		return err
	}
	defer dV.Unregister()

	// Output projection: dO = dY @ WOut[h]; dWOut[h] accumulates dY^T @ O with
	// batch and sequence contracted together.
	if err := tensor.Gemm[T](1, tensor.NoTrans, dy, tensor.NoTrans, a.wOut[h].Value, 0, dO, 1, 0); err != nil {
		return err
	}
	if err := tensor.Gemm[T](1, tensor.Trans, dy, tensor.NoTrans, a.o[h], 1, a.wOut[h].Grad, 2, 0); err != nil {
		return err
	}

	// Attention weights: dV = P^T @ dO, dP = dO @ V^T, then back through the
	// scaled softmax in place.
	if err := tensor.Gemm[T](1, tensor.Trans, a.p[h], tensor.NoTrans, dO, 0, dV, 1, 1); err != nil {
		return err
	}
	if err := tensor.Gemm[T](1, tensor.NoTrans, dO, tensor.Trans, a.v[h], 0, dS, 1, 1); err != nil {
		return err
	}
	if err := dS.SoftmaxGradAsync(a.p[h]); err != nil {
		return err
	}
	if err := tensor.Gemm(a.scale, tensor.NoTrans, dS, tensor.NoTrans, a.k[h], 0, dQ, 1, 1); err != nil {
		return err
	}
	if err := tensor.Gemm(a.scale, tensor.Trans, dS, tensor.NoTrans, a.q[h], 0, dK, 1, 1); err != nil {
		return err
	}

	// Head projections.
	if err := tensor.Gemm[T](1, tensor.Trans, dQ, tensor.NoTrans, a.xQ.Value, 1, a.wQ[h].Grad, 2, 0); err != nil {
		return err
	}
	if err := tensor.Gemm[T](1, tensor.Trans, dK, tensor.NoTrans, a.xK.Value, 1, a.wK[h].Grad, 2, 0); err != nil {
		return err
	}
	if err := tensor.Gemm[T](1, tensor.Trans, dV, tensor.NoTrans, a.xV.Value, 1, a.wV[h].Grad, 2, 0); err != nil {
		return err
	}
	if a.xQ.RequiresGrad {
		if err := tensor.Gemm[T](1, tensor.NoTrans, dQ, tensor.NoTrans, a.wQ[h].Value, 1, a.xQ.Grad, 1, 0); err != nil {
			return err
		}
	}
	if a.xK.RequiresGrad {
		if err := tensor.Gemm[T](1, tensor.NoTrans, dK, tensor.NoTrans, a.wK[h].Value, 1, a.xK.Grad, 1, 0); err != nil {
			return err
		}
	}
	if a.xV.RequiresGrad {
		if err := tensor.Gemm[T](1, tensor.NoTrans, dV, tensor.NoTrans, a.wV[h].Value, 1, a.xV.Grad, 1, 0); err != nil {
			return err
		}
	}
	return nil
}

// Backward runs the backward pass and blocks until it completes. It is only
// valid after a completed Forward.
func (a *Attention[T]) Backward() error {
	if err := a.state.checkBackward(); err != nil {
		return err
	}
	if err := a.BackwardAsync(); err != nil {
		return err
	}
	return a.graph.WaitAll()
}

// ClearGradsAsync zeroes every parameter gradient and the output gradient.
func (a *Attention[T]) ClearGradsAsync() error {
	for h := 0; h < a.nHead; h++ {
		for _, w := range []*Moments[T]{a.wQ[h], a.wK[h], a.wV[h], a.wOut[h]} {
			if err := w.Grad.ClearAsync(); err != nil {
				return err
			}
		}
	}
	return a.y.Grad.ClearAsync()
}

// Unregister releases the layer's parameters, activations and output. The
// input activations stay owned by the caller.
func (a *Attention[T]) Unregister() error {
	var first error
	keep := func(err error) {
		if first == nil && err != nil {
			first = err
		}
	}
	keep(a.y.Unregister())
	for h := 0; h < a.nHead; h++ {
		keep(a.wQ[h].Unregister())
		keep(a.wK[h].Unregister())
		keep(a.wV[h].Unregister())
		keep(a.wOut[h].Unregister())
		keep(a.q[h].Unregister())
		keep(a.k[h].Unregister())
		keep(a.v[h].Unregister())
		keep(a.p[h].Unregister())
		keep(a.o[h].Unregister())
	}
	return first
}
