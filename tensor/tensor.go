// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Float constrains tensor element types.
type Float = kernel.Float

// Traits describes a tensor's shape and tiling.
type Traits = tensor.Traits

// Tensor is a tiled, distributed dense array.
type Tensor[T Float] = tensor.Tensor[T]

// TransOp selects the storage orientation of a Gemm operand.
type TransOp = tensor.TransOp

const (
	NoTrans = tensor.NoTrans
	Trans   = tensor.Trans
)

var (
	// ErrLayout reports a host buffer whose layout does not match the tensor.
	ErrLayout = tensor.ErrLayout

	// ErrUseAfterFree reports an operation on an unregistered tensor.
	ErrUseAfterFree = tensor.ErrUseAfterFree
)

// NewTraits validates shape against tileShape and builds the tile grid.
func NewTraits(shape, tileShape tile.Shape) (Traits, error) {
	return tensor.NewTraits(shape, tileShape)
}

// New registers a tensor on the graph. dist assigns one owning node per tile
// in grid linear order.
func New[T Float](g *sched.Graph, traits Traits, dist []int) (*Tensor[T], error) {
	return tensor.New[T](g, traits, dist)
}

// SingleNode places every tile of the grid on one node.
func SingleNode(g *tile.Grid, node int) []int {
	return tensor.SingleNode(g, node)
}

// BlockCyclic distributes grid tiles block-cyclically over a node grid.
func BlockCyclic(gridDims, nodeGrid []int, startNode, numNodes int) ([]int, error) {
	return tensor.BlockCyclic(gridDims, nodeGrid, startNode, numNodes)
}

// Gemm submits the blocked contraction C = alpha*op(A)*op(B) + beta*C. The
// trailing ndim dimensions of the operands are contracted and the leading
// batchNdim dimensions of C batch the product.
func Gemm[T Float](alpha T, transA TransOp, a *Tensor[T], transB TransOp, b *Tensor[T], beta T, c *Tensor[T], ndim, batchNdim int) error {
	return tensor.Gemm(alpha, transA, a, transB, b, beta, c, ndim, batchNdim)
}

// Strassen submits the same contraction as Gemm for matrix operands, using
// Strassen's recursion over the tile grid. splitFactor bounds the recursion
// depth and minTile stops splitting below that many tiles per side; operands
// that cannot be split evenly fall back to the blocked algorithm. redux is a
// reduction hint and is currently ignored.
func Strassen[T Float](alpha T, transA TransOp, a *Tensor[T], transB TransOp, b *Tensor[T], beta T, c *Tensor[T], splitFactor, minTile, redux int) error {
	return tensor.Strassen(alpha, transA, a, transB, b, beta, c, splitFactor, minTile, redux)
}

// AdamStepAsync submits one fused Adam update over the four tensors, which
// must share traits and distribution. step counts from 1.
func AdamStepAsync[T Float](step int, lr, beta1, beta2, eps, weightDecay T, grad, m, v, w *Tensor[T]) error {
	return tensor.AdamStepAsync(step, lr, beta1, beta2, eps, weightDecay, grad, m, v, w)
}
