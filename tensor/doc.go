// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides tiled, distributed tensors and the asynchronous
// operations defined on them.
//
// # Overview
//
// A Tensor is a dense n-dimensional array cut into a grid of tiles, with
// every tile assigned to an owning node. Operations never run eagerly: each
// one submits tasks to the tensor's task graph with explicit per-tile read
// and write sets, and the graph sequences conflicting tasks while running
// independent ones concurrently.
//
// # Basic Usage
//
//	g := sched.New(sched.Config{Workers: 8})
//	defer g.Shutdown()
//
//	traits, _ := tensor.NewTraits(tile.Shape{1024, 1024}, tile.Shape{256, 256})
//	a, _ := tensor.New[float32](g, traits, tensor.SingleNode(traits.Grid(), 0))
//	b, _ := tensor.New[float32](g, traits, tensor.SingleNode(traits.Grid(), 0))
//	c, _ := tensor.New[float32](g, traits, tensor.SingleNode(traits.Grid(), 0))
//
//	_ = a.FillAsync(1)
//	_ = b.FillAsync(2)
//	_ = tensor.Gemm[float32](1, tensor.NoTrans, a, tensor.NoTrans, b, 0, c, 1, 0)
//	if err := g.WaitAll(); err != nil {
//	    // handle the first failed task
//	}
//
// # Matrix Multiplication
//
// Gemm contracts groups of dimensions rather than single axes: the trailing
// ndim dimensions of A (stored row-major) are contracted with B, and the
// leading batchNdim dimensions batch the product. Strassen performs the same
// contraction with Strassen's recursion over the tile grid when the operands
// permit it and degrades to the blocked algorithm when they do not.
//
// # Lifecycle
//
// Tensors hold their tiles until Unregister. Tasks capture the tiles they
// touch at submission, so a tensor may be unregistered as soon as the last
// operation reading it has been submitted.
package tensor
