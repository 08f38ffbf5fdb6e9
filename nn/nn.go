// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides neural-network layers built on tiled tensors.
//
// # Overview
//
// Layers operate on Moments, a value tensor paired with an optional gradient
// tensor of the same traits. Forward and Backward block until the submitted
// work has drained; the Async variants only submit tasks, letting several
// layers overlap on the task graph.
//
// # Basic Usage
//
//	g := sched.New(sched.Config{Workers: 8})
//	defer g.Shutdown()
//
//	x, _ := nn.NewMoments(xValue, xGrad)
//	attn, _ := nn.NewAttention(g, x, x, x, 8) // self-attention, 8 heads
//	defer attn.Unregister()
//
//	if err := attn.Forward(); err != nil { ... }
//	// ... fill attn.Output().Grad with the upstream gradient ...
//	if err := attn.Backward(); err != nil { ... }
package nn

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/nn"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
)

// Moments pairs a value tensor with its gradient.
type Moments[T kernel.Float] = nn.Moments[T]

// Layer is the interface all layers implement.
type Layer[T kernel.Float] = nn.Layer[T]

// Attention is multi-head scaled dot-product attention with per-head
// projection weights.
type Attention[T kernel.Float] = nn.Attention[T]

var (
	// ErrConfig reports an invalid layer configuration.
	ErrConfig = nn.ErrConfig

	// ErrSequence reports Forward and Backward called out of order.
	ErrSequence = nn.ErrSequence
)

// NewMoments pairs value with grad. grad may be nil for frozen tensors; when
// present its traits must match value's.
func NewMoments[T kernel.Float](value, grad *tensor.Tensor[T]) (*Moments[T], error) {
	return nn.NewMoments(value, grad)
}

// NewAttention builds an attention layer over query, key and value inputs of
// shape [batch, seq, features]. nHead must divide the query feature count.
func NewAttention[T kernel.Float](g *sched.Graph, xQ, xK, xV *Moments[T], nHead int) (*Attention[T], error) {
	return nn.NewAttention(g, xQ, xK, xV, nHead)
}
