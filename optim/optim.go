// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides optimizers over tiled parameters.
//
// # Overview
//
// Optimizers update a fixed set of parameters, each a value tensor paired
// with a gradient. StepAsync only submits the update tasks; call WaitAll on
// the graph to drain them.
//
// # Basic Usage
//
//	opt, _ := optim.NewAdam(model.Parameters(), optim.AdamConfig[float32]{
//	    LR:    0.001,
//	    Betas: [2]float32{0.9, 0.999},
//	})
//	defer opt.Unregister()
//
//	for range steps {
//	    _ = opt.ZeroGradAsync()
//	    _ = model.Forward()
//	    _ = model.Backward()
//	    _ = opt.StepAsync()
//	    if err := g.WaitAll(); err != nil { ... }
//	}
package optim

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/nn"
	"github.com/tilegrid-ml/tilegrid/internal/optim"
)

// Optimizer is the interface shared by all optimizers.
type Optimizer[T kernel.Float] = optim.Optimizer[T]

// SGD is stochastic gradient descent with optional momentum.
type SGD[T kernel.Float] = optim.SGD[T]

// SGDConfig configures SGD. A zero LR defaults to 0.01.
type SGDConfig[T kernel.Float] = optim.SGDConfig[T]

// Adam is the Adam optimizer with bias correction and decoupled weight decay.
type Adam[T kernel.Float] = optim.Adam[T]

// AdamConfig configures Adam. Zero fields take the usual defaults
// (LR 0.001, Betas 0.9/0.999, Eps 1e-8).
type AdamConfig[T kernel.Float] = optim.AdamConfig[T]

// NewSGD builds an SGD optimizer over params.
func NewSGD[T kernel.Float](params []*nn.Moments[T], cfg SGDConfig[T]) (*SGD[T], error) {
	return optim.NewSGD(params, cfg)
}

// NewAdam builds an Adam optimizer over params.
func NewAdam[T kernel.Float](params []*nn.Moments[T], cfg AdamConfig[T]) (*Adam[T], error) {
	return optim.NewAdam(params, cfg)
}
