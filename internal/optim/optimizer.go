// Package optim implements optimizers over distributed tiled parameters.
// Updates are submitted as tile tasks on the parameters' task graph, so an
// optimizer step overlaps with other outstanding work and orders itself after
// the backward pass that produced the gradients.
package optim

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/nn"
)

// Optimizer updates a fixed set of parameters from their accumulated
// gradients. StepAsync submits the update tasks without blocking;
// ZeroGradAsync clears the gradient accumulators for the next iteration.
type Optimizer[T kernel.Float] interface {
	StepAsync() error
	ZeroGradAsync() error
	LR() T
	SetLR(lr T)
}

// checkParams verifies every parameter carries a gradient accumulator.
func checkParams[T kernel.Float](params []*nn.Moments[T]) error {
	if len(params) == 0 {
		return errors.New("optim: no parameters")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.Errorf("optim: parameter %d has no gradient", i)
		}
	}
	return nil
}

// zeroGrads clears every parameter gradient.
func zeroGrads[T kernel.Float](params []*nn.Moments[T]) error {
	for _, p := range params {
		if err := p.Grad.ClearAsync(); err != nil {
			return err
		}
	}
	return nil
}
