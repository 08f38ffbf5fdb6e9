// Package nn builds neural-network layers on top of the distributed tiled
// tensor engine. Layers allocate their parameters and activations as tiled
// tensors on a task graph; forward and backward passes submit tile tasks and
// block on the graph barrier.
package nn

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
)

// Layer is a trainable computation with an output activation. Backward is
// only valid after a completed Forward and consumes the gradient stored in
// Output().Grad; calling it out of order fails with ErrSequence.
type Layer[T kernel.Float] interface {
	Forward() error
	Backward() error
	Output() *Moments[T]
	Parameters() []*Moments[T]
	Unregister() error
}

// layerState tracks the forward/backward sequencing of a layer.
type layerState int

const (
	stateInitial layerState = iota
	stateForwardDone
	stateBackwardDone
)

// advanceForward marks a completed forward pass. Forward is valid in any
// state; it starts a fresh iteration.
func (s *layerState) advanceForward() { *s = stateForwardDone }

// checkBackward verifies a backward pass may run and records it.
func (s *layerState) checkBackward() error {
	switch *s {
	case stateForwardDone:
		*s = stateBackwardDone
		return nil
	case stateInitial:
		return errors.Wrap(ErrSequence, "backward before forward")
	default:
		return errors.Wrap(ErrSequence, "backward called twice for one forward")
	}
}
