package optim

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/nn"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
)

// SGD is stochastic gradient descent with optional momentum.
//
// Without momentum: w -= lr * grad. With momentum the velocity buffers are
// tiled tensors matching their parameters:
//
//	velocity = momentum*velocity + grad
//	w -= lr * velocity
type SGD[T kernel.Float] struct {
	params     []*nn.Moments[T]
	lr         T
	momentum   T
	velocities []*tensor.Tensor[T]
}

// SGDConfig configures NewSGD. A zero LR defaults to 0.01.
type SGDConfig[T kernel.Float] struct {
	LR       T
	Momentum T
}

// NewSGD creates the optimizer over params. Every parameter must carry a
// gradient. Velocity buffers are allocated lazily on the first step.
func NewSGD[T kernel.Float](params []*nn.Moments[T], cfg SGDConfig[T]) (*SGD[T], error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if cfg.LR == 0 {
		cfg.LR = 0.01
	}
	return &SGD[T]{
		params:     params,
		lr:         cfg.LR,
		momentum:   cfg.Momentum,
		velocities: make([]*tensor.Tensor[T], len(params)),
	}, nil
}

// StepAsync submits the update tasks for every parameter.
func (s *SGD[T]) StepAsync() error {
	for i, p := range s.params {
		if s.momentum == 0 {
			if err := p.Value.AddAsync(-s.lr, p.Grad, 1); err != nil {
				return err
			}
			continue
		}
		vel := s.velocities[i]
		if vel == nil {
			traits := p.Value.Traits()
			g := p.Value.Graph()
			t, err := tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), g.NodeID()))
			if err != nil {
				return err
			}
			vel, s.velocities[i] = t, t
		}
		if err := vel.AddAsync(1, p.Grad, s.momentum); err != nil {
			return err
		}
		if err := p.Value.AddAsync(-s.lr, vel, 1); err != nil {
			return err
		}
	}
	return nil
}

// ZeroGradAsync clears every parameter gradient.
func (s *SGD[T]) ZeroGradAsync() error { return zeroGrads(s.params) }

// LR returns the current learning rate.
func (s *SGD[T]) LR() T { return s.lr }

// SetLR updates the learning rate for subsequent steps.
func (s *SGD[T]) SetLR(lr T) { s.lr = lr }

// Unregister releases the velocity buffers.
func (s *SGD[T]) Unregister() error {
	var first error
	for _, vel := range s.velocities {
		if vel == nil {
			continue
		}
		if err := vel.Unregister(); first == nil && err != nil {
			first = err
		}
	}
	s.velocities = nil
	return first
}
