package optim

import (
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/nn"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
)

// Adam is the Adam optimizer with decoupled weight decay. Moment estimates
// are tiled tensors matching their parameters; each step submits one fused
// update task per parameter tile:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	w -= lr * (m / (1-beta1^t)) / (sqrt(v / (1-beta2^t)) + eps)
type Adam[T kernel.Float] struct {
	params []*nn.Moments[T]
	lr     T
	beta1  T
	beta2  T
	eps    T
	decay  T
	step   int
	m, v   []*tensor.Tensor[T]
}

// AdamConfig configures NewAdam. Zero values default to LR 0.001,
// Betas {0.9, 0.999} and Eps 1e-8.
type AdamConfig[T kernel.Float] struct {
	LR          T
	Betas       [2]T
	Eps         T
	WeightDecay T
}

// NewAdam creates the optimizer over params. Every parameter must carry a
// gradient. Moment buffers are allocated lazily on the first step.
func NewAdam[T kernel.Float](params []*nn.Moments[T], cfg AdamConfig[T]) (*Adam[T], error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	if cfg.LR == 0 {
		cfg.LR = 0.001
	}
	if cfg.Betas[0] == 0 {
		cfg.Betas[0] = 0.9
	}
	if cfg.Betas[1] == 0 {
		cfg.Betas[1] = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	return &Adam[T]{
		params: params,
		lr:     cfg.LR,
		beta1:  cfg.Betas[0],
		beta2:  cfg.Betas[1],
		eps:    cfg.Eps,
		decay:  cfg.WeightDecay,
		m:      make([]*tensor.Tensor[T], len(params)),
		v:      make([]*tensor.Tensor[T], len(params)),
	}, nil
}

// StepAsync advances the step counter and submits the fused update for every
// parameter.
func (a *Adam[T]) StepAsync() error {
	a.step++
	for i, p := range a.params {
		if a.m[i] == nil {
			var err error
			if a.m[i], err = a.newBuffer(p); err != nil {
				return err
			}
			if a.v[i], err = a.newBuffer(p); err != nil {
				return err
			}
		}
		if err := tensor.AdamStepAsync(a.step, a.lr, a.beta1, a.beta2, a.eps, a.decay,
			p.Grad, a.m[i], a.v[i], p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adam[T]) newBuffer(p *nn.Moments[T]) (*tensor.Tensor[T], error) {
	traits := p.Value.Traits()
	g := p.Value.Graph()
	return tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), g.NodeID()))
}

// ZeroGradAsync clears every parameter gradient.
func (a *Adam[T]) ZeroGradAsync() error { return zeroGrads(a.params) }

// LR returns the current learning rate.
func (a *Adam[T]) LR() T { return a.lr }

// SetLR updates the learning rate for subsequent steps.
func (a *Adam[T]) SetLR(lr T) { a.lr = lr }

// Step returns the number of completed steps.
func (a *Adam[T]) Step() int { return a.step }

// Unregister releases the moment buffers.
func (a *Adam[T]) Unregister() error {
	var first error
	for _, bufs := range [][]*tensor.Tensor[T]{a.m, a.v} {
		for _, b := range bufs {
			if b == nil {
				continue
			}
			if err := b.Unregister(); first == nil && err != nil {
				first = err
			}
		}
	}
	a.m, a.v = nil, nil
	return first
}
