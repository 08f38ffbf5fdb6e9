package nn

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
)

// Moments pairs a tensor value with its gradient. The gradient is present
// exactly when RequiresGrad is set; layers skip gradient work for activations
// that do not require it.
type Moments[T kernel.Float] struct {
	Value        *tensor.Tensor[T]
	Grad         *tensor.Tensor[T]
	RequiresGrad bool
}

// NewMoments wraps a value and an optional gradient. A non-nil gradient must
// share the value's shape and tiling and implies RequiresGrad.
func NewMoments[T kernel.Float](value, grad *tensor.Tensor[T]) (*Moments[T], error) {
	if value == nil {
		return nil, errors.Wrap(ErrConfig, "moments: nil value")
	}
	if grad != nil && !grad.Traits().Equal(value.Traits()) {
		return nil, errors.Wrapf(ErrConfig, "moments: gradient %v does not match value %v",
			grad.Traits(), value.Traits())
	}
	return &Moments[T]{Value: value, Grad: grad, RequiresGrad: grad != nil}, nil
}

// newMomentsAlloc creates a value tensor and, when withGrad is set, a matching
// gradient, both distributed to the graph's own node.
func newMomentsAlloc[T kernel.Float](g *sched.Graph, traits tensor.Traits, withGrad bool) (*Moments[T], error) {
	value, err := tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), g.NodeID()))
	if err != nil {
		return nil, err
	}
	m := &Moments[T]{Value: value}
	if withGrad {
		grad, err := tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), g.NodeID()))
		if err != nil {
			return nil, err
		}
		m.Grad = grad
		m.RequiresGrad = true
	}
	return m, nil
}

// Unregister releases the value and, if present, the gradient.
func (m *Moments[T]) Unregister() error {
	err := m.Value.Unregister()
	if m.Grad != nil {
		if gerr := m.Grad.Unregister(); err == nil {
			err = gerr
		}
	}
	return err
}
