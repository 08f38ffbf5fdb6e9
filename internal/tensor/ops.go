package tensor

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/parallel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// submitMap submits one in-place task per tile.
func (t *Tensor[T]) submitMap(op string, fn func(data []T, ts tile.Shape)) error {
	g := t.Grid()
	for i := 0; i < g.NumTiles(); i++ {
		data, err := t.acquire(i)
		if err != nil {
			return err
		}
		ts := g.TileShapeLinear(i)
		refs := []sched.TileRef{t.Ref(i)}
		if _, err := t.graph.Submit(op, refs, refs, func() error {
			fn(data, ts)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// ClearAsync zeroes every tile.
func (t *Tensor[T]) ClearAsync() error {
	return t.submitMap("clear", func(data []T, _ tile.Shape) { kernel.Clear(data) })
}

// FillAsync sets every element to v.
func (t *Tensor[T]) FillAsync(v T) error {
	return t.submitMap("fill", func(data []T, _ tile.Shape) { kernel.Fill(v, data) })
}

// ScaleAsync computes t = alpha*t.
func (t *Tensor[T]) ScaleAsync(alpha T) error {
	return t.submitMap("scale", func(data []T, _ tile.Shape) { kernel.Scale(alpha, data) })
}

// DReluAsync replaces every element with the rectifier derivative:
// 1 where the element is positive, 0 elsewhere.
func (t *Tensor[T]) DReluAsync() error {
	return t.submitMap("drelu", func(data []T, _ tile.Shape) { kernel.DRelu(data) })
}

// AddAsync computes t = alpha*x + beta*t tile by tile. x must have identical
// traits (shape and tiling).
func (t *Tensor[T]) AddAsync(alpha T, x *Tensor[T], beta T) error {
	if !t.traits.Equal(x.traits) {
		return errors.Wrapf(tile.ErrShape, "add: %v vs %v", x.traits, t.traits)
	}
	g := t.Grid()
	for i := 0; i < g.NumTiles(); i++ {
		dst, err := t.acquire(i)
		if err != nil {
			return err
		}
		src, err := x.acquire(i)
		if err != nil {
			return err
		}
		alpha, beta := alpha, beta
		if _, err := t.graph.Submit("add",
			[]sched.TileRef{x.Ref(i), t.Ref(i)},
			[]sched.TileRef{t.Ref(i)},
			func() error {
				kernel.Axpby(alpha, src, beta, dst)
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}

// ProdAsync computes t = t*x elementwise. x must have identical traits.
func (t *Tensor[T]) ProdAsync(x *Tensor[T]) error {
	if !t.traits.Equal(x.traits) {
		return errors.Wrapf(tile.ErrShape, "prod: %v vs %v", x.traits, t.traits)
	}
	g := t.Grid()
	for i := 0; i < g.NumTiles(); i++ {
		dst, err := t.acquire(i)
		if err != nil {
			return err
		}
		src, err := x.acquire(i)
		if err != nil {
			return err
		}
		if _, err := t.graph.Submit("prod",
			[]sched.TileRef{x.Ref(i), t.Ref(i)},
			[]sched.TileRef{t.Ref(i)},
			func() error {
				kernel.Prod(src, dst)
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}

// SoftmaxAsync applies a numerically stable softmax over the last dimension
// in place. The last dimension must be untiled (covered by a single tile in
// every grid cell) so that each row is local to one task.
func (t *Tensor[T]) SoftmaxAsync() error {
	cols, err := t.lastDimUntiled("softmax")
	if err != nil {
		return err
	}
	return t.submitMap("softmax", func(data []T, ts tile.Shape) {
		kernel.SoftmaxRows(data, ts.NumElements()/cols, cols, parallel.Sequential())
	})
}

// SoftmaxGradAsync overwrites t, holding the gradient dy of a softmax output
// y, with the gradient of the softmax input: t = y*(t - rowsum(t*y)).
// y must have identical traits and the same untiled last dimension.
func (t *Tensor[T]) SoftmaxGradAsync(y *Tensor[T]) error {
	if !t.traits.Equal(y.traits) {
		return errors.Wrapf(tile.ErrShape, "softmax grad: %v vs %v", y.traits, t.traits)
	}
	cols, err := t.lastDimUntiled("softmax grad")
	if err != nil {
		return err
	}
	g := t.Grid()
	for i := 0; i < g.NumTiles(); i++ {
		dy, err := t.acquire(i)
		if err != nil {
			return err
		}
		yv, err := y.acquire(i)
		if err != nil {
			return err
		}
		ts := g.TileShapeLinear(i)
		if _, err := t.graph.Submit("softmax_grad",
			[]sched.TileRef{y.Ref(i), t.Ref(i)},
			[]sched.TileRef{t.Ref(i)},
			func() error {
				kernel.SoftmaxGradRows(yv, dy, ts.NumElements()/cols, cols, parallel.Sequential())
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tensor[T]) lastDimUntiled(op string) (int, error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return 0, errors.Wrapf(tile.ErrShape, "%s: scalar tensor has no row dimension", op)
	}
	last := len(shape) - 1
	if t.Grid().Dims()[last] > 1 {
		return 0, errors.Wrapf(tile.ErrShape, "%s: last dimension must be untiled, extent %d tiled by %d",
			op, shape[last], t.traits.TileShape()[last])
	}
	return shape[last], nil
}
