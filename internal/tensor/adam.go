package tensor

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// AdamStepAsync submits one Adam update step over every tile of the parameter
// tensor w: moments m and v are updated in place from grad and w moves against
// the bias-corrected moment ratio. step counts from 1 and drives the bias
// corrections. All four tensors must share traits.
func AdamStepAsync[T kernel.Float](step int, lr, beta1, beta2, eps, weightDecay T, grad, m, v, w *Tensor[T]) error {
	if step < 1 {
		return errors.Errorf("adam: step %d, counting starts at 1", step)
	}
	for _, t := range []*Tensor[T]{grad, m, v} {
		if !t.traits.Equal(w.traits) {
			return errors.Wrapf(tile.ErrShape, "adam: %v vs %v", t.traits, w.traits)
		}
	}
	bc1 := 1 - T(math.Pow(float64(beta1), float64(step)))
	bc2 := 1 - T(math.Pow(float64(beta2), float64(step)))

	g := w.Grid()
	for i := 0; i < g.NumTiles(); i++ {
		gd, err := grad.acquire(i)
		if err != nil {
			return err
		}
		md, err := m.acquire(i)
		if err != nil {
			return err
		}
		vd, err := v.acquire(i)
		if err != nil {
			return err
		}
		wd, err := w.acquire(i)
		if err != nil {
			return err
		}
		if _, err := w.graph.Submit("adam_step",
			[]sched.TileRef{grad.Ref(i), m.Ref(i), v.Ref(i), w.Ref(i)},
			[]sched.TileRef{m.Ref(i), v.Ref(i), w.Ref(i)},
			func() error {
				kernel.AdamStep(lr, beta1, beta2, eps, weightDecay, bc1, bc2, gd, md, vd, wd)
				return nil
			}); err != nil {
			return err
		}
	}
	return nil
}
