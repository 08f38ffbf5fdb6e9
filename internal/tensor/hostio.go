package tensor

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// FromHostAsync scatters a dense row-major host buffer into the tensor's
// tiles. One data-movement task per tile is inserted into the graph; the
// call itself returns without blocking. The buffer must not be mutated until
// the next WaitAll.
//
// Fails with ErrShape if shape differs from the tensor shape and with
// ErrLayout if the buffer length does not match the dense layout.
func (t *Tensor[T]) FromHostAsync(buf []T, shape tile.Shape) error {
	if err := t.checkHostBuffer(buf, shape); err != nil {
		return err
	}
	return t.forEachTileTask("from_host", true, func(data []T, start []int, ts tile.Shape, strides []int) {
		forEachTileRow(start, ts, strides, func(hostOff, tileOff, run int) {
			copy(data[tileOff:tileOff+run], buf[hostOff:hostOff+run])
		})
	})
}

// ToHostAsync gathers the tensor's tiles into a dense row-major host buffer,
// with the same asynchrony and error contract as FromHostAsync. The buffer
// must not be read until the next WaitAll.
func (t *Tensor[T]) ToHostAsync(buf []T, shape tile.Shape) error {
	if err := t.checkHostBuffer(buf, shape); err != nil {
		return err
	}
	return t.forEachTileTask("to_host", false, func(data []T, start []int, ts tile.Shape, strides []int) {
		forEachTileRow(start, ts, strides, func(hostOff, tileOff, run int) {
			copy(buf[hostOff:hostOff+run], data[tileOff:tileOff+run])
		})
	})
}

func (t *Tensor[T]) checkHostBuffer(buf []T, shape tile.Shape) error {
	if !shape.Equal(t.Shape()) {
		return errors.Wrapf(tile.ErrShape, "host buffer shape %v, tensor shape %v", shape, t.Shape())
	}
	if len(buf) != shape.NumElements() {
		return errors.Wrapf(ErrLayout, "host buffer has %d elements, dense layout of %v requires %d",
			len(buf), shape, shape.NumElements())
	}
	return nil
}

// forEachTileTask submits one task per tile running fn over the tile's
// storage and placement. When write is set the tile is the task's write set,
// otherwise its read set.
func (t *Tensor[T]) forEachTileTask(op string, write bool, fn func(data []T, start []int, ts tile.Shape, strides []int)) error {
	g := t.Grid()
	strides := t.Shape().ComputeStrides()
	for i := 0; i < g.NumTiles(); i++ {
		data, err := t.acquire(i)
		if err != nil {
			return err
		}
		index := g.LinearToIndex(i)
		start := g.TileStart(index)
		ts := g.TileShape(index)
		var reads, writes []sched.TileRef
		if write {
			writes = []sched.TileRef{t.Ref(i)}
		} else {
			reads = []sched.TileRef{t.Ref(i)}
		}
		if _, err := t.graph.Submit(op, reads, writes, func() error {
			fn(data, start, ts, strides)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// forEachTileRow visits the contiguous last-dimension runs of a tile,
// reporting the matching offsets in the dense host buffer and in the tile's
// own row-major storage.
func forEachTileRow(start []int, ts tile.Shape, strides []int, f func(hostOff, tileOff, run int)) {
	ndim := len(ts)
	if ndim == 0 {
		f(0, 0, 1)
		return
	}
	run := ts[ndim-1]
	if run == 0 {
		return
	}
	rows := ts.NumElements() / run
	pos := make([]int, ndim-1)
	for r := 0; r < rows; r++ {
		hostOff := start[ndim-1]
		for d := 0; d < ndim-1; d++ {
			hostOff += (start[d] + pos[d]) * strides[d]
		}
		f(hostOff, r*run, run)
		for d := ndim - 2; d >= 0; d-- {
			pos[d]++
			if pos[d] < ts[d] {
				break
			}
			pos[d] = 0
		}
	}
}
