// Package tensor implements the distributed tiled tensor: a grid of
// independently addressable tiles, each assigned to one node of a
// distributed set, with every operation decomposed into tile-level tasks
// dispatched through the task graph scheduler.
package tensor

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Tensor is a distributed tiled tensor. Tile storage is allocated lazily on
// the first operation touching a tile and released exactly once by
// Unregister; any use afterwards fails with ErrUseAfterFree.
//
// A Tensor is bound to the Graph it was created on: every operation reserves
// dependency tags from that graph's shared counter.
type Tensor[T kernel.Float] struct {
	traits Traits
	graph  *sched.Graph
	id     uint64
	tag    sched.Tag // first of the tags reserved at creation, one per tile
	dist   []int     // node id per grid cell

	mu    sync.Mutex
	tiles [][]T
	freed bool
}

// New creates a distributed tensor from traits and a per-tile node
// assignment (one node id per grid cell, in linear cell order). Grid metadata
// is allocated eagerly, tile storage lazily. One dependency tag per tile is
// reserved atomically from the graph's shared counter.
func New[T kernel.Float](g *sched.Graph, traits Traits, dist []int) (*Tensor[T], error) {
	n := traits.Grid().NumTiles()
	if len(dist) != n {
		return nil, errors.Wrapf(tile.ErrShape, "tensor: %d node assignments for %d tiles", len(dist), n)
	}
	for i, node := range dist {
		if node < 0 || node >= g.NumNodes() {
			return nil, errors.Errorf("tensor: tile %d assigned to node %d, have %d nodes", i, node, g.NumNodes())
		}
	}
	return &Tensor[T]{
		traits: traits,
		graph:  g,
		id:     g.NewTensorID(),
		tag:    g.ReserveTags(n),
		dist:   append([]int(nil), dist...),
		tiles:  make([][]T, n),
	}, nil
}

// Traits returns the tensor's integer properties.
func (t *Tensor[T]) Traits() Traits { return t.traits }

// Shape returns the global extents.
func (t *Tensor[T]) Shape() tile.Shape { return t.traits.Shape() }

// Grid returns the tile grid.
func (t *Tensor[T]) Grid() *tile.Grid { return t.traits.Grid() }

// Graph returns the task graph the tensor is bound to.
func (t *Tensor[T]) Graph() *sched.Graph { return t.graph }

// Node returns the distributed node owning the tile with linear index i.
func (t *Tensor[T]) Node(i int) int { return t.dist[i] }

// Ref addresses the tile with linear index i for dependency tracking.
func (t *Tensor[T]) Ref(i int) sched.TileRef {
	return sched.TileRef{Tensor: t.id, Tile: i}
}

// acquire returns the storage of tile i, allocating it on first use.
// The returned slice stays valid for tasks submitted before Unregister.
func (t *Tensor[T]) acquire(i int) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freed {
		return nil, errors.Wrapf(ErrUseAfterFree, "tensor %d, tile %d", t.id, i)
	}
	if t.tiles[i] == nil {
		t.tiles[i] = make([]T, t.traits.Grid().TileShapeLinear(i).NumElements())
	}
	return t.tiles[i], nil
}

// Register eagerly allocates storage for every tile.
func (t *Tensor[T]) Register() error {
	for i := 0; i < t.traits.Grid().NumTiles(); i++ {
		if _, err := t.acquire(i); err != nil {
			return err
		}
	}
	return nil
}

// Unregister releases all tile storage. Releasing twice, or operating on the
// tensor afterwards, fails with ErrUseAfterFree. Tasks already submitted keep
// their tile references and drain normally.
func (t *Tensor[T]) Unregister() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.freed {
		return errors.Wrapf(ErrUseAfterFree, "tensor %d unregistered twice", t.id)
	}
	t.freed = true
	t.tiles = nil
	return nil
}
