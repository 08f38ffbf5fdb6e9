package tensor

import (
	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// BlockCyclic assigns the cells of a tile grid to nodes in a block-cyclic
// manner over a node grid: the cell multi-index is reduced modulo the node
// grid and folded into a rank, offset by startNode and wrapped at numNodes.
func BlockCyclic(gridDims, nodeGrid []int, startNode, numNodes int) ([]int, error) {
	if len(gridDims) != len(nodeGrid) {
		return nil, errors.Wrapf(tile.ErrShape, "block-cyclic: %d-dim grid with %d-dim node grid", len(gridDims), len(nodeGrid))
	}
	if numNodes <= 0 {
		return nil, errors.Errorf("block-cyclic: numNodes must be positive, got %d", numNodes)
	}
	ndim := len(gridDims)
	total := 1
	for d, g := range gridDims {
		if g < 0 || nodeGrid[d] <= 0 {
			return nil, errors.Wrapf(tile.ErrShape, "block-cyclic: invalid extents in dimension %d", d)
		}
		total *= g
	}
	strides := tile.Shape(gridDims).ComputeStrides()
	ranks := make([]int, total)
	index := make([]int, ndim)
	for i := 0; i < total; i++ {
		rem := i
		for d := 0; d < ndim; d++ {
			index[d] = (rem / strides[d]) % nodeGrid[d]
			rem %= strides[d]
		}
		rank := 0
		for d := 0; d < ndim; d++ {
			rank = rank*nodeGrid[d] + index[d]
		}
		ranks[i] = (rank + startNode) % numNodes
	}
	return ranks, nil
}

// SingleNode assigns every cell of a grid to one node.
func SingleNode(g *tile.Grid, node int) []int {
	dist := make([]int, g.NumTiles())
	for i := range dist {
		dist[i] = node
	}
	return dist
}
