package tile

import "github.com/pkg/errors"

// Grid describes the partition of a global shape into a regular grid of
// tiles. Interior tiles have the base tile shape; tiles on the trailing
// boundary of a dimension are clipped to the remaining extent, so the union
// of all tile extents covers the global shape exactly once.
type Grid struct {
	shape     Shape // global extents
	tileShape Shape // base tile extents
	dims      []int // number of grid cells per dimension
	strides   []int // row-major strides over grid cells
}

// NewGrid computes the tile grid for a global shape and a base tile shape.
// The tile shape must have the same dimensionality as the global shape, every
// tile extent must be positive, and no tile extent may exceed the
// corresponding global extent (unless the global extent is zero).
func NewGrid(shape, tileShape Shape) (*Grid, error) {
	if len(shape) != len(tileShape) {
		return nil, errors.Wrapf(ErrShape, "grid: %d-dim shape with %d-dim tile shape", len(shape), len(tileShape))
	}
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "grid")
	}
	dims := make([]int, len(shape))
	for d := range shape {
		if tileShape[d] <= 0 {
			return nil, errors.Wrapf(ErrShape, "grid: tile extent %d in dimension %d is not positive", tileShape[d], d)
		}
		if shape[d] > 0 && tileShape[d] > shape[d] {
			return nil, errors.Wrapf(ErrShape, "grid: tile extent %d exceeds global extent %d in dimension %d", tileShape[d], shape[d], d)
		}
		dims[d] = (shape[d] + tileShape[d] - 1) / tileShape[d]
	}
	return &Grid{
		shape:     shape.Clone(),
		tileShape: tileShape.Clone(),
		dims:      dims,
		strides:   Shape(dims).ComputeStrides(),
	}, nil
}

// Shape returns the global extents.
func (g *Grid) Shape() Shape { return g.shape }

// BaseTileShape returns the unclipped tile extents.
func (g *Grid) BaseTileShape() Shape { return g.tileShape }

// Dims returns the number of grid cells per dimension.
func (g *Grid) Dims() []int { return g.dims }

// NumTiles returns the total number of grid cells.
func (g *Grid) NumTiles() int {
	n := 1
	for _, d := range g.dims {
		n *= d
	}
	return n
}

// LinearToIndex converts a linear cell number into a multi-index.
func (g *Grid) LinearToIndex(i int) []int {
	index := make([]int, len(g.dims))
	for d := range g.dims {
		index[d] = i / g.strides[d]
		i %= g.strides[d]
	}
	return index
}

// IndexToLinear converts a multi-index into a linear cell number.
func (g *Grid) IndexToLinear(index []int) int {
	i := 0
	for d := range g.dims {
		i += index[d] * g.strides[d]
	}
	return i
}

// TileStart returns the element offset of the tile at the given multi-index,
// one entry per dimension.
func (g *Grid) TileStart(index []int) []int {
	start := make([]int, len(index))
	for d, c := range index {
		start[d] = c * g.tileShape[d]
	}
	return start
}

// TileShape returns the concrete extents of the tile at the given
// multi-index. Interior tiles get the base tile shape; the last tile of a
// dimension is clipped to the remaining extent.
func (g *Grid) TileShape(index []int) Shape {
	ts := make(Shape, len(index))
	for d, c := range index {
		if c == g.dims[d]-1 {
			ts[d] = g.shape[d] - g.tileShape[d]*c
		} else {
			ts[d] = g.tileShape[d]
		}
	}
	return ts
}

// TileShapeLinear is TileShape for a linear cell number.
func (g *Grid) TileShapeLinear(i int) Shape {
	return g.TileShape(g.LinearToIndex(i))
}
