package tensor

import (
	"fmt"

	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Traits bundles the integer properties of a distributed tensor: its global
// shape, its base tile shape and the derived tile grid.
type Traits struct {
	shape     tile.Shape
	tileShape tile.Shape
	grid      *tile.Grid
}

// NewTraits derives the tile grid for a global shape and a base tile shape.
func NewTraits(shape, tileShape tile.Shape) (Traits, error) {
	grid, err := tile.NewGrid(shape, tileShape)
	if err != nil {
		return Traits{}, err
	}
	return Traits{
		shape:     shape.Clone(),
		tileShape: tileShape.Clone(),
		grid:      grid,
	}, nil
}

// Shape returns the global extents.
func (t Traits) Shape() tile.Shape { return t.shape }

// TileShape returns the base (unclipped) tile extents.
func (t Traits) TileShape() tile.Shape { return t.tileShape }

// Grid returns the derived tile grid.
func (t Traits) Grid() *tile.Grid { return t.grid }

// NumElements returns the total element count of the global shape.
func (t Traits) NumElements() int { return t.shape.NumElements() }

// Equal reports whether two traits describe the same shape and tiling.
func (t Traits) Equal(other Traits) bool {
	return t.shape.Equal(other.shape) && t.tileShape.Equal(other.tileShape)
}

func (t Traits) String() string {
	return fmt.Sprintf("Traits(shape=%v, tile=%v, grid=%v)", t.shape, t.tileShape, t.grid.Dims())
}
