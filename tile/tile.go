// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tile describes how dense tensors are cut into a grid of tiles.
//
// A Grid covers a tensor shape with tiles of a base tile shape. Interior
// tiles have exactly the base shape; tiles on the trailing boundary of each
// dimension are clipped so the grid covers every element exactly once.
//
//	grid, err := tile.NewGrid(tile.Shape{7, 5}, tile.Shape{3, 2})
//	// grid.Dims() == [3, 3], boundary tiles are 1x2, 3x1 and 1x1
package tile

import "github.com/tilegrid-ml/tilegrid/internal/tile"

// Shape is the extent of a tensor or tile along each dimension.
type Shape = tile.Shape

// Grid is the tile decomposition of a shape.
type Grid = tile.Grid

// ErrShape reports incompatible shapes or tilings. Shape validation errors
// across the module wrap it.
var ErrShape = tile.ErrShape

// NewGrid builds the tile grid covering shape with tiles of tileShape.
func NewGrid(shape, tileShape Shape) (*Grid, error) {
	return tile.NewGrid(shape, tileShape)
}
