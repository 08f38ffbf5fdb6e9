// Package tile defines shapes and the regular tile grid that partitions a
// global array into independently addressable sub-blocks.
package tile

import "github.com/pkg/errors"

// ErrShape reports incompatible dimensions or tile shapes.
var ErrShape = errors.New("shape mismatch")

// Shape represents the extents of a tensor, one entry per dimension.
type Shape []int

// NumElements returns the total number of elements described by the shape.
// A zero-dimensional shape describes a scalar with one element.
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that every extent is non-negative. Zero extents are
// allowed so that degenerate operands (e.g. an empty contraction dimension)
// can be expressed.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return errors.Wrapf(ErrShape, "dimension %d is negative (%d)", i, dim)
		}
	}
	return nil
}

// Equal reports whether two shapes have identical extents.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides: stride[i] is the product of
// all extents after dimension i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}
	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// FlattenAt reshapes the shape into a contiguous matrix split at dimension d:
// rows is the product of extents before d, cols the product of extents from d
// onward. Valid for any 0 <= d <= len(s) because the data is row-major dense.
func (s Shape) FlattenAt(d int) (rows, cols int) {
	rows, cols = 1, 1
	for i := 0; i < d; i++ {
		rows *= s[i]
	}
	for i := d; i < len(s); i++ {
		cols *= s[i]
	}
	return rows, cols
}
