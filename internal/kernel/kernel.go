// Package kernel implements the dense per-tile compute kernels the engine
// schedules: GEMM, elementwise maps and row-wise softmax. Kernels operate on
// flat row-major slices and know nothing about tiling or scheduling.
package kernel

// Float is the constraint for supported tile element types.
type Float interface {
	~float32 | ~float64
}
