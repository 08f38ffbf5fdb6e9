package kernel

// Clear zeroes a tile in place.
func Clear[T Float](x []T) {
	for i := range x {
		x[i] = 0
	}
}

// Fill sets every element of a tile to v.
func Fill[T Float](v T, x []T) {
	for i := range x {
		x[i] = v
	}
}

// Scale computes x = alpha*x in place.
func Scale[T Float](alpha T, x []T) {
	if alpha == 1 {
		return
	}
	if alpha == 0 {
		Clear(x)
		return
	}
	for i := range x {
		x[i] *= alpha
	}
}

// Axpby computes y = alpha*x + beta*y elementwise. x and y must have the
// same length and must not alias unless they are the same slice.
func Axpby[T Float](alpha T, x []T, beta T, y []T) {
	if beta == 1 {
		for i := range y {
			y[i] += alpha * x[i]
		}
		return
	}
	for i := range y {
		y[i] = alpha*x[i] + beta*y[i]
	}
}

// Add2 computes dst = sx*x + sy*y elementwise into a third tile.
func Add2[T Float](dst []T, sx T, x []T, sy T, y []T) {
	for i := range dst {
		dst[i] = sx*x[i] + sy*y[i]
	}
}

// Prod computes y = x*y elementwise.
func Prod[T Float](x, y []T) {
	for i := range y {
		y[i] *= x[i]
	}
}

// DRelu replaces every element with the derivative of the rectifier:
// 1 where x > 0, 0 elsewhere.
func DRelu[T Float](x []T) {
	for i := range x {
		if x[i] > 0 {
			x[i] = 1
		} else {
			x[i] = 0
		}
	}
}
