package kernel

import "math"

// AdamStep applies one fused Adam update to a tile of parameters w with
// matching gradient, first-moment and second-moment tiles. bc1 and bc2 are
// the bias corrections 1-beta1^t and 1-beta2^t for the current step. A
// non-zero weightDecay adds decoupled decay to the gradient.
func AdamStep[T Float](lr, beta1, beta2, eps, weightDecay, bc1, bc2 T, grad, m, v, w []T) {
	for i := range w {
		g := grad[i]
		if weightDecay != 0 {
			g += weightDecay * w[i]
		}
		m[i] = beta1*m[i] + (1-beta1)*g
		v[i] = beta2*v[i] + (1-beta2)*g*g
		mHat := m[i] / bc1
		vHat := v[i] / bc2
		w[i] -= lr * mHat / (T(math.Sqrt(float64(vHat))) + eps)
	}
}
