package tensor

import "github.com/pkg/errors"

// ErrLayout reports a host buffer that is not in the expected dense,
// dimension-ordered layout.
var ErrLayout = errors.New("host buffer layout mismatch")

// ErrUseAfterFree reports an operation on an unregistered tensor.
var ErrUseAfterFree = errors.New("tensor used after unregister")
