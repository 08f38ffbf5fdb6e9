package nn

import "errors"

var (
	// ErrConfig reports an invalid layer configuration: incompatible shapes,
	// tilings or head counts at construction time.
	ErrConfig = errors.New("invalid layer configuration")

	// ErrSequence reports a forward/backward call out of order.
	ErrSequence = errors.New("layer call out of sequence")
)
