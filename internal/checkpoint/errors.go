package checkpoint

import "errors"

var (
	// ErrFormat reports a malformed checkpoint file.
	ErrFormat = errors.New("malformed checkpoint")

	// ErrChecksum reports a data-section checksum mismatch.
	ErrChecksum = errors.New("checkpoint checksum mismatch")

	// ErrTensorMissing reports a requested tensor absent from the file.
	ErrTensorMissing = errors.New("tensor not in checkpoint")
)
