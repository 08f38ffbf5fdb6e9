// Copyright 2025 TileGrid Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint saves and loads named tensors to a single checksummed
// file, independent of tiling and node distribution.
//
//	err := checkpoint.Save("model.ckpt", map[string]*tensor.Tensor[float32]{
//	    "attn.wq.0": wq,
//	}, map[string]string{"step": "1000"})
//
//	// Destinations choose their own tiling; shapes and dtypes must match.
//	err = checkpoint.Load("model.ckpt", dest)
package checkpoint

import (
	"github.com/tilegrid-ml/tilegrid/internal/checkpoint"
	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
)

// TensorInfo describes one checkpointed tensor.
type TensorInfo = checkpoint.TensorInfo

var (
	// ErrFormat reports a malformed checkpoint file.
	ErrFormat = checkpoint.ErrFormat

	// ErrChecksum reports a data-section checksum mismatch.
	ErrChecksum = checkpoint.ErrChecksum

	// ErrTensorMissing reports a requested tensor absent from the file.
	ErrTensorMissing = checkpoint.ErrTensorMissing
)

// Save writes the named tensors to a new checkpoint at path, blocking until
// the gathers drain. meta is optional free-form metadata.
func Save[T kernel.Float](path string, tensors map[string]*tensor.Tensor[T], meta map[string]string) error {
	return checkpoint.Save(path, tensors, meta)
}

// Load scatters the named tensors from the checkpoint at path into dest,
// blocking until the scatters drain.
func Load[T kernel.Float](path string, dest map[string]*tensor.Tensor[T]) error {
	return checkpoint.Load(path, dest)
}

// Manifest returns the tensor descriptions and metadata of a checkpoint
// without loading tensor data.
func Manifest(path string) ([]TensorInfo, map[string]string, error) {
	return checkpoint.Manifest(path)
}
