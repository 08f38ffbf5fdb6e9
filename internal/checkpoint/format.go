// Package checkpoint persists named distributed tensors to a single file:
// a JSON header describing every tensor followed by an aligned, checksummed
// little-endian data section. Tensors are gathered to dense host buffers
// through the task graph on save and scattered back into tiles on load, so a
// checkpoint is independent of the tiling and node distribution in use.
package checkpoint

import "time"

const (
	magic         = "TLGD"
	formatVersion = 1
	dataAlignment = 64
)

// Data type names used in headers.
const (
	dtypeFloat32 = "float32"
	dtypeFloat64 = "float64"
)

// header is the JSON preamble of a checkpoint file.
type header struct {
	FormatVersion int               `json:"format_version"`
	CreatedAt     time.Time         `json:"created_at"`
	Checksum      string            `json:"checksum"` // hex SHA-256 of the data section
	Tensors       []tensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// tensorMeta describes one tensor in the data section.
type tensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`
}
