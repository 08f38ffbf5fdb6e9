package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tilegrid-ml/tilegrid/internal/kernel"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

// Save gathers every tensor to a dense host buffer and writes them all, in
// name order, to a new checkpoint at path. It blocks on the tensors' graph
// until the gathers complete. meta is optional free-form metadata.
func Save[T kernel.Float](path string, tensors map[string]*tensor.Tensor[T], meta map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	hdr := header{
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UTC(),
		Tensors:       make([]tensorMeta, 0, len(names)),
		Metadata:      meta,
	}
	var data []byte
	for _, name := range names {
		t := tensors[name]
		buf := make([]T, t.Shape().NumElements())
		if err := t.ToHostAsync(buf, t.Shape()); err != nil {
			return errors.Wrapf(err, "checkpoint: gather %q", name)
		}
		if err := t.Graph().WaitAll(); err != nil {
			return errors.Wrapf(err, "checkpoint: gather %q", name)
		}
		raw := encode(buf)
		hdr.Tensors = append(hdr.Tensors, tensorMeta{
			Name:   name,
			DType:  dtypeOf[T](),
			Shape:  append([]int(nil), t.Shape()...),
			Offset: int64(len(data)),
			Size:   int64(len(raw)),
		})
		data = append(data, raw...)
	}
	sum := sha256.Sum256(data)
	hdr.Checksum = hex.EncodeToString(sum[:])

	headerJSON, err := json.Marshal(hdr)
	if err != nil {
		return errors.Wrap(err, "checkpoint: marshal header")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	defer f.Close()

	if _, err := f.WriteString(magic); err != nil {
		return errors.Wrap(err, "checkpoint: write magic")
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(formatVersion)); err != nil {
		return errors.Wrap(err, "checkpoint: write version")
	}
	if err := binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return errors.Wrap(err, "checkpoint: write header size")
	}
	if _, err := f.Write(headerJSON); err != nil {
		return errors.Wrap(err, "checkpoint: write header")
	}
	// Pad so the data section starts aligned.
	pos := int64(len(magic)) + 4 + 8 + int64(len(headerJSON))
	if pad := (dataAlignment - pos%dataAlignment) % dataAlignment; pad > 0 {
		if _, err := f.Write(make([]byte, pad)); err != nil {
			return errors.Wrap(err, "checkpoint: write padding")
		}
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(err, "checkpoint: write data")
	}
	return errors.Wrap(f.Close(), "checkpoint")
}

// Load reads a checkpoint and scatters the named tensors into the given
// destination tensors, which define their own tiling and distribution. Every
// destination must be present in the file with a matching dtype and shape.
// Load blocks on the tensors' graph until the scatters complete.
func Load[T kernel.Float](path string, dest map[string]*tensor.Tensor[T]) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	defer f.Close()

	hdr, data, err := readFile(f)
	if err != nil {
		return err
	}
	byName := make(map[string]tensorMeta, len(hdr.Tensors))
	for _, tm := range hdr.Tensors {
		byName[tm.Name] = tm
	}

	for name, t := range dest {
		tm, ok := byName[name]
		if !ok {
			return errors.Wrapf(ErrTensorMissing, "checkpoint: %q", name)
		}
		if tm.DType != dtypeOf[T]() {
			return errors.Wrapf(ErrFormat, "checkpoint: %q stored as %s", name, tm.DType)
		}
		if !tile.Shape(tm.Shape).Equal(t.Shape()) {
			return errors.Wrapf(tile.ErrShape, "checkpoint: %q stored as %v, destination is %v",
				name, tm.Shape, t.Shape())
		}
		buf, err := decode[T](data[tm.Offset : tm.Offset+tm.Size])
		if err != nil {
			return errors.Wrapf(err, "checkpoint: %q", name)
		}
		if err := t.FromHostAsync(buf, t.Shape()); err != nil {
			return errors.Wrapf(err, "checkpoint: scatter %q", name)
		}
		if err := t.Graph().WaitAll(); err != nil {
			return errors.Wrapf(err, "checkpoint: scatter %q", name)
		}
	}
	return nil
}

// Manifest returns the tensor descriptions and metadata of a checkpoint
// without reading tensor data into tensors.
func Manifest(path string) ([]TensorInfo, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "checkpoint")
	}
	defer f.Close()

	hdr, _, err := readFile(f)
	if err != nil {
		return nil, nil, err
	}
	infos := make([]TensorInfo, len(hdr.Tensors))
	for i, tm := range hdr.Tensors {
		infos[i] = TensorInfo{Name: tm.Name, DType: tm.DType, Shape: append([]int(nil), tm.Shape...)}
	}
	return infos, hdr.Metadata, nil
}

// TensorInfo describes one checkpointed tensor.
type TensorInfo struct {
	Name  string
	DType string
	Shape []int
}

func readFile(f *os.File) (header, []byte, error) {
	var hdr header
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(f, m); err != nil || string(m) != magic {
		return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: bad magic")
	}
	var version uint32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: truncated version")
	}
	if version != formatVersion {
		return hdr, nil, errors.Wrapf(ErrFormat, "checkpoint: unsupported version %d", version)
	}
	var headerSize uint64
	if err := binary.Read(f, binary.LittleEndian, &headerSize); err != nil {
		return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: truncated header size")
	}
	headerJSON := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: truncated header")
	}
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: header not valid JSON")
	}
	pos := int64(len(magic)) + 4 + 8 + int64(headerSize)
	if pad := (dataAlignment - pos%dataAlignment) % dataAlignment; pad > 0 {
		if _, err := io.CopyN(io.Discard, f, pad); err != nil {
			return hdr, nil, errors.Wrap(ErrFormat, "checkpoint: truncated padding")
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return hdr, nil, errors.Wrap(err, "checkpoint: read data")
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hdr.Checksum {
		return hdr, nil, errors.WithStack(ErrChecksum)
	}
	for _, tm := range hdr.Tensors {
		if tm.Offset < 0 || tm.Size < 0 || tm.Offset+tm.Size > int64(len(data)) {
			return hdr, nil, errors.Wrapf(ErrFormat, "checkpoint: %q extends past the data section", tm.Name)
		}
	}
	return hdr, data, nil
}

func dtypeOf[T kernel.Float]() string {
	switch any(T(0)).(type) {
	case float32:
		return dtypeFloat32
	default:
		return dtypeFloat64
	}
}

func encode[T kernel.Float](buf []T) []byte {
	switch v := any(buf).(type) {
	case []float32:
		out := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(x))
		}
		return out
	case []float64:
		out := make([]byte, 8*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(x))
		}
		return out
	}
	return nil
}

func decode[T kernel.Float](raw []byte) ([]T, error) {
	var zero T
	switch any(zero).(type) {
	case float32:
		if len(raw)%4 != 0 {
			return nil, errors.Wrap(ErrFormat, "float32 data not 4-byte aligned")
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return any(out).([]T), nil
	default:
		if len(raw)%8 != 0 {
			return nil, errors.Wrap(ErrFormat, "float64 data not 8-byte aligned")
		}
		out := make([]float64, len(raw)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return any(out).([]T), nil
	}
}
