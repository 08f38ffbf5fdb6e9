package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilegrid-ml/tilegrid/internal/sched"
	"github.com/tilegrid-ml/tilegrid/internal/tensor"
	"github.com/tilegrid-ml/tilegrid/internal/tile"
)

func newCkptGraph(t *testing.T) *sched.Graph {
	t.Helper()
	g := sched.New(sched.Config{Workers: 2})
	t.Cleanup(func() { _ = g.Shutdown() })
	return g
}

func ckptTensor[T float32 | float64](t *testing.T, g *sched.Graph, shape, tileShape tile.Shape) *tensor.Tensor[T] {
	t.Helper()
	traits, err := tensor.NewTraits(shape, tileShape)
	require.NoError(t, err)
	ten, err := tensor.New[T](g, traits, tensor.SingleNode(traits.Grid(), 0))
	require.NoError(t, err)
	return ten
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := newCkptGraph(t)
	path := filepath.Join(t.TempDir(), "model.ckpt")

	aShape := tile.Shape{7, 5}
	bShape := tile.Shape{3, 4, 2}
	a := ckptTensor[float64](t, g, aShape, tile.Shape{3, 2})
	b := ckptTensor[float64](t, g, bShape, tile.Shape{2, 4, 2})

	aHost := make([]float64, aShape.NumElements())
	bHost := make([]float64, bShape.NumElements())
	for i := range aHost {
		aHost[i] = float64(i) + 0.25
	}
	for i := range bHost {
		bHost[i] = -float64(i)
	}
	require.NoError(t, a.FromHostAsync(aHost, aShape))
	require.NoError(t, b.FromHostAsync(bHost, bShape))
	require.NoError(t, g.WaitAll())

	require.NoError(t, Save(path, map[string]*tensor.Tensor[float64]{
		"layer.a": a,
		"layer.b": b,
	}, map[string]string{"run": "test"}))

	// Load into tensors with a different tiling.
	a2 := ckptTensor[float64](t, g, aShape, tile.Shape{7, 1})
	b2 := ckptTensor[float64](t, g, bShape, tile.Shape{3, 4, 2})
	require.NoError(t, Load(path, map[string]*tensor.Tensor[float64]{
		"layer.a": a2,
		"layer.b": b2,
	}))

	got := make([]float64, len(aHost))
	require.NoError(t, a2.ToHostAsync(got, aShape))
	require.NoError(t, g.WaitAll())
	assert.Equal(t, aHost, got)

	gotB := make([]float64, len(bHost))
	require.NoError(t, b2.ToHostAsync(gotB, bShape))
	require.NoError(t, g.WaitAll())
	assert.Equal(t, bHost, gotB)
}

func TestSaveLoadFloat32(t *testing.T) {
	g := newCkptGraph(t)
	path := filepath.Join(t.TempDir(), "f32.ckpt")

	shape := tile.Shape{4, 4}
	a := ckptTensor[float32](t, g, shape, tile.Shape{2, 2})
	host := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	require.NoError(t, a.FromHostAsync(host, shape))
	require.NoError(t, g.WaitAll())
	require.NoError(t, Save(path, map[string]*tensor.Tensor[float32]{"w": a}, nil))

	// dtype mismatch on load.
	wrong := ckptTensor[float64](t, g, shape, tile.Shape{2, 2})
	require.ErrorIs(t, Load(path, map[string]*tensor.Tensor[float64]{"w": wrong}), ErrFormat)

	b := ckptTensor[float32](t, g, shape, tile.Shape{4, 4})
	require.NoError(t, Load(path, map[string]*tensor.Tensor[float32]{"w": b}))
	got := make([]float32, 16)
	require.NoError(t, b.ToHostAsync(got, shape))
	require.NoError(t, g.WaitAll())
	assert.Equal(t, host, got)
}

func TestManifest(t *testing.T) {
	g := newCkptGraph(t)
	path := filepath.Join(t.TempDir(), "m.ckpt")
	a := ckptTensor[float64](t, g, tile.Shape{2, 3}, tile.Shape{2, 3})
	require.NoError(t, Save(path, map[string]*tensor.Tensor[float64]{"w": a},
		map[string]string{"epoch": "7"}))

	infos, meta, err := Manifest(path)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "w", infos[0].Name)
	assert.Equal(t, dtypeFloat64, infos[0].DType)
	assert.Equal(t, []int{2, 3}, infos[0].Shape)
	assert.Equal(t, "7", meta["epoch"])
}

func TestLoadErrors(t *testing.T) {
	g := newCkptGraph(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "e.ckpt")
	a := ckptTensor[float64](t, g, tile.Shape{4, 4}, tile.Shape{2, 2})
	require.NoError(t, Save(path, map[string]*tensor.Tensor[float64]{"w": a}, nil))

	// Missing tensor.
	other := ckptTensor[float64](t, g, tile.Shape{4, 4}, tile.Shape{2, 2})
	require.ErrorIs(t,
		Load(path, map[string]*tensor.Tensor[float64]{"missing": other}),
		ErrTensorMissing)

	// Shape mismatch.
	small := ckptTensor[float64](t, g, tile.Shape{2, 2}, tile.Shape{2, 2})
	require.ErrorIs(t,
		Load(path, map[string]*tensor.Tensor[float64]{"w": small}),
		tile.ErrShape)

	// Corrupted data section fails the checksum.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	corrupt := filepath.Join(dir, "corrupt.ckpt")
	require.NoError(t, os.WriteFile(corrupt, raw, 0o644))
	require.ErrorIs(t,
		Load(corrupt, map[string]*tensor.Tensor[float64]{"w": other}),
		ErrChecksum)

	// Bad magic.
	raw[0] = 'X'
	bad := filepath.Join(dir, "bad.ckpt")
	require.NoError(t, os.WriteFile(bad, raw, 0o644))
	require.ErrorIs(t,
		Load(bad, map[string]*tensor.Tensor[float64]{"w": other}),
		ErrFormat)
}
