package tensors

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestNewAndNarrow(t *testing.T) {
	b := New(dtypes.Float32, 10, CPU)
	assert.Equal(t, 10, b.Size())
	assert.Equal(t, dtypes.Float32, b.DType())

	flat := b.Float32s()
	for i := range flat {
		flat[i] = float32(i)
	}

	view := b.Narrow(3, 4)
	assert.Equal(t, []float32{3, 4, 5, 6}, view.Float32s())

	// Views alias the original storage.
	view.Float32s()[0] = 100
	assert.Equal(t, float32(100), b.Float32s()[3])
}

func TestSizeAndMemory(t *testing.T) {
	assert.Equal(t, uintptr(40), New(dtypes.Float32, 10, CPU).Memory())
	assert.Equal(t, uintptr(24), New(dtypes.Float16, 12, CPU).Memory())
	assert.Equal(t, uintptr(0), New(dtypes.Float64, 0, CPU).Memory())
}

func TestAlias(t *testing.T) {
	flatGroup := FromFloat64s(dtypes.Float32, []float64{0, 1, 2, 3, 4, 5}, CPU)
	p := New(dtypes.Float32, 3, CPU)
	p.Alias(flatGroup.Narrow(2, 3))
	assert.Equal(t, []float64{2, 3, 4}, p.Float64s())

	flatGroup.Float32s()[2] = -1
	assert.Equal(t, []float64{-1, 3, 4}, p.Float64s())
}

func TestCopyFromConverts(t *testing.T) {
	f32 := FromFloat64s(dtypes.Float32, []float64{0.5, -2, 3}, CPU)
	f16 := New(dtypes.Float16, 3, CPU)
	f16.CopyFrom(f32)
	assert.Equal(t, []float64{0.5, -2, 3}, f16.Float64s())

	back := New(dtypes.Float32, 3, CPU)
	back.CopyFrom(f16)
	assert.Equal(t, []float32{0.5, -2, 3}, back.Float32s())
}

func TestScaleAndAccumulate(t *testing.T) {
	a := FromFloat64s(dtypes.Float32, []float64{1, 2, 3}, CPU)
	b := FromFloat64s(dtypes.Float32, []float64{10, 20, 30}, CPU)
	a.AccumulateFrom(b)
	assert.Equal(t, []float32{11, 22, 33}, a.Float32s())
	a.Scale(0.5)
	assert.Equal(t, []float32{5.5, 11, 16.5}, a.Float32s())
}

func TestNorm(t *testing.T) {
	b := FromFloat64s(dtypes.Float64, []float64{3, 4}, CPU)
	assert.InDelta(t, 5.0, b.Norm(), 1e-12)
}

func TestHasInfOrNaN(t *testing.T) {
	b := FromFloat64s(dtypes.Float32, []float64{1, 2, 3}, CPU)
	assert.False(t, b.HasInfOrNaN())
	b.Float32s()[1] = float32(math.Inf(1))
	assert.True(t, b.HasInfOrNaN())

	h := FromFlatData([]float16.Float16{
		float16.Fromfloat32(1),
		float16.Inf(1),
	}, CPU)
	assert.True(t, h.HasInfOrNaN())
}

func TestGradAttachment(t *testing.T) {
	b := New(dtypes.Float16, 4, CPU)
	assert.Nil(t, b.Grad())
	g := b.EnsureGrad()
	require.NotNil(t, g)
	assert.Equal(t, 4, g.Size())
	assert.Equal(t, dtypes.Float16, g.DType())
	assert.Same(t, g, b.EnsureGrad())
	b.FreeGrad()
	assert.Nil(t, b.Grad())
}

func TestGobRoundTrip(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float16, dtypes.Float32, dtypes.Float64} {
		orig := FromFloat64s(dtype, []float64{0, 1.5, -2, 1024}, CPU)
		var buf bytes.Buffer
		require.NoError(t, orig.GobSerialize(gob.NewEncoder(&buf)))
		restored, err := GobDeserialize(gob.NewDecoder(&buf))
		require.NoError(t, err)
		assert.True(t, orig.Equal(restored), "dtype %s", dtype)
	}
}

func TestGobNested(t *testing.T) {
	type wrapper struct {
		Name    string
		Buffers []*Buffer
	}
	orig := wrapper{
		Name: "exp_avg",
		Buffers: []*Buffer{
			FromFloat64s(dtypes.Float32, []float64{1, 2}, CPU),
			FromFloat64s(dtypes.Float16, []float64{3, 4}, CPU),
		},
	}
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(orig))
	var restored wrapper
	require.NoError(t, gob.NewDecoder(&buf).Decode(&restored))
	assert.Equal(t, orig.Name, restored.Name)
	require.Len(t, restored.Buffers, 2)
	for i := range orig.Buffers {
		assert.True(t, orig.Buffers[i].Equal(restored.Buffers[i]))
	}
}
