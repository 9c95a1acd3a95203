package autodiff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmorph-go/voxelmorph/internal/autodiff"
	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

type testBackend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func fromSlice(t *testing.T, backend testBackend, data []float32, shape ...int) *tensor.Tensor[float32, testBackend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape(shape), backend)
	require.NoError(t, err)
	return x
}

func TestAutodiffBackend_Name(t *testing.T) {
	backend := autodiff.New(cpu.New())
	if backend.Name() != "Autodiff(CPU)" {
		t.Errorf("Name() = %s, want Autodiff(CPU)", backend.Name())
	}
	if backend.Device() != tensor.CPU {
		t.Errorf("Device() = %v, want %v", backend.Device(), tensor.CPU)
	}
}

func TestTape_Recording(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()

	if tape.IsRecording() {
		t.Error("Tape should not be recording initially")
	}
	tape.StartRecording()
	if !tape.IsRecording() {
		t.Error("Tape should be recording after StartRecording()")
	}
	tape.StopRecording()
	if tape.IsRecording() {
		t.Error("Tape should not be recording after StopRecording()")
	}
}

func TestTape_Clear(t *testing.T) {
	backend := autodiff.New(cpu.New())
	tape := backend.Tape()
	tape.StartRecording()

	a := fromSlice(t, backend, []float32{1, 2}, 2)
	b := fromSlice(t, backend, []float32{3, 4}, 2)
	a.Add(b)
	assert.Equal(t, 1, tape.NumOps())

	tape.Clear()
	assert.Equal(t, 0, tape.NumOps())
	assert.True(t, tape.IsRecording(), "Clear keeps the recording state")
}

func TestTape_NotRecording(t *testing.T) {
	backend := autodiff.New(cpu.New())
	a := fromSlice(t, backend, []float32{1, 2}, 2)
	a.Mul(a)
	assert.Equal(t, 0, backend.Tape().NumOps())
	assert.Empty(t, backend.Tape().Backward(a.Raw(), backend))
}

func TestBackward_AddBroadcastBias(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 1, 2, 1, 2, 2)
	bias := fromSlice(t, backend, []float32{0.5, -0.5}, 2)
	y := x.Add(bias.Reshape(1, 2, 1, 1, 1))
	loss := y.Mul(y).Sum()

	grads := autodiff.Backward(loss, backend)

	// dL/dx = 2y
	gx := grads[x.Raw()].AsFloat32()
	assert.InDeltaSlice(t, []float32{3, 5, 7, 9, 9, 11, 13, 15}, gx, 1e-5)

	// dL/dbias = sum over each channel of 2y
	gb := grads[bias.Raw()]
	require.Equal(t, tensor.Shape{2}, gb.Shape())
	assert.InDeltaSlice(t, []float32{24, 48}, gb.AsFloat32(), 1e-4)

	// x was not modified in place.
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, x.Data())
}

func TestBackward_SubMulScalar(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	a := fromSlice(t, backend, []float32{1, 2, 3}, 3)
	b := fromSlice(t, backend, []float32{4, 5, 6}, 3)
	diff := tensor.New[float32](backend.Sub(a.Raw(), b.Raw()), backend)
	loss := diff.MulScalar(3).Sum()
	assert.InDelta(t, -27, loss.Item(), 1e-5)

	grads := autodiff.Backward(loss, backend)
	assert.Equal(t, []float32{3, 3, 3}, grads[a.Raw()].AsFloat32())
	assert.Equal(t, []float32{-3, -3, -3}, grads[b.Raw()].AsFloat32())
}

func TestBackward_Accumulates(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	// y = x*x + x  ->  dy/dx = 2x + 1
	x := fromSlice(t, backend, []float32{2, -1}, 2)
	loss := x.Mul(x).Add(x).Sum()

	grads := autodiff.Backward(loss, backend)
	assert.InDeltaSlice(t, []float32{5, -1}, grads[x.Raw()].AsFloat32(), 1e-6)
}

func TestBackward_CatNarrow(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	a := fromSlice(t, backend, []float32{1, 2}, 1, 1, 1, 1, 2)
	b := fromSlice(t, backend, []float32{3, 4, 5, 6}, 1, 2, 1, 1, 2)
	w := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, 1, 3, 1, 1, 2)

	cat := tensor.Cat([]*tensor.Tensor[float32, testBackend]{a, b}, 1)
	mid := tensor.New[float32](backend.Narrow(cat.Mul(w).Raw(), 1, 1, 1), backend)
	loss := mid.Sum()
	assert.InDelta(t, 3*3+4*4, loss.Item(), 1e-5)

	grads := autodiff.Backward(loss, backend)
	assert.Equal(t, []float32{0, 0}, grads[a.Raw()].AsFloat32())
	assert.Equal(t, []float32{3, 4, 0, 0}, grads[b.Raw()].AsFloat32())
	assert.Equal(t, []float32{0, 0, 3, 4, 0, 0}, grads[w.Raw()].AsFloat32())
}

func TestBackward_LeakyReLUUpsample(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	x := fromSlice(t, backend, []float32{-1, 2, -3, 4, 5, -6, 7, -8}, 1, 1, 2, 2, 2)
	act := backend.LeakyReLU(x.Raw(), 0.2)
	up := backend.Upsample3D(act, 2)
	loss := tensor.New[float32](backend.Sum(up), backend)

	grads := autodiff.Backward(loss, backend)
	// Each voxel appears 8 times after upsampling.
	assert.InDeltaSlice(t, []float32{1.6, 8, 1.6, 8, 8, 1.6, 8, 1.6}, grads[x.Raw()].AsFloat32(), 1e-5)
}

func TestBackward_NCCGivesNoFixedGradient(t *testing.T) {
	backend := autodiff.New(cpu.New())
	backend.Tape().StartRecording()

	data := make([]float32, 27)
	for i := range data {
		data[i] = float32(i%5) * 0.25
	}
	fixed := fromSlice(t, backend, data, 1, 1, 3, 3, 3)
	moving := fromSlice(t, backend, append([]float32(nil), data...), 1, 1, 3, 3, 3)
	loss := tensor.New[float32](backend.LocalNCC(fixed.Raw(), moving.Raw(), 3), backend)

	grads := autodiff.Backward(loss, backend)
	_, ok := grads[fixed.Raw()]
	assert.False(t, ok)
	require.Contains(t, grads, moving.Raw())
	assert.Equal(t, moving.Shape(), grads[moving.Raw()].Shape())
}
