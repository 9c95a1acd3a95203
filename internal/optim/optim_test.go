package optim_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmorph-go/voxelmorph/internal/autodiff"
	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/optim"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

type testBackend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func floatEqual(a, b, eps float32) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < eps
}

func newParam(t *testing.T, backend testBackend, name string, data ...float32) *nn.Parameter[testBackend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, backend)
	require.NoError(t, err)
	return nn.NewParameter(name, x)
}

func gradsFor(t *testing.T, backend testBackend, param *nn.Parameter[testBackend], data ...float32) map[*tensor.RawTensor]*tensor.RawTensor {
	t.Helper()
	grad, err := tensor.FromFloat32(data, tensor.Shape{len(data)}, backend.Device())
	require.NoError(t, err)
	return map[*tensor.RawTensor]*tensor.RawTensor{param.Tensor().Raw(): grad}
}

func TestSGD_SimpleUpdate(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 2.0)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{LR: 0.1}, backend)
	optimizer.Step(gradsFor(t, backend, param, 1.0))

	// x_new = 2.0 - 0.1 * 1.0
	if got := param.Tensor().Raw().AsFloat32()[0]; !floatEqual(got, 1.9, 1e-6) {
		t.Errorf("SGD update: got %f, want 1.9", got)
	}
	require.NotNil(t, param.Grad())
	assert.Equal(t, []float32{1.0}, param.Grad().Data())
}

func TestSGD_WithMomentum(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{param},
		optim.SGDConfig{LR: 0.1, Momentum: 0.9},
		backend,
	)

	// v_1 = 1.0, x_1 = 0.9
	optimizer.Step(gradsFor(t, backend, param, 1.0))
	if got := param.Tensor().Raw().AsFloat32()[0]; !floatEqual(got, 0.9, 1e-6) {
		t.Errorf("SGD momentum step 1: got %f, want 0.9", got)
	}

	// v_2 = 0.9 * 1.0 + 1.0 = 1.9, x_2 = 0.9 - 0.19
	optimizer.Step(gradsFor(t, backend, param, 1.0))
	if got := param.Tensor().Raw().AsFloat32()[0]; !floatEqual(got, 0.71, 1e-5) {
		t.Errorf("SGD momentum step 2: got %f, want 0.71", got)
	}
}

func TestSGD_SkipsParamsWithoutGradient(t *testing.T) {
	backend := autodiff.New(cpu.New())
	used := newParam(t, backend, "used", 1.0)
	unused := newParam(t, backend, "unused", 5.0)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{used, unused}, optim.SGDConfig{LR: 0.5}, backend)
	optimizer.Step(gradsFor(t, backend, used, 1.0))

	assert.InDelta(t, 0.5, used.Tensor().Data()[0], 1e-6)
	assert.Equal(t, float32(5.0), unused.Tensor().Data()[0])
	assert.Nil(t, unused.Grad())
}

func TestSGD_ZeroGrad(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	grad, err := tensor.FromSlice([]float32{5.0}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	param.SetGrad(grad)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{LR: 0.1}, backend)
	optimizer.ZeroGrad()

	if param.Grad() != nil {
		t.Error("Grad should be nil after ZeroGrad")
	}
}

func TestSGD_GetSetLR(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{LR: 0.01}, backend)
	assert.Equal(t, float32(0.01), optimizer.GetLR())

	optimizer.SetLR(0.001)
	assert.Equal(t, float32(0.001), optimizer.GetLR())

	assert.Equal(t, float32(0.01), optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{}, backend).GetLR(),
		"zero LR falls back to the default")
}

func TestAdam_SimpleUpdate(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	optimizer := optim.NewAdam([]*nn.Parameter[testBackend]{param},
		optim.AdamConfig{LR: 0.001, Betas: [2]float32{0.9, 0.999}, Eps: 1e-8},
		backend,
	)
	optimizer.Step(gradsFor(t, backend, param, 1.0))

	// m_hat = v_hat = 1 after bias correction, so the first step moves by lr.
	if got := param.Tensor().Raw().AsFloat32()[0]; !floatEqual(got, 0.999, 1e-5) {
		t.Errorf("Adam first step: got %f, want 0.999", got)
	}
}

func TestAdam_BiasCorrection(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	optimizer := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{LR: 0.01}, backend)
	assert.Equal(t, int64(0), optimizer.GetTimestep())

	grads := gradsFor(t, backend, param, 1.0)
	for i := int64(1); i <= 3; i++ {
		optimizer.Step(grads)
		if optimizer.GetTimestep() != i {
			t.Errorf("After step %d, timestep: got %d, want %d", i, optimizer.GetTimestep(), i)
		}
	}

	// A constant gradient keeps m_hat/sqrt(v_hat) at 1, so every step moves by lr.
	assert.InDelta(t, 0.97, param.Tensor().Data()[0], 1e-5)
}

func TestAdam_Defaults(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	optimizer := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{}, backend)
	assert.Equal(t, float32(1e-3), optimizer.GetLR())
	assert.Equal(t, "Adam", optimizer.Name())

	optimizer.SetLR(1e-4)
	assert.Equal(t, float32(1e-4), optimizer.GetLR())
}

func TestAdam_ZeroGrad(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 1.0)

	grad, err := tensor.FromSlice([]float32{5.0}, tensor.Shape{1}, backend)
	require.NoError(t, err)
	param.SetGrad(grad)

	optimizer := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{LR: 0.001}, backend)
	optimizer.ZeroGrad()

	if param.Grad() != nil {
		t.Error("Adam ZeroGrad should clear gradients")
	}
}

// TestConvergence_SimpleQuadratic minimizes f(x) = x² with both optimizers.
func TestConvergence_SimpleQuadratic(t *testing.T) {
	backend := autodiff.New(cpu.New())

	optimizers := map[string]func(p *nn.Parameter[testBackend]) optim.Optimizer{
		"SGD": func(p *nn.Parameter[testBackend]) optim.Optimizer {
			return optim.NewSGD([]*nn.Parameter[testBackend]{p}, optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)
		},
		"Adam": func(p *nn.Parameter[testBackend]) optim.Optimizer {
			return optim.NewAdam([]*nn.Parameter[testBackend]{p}, optim.AdamConfig{LR: 0.1}, backend)
		},
	}

	for name, build := range optimizers {
		t.Run(name, func(t *testing.T) {
			param := newParam(t, backend, "x", 3.0)
			optimizer := build(param)

			for range 100 {
				x := param.Tensor().Raw().AsFloat32()[0]
				optimizer.Step(gradsFor(t, backend, param, 2*x))
			}

			final := param.Tensor().Raw().AsFloat32()[0]
			if math.Abs(float64(final)) > 0.1 {
				t.Errorf("%s convergence: x = %f, expected close to 0", name, final)
			}
		})
	}
}

// TestAdam_TapeGradients drives Adam with gradients from a recorded
// forward pass of sum((x - c)²).
func TestAdam_TapeGradients(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "x", 0, 0, 0)
	target, err := tensor.FromSlice([]float32{1, -2, 0.5}, tensor.Shape{3}, backend)
	require.NoError(t, err)

	optimizer := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{LR: 0.05}, backend)
	tape := backend.Tape()
	tape.StartRecording()

	for range 300 {
		optimizer.ZeroGrad()
		diff := param.Tensor().Add(target.MulScalar(-1))
		loss := diff.Mul(diff).Sum()
		optimizer.Step(autodiff.Backward(loss, backend))
		tape.Clear()
	}

	assert.InDeltaSlice(t, []float32{1, -2, 0.5}, param.Tensor().Data(), 0.05)
}

func TestMultipleParameters(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param1 := newParam(t, backend, "x1", 1.0, 2.0)
	param2 := newParam(t, backend, "x2", 3.0)

	optimizer := optim.NewSGD([]*nn.Parameter[testBackend]{param1, param2}, optim.SGDConfig{LR: 0.1}, backend)

	grads := gradsFor(t, backend, param1, 1.0, 2.0)
	for k, v := range gradsFor(t, backend, param2, 0.5) {
		grads[k] = v
	}
	optimizer.Step(grads)

	assert.InDeltaSlice(t, []float32{0.9, 1.8}, param1.Tensor().Data(), 1e-6)
	assert.InDelta(t, 2.95, param2.Tensor().Data()[0], 1e-6)
}

func TestAdam_StateDictRoundTrip(t *testing.T) {
	backend := autodiff.New(cpu.New())

	run := func(resumeAt int) []float32 {
		param := newParam(t, backend, "w", 1.0, -1.0)
		adam := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{LR: 0.01}, backend)
		for i := range 6 {
			if i == resumeAt {
				state := adam.StateDict()
				// Copy so the resumed optimizer cannot alias the old buffers.
				copied := make(map[string]*tensor.RawTensor, len(state))
				for k, v := range state {
					copied[k] = v.Copy()
				}
				adam = optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{LR: 0.01}, backend)
				require.NoError(t, adam.LoadStateDict(copied))
				require.Equal(t, int64(i), adam.GetTimestep())
			}
			w := param.Tensor().Data()
			adam.Step(gradsFor(t, backend, param, 2*w[0]+0.3, w[1]*w[1]))
		}
		return append([]float32(nil), param.Tensor().Data()...)
	}

	assert.Equal(t, run(-1), run(3), "resuming from a state dict must not change the trajectory")
}

func TestAdam_StateDictKeys(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "enc.0.weight", 1.0)
	adam := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{}, backend)

	state := adam.StateDict()
	require.Len(t, state, 1)
	assert.Equal(t, tensor.Int64, state["step"].DType())

	adam.Step(gradsFor(t, backend, param, 1.0))
	state = adam.StateDict()
	assert.Len(t, state, 3)
	assert.Contains(t, state, "m.enc.0.weight")
	assert.Contains(t, state, "v.enc.0.weight")
	assert.Equal(t, []int64{1}, state["step"].AsInt64())
}

func TestAdam_LoadStateDictErrors(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "w", 1.0, 2.0)

	step := tensor.MustNewRaw(tensor.Shape{}, tensor.Int64, tensor.CPU)
	good, err := tensor.FromFloat32([]float32{0, 0}, tensor.Shape{2}, tensor.CPU)
	require.NoError(t, err)
	wrongShape, err := tensor.FromFloat32([]float32{0}, tensor.Shape{1}, tensor.CPU)
	require.NoError(t, err)

	tests := []struct {
		name  string
		state map[string]*tensor.RawTensor
	}{
		{"missing step", map[string]*tensor.RawTensor{"m.w": good, "v.w": good}},
		{"step dtype", map[string]*tensor.RawTensor{"step": good}},
		{"unknown param", map[string]*tensor.RawTensor{"step": step, "m.other": good, "v.other": good}},
		{"wrong shape", map[string]*tensor.RawTensor{"step": step, "m.w": wrongShape, "v.w": wrongShape}},
		{"unknown kind", map[string]*tensor.RawTensor{"step": step, "velocity.w": good}},
		{"malformed key", map[string]*tensor.RawTensor{"step": step, "mw": good}},
		{"first moment only", map[string]*tensor.RawTensor{"step": step, "m.w": good}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adam := optim.NewAdam([]*nn.Parameter[testBackend]{param}, optim.AdamConfig{}, backend)
			assert.Error(t, adam.LoadStateDict(tt.state))
		})
	}
}

func TestSGD_StateDictRoundTrip(t *testing.T) {
	backend := autodiff.New(cpu.New())
	param := newParam(t, backend, "b", 1.0)

	sgd := optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)
	assert.Empty(t, sgd.StateDict())

	sgd.Step(gradsFor(t, backend, param, 1.0))
	state := sgd.StateDict()
	require.Contains(t, state, "velocity.b")
	assert.Equal(t, []float32{1.0}, state["velocity.b"].AsFloat32())

	resumed := optim.NewSGD([]*nn.Parameter[testBackend]{param}, optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)
	require.NoError(t, resumed.LoadStateDict(state))
	resumed.Step(gradsFor(t, backend, param, 1.0))
	assert.InDelta(t, 0.71, param.Tensor().Data()[0], 1e-5)

	assert.Error(t, resumed.LoadStateDict(map[string]*tensor.RawTensor{"m.b": state["velocity.b"]}))
}
