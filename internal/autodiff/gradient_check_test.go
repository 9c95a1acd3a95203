package autodiff_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/voxelmorph-go/voxelmorph/internal/autodiff"
	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

func randomRaw(rng *rand.Rand, shape tensor.Shape, lo, hi float32) *tensor.RawTensor {
	r := tensor.MustNewRaw(shape, tensor.Float32, tensor.CPU)
	for i := range r.AsFloat32() {
		r.AsFloat32()[i] = lo + (hi-lo)*rng.Float32()
	}
	return r
}

// registrationLoss runs a miniature registration step: a single conv layer
// predicts the flow from [moving, fixed], moving is warped along it, and the
// loss is NCC plus a weighted smoothness term.
func registrationLoss(backend *autodiff.AutodiffBackend[*cpu.CPUBackend], moving, fixed, kernel *tensor.RawTensor, lambda float32) *tensor.RawTensor {
	in := backend.Cat([]*tensor.RawTensor{moving, fixed}, 1)
	flow := backend.Conv3D(in, kernel, 1, 1)
	warped := backend.Warp3D(moving, flow)
	ncc := backend.LocalNCC(fixed, warped, 3)
	smooth := backend.MulScalar(backend.FlowGradL2(flow), lambda)
	return backend.Add(ncc, smooth)
}

// TestGradientCheck_RegistrationStep compares tape gradients of the kernel
// with central differences through conv, warp, NCC and the flow penalty.
func TestGradientCheck_RegistrationStep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	backend := autodiff.New(cpu.New())

	shape := tensor.Shape{1, 1, 4, 4, 4}
	moving := randomRaw(rng, shape, 0.5, 1)
	fixed := randomRaw(rng, shape, 0.5, 1)
	// Positive weights keep every displacement inside (0, 1), away from the
	// integer crossings where trilinear interpolation has kinks.
	kernel := randomRaw(rng, tensor.Shape{3, 2, 3, 3, 3}, 0.005, 0.012)
	const lambda = 0.5

	backend.Tape().StartRecording()
	registrationLoss(backend, moving, fixed, kernel, lambda)
	seed := tensor.MustNewRaw(tensor.Shape{}, tensor.Float32, tensor.CPU)
	seed.AsFloat32()[0] = 1
	grads := backend.Tape().Backward(seed, backend)
	backend.Tape().StopRecording()
	backend.Tape().Clear()

	kg, ok := grads[kernel]
	if !ok {
		t.Fatal("no gradient for kernel")
	}
	eval := func() float64 {
		return float64(registrationLoss(backend, moving, fixed, kernel, lambda).AsFloat32()[0])
	}
	const h = 5e-3
	k := kernel.AsFloat32()
	for _, i := range []int{0, 13, 27, 60, 100, 161} {
		orig := k[i]
		k[i] = orig + h
		up := eval()
		k[i] = orig - h
		down := eval()
		k[i] = orig

		numerical := (up - down) / (2 * h)
		analytic := float64(kg.AsFloat32()[i])
		tol := math.Max(5e-4, 0.05*math.Abs(numerical))
		if math.Abs(numerical-analytic) > tol {
			t.Errorf("kernel[%d]: autodiff %g, numerical %g", i, analytic, numerical)
		}
	}
}
