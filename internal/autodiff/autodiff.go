// Package autodiff implements reverse-mode automatic differentiation using
// the decorator pattern.
//
// AutodiffBackend wraps any tensor.Backend and records every forward kernel
// on a GradientTape. Backward kernels pass straight through to the wrapped
// backend so the tape never records its own gradient computation.
//
// Usage:
//
//	backend := autodiff.New(cpu.New())
//	backend.Tape().StartRecording()
//	loss := backend.LocalNCC(fixed, warped, 9)
//	grads := backend.Tape().Backward(ones, backend)
package autodiff

import (
	"github.com/voxelmorph-go/voxelmorph/internal/autodiff/ops"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// AutodiffBackend wraps a Backend and adds gradient tracking.
type AutodiffBackend[B tensor.Backend] struct {
	inner B
	tape  *GradientTape
}

// New creates a new AutodiffBackend wrapping the given backend.
func New[B tensor.Backend](backend B) *AutodiffBackend[B] {
	return &AutodiffBackend[B]{
		inner: backend,
		tape:  NewGradientTape(),
	}
}

// Tape returns the gradient tape for manual control.
func (b *AutodiffBackend[B]) Tape() *GradientTape {
	return b.tape
}

// Inner returns the wrapped backend.
func (b *AutodiffBackend[B]) Inner() B {
	return b.inner
}

// Name returns the backend name.
func (b *AutodiffBackend[B]) Name() string {
	return "Autodiff(" + b.inner.Name() + ")"
}

// Device returns the compute device.
func (b *AutodiffBackend[B]) Device() tensor.Device {
	return b.inner.Device()
}

func (b *AutodiffBackend[B]) record(op ops.Operation) {
	if b.tape.IsRecording() {
		b.tape.Record(op)
	}
}

// Add performs element-wise addition and records the operation.
func (b *AutodiffBackend[B]) Add(x, y *tensor.RawTensor) *tensor.RawTensor {
	// Inputs are referenced by the tape; pin them so the wrapped backend
	// allocates a fresh result instead of writing in place.
	defer x.ForceNonUnique()()
	defer y.ForceNonUnique()()

	result := b.inner.Add(x, y)
	b.record(ops.NewAddOp(x, y, result))
	return result
}

// Sub performs element-wise subtraction and records the operation.
func (b *AutodiffBackend[B]) Sub(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer x.ForceNonUnique()()
	defer y.ForceNonUnique()()

	result := b.inner.Sub(x, y)
	b.record(ops.NewSubOp(x, y, result))
	return result
}

// Mul performs element-wise multiplication and records the operation.
func (b *AutodiffBackend[B]) Mul(x, y *tensor.RawTensor) *tensor.RawTensor {
	defer x.ForceNonUnique()()
	defer y.ForceNonUnique()()

	result := b.inner.Mul(x, y)
	b.record(ops.NewMulOp(x, y, result))
	return result
}

// MulScalar multiplies by a constant and records the operation.
func (b *AutodiffBackend[B]) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	defer x.ForceNonUnique()()

	result := b.inner.MulScalar(x, scalar)
	b.record(ops.NewMulScalarOp(x, result, scalar))
	return result
}

// Sum reduces to a scalar and records the operation.
func (b *AutodiffBackend[B]) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Sum(x)
	b.record(ops.NewSumOp(x, result))
	return result
}

// SumDim reduces along dim and records the operation.
func (b *AutodiffBackend[B]) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	result := b.inner.SumDim(x, dim, keepDim)
	b.record(ops.NewSumDimOp(x, result, dim, keepDim))
	return result
}

// Reshape changes shape and records the operation.
func (b *AutodiffBackend[B]) Reshape(x *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	result := b.inner.Reshape(x, newShape)
	b.record(ops.NewReshapeOp(x, result))
	return result
}

// Cat concatenates along dim and records the operation.
func (b *AutodiffBackend[B]) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	result := b.inner.Cat(tensors, dim)
	inputs := make([]*tensor.RawTensor, len(tensors))
	copy(inputs, tensors)
	b.record(ops.NewCatOp(inputs, dim, result))
	return result
}

// Narrow slices along dim and records the operation.
func (b *AutodiffBackend[B]) Narrow(x *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	result := b.inner.Narrow(x, dim, start, length)
	b.record(ops.NewNarrowOp(x, result, dim, start, length))
	return result
}

// Conv3D performs 3D convolution and records the operation.
func (b *AutodiffBackend[B]) Conv3D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	result := b.inner.Conv3D(input, kernel, stride, padding)
	b.record(ops.NewConv3DOp(input, kernel, result, stride, padding))
	return result
}

// Conv3DInputBackward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) Conv3DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv3DInputBackward(input, kernel, grad, stride, padding)
}

// Conv3DKernelBackward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) Conv3DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.inner.Conv3DKernelBackward(input, kernel, grad, stride, padding)
}

// LeakyReLU applies the activation and records the operation.
func (b *AutodiffBackend[B]) LeakyReLU(x *tensor.RawTensor, slope float32) *tensor.RawTensor {
	result := b.inner.LeakyReLU(x, slope)
	b.record(ops.NewLeakyReLUOp(x, result, slope))
	return result
}

// Upsample3D upsamples and records the operation.
func (b *AutodiffBackend[B]) Upsample3D(x *tensor.RawTensor, scale int) *tensor.RawTensor {
	result := b.inner.Upsample3D(x, scale)
	b.record(ops.NewUpsample3DOp(x, result, scale))
	return result
}

// Upsample3DBackward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) Upsample3DBackward(grad *tensor.RawTensor, scale int) *tensor.RawTensor {
	return b.inner.Upsample3DBackward(grad, scale)
}

// Warp3D resamples src along flow and records the operation.
func (b *AutodiffBackend[B]) Warp3D(src, flow *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.Warp3D(src, flow)
	b.record(ops.NewWarp3DOp(src, flow, result))
	return result
}

// Warp3DBackward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) Warp3DBackward(src, flow, grad *tensor.RawTensor) (srcGrad, flowGrad *tensor.RawTensor) {
	return b.inner.Warp3DBackward(src, flow, grad)
}

// LocalNCC computes the windowed cross-correlation loss.
//
// Forward:
//
//	L = -mean(cross² / (varI·varJ + 1e-5))
//
// Backward flows to moving only; fixed is treated as a constant.
func (b *AutodiffBackend[B]) LocalNCC(fixed, moving *tensor.RawTensor, window int) *tensor.RawTensor {
	result := b.inner.LocalNCC(fixed, moving, window)
	b.record(ops.NewLocalNCCOp(fixed, moving, result, window))
	return result
}

// LocalNCCBackward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) LocalNCCBackward(fixed, moving, grad *tensor.RawTensor, window int) *tensor.RawTensor {
	return b.inner.LocalNCCBackward(fixed, moving, grad, window)
}

// FlowGradL2 computes the smoothness penalty and records the operation.
func (b *AutodiffBackend[B]) FlowGradL2(flow *tensor.RawTensor) *tensor.RawTensor {
	result := b.inner.FlowGradL2(flow)
	b.record(ops.NewFlowGradL2Op(flow, result))
	return result
}

// FlowGradL2Backward delegates to the wrapped backend.
func (b *AutodiffBackend[B]) FlowGradL2Backward(flow, grad *tensor.RawTensor) *tensor.RawTensor {
	return b.inner.FlowGradL2Backward(flow, grad)
}
