package tensor

// Backend computes tensor kernels. Every kernel allocates its result unless
// an input is uniquely owned, in which case element-wise kernels may write
// in place. Shape violations are programmer errors and panic.
//
// Implementations:
//   - cpu.CPUBackend: pure Go, parallel over batch and channels
//   - webgpu.Backend: GPU convolution, CPU for everything else
//   - autodiff.AutodiffBackend: decorator that records kernels on a tape
type Backend interface {
	// Element-wise arithmetic with broadcasting.
	Add(a, b *RawTensor) *RawTensor
	Sub(a, b *RawTensor) *RawTensor
	Mul(a, b *RawTensor) *RawTensor
	MulScalar(x *RawTensor, scalar float32) *RawTensor

	// Reductions.
	Sum(x *RawTensor) *RawTensor
	SumDim(x *RawTensor, dim int, keepDim bool) *RawTensor

	// Layout.
	Reshape(x *RawTensor, newShape Shape) *RawTensor
	Cat(tensors []*RawTensor, dim int) *RawTensor
	Narrow(x *RawTensor, dim, start, length int) *RawTensor

	// Conv3D convolves [N, C_in, D, H, W] with [C_out, C_in, K, K, K] using
	// the same stride and zero padding on every spatial axis.
	Conv3D(input, kernel *RawTensor, stride, padding int) *RawTensor
	Conv3DInputBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor
	Conv3DKernelBackward(input, kernel, grad *RawTensor, stride, padding int) *RawTensor

	LeakyReLU(x *RawTensor, slope float32) *RawTensor

	// Upsample3D repeats every voxel scale times along each spatial axis.
	Upsample3D(x *RawTensor, scale int) *RawTensor
	Upsample3DBackward(grad *RawTensor, scale int) *RawTensor

	// Warp3D resamples src [N, C, D, H, W] at voxel + flow, where flow is
	// [N, 3, D, H, W] and channel k displaces spatial axis k.
	Warp3D(src, flow *RawTensor) *RawTensor
	Warp3DBackward(src, flow, grad *RawTensor) (srcGrad, flowGrad *RawTensor)

	// LocalNCC returns the scalar -mean(cc) of windowed cross-correlation
	// between fixed and moving. LocalNCCBackward differentiates it with
	// respect to moving only.
	LocalNCC(fixed, moving *RawTensor, window int) *RawTensor
	LocalNCCBackward(fixed, moving, grad *RawTensor, window int) *RawTensor

	// FlowGradL2 returns the scalar mean squared forward difference of flow
	// averaged over the three spatial axes.
	FlowGradL2(flow *RawTensor) *RawTensor
	FlowGradL2Backward(flow, grad *RawTensor) *RawTensor

	Name() string
	Device() Device
}
