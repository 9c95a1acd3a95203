package ops

import "github.com/voxelmorph-go/voxelmorph/internal/tensor"

// Conv3DOp records a 3D convolution.
//
// Forward: output = Conv3D(input, kernel, stride, padding)
//
// Backward:
//   - d_input:  transposed convolution of d_output with kernel
//   - d_kernel: correlation of input with d_output
type Conv3DOp struct {
	input   *tensor.RawTensor
	kernel  *tensor.RawTensor
	output  *tensor.RawTensor
	stride  int
	padding int
}

// NewConv3DOp creates a new Conv3DOp.
func NewConv3DOp(input, kernel, output *tensor.RawTensor, stride, padding int) *Conv3DOp {
	return &Conv3DOp{
		input:   input,
		kernel:  kernel,
		output:  output,
		stride:  stride,
		padding: padding,
	}
}

// Inputs returns [input, kernel].
func (op *Conv3DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.kernel}
}

// Output returns the convolution result.
func (op *Conv3DOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward delegates both gradients to the backend.
//
//	outputGrad: [N, C_out, D', H', W']
//	inputGrad:  [N, C_in, D, H, W]
//	kernelGrad: [C_out, C_in, K, K, K]
func (op *Conv3DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.Conv3DInputBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	kernelGrad := backend.Conv3DKernelBackward(op.input, op.kernel, outputGrad, op.stride, op.padding)
	return []*tensor.RawTensor{inputGrad, kernelGrad}
}
