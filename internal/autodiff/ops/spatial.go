package ops

import "github.com/voxelmorph-go/voxelmorph/internal/tensor"

// Upsample3DOp is nearest-neighbour upsampling by an integer factor.
type Upsample3DOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	scale  int
}

// NewUpsample3DOp creates a new Upsample3DOp.
func NewUpsample3DOp(input, output *tensor.RawTensor, scale int) *Upsample3DOp {
	return &Upsample3DOp{input: input, output: output, scale: scale}
}

// Backward sums each scale³ block of the gradient.
func (op *Upsample3DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Upsample3DBackward(outputGrad, op.scale)}
}

// Inputs returns [x].
func (op *Upsample3DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the upsampled tensor.
func (op *Upsample3DOp) Output() *tensor.RawTensor { return op.output }

// Warp3DOp is the spatial transformer: src resampled at voxel + flow.
type Warp3DOp struct {
	src    *tensor.RawTensor
	flow   *tensor.RawTensor
	output *tensor.RawTensor
}

// NewWarp3DOp creates a new Warp3DOp.
func NewWarp3DOp(src, flow, output *tensor.RawTensor) *Warp3DOp {
	return &Warp3DOp{src: src, flow: flow, output: output}
}

// Backward returns [d_src, d_flow].
func (op *Warp3DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	srcGrad, flowGrad := backend.Warp3DBackward(op.src, op.flow, outputGrad)
	return []*tensor.RawTensor{srcGrad, flowGrad}
}

// Inputs returns [src, flow].
func (op *Warp3DOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.src, op.flow} }

// Output returns the warped volume.
func (op *Warp3DOp) Output() *tensor.RawTensor { return op.output }
