package ops

import "github.com/voxelmorph-go/voxelmorph/internal/tensor"

// ReshapeOp changes the shape without touching data.
type ReshapeOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewReshapeOp creates a new ReshapeOp.
func NewReshapeOp(input, output *tensor.RawTensor) *ReshapeOp {
	return &ReshapeOp{input: input, output: output}
}

// Backward reshapes the gradient back to the input shape.
func (op *ReshapeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.Reshape(outputGrad, op.input.Shape())}
}

// Inputs returns [x].
func (op *ReshapeOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the reshaped tensor.
func (op *ReshapeOp) Output() *tensor.RawTensor { return op.output }

// CatOp concatenates tensors along dim. The U-Net skip connections are
// built from it.
//
// Backward splits the gradient at the input boundaries.
type CatOp struct {
	inputs []*tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewCatOp creates a new CatOp.
func NewCatOp(inputs []*tensor.RawTensor, dim int, output *tensor.RawTensor) *CatOp {
	return &CatOp{inputs: inputs, output: output, dim: dim}
}

// Backward narrows the gradient once per input.
func (op *CatOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	grads := make([]*tensor.RawTensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		size := in.Shape()[op.dim]
		grads[i] = backend.Narrow(outputGrad, op.dim, offset, size)
		offset += size
	}
	return grads
}

// Inputs returns the concatenated tensors.
func (op *CatOp) Inputs() []*tensor.RawTensor { return op.inputs }

// Output returns the concatenation.
func (op *CatOp) Output() *tensor.RawTensor { return op.output }

// NarrowOp selects [start, start+length) along dim.
type NarrowOp struct {
	input         *tensor.RawTensor
	output        *tensor.RawTensor
	dim           int
	start, length int
}

// NewNarrowOp creates a new NarrowOp.
func NewNarrowOp(input, output *tensor.RawTensor, dim, start, length int) *NarrowOp {
	return &NarrowOp{input: input, output: output, dim: dim, start: start, length: length}
}

// Backward pads the gradient with zeros on both sides of the slice.
func (op *NarrowOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.input.Shape()
	parts := make([]*tensor.RawTensor, 0, 3)
	if op.start > 0 {
		before := shape.Clone()
		before[op.dim] = op.start
		parts = append(parts, filled(before, 0, backend.Device()))
	}
	parts = append(parts, outputGrad)
	if rest := shape[op.dim] - op.start - op.length; rest > 0 {
		after := shape.Clone()
		after[op.dim] = rest
		parts = append(parts, filled(after, 0, backend.Device()))
	}
	if len(parts) == 1 {
		return []*tensor.RawTensor{outputGrad.Clone()}
	}
	return []*tensor.RawTensor{backend.Cat(parts, op.dim)}
}

// Inputs returns [x].
func (op *NarrowOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the slice.
func (op *NarrowOp) Output() *tensor.RawTensor { return op.output }
