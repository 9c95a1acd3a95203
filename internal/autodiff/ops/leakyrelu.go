package ops

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// LeakyReLUOp is output = x for x > 0, slope*x otherwise.
type LeakyReLUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	slope  float32
}

// NewLeakyReLUOp creates a new LeakyReLUOp.
func NewLeakyReLUOp(input, output *tensor.RawTensor, slope float32) *LeakyReLUOp {
	return &LeakyReLUOp{input: input, output: output, slope: slope}
}

// Backward multiplies the gradient by a mask of 1 or slope.
func (op *LeakyReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if op.input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("leaky_relu: unsupported dtype %s", op.input.DType()))
	}
	mask := filled(op.input.Shape(), 1, backend.Device())
	m := mask.AsFloat32()
	for i, v := range op.input.AsFloat32() {
		if v <= 0 {
			m[i] = op.slope
		}
	}
	return []*tensor.RawTensor{backend.Mul(outputGrad, mask)}
}

// Inputs returns [x].
func (op *LeakyReLUOp) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.input} }

// Output returns the activation.
func (op *LeakyReLUOp) Output() *tensor.RawTensor { return op.output }
