package ops

import "github.com/voxelmorph-go/voxelmorph/internal/tensor"

// LocalNCCOp records the windowed cross-correlation loss between a fixed
// and a moving volume. Only the moving side receives a gradient.
type LocalNCCOp struct {
	fixed  *tensor.RawTensor
	moving *tensor.RawTensor
	output *tensor.RawTensor
	window int
}

// NewLocalNCCOp creates a new LocalNCCOp.
func NewLocalNCCOp(fixed, moving, output *tensor.RawTensor, window int) *LocalNCCOp {
	return &LocalNCCOp{fixed: fixed, moving: moving, output: output, window: window}
}

// Backward returns [nil, d_moving].
func (op *LocalNCCOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{nil, backend.LocalNCCBackward(op.fixed, op.moving, outputGrad, op.window)}
}

// Inputs returns [fixed, moving].
func (op *LocalNCCOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.fixed, op.moving}
}

// Output returns the scalar loss.
func (op *LocalNCCOp) Output() *tensor.RawTensor { return op.output }

// FlowGradL2Op records the smoothness penalty on a displacement field.
type FlowGradL2Op struct {
	flow   *tensor.RawTensor
	output *tensor.RawTensor
}

// NewFlowGradL2Op creates a new FlowGradL2Op.
func NewFlowGradL2Op(flow, output *tensor.RawTensor) *FlowGradL2Op {
	return &FlowGradL2Op{flow: flow, output: output}
}

// Backward returns [d_flow].
func (op *FlowGradL2Op) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	return []*tensor.RawTensor{backend.FlowGradL2Backward(op.flow, outputGrad)}
}

// Inputs returns [flow].
func (op *FlowGradL2Op) Inputs() []*tensor.RawTensor { return []*tensor.RawTensor{op.flow} }

// Output returns the scalar loss.
func (op *FlowGradL2Op) Output() *tensor.RawTensor { return op.output }
