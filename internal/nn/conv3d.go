package nn

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Conv3D is a 3D convolutional layer with a cubic kernel.
//
// Input shape:  [N, C_in, D, H, W]
// Weight shape: [C_out, C_in, K, K, K]
// Bias shape:   [C_out]
// Output shape: [N, C_out, D', H', W'], D' = (D + 2*padding - K)/stride + 1
type Conv3D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter[B]
	bias   *Parameter[B]

	backend B
}

// NewConv3D creates a convolution named name, with weights from init and
// a zero bias. Parameters are named "<name>.weight" and "<name>.bias".
func NewConv3D[B tensor.Backend](
	name string,
	inChannels, outChannels int,
	kernelSize, stride, padding int,
	init Initializer[B],
	backend B,
) *Conv3D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv3d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernelSize <= 0 || stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("conv3d: invalid geometry kernel=%d stride=%d padding=%d", kernelSize, stride, padding))
	}

	shape := tensor.Shape{outChannels, inChannels, kernelSize, kernelSize, kernelSize}
	fanIn := inChannels * kernelSize * kernelSize * kernelSize

	return &Conv3D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      NewParameter(name+".weight", init(shape, fanIn, backend)),
		bias:        NewParameter(name+".bias", Zeros(tensor.Shape{outChannels}, backend)),
		backend:     backend,
	}
}

// Forward convolves input and adds the bias.
func (c *Conv3D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 5 {
		panic(fmt.Sprintf("conv3d: expected 5D input [N,C,D,H,W], got %dD", len(shape)))
	}
	if shape[1] != c.inChannels {
		panic(fmt.Sprintf("conv3d: input channels %d != expected %d", shape[1], c.inChannels))
	}

	out := tensor.New[float32, B](
		c.backend.Conv3D(input.Raw(), c.weight.Tensor().Raw(), c.stride, c.padding),
		c.backend,
	)
	// Reshape through the tensor API so the bias gradient is recorded.
	return out.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1, 1))
}

// Parameters returns [weight, bias].
func (c *Conv3D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{c.weight, c.bias}
}

// Weight returns the kernel parameter.
func (c *Conv3D[B]) Weight() *Parameter[B] { return c.weight }

// Bias returns the bias parameter.
func (c *Conv3D[B]) Bias() *Parameter[B] { return c.bias }

// OutChannels returns C_out.
func (c *Conv3D[B]) OutChannels() int { return c.outChannels }
