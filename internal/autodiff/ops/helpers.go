package ops

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// reduceBroadcast sums grad down to targetShape, undoing the broadcasting
// done in the forward pass.
//
//	Forward:  a[1,C,1,1,1] + b[N,C,D,H,W] -> c[N,C,D,H,W]
//	Backward: grad_c[N,C,D,H,W] -> grad_a[1,C,1,1,1]
func reduceBroadcast(grad *tensor.RawTensor, targetShape tensor.Shape, backend tensor.Backend) *tensor.RawTensor {
	gradShape := grad.Shape()

	// Clone so later in-place kernels cannot modify a shared gradient.
	if gradShape.Equal(targetShape) {
		return grad.Clone()
	}
	if len(targetShape) == 0 {
		return backend.Sum(grad)
	}

	// Shapes align from the right: drop leading dimensions first.
	result := grad
	for len(result.Shape()) > len(targetShape) {
		result = backend.SumDim(result, 0, false)
	}
	for i, size := range targetShape {
		if size == 1 && result.Shape()[i] > 1 {
			result = backend.SumDim(result, i, true)
		}
	}
	if !result.Shape().Equal(targetShape) {
		result = backend.Reshape(result, targetShape)
	}
	return result
}

// filled returns a float32 tensor of shape where every element is v.
func filled(shape tensor.Shape, v float32, device tensor.Device) *tensor.RawTensor {
	out, err := tensor.NewRaw(shape, tensor.Float32, device)
	if err != nil {
		panic(fmt.Sprintf("ops: failed to allocate %v: %v", shape, err))
	}
	if v != 0 {
		data := out.AsFloat32()
		for i := range data {
			data[i] = v
		}
	}
	return out
}
