package nn

import (
	"math"
	"math/rand"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Initializer creates a weight tensor of the given shape. fanIn is the
// number of inputs feeding each output unit.
type Initializer[B tensor.Backend] func(shape tensor.Shape, fanIn int, backend B) *tensor.Tensor[float32, B]

// HeNormal draws from N(0, 2/fanIn), the Keras he_normal scheme used for
// the U-Net convolutions.
func HeNormal[B tensor.Backend](rng *rand.Rand) Initializer[B] {
	return func(shape tensor.Shape, fanIn int, backend B) *tensor.Tensor[float32, B] {
		std := math.Sqrt(2 / float64(fanIn))
		return tensor.RandNormal(shape, 0, std, rng, backend)
	}
}

// Normal draws from N(0, std²) regardless of fan-in. The flow head uses a
// tiny std so training starts near the identity transform.
func Normal[B tensor.Backend](std float64, rng *rand.Rand) Initializer[B] {
	return func(shape tensor.Shape, _ int, backend B) *tensor.Tensor[float32, B] {
		return tensor.RandNormal(shape, 0, std, rng, backend)
	}
}

// Zeros creates a zero tensor, used for biases.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}
