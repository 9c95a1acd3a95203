package nn

import (
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// LeakyReLU applies f(x) = x for x > 0, slope*x otherwise.
type LeakyReLU[B tensor.Backend] struct {
	slope float32
}

// NewLeakyReLU creates a LeakyReLU with the given negative slope.
func NewLeakyReLU[B tensor.Backend](slope float32) *LeakyReLU[B] {
	return &LeakyReLU[B]{slope: slope}
}

// Forward applies the activation.
func (l *LeakyReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := input.Backend()
	return tensor.New[float32, B](b.LeakyReLU(input.Raw(), l.slope), b)
}

// Parameters returns nil.
func (l *LeakyReLU[B]) Parameters() []*Parameter[B] { return nil }

// Upsample3D repeats every voxel scale times along each spatial axis.
type Upsample3D[B tensor.Backend] struct {
	scale int
}

// NewUpsample3D creates a nearest-neighbour upsampler.
func NewUpsample3D[B tensor.Backend](scale int) *Upsample3D[B] {
	return &Upsample3D[B]{scale: scale}
}

// Forward upsamples input.
func (u *Upsample3D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := input.Backend()
	return tensor.New[float32, B](b.Upsample3D(input.Raw(), u.scale), b)
}

// Parameters returns nil.
func (u *Upsample3D[B]) Parameters() []*Parameter[B] { return nil }

// SpatialTransformer warps a volume along a dense displacement field with
// trilinear interpolation. Channel k of the flow displaces spatial axis k,
// in voxels.
type SpatialTransformer[B tensor.Backend] struct{}

// NewSpatialTransformer creates a SpatialTransformer.
func NewSpatialTransformer[B tensor.Backend]() *SpatialTransformer[B] {
	return &SpatialTransformer[B]{}
}

// Forward resamples src [N, C, D, H, W] at voxel + flow [N, 3, D, H, W].
func (s *SpatialTransformer[B]) Forward(src, flow *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := src.Backend()
	return tensor.New[float32, B](b.Warp3D(src.Raw(), flow.Raw()), b)
}
