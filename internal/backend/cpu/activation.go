package cpu

import (
	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// LeakyReLU returns max(x, slope*x) element-wise.
func (cpu *CPUBackend) LeakyReLU(x *tensor.RawTensor, slope float32) *tensor.RawTensor {
	requireFloat32("leaky_relu", x)
	out := cpu.alloc("leaky_relu", x.Shape())
	src, dst := x.AsFloat32(), out.AsFloat32()
	parallel.ForRange(len(src), func(s, e int) {
		for i := s; i < e; i++ {
			if v := src[i]; v > 0 {
				dst[i] = v
			} else {
				dst[i] = slope * v
			}
		}
	}, cpu.par)
	return out
}
