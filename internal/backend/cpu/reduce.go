package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Sum reduces every element to a scalar (shape []).
// Accumulation is in float64 so large volumes do not lose precision.
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	requireFloat32("sum", x)
	var acc float64
	for _, v := range x.AsFloat32() {
		acc += float64(v)
	}
	out := cpu.alloc("sum", tensor.Shape{})
	out.AsFloat32()[0] = float32(acc)
	return out
}

// SumDim sums along dim. With keepDim the reduced axis stays as size 1.
func (cpu *CPUBackend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	requireFloat32("sum_dim", x)
	shape := x.Shape()
	if dim < 0 {
		dim += len(shape)
	}
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("sum_dim: dim %d out of range for shape %v", dim, shape))
	}

	outer, size, inner := splitAt(shape, dim)
	kept := shape.Clone()
	kept[dim] = 1
	outShape := kept
	if !keepDim {
		outShape = append(shape[:dim:dim], shape[dim+1:]...)
	}
	out := cpu.alloc("sum_dim", outShape)

	src, dst := x.AsFloat32(), out.AsFloat32()
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			row := src[(o*size+s)*inner : (o*size+s+1)*inner]
			acc := dst[o*inner : (o+1)*inner]
			for i, v := range row {
				acc[i] += v
			}
		}
	}
	return out
}

// splitAt returns the products of the dimensions before, at and after dim.
func splitAt(shape tensor.Shape, dim int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := 0; i < dim; i++ {
		outer *= shape[i]
	}
	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[dim], inner
}
