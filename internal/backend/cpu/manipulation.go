package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Reshape returns a view over x's storage with a new shape.
func (cpu *CPUBackend) Reshape(x *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	v, err := x.View(newShape)
	if err != nil {
		panic(fmt.Sprintf("reshape: %v", err))
	}
	return v
}

// Cat concatenates tensors along dim. All other dimensions must match.
// The U-Net decoder uses it on the channel axis to join skip connections.
func (cpu *CPUBackend) Cat(tensors []*tensor.RawTensor, dim int) *tensor.RawTensor {
	if len(tensors) == 0 {
		panic("cat: no tensors")
	}
	requireFloat32("cat", tensors...)
	first := tensors[0].Shape()
	if dim < 0 {
		dim += len(first)
	}
	if dim < 0 || dim >= len(first) {
		panic(fmt.Sprintf("cat: dim %d out of range for shape %v", dim, first))
	}

	outShape := first.Clone()
	outShape[dim] = 0
	for _, t := range tensors {
		s := t.Shape()
		if len(s) != len(first) {
			panic(fmt.Sprintf("cat: rank mismatch %v vs %v", first, s))
		}
		for i := range s {
			if i != dim && s[i] != first[i] {
				panic(fmt.Sprintf("cat: shape mismatch %v vs %v at dim %d", first, s, i))
			}
		}
		outShape[dim] += s[dim]
	}

	out := cpu.alloc("cat", outShape)
	dst := out.AsFloat32()
	outer, total, inner := splitAt(outShape, dim)
	at := 0
	for _, t := range tensors {
		n := t.Shape()[dim] * inner
		src := t.AsFloat32()
		for o := 0; o < outer; o++ {
			copy(dst[o*total*inner+at:], src[o*n:(o+1)*n])
		}
		at += n
	}
	return out
}

// Narrow copies the slice [start, start+length) of dim into a new tensor.
func (cpu *CPUBackend) Narrow(x *tensor.RawTensor, dim, start, length int) *tensor.RawTensor {
	requireFloat32("narrow", x)
	shape := x.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("narrow: dim %d out of range for shape %v", dim, shape))
	}
	if start < 0 || length <= 0 || start+length > shape[dim] {
		panic(fmt.Sprintf("narrow: range [%d, %d) out of bounds for size %d", start, start+length, shape[dim]))
	}

	outShape := shape.Clone()
	outShape[dim] = length
	out := cpu.alloc("narrow", outShape)

	outer, size, inner := splitAt(shape, dim)
	src, dst := x.AsFloat32(), out.AsFloat32()
	n := length * inner
	for o := 0; o < outer; o++ {
		copy(dst[o*n:(o+1)*n], src[(o*size+start)*inner:])
	}
	return out
}
