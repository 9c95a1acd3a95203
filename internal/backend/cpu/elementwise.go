package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
// When shapes match and a is uniquely owned the sum is written into a.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with broadcasting.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) *tensor.RawTensor {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

// MulScalar returns x * scalar in a new tensor.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	requireFloat32("mul_scalar", x)
	out := cpu.alloc("mul_scalar", x.Shape())
	src, dst := x.AsFloat32(), out.AsFloat32()
	for i, v := range src {
		dst[i] = v * scalar
	}
	return out
}

func (cpu *CPUBackend) binary(op string, a, b *tensor.RawTensor, f func(x, y float32) float32) *tensor.RawTensor {
	requireFloat32(op, a, b)
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		panic(fmt.Sprintf("%s: %v", op, err))
	}

	if !needsBroadcast {
		av, bv := a.AsFloat32(), b.AsFloat32()
		if a.IsUnique() {
			for i := range av {
				av[i] = f(av[i], bv[i])
			}
			return a
		}
		out := cpu.alloc(op, outShape)
		dst := out.AsFloat32()
		parallel.ForRange(len(dst), func(s, e int) {
			for i := s; i < e; i++ {
				dst[i] = f(av[i], bv[i])
			}
		}, cpu.par)
		return out
	}

	out := cpu.alloc(op, outShape)
	dst := out.AsFloat32()
	av, bv := a.AsFloat32(), b.AsFloat32()
	outStrides := outShape.ComputeStrides()
	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	parallel.ForRange(len(dst), func(s, e int) {
		for i := s; i < e; i++ {
			dst[i] = f(av[sourceIndex(i, outStrides, aStrides)], bv[sourceIndex(i, outStrides, bStrides)])
		}
	}, cpu.par)
	return out
}

// broadcastStrides maps inShape onto outShape: broadcast and padded
// dimensions get stride 0.
func broadcastStrides(inShape, outShape tensor.Shape) []int {
	strides := make([]int, len(outShape))
	orig := inShape.ComputeStrides()
	pad := len(outShape) - len(inShape)
	for i := range outShape {
		j := i - pad
		if j < 0 || inShape[j] == 1 {
			continue
		}
		strides[i] = orig[j]
	}
	return strides
}

// sourceIndex converts a flat output index to the flat index of a
// broadcast operand.
func sourceIndex(flat int, outStrides, inStrides []int) int {
	idx := 0
	for d, st := range outStrides {
		coord := flat / st
		flat %= st
		idx += coord * inStrides[d]
	}
	return idx
}
