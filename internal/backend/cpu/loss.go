package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// nccEps stabilises the denominator of the local correlation.
const nccEps = 1e-5

// nccStats holds the windowed sums for one (batch, channel) volume.
type nccStats struct {
	iSum, jSum, cross, iVar, jVar []float32
}

func (cpu *CPUBackend) localStats(fixed, moving []float32, size [3]int, radius int, win float32) nccStats {
	vol := len(fixed)
	i2 := make([]float32, vol)
	j2 := make([]float32, vol)
	ij := make([]float32, vol)
	for v := range fixed {
		i2[v] = fixed[v] * fixed[v]
		j2[v] = moving[v] * moving[v]
		ij[v] = fixed[v] * moving[v]
	}

	st := nccStats{
		iSum: cpu.boxSum(fixed, size, radius),
		jSum: cpu.boxSum(moving, size, radius),
	}
	i2 = cpu.boxSum(i2, size, radius)
	j2 = cpu.boxSum(j2, size, radius)
	ij = cpu.boxSum(ij, size, radius)

	// Reuse the squared-sum buffers for the variances and cross term.
	for v := 0; v < vol; v++ {
		is, js := st.iSum[v], st.jSum[v]
		ij[v] -= is * js / win
		i2[v] -= is * is / win
		j2[v] -= js * js / win
	}
	st.cross, st.iVar, st.jVar = ij, i2, j2
	return st
}

func nccShapes(op string, fixed, moving *tensor.RawTensor, window int) (n, c int, size [3]int) {
	require5D(op, "fixed", fixed)
	require5D(op, "moving", moving)
	requireFloat32(op, fixed, moving)
	if !fixed.Shape().Equal(moving.Shape()) {
		panic(fmt.Sprintf("%s: shape mismatch %v vs %v", op, fixed.Shape(), moving.Shape()))
	}
	if window <= 0 || window%2 == 0 {
		panic(fmt.Sprintf("%s: window must be a positive odd number, got %d", op, window))
	}
	n, c, size = fixed.Shape().Volume()
	return n, c, size
}

// LocalNCC computes -mean(cc) where, for every voxel, cc is the squared
// correlation of fixed and moving over a window³ neighbourhood:
//
//	cross = ΣIJ - ΣI·ΣJ/n,  var = ΣX² - (ΣX)²/n,  cc = cross² / (varI·varJ + 1e-5)
//
// Window sums use zero padding at the borders and n is always window³.
func (cpu *CPUBackend) LocalNCC(fixed, moving *tensor.RawTensor, window int) *tensor.RawTensor {
	n, c, size := nccShapes("local_ncc", fixed, moving, window)
	vol := size[0] * size[1] * size[2]
	win := float32(window * window * window)

	fv, mv := fixed.AsFloat32(), moving.AsFloat32()
	var total float64
	for bc := 0; bc < n*c; bc++ {
		st := cpu.localStats(fv[bc*vol:(bc+1)*vol], mv[bc*vol:(bc+1)*vol], size, window/2, win)
		for v := 0; v < vol; v++ {
			cr := st.cross[v]
			total += float64(cr * cr / (st.iVar[v]*st.jVar[v] + nccEps))
		}
	}

	out := cpu.alloc("local_ncc", tensor.Shape{})
	out.AsFloat32()[0] = float32(-total / float64(n*c*vol))
	return out
}

// LocalNCCBackward differentiates LocalNCC with respect to moving. With
// D = varI·varJ + eps, A = 2·cross/D and B = -2·cross²·varI/D², the
// gradient at q is
//
//	-(g/M) · [ I(q)·box(A) - box(A·ΣI/n) + J(q)·box(B) - box(B·ΣJ/n) ]
//
// where box is the same zero-padded window sum and M the element count.
func (cpu *CPUBackend) LocalNCCBackward(fixed, moving, grad *tensor.RawTensor, window int) *tensor.RawTensor {
	n, c, size := nccShapes("local_ncc_backward", fixed, moving, window)
	requireFloat32("local_ncc_backward", grad)
	vol := size[0] * size[1] * size[2]
	win := float32(window * window * window)
	scale := -grad.AsFloat32()[0] / float32(n*c*vol)

	out := cpu.alloc("local_ncc_backward", moving.Shape())
	fv, mv, dst := fixed.AsFloat32(), moving.AsFloat32(), out.AsFloat32()
	for bc := 0; bc < n*c; bc++ {
		iv, jv := fv[bc*vol:(bc+1)*vol], mv[bc*vol:(bc+1)*vol]
		st := cpu.localStats(iv, jv, size, window/2, win)

		a := make([]float32, vol)
		aMean := make([]float32, vol)
		b := make([]float32, vol)
		bMean := make([]float32, vol)
		for v := 0; v < vol; v++ {
			cr := st.cross[v]
			den := st.iVar[v]*st.jVar[v] + nccEps
			a[v] = 2 * cr / den
			b[v] = -2 * cr * cr * st.iVar[v] / (den * den)
			aMean[v] = a[v] * st.iSum[v] / win
			bMean[v] = b[v] * st.jSum[v] / win
		}
		a = cpu.boxSum(a, size, window/2)
		aMean = cpu.boxSum(aMean, size, window/2)
		b = cpu.boxSum(b, size, window/2)
		bMean = cpu.boxSum(bMean, size, window/2)

		g := dst[bc*vol : (bc+1)*vol]
		for v := 0; v < vol; v++ {
			g[v] = scale * (iv[v]*a[v] - aMean[v] + jv[v]*b[v] - bMean[v])
		}
	}
	return out
}

// boxSum returns, for every voxel, the sum of src over the cube of the given
// radius around it, treating voxels outside the volume as zero. It runs
// three separable running-sum passes, one per axis.
func (cpu *CPUBackend) boxSum(src []float32, size [3]int, radius int) []float32 {
	d, h, w := size[0], size[1], size[2]
	a := make([]float32, len(src))
	b := make([]float32, len(src))

	// x: lines are contiguous.
	cpu.boxPass(src, a, d*h, w, 1, func(line int) int { return line * w }, radius)
	// y: one line per (z, x).
	cpu.boxPass(a, b, d*w, h, w, func(line int) int { return (line/w)*h*w + line%w }, radius)
	// z: one line per (y, x).
	cpu.boxPass(b, a, h*w, d, h*w, func(line int) int { return line }, radius)
	return a
}

func (cpu *CPUBackend) boxPass(src, dst []float32, lines, length, step int, start func(int) int, radius int) {
	parallel.ForRange(lines, func(s, e int) {
		prefix := make([]float64, length+1)
		for line := s; line < e; line++ {
			base := start(line)
			for i := 0; i < length; i++ {
				prefix[i+1] = prefix[i] + float64(src[base+i*step])
			}
			for i := 0; i < length; i++ {
				lo := max(i-radius, 0)
				hi := min(i+radius+1, length)
				dst[base+i*step] = float32(prefix[hi] - prefix[lo])
			}
		}
	}, cpu.par.WithGrain(4))
}

// FlowGradL2 is the mean squared forward difference of flow along each
// spatial axis, averaged over the three axes.
func (cpu *CPUBackend) FlowGradL2(flow *tensor.RawTensor) *tensor.RawTensor {
	require5D("flow_grad_l2", "flow", flow)
	requireFloat32("flow_grad_l2", flow)
	n, c, size := flow.Shape().Volume()
	strides := [3]int{size[1] * size[2], size[2], 1}
	vol := size[0] * size[1] * size[2]
	data := flow.AsFloat32()

	var total float64
	for a := 0; a < 3; a++ {
		count := diffCount(n, c, size, a)
		if count == 0 {
			continue
		}
		var sum float64
		for bc := 0; bc < n*c; bc++ {
			f := data[bc*vol : (bc+1)*vol]
			forEachDiff(size, a, func(v int) {
				d := f[v+strides[a]] - f[v]
				sum += float64(d * d)
			})
		}
		total += sum / float64(count)
	}

	out := cpu.alloc("flow_grad_l2", tensor.Shape{})
	out.AsFloat32()[0] = float32(total / 3)
	return out
}

// FlowGradL2Backward scatters 2·e/(3·M_axis) onto both ends of every
// forward difference e.
func (cpu *CPUBackend) FlowGradL2Backward(flow, grad *tensor.RawTensor) *tensor.RawTensor {
	require5D("flow_grad_l2_backward", "flow", flow)
	requireFloat32("flow_grad_l2_backward", flow, grad)
	n, c, size := flow.Shape().Volume()
	strides := [3]int{size[1] * size[2], size[2], 1}
	vol := size[0] * size[1] * size[2]
	g := grad.AsFloat32()[0]

	out := cpu.alloc("flow_grad_l2_backward", flow.Shape())
	data, dst := flow.AsFloat32(), out.AsFloat32()
	for a := 0; a < 3; a++ {
		count := diffCount(n, c, size, a)
		if count == 0 {
			continue
		}
		k := g * 2 / (3 * float32(count))
		st := strides[a]
		parallel.For(n*c, func(bc int) {
			f := data[bc*vol : (bc+1)*vol]
			o := dst[bc*vol : (bc+1)*vol]
			forEachDiff(size, a, func(v int) {
				e := k * (f[v+st] - f[v])
				o[v+st] += e
				o[v] -= e
			})
		}, cpu.heavy())
	}
	return out
}

func diffCount(n, c int, size [3]int, axis int) int {
	s := size
	s[axis]--
	return n * c * s[0] * s[1] * s[2]
}

// forEachDiff calls f with the flat index of the lower voxel of every
// forward difference along axis.
func forEachDiff(size [3]int, axis int, f func(v int)) {
	lim := size
	lim[axis]--
	for z := 0; z < lim[0]; z++ {
		for y := 0; y < lim[1]; y++ {
			row := (z*size[1] + y) * size[2]
			for x := 0; x < lim[2]; x++ {
				f(row + x)
			}
		}
	}
}
