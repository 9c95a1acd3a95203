package cpu

import (
	"fmt"
	"math"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// sample is one trilinear lookup: the 8 corner offsets within a volume,
// their weights, and the fractional parts needed for the derivative.
type sample struct {
	idx    [8]int
	wt     [8]float32
	frac   [3]float32
	inside [3]bool // false when the coordinate was clamped to the border
	stride [3]int
}

// locate clamps p to the volume and prepares the 8-corner stencil.
func locate(p [3]float32, size [3]int) sample {
	var s sample
	s.stride = [3]int{size[1] * size[2], size[2], 1}
	var lo, hi [3]int
	for a := 0; a < 3; a++ {
		maxc := float32(size[a] - 1)
		c := p[a]
		s.inside[a] = c >= 0 && c <= maxc
		if !(c >= 0) { // NaN clamps to 0 as well
			c = 0
		} else if c > maxc {
			c = maxc
		}
		f := float32(math.Floor(float64(c)))
		lo[a] = int(f)
		hi[a] = min(lo[a]+1, size[a]-1)
		s.frac[a] = c - f
	}
	for k := 0; k < 8; k++ {
		w := float32(1)
		off := 0
		for a := 0; a < 3; a++ {
			if k>>(2-a)&1 == 1 {
				w *= s.frac[a]
				off += hi[a] * s.stride[a]
			} else {
				w *= 1 - s.frac[a]
				off += lo[a] * s.stride[a]
			}
		}
		s.idx[k] = off
		s.wt[k] = w
	}
	return s
}

// value interpolates vol at the sample.
func (s *sample) value(vol []float32) float32 {
	var v float32
	for k := 0; k < 8; k++ {
		v += s.wt[k] * vol[s.idx[k]]
	}
	return v
}

// partial returns ∂value/∂p[a], zero where p[a] was clamped.
func (s *sample) partial(vol []float32, a int) float32 {
	if !s.inside[a] {
		return 0
	}
	var d float32
	for k := 0; k < 8; k++ {
		// weight with axis a's factor replaced by its derivative (±1)
		w := float32(1)
		for b := 0; b < 3; b++ {
			bit := k>>(2-b)&1 == 1
			switch {
			case b == a && bit:
				// +1
			case b == a:
				w = -w
			case bit:
				w *= s.frac[b]
			default:
				w *= 1 - s.frac[b]
			}
		}
		d += w * vol[s.idx[k]]
	}
	return d
}

func warpShapes(op string, src, flow *tensor.RawTensor) (n, c int, size [3]int) {
	require5D(op, "src", src)
	require5D(op, "flow", flow)
	requireFloat32(op, src, flow)
	n, c, size = src.Shape().Volume()
	fn, fc, fsize := flow.Shape().Volume()
	if fn != n || fc != 3 || fsize != size {
		panic(fmt.Sprintf("%s: flow must be [%d,3,%d,%d,%d], got %v", op, n, size[0], size[1], size[2], flow.Shape()))
	}
	return n, c, size
}

// position returns voxel v of a volume plus its displacement.
func position(v int, size [3]int, flow []float32, vol int) [3]float32 {
	z := v / (size[1] * size[2])
	y := (v / size[2]) % size[1]
	x := v % size[2]
	return [3]float32{
		float32(z) + flow[v],
		float32(y) + flow[vol+v],
		float32(x) + flow[2*vol+v],
	}
}

// Warp3D resamples src with trilinear interpolation at voxel + flow.
// Sample positions outside the volume are clamped to the nearest edge.
func (cpu *CPUBackend) Warp3D(src, flow *tensor.RawTensor) *tensor.RawTensor {
	n, c, size := warpShapes("warp3d", src, flow)
	out := cpu.alloc("warp3d", src.Shape())
	vol := size[0] * size[1] * size[2]

	sv, fv, dst := src.AsFloat32(), flow.AsFloat32(), out.AsFloat32()
	for b := 0; b < n; b++ {
		f := fv[b*3*vol : (b+1)*3*vol]
		parallel.ForRange(vol, func(s, e int) {
			for v := s; v < e; v++ {
				smp := locate(position(v, size, f, vol), size)
				for ch := 0; ch < c; ch++ {
					base := (b*c + ch) * vol
					dst[base+v] = smp.value(sv[base : base+vol])
				}
			}
		}, cpu.par)
	}
	return out
}

// Warp3DBackward returns ∂L/∂src and ∂L/∂flow for upstream grad.
// The flow gradient sums the channel contributions at each voxel; the src
// gradient scatters grad back onto the 8 interpolation corners.
func (cpu *CPUBackend) Warp3DBackward(src, flow, grad *tensor.RawTensor) (srcGrad, flowGrad *tensor.RawTensor) {
	n, c, size := warpShapes("warp3d_backward", src, flow)
	vol := size[0] * size[1] * size[2]
	srcGrad = cpu.alloc("warp3d_backward", src.Shape())
	flowGrad = cpu.alloc("warp3d_backward", flow.Shape())

	sv, fv, gv := src.AsFloat32(), flow.AsFloat32(), grad.AsFloat32()
	sg, fg := srcGrad.AsFloat32(), flowGrad.AsFloat32()

	for b := 0; b < n; b++ {
		f := fv[b*3*vol : (b+1)*3*vol]
		out := fg[b*3*vol : (b+1)*3*vol]
		parallel.ForRange(vol, func(s, e int) {
			for v := s; v < e; v++ {
				smp := locate(position(v, size, f, vol), size)
				var dz, dy, dx float32
				for ch := 0; ch < c; ch++ {
					base := (b*c + ch) * vol
					g := gv[base+v]
					if g == 0 {
						continue
					}
					img := sv[base : base+vol]
					dz += g * smp.partial(img, 0)
					dy += g * smp.partial(img, 1)
					dx += g * smp.partial(img, 2)
				}
				out[v], out[vol+v], out[2*vol+v] = dz, dy, dx
			}
		}, cpu.par)
	}

	// Scatter is serial within a volume; channels run in parallel.
	parallel.For(n*c, func(bc int) {
		b := bc / c
		f := fv[b*3*vol : (b+1)*3*vol]
		g := gv[bc*vol : (bc+1)*vol]
		dst := sg[bc*vol : (bc+1)*vol]
		for v := 0; v < vol; v++ {
			if g[v] == 0 {
				continue
			}
			smp := locate(position(v, size, f, vol), size)
			for k := 0; k < 8; k++ {
				dst[smp.idx[k]] += smp.wt[k] * g[v]
			}
		}
	}, cpu.heavy())
	return srcGrad, flowGrad
}
