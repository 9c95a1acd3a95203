package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// convGeom holds the dimensions of one 3D convolution.
type convGeom struct {
	n, cin, cout    int
	d, h, w         int // input spatial size
	od, oh, ow      int // output spatial size
	k               int // cubic kernel size
	stride, padding int
}

func newConvGeom(op string, input, kernel *tensor.RawTensor, stride, padding int) convGeom {
	require5D(op, "input", input)
	require5D(op, "kernel", kernel)
	requireFloat32(op, input, kernel)
	if stride <= 0 || padding < 0 {
		panic(fmt.Sprintf("%s: invalid stride %d / padding %d", op, stride, padding))
	}

	is, ks := input.Shape(), kernel.Shape()
	if is[1] != ks[1] {
		panic(fmt.Sprintf("%s: input channels %d != kernel channels %d", op, is[1], ks[1]))
	}
	if ks[2] != ks[3] || ks[3] != ks[4] {
		panic(fmt.Sprintf("%s: kernel must be cubic, got %v", op, ks[2:]))
	}

	g := convGeom{
		n: is[0], cin: is[1], cout: ks[0],
		d: is[2], h: is[3], w: is[4],
		k: ks[2], stride: stride, padding: padding,
	}
	g.od = (g.d+2*padding-g.k)/stride + 1
	g.oh = (g.h+2*padding-g.k)/stride + 1
	g.ow = (g.w+2*padding-g.k)/stride + 1
	if g.od <= 0 || g.oh <= 0 || g.ow <= 0 {
		panic(fmt.Sprintf("%s: invalid output size %dx%dx%d (check stride/padding)", op, g.od, g.oh, g.ow))
	}
	return g
}

func (g convGeom) inVol() int  { return g.d * g.h * g.w }
func (g convGeom) outVol() int { return g.od * g.oh * g.ow }

func (g convGeom) weightIndex(co, ci, kz, ky, kx int) int {
	return (((co*g.cin+ci)*g.k+kz)*g.k+ky)*g.k + kx
}

// validRange returns the output indices [lo, hi) whose input coordinate
// o*stride + off falls inside [0, inSize).
func validRange(inSize, outSize, stride, off int) (lo, hi int) {
	if off < 0 {
		lo = (-off + stride - 1) / stride
	}
	last := inSize - 1 - off
	if last < 0 {
		return 0, 0
	}
	hi = min(last/stride+1, outSize)
	return lo, hi
}

// Conv3D performs a direct 3D convolution.
//
// Input shape:  [N, C_in, D, H, W]
// Kernel shape: [C_out, C_in, K, K, K]
// Output shape: [N, C_out, D_out, H_out, W_out], D_out = (D + 2p - K)/s + 1
//
// Each (batch, output channel) pair is one parallel task. Within a task the
// kernel taps are applied as shifted, scaled row additions so the inner loop
// runs over contiguous W.
func (cpu *CPUBackend) Conv3D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv3d", input, kernel, stride, padding)
	out := cpu.alloc("conv3d", tensor.Shape{g.n, g.cout, g.od, g.oh, g.ow})

	in, wt, dst := input.AsFloat32(), kernel.AsFloat32(), out.AsFloat32()
	parallel.ForBatch(g.n, g.cout, func(n, co int) {
		o := dst[(n*g.cout+co)*g.outVol() : (n*g.cout+co+1)*g.outVol()]
		for ci := 0; ci < g.cin; ci++ {
			v := in[(n*g.cin+ci)*g.inVol() : (n*g.cin+ci+1)*g.inVol()]
			g.eachTap(func(kz, ky, kx int) {
				wv := wt[g.weightIndex(co, ci, kz, ky, kx)]
				if wv == 0 {
					return
				}
				g.rows(kz, ky, kx, func(orow, irow, xlo, xhi, xoff int) {
					outRow, inRow := o[orow:], v[irow:]
					if g.stride == 1 {
						for xo := xlo; xo < xhi; xo++ {
							outRow[xo] += wv * inRow[xo+xoff]
						}
						return
					}
					for xo := xlo; xo < xhi; xo++ {
						outRow[xo] += wv * inRow[xo*g.stride+xoff]
					}
				})
			})
		}
	}, cpu.heavy())
	return out
}

func (g convGeom) eachTap(f func(kz, ky, kx int)) {
	for kz := 0; kz < g.k; kz++ {
		for ky := 0; ky < g.k; ky++ {
			for kx := 0; kx < g.k; kx++ {
				f(kz, ky, kx)
			}
		}
	}
}

// rows visits every output row touched by tap (kz, ky, kx). It passes the
// offsets of the output row and the matching input row, the valid output x
// range, and the x offset to add to xo*stride.
func (g convGeom) rows(kz, ky, kx int, f func(orow, irow, xlo, xhi, xoff int)) {
	p, s := g.padding, g.stride
	zlo, zhi := validRange(g.d, g.od, s, kz-p)
	ylo, yhi := validRange(g.h, g.oh, s, ky-p)
	xlo, xhi := validRange(g.w, g.ow, s, kx-p)
	if xlo >= xhi {
		return
	}
	for zo := zlo; zo < zhi; zo++ {
		zi := zo*s + kz - p
		for yo := ylo; yo < yhi; yo++ {
			yi := yo*s + ky - p
			f((zo*g.oh+yo)*g.ow, (zi*g.h+yi)*g.w, xlo, xhi, kx-p)
		}
	}
}
