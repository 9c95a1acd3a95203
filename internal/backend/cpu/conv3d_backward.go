package cpu

import (
	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Conv3DInputBackward computes ∂L/∂input as the transposed convolution of
// grad with kernel. Each (batch, input channel) pair is one parallel task
// and owns its slab of the result.
func (cpu *CPUBackend) Conv3DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv3d_input_backward", input, kernel, stride, padding)
	out := cpu.alloc("conv3d_input_backward", input.Shape())

	wt, gr, dst := kernel.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	parallel.ForBatch(g.n, g.cin, func(n, ci int) {
		gi := dst[(n*g.cin+ci)*g.inVol() : (n*g.cin+ci+1)*g.inVol()]
		for co := 0; co < g.cout; co++ {
			gv := gr[(n*g.cout+co)*g.outVol() : (n*g.cout+co+1)*g.outVol()]
			g.eachTap(func(kz, ky, kx int) {
				wv := wt[g.weightIndex(co, ci, kz, ky, kx)]
				if wv == 0 {
					return
				}
				g.rows(kz, ky, kx, func(orow, irow, xlo, xhi, xoff int) {
					gRow, iRow := gv[orow:], gi[irow:]
					for xo := xlo; xo < xhi; xo++ {
						iRow[xo*g.stride+xoff] += wv * gRow[xo]
					}
				})
			})
		}
	}, cpu.heavy())
	return out
}

// Conv3DKernelBackward computes ∂L/∂kernel by correlating input with grad.
// Each (output channel, input channel) pair is one parallel task; the sum
// over the batch and the output volume is accumulated in float64.
func (cpu *CPUBackend) Conv3DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	g := newConvGeom("conv3d_kernel_backward", input, kernel, stride, padding)
	out := cpu.alloc("conv3d_kernel_backward", kernel.Shape())

	in, gr, dst := input.AsFloat32(), grad.AsFloat32(), out.AsFloat32()
	parallel.ForBatch(g.cout, g.cin, func(co, ci int) {
		g.eachTap(func(kz, ky, kx int) {
			var acc float64
			for n := 0; n < g.n; n++ {
				v := in[(n*g.cin+ci)*g.inVol() : (n*g.cin+ci+1)*g.inVol()]
				o := gr[(n*g.cout+co)*g.outVol() : (n*g.cout+co+1)*g.outVol()]
				g.rows(kz, ky, kx, func(orow, irow, xlo, xhi, xoff int) {
					gRow, iRow := o[orow:], v[irow:]
					var row float32
					for xo := xlo; xo < xhi; xo++ {
						row += gRow[xo] * iRow[xo*g.stride+xoff]
					}
					acc += float64(row)
				})
			}
			dst[g.weightIndex(co, ci, kz, ky, kx)] = float32(acc)
		})
	}, cpu.heavy())
	return out
}
