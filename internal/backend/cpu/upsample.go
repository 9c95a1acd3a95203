package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Upsample3D performs nearest-neighbour upsampling by an integer factor on
// every spatial axis: [N, C, D, H, W] -> [N, C, D*s, H*s, W*s].
func (cpu *CPUBackend) Upsample3D(x *tensor.RawTensor, scale int) *tensor.RawTensor {
	require5D("upsample3d", "input", x)
	requireFloat32("upsample3d", x)
	if scale <= 0 {
		panic(fmt.Sprintf("upsample3d: invalid scale %d", scale))
	}
	n, c, sp := x.Shape().Volume()
	od, oh, ow := sp[0]*scale, sp[1]*scale, sp[2]*scale
	out := cpu.alloc("upsample3d", tensor.Shape{n, c, od, oh, ow})

	src, dst := x.AsFloat32(), out.AsFloat32()
	inVol, outVol := sp[0]*sp[1]*sp[2], od*oh*ow
	parallel.For(n*c, func(nc int) {
		in := src[nc*inVol : (nc+1)*inVol]
		o := dst[nc*outVol : (nc+1)*outVol]
		for z := 0; z < od; z++ {
			for y := 0; y < oh; y++ {
				row := o[(z*oh+y)*ow : (z*oh+y+1)*ow]
				irow := in[((z/scale)*sp[1]+y/scale)*sp[2]:]
				for xo := range row {
					row[xo] = irow[xo/scale]
				}
			}
		}
	}, cpu.heavy())
	return out
}

// Upsample3DBackward sums each scale³ block of grad back onto its source voxel.
func (cpu *CPUBackend) Upsample3DBackward(grad *tensor.RawTensor, scale int) *tensor.RawTensor {
	require5D("upsample3d_backward", "grad", grad)
	requireFloat32("upsample3d_backward", grad)
	n, c, sp := grad.Shape().Volume()
	if sp[0]%scale != 0 || sp[1]%scale != 0 || sp[2]%scale != 0 {
		panic(fmt.Sprintf("upsample3d_backward: grad %v not divisible by scale %d", grad.Shape(), scale))
	}
	d, h, w := sp[0]/scale, sp[1]/scale, sp[2]/scale
	out := cpu.alloc("upsample3d_backward", tensor.Shape{n, c, d, h, w})

	src, dst := grad.AsFloat32(), out.AsFloat32()
	inVol, outVol := sp[0]*sp[1]*sp[2], d*h*w
	parallel.For(n*c, func(nc int) {
		g := src[nc*inVol : (nc+1)*inVol]
		o := dst[nc*outVol : (nc+1)*outVol]
		for z := 0; z < sp[0]; z++ {
			for y := 0; y < sp[1]; y++ {
				row := g[(z*sp[1]+y)*sp[2] : (z*sp[1]+y+1)*sp[2]]
				orow := o[((z/scale)*h+y/scale)*w:]
				for xi, v := range row {
					orow[xi/scale] += v
				}
			}
		}
	}, cpu.heavy())
	return out
}
