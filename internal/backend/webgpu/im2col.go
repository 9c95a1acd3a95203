package webgpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// convShape holds the geometry of one Conv3D call.
type convShape struct {
	n, cin, d, h, w int
	cout, k         int
	od, oh, ow      int
	stride, padding int
}

func newConvShape(input, kernel *tensor.RawTensor, stride, padding int) convShape {
	is, ks := input.Shape(), kernel.Shape()
	if len(is) != 5 || len(ks) != 5 {
		panic(fmt.Sprintf("conv3d: expected 5D input and kernel, got %v and %v", is, ks))
	}
	if is[1] != ks[1] {
		panic(fmt.Sprintf("conv3d: input channels %d != kernel channels %d", is[1], ks[1]))
	}
	if ks[2] != ks[3] || ks[3] != ks[4] {
		panic(fmt.Sprintf("conv3d: kernel must be cubic, got %v", ks))
	}
	s := convShape{
		n: is[0], cin: is[1], d: is[2], h: is[3], w: is[4],
		cout: ks[0], k: ks[2],
		stride: stride, padding: padding,
	}
	s.od = (s.d+2*padding-s.k)/stride + 1
	s.oh = (s.h+2*padding-s.k)/stride + 1
	s.ow = (s.w+2*padding-s.k)/stride + 1
	if s.od <= 0 || s.oh <= 0 || s.ow <= 0 {
		panic(fmt.Sprintf("conv3d: kernel %d larger than padded input %v", s.k, is))
	}
	return s
}

// rows is the GEMM inner dimension: one row per (channel, tap).
func (s convShape) rows() int { return s.cin * s.k * s.k * s.k }

// cols is the number of output voxels per sample.
func (s convShape) cols() int { return s.od * s.oh * s.ow }

// im2col unfolds sample n of src [N, C, D, H, W] into a [rows, cols]
// matrix so that conv = kernel[Cout, rows] x cols. Padding reads as zero.
func im2col(src []float32, s convShape, n int, dst []float32, par parallel.Config) {
	inVol := s.d * s.h * s.w
	cols := s.cols()
	taps := s.k * s.k * s.k

	parallel.For(s.rows(), func(r int) {
		ci, tap := r/taps, r%taps
		kz, ky, kx := tap/(s.k*s.k), tap/s.k%s.k, tap%s.k
		plane := src[(n*s.cin+ci)*inVol : (n*s.cin+ci+1)*inVol]
		row := dst[r*cols : (r+1)*cols]

		i := 0
		for oz := range s.od {
			z := oz*s.stride - s.padding + kz
			for oy := range s.oh {
				y := oy*s.stride - s.padding + ky
				for ox := range s.ow {
					x := ox*s.stride - s.padding + kx
					if z < 0 || z >= s.d || y < 0 || y >= s.h || x < 0 || x >= s.w {
						row[i] = 0
					} else {
						row[i] = plane[(z*s.h+y)*s.w+x]
					}
					i++
				}
			}
		}
	}, par.WithGrain(1))
}

// gemmFunc computes c[m, n] = a[m, k] x b[k, n].
type gemmFunc func(a, b []float32, m, k, n int) ([]float32, error)

// conv3D runs a convolution through im2col and gemm, one sample at a time.
func conv3D(input, kernel *tensor.RawTensor, stride, padding int, gemm gemmFunc, par parallel.Config) (*tensor.RawTensor, error) {
	s := newConvShape(input, kernel, stride, padding)
	out, err := tensor.NewRaw(tensor.Shape{s.n, s.cout, s.od, s.oh, s.ow}, tensor.Float32, input.Device())
	if err != nil {
		return nil, err
	}

	src := input.AsFloat32()
	weights := kernel.AsFloat32()
	dst := out.AsFloat32()
	cols := make([]float32, s.rows()*s.cols())
	sample := s.cout * s.cols()

	for n := range s.n {
		im2col(src, s, n, cols, par)
		res, err := gemm(weights, cols, s.cout, s.rows(), s.cols())
		if err != nil {
			return nil, fmt.Errorf("conv3d sample %d: %w", n, err)
		}
		copy(dst[n*sample:(n+1)*sample], res)
	}
	return out, nil
}
