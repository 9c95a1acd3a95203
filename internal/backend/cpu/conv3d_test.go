package cpu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// naiveConv3D is the textbook 7-loop definition.
func naiveConv3D(in, k []float32, is, ks tensor.Shape, stride, pad int) ([]float32, tensor.Shape) {
	n, cin, d, h, w := is[0], is[1], is[2], is[3], is[4]
	cout, kk := ks[0], ks[2]
	od := (d+2*pad-kk)/stride + 1
	oh := (h+2*pad-kk)/stride + 1
	ow := (w+2*pad-kk)/stride + 1
	out := make([]float32, n*cout*od*oh*ow)
	for b := 0; b < n; b++ {
		for co := 0; co < cout; co++ {
			for z := 0; z < od; z++ {
				for y := 0; y < oh; y++ {
					for x := 0; x < ow; x++ {
						var s float32
						for ci := 0; ci < cin; ci++ {
							for kz := 0; kz < kk; kz++ {
								for ky := 0; ky < kk; ky++ {
									for kx := 0; kx < kk; kx++ {
										zi, yi, xi := z*stride+kz-pad, y*stride+ky-pad, x*stride+kx-pad
										if zi < 0 || zi >= d || yi < 0 || yi >= h || xi < 0 || xi >= w {
											continue
										}
										s += in[(((b*cin+ci)*d+zi)*h+yi)*w+xi] *
											k[(((co*cin+ci)*kk+kz)*kk+ky)*kk+kx]
									}
								}
							}
						}
						out[(((b*cout+co)*od+z)*oh+y)*ow+x] = s
					}
				}
			}
		}
	}
	return out, tensor.Shape{n, cout, od, oh, ow}
}

func TestConv3D_MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	backend := New()

	cases := []struct {
		name            string
		input, kernel   tensor.Shape
		stride, padding int
	}{
		{"same", tensor.Shape{1, 2, 6, 5, 4}, tensor.Shape{3, 2, 3, 3, 3}, 1, 1},
		{"down", tensor.Shape{2, 2, 8, 8, 8}, tensor.Shape{4, 2, 3, 3, 3}, 2, 1},
		{"valid", tensor.Shape{1, 1, 5, 5, 5}, tensor.Shape{2, 1, 3, 3, 3}, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := randRaw(t, rng, tc.input, -1, 1)
			k := randRaw(t, rng, tc.kernel, -1, 1)

			got := backend.Conv3D(in, k, tc.stride, tc.padding)
			want, wantShape := naiveConv3D(in.AsFloat32(), k.AsFloat32(), tc.input, tc.kernel, tc.stride, tc.padding)

			require.Equal(t, wantShape, got.Shape())
			assert.InDeltaSlice(t, want, got.AsFloat32(), 1e-4)
		})
	}
}

func TestConv3D_StrideTwoHalvesVolume(t *testing.T) {
	backend := New()
	in := tensor.MustNewRaw(tensor.Shape{1, 2, 16, 16, 16}, tensor.Float32, tensor.CPU)
	k := tensor.MustNewRaw(tensor.Shape{16, 2, 3, 3, 3}, tensor.Float32, tensor.CPU)

	out := backend.Conv3D(in, k, 2, 1)
	assert.Equal(t, tensor.Shape{1, 16, 8, 8, 8}, out.Shape())
}

func TestConv3D_Backward(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	backend := New()

	for _, stride := range []int{1, 2} {
		in := randRaw(t, rng, tensor.Shape{1, 2, 4, 4, 4}, -1, 1)
		k := randRaw(t, rng, tensor.Shape{2, 2, 3, 3, 3}, -1, 1)
		out := backend.Conv3D(in, k, stride, 1)
		cot := randRaw(t, rng, out.Shape(), -1, 1)

		loss := func() float64 {
			return dot(backend.Conv3D(in, k, stride, 1).AsFloat32(), cot.AsFloat32())
		}

		gin := backend.Conv3DInputBackward(in, k, cot, stride, 1)
		gk := backend.Conv3DKernelBackward(in, k, cot, stride, 1)
		require.Equal(t, in.Shape(), gin.Shape())
		require.Equal(t, k.Shape(), gk.Shape())

		for _, i := range []int{0, 5, 21, 63, 64, 100, 127} {
			num := centralDiff(in.AsFloat32(), i, 1e-2, loss)
			assert.InDelta(t, num, gin.AsFloat32()[i], 2e-3, "stride %d input[%d]", stride, i)
		}
		for _, i := range []int{0, 13, 26, 27, 54, 107} {
			num := centralDiff(k.AsFloat32(), i, 1e-2, loss)
			assert.InDelta(t, num, gk.AsFloat32()[i], 2e-3, "stride %d kernel[%d]", stride, i)
		}
	}
}

func TestConv3D_Panics(t *testing.T) {
	backend := New()
	in := tensor.MustNewRaw(tensor.Shape{1, 2, 4, 4, 4}, tensor.Float32, tensor.CPU)

	assert.Panics(t, func() {
		backend.Conv3D(in, tensor.MustNewRaw(tensor.Shape{1, 3, 3, 3, 3}, tensor.Float32, tensor.CPU), 1, 1)
	})
	assert.Panics(t, func() {
		backend.Conv3D(in, tensor.MustNewRaw(tensor.Shape{1, 2, 3, 3, 1}, tensor.Float32, tensor.CPU), 1, 1)
	})
	assert.Panics(t, func() {
		backend.Conv3D(tensor.MustNewRaw(tensor.Shape{2, 4, 4, 4}, tensor.Float32, tensor.CPU),
			tensor.MustNewRaw(tensor.Shape{1, 2, 3, 3, 3}, tensor.Float32, tensor.CPU), 1, 1)
	})
}

func TestValidRange(t *testing.T) {
	lo, hi := validRange(8, 8, 1, -1)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 8, hi)

	lo, hi = validRange(8, 8, 1, 1)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 7, hi)

	lo, hi = validRange(8, 4, 2, -1)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 4, hi)
}
