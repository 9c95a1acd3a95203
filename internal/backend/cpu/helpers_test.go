package cpu

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

func randRaw(t *testing.T, rng *rand.Rand, shape tensor.Shape, lo, hi float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	for i := range r.AsFloat32() {
		r.AsFloat32()[i] = lo + (hi-lo)*rng.Float32()
	}
	return r
}

func scalarRaw(t *testing.T, v float32) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.NewRaw(tensor.Shape{}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	r.AsFloat32()[0] = v
	return r
}

// centralDiff estimates ∂f/∂x[i] by central differences.
func centralDiff(x []float32, i int, h float32, f func() float64) float64 {
	orig := x[i]
	x[i] = orig + h
	up := f()
	x[i] = orig - h
	down := f()
	x[i] = orig
	return (up - down) / (2 * float64(h))
}

// dot sums a[i]*b[i] in float64; used as a scalar projection of a tensor output.
func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
