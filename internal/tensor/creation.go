package tensor

import (
	"math/rand"
)

// Zeros creates a zero-filled tensor.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), b.Device())
	if err != nil {
		panic(err)
	}
	return New[T, B](raw, b)
}

// Full creates a tensor with every element set to value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T, B](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T, B](shape, T(1), b)
}

// RandNormal fills a float32 tensor with draws from N(mean, std²) using rng.
// A nil rng uses the global math/rand source.
func RandNormal[B Backend](shape Shape, mean, std float64, rng *rand.Rand, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	norm := rand.NormFloat64
	if rng != nil {
		norm = rng.NormFloat64
	}
	data := t.Data()
	for i := range data {
		data[i] = float32(mean + std*norm())
	}
	return t
}

// RandUniform fills a float32 tensor with draws from U[lo, hi).
func RandUniform[B Backend](shape Shape, lo, hi float64, rng *rand.Rand, b B) *Tensor[float32, B] {
	t := Zeros[float32, B](shape, b)
	uniform := rand.Float64
	if rng != nil {
		uniform = rng.Float64
	}
	data := t.Data()
	for i := range data {
		data[i] = float32(lo + (hi-lo)*uniform())
	}
	return t
}
