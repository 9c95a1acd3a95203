package tensor

import "fmt"

// Shape lists a tensor's dimensions, outermost first.
// Volumes use [N, C, D, H, W].
type Shape []int

// NumElements returns the product of all dimensions (1 for a scalar).
func (s Shape) NumElements() int {
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate rejects non-positive dimensions.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal reports whether both shapes have identical dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// ComputeStrides returns row-major strides: stride[i] is the product of all
// dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// Volume splits a 5-D shape into batch, channels and spatial size.
// It panics if the shape is not [N, C, D, H, W].
func (s Shape) Volume() (n, c int, spatial [3]int) {
	if len(s) != 5 {
		panic(fmt.Sprintf("expected 5D shape [N,C,D,H,W], got %v", s))
	}
	return s[0], s[1], [3]int{s[2], s[3], s[4]}
}

// BroadcastShapes applies NumPy broadcasting: trailing dimensions are
// aligned and each pair must match or contain a 1. It also reports whether
// any expansion was needed.
//
//	(1, 8, 1, 1, 1) + (2, 8, 4, 4, 4) -> (2, 8, 4, 4, 4), true
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	n := max(len(a), len(b))
	out := make(Shape, n)
	expanded := false

	for i := 0; i < n; i++ {
		ad, bd := 1, 1
		if j := len(a) - 1 - i; j >= 0 {
			ad = a[j]
		}
		if j := len(b) - 1 - i; j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd:
			out[n-1-i] = ad
		case ad == 1:
			out[n-1-i] = bd
			expanded = true
		case bd == 1:
			out[n-1-i] = ad
			expanded = true
		default:
			return nil, false, fmt.Errorf("shapes not compatible for broadcasting: %v vs %v (dimension %d: %d vs %d)",
				a, b, n-1-i, ad, bd)
		}
	}
	if len(a) != len(b) {
		expanded = true
	}
	return out, expanded, nil
}
