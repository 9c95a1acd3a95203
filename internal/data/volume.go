// Package data loads the atlas and training volumes from NumPy .npz
// archives and samples training examples.
package data

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sbinet/npyio/npy"
	"github.com/sbinet/npyio/npz"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Array keys used by the preprocessed datasets.
const (
	AtlasKey  = "vol"
	VolumeKey = "vol_data"
)

var (
	// ErrNoVolumes is returned when the training pool is empty.
	ErrNoVolumes = errors.New("data: no training volumes")

	// ErrShapeMismatch is returned when a volume does not match the atlas.
	ErrShapeMismatch = errors.New("data: volume shape mismatch")
)

// Volume is a 3D scalar field in C order (D, H, W).
type Volume struct {
	Shape [3]int
	Data  []float32
}

// LoadVolume reads the array named key from the .npz file at path. The key
// may be given with or without its ".npy" suffix. The array must be 3D, or
// carry extra singleton batch/channel axes around the three spatial axes.
func LoadVolume(path, key string) (*Volume, error) {
	r, err := npz.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer r.Close()

	name, hdr := lookup(r, key)
	if hdr == nil {
		return nil, fmt.Errorf("%s: no array %q (have %v)", path, key, r.Keys())
	}

	shape, err := spatialShape(hdr.Descr.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s[%s]: %w", path, name, err)
	}
	data, err := readFloat32(r, name, hdr.Descr.Type)
	if err != nil {
		return nil, fmt.Errorf("%s[%s]: %w", path, name, err)
	}
	if len(data) != shape[0]*shape[1]*shape[2] {
		return nil, fmt.Errorf("%s[%s]: %d elements for shape %v", path, name, len(data), hdr.Descr.Shape)
	}
	if hdr.Descr.Fortran {
		data = fortranToC(data, shape)
	}
	return &Volume{Shape: shape, Data: data}, nil
}

// lookup finds the archive member for key. np.savez stores arrays as
// "<key>.npy"; a bare member name is accepted as well.
func lookup(r *npz.Reader, key string) (string, *npy.Header) {
	base := strings.TrimSuffix(key, ".npy")
	for _, name := range []string{base + ".npy", base} {
		if hdr := r.Header(name); hdr != nil {
			return name, hdr
		}
	}
	return "", nil
}

// spatialShape strips singleton axes from both ends until three remain.
func spatialShape(dims []int) ([3]int, error) {
	d := slices.Clone(dims)
	for len(d) > 3 && d[0] == 1 {
		d = d[1:]
	}
	for len(d) > 3 && d[len(d)-1] == 1 {
		d = d[:len(d)-1]
	}
	if len(d) != 3 {
		return [3]int{}, fmt.Errorf("expected a 3D volume, got shape %v", dims)
	}
	for _, n := range d {
		if n <= 0 {
			return [3]int{}, fmt.Errorf("invalid shape %v", dims)
		}
	}
	return [3]int{d[0], d[1], d[2]}, nil
}

// readFloat32 reads the array in its stored dtype and converts it.
func readFloat32(r *npz.Reader, name, descr string) ([]float32, error) {
	// Drop the byte-order mark; npyio decodes either endianness.
	dtype := strings.TrimLeft(descr, "<>|=")
	switch dtype {
	case "f4":
		var v []float32
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "f8":
		var v []float64
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "u1":
		var v []uint8
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "i2":
		var v []int16
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "u2":
		var v []uint16
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return convert(v), nil
	case "i4":
		var v []int32
		if err := r.Read(name, &v); err != nil {
			return nil, err
		}
		return convert(v), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", descr)
	}
}

func convert[T float64 | uint8 | int16 | uint16 | int32](src []T) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}

// fortranToC reorders a column-major volume into row-major order.
func fortranToC(src []float32, shape [3]int) []float32 {
	d, h, w := shape[0], shape[1], shape[2]
	dst := make([]float32, len(src))
	for z := range d {
		for y := range h {
			for x := range w {
				dst[(z*h+y)*w+x] = src[z+d*(y+h*x)]
			}
		}
	}
	return dst
}

// NumElements returns D*H*W.
func (v *Volume) NumElements() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Stats returns the intensity range and mean, for logging.
func (v *Volume) Stats() (lo, hi, mean float64) {
	x := make([]float64, len(v.Data))
	for i, f := range v.Data {
		x[i] = float64(f)
	}
	if len(x) == 0 {
		return 0, 0, 0
	}
	return floats.Min(x), floats.Max(x), stat.Mean(x, nil)
}

// Tensor copies the volume into a [1, 1, D, H, W] tensor.
func Tensor[B tensor.Backend](v *Volume, backend B) (*tensor.Tensor[float32, B], error) {
	return tensor.FromSlice(v.Data, tensor.Shape{1, 1, v.Shape[0], v.Shape[1], v.Shape[2]}, backend)
}
