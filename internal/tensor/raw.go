package tensor

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Device identifies where a backend runs its kernels.
type Device int

// Compute devices.
const (
	CPU Device = iota
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// storage is a reference-counted byte buffer shared between clones.
// A count of one means the holder may write in place.
type storage struct {
	data []byte
	refs atomic.Int32
}

func newStorage(size int) *storage {
	s := &storage{data: make([]byte, size)}
	s.refs.Store(1)
	return s
}

func (s *storage) retain()      { s.refs.Add(1) }
func (s *storage) unique() bool { return s.refs.Load() == 1 }
func (s *storage) releaseRef()  { s.refs.Add(-1) }

// RawTensor is the untyped, contiguous, row-major tensor that backends operate on.
type RawTensor struct {
	buf    *storage
	shape  Shape
	stride []int
	dtype  DataType
	device Device
}

// NewRaw allocates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &RawTensor{
		buf:    newStorage(shape.NumElements() * dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
	}, nil
}

// MustNewRaw is NewRaw for shapes already known to be valid. It panics on error.
func MustNewRaw(shape Shape, dtype DataType, device Device) *RawTensor {
	r, err := NewRaw(shape, dtype, device)
	if err != nil {
		panic(err)
	}
	return r
}

// FromFloat32 copies data into a new float32 tensor.
func FromFloat32(data []float32, shape Shape, device Device) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	r, err := NewRaw(shape, Float32, device)
	if err != nil {
		return nil, err
	}
	copy(r.AsFloat32(), data)
	return r, nil
}

// Shape returns the tensor's dimensions.
func (r *RawTensor) Shape() Shape { return r.shape }

// Strides returns the row-major element strides.
func (r *RawTensor) Strides() []int { return r.stride }

// DType returns the element type.
func (r *RawTensor) DType() DataType { return r.dtype }

// Device returns the device the tensor was produced on.
func (r *RawTensor) Device() Device { return r.device }

// NumElements returns the element count.
func (r *RawTensor) NumElements() int { return r.shape.NumElements() }

// ByteSize returns the payload size in bytes.
func (r *RawTensor) ByteSize() int { return r.NumElements() * r.dtype.Size() }

// Data exposes the underlying bytes. Writes are visible to every clone.
func (r *RawTensor) Data() []byte { return r.buf.data }

// AsFloat32 views the payload as []float32. It panics for other dtypes.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	//nolint:gosec // length is bounded by NumElements
	return unsafe.Slice((*float32)(unsafe.Pointer(&r.buf.data[0])), r.NumElements())
}

// AsFloat64 views the payload as []float64. It panics for other dtypes.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	//nolint:gosec // length is bounded by NumElements
	return unsafe.Slice((*float64)(unsafe.Pointer(&r.buf.data[0])), r.NumElements())
}

// AsInt32 views the payload as []int32. It panics for other dtypes.
func (r *RawTensor) AsInt32() []int32 {
	if r.dtype != Int32 {
		panic(fmt.Sprintf("tensor dtype is %s, not int32", r.dtype))
	}
	//nolint:gosec // length is bounded by NumElements
	return unsafe.Slice((*int32)(unsafe.Pointer(&r.buf.data[0])), r.NumElements())
}

// AsInt64 views the payload as []int64. It panics for other dtypes.
func (r *RawTensor) AsInt64() []int64 {
	if r.dtype != Int64 {
		panic(fmt.Sprintf("tensor dtype is %s, not int64", r.dtype))
	}
	//nolint:gosec // length is bounded by NumElements
	return unsafe.Slice((*int64)(unsafe.Pointer(&r.buf.data[0])), r.NumElements())
}

// AsUint8 views the payload as []uint8. It panics for other dtypes.
func (r *RawTensor) AsUint8() []uint8 {
	if r.dtype != Uint8 {
		panic(fmt.Sprintf("tensor dtype is %s, not uint8", r.dtype))
	}
	return r.buf.data
}

// Clone returns a tensor sharing the same storage. The shared buffer is
// never written in place by backends while more than one reference exists.
func (r *RawTensor) Clone() *RawTensor {
	r.buf.retain()
	return &RawTensor{
		buf:    r.buf,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		device: r.device,
	}
}

// View returns a tensor sharing storage but carrying a different shape with
// the same element count.
func (r *RawTensor) View(shape Shape) (*RawTensor, error) {
	if shape.NumElements() != r.NumElements() {
		return nil, fmt.Errorf("cannot view %v as %v", r.shape, shape)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	v := r.Clone()
	v.shape = shape.Clone()
	v.stride = shape.ComputeStrides()
	return v, nil
}

// Copy returns a deep copy with its own storage.
func (r *RawTensor) Copy() *RawTensor {
	c := MustNewRaw(r.shape, r.dtype, r.device)
	copy(c.buf.data, r.buf.data)
	return c
}

// Release drops this reference to the shared storage.
func (r *RawTensor) Release() { r.buf.releaseRef() }

// IsUnique reports whether this is the only reference to the storage.
// Backends use it to decide whether an in-place write is safe.
func (r *RawTensor) IsUnique() bool { return r.buf.unique() }

// ForceNonUnique pins the storage so IsUnique reports false until the
// returned function runs. The autodiff backend wraps every recorded input
// this way so forward kernels cannot overwrite values the tape still needs.
//
//	defer x.ForceNonUnique()()
func (r *RawTensor) ForceNonUnique() func() {
	r.buf.retain()
	return r.buf.releaseRef
}
