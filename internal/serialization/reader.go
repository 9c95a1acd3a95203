package serialization

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	SkipChecksumValidation bool
	ValidationLevel        ValidationLevel
}

// fixedHeader is the decoded 64-byte prefix.
type fixedHeader struct {
	version    uint32
	flags      uint32
	headerSize uint64
	dataSize   uint64
	checksum   [ChecksumSize]byte
}

func readFixedHeader(r io.Reader) (fixedHeader, error) {
	var fh fixedHeader
	buf := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fh, fmt.Errorf("failed to read fixed header: %w", err)
	}
	if string(buf[0:4]) != MagicBytes {
		return fh, fmt.Errorf("%w: got %q, expected %q", ErrInvalidMagic, buf[0:4], MagicBytes)
	}
	fh.version = binary.LittleEndian.Uint32(buf[4:8])
	if fh.version != FormatVersion {
		return fh, fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, fh.version, FormatVersion)
	}
	fh.flags = binary.LittleEndian.Uint32(buf[8:12])
	fh.headerSize = binary.LittleEndian.Uint64(buf[16:24])
	fh.dataSize = binary.LittleEndian.Uint64(buf[24:32])
	copy(fh.checksum[:], buf[ChecksumOffset:ChecksumOffset+ChecksumSize])
	if fh.headerSize > MaxHeaderSize {
		return fh, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, fh.headerSize)
	}
	return fh, nil
}

func readHeaderJSON(r io.Reader, size uint64) (Header, error) {
	var h Header
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return h, fmt.Errorf("failed to read header JSON: %w", err)
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	return h, nil
}

// newTensor builds a RawTensor from a validated table entry.
func newTensor(meta TensorMeta, data []byte, device tensor.Device) (*tensor.RawTensor, error) {
	dtype, ok := tensor.ParseDataType(meta.DType)
	if !ok {
		return nil, fmt.Errorf("unsupported dtype: %s", meta.DType)
	}
	raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dtype, device)
	if err != nil {
		return nil, fmt.Errorf("failed to create tensor %s: %w", meta.Name, err)
	}
	if len(data) != raw.ByteSize() {
		return nil, fmt.Errorf("tensor %s: got %d bytes, want %d", meta.Name, len(data), raw.ByteSize())
	}
	copy(raw.Data(), data)
	return raw, nil
}

// Reader reads tensors from a .vxm file.
type Reader struct {
	file       *os.File
	header     Header
	flags      uint32
	dataOffset int64
	dataSize   int64
	closed     bool
}

// NewReader opens path with strict validation.
func NewReader(path string) (*Reader, error) {
	return NewReaderWithOptions(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// NewReaderWithOptions opens path, parses the header and validates the file
// according to opts.
func NewReaderWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	//nolint:gosec // G304: checkpoint paths come from the operator
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	r := &Reader{file: file}
	if err := r.open(opts); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) open(opts ReaderOptions) error {
	fh, err := readFixedHeader(r.file)
	if err != nil {
		return err
	}
	r.flags = fh.flags
	if r.header, err = readHeaderJSON(r.file, fh.headerSize); err != nil {
		return err
	}
	r.dataOffset = alignedOffset(int64(fh.headerSize))
	r.dataSize = int64(fh.dataSize)

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if avail := info.Size() - r.dataOffset; avail < r.dataSize {
		return fmt.Errorf("truncated data section: %d of %d bytes", max(avail, 0), r.dataSize)
	}
	if err := ValidateHeader(&r.header, r.dataSize, opts.ValidationLevel); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if opts.SkipChecksumValidation {
		return nil
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(r.file, r.dataOffset, r.dataSize)); err != nil {
		return fmt.Errorf("failed to read tensor data for checksum: %w", err)
	}
	return ValidateChecksum(sum(h), fh.checksum)
}

// Header returns the file header.
func (r *Reader) Header() Header {
	return r.header
}

// Flags returns the flags of the fixed header.
func (r *Reader) Flags() uint32 {
	return r.flags
}

// TensorNames lists the tensors in file order.
func (r *Reader) TensorNames() []string {
	names := make([]string, len(r.header.Tensors))
	for i, meta := range r.header.Tensors {
		names[i] = meta.Name
	}
	return names
}

// TensorInfo returns the table entry for name.
func (r *Reader) TensorInfo(name string) (*TensorMeta, error) {
	for i := range r.header.Tensors {
		if r.header.Tensors[i].Name == name {
			meta := r.header.Tensors[i]
			return &meta, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}

// LoadTensor reads one tensor onto the backend's device.
func (r *Reader) LoadTensor(name string, backend tensor.Backend) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}
	meta, err := r.TensorInfo(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, meta.Size)
	if _, err := r.file.ReadAt(data, r.dataOffset+meta.Offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor %s: %w", name, err)
	}
	return newTensor(*meta, data, backend.Device())
}

// ReadStateDict reads every tensor.
func (r *Reader) ReadStateDict(backend tensor.Backend) (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.LoadTensor(meta.Name, backend)
		if err != nil {
			return nil, err
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// Decode reads a whole .vxm stream, validating it strictly and checking the
// checksum.
func Decode(rd io.Reader, device tensor.Device) (map[string]*tensor.RawTensor, Header, error) {
	fh, err := readFixedHeader(rd)
	if err != nil {
		return nil, Header{}, err
	}
	header, err := readHeaderJSON(rd, fh.headerSize)
	if err != nil {
		return nil, Header{}, err
	}
	pad := alignedOffset(int64(fh.headerSize)) - int64(FixedHeaderSize) - int64(fh.headerSize)
	if _, err := io.CopyN(io.Discard, rd, pad); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read padding: %w", err)
	}

	var data bytes.Buffer
	if _, err := io.CopyN(&data, rd, int64(fh.dataSize)); err != nil {
		return nil, Header{}, fmt.Errorf("failed to read data section: %w", err)
	}
	if err := ValidateHeader(&header, int64(fh.dataSize), ValidationStrict); err != nil {
		return nil, Header{}, fmt.Errorf("validation failed: %w", err)
	}
	if err := ValidateChecksum(ComputeChecksum(data.Bytes()), fh.checksum); err != nil {
		return nil, Header{}, err
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		raw, err := newTensor(meta, data.Bytes()[meta.Offset:meta.Offset+meta.Size], device)
		if err != nil {
			return nil, Header{}, err
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, header, nil
}
