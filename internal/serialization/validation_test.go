package serialization

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		wantType string
	}{
		{
			name: "contiguous",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 100},
				{Name: "b", Offset: 100, Size: 200},
			},
			dataSize: 300,
		},
		{
			name: "unsorted but valid",
			tensors: []TensorMeta{
				{Name: "b", Offset: 100, Size: 100},
				{Name: "a", Offset: 0, Size: 100},
			},
			dataSize: 200,
		},
		{
			name: "overlap by one byte",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 100},
				{Name: "b", Offset: 99, Size: 100},
			},
			dataSize: 300,
			wantType: "offset_overlap",
		},
		{
			name:     "past the end",
			tensors:  []TensorMeta{{Name: "a", Offset: 50, Size: 100}},
			dataSize: 120,
			wantType: "out_of_bounds",
		},
		{
			name:     "negative size",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: -1}},
			dataSize: 10,
			wantType: "negative_offset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.wantType == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.wantType, verr.Type)
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	valid := []string{"unet.enc.0.weight", "optimizer.m.3", "flow.bias"}
	for _, name := range valid {
		assert.NoError(t, ValidateTensorName(name), name)
	}

	invalid := []string{"", "../etc/passwd", "a/b", `a\b`, "a\x00b", strings.Repeat("x", MaxTensorNameLen+1)}
	for _, name := range invalid {
		assert.Error(t, ValidateTensorName(name), "%q", name)
	}
}

func TestValidateHeader(t *testing.T) {
	ok := TensorMeta{Name: "w", DType: "float32", Shape: []int{2, 2}, Offset: 0, Size: 16}

	assert.NoError(t, ValidateHeader(&Header{Tensors: []TensorMeta{ok}}, 16, ValidationStrict))

	badSize := ok
	badSize.Size = 12
	err := ValidateHeader(&Header{Tensors: []TensorMeta{badSize}}, 16, ValidationStrict)
	assert.ErrorContains(t, err, "size_mismatch")

	badType := ok
	badType.DType = "complex64"
	err = ValidateHeader(&Header{Tensors: []TensorMeta{badType}}, 16, ValidationNormal)
	assert.ErrorContains(t, err, "invalid_dtype")

	err = ValidateHeader(&Header{Tensors: []TensorMeta{ok, ok}}, 32, ValidationNormal)
	assert.ErrorContains(t, err, "duplicate_name")

	// Normal skips the layout check, None skips everything.
	assert.NoError(t, ValidateHeader(&Header{Tensors: []TensorMeta{ok}}, 0, ValidationNormal))
	assert.NoError(t, ValidateHeader(&Header{Tensors: []TensorMeta{badType}}, 0, ValidationNone))
}
