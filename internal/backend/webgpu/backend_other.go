//go:build !windows

package webgpu

import (
	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
)

// Backend is the GPU-assisted backend. On this platform it cannot be
// constructed.
type Backend struct {
	*cpu.CPUBackend
}

// New reports ErrUnavailable.
func New() (*Backend, error) {
	return nil, ErrUnavailable
}

// IsAvailable reports whether New can succeed.
func IsAvailable() bool { return false }

// Release is a no-op.
func (b *Backend) Release() {}
