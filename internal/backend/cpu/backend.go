// Package cpu implements the pure-Go CPU backend. Volume kernels fan out
// over batch and channel with internal/parallel.
package cpu

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/parallel"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// CPUBackend implements tensor.Backend on the host CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a CPU backend using parallel.DefaultConfig.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with an explicit worker configuration.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{device: tensor.CPU, par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Parallel returns the worker configuration used by the kernels.
func (cpu *CPUBackend) Parallel() parallel.Config {
	return cpu.par
}

// heavy is the configuration for loops whose items are whole volumes.
func (cpu *CPUBackend) heavy() parallel.Config {
	return cpu.par.WithGrain(1)
}

func (cpu *CPUBackend) alloc(op string, shape tensor.Shape) *tensor.RawTensor {
	r, err := tensor.NewRaw(shape, tensor.Float32, cpu.device)
	if err != nil {
		panic(fmt.Sprintf("%s: failed to create result tensor: %v", op, err))
	}
	return r
}

func requireFloat32(op string, ts ...*tensor.RawTensor) {
	for _, t := range ts {
		if t.DType() != tensor.Float32 {
			panic(fmt.Sprintf("%s: unsupported dtype %s (only float32)", op, t.DType()))
		}
	}
}

func require5D(op, name string, t *tensor.RawTensor) {
	if len(t.Shape()) != 5 {
		panic(fmt.Sprintf("%s: %s must be 5D [N,C,D,H,W], got %v", op, name, t.Shape()))
	}
}
