// Package webgpu implements a GPU-assisted backend. Convolution forward
// passes are lowered to im2col + GEMM and the GEMM runs as a WGSL compute
// shader through go-webgpu (github.com/go-webgpu/webgpu). Every other kernel,
// including all backward kernels, runs on the embedded CPU backend.
//
// Tensors stay host-resident, so a Backend mixes freely with CPU tensors.
//
// The native WebGPU runtime is only wired up on Windows. Elsewhere New
// returns ErrUnavailable and callers fall back to the CPU backend.
package webgpu

import "errors"

// ErrUnavailable is returned by New when no WebGPU adapter can be used.
var ErrUnavailable = errors.New("webgpu: not available")
