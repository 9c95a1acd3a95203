// Package device resolves the --gpu setting into a compute backend choice
// and describes the host it runs on.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"github.com/voxelmorph-go/voxelmorph/internal/ctxlog"
)

// Kind is the backend family.
type Kind string

// Backend families.
const (
	CPU    Kind = "cpu"
	WebGPU Kind = "webgpu"
)

// Selection is the outcome of resolving a GPU id.
type Selection struct {
	Requested int    // the --gpu value
	Kind      Kind   // backend actually used
	Fallback  string // why a GPU request fell back to CPU, if it did
}

// Check reports whether a GPU backend can be created, or why not.
type Check func() error

// Select picks the backend for gpu. A negative id means CPU. Otherwise the
// check decides; a failed check falls back to CPU with a warning.
func Select(ctx context.Context, gpu int, check Check) Selection {
	sel := Selection{Requested: gpu, Kind: CPU}
	if gpu < 0 {
		return sel
	}
	if err := check(); err != nil {
		sel.Fallback = err.Error()
		ctxlog.FromContext(ctx).Warn("GPU unavailable, using CPU", "gpu", gpu, "err", err)
		return sel
	}
	sel.Kind = WebGPU
	return sel
}

// Host describes the CPU the kernels run on.
type Host struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	GOMAXPROCS    int
	Features      []string // SIMD extensions relevant to float kernels
}

// DescribeHost inspects the CPU with cpuid.
func DescribeHost() Host {
	h := Host{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
	}
	if h.Brand == "" {
		h.Brand = runtime.GOARCH
	}
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			h.Features = append(h.Features, f.name)
		}
	}
	return h
}

// LogValue implements slog.LogValuer.
func (h Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("cpu", h.Brand),
		slog.Int("cores", h.PhysicalCores),
		slog.Int("threads", h.LogicalCores),
		slog.Int("gomaxprocs", h.GOMAXPROCS),
		slog.Any("features", h.Features),
	)
}

// Metadata flattens the selection for checkpoint and run metadata.
func (s Selection) Metadata(backendName string) map[string]any {
	m := map[string]any{
		"gpu":     s.Requested,
		"device":  string(s.Kind),
		"backend": backendName,
	}
	if s.Fallback != "" {
		m["gpu_fallback"] = s.Fallback
	}
	return m
}

// String implements fmt.Stringer.
func (s Selection) String() string {
	if s.Fallback != "" {
		return fmt.Sprintf("%s (gpu %d unavailable)", s.Kind, s.Requested)
	}
	if s.Kind == WebGPU {
		return fmt.Sprintf("%s:%d", s.Kind, s.Requested)
	}
	return string(s.Kind)
}
