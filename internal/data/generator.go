package data

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
)

// Glob lists the files in dir matching pattern, sorted. An empty result is
// ErrNoVolumes.
func Glob(dir, pattern string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("training data directory: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s matching %s", ErrNoVolumes, dir, pattern)
	}
	slices.Sort(files)
	return files, nil
}

// ExampleGenerator samples training volumes uniformly at random, with
// replacement, loading each from disk on demand.
//
//	gen, err := data.NewExampleGenerator(files, data.VolumeKey, atlas.Shape, seed)
//	for {
//	    vol, path, err := gen.Next()
//	    ...
//	}
type ExampleGenerator struct {
	files []string
	key   string
	shape [3]int
	rng   *rand.Rand
}

// NewExampleGenerator creates a generator over files. Every volume must have
// the given shape.
func NewExampleGenerator(files []string, key string, shape [3]int, seed int64) (*ExampleGenerator, error) {
	if len(files) == 0 {
		return nil, ErrNoVolumes
	}
	return &ExampleGenerator{
		files: slices.Clone(files),
		key:   key,
		shape: shape,
		rng:   rand.New(rand.NewSource(seed)), //nolint:gosec // sampling, not crypto
	}, nil
}

// Next loads a randomly chosen volume and returns it with its path.
func (g *ExampleGenerator) Next() (*Volume, string, error) {
	path := g.files[g.rng.Intn(len(g.files))]
	vol, err := LoadVolume(path, g.key)
	if err != nil {
		return nil, path, err
	}
	if vol.Shape != g.shape {
		return nil, path, fmt.Errorf("%w: %s is %v, atlas is %v", ErrShapeMismatch, path, vol.Shape, g.shape)
	}
	return vol, path, nil
}

// Skip advances the sampler past n draws without loading anything, so a
// resumed run continues the sequence of the original one.
func (g *ExampleGenerator) Skip(n int) {
	for range n {
		g.rng.Intn(len(g.files))
	}
}

// Len returns the size of the pool.
func (g *ExampleGenerator) Len() int {
	return len(g.files)
}
