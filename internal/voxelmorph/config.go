package voxelmorph

import (
	"errors"
	"fmt"
	"slices"
)

// Variant selects a network preset.
type Variant string

// Network presets.
const (
	VM1 Variant = "vm1"
	VM2 Variant = "vm2"
)

// ErrVolumeShape is returned when the volume cannot pass through the
// encoder and back: every spatial axis must be a positive multiple of 16.
var ErrVolumeShape = errors.New("voxelmorph: volume shape must be a positive multiple of 16 on every axis")

// ErrVariant is returned for an unknown preset name.
var ErrVariant = errors.New("voxelmorph: unknown model variant")

// downsamplings is the number of stride-2 encoder levels.
const downsamplings = 4

// EncoderFeatures is the encoder width used by both presets.
var EncoderFeatures = []int{16, 32, 32, 32}

// ParseVariant validates a preset name.
func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case VM1, VM2:
		return v, nil
	default:
		return "", fmt.Errorf("%w %q (want vm1 or vm2)", ErrVariant, s)
	}
}

// DecoderFeatures returns the decoder widths of a preset.
func (v Variant) DecoderFeatures() ([]int, error) {
	switch v {
	case VM1:
		return []int{32, 32, 32, 32, 8, 8}, nil
	case VM2:
		return []int{32, 32, 32, 32, 32, 16, 16}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrVariant, string(v))
	}
}

// Config describes a network. Enc and Dec override the preset widths when
// set.
type Config struct {
	Variant  Variant
	VolShape [3]int // D, H, W
	Enc      []int
	Dec      []int
	Seed     int64 // weight initialization
}

// features resolves the encoder and decoder widths.
func (c Config) features() (enc, dec []int, err error) {
	enc = c.Enc
	if enc == nil {
		enc = slices.Clone(EncoderFeatures)
	}
	dec = c.Dec
	if dec == nil {
		if dec, err = c.Variant.DecoderFeatures(); err != nil {
			return nil, nil, err
		}
	}
	if len(enc) != downsamplings {
		return nil, nil, fmt.Errorf("voxelmorph: encoder needs %d levels, got %d", downsamplings, len(enc))
	}
	if len(dec) != 6 && len(dec) != 7 {
		return nil, nil, fmt.Errorf("voxelmorph: decoder needs 6 or 7 levels, got %d", len(dec))
	}
	for _, n := range append(slices.Clone(enc), dec...) {
		if n <= 0 {
			return nil, nil, fmt.Errorf("voxelmorph: invalid feature count %d", n)
		}
	}
	return enc, dec, nil
}

// ValidateVolShape checks that shape survives four stride-2 levels.
func ValidateVolShape(shape [3]int) error {
	const factor = 1 << downsamplings
	for _, n := range shape {
		if n <= 0 || n%factor != 0 {
			return fmt.Errorf("%w: got %v", ErrVolumeShape, shape)
		}
	}
	return nil
}
