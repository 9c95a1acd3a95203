package serialization

import (
	"time"
)

// Format constants.
const (
	MagicBytes      = "VXMP"
	FormatVersion   = 1
	HeaderAlignment = 64 // tensor data starts on this boundary
	FixedHeaderSize = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20

	// Extension is the file extension of checkpoint files.
	Extension = ".vxm"
)

// Flags stored in the fixed header.
const (
	FlagHasOptimizer uint32 = 1 << 0 // optimizer state is included
	FlagHasMetadata  uint32 = 1 << 1 // Header.Metadata is non-empty
)

// Header is the JSON document that follows the fixed header.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	Producer       string            `json:"producer"`
	ModelType      string            `json:"model_type"`
	CreatedAt      time.Time         `json:"created_at"`
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata"`
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta carries the training state needed to resume a run.
type CheckpointMeta struct {
	IsCheckpoint    bool               `json:"is_checkpoint"`
	Step            int64              `json:"step"`
	Loss            float64            `json:"loss"`
	Losses          map[string]float64 `json:"losses,omitempty"` // per-term losses at Step
	OptimizerType   string             `json:"optimizer_type"`
	OptimizerConfig map[string]any     `json:"optimizer_config"`
	TrainingMeta    map[string]any     `json:"training_meta"`
}

// TensorMeta describes one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`
}

// alignedOffset returns the start of the data section for a JSON header of
// the given size.
func alignedOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
