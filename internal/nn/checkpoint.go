package nn

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/voxelmorph-go/voxelmorph/internal/serialization"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// optimizerPrefix namespaces optimizer tensors inside a checkpoint.
const optimizerPrefix = "optimizer."

// OptimizerState is an optimizer whose state can be checkpointed. It lives
// here rather than in optim to avoid an import cycle.
type OptimizerState interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
	GetLR() float32
	Name() string
}

// Checkpoint is a complete training state snapshot: weights, optimizer
// state and the step it was taken at.
//
//	ckpt := &nn.Checkpoint[B]{Model: net, Optimizer: adam, Step: step, Loss: total}
//	err := ckpt.Save(filepath.Join(dir, "5000.vxm"))
//
// To resume:
//
//	ckpt, err := nn.LoadCheckpoint(path, backend, net, adam)
//	start := ckpt.Step + 1
type Checkpoint[B tensor.Backend] struct {
	Model     Model[B]
	Optimizer OptimizerState // may be nil for weights-only files
	ModelType string
	Step      int64
	Loss      float64
	Losses    map[string]float64
	Metadata  map[string]any
	CreatedAt time.Time
}

// Save writes the checkpoint atomically to path.
func (c *Checkpoint[B]) Save(path string) error {
	state := StateDict(c.Model)

	meta := &serialization.CheckpointMeta{
		IsCheckpoint: true,
		Step:         c.Step,
		Loss:         c.Loss,
		Losses:       c.Losses,
		TrainingMeta: c.Metadata,
	}
	if c.Optimizer != nil {
		for name, raw := range c.Optimizer.StateDict() {
			state[optimizerPrefix+name] = raw
		}
		meta.OptimizerType = c.Optimizer.Name()
		meta.OptimizerConfig = map[string]any{"lr": c.Optimizer.GetLR()}
	}

	header := serialization.Header{
		ModelType:      c.ModelType,
		CreatedAt:      c.CreatedAt,
		CheckpointMeta: meta,
	}
	if err := serialization.WriteFile(path, state, header); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores weights into model and, when optimizer is not nil,
// optimizer state. Both must have been built with the same architecture and
// configuration as when the checkpoint was saved.
func LoadCheckpoint[B tensor.Backend](
	path string,
	backend B,
	model Model[B],
	optimizer OptimizerState,
) (ckpt *Checkpoint[B], err error) {
	reader, err := serialization.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	header := reader.Header()
	meta := header.CheckpointMeta
	if meta == nil || !meta.IsCheckpoint {
		return nil, fmt.Errorf("%s: %w", path, serialization.ErrNotCheckpoint)
	}

	state, err := reader.ReadStateDict(backend)
	if err != nil {
		return nil, fmt.Errorf("failed to read state dict: %w", err)
	}

	modelState := make(map[string]*tensor.RawTensor)
	optState := make(map[string]*tensor.RawTensor)
	for name, raw := range state {
		if rest, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			optState[rest] = raw
		} else {
			modelState[name] = raw
		}
	}

	if err := LoadStateDict(model, modelState); err != nil {
		return nil, fmt.Errorf("failed to load model state: %w", err)
	}
	if optimizer != nil {
		if meta.OptimizerType != "" && meta.OptimizerType != optimizer.Name() {
			return nil, fmt.Errorf("checkpoint optimizer is %s, not %s", meta.OptimizerType, optimizer.Name())
		}
		if err := optimizer.LoadStateDict(optState); err != nil {
			return nil, fmt.Errorf("failed to load optimizer state: %w", err)
		}
	}

	return &Checkpoint[B]{
		Model:     model,
		Optimizer: optimizer,
		ModelType: header.ModelType,
		Step:      meta.Step,
		Loss:      meta.Loss,
		Losses:    maps.Clone(meta.Losses),
		Metadata:  meta.TrainingMeta,
		CreatedAt: header.CreatedAt,
	}, nil
}
