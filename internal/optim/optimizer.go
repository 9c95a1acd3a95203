// Package optim implements the optimizers used to train the registration
// network.
//
//	optimizer := optim.NewAdam(net.Parameters(), optim.AdamConfig{LR: 1e-4}, backend)
//
//	backend.Tape().StartRecording()
//	for step := range iters {
//	    optimizer.ZeroGrad()
//	    loss := ...
//	    grads := backend.Tape().Backward(ones, backend)
//	    optimizer.Step(grads)
//	    backend.Tape().Clear()
//	}
//
// Both optimizers expose their state through StateDict and LoadStateDict so
// checkpoints can resume a run exactly.
package optim

import (
	"fmt"
	"strings"

	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Optimizer updates parameters from a gradient map produced by the tape.
type Optimizer interface {
	// Step applies one update. Parameters without a gradient are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32
}

// Stateful is an Optimizer that can be checkpointed.
type Stateful interface {
	Optimizer
	nn.OptimizerState
}

// Config is the base configuration for all optimizers.
type Config struct {
	LR float32
}

// getGradient retrieves the gradient for param, or nil when it took no part
// in the forward pass.
func getGradient[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}

// byName indexes params for state loading.
func byName[B tensor.Backend](params []*nn.Parameter[B]) map[string]*nn.Parameter[B] {
	m := make(map[string]*nn.Parameter[B], len(params))
	for _, p := range params {
		m[p.Name()] = p
	}
	return m
}

// loadBuffer validates a state entry "<kind>.<param name>" and returns a
// private copy of its tensor together with the parameter it belongs to.
func loadBuffer[B tensor.Backend](
	key string,
	raw *tensor.RawTensor,
	params map[string]*nn.Parameter[B],
	backend B,
) (string, *nn.Parameter[B], *tensor.Tensor[float32, B], error) {
	kind, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", nil, nil, fmt.Errorf("malformed optimizer state key %q", key)
	}
	param, ok := params[name]
	if !ok {
		return "", nil, nil, fmt.Errorf("optimizer state %q refers to unknown parameter %q", key, name)
	}
	if raw.DType() != tensor.Float32 || !raw.Shape().Equal(param.Tensor().Shape()) {
		return "", nil, nil, fmt.Errorf("optimizer state %q: got %s%v, want float32%v",
			key, raw.DType(), raw.Shape(), param.Tensor().Shape())
	}
	buf := tensor.Zeros[float32](param.Tensor().Shape(), backend)
	copy(buf.Raw().Data(), raw.Data())
	return kind, param, buf, nil
}
