// Package nn implements the neural network building blocks of the
// registration model: parameters, initializers, 3D convolution, activation,
// upsampling, the spatial transformer and the registration losses, plus
// state dicts and training checkpoints.
//
// Layers run on whatever backend they are given. Wrapping the backend with
// autodiff.New makes every forward pass recordable for training.
package nn

import (
	"fmt"
	"sort"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Module is a layer with a single input and output.
//
//	conv := nn.NewConv3D("enc.0", 2, 16, 3, 2, 1, nn.HeNormal[B](rng), backend)
//	act := nn.NewLeakyReLU[B](0.2)
//	y := act.Forward(conv.Forward(x))
type Module[B tensor.Backend] interface {
	// Forward computes the output for input.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters, nil for stateless
	// modules.
	Parameters() []*Parameter[B]
}

// Model is anything whose parameters can be checkpointed.
type Model[B tensor.Backend] interface {
	Parameters() []*Parameter[B]
}

// StateDict maps every parameter name to its tensor. Names must be unique.
func StateDict[B tensor.Backend](model Model[B]) map[string]*tensor.RawTensor {
	params := model.Parameters()
	state := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		if _, dup := state[p.Name()]; dup {
			panic(fmt.Sprintf("nn: duplicate parameter name %q", p.Name()))
		}
		state[p.Name()] = p.Tensor().Raw()
	}
	return state
}

// LoadStateDict copies state into the model's parameters in place, so
// gradient and optimizer bookkeeping keyed by parameter stays valid. Every
// parameter must be present with a matching shape and dtype; extra entries
// are an error too.
func LoadStateDict[B tensor.Backend](model Model[B], state map[string]*tensor.RawTensor) error {
	params := model.Parameters()
	seen := make(map[string]struct{}, len(params))
	for _, p := range params {
		src, ok := state[p.Name()]
		if !ok {
			return fmt.Errorf("missing parameter %q", p.Name())
		}
		dst := p.Tensor().Raw()
		if !src.Shape().Equal(dst.Shape()) || src.DType() != dst.DType() {
			return fmt.Errorf("parameter %q: got %s%v, want %s%v",
				p.Name(), src.DType(), src.Shape(), dst.DType(), dst.Shape())
		}
		copy(dst.Data(), src.Data())
		seen[p.Name()] = struct{}{}
	}

	var extra []string
	for name := range state {
		if _, ok := seen[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("unexpected parameters %v", extra)
	}
	return nil
}

// NumParameters returns the total number of trainable scalars.
func NumParameters[B tensor.Backend](model Model[B]) int {
	n := 0
	for _, p := range model.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}
