package optim

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// SGD implements stochastic gradient descent with optional momentum.
//
//	velocity = momentum * velocity + g
//	param = param - lr * velocity
type SGD[B tensor.Backend] struct {
	params     []*nn.Parameter[B]
	lr         float32
	momentum   float32
	velocities map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	backend    B
}

// SGDConfig holds configuration for SGD.
type SGDConfig struct {
	LR       float32 // default 0.01
	Momentum float32 // in [0, 1)
}

// NewSGD creates a new SGD optimizer.
func NewSGD[B tensor.Backend](params []*nn.Parameter[B], config SGDConfig, backend B) *SGD[B] {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD[B]{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend:    backend,
	}
}

// Step performs a single SGD update.
func (s *SGD[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	for _, param := range s.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		param.SetGrad(tensor.New[float32, B](grad, s.backend))

		g := grad.AsFloat32()
		p := param.Tensor().Raw().AsFloat32()
		if s.momentum == 0 {
			for i := range p {
				p[i] -= s.lr * g[i]
			}
			continue
		}

		vel, ok := s.velocities[param]
		if !ok {
			vel = tensor.Zeros[float32](param.Tensor().Shape(), s.backend)
			s.velocities[param] = vel
		}
		vd := vel.Raw().AsFloat32()
		for i := range p {
			vd[i] = s.momentum*vd[i] + g[i]
			p[i] -= s.lr * vd[i]
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD[B]) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD[B]) GetLR() float32 {
	return s.lr
}

// SetLR updates the learning rate.
func (s *SGD[B]) SetLR(lr float32) {
	s.lr = lr
}

// Name identifies the optimizer in checkpoints.
func (s *SGD[B]) Name() string {
	return "SGD"
}

// StateDict exports the velocity buffers as "velocity.<param>". Without
// momentum the state is empty.
func (s *SGD[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, len(s.velocities))
	for _, param := range s.params {
		if vel, ok := s.velocities[param]; ok {
			state["velocity."+param.Name()] = vel.Raw()
		}
	}
	return state
}

// LoadStateDict restores velocities saved by StateDict.
func (s *SGD[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	params := byName(s.params)
	velocities := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B], len(state))
	for key, raw := range state {
		kind, param, buf, err := loadBuffer(key, raw, params, s.backend)
		if err != nil {
			return fmt.Errorf("sgd: %w", err)
		}
		if kind != "velocity" {
			return fmt.Errorf("sgd: unknown state %q", key)
		}
		velocities[param] = buf
	}
	s.velocities = velocities
	return nil
}
