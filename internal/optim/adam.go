package optim

import (
	"fmt"
	"math"

	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// Adam implements the Adam optimizer.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1-beta1) * g
//	v_t = beta2 * v_{t-1} + (1-beta2) * g²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param = param - lr * m_hat / (sqrt(v_hat) + eps)
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
type Adam[B tensor.Backend] struct {
	params  []*nn.Parameter[B]
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int64
	m       map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	v       map[*nn.Parameter[B]]*tensor.Tensor[float32, B]
	backend B
}

// AdamConfig holds configuration for Adam.
type AdamConfig struct {
	LR    float32    // default 1e-3
	Betas [2]float32 // default [0.9, 0.999]
	Eps   float32    // default 1e-8
}

// NewAdam creates an Adam optimizer, filling unset hyperparameters with the
// defaults.
func NewAdam[B tensor.Backend](params []*nn.Parameter[B], config AdamConfig, backend B) *Adam[B] {
	if config.LR == 0 {
		config.LR = 1e-3
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}

	return &Adam[B]{
		params:  params,
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		v:       make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B]),
		backend: backend,
	}
}

// Step performs a single Adam update.
func (a *Adam[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor) {
	a.t++
	bc1 := float32(1 - math.Pow(float64(a.beta1), float64(a.t)))
	bc2 := float32(1 - math.Pow(float64(a.beta2), float64(a.t)))

	for _, param := range a.params {
		grad := getGradient(param, grads)
		if grad == nil {
			continue
		}
		m, ok := a.m[param]
		if !ok {
			m = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.m[param] = m
		}
		v, ok := a.v[param]
		if !ok {
			v = tensor.Zeros[float32](param.Tensor().Shape(), a.backend)
			a.v[param] = v
		}
		param.SetGrad(tensor.New[float32, B](grad, a.backend))

		g := grad.AsFloat32()
		md, vd := m.Raw().AsFloat32(), v.Raw().AsFloat32()
		p := param.Tensor().Raw().AsFloat32()
		for i := range p {
			md[i] = a.beta1*md[i] + (1-a.beta1)*g[i]
			vd[i] = a.beta2*vd[i] + (1-a.beta2)*g[i]*g[i]
			mHat := md[i] / bc1
			vHat := vd[i] / bc2
			p[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam[B]) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam[B]) GetLR() float32 {
	return a.lr
}

// SetLR updates the learning rate.
func (a *Adam[B]) SetLR(lr float32) {
	a.lr = lr
}

// GetTimestep returns the number of steps taken.
func (a *Adam[B]) GetTimestep() int64 {
	return a.t
}

// Name identifies the optimizer in checkpoints.
func (a *Adam[B]) Name() string {
	return "Adam"
}

// StateDict exports the timestep and both moments.
//
// Keys: "step" (int64 scalar), "m.<param>", "v.<param>".
func (a *Adam[B]) StateDict() map[string]*tensor.RawTensor {
	state := make(map[string]*tensor.RawTensor, 2*len(a.m)+1)
	step := tensor.MustNewRaw(tensor.Shape{}, tensor.Int64, a.backend.Device())
	step.AsInt64()[0] = a.t
	state["step"] = step

	for _, param := range a.params {
		if m, ok := a.m[param]; ok {
			state["m."+param.Name()] = m.Raw()
		}
		if v, ok := a.v[param]; ok {
			state["v."+param.Name()] = v.Raw()
		}
	}
	return state
}

// LoadStateDict restores state saved by StateDict. Existing moments are
// discarded.
func (a *Adam[B]) LoadStateDict(state map[string]*tensor.RawTensor) error {
	step, ok := state["step"]
	if !ok {
		return fmt.Errorf("adam: missing step")
	}
	if step.DType() != tensor.Int64 || step.NumElements() != 1 {
		return fmt.Errorf("adam: step must be an int64 scalar, got %s%v", step.DType(), step.Shape())
	}

	params := byName(a.params)
	m := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])
	v := make(map[*nn.Parameter[B]]*tensor.Tensor[float32, B])
	for key, raw := range state {
		if key == "step" {
			continue
		}
		kind, param, buf, err := loadBuffer(key, raw, params, a.backend)
		if err != nil {
			return fmt.Errorf("adam: %w", err)
		}
		switch kind {
		case "m":
			m[param] = buf
		case "v":
			v[param] = buf
		default:
			return fmt.Errorf("adam: unknown state %q", key)
		}
	}
	for param := range m {
		if _, ok := v[param]; !ok {
			return fmt.Errorf("adam: parameter %q has a first moment but no second", param.Name())
		}
	}

	a.t = step.AsInt64()[0]
	a.m, a.v = m, v
	return nil
}
