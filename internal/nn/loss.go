package nn

import (
	"fmt"

	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

// DefaultNCCWindow is the side of the cubic NCC window.
const DefaultNCCWindow = 9

// NCCLoss is the local normalized cross-correlation loss, -mean(cc) over
// window³ neighbourhoods. Perfect local alignment gives -1.
//
//	ncc := nn.NewNCCLoss[B](nn.DefaultNCCWindow)
//	loss := ncc.Forward(atlas, warped)
type NCCLoss[B tensor.Backend] struct {
	window int
}

// NewNCCLoss creates the loss. window must be odd.
func NewNCCLoss[B tensor.Backend](window int) *NCCLoss[B] {
	if window <= 0 || window%2 == 0 {
		panic(fmt.Sprintf("ncc: window must be a positive odd number, got %d", window))
	}
	return &NCCLoss[B]{window: window}
}

// Forward returns the scalar loss. Only pred receives a gradient.
func (l *NCCLoss[B]) Forward(target, pred *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := pred.Backend()
	return tensor.New[float32, B](b.LocalNCC(target.Raw(), pred.Raw(), l.window), b)
}

// Window returns the window side.
func (l *NCCLoss[B]) Window() int { return l.window }

// GradLoss penalizes the spatial gradient of a displacement field: the mean
// squared forward difference along each axis, averaged over the axes. The
// zero target field the training script pairs it with carries no
// information, so Forward takes only the flow.
type GradLoss[B tensor.Backend] struct{}

// NewGradLoss creates the smoothness loss.
func NewGradLoss[B tensor.Backend]() *GradLoss[B] {
	return &GradLoss[B]{}
}

// Forward returns the scalar penalty.
func (l *GradLoss[B]) Forward(flow *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	b := flow.Backend()
	return tensor.New[float32, B](b.FlowGradL2(flow.Raw()), b)
}
