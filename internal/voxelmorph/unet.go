package voxelmorph

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
)

const (
	leakySlope = 0.2
	flowStd    = 1e-5
)

// UNet is the registration network.
//
// Architecture (s = input side, dec has 6 entries for vm1, 7 for vm2):
//
//	x_in = cat(src, tgt)                 [N, 2, s]
//	x0..x3 = conv(enc[i], stride 2)      s/2, s/4, s/8, s/16
//	conv(dec[0]) up cat(x2) conv(dec[1]) up cat(x1) conv(dec[2])
//	up cat(x0) conv(dec[3]) conv(dec[4])
//	up cat(x_in) conv(dec[5]) [conv(dec[6])]
//	flow = conv(3), no activation        [N, 3, s]
//	warped = warp(src, flow)
//
// Every conv except the flow head is 3x3x3 with padding 1, followed by
// LeakyReLU(0.2).
type UNet[B tensor.Backend] struct {
	variant  Variant
	volShape [3]int

	enc  []*nn.Conv3D[B]
	dec  []*nn.Conv3D[B]
	flow *nn.Conv3D[B]

	act       *nn.LeakyReLU[B]
	up        *nn.Upsample3D[B]
	transform *nn.SpatialTransformer[B]
}

// NewUNet builds the network for volumes of cfg.VolShape. Convolutions use
// He-normal weights and zero biases; the flow head starts near zero so the
// initial warp is close to the identity.
func NewUNet[B tensor.Backend](cfg Config, backend B) (*UNet[B], error) {
	if err := ValidateVolShape(cfg.VolShape); err != nil {
		return nil, err
	}
	enc, dec, err := cfg.features()
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed)) //nolint:gosec // weight init, not crypto
	he := nn.HeNormal[B](rng)
	conv := func(name string, in, out, stride int) *nn.Conv3D[B] {
		return nn.NewConv3D(name, in, out, 3, stride, 1, he, backend)
	}

	u := &UNet[B]{
		variant:   cfg.Variant,
		volShape:  cfg.VolShape,
		act:       nn.NewLeakyReLU[B](leakySlope),
		up:        nn.NewUpsample3D[B](2),
		transform: nn.NewSpatialTransformer[B](),
	}

	in := 2
	for i, n := range enc {
		u.enc = append(u.enc, conv(fmt.Sprintf("enc.%d", i), in, n, 2))
		in = n
	}

	// Input width of each decoder conv, following the skip connections.
	decIn := []int{
		enc[3],
		dec[0] + enc[2],
		dec[1] + enc[1],
		dec[2] + enc[0],
		dec[3],
		dec[4] + 2,
	}
	if len(dec) == 7 {
		decIn = append(decIn, dec[5])
	}
	for i, n := range dec {
		u.dec = append(u.dec, conv(fmt.Sprintf("dec.%d", i), decIn[i], n, 1))
	}

	u.flow = nn.NewConv3D("flow", dec[len(dec)-1], 3, 3, 1, 1, nn.Normal[B](flowStd, rng), backend)
	return u, nil
}

// Forward registers src onto tgt, both [N, 1, D, H, W]. It returns the
// warped source and the displacement field [N, 3, D, H, W].
func (u *UNet[B]) Forward(src, tgt *tensor.Tensor[float32, B]) (warped, flow *tensor.Tensor[float32, B]) {
	want := tensor.Shape{src.Shape()[0], 1, u.volShape[0], u.volShape[1], u.volShape[2]}
	if !src.Shape().Equal(want) || !tgt.Shape().Equal(want) {
		panic(fmt.Sprintf("unet: inputs must be %v, got src %v tgt %v", want, src.Shape(), tgt.Shape()))
	}

	xIn := tensor.Cat([]*tensor.Tensor[float32, B]{src, tgt}, 1)

	skips := make([]*tensor.Tensor[float32, B], len(u.enc))
	x := xIn
	for i, layer := range u.enc {
		x = u.act.Forward(layer.Forward(x))
		skips[i] = x
	}

	x = u.block(0, skips[3])
	x = u.block(1, u.upCat(x, skips[2]))
	x = u.block(2, u.upCat(x, skips[1]))
	x = u.block(3, u.upCat(x, skips[0]))
	x = u.block(4, x)
	x = u.block(5, u.upCat(x, xIn))
	if len(u.dec) == 7 {
		x = u.block(6, x)
	}

	flow = u.flow.Forward(x)
	warped = u.transform.Forward(src, flow)
	return warped, flow
}

func (u *UNet[B]) block(i int, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return u.act.Forward(u.dec[i].Forward(x))
}

// upCat doubles x spatially and appends skip along channels.
func (u *UNet[B]) upCat(x, skip *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return tensor.Cat([]*tensor.Tensor[float32, B]{u.up.Forward(x), skip}, 1)
}

// Parameters returns all trainable parameters: encoder, decoder, flow head.
func (u *UNet[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 2*(len(u.enc)+len(u.dec)+1))
	for _, c := range u.enc {
		params = append(params, c.Parameters()...)
	}
	for _, c := range u.dec {
		params = append(params, c.Parameters()...)
	}
	return append(params, u.flow.Parameters()...)
}

// Variant returns the preset the network was built from.
func (u *UNet[B]) Variant() Variant { return u.variant }

// VolShape returns the spatial shape the network was built for.
func (u *UNet[B]) VolShape() [3]int { return u.volShape }

// String summarizes the architecture.
func (u *UNet[B]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "UNet(%s, vol=%v\n", u.variant, u.volShape)
	for _, c := range u.enc {
		fmt.Fprintf(&sb, "  enc Conv3D(out=%d, stride=2) LeakyReLU(%.1f)\n", c.OutChannels(), leakySlope)
	}
	for _, c := range u.dec {
		fmt.Fprintf(&sb, "  dec Conv3D(out=%d) LeakyReLU(%.1f)\n", c.OutChannels(), leakySlope)
	}
	fmt.Fprintf(&sb, "  flow Conv3D(out=3)\n  SpatialTransformer()\n)")
	return sb.String()
}
