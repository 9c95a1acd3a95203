// Package voxelmorph builds the VoxelMorph registration network: a 3D U-Net
// that predicts a dense displacement field from a (moving, fixed) volume
// pair, followed by a spatial transformer that warps the moving volume with
// it.
//
// Two presets from the CVPR 2018 paper are provided:
//
//	vm1: enc [16 32 32 32], dec [32 32 32 32 8 8]
//	vm2: enc [16 32 32 32], dec [32 32 32 32 32 16 16]
//
// Usage:
//
//	net, err := voxelmorph.NewUNet(voxelmorph.Config{
//	    Variant:  voxelmorph.VM2,
//	    VolShape: [3]int{160, 192, 224},
//	    Seed:     1,
//	}, backend)
//	warped, flow := net.Forward(moving, atlas)
package voxelmorph
