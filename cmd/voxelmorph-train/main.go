// Command voxelmorph-train trains an unsupervised VoxelMorph registration
// network that warps training volumes onto a fixed atlas.
//
// Usage:
//
//	voxelmorph-train --save_name vm2_ncc [--model vm2] [--gpu 0] [--lr 1e-4]
//	    [--iters 150000] [--lambda 1.0] [--checkpoint_iter 5000] [--config run.yaml]
//
// Each step prints "<step>,1,<total>,<ncc>,<grad>" on stdout. Checkpoints,
// the run ledger and the loss plot are written to <models_dir>/<save_name>.
// Structured logs go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
	"github.com/voxelmorph-go/voxelmorph/internal/backend/webgpu"
	"github.com/voxelmorph-go/voxelmorph/internal/config"
	"github.com/voxelmorph-go/voxelmorph/internal/ctxlog"
	"github.com/voxelmorph-go/voxelmorph/internal/device"
	"github.com/voxelmorph-go/voxelmorph/internal/trainer"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, "voxelmorph-train:", err)
		return exitError
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, "voxelmorph-train:", err)
		return exitError
	}
	logger := ctxlog.New(stderr, level)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Info("starting", "save_name", cfg.SaveName, "model", cfg.Model, "config_file", cfg.ConfigFile, "host", device.DescribeHost())

	err = train(ctx, cfg, stdout)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		logger.Warn("interrupted", "model_dir", cfg.ModelDir())
		return exitInterrupted
	default:
		logger.Error("training failed", "err", err)
		return exitError
	}
}

// train resolves --gpu to a backend and runs the trainer on it.
func train(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	sel := device.Select(ctx, cfg.GPU, checkWebGPU)
	if sel.Kind == device.WebGPU {
		gpu, err := webgpu.New()
		if err == nil {
			defer gpu.Release()
			return trainer.Run(ctx, cfg, gpu, sel, stdout)
		}
		ctxlog.FromContext(ctx).Warn("failed to create WebGPU backend, using CPU", "err", err)
		sel.Kind, sel.Fallback = device.CPU, err.Error()
	}
	return trainer.Run(ctx, cfg, cpu.New(), sel, stdout)
}

func checkWebGPU() error {
	if !webgpu.IsAvailable() {
		return webgpu.ErrUnavailable
	}
	return nil
}
