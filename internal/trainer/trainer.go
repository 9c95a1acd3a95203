// Package trainer runs the registration training loop: sample a moving
// volume, register it to the atlas, take one optimizer step on
// NCC + lambda * smoothness, report, and checkpoint.
package trainer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voxelmorph-go/voxelmorph/internal/autodiff"
	"github.com/voxelmorph-go/voxelmorph/internal/config"
	"github.com/voxelmorph-go/voxelmorph/internal/ctxlog"
	"github.com/voxelmorph-go/voxelmorph/internal/data"
	"github.com/voxelmorph-go/voxelmorph/internal/device"
	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/optim"
	"github.com/voxelmorph-go/voxelmorph/internal/report"
	"github.com/voxelmorph-go/voxelmorph/internal/runlog"
	"github.com/voxelmorph-go/voxelmorph/internal/tensor"
	"github.com/voxelmorph-go/voxelmorph/internal/voxelmorph"
)

// ErrNonFiniteLoss aborts a run whose loss became NaN or infinite.
var ErrNonFiniteLoss = errors.New("non-finite loss")

// File names inside the model directory.
const (
	LedgerFile = "runlog.db"
	PlotFile   = "loss.png"
)

// CheckpointPath returns the checkpoint file for step in dir.
func CheckpointPath(dir string, step int) string {
	return filepath.Join(dir, strconv.Itoa(step)+".vxm")
}

// Trainer owns the network, optimizer and data of one run. B is the compute
// backend; gradients are tracked by an autodiff wrapper around it.
type Trainer[B tensor.Backend] struct {
	cfg      *config.Config
	sel      device.Selection
	modelDir string

	backend *autodiff.AutodiffBackend[B]
	net     *voxelmorph.UNet[*autodiff.AutodiffBackend[B]]
	opt     optim.Stateful
	ncc     *nn.NCCLoss[*autodiff.AutodiffBackend[B]]
	smooth  *nn.GradLoss[*autodiff.AutodiffBackend[B]]
	atlas   *tensor.Tensor[float32, *autodiff.AutodiffBackend[B]]
	gen     *data.ExampleGenerator

	out   *bufio.Writer
	start int

	ledger  *runlog.Ledger // nil when disabled
	runID   uuid.UUID
	history report.History
	window  *report.Window
}

// New prepares a run: it creates the model directory, loads the atlas,
// lists the training volumes, builds the network and optimizer, and
// restores cfg.Resume when set. Progress lines are written to out.
func New[B tensor.Backend](ctx context.Context, cfg *config.Config, inner B, sel device.Selection, out io.Writer) (*Trainer[B], error) {
	logger := ctxlog.FromContext(ctx)
	backend := autodiff.New(inner)

	t := &Trainer[B]{
		cfg:      cfg,
		sel:      sel,
		modelDir: cfg.ModelDir(),
		backend:  backend,
		ncc:      nn.NewNCCLoss[*autodiff.AutodiffBackend[B]](cfg.NCCWindow),
		smooth:   nn.NewGradLoss[*autodiff.AutodiffBackend[B]](),
		out:      bufio.NewWriter(out),
		window:   report.NewWindow(cfg.LogEvery),
	}

	if err := os.MkdirAll(t.modelDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	atlas, err := data.LoadVolume(cfg.Atlas, data.AtlasKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load atlas: %w", err)
	}
	if atlas.Shape != cfg.VolSize {
		return nil, fmt.Errorf("%w: atlas %s is %v, vol_size is %v", data.ErrShapeMismatch, cfg.Atlas, atlas.Shape, cfg.VolSize)
	}
	lo, hi, mean := atlas.Stats()
	logger.Info("loaded atlas", "path", cfg.Atlas, "shape", atlas.Shape, "min", lo, "max", hi, "mean", mean)
	if t.atlas, err = data.Tensor(atlas, backend); err != nil {
		return nil, fmt.Errorf("atlas tensor: %w", err)
	}

	files, err := data.Glob(cfg.DataDir, cfg.DataPattern)
	if err != nil {
		return nil, err
	}
	if t.gen, err = data.NewExampleGenerator(files, data.VolumeKey, atlas.Shape, cfg.Seed); err != nil {
		return nil, err
	}
	logger.Info("found training volumes", "dir", cfg.DataDir, "count", t.gen.Len())

	variant, err := voxelmorph.ParseVariant(cfg.Model)
	if err != nil {
		return nil, err
	}
	t.net, err = voxelmorph.NewUNet(voxelmorph.Config{Variant: variant, VolShape: cfg.VolSize, Seed: cfg.Seed}, backend)
	if err != nil {
		return nil, err
	}
	logger.Info("built network", "model", t.net.String(), "parameters", nn.NumParameters[*autodiff.AutodiffBackend[B]](t.net), "backend", inner.Name())

	if t.opt, err = newOptimizer(cfg, t.net.Parameters(), backend); err != nil {
		return nil, err
	}

	if cfg.Resume != "" {
		ckpt, err := nn.LoadCheckpoint[*autodiff.AutodiffBackend[B]](cfg.Resume, backend, t.net, t.opt)
		if err != nil {
			return nil, fmt.Errorf("failed to resume from %s: %w", cfg.Resume, err)
		}
		t.start = int(ckpt.Step) + 1
		t.gen.Skip(t.start)
		logger.Info("resumed", "checkpoint", cfg.Resume, "step", ckpt.Step, "loss", ckpt.Loss)
	}

	if cfg.RunLog {
		if t.ledger, err = runlog.Open(ctx, filepath.Join(t.modelDir, LedgerFile)); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func newOptimizer[B tensor.Backend](cfg *config.Config, params []*nn.Parameter[B], backend B) (optim.Stateful, error) {
	switch cfg.Optimizer {
	case "adam", "":
		return optim.NewAdam(params, optim.AdamConfig{LR: float32(cfg.LR)}, backend), nil
	case "sgd":
		return optim.NewSGD(params, optim.SGDConfig{LR: float32(cfg.LR), Momentum: float32(cfg.Momentum)}, backend), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}

// StartStep is the first step Run will execute.
func (t *Trainer[B]) StartStep() int { return t.start }

// RunID identifies the run in the ledger; uuid.Nil before Run or when the
// ledger is disabled.
func (t *Trainer[B]) RunID() uuid.UUID { return t.runID }

// Run trains from StartStep up to cfg.Iters. When ctx is cancelled it stops
// at the next step boundary, checkpoints the last completed step and
// returns ctx.Err().
func (t *Trainer[B]) Run(ctx context.Context) (err error) {
	logger := ctxlog.FromContext(ctx)
	// Cancellation only stops the loop; records and checkpoints still land.
	persist := context.WithoutCancel(ctx)
	if err := t.startRun(persist); err != nil {
		return err
	}
	status := runlog.StatusFailed
	defer func() {
		t.finishRun(persist, status, err)
	}()

	logger.Info("training", "start", t.start, "iters", t.cfg.Iters, "lr", t.cfg.LR,
		"lambda", t.cfg.Lambda, "checkpoint_iter", t.cfg.CheckpointIter, "device", t.sel.String())

	var (
		last      Losses
		lastDone  = -1
		lastSaved = -1
		lastLog   = time.Now()
	)
	for step := t.start; step < t.cfg.Iters; step++ {
		if ctx.Err() != nil {
			break
		}

		losses, stepErr := t.trainStep()
		if stepErr != nil && !errors.Is(stepErr, ErrNonFiniteLoss) {
			return fmt.Errorf("step %d: %w", step, stepErr)
		}
		if err := t.printProgress(step, losses); err != nil {
			return err
		}
		if stepErr != nil {
			return fmt.Errorf("step %d: %w", step, stepErr)
		}

		if err := t.record(persist, step, losses); err != nil {
			return err
		}
		lastDone, last = step, losses

		if t.cfg.LogEvery > 0 && step%t.cfg.LogEvery == 0 {
			s := t.window.Summary()
			elapsed := time.Since(lastLog)
			lastLog = time.Now()
			logger.Info("progress", "step", step, "total", losses.Total, "ncc", losses.NCC, "grad", losses.Grad,
				"window_mean", s.Mean, "window_std", s.Std, "window", s.N, "elapsed", elapsed.Round(time.Millisecond))
		}

		if step%t.cfg.CheckpointIter == 0 {
			if err := t.checkpoint(persist, step, losses); err != nil {
				return err
			}
			lastSaved = step
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		status = runlog.StatusInterrupted
		if lastDone >= 0 && lastDone != lastSaved {
			if err := t.checkpoint(persist, lastDone, last); err != nil {
				return errors.Join(ctxErr, err)
			}
		}
		logger.Warn("training interrupted", "last_step", lastDone)
		return ctxErr
	}

	t.savePlot(persist)
	status = runlog.StatusCompleted
	logger.Info("training finished", "steps", lastDone-t.start+1)
	return nil
}

// trainStep runs one forward/backward pass and optimizer update. A
// non-finite loss skips the update and returns ErrNonFiniteLoss along with
// the losses.
func (t *Trainer[B]) trainStep() (Losses, error) {
	vol, path, err := t.gen.Next()
	if err != nil {
		return Losses{}, err
	}
	moving, err := data.Tensor(vol, t.backend)
	if err != nil {
		return Losses{}, fmt.Errorf("%s: %w", path, err)
	}

	tape := t.backend.Tape()
	tape.StartRecording()
	defer func() {
		tape.Clear()
		tape.StopRecording()
	}()

	t.opt.ZeroGrad()
	warped, flow := t.net.Forward(moving, t.atlas)
	ncc := t.ncc.Forward(t.atlas, warped)
	grad := t.smooth.Forward(flow)
	total := ncc.Add(grad.MulScalar(float32(t.cfg.Lambda)))

	losses := Losses{Total: total.Item(), NCC: ncc.Item(), Grad: grad.Item()}
	if !losses.Finite() {
		return losses, fmt.Errorf("%w (total %v, ncc %v, grad %v)", ErrNonFiniteLoss, losses.Total, losses.NCC, losses.Grad)
	}

	grads := autodiff.Backward(total, t.backend)
	t.opt.Step(grads)
	return losses, nil
}

func (t *Trainer[B]) printProgress(step int, l Losses) error {
	if _, err := t.out.WriteString(FormatProgress(step, l) + "\n"); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := t.out.Flush(); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}
	return nil
}

func (t *Trainer[B]) record(ctx context.Context, step int, l Losses) error {
	t.window.Push(float64(l.Total))
	if t.cfg.Plot {
		t.history.Add(int64(step), float64(l.Total), float64(l.NCC), float64(l.Grad))
	}
	if t.ledger == nil {
		return nil
	}
	err := t.ledger.RecordStep(ctx, t.runID, runlog.Step{
		Step:  int64(step),
		Total: float64(l.Total),
		NCC:   float64(l.NCC),
		Grad:  float64(l.Grad),
	})
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", step, err)
	}
	return nil
}

func (t *Trainer[B]) checkpoint(ctx context.Context, step int, l Losses) error {
	path := CheckpointPath(t.modelDir, step)
	ckpt := &nn.Checkpoint[*autodiff.AutodiffBackend[B]]{
		Model:     t.net,
		Optimizer: t.opt,
		ModelType: "voxelmorph-" + string(t.net.Variant()),
		Step:      int64(step),
		Loss:      float64(l.Total),
		Losses:    map[string]float64{"ncc": float64(l.NCC), "grad": float64(l.Grad)},
		Metadata:  t.metadata(),
		CreatedAt: time.Now().UTC(),
	}
	if err := ckpt.Save(path); err != nil {
		return fmt.Errorf("checkpoint at step %d: %w", step, err)
	}
	ctxlog.FromContext(ctx).Info("saved checkpoint", "step", step, "path", path)

	if t.ledger != nil {
		err := t.ledger.RecordCheckpoint(ctx, t.runID, runlog.Checkpoint{Step: int64(step), Path: path, Total: float64(l.Total)})
		if err != nil {
			return fmt.Errorf("failed to record checkpoint: %w", err)
		}
	}
	t.savePlot(ctx)
	return nil
}

func (t *Trainer[B]) metadata() map[string]any {
	meta := t.sel.Metadata(t.backend.Inner().Name())
	meta["save_name"] = t.cfg.SaveName
	meta["model"] = string(t.net.Variant())
	meta["vol_shape"] = t.net.VolShape()
	meta["lr"] = t.cfg.LR
	meta["lambda"] = t.cfg.Lambda
	meta["ncc_window"] = t.ncc.Window()
	meta["optimizer"] = t.opt.Name()
	meta["seed"] = t.cfg.Seed
	if t.runID != uuid.Nil {
		meta["run_id"] = t.runID.String()
	}
	return meta
}

// savePlot redraws the loss curve. Failures are logged, not returned.
func (t *Trainer[B]) savePlot(ctx context.Context) {
	if !t.cfg.Plot || t.history.Len() == 0 {
		return
	}
	path := filepath.Join(t.modelDir, PlotFile)
	if err := report.SaveLossPlot(path, t.cfg.SaveName, &t.history); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to plot losses", "path", path, "err", err)
	}
}

func (t *Trainer[B]) startRun(ctx context.Context) error {
	if t.ledger == nil {
		return nil
	}
	cfgJSON, err := json.Marshal(t.cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	t.runID, err = t.ledger.StartRun(ctx, runlog.Run{
		SaveName:   t.cfg.SaveName,
		Model:      t.cfg.Model,
		ConfigJSON: string(cfgJSON),
		Device:     t.sel.String(),
		StartStep:  int64(t.start),
	})
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("recorded run", "run_id", t.runID, "ledger", filepath.Join(t.modelDir, LedgerFile))
	return nil
}

func (t *Trainer[B]) finishRun(ctx context.Context, status string, runErr error) {
	if t.ledger == nil || t.runID == uuid.Nil {
		return
	}
	if err := t.ledger.FinishRun(ctx, t.runID, status, runErr); err != nil {
		ctxlog.FromContext(ctx).Error("failed to finish run record", "run_id", t.runID, "err", err)
	}
}

// Close releases the run ledger.
func (t *Trainer[B]) Close(ctx context.Context) error {
	if t.ledger == nil {
		return nil
	}
	return t.ledger.Close(ctx)
}

// Run builds a Trainer for cfg on inner and trains it to completion.
func Run[B tensor.Backend](ctx context.Context, cfg *config.Config, inner B, sel device.Selection, out io.Writer) (err error) {
	t, err := New(ctx, cfg, inner, sel, out)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, t.Close(context.WithoutCancel(ctx)))
	}()
	return t.Run(ctx)
}
