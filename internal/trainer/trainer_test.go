package trainer_test

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxelmorph-go/voxelmorph/internal/autodiff"
	"github.com/voxelmorph-go/voxelmorph/internal/backend/cpu"
	"github.com/voxelmorph-go/voxelmorph/internal/config"
	"github.com/voxelmorph-go/voxelmorph/internal/data"
	"github.com/voxelmorph-go/voxelmorph/internal/device"
	"github.com/voxelmorph-go/voxelmorph/internal/nn"
	"github.com/voxelmorph-go/voxelmorph/internal/optim"
	"github.com/voxelmorph-go/voxelmorph/internal/runlog"
	"github.com/voxelmorph-go/voxelmorph/internal/trainer"
	"github.com/voxelmorph-go/voxelmorph/internal/voxelmorph"
)

const edge = 16

// writeVolume stores a float32 [edge]^3 array under key in an .npz file.
func writeVolume(t *testing.T, path, key string, vals []float32) {
	t.Helper()
	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d, %d), }", edge, edge, edge)
	if pad := 64 - (10+len(dict)+1)%64; pad != 64 {
		dict += strings.Repeat(" ", pad)
	}
	dict += "\n"

	var npy bytes.Buffer
	npy.WriteString("\x93NUMPY\x01\x00")
	require.NoError(t, binary.Write(&npy, binary.LittleEndian, uint16(len(dict))))
	npy.WriteString(dict)
	require.NoError(t, binary.Write(&npy, binary.LittleEndian, vals))

	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create(key + ".npy")
	require.NoError(t, err)
	_, err = w.Write(npy.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// blob is a smooth bump centred offset voxels off the middle, plus noise.
func blob(rng *rand.Rand, offset float32) []float32 {
	v := make([]float32, edge*edge*edge)
	for z := range edge {
		for y := range edge {
			for x := range edge {
				dz, dy, dx := float32(z)-8, float32(y)-8-offset, float32(x)-8+offset
				v[(z*edge+y)*edge+x] = 1/(1+(dz*dz+dy*dy+dx*dx)/12) + 0.02*rng.Float32()
			}
		}
	}
	return v
}

// testConfig lays out an atlas, two training volumes and a models dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	rng := rand.New(rand.NewSource(7))

	vols := filepath.Join(root, "train", "vols")
	require.NoError(t, os.MkdirAll(vols, 0o755))
	writeVolume(t, filepath.Join(root, "atlas.npz"), data.AtlasKey, blob(rng, 0))
	writeVolume(t, filepath.Join(vols, "a.npz"), data.VolumeKey, blob(rng, 1))
	writeVolume(t, filepath.Join(vols, "b.npz"), data.VolumeKey, blob(rng, -1))

	cfg := config.Default()
	cfg.Model = "vm1"
	cfg.SaveName = "vm1_test"
	cfg.Iters = 3
	cfg.CheckpointIter = 2
	cfg.LR = 1e-4
	cfg.DataDir = vols
	cfg.Atlas = filepath.Join(root, "atlas.npz")
	cfg.ModelsDir = filepath.Join(root, "models")
	cfg.VolSize = [3]int{edge, edge, edge}
	cfg.NCCWindow = 5
	cfg.LogEvery = 1
	return &cfg
}

var cpuSelection = device.Selection{Requested: -1, Kind: device.CPU}

func progressLines(t *testing.T, out string) []string {
	t.Helper()
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestFormatProgress(t *testing.T) {
	line := trainer.FormatProgress(5000, trainer.Losses{Total: -0.25, NCC: -0.5, Grad: 0.25})
	assert.Equal(t, "5000,1,-0.25,-0.5,0.25", line)

	line = trainer.FormatProgress(0, trainer.Losses{Total: float32(math.NaN())})
	assert.Equal(t, "0,1,NaN,0,0", line)
}

func TestLosses_Finite(t *testing.T) {
	assert.True(t, trainer.Losses{Total: 1, NCC: -1, Grad: 0}.Finite())
	assert.False(t, trainer.Losses{Total: float32(math.Inf(1))}.Finite())
	assert.False(t, trainer.Losses{Grad: float32(math.NaN())}.Finite())
}

func TestRun_WritesProgressAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	var out bytes.Buffer
	tr, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, &out)
	require.NoError(t, err)
	defer tr.Close(ctx)

	require.NoError(t, tr.Run(ctx))

	lines := progressLines(t, out.String())
	require.Len(t, lines, 3)
	for i, line := range lines {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 5, line)
		assert.Equal(t, fmt.Sprint(i), fields[0])
		assert.Equal(t, "1", fields[1])
	}

	dir := cfg.ModelDir()
	assert.FileExists(t, trainer.CheckpointPath(dir, 0))
	assert.NoFileExists(t, trainer.CheckpointPath(dir, 1))
	assert.FileExists(t, trainer.CheckpointPath(dir, 2))
	assert.FileExists(t, filepath.Join(dir, trainer.PlotFile))
	assert.FileExists(t, filepath.Join(dir, trainer.LedgerFile))
}

func TestRun_RecordsLedger(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	tr, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, io.Discard)
	require.NoError(t, err)
	require.NoError(t, tr.Run(ctx))
	id := tr.RunID()
	require.NoError(t, tr.Close(ctx))

	ledger, err := runlog.Open(ctx, filepath.Join(cfg.ModelDir(), trainer.LedgerFile))
	require.NoError(t, err)
	defer ledger.Close(ctx)

	run, err := ledger.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusCompleted, run.Status)
	assert.Equal(t, "vm1", run.Model)
	assert.Equal(t, "cpu", run.Device)

	steps, err := ledger.Steps(ctx, id)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.InDelta(t, s.NCC+cfg.Lambda*s.Grad, s.Total, 1e-5)
		assert.Negative(t, s.NCC)
	}

	ckpts, err := ledger.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, ckpts, 2)
	assert.Equal(t, int64(0), ckpts[0].Step)
	assert.Equal(t, int64(2), ckpts[1].Step)
}

func TestRun_Resume(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RunLog = false
	cfg.Plot = false
	require.NoError(t, trainer.Run(ctx, cfg, cpu.New(), cpuSelection, io.Discard))

	resumed := *cfg
	resumed.Resume = trainer.CheckpointPath(cfg.ModelDir(), 2)
	resumed.Iters = 5

	var out bytes.Buffer
	tr, err := trainer.New(ctx, &resumed, cpu.New(), cpuSelection, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, tr.StartStep())
	require.NoError(t, tr.Run(ctx))
	require.NoError(t, tr.Close(ctx))

	lines := progressLines(t, out.String())
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "3,1,"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "4,1,"), lines[1])
	assert.FileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 4))
	assert.NoFileExists(t, filepath.Join(cfg.ModelDir(), trainer.PlotFile))
}

// parseProgress returns the total loss of a progress line.
func parseProgress(t *testing.T, line string) float64 {
	t.Helper()
	fields := strings.Split(line, ",")
	require.Len(t, fields, 5, line)
	v, err := strconv.ParseFloat(fields[2], 32)
	require.NoError(t, err, line)
	return v
}

func TestRun_ResumeContinuesSampling(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RunLog = false
	cfg.Plot = false
	cfg.Iters = 5
	rng := rand.New(rand.NewSource(11))
	writeVolume(t, filepath.Join(cfg.DataDir, "c.npz"), data.VolumeKey, blob(rng, 2))
	writeVolume(t, filepath.Join(cfg.DataDir, "d.npz"), data.VolumeKey, blob(rng, -2))

	var straight bytes.Buffer
	require.NoError(t, trainer.Run(ctx, cfg, cpu.New(), cpuSelection, &straight))

	split := *cfg
	split.ModelsDir = t.TempDir()
	split.Iters = 3
	require.NoError(t, trainer.Run(ctx, &split, cpu.New(), cpuSelection, io.Discard))

	split.Resume = trainer.CheckpointPath(split.ModelDir(), 2)
	split.Iters = 5
	var resumed bytes.Buffer
	require.NoError(t, trainer.Run(ctx, &split, cpu.New(), cpuSelection, &resumed))

	want := progressLines(t, straight.String())
	got := progressLines(t, resumed.String())
	require.Len(t, want, 5)
	require.Len(t, got, 2)
	for i, line := range got {
		assert.InDelta(t, parseProgress(t, want[3+i]), parseProgress(t, line), 1e-5, line)
	}
}

func TestRun_CheckpointRestoresOptimizer(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RunLog = false
	require.NoError(t, trainer.Run(ctx, cfg, cpu.New(), cpuSelection, io.Discard))

	backend := autodiff.New(cpu.New())
	net, err := voxelmorph.NewUNet(voxelmorph.Config{Variant: voxelmorph.VM1, VolShape: cfg.VolSize}, backend)
	require.NoError(t, err)
	adam := optim.NewAdam(net.Parameters(), optim.AdamConfig{LR: 1e-4}, backend)

	ckpt, err := nn.LoadCheckpoint[*autodiff.AutodiffBackend[*cpu.CPUBackend]](
		trainer.CheckpointPath(cfg.ModelDir(), 2), backend, net, adam)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ckpt.Step)
	assert.Equal(t, int64(3), adam.GetTimestep())
	assert.Equal(t, "voxelmorph-vm1", ckpt.ModelType)
	assert.Equal(t, "vm1_test", ckpt.Metadata["save_name"])
	assert.Contains(t, ckpt.Losses, "ncc")
}

// cancelAfter cancels a context once n progress lines have been written.
type cancelAfter struct {
	mu     sync.Mutex
	n      int
	cancel context.CancelFunc
	buf    bytes.Buffer
}

func (c *cancelAfter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n -= bytes.Count(p, []byte("\n"))
	if c.n <= 0 {
		c.cancel()
	}
	return c.buf.Write(p)
}

func TestRun_InterruptCheckpointsLastStep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Iters = 10
	cfg.CheckpointIter = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &cancelAfter{n: 2, cancel: cancel}

	tr, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, out)
	require.NoError(t, err)
	err = tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	id := tr.RunID()
	require.NoError(t, tr.Close(context.Background()))

	assert.Len(t, progressLines(t, out.buf.String()), 2)
	assert.FileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 0))
	assert.FileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 1))
	assert.NoFileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 2))

	ledger, err := runlog.Open(context.Background(), filepath.Join(cfg.ModelDir(), trainer.LedgerFile))
	require.NoError(t, err)
	defer ledger.Close(context.Background())
	run, err := ledger.Run(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusInterrupted, run.Status)
}

func TestRun_NonFiniteLoss(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	atlas := blob(rand.New(rand.NewSource(1)), 0)
	atlas[edge*edge*8+edge*8+8] = float32(math.NaN())
	writeVolume(t, cfg.Atlas, data.AtlasKey, atlas)

	var out bytes.Buffer
	err := trainer.Run(ctx, cfg, cpu.New(), cpuSelection, &out)
	require.ErrorIs(t, err, trainer.ErrNonFiniteLoss)

	lines := progressLines(t, out.String())
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "0,1,NaN,"), lines[0])
	assert.NoFileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 0))
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("volume shape", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.VolSize = [3]int{32, 32, 32}
		_, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, io.Discard)
		assert.ErrorIs(t, err, data.ErrShapeMismatch)
	})

	t.Run("no volumes", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DataPattern = "*.nii"
		_, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, io.Discard)
		assert.ErrorIs(t, err, data.ErrNoVolumes)
	})

	t.Run("missing atlas", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Atlas = filepath.Join(t.TempDir(), "missing.npz")
		_, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, io.Discard)
		assert.ErrorContains(t, err, "failed to load atlas")
	})

	t.Run("unknown optimizer", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Optimizer = "rmsprop"
		_, err := trainer.New(ctx, cfg, cpu.New(), cpuSelection, io.Discard)
		assert.ErrorContains(t, err, "unknown optimizer")
	})
}

func TestRun_UnreadableVolume(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RunLog = false
	require.NoError(t, os.Remove(filepath.Join(cfg.DataDir, "a.npz")))
	require.NoError(t, os.Remove(filepath.Join(cfg.DataDir, "b.npz")))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "c.npz"), []byte("not a zip"), 0o644))

	var out bytes.Buffer
	err := trainer.Run(ctx, cfg, cpu.New(), cpuSelection, &out)
	assert.ErrorContains(t, err, "step 0")
	assert.Empty(t, out.String())
	assert.NoFileExists(t, trainer.CheckpointPath(cfg.ModelDir(), 0))
}
