// Package config resolves the training run configuration from built-in
// defaults, an optional YAML file and command-line flags, in that order of
// precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks a configuration that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every setting of a training run.
type Config struct {
	Model          string  `yaml:"model"`
	SaveName       string  `yaml:"save_name"`
	GPU            int     `yaml:"gpu"`
	LR             float64 `yaml:"lr"`
	Iters          int     `yaml:"iters"`
	Lambda         float64 `yaml:"lambda"`
	CheckpointIter int     `yaml:"checkpoint_iter"`

	DataDir     string `yaml:"data_dir"`
	DataPattern string `yaml:"data_pattern"`
	Atlas       string `yaml:"atlas"`
	ModelsDir   string `yaml:"models_dir"`
	VolSize     [3]int `yaml:"vol_size"`

	Optimizer string  `yaml:"optimizer"` // adam or sgd
	Momentum  float64 `yaml:"momentum"`  // sgd only
	NCCWindow int     `yaml:"ncc_window"`

	Resume   string `yaml:"resume"`
	Seed     int64  `yaml:"seed"`
	LogEvery int    `yaml:"log_every"`
	LogLevel string `yaml:"log_level"`
	RunLog   bool   `yaml:"runlog"`
	Plot     bool   `yaml:"plot"`

	// ConfigFile is the YAML file the values were read from, if any.
	ConfigFile string `yaml:"-"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Model:          "vm2",
		GPU:            0,
		LR:             1e-4,
		Iters:          150000,
		Lambda:         1.0,
		CheckpointIter: 5000,
		DataDir:        "../data/train/vols",
		DataPattern:    "*.npz",
		Atlas:          "../data/atlas_norm.npz",
		ModelsDir:      "../models",
		VolSize:        [3]int{160, 192, 224},
		Optimizer:      "adam",
		NCCWindow:      9,
		Seed:           1,
		LogEvery:       100,
		LogLevel:       "info",
		RunLog:         true,
		Plot:           true,
	}
}

// ModelDir is the directory checkpoints of this run are written to.
func (c *Config) ModelDir() string {
	return filepath.Join(c.ModelsDir, c.SaveName)
}

// Load parses args (without the program name). A --config file is applied
// over the defaults, and flags given explicitly are applied over the file.
// The result is validated. flag.ErrHelp is returned for -h.
func Load(args []string, output io.Writer) (*Config, error) {
	// First pass only locates the config file.
	pre := Default()
	fs := newFlagSet(&pre, io.Discard)
	if err := fs.Parse(args); err != nil {
		// Re-parse with real output so usage and the error are printed once.
		cfg := Default()
		return nil, newFlagSet(&cfg, output).Parse(args)
	}

	cfg := Default()
	if pre.ConfigFile != "" {
		if err := cfg.loadFile(pre.ConfigFile); err != nil {
			return nil, err
		}
	}
	if err := newFlagSet(&cfg, output).Parse(args); err != nil {
		return nil, err
	}
	if extra := fs.Args(); len(extra) > 0 {
		return nil, fmt.Errorf("%w: unexpected arguments %v", ErrInvalid, extra)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newFlagSet(cfg *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("voxelmorph-train", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&cfg.Model, "model", cfg.Model, "network variant: vm1 or vm2")
	fs.StringVar(&cfg.SaveName, "save_name", cfg.SaveName, "name of the run; checkpoints go to <models_dir>/<save_name> (required)")
	fs.IntVar(&cfg.GPU, "gpu", cfg.GPU, "GPU id; negative selects the CPU backend")
	fs.Float64Var(&cfg.LR, "lr", cfg.LR, "learning rate")
	fs.IntVar(&cfg.Iters, "iters", cfg.Iters, "number of training iterations")
	fs.Float64Var(&cfg.Lambda, "lambda", cfg.Lambda, "weight of the flow smoothness loss")
	fs.IntVar(&cfg.CheckpointIter, "checkpoint_iter", cfg.CheckpointIter, "save a checkpoint every n iterations")

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML configuration file")
	fs.StringVar(&cfg.DataDir, "data_dir", cfg.DataDir, "directory of training volumes")
	fs.StringVar(&cfg.DataPattern, "data_pattern", cfg.DataPattern, "glob for training volumes inside data_dir")
	fs.StringVar(&cfg.Atlas, "atlas", cfg.Atlas, "atlas volume (.npz with key \"vol\")")
	fs.StringVar(&cfg.ModelsDir, "models_dir", cfg.ModelsDir, "parent directory of run directories")
	fs.Var((*volSize)(&cfg.VolSize), "vol_size", "volume shape D,H,W")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: adam or sgd")
	fs.StringVar(&cfg.Resume, "resume", cfg.Resume, "checkpoint to resume from")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed for initialization and sampling")
	fs.IntVar(&cfg.LogEvery, "log_every", cfg.LogEvery, "log loss statistics every n iterations (0 disables)")
	fs.StringVar(&cfg.LogLevel, "log_level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.RunLog, "runlog", cfg.RunLog, "record the run in <model_dir>/runlog.db")
	fs.BoolVar(&cfg.Plot, "plot", cfg.Plot, "write <model_dir>/loss.png")
	return fs
}

// loadFile decodes a YAML file over c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Model == "vm1" || c.Model == "vm2", "model must be vm1 or vm2, got %q", c.Model)
	check(c.SaveName != "", "save_name is required")
	check(!strings.ContainsAny(c.SaveName, `/\`) && c.SaveName != "." && c.SaveName != "..",
		"save_name %q must be a single path element", c.SaveName)
	check(c.LR > 0 && finite(c.LR), "lr must be positive and finite, got %g", c.LR)
	check(c.Iters >= 0, "iters must not be negative, got %d", c.Iters)
	check(c.Lambda >= 0 && finite(c.Lambda), "lambda must be non-negative and finite, got %g", c.Lambda)
	check(c.CheckpointIter > 0, "checkpoint_iter must be positive, got %d", c.CheckpointIter)
	check(c.DataDir != "", "data_dir is required")
	check(c.Atlas != "", "atlas is required")
	check(c.ModelsDir != "", "models_dir is required")
	volOK := true
	for _, n := range c.VolSize {
		volOK = volOK && n > 0 && n%16 == 0
	}
	check(volOK, "vol_size %v: every axis must be a positive multiple of 16", c.VolSize)
	check(c.Optimizer == "adam" || c.Optimizer == "sgd", "optimizer must be adam or sgd, got %q", c.Optimizer)
	check(c.Momentum >= 0 && c.Momentum < 1, "momentum must be in [0, 1), got %g", c.Momentum)
	check(c.NCCWindow > 0 && c.NCCWindow%2 == 1, "ncc_window must be a positive odd number, got %d", c.NCCWindow)
	check(c.LogEvery >= 0, "log_every must not be negative, got %d", c.LogEvery)
	_, err := ParseLevel(c.LogLevel)
	check(err == nil, "%v", err)

	return errors.Join(errs...)
}

func finite(x float64) bool {
	return !math.IsInf(x, 0) && !math.IsNaN(x)
}

// volSize is a flag.Value for "D,H,W".
type volSize [3]int

func (v *volSize) String() string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d,%d,%d", v[0], v[1], v[2])
}

func (v *volSize) Set(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return fmt.Errorf("want D,H,W, got %q", s)
	}
	var out volSize
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("axis %d: %w", i, err)
		}
		out[i] = n
	}
	*v = out
	return nil
}
