package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"kws-forge/internal/loss"
	"kws-forge/internal/model"
	"kws-forge/internal/optim"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots []string `yaml:"train_roots"`
	CVRoots    []string `yaml:"cv_roots"`
	TestRoots  []string `yaml:"test_roots"`
	Epochs     int      `yaml:"epochs"`
	BatchSize  int      `yaml:"batch_size"`
	NumWorkers int      `yaml:"num_workers"`
	Seed       int64    `yaml:"seed"`
	Shuffle    bool     `yaml:"shuffle"`
	Device     string   `yaml:"device"`

	Model    model.Config `yaml:"model"`
	Optim    optim.Config `yaml:"optim"`
	Training Training     `yaml:"training"`
	Report   Report       `yaml:"report"`
}

// Training holds the per-pass executor options.
type Training struct {
	GradClip    float64 `yaml:"grad_clip"`
	LogInterval int     `yaml:"log_interval"`
	MinDuration int     `yaml:"min_duration"`
	Criterion   string  `yaml:"criterion"`
}

// Report configures progress reporting.
type Report struct {
	// Listen is the address of the WebSocket dashboard feed; empty disables it.
	Listen   string `yaml:"listen"`
	LogEvery int    `yaml:"log_every"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots []string
	CVRoots    []string
	TestRoots  []string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	Device     string
	LR         float64
	Criterion  string
	Listen     string
	LogEvery   int
}

// Load reads a Config from YAML. Callers apply overrides and then Validate.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = o.TrainRoots
	}
	if len(o.CVRoots) > 0 {
		c.CVRoots = o.CVRoots
	}
	if len(o.TestRoots) > 0 {
		c.TestRoots = o.TestRoots
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.LR > 0 {
		c.Optim.LR = o.LR
	}
	if o.Criterion != "" {
		c.Training.Criterion = o.Criterion
	}
	if o.Listen != "" {
		c.Report.Listen = o.Listen
	}
	if o.LogEvery > 0 {
		c.Report.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if len(c.CVRoots) == 0 {
		return errors.New("at least one cv root must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.Model.InputDim < 0 || c.Model.HiddenDim < 0 || c.Model.NumKeywords < 0 {
		return errors.New("model dimensions must not be negative")
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return fmt.Errorf("model.dropout must be in [0, 1) (got %g)", c.Model.Dropout)
	}
	switch c.Model.Output {
	case "", model.OutputSigmoid, model.OutputIdentity:
	default:
		return fmt.Errorf("model.output must be %q or %q (got %q)", model.OutputSigmoid, model.OutputIdentity, c.Model.Output)
	}
	if c.Optim.LR <= 0 {
		c.Optim.LR = 1e-3
	}
	if c.Training.GradClip < 0 {
		return fmt.Errorf("training.grad_clip must be >= 0 (got %g)", c.Training.GradClip)
	}
	if c.Training.MinDuration < 0 {
		return fmt.Errorf("training.min_duration must be >= 0 (got %d)", c.Training.MinDuration)
	}
	if c.Training.Criterion == "" {
		c.Training.Criterion = loss.MaxPooling
	}
	if _, err := loss.Lookup(c.Training.Criterion); err != nil {
		return fmt.Errorf("training.criterion: %w", err)
	}
	if c.Training.Criterion == loss.MaxPooling && c.Model.Output == model.OutputIdentity {
		return errors.New("max_pooling needs probabilities; use model.output sigmoid")
	}
	if c.Report.LogEvery <= 0 {
		c.Report.LogEvery = 50
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}
