// Package optim updates model parameters from their accumulated gradients.
package optim

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"kws-forge/internal/model"
)

// Optimizer applies accumulated gradients to a fixed parameter set.
type Optimizer interface {
	// ZeroGrad clears every parameter gradient.
	ZeroGrad()
	// Step updates parameters in place from their gradients.
	Step() error
}

// Config selects and tunes an optimizer.
type Config struct {
	Name        string  `yaml:"name"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Eps         float64 `yaml:"eps"`
}

// New builds the optimizer named by cfg.Name ("adam" when empty).
func New(cfg Config, params []*model.Parameter) (Optimizer, error) {
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("optim: lr must be > 0 (got %g)", cfg.LR)
	}
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		return NewAdam(params, cfg), nil
	case "sgd":
		return NewSGD(params, cfg), nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", cfg.Name)
	}
}

// ClipGradNorm rescales gradients so their global L2 norm is at most
// maxNorm and returns the norm measured before clipping. A non-finite norm
// is returned as is and leaves gradients untouched.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		total = math.Hypot(total, floats.Norm(p.GradData(), 2))
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total
	}
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		for _, p := range params {
			floats.Scale(scale, p.GradData())
		}
	}
	return total
}

func zeroGrad(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
