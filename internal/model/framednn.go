package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"
)

// Output activations supported by FrameDNN.
const (
	OutputSigmoid  = "sigmoid"
	OutputIdentity = "identity"
)

// Config describes a FrameDNN.
type Config struct {
	InputDim    int     `yaml:"input_dim"`
	HiddenDim   int     `yaml:"hidden_dim"`
	NumKeywords int     `yaml:"num_keywords"`
	Dropout     float64 `yaml:"dropout"`
	Output      string  `yaml:"output"`
	Seed        int64   `yaml:"-"`
}

// FrameDNN scores every frame independently:
// Linear(D→H) → ReLU → Dropout → Linear(H→K) → Sigmoid.
type FrameDNN struct {
	cfg Config
	w1  *Parameter // (D, H)
	b1  *Parameter // (H)
	w2  *Parameter // (H, K)
	b2  *Parameter // (K)
	rng *rand.Rand

	cache *activations
}

type activations struct {
	x      *mat.Dense // (N, D)
	pre    *mat.Dense // (N, H), before ReLU
	hidden *mat.Dense // (N, H), after ReLU and dropout
	mask   []float64  // dropout scale, nil when dropout is off
	out    []float64  // (N, K), after the output activation
}

// NewFrameDNN constructs the model with Xavier-uniform initialization.
func NewFrameDNN(cfg Config) *FrameDNN {
	if cfg.InputDim <= 0 {
		cfg.InputDim = 40
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = 64
	}
	if cfg.NumKeywords <= 0 {
		cfg.NumKeywords = 1
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		cfg.Dropout = 0
	}
	if cfg.Output == "" {
		cfg.Output = OutputSigmoid
	}
	m := &FrameDNN{
		cfg: cfg,
		w1:  NewParameter("linear1.weight", cfg.InputDim, cfg.HiddenDim),
		b1:  NewParameter("linear1.bias", cfg.HiddenDim),
		w2:  NewParameter("linear2.weight", cfg.HiddenDim, cfg.NumKeywords),
		b2:  NewParameter("linear2.bias", cfg.NumKeywords),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	xavier(m.rng, m.w1.Data(), cfg.InputDim, cfg.HiddenDim)
	xavier(m.rng, m.w2.Data(), cfg.HiddenDim, cfg.NumKeywords)
	return m
}

// Config returns the effective configuration after defaults.
func (m *FrameDNN) Config() Config { return m.cfg }

// Parameters returns weights and biases in layer order.
func (m *FrameDNN) Parameters() []*Parameter {
	return []*Parameter{m.w1, m.b1, m.w2, m.b2}
}

// Forward maps (B, T, D) features to (B, T, K) keyword scores. The auxiliary
// output is the (B, T, H) hidden activation.
func (m *FrameDNN) Forward(feats *tensor.Dense, mode Mode) (*tensor.Dense, *tensor.Dense, error) {
	if feats == nil {
		return nil, nil, errors.New("model: nil features")
	}
	shape := feats.Shape()
	if len(shape) != 3 {
		return nil, nil, fmt.Errorf("model: expected (B, T, D) features, got %v", shape)
	}
	b, t, d := shape[0], shape[1], shape[2]
	if d != m.cfg.InputDim {
		return nil, nil, fmt.Errorf("model: feature dim %d, want %d", d, m.cfg.InputDim)
	}
	if b*t == 0 {
		return nil, nil, fmt.Errorf("model: empty features %v", shape)
	}
	data := Float64s(feats)
	if len(data) != b*t*d {
		return nil, nil, fmt.Errorf("model: features must be float64, got %v", feats.Dtype())
	}
	rows := b * t
	h, k := m.cfg.HiddenDim, m.cfg.NumKeywords

	x := mat.NewDense(rows, d, data)
	var pre mat.Dense
	pre.Mul(x, mat.NewDense(d, h, m.w1.Data()))
	addBias(&pre, m.b1.Data())

	hidden := mat.DenseCopyOf(&pre)
	act := hidden.RawMatrix().Data
	for i, v := range act {
		if v < 0 {
			act[i] = 0
		}
	}
	var mask []float64
	if mode == Train && m.cfg.Dropout > 0 {
		keep := 1 - m.cfg.Dropout
		mask = make([]float64, len(act))
		for i := range act {
			if m.rng.Float64() < keep {
				mask[i] = 1 / keep
			}
			act[i] *= mask[i]
		}
	}

	var z mat.Dense
	z.Mul(hidden, mat.NewDense(h, k, m.w2.Data()))
	addBias(&z, m.b2.Data())
	out := z.RawMatrix().Data
	if m.cfg.Output == OutputSigmoid {
		for i, v := range out {
			out[i] = 1 / (1 + math.Exp(-v))
		}
	}

	if mode == Train {
		m.cache = &activations{x: x, pre: &pre, hidden: hidden, mask: mask, out: out}
	} else {
		m.cache = nil
	}

	logits := tensor.New(tensor.WithShape(b, t, k), tensor.WithBacking(out))
	aux := tensor.New(tensor.WithShape(b, t, h), tensor.WithBacking(act))
	return logits, aux, nil
}

// Backward accumulates gradients for all parameters given dLoss/dLogits.
func (m *FrameDNN) Backward(grad *tensor.Dense) error {
	c := m.cache
	if c == nil {
		return errors.New("model: backward without a train-mode forward")
	}
	m.cache = nil

	g := Float64s(grad)
	if len(g) != len(c.out) {
		return fmt.Errorf("model: gradient has %d elements, want %d", len(g), len(c.out))
	}
	rows, _ := c.x.Dims()
	h, k := m.cfg.HiddenDim, m.cfg.NumKeywords

	dz := make([]float64, len(g))
	copy(dz, g)
	if m.cfg.Output == OutputSigmoid {
		for i, y := range c.out {
			dz[i] *= y * (1 - y)
		}
	}
	dZ := mat.NewDense(rows, k, dz)

	var gw2 mat.Dense
	gw2.Mul(c.hidden.T(), dZ)
	floats.Add(m.w2.GradData(), gw2.RawMatrix().Data)
	addColumnSums(m.b2.GradData(), dz, k)

	var dA mat.Dense
	dA.Mul(dZ, mat.NewDense(h, k, m.w2.Data()).T())
	da := dA.RawMatrix().Data
	pre := c.pre.RawMatrix().Data
	for i := range da {
		switch {
		case pre[i] <= 0:
			da[i] = 0
		case c.mask != nil:
			da[i] *= c.mask[i]
		}
	}

	var gw1 mat.Dense
	gw1.Mul(c.x.T(), &dA)
	floats.Add(m.w1.GradData(), gw1.RawMatrix().Data)
	addColumnSums(m.b1.GradData(), da, h)
	return nil
}

func addBias(m *mat.Dense, bias []float64) {
	raw := m.RawMatrix()
	for r := 0; r < raw.Rows; r++ {
		floats.Add(raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols], bias)
	}
}

func addColumnSums(dst, src []float64, cols int) {
	for r := 0; r+cols <= len(src); r += cols {
		floats.Add(dst, src[r:r+cols])
	}
}

func xavier(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}
