package optim

import (
	"gonum.org/v1/gonum/floats"

	"kws-forge/internal/model"
)

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	params      []*model.Parameter
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

// NewSGD builds an SGD optimizer over params.
func NewSGD(params []*model.Parameter, cfg Config) *SGD {
	s := &SGD{
		params:      params,
		lr:          cfg.LR,
		momentum:    cfg.Momentum,
		weightDecay: cfg.WeightDecay,
	}
	if s.momentum > 0 {
		s.velocity = make([][]float64, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float64, len(p.Data()))
		}
	}
	return s
}

// ZeroGrad clears every parameter gradient.
func (s *SGD) ZeroGrad() { zeroGrad(s.params) }

// Step applies v = μv + g + λw; w -= lr·v.
func (s *SGD) Step() error {
	for i, p := range s.params {
		w := p.Data()
		g := append([]float64(nil), p.GradData()...)
		if s.weightDecay != 0 {
			floats.AddScaled(g, s.weightDecay, w)
		}
		if s.velocity != nil {
			v := s.velocity[i]
			floats.Scale(s.momentum, v)
			floats.Add(v, g)
			g = v
		}
		floats.AddScaled(w, -s.lr, g)
	}
	return nil
}
