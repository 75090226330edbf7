package optim

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"kws-forge/internal/model"
)

// Adam implements adaptive moment estimation with L2 weight decay folded
// into the gradient.
type Adam struct {
	params      []*model.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdam builds an Adam optimizer over params. Zero betas and eps take
// the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(params []*model.Parameter, cfg Config) *Adam {
	a := &Adam{
		params:      params,
		lr:          cfg.LR,
		beta1:       cfg.Beta1,
		beta2:       cfg.Beta2,
		eps:         cfg.Eps,
		weightDecay: cfg.WeightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	if a.beta1 == 0 {
		a.beta1 = 0.9
	}
	if a.beta2 == 0 {
		a.beta2 = 0.999
	}
	if a.eps == 0 {
		a.eps = 1e-8
	}
	for i, p := range params {
		a.m[i] = make([]float64, len(p.Data()))
		a.v[i] = make([]float64, len(p.Data()))
	}
	return a
}

// ZeroGrad clears every parameter gradient.
func (a *Adam) ZeroGrad() { zeroGrad(a.params) }

// Step applies one bias-corrected Adam update.
func (a *Adam) Step() error {
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		w := p.Data()
		g := append([]float64(nil), p.GradData()...)
		if a.weightDecay != 0 {
			floats.AddScaled(g, a.weightDecay, w)
		}
		m, v := a.m[i], a.v[i]
		for j, gj := range g {
			m[j] = a.beta1*m[j] + (1-a.beta1)*gj
			v[j] = a.beta2*v[j] + (1-a.beta2)*gj*gj
			w[j] -= a.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.eps)
		}
	}
	return nil
}
