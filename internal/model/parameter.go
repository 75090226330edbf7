package model

import "gorgonia.org/tensor"

// Parameter is a trainable float64 tensor and its accumulated gradient.
// Value and Grad share storage with the slices returned by Data and
// GradData.
type Parameter struct {
	Name  string
	Value *tensor.Dense
	Grad  *tensor.Dense

	data []float64
	grad []float64
}

// NewParameter allocates a zero-valued parameter of the given shape.
func NewParameter(name string, shape ...int) *Parameter {
	size := 1
	for _, d := range shape {
		size *= d
	}
	p := &Parameter{
		Name: name,
		data: make([]float64, size),
		grad: make([]float64, size),
	}
	p.Value = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(p.data))
	p.Grad = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(p.grad))
	return p
}

// Data exposes the parameter's backing slice.
func (p *Parameter) Data() []float64 { return p.data }

// GradData exposes the gradient's backing slice.
func (p *Parameter) GradData() []float64 { return p.grad }

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.grad {
		p.grad[i] = 0
	}
}

// Float64s returns the elements of a float64 tensor. Scalar-like tensors
// yield a fresh one-element slice, so callers must treat the result as
// read-only.
func Float64s(t *tensor.Dense) []float64 {
	if t == nil {
		return nil
	}
	switch v := t.Data().(type) {
	case []float64:
		return v
	case float64:
		return []float64{v}
	}
	return nil
}

// Ints returns the elements of an int tensor, read-only like Float64s.
func Ints(t *tensor.Dense) []int {
	if t == nil {
		return nil
	}
	switch v := t.Data().(type) {
	case []int:
		return v
	case int:
		return []int{v}
	}
	return nil
}
