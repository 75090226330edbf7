// Package device places batch tensors where the model computes.
package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"gorgonia.org/tensor"
)

// ErrUnsupported is returned by Parse for devices this build cannot drive.
var ErrUnsupported = errors.New("device: unsupported")

// Device moves tensors into the representation the model consumes.
type Device interface {
	String() string
	Place(t *tensor.Dense) (*tensor.Dense, error)
}

// CPU keeps tensors in host memory and widens float32 data to float64.
type CPU struct{}

func (CPU) String() string { return "cpu" }

// Place returns t unchanged unless it holds float32 data.
func (CPU) Place(t *tensor.Dense) (*tensor.Dense, error) {
	if t == nil {
		return nil, errors.New("device: nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return t, nil
	}
	var src []float32
	switch v := t.Data().(type) {
	case []float32:
		src = v
	case float32:
		src = []float32{v}
	default:
		return nil, fmt.Errorf("device: unexpected backing %T", v)
	}
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return tensor.New(tensor.WithShape(t.Shape().Clone()...), tensor.WithBacking(dst)), nil
}

// Parse resolves a device name. The empty name selects the CPU.
func Parse(name string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
}

// Describe summarizes the host CPU for startup logs.
func Describe() string {
	return fmt.Sprintf("%s physical_cores=%d logical_cores=%d avx2=%t",
		cpuid.CPU.BrandName,
		cpuid.CPU.PhysicalCores,
		cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2),
	)
}

// DefaultWorkers is the data-loading parallelism used when none is
// configured.
func DefaultWorkers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return 1
}
