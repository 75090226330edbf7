// Package loss holds the keyword-spotting training criteria, selected by name.
package loss

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorgonia.org/tensor"

	"kws-forge/internal/model"
)

// Built-in criterion names.
const (
	MaxPooling   = "max_pooling"
	CrossEntropy = "ce"
)

// ErrUnknownCriterion is returned by Lookup for unregistered names.
var ErrUnknownCriterion = errors.New("loss: unknown criterion")

// Result is the scalar loss and accuracy of one batch together with
// dLoss/dLogits, shaped like the logits.
type Result struct {
	Loss float64
	Acc  float64
	Grad *tensor.Dense
}

// Criterion scores (B, T, K) logits against (B) targets with (B) lengths.
type Criterion func(logits, target, lengths *tensor.Dense, minDuration int) (Result, error)

var (
	mu       sync.RWMutex
	registry = map[string]Criterion{
		MaxPooling:   MaxPoolingLoss,
		CrossEntropy: CrossEntropyLoss,
	}
)

// Register adds a criterion under name. It panics on duplicates.
func Register(name string, c Criterion) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[name]; ok {
		panic("loss: duplicate criterion " + name)
	}
	registry[name] = c
}

// Lookup resolves a criterion by name.
func Lookup(name string) (Criterion, error) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownCriterion, name)
	}
	return c, nil
}

// Names lists registered criteria in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type batchView struct {
	b, t, k int
	logits  []float64
	target  []int
	lengths []int
}

func view(logits, target, lengths *tensor.Dense) (batchView, error) {
	if logits == nil || target == nil || lengths == nil {
		return batchView{}, errors.New("loss: nil input")
	}
	shape := logits.Shape()
	if len(shape) != 3 {
		return batchView{}, fmt.Errorf("loss: expected (B, T, K) logits, got %v", shape)
	}
	v := batchView{
		b:       shape[0],
		t:       shape[1],
		k:       shape[2],
		logits:  model.Float64s(logits),
		target:  model.Ints(target),
		lengths: model.Ints(lengths),
	}
	if v.b == 0 {
		return batchView{}, errors.New("loss: empty batch")
	}
	if len(v.logits) != v.b*v.t*v.k {
		return batchView{}, fmt.Errorf("loss: logits must be float64, got %v", logits.Dtype())
	}
	if len(v.target) != v.b {
		return batchView{}, fmt.Errorf("loss: %d targets for %d utterances", len(v.target), v.b)
	}
	if len(v.lengths) != v.b {
		return batchView{}, fmt.Errorf("loss: %d lengths for %d utterances", len(v.lengths), v.b)
	}
	return v, nil
}

// valid reports the number of unpadded frames of utterance i.
func (v batchView) valid(i int) int {
	n := v.lengths[i]
	if n > v.t {
		return v.t
	}
	if n < 0 {
		return 0
	}
	return n
}

func (v batchView) at(i, t, k int) int {
	return (i*v.t+t)*v.k + k
}
