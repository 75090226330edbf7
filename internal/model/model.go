package model

import "gorgonia.org/tensor"

// Mode selects training or evaluation behavior for a forward pass.
type Mode int

const (
	// Train records activations for Backward and enables dropout.
	Train Mode = iota
	// Eval records nothing; Backward after an Eval forward fails.
	Eval
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Eval:
		return "eval"
	default:
		return "unknown"
	}
}

// Batch represents a padded minibatch of utterances.
type Batch struct {
	Keys    []string
	Feats   *tensor.Dense // (B, T, D) float
	Target  *tensor.Dense // (B) int, -1 for filler
	Lengths *tensor.Dense // (B) int, valid frames per utterance
}

// NumUtts reports the number of utterances in the batch.
func (b Batch) NumUtts() int {
	if b.Lengths == nil {
		return 0
	}
	shape := b.Lengths.Shape()
	if len(shape) == 0 {
		return 0
	}
	return shape[0]
}

// Model is the forward/backward contract the executor drives.
type Model interface {
	// Forward maps features to per-frame logits. The second result is an
	// auxiliary output the executor ignores.
	Forward(feats *tensor.Dense, mode Mode) (*tensor.Dense, *tensor.Dense, error)
	// Backward accumulates parameter gradients from dLoss/dLogits of the
	// most recent Train forward.
	Backward(grad *tensor.Dense) error
	Parameters() []*Parameter
}
