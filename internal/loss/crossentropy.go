package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// CrossEntropyLoss mean-pools logits over the valid frames of each
// utterance and applies softmax cross-entropy against the target class.
// minDuration is ignored.
func CrossEntropyLoss(logits, target, lengths *tensor.Dense, _ int) (Result, error) {
	v, err := view(logits, target, lengths)
	if err != nil {
		return Result{}, err
	}
	grad := make([]float64, len(v.logits))
	pooled := make([]float64, v.k)
	probs := make([]float64, v.k)

	loss := 0.0
	correct := 0
	for i := 0; i < v.b; i++ {
		label := v.target[i]
		if label < 0 || label >= v.k {
			return Result{}, fmt.Errorf("loss: target %d out of range [0, %d)", label, v.k)
		}
		valid := v.valid(i)
		if valid == 0 {
			return Result{}, fmt.Errorf("loss: utterance %d has no frames", i)
		}

		for j := range pooled {
			pooled[j] = 0
		}
		for t := 0; t < valid; t++ {
			start := v.at(i, t, 0)
			floats.Add(pooled, v.logits[start:start+v.k])
		}
		floats.Scale(1/float64(valid), pooled)

		lse := floats.LogSumExp(pooled)
		loss += lse - pooled[label]
		if floats.MaxIdx(pooled) == label {
			correct++
		}

		for j, z := range pooled {
			probs[j] = math.Exp(z - lse)
		}
		probs[label] -= 1
		floats.Scale(1/float64(v.b*valid), probs)
		for t := 0; t < valid; t++ {
			start := v.at(i, t, 0)
			copy(grad[start:start+v.k], probs)
		}
	}

	return Result{
		Loss: loss / float64(v.b),
		Acc:  float64(correct) / float64(v.b),
		Grad: tensor.New(tensor.WithShape(v.b, v.t, v.k), tensor.WithBacking(grad)),
	}, nil
}
