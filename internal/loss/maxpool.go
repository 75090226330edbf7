package loss

import (
	"math"

	"gorgonia.org/tensor"
)

const probFloor = 1e-8

// MaxPoolingLoss treats logits as per-frame keyword probabilities. For the
// target keyword the best frame is pushed towards 1, ignoring padding and
// the first minDuration frames; for every other keyword (and for all
// keywords of a filler utterance, target < 0) the worst frame is pushed
// towards 0.
func MaxPoolingLoss(logits, target, lengths *tensor.Dense, minDuration int) (Result, error) {
	v, err := view(logits, target, lengths)
	if err != nil {
		return Result{}, err
	}
	if minDuration < 0 {
		minDuration = 0
	}
	grad := make([]float64, len(v.logits))
	scale := 1 / float64(v.b)

	loss := 0.0
	for i := 0; i < v.b; i++ {
		valid := v.valid(i)
		for j := 0; j < v.k; j++ {
			if v.target[i] == j {
				best, frame := probFloor, -1
				for t := minDuration; t < valid; t++ {
					p := v.logits[v.at(i, t, j)]
					if math.IsNaN(p) {
						best, frame = p, -1
						break
					}
					if p > best {
						best, frame = p, t
					}
				}
				if best > 1 {
					best, frame = 1, -1
				}
				loss -= math.Log(best)
				if frame >= 0 {
					grad[v.at(i, frame, j)] = -scale / best
				}
				continue
			}
			worst, frame := 1.0, -1
			for t := 0; t < valid; t++ {
				q := 1 - v.logits[v.at(i, t, j)]
				if math.IsNaN(q) {
					worst, frame = q, -1
					break
				}
				if q < worst {
					worst, frame = q, t
				}
			}
			if worst < probFloor {
				worst, frame = probFloor, -1
			}
			loss -= math.Log(worst)
			if frame >= 0 {
				grad[v.at(i, frame, j)] = scale / worst
			}
		}
	}

	return Result{
		Loss: loss * scale,
		Acc:  maxPoolingAccuracy(v),
		Grad: tensor.New(tensor.WithShape(v.b, v.t, v.k), tensor.WithBacking(grad)),
	}, nil
}

// maxPoolingAccuracy counts an utterance as correct when its peak keyword
// score clears 0.5 on the target keyword, or stays under 0.5 for filler.
// Padded frames score 0. A NaN score on a valid frame is never correct.
func maxPoolingAccuracy(v batchView) float64 {
	correct := 0
	for i := 0; i < v.b; i++ {
		valid := v.valid(i)
		best, idx := math.Inf(-1), 0
		for j := 0; j < v.k; j++ {
			peak := math.Inf(-1)
			if valid < v.t {
				peak = 0
			}
			for t := 0; t < valid; t++ {
				p := v.logits[v.at(i, t, j)]
				if math.IsNaN(p) {
					peak = p
					break
				}
				if p > peak {
					peak = p
				}
			}
			if math.IsNaN(peak) {
				best = peak
				break
			}
			if peak > best {
				best, idx = peak, j
			}
		}
		if math.IsNaN(best) {
			continue
		}
		if best > 0.5 && idx == v.target[i] {
			correct++
		}
		if best < 0.5 && v.target[i] < 0 {
			correct++
		}
	}
	return float64(correct) / float64(v.b)
}
