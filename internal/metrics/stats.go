package metrics

import (
	"math"
	"time"
)

// Window accumulates per-batch timing and loss across several batches.
type Window struct {
	utts     int
	data     time.Duration
	compute  time.Duration
	batches  int
	lossSum  float64
	lossN    int
	lastLoss float64
	lastAcc  float64
}

// Record adds one processed batch to the window. Non-finite losses are
// kept as the last loss but left out of the average.
func (w *Window) Record(utts int, dataTime, computeTime time.Duration, loss, acc float64) {
	w.utts += utts
	w.data += dataTime
	w.compute += computeTime
	w.batches++
	if !math.IsNaN(loss) && !math.IsInf(loss, 0) {
		w.lossSum += loss
		w.lossN++
	}
	w.lastLoss = loss
	w.lastAcc = acc
}

// Len reports how many batches the window holds.
func (w *Window) Len() int { return w.batches }

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Batches: w.batches}
	total := w.data + w.compute
	if total > 0 {
		snap.UttsPerSec = float64(w.utts) / total.Seconds()
	}
	if w.batches > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.batches)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.batches)
	}
	if w.lossN > 0 {
		snap.AvgLoss = w.lossSum / float64(w.lossN)
	}
	snap.LastLoss = w.lastLoss
	snap.LastAcc = w.lastAcc

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Batches      int
	UttsPerSec   float64
	AvgDataMS    float64
	AvgComputeMS float64
	AvgLoss      float64
	LastLoss     float64
	LastAcc      float64
}
