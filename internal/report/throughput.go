package report

import (
	"log/slog"
	"sync"

	"kws-forge/internal/metrics"
	"kws-forge/internal/trainer"
)

// Throughput returns a Reporter that aggregates events per phase and logs
// a throughput snapshot every `every` batches of that phase.
func Throughput(logger *slog.Logger, every int) trainer.Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if every <= 0 {
		every = 50
	}
	var mu sync.Mutex
	windows := make(map[string]*metrics.Window)
	return func(ev trainer.Event) {
		mu.Lock()
		defer mu.Unlock()
		w := windows[ev.Phase]
		if w == nil {
			w = &metrics.Window{}
			windows[ev.Phase] = w
		}
		w.Record(ev.Utts, ev.DataTime, ev.ComputeTime, ev.Loss, ev.Acc)
		if w.Len() < every {
			return
		}
		snap := w.Snapshot()
		logger.Info("throughput",
			"phase", ev.Phase,
			"epoch", ev.Epoch,
			"step", ev.Step,
			"batches", snap.Batches,
			"utts_per_sec", snap.UttsPerSec,
			"data_ms", snap.AvgDataMS,
			"compute_ms", snap.AvgComputeMS,
			"avg_loss", snap.AvgLoss,
			"loss", snap.LastLoss,
			"acc", snap.LastAcc,
		)
	}
}

// Multi fans each event out to every non-nil reporter in order.
func Multi(reporters ...trainer.Reporter) trainer.Reporter {
	active := make([]trainer.Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			active = append(active, r)
		}
	}
	return func(ev trainer.Event) {
		for _, r := range active {
			r(ev)
		}
	}
}
