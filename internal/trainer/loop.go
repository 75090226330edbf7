package trainer

import (
	"context"
	"errors"
	"fmt"

	"kws-forge/internal/device"
	"kws-forge/internal/model"
	"kws-forge/internal/optim"
)

// SourceFunc opens a fresh batch source for the given epoch.
type SourceFunc func(ctx context.Context, epoch int) (Source, error)

// RunConfig captures the knobs required by the epoch loop.
type RunConfig struct {
	Epochs  int
	Options Options
	Train   SourceFunc
	CV      SourceFunc
}

// EpochSummary is the outcome of one train + cv epoch.
type EpochSummary struct {
	Epoch     int
	TrainLoss float64
	Batches   int
	CV        EvalResult
}

// Run executes Epochs rounds of training followed by cross validation.
func (e *Executor) Run(ctx context.Context, m model.Model, opt optim.Optimizer, dev device.Device, cfg RunConfig) ([]EpochSummary, error) {
	if cfg.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if cfg.Train == nil || cfg.CV == nil {
		return nil, errors.New("trainer: train and cv sources are required")
	}

	summaries := make([]EpochSummary, 0, cfg.Epochs)
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		o := cfg.Options
		o.Epoch = epoch

		src, err := openSource(ctx, cfg.Train, epoch)
		if err != nil {
			return summaries, fmt.Errorf("trainer: epoch %d train source: %w", epoch, err)
		}
		losses, _, err := e.Train(ctx, m, opt, src, dev, o)
		closeSource(src)
		if err != nil {
			return summaries, fmt.Errorf("trainer: epoch %d: %w", epoch, err)
		}

		src, err = openSource(ctx, cfg.CV, epoch)
		if err != nil {
			return summaries, fmt.Errorf("trainer: epoch %d cv source: %w", epoch, err)
		}
		cv, err := e.CV(ctx, m, src, dev, o)
		closeSource(src)
		if err != nil {
			return summaries, fmt.Errorf("trainer: epoch %d: %w", epoch, err)
		}

		summary := EpochSummary{
			Epoch:     epoch,
			TrainLoss: mean(losses),
			Batches:   len(losses),
			CV:        cv,
		}
		e.logger.Info("epoch done",
			"epoch", epoch,
			"step", e.step,
			"train_loss", summary.TrainLoss,
			"cv_loss", cv.Loss,
			"cv_acc", cv.Acc,
		)
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func openSource(ctx context.Context, open SourceFunc, epoch int) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return open(ctx, epoch)
}

// closeSource releases sources that hold background readers.
func closeSource(src Source) {
	if c, ok := src.(interface{ Close() }); ok {
		c.Close()
	}
}

// mean skips non-finite values; an empty or all non-finite input yields 0.
func mean(values []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range values {
		if !isFinite(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
