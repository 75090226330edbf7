package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"gorgonia.org/tensor"

	"kws-forge/internal/device"
	"kws-forge/internal/loss"
	"kws-forge/internal/model"
	"kws-forge/internal/optim"
)

// Phase names carried by Events.
const (
	PhaseTrain = "train"
	PhaseCV    = "cv"
)

// Source yields batches in processing order and io.EOF when exhausted.
type Source interface {
	Next(ctx context.Context) (model.Batch, error)
}

// Options tunes a single pass. Zero values select the defaults.
type Options struct {
	GradClip    float64 // max global gradient norm, default 50
	LogInterval int     // batches between debug logs, default 10
	Epoch       int     // label for logs and events
	MinDuration int     // frames excluded from keyword max-pooling, training only
	Criterion   string  // default "max_pooling"
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		GradClip:    50.0,
		LogInterval: 10,
		Criterion:   loss.MaxPooling,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.GradClip <= 0 {
		o.GradClip = def.GradClip
	}
	if o.LogInterval <= 0 {
		o.LogInterval = def.LogInterval
	}
	if o.Criterion == "" {
		o.Criterion = def.Criterion
	}
	return o
}

// Event describes one processed batch.
type Event struct {
	Phase       string
	Epoch       int
	Batch       int
	Step        int64
	Utts        int
	Loss        float64
	Acc         float64
	GradNorm    float64 // pre-clip, training only
	SkippedStep bool    // optimizer step withheld for a non-finite norm
	DataTime    time.Duration
	ComputeTime time.Duration
}

// Reporter receives an Event for every processed batch.
type Reporter func(Event)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the progress logger. Batch progress is logged at debug
// level.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithReporter installs a per-batch reporter.
func WithReporter(r Reporter) Option {
	return func(e *Executor) {
		if r != nil {
			e.report = r
		}
	}
}

// Executor runs training and evaluation passes over batch sources.
type Executor struct {
	logger *slog.Logger
	report Reporter
	step   int64
}

// New builds an Executor. Without options it logs to slog.Default and
// reports nowhere.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger: slog.Default(),
		report: func(Event) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step reports the number of training batches processed so far.
func (e *Executor) Step() int64 { return e.step }

// Train runs one epoch over src, updating m through opt, and returns the
// per-batch losses and accuracies in batch order. Batches whose gradient
// norm is not finite are recorded but do not update parameters.
func (e *Executor) Train(ctx context.Context, m model.Model, opt optim.Optimizer, src Source, dev device.Device, o Options) ([]float64, []float64, error) {
	o = o.withDefaults()
	crit, err := loss.Lookup(o.Criterion)
	if err != nil {
		return nil, nil, err
	}

	var losses, accs []float64
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		start := time.Now()
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
		}
		utts := batch.NumUtts()
		if utts == 0 {
			continue
		}
		feats, target, lengths, err := place(dev, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
		}
		dataTime := time.Since(start)

		computeStart := time.Now()
		logits, _, err := m.Forward(feats, model.Train)
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
		}
		res, err := crit(logits, target, lengths, o.MinDuration)
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
		}
		opt.ZeroGrad()
		if err := m.Backward(res.Grad); err != nil {
			return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
		}
		norm := optim.ClipGradNorm(m.Parameters(), o.GradClip)
		finiteNorm := isFinite(norm)
		if finiteNorm {
			if err := opt.Step(); err != nil {
				return nil, nil, fmt.Errorf("trainer: batch %d: %w", idx, err)
			}
		}
		computeTime := time.Since(computeStart)
		e.step++

		if idx%o.LogInterval == 0 {
			e.logger.Debug("TRAIN batch",
				"epoch", o.Epoch,
				"batch", idx,
				"step", e.step,
				"loss", res.Loss,
				"acc", res.Acc,
			)
		}
		losses = append(losses, res.Loss)
		accs = append(accs, res.Acc)
		e.report(Event{
			Phase:       PhaseTrain,
			Epoch:       o.Epoch,
			Batch:       idx,
			Step:        e.step,
			Utts:        utts,
			Loss:        res.Loss,
			Acc:         res.Acc,
			GradNorm:    norm,
			SkippedStep: !finiteNorm,
			DataTime:    dataTime,
			ComputeTime: computeTime,
		})
	}
	return losses, accs, nil
}

// EvalResult holds utterance-weighted means and the raw per-batch values.
type EvalResult struct {
	Loss   float64
	Acc    float64
	Losses []float64
	Accs   []float64
}

// CV evaluates m over src without recording gradients. Means are weighted
// by utterance count and skip batches whose loss is not finite; the
// denominator starts at 1 so an empty pass yields zeros.
func (e *Executor) CV(ctx context.Context, m model.Model, src Source, dev device.Device, o Options) (EvalResult, error) {
	o = o.withDefaults()
	crit, err := loss.Lookup(o.Criterion)
	if err != nil {
		return EvalResult{}, err
	}

	seen := 1
	totalLoss, totalAcc := 0.0, 0.0
	var res EvalResult
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return EvalResult{}, err
		}
		start := time.Now()
		batch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EvalResult{}, fmt.Errorf("trainer: cv batch %d: %w", idx, err)
		}
		utts := batch.NumUtts()
		if utts == 0 {
			continue
		}
		feats, target, lengths, err := place(dev, batch)
		if err != nil {
			return EvalResult{}, fmt.Errorf("trainer: cv batch %d: %w", idx, err)
		}
		dataTime := time.Since(start)

		computeStart := time.Now()
		logits, _, err := m.Forward(feats, model.Eval)
		if err != nil {
			return EvalResult{}, fmt.Errorf("trainer: cv batch %d: %w", idx, err)
		}
		// min duration only shapes the training objective
		r, err := crit(logits, target, lengths, 0)
		if err != nil {
			return EvalResult{}, fmt.Errorf("trainer: cv batch %d: %w", idx, err)
		}
		computeTime := time.Since(computeStart)

		if isFinite(r.Loss) {
			seen += utts
			totalLoss += r.Loss * float64(utts)
			totalAcc += r.Acc * float64(utts)
		}
		if idx%o.LogInterval == 0 {
			e.logger.Debug("CV batch",
				"epoch", o.Epoch,
				"batch", idx,
				"loss", r.Loss,
				"acc", r.Acc,
				"history_loss", totalLoss/float64(seen),
			)
		}
		res.Losses = append(res.Losses, r.Loss)
		res.Accs = append(res.Accs, r.Acc)
		e.report(Event{
			Phase:       PhaseCV,
			Epoch:       o.Epoch,
			Batch:       idx,
			Step:        e.step,
			Utts:        utts,
			Loss:        r.Loss,
			Acc:         r.Acc,
			DataTime:    dataTime,
			ComputeTime: computeTime,
		})
	}
	res.Loss = totalLoss / float64(seen)
	res.Acc = totalAcc / float64(seen)
	return res, nil
}

// Test is CV under the name used for the final held-out pass.
func (e *Executor) Test(ctx context.Context, m model.Model, src Source, dev device.Device, o Options) (EvalResult, error) {
	return e.CV(ctx, m, src, dev, o)
}

func place(dev device.Device, b model.Batch) (feats, target, lengths *tensor.Dense, err error) {
	if feats, err = dev.Place(b.Feats); err != nil {
		return nil, nil, nil, fmt.Errorf("place feats: %w", err)
	}
	if target, err = dev.Place(b.Target); err != nil {
		return nil, nil, nil, fmt.Errorf("place target: %w", err)
	}
	if lengths, err = dev.Place(b.Lengths); err != nil {
		return nil, nil, nil, fmt.Errorf("place lengths: %w", err)
	}
	return feats, target, lengths, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
