package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gorgonia.org/tensor"

	"kws-forge/internal/model"
)

// LoaderOptions configures a single-pass batch loader.
type LoaderOptions struct {
	Roots      map[string][]string
	BatchSize  int
	NumWorkers int
	Seed       int64
	Shuffle    bool
	// InputDim fixes the feature dimension; zero adopts the first sample's.
	InputDim int
}

// Loader groups sampler output into padded batches.
type Loader struct {
	samples   <-chan Sample
	errs      <-chan error
	cancel    context.CancelFunc
	batchSize int
	dim       int
	done      bool
	dropped   int
}

// NewLoader starts the sampler behind a loader. Close releases it early.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	ctx, cancel := context.WithCancel(ctx)
	samples, errs, err := StartSampler(ctx, SamplerOptions{
		Roots:      opts.Roots,
		Seed:       opts.Seed,
		Shuffle:    opts.Shuffle,
		NumWorkers: opts.NumWorkers,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &Loader{
		samples:   samples,
		errs:      errs,
		cancel:    cancel,
		batchSize: opts.BatchSize,
		dim:       opts.InputDim,
	}, nil
}

// Next returns the next batch, or io.EOF once the pass is exhausted.
// Utterances with no frames or a mismatched feature dimension are dropped.
func (l *Loader) Next(ctx context.Context) (model.Batch, error) {
	samples := make([]Sample, 0, l.batchSize)
	for len(samples) < l.batchSize && !l.done {
		select {
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		case err, ok := <-l.errs:
			if !ok {
				l.errs = nil
				continue
			}
			if err != nil {
				return model.Batch{}, err
			}
		case sample, ok := <-l.samples:
			if !ok {
				l.done = true
				continue
			}
			shape := sample.Feats.Shape()
			if l.dim == 0 {
				l.dim = shape[1]
			}
			if shape[0] == 0 || shape[1] != l.dim {
				l.dropped++
				continue
			}
			samples = append(samples, sample)
		}
	}
	if len(samples) == 0 {
		if l.errs != nil {
			if err := <-l.errs; err != nil {
				return model.Batch{}, err
			}
		}
		return model.Batch{}, io.EOF
	}
	return Collate(samples, l.dim)
}

// Dropped reports how many utterances Next has discarded so far.
func (l *Loader) Dropped() int { return l.dropped }

// Close stops the sampler.
func (l *Loader) Close() { l.cancel() }

// Collate zero-pads (T, D) feature matrices to the longest utterance and
// stacks them into a (B, T, D) float64 batch.
func Collate(samples []Sample, dim int) (model.Batch, error) {
	if len(samples) == 0 {
		return model.Batch{}, errors.New("collate: no samples")
	}
	maxLen := 0
	for _, s := range samples {
		if n := s.Feats.Shape()[0]; n > maxLen {
			maxLen = n
		}
	}

	b := len(samples)
	feats := make([]float64, b*maxLen*dim)
	keys := make([]string, b)
	target := make([]int, b)
	lengths := make([]int, b)
	for i, s := range samples {
		shape := s.Feats.Shape()
		if shape[1] != dim {
			return model.Batch{}, fmt.Errorf("collate: %s has dim %d, want %d", s.Key, shape[1], dim)
		}
		rows, err := float64s(s.Feats)
		if err != nil {
			return model.Batch{}, fmt.Errorf("collate: %s: %w", s.Key, err)
		}
		copy(feats[i*maxLen*dim:], rows)
		keys[i] = s.Key
		target[i] = s.Label
		lengths[i] = shape[0]
	}

	return model.Batch{
		Keys:    keys,
		Feats:   tensor.New(tensor.WithShape(b, maxLen, dim), tensor.WithBacking(feats)),
		Target:  tensor.New(tensor.WithShape(b), tensor.WithBacking(target)),
		Lengths: tensor.New(tensor.WithShape(b), tensor.WithBacking(lengths)),
	}, nil
}

func float64s(t *tensor.Dense) ([]float64, error) {
	switch v := t.Data().(type) {
	case []float64:
		return v, nil
	case float64:
		return []float64{v}, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case float32:
		return []float64{float64(v)}, nil
	default:
		return nil, fmt.Errorf("unsupported feature backing %T", v)
	}
}
