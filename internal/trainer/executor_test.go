package trainer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"gorgonia.org/tensor"

	"kws-forge/internal/device"
	"kws-forge/internal/loss"
	"kws-forge/internal/model"
	"kws-forge/internal/optim"
)

// scripted is a criterion that reads loss, accuracy and gradient fill from
// the first frame of the first utterance: logits[0,0,:] = [loss, acc, grad].
const scripted = "trainer-scripted"

var lastMinDuration int

func init() {
	loss.Register(scripted, func(logits, target, lengths *tensor.Dense, minDuration int) (loss.Result, error) {
		lastMinDuration = minDuration
		data := model.Float64s(logits)
		grad := make([]float64, len(data))
		for i := range grad {
			grad[i] = data[2]
		}
		return loss.Result{
			Loss: data[0],
			Acc:  data[1],
			Grad: tensor.New(tensor.WithShape(logits.Shape().Clone()...), tensor.WithBacking(grad)),
		}, nil
	})
}

// echoModel returns its features as logits and pushes the summed logit
// gradient into a single parameter.
type echoModel struct {
	weight *model.Parameter
	modes  []model.Mode
}

func newEchoModel() *echoModel {
	w := model.NewParameter("w", 2)
	w.Data()[0], w.Data()[1] = 0.25, -0.5
	return &echoModel{weight: w}
}

func (m *echoModel) Forward(feats *tensor.Dense, mode model.Mode) (*tensor.Dense, *tensor.Dense, error) {
	m.modes = append(m.modes, mode)
	return feats, nil, nil
}

func (m *echoModel) Backward(grad *tensor.Dense) error {
	sum := 0.0
	for _, g := range model.Float64s(grad) {
		sum += g
	}
	m.weight.GradData()[0] += sum
	m.weight.GradData()[1] += sum
	return nil
}

func (m *echoModel) Parameters() []*model.Parameter { return []*model.Parameter{m.weight} }

type sliceSource struct {
	batches []model.Batch
	next    int
}

func (s *sliceSource) Next(context.Context) (model.Batch, error) {
	if s.next >= len(s.batches) {
		return model.Batch{}, io.EOF
	}
	b := s.batches[s.next]
	s.next++
	return b, nil
}

// scriptedBatch builds a batch of utts single-frame utterances whose
// logits carry the given loss, accuracy and gradient fill.
func scriptedBatch(utts int, lossV, acc, grad float64) model.Batch {
	if utts == 0 {
		return model.Batch{}
	}
	feats := make([]float64, 0, utts*3)
	target := make([]int, utts)
	lengths := make([]int, utts)
	for i := 0; i < utts; i++ {
		feats = append(feats, lossV, acc, grad)
		lengths[i] = 1
	}
	return model.Batch{
		Feats:   tensor.New(tensor.WithShape(utts, 1, 3), tensor.WithBacking(feats)),
		Target:  tensor.New(tensor.WithShape(utts), tensor.WithBacking(target)),
		Lengths: tensor.New(tensor.WithShape(utts), tensor.WithBacking(lengths)),
	}
}

func quietExecutor(opts ...Option) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(append([]Option{WithLogger(logger)}, opts...)...)
}

func scriptedOptions() Options {
	o := DefaultOptions()
	o.Criterion = scripted
	return o
}

func newSGD(t *testing.T, m model.Model) optim.Optimizer {
	t.Helper()
	opt, err := optim.New(optim.Config{Name: "sgd", LR: 0.1}, m.Parameters())
	if err != nil {
		t.Fatalf("optim.New: %v", err)
	}
	return opt
}

func TestDefaultOptions(t *testing.T) {
	o := Options{}.withDefaults()
	if o.GradClip != 50 || o.LogInterval != 10 || o.Criterion != loss.MaxPooling || o.MinDuration != 0 || o.Epoch != 0 {
		t.Fatalf("unexpected defaults %+v", o)
	}
	o = Options{GradClip: 5, LogInterval: 3, Criterion: loss.CrossEntropy, MinDuration: 7}.withDefaults()
	if o.GradClip != 5 || o.LogInterval != 3 || o.Criterion != loss.CrossEntropy || o.MinDuration != 7 {
		t.Fatalf("explicit options overwritten: %+v", o)
	}
}

func TestCVWeightsByUtterances(t *testing.T) {
	src := &sliceSource{batches: []model.Batch{
		scriptedBatch(2, 1.0, 0.8, 0),
		scriptedBatch(3, 2.0, 0.6, 0),
		scriptedBatch(0, 0, 0, 0),
	}}
	m := newEchoModel()
	res, err := quietExecutor().CV(context.Background(), m, src, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	if want := 8.0 / 6.0; math.Abs(res.Loss-want) > 1e-12 {
		t.Fatalf("loss %v want %v", res.Loss, want)
	}
	if want := (0.8*2 + 0.6*3) / 6.0; math.Abs(res.Acc-want) > 1e-12 {
		t.Fatalf("acc %v want %v", res.Acc, want)
	}
	if len(res.Losses) != 2 || len(res.Accs) != 2 {
		t.Fatalf("expected two recorded batches, got %d/%d", len(res.Losses), len(res.Accs))
	}
	for _, mode := range m.modes {
		if mode != model.Eval {
			t.Fatalf("cv forward ran in %v mode", mode)
		}
	}
}

func TestCVSkipsNonFiniteLossInTotals(t *testing.T) {
	src := &sliceSource{batches: []model.Batch{
		scriptedBatch(2, 1.0, 0.5, 0),
		scriptedBatch(4, math.NaN(), 0.9, 0),
		scriptedBatch(3, 3.0, 1.0, 0),
		scriptedBatch(1, math.Inf(1), 0.1, 0),
	}}
	res, err := quietExecutor().CV(context.Background(), newEchoModel(), src, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	denom := 1.0 + 2 + 3
	if want := (1.0*2 + 3.0*3) / denom; math.Abs(res.Loss-want) > 1e-12 {
		t.Fatalf("loss %v want %v", res.Loss, want)
	}
	if want := (0.5*2 + 1.0*3) / denom; math.Abs(res.Acc-want) > 1e-12 {
		t.Fatalf("acc %v want %v", res.Acc, want)
	}
	if len(res.Losses) != 4 {
		t.Fatalf("expected 4 recorded losses, got %d", len(res.Losses))
	}
	if !math.IsNaN(res.Losses[1]) || !math.IsInf(res.Losses[3], 1) {
		t.Fatalf("raw non-finite losses not recorded: %v", res.Losses)
	}
	if res.Accs[1] != 0.9 {
		t.Fatalf("raw accuracy not recorded: %v", res.Accs)
	}
}

func TestCVEmptySourceYieldsZeros(t *testing.T) {
	res, err := quietExecutor().CV(context.Background(), newEchoModel(), &sliceSource{}, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	if res.Loss != 0 || res.Acc != 0 || len(res.Losses) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTestMatchesCV(t *testing.T) {
	batches := []model.Batch{
		scriptedBatch(2, 0.7, 0.5, 0),
		scriptedBatch(5, 0.3, 1.0, 0),
		scriptedBatch(1, math.NaN(), 0, 0),
	}
	exec := quietExecutor()
	cv, err := exec.CV(context.Background(), newEchoModel(), &sliceSource{batches: batches}, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	test, err := exec.Test(context.Background(), newEchoModel(), &sliceSource{batches: batches}, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if math.Float64bits(cv.Loss) != math.Float64bits(test.Loss) || math.Float64bits(cv.Acc) != math.Float64bits(test.Acc) {
		t.Fatalf("means differ: cv=%+v test=%+v", cv, test)
	}
	if len(cv.Losses) != len(test.Losses) {
		t.Fatalf("lengths differ")
	}
	for i := range cv.Losses {
		if math.Float64bits(cv.Losses[i]) != math.Float64bits(test.Losses[i]) ||
			math.Float64bits(cv.Accs[i]) != math.Float64bits(test.Accs[i]) {
			t.Fatalf("batch %d differs", i)
		}
	}
}

func TestTrainSkipsStepOnNonFiniteGradient(t *testing.T) {
	m := newEchoModel()
	before := append([]float64(nil), m.weight.Data()...)
	src := &sliceSource{batches: []model.Batch{scriptedBatch(2, 0.4, 0.5, math.NaN())}}

	var events []Event
	exec := quietExecutor(WithReporter(func(ev Event) { events = append(events, ev) }))
	losses, accs, err := exec.Train(context.Background(), m, newSGD(t, m), src, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(losses) != 1 || len(accs) != 1 || losses[0] != 0.4 || accs[0] != 0.5 {
		t.Fatalf("unexpected metrics %v %v", losses, accs)
	}
	for i, w := range m.weight.Data() {
		if math.Float64bits(w) != math.Float64bits(before[i]) {
			t.Fatalf("param %d changed: %v -> %v", i, before[i], w)
		}
	}
	if len(events) != 1 || !events[0].SkippedStep || !math.IsNaN(events[0].GradNorm) {
		t.Fatalf("expected one skipped-step event, got %+v", events)
	}
}

func TestTrainUpdatesOnFiniteGradient(t *testing.T) {
	m := newEchoModel()
	src := &sliceSource{batches: []model.Batch{scriptedBatch(1, 0.4, 0.5, 1.0)}}
	exec := quietExecutor()
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), src, device.CPU{}, scriptedOptions()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	// grad of 3 per parameter element, norm well below the clip
	if got, want := m.weight.Data()[0], 0.25-0.1*3; math.Abs(got-want) > 1e-12 {
		t.Fatalf("w[0]=%v want %v", got, want)
	}
	if exec.Step() != 1 {
		t.Fatalf("step %d want 1", exec.Step())
	}
}

func TestTrainClipsGradient(t *testing.T) {
	m := newEchoModel()
	src := &sliceSource{batches: []model.Batch{scriptedBatch(1, 0.4, 0.5, 100)}}
	o := scriptedOptions()
	o.GradClip = 1
	var norm float64
	exec := quietExecutor(WithReporter(func(ev Event) { norm = ev.GradNorm }))
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), src, device.CPU{}, o); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if want := math.Sqrt(2) * 300; math.Abs(norm-want) > 1e-9 {
		t.Fatalf("pre-clip norm %v want %v", norm, want)
	}
	moved := math.Hypot(m.weight.Data()[0]-0.25, m.weight.Data()[1]+0.5)
	if math.Abs(moved-0.1) > 1e-6 {
		t.Fatalf("clipped update moved %v, want 0.1", moved)
	}
}

func TestTrainSkipsEmptyBatches(t *testing.T) {
	m := newEchoModel()
	before := append([]float64(nil), m.weight.Data()...)
	src := &sliceSource{batches: []model.Batch{
		scriptedBatch(0, 0, 0, 0),
		{Keys: []string{"a"}},
	}}
	var batches []int
	exec := quietExecutor(WithReporter(func(ev Event) { batches = append(batches, ev.Batch) }))
	losses, accs, err := exec.Train(context.Background(), m, newSGD(t, m), src, device.CPU{}, scriptedOptions())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(losses) != 0 || len(accs) != 0 || len(batches) != 0 || len(m.modes) != 0 {
		t.Fatalf("empty batches were processed")
	}
	for i, w := range m.weight.Data() {
		if w != before[i] {
			t.Fatalf("param %d changed", i)
		}
	}
	if exec.Step() != 0 {
		t.Fatalf("step advanced on empty batches")
	}
}

func TestTrainBatchIndexCountsSkipped(t *testing.T) {
	m := newEchoModel()
	src := &sliceSource{batches: []model.Batch{
		scriptedBatch(1, 0.1, 1, 0),
		scriptedBatch(0, 0, 0, 0),
		scriptedBatch(2, 0.2, 1, 0),
	}}
	var events []Event
	exec := quietExecutor(WithReporter(func(ev Event) { events = append(events, ev) }))
	o := scriptedOptions()
	o.Epoch = 4
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), src, device.CPU{}, o); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Batch != 0 || events[1].Batch != 2 {
		t.Fatalf("batch indices %d,%d want 0,2", events[0].Batch, events[1].Batch)
	}
	if events[1].Step != 2 || events[1].Utts != 2 || events[1].Epoch != 4 || events[1].Phase != PhaseTrain {
		t.Fatalf("unexpected event %+v", events[1])
	}
	for _, mode := range m.modes {
		if mode != model.Train {
			t.Fatalf("train forward ran in %v mode", mode)
		}
	}
}

func TestMinDurationOnlyReachesTraining(t *testing.T) {
	m := newEchoModel()
	o := scriptedOptions()
	o.MinDuration = 9
	exec := quietExecutor()
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), &sliceSource{batches: []model.Batch{scriptedBatch(1, 0, 0, 0)}}, device.CPU{}, o); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if lastMinDuration != 9 {
		t.Fatalf("train passed min duration %d", lastMinDuration)
	}
	if _, err := exec.CV(context.Background(), m, &sliceSource{batches: []model.Batch{scriptedBatch(1, 0, 0, 0)}}, device.CPU{}, o); err != nil {
		t.Fatalf("CV: %v", err)
	}
	if lastMinDuration != 0 {
		t.Fatalf("cv passed min duration %d", lastMinDuration)
	}
}

func TestUnknownCriterion(t *testing.T) {
	o := scriptedOptions()
	o.Criterion = "nope"
	_, err := quietExecutor().CV(context.Background(), newEchoModel(), &sliceSource{}, device.CPU{}, o)
	if !errors.Is(err, loss.ErrUnknownCriterion) {
		t.Fatalf("expected ErrUnknownCriterion, got %v", err)
	}
}

type failingSource struct{ err error }

func (f failingSource) Next(context.Context) (model.Batch, error) { return model.Batch{}, f.err }

func TestSourceErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	m := newEchoModel()
	_, _, err := quietExecutor().Train(context.Background(), m, newSGD(t, m), failingSource{err: boom}, device.CPU{}, scriptedOptions())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
}

func TestTrainHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newEchoModel()
	src := &sliceSource{batches: []model.Batch{scriptedBatch(1, 0, 0, 0)}}
	_, _, err := quietExecutor().Train(ctx, m, newSGD(t, m), src, device.CPU{}, scriptedOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTrainFrameDNNWithMaxPooling(t *testing.T) {
	m := model.NewFrameDNN(model.Config{InputDim: 2, HiddenDim: 8, NumKeywords: 1, Seed: 3})
	opt, err := optim.New(optim.Config{Name: "adam", LR: 0.05}, m.Parameters())
	if err != nil {
		t.Fatalf("optim.New: %v", err)
	}
	// keyword utterances light up feature 0 on one frame, fillers never do
	feats := []float32{
		0, 0, 1, 0, 0, 0,
		0, 0, 0, 0, 0, 0,
	}
	batch := model.Batch{
		Keys:    []string{"kw", "filler"},
		Feats:   tensor.New(tensor.WithShape(2, 3, 2), tensor.WithBacking(feats)),
		Target:  tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{0, -1})),
		Lengths: tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{3, 2})),
	}
	batches := make([]model.Batch, 30)
	for i := range batches {
		batches[i] = batch
	}
	exec := quietExecutor()
	losses, _, err := exec.Train(context.Background(), m, opt, &sliceSource{batches: batches}, device.CPU{}, DefaultOptions())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(losses) != len(batches) {
		t.Fatalf("expected %d losses, got %d", len(batches), len(losses))
	}
	if !(losses[len(losses)-1] < losses[0]) {
		t.Fatalf("loss did not decrease: first=%v last=%v", losses[0], losses[len(losses)-1])
	}
	res, err := exec.CV(context.Background(), m, &sliceSource{batches: []model.Batch{batch}}, device.CPU{}, DefaultOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	if want := 2.0 / 3.0 * res.Losses[0]; math.Abs(res.Loss-want) > 1e-12 {
		t.Fatalf("cv loss %v want %v", res.Loss, want)
	}
}

func TestCVExcludesDivergedModel(t *testing.T) {
	m := model.NewFrameDNN(model.Config{InputDim: 2, HiddenDim: 4, NumKeywords: 1, Seed: 1})
	params := m.Parameters()
	params[len(params)-1].Data()[0] = math.NaN()

	batch := model.Batch{
		Feats:   tensor.New(tensor.WithShape(2, 2, 2), tensor.WithBacking([]float64{1, 0, 0, 1, 0, 0, 1, 1})),
		Target:  tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{0, -1})),
		Lengths: tensor.New(tensor.WithShape(2), tensor.WithBacking([]int{2, 2})),
	}
	res, err := quietExecutor().CV(context.Background(), m, &sliceSource{batches: []model.Batch{batch}}, device.CPU{}, DefaultOptions())
	if err != nil {
		t.Fatalf("CV: %v", err)
	}
	if res.Loss != 0 || res.Acc != 0 {
		t.Fatalf("diverged batch leaked into the means: loss=%v acc=%v", res.Loss, res.Acc)
	}
	if len(res.Losses) != 1 || !math.IsNaN(res.Losses[0]) {
		t.Fatalf("expected one NaN batch loss, got %v", res.Losses)
	}
}

// batchLines returns the batch= values of log lines carrying msg.
func batchLines(t *testing.T, out, msg string) []string {
	t.Helper()
	var batches []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if !strings.Contains(line, `msg="`+msg+`"`) {
			continue
		}
		if !strings.Contains(line, "level=DEBUG") {
			t.Fatalf("progress line not at debug level: %s", line)
		}
		for _, field := range strings.Fields(line) {
			if v, ok := strings.CutPrefix(field, "batch="); ok {
				batches = append(batches, v)
			}
		}
	}
	return batches
}

func TestProgressLogging(t *testing.T) {
	batches := func() []model.Batch {
		return []model.Batch{
			scriptedBatch(1, 0.5, 1, 0),
			scriptedBatch(0, 0, 0, 0),
			scriptedBatch(2, 0.5, 1, 0),
			scriptedBatch(1, 0.5, 1, 0),
			scriptedBatch(3, 0.5, 1, 0),
		}
	}
	o := scriptedOptions()
	o.LogInterval = 2

	var buf bytes.Buffer
	exec := New(WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))
	m := newEchoModel()
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), &sliceSource{batches: batches()}, device.CPU{}, o); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if _, err := exec.CV(context.Background(), m, &sliceSource{batches: batches()}, device.CPU{}, o); err != nil {
		t.Fatalf("CV: %v", err)
	}
	out := buf.String()

	want := "0,2,4"
	if got := strings.Join(batchLines(t, out, "TRAIN batch"), ","); got != want {
		t.Fatalf("train progress at batches %q, want %q\n%s", got, want, out)
	}
	if got := strings.Join(batchLines(t, out, "CV batch"), ","); got != want {
		t.Fatalf("cv progress at batches %q, want %q\n%s", got, want, out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, `msg="CV batch"`) && !strings.Contains(line, "history_loss=") {
			t.Fatalf("cv line without history_loss: %s", line)
		}
	}

	buf.Reset()
	exec = New(WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))))
	if _, _, err := exec.Train(context.Background(), m, newSGD(t, m), &sliceSource{batches: batches()}, device.CPU{}, o); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if _, err := exec.CV(context.Background(), m, &sliceSource{batches: batches()}, device.CPU{}, o); err != nil {
		t.Fatalf("CV: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output at info level, got %q", buf.String())
	}
}
