package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kws-forge/internal/config"
	"kws-forge/internal/dataset"
	"kws-forge/internal/device"
	"kws-forge/internal/model"
	"kws-forge/internal/optim"
	"kws-forge/internal/report"
	"kws-forge/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/kws.yaml", "Path to YAML config")
	trainRoots := flag.String("train-roots", "", "Override training roots (comma separated)")
	cvRoots := flag.String("cv-roots", "", "Override cv roots (comma separated)")
	testRoots := flag.String("test-roots", "", "Override test roots (comma separated)")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of shard reader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	deviceName := flag.String("device", "", "Compute device")
	lr := flag.Float64("lr", 0, "Learning rate")
	criterion := flag.String("criterion", "", "Loss criterion")
	listen := flag.String("listen", "", "Serve the dashboard feed on this address")
	logEvery := flag.Int("log-every", 0, "Log throughput every N batches")
	debug := flag.Bool("debug", false, "Log every log_interval-th batch")

	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		TrainRoots: splitRoots(*trainRoots),
		CVRoots:    splitRoots(*cvRoots),
		TestRoots:  splitRoots(*testRoots),
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		Device:     *deviceName,
		LR:         *lr,
		Criterion:  *criterion,
		Listen:     *listen,
		LogEvery:   *logEvery,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	dev, err := device.Parse(cfg.Device)
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = device.DefaultWorkers()
	}
	logger.Info("device", "name", dev.String(), "host", device.Describe(), "workers", cfg.NumWorkers)

	trainShards := discover(logger, "train", cfg.TrainRoots)
	cvShards := discover(logger, "cv", cfg.CVRoots)
	var testShards map[string][]string
	if len(cfg.TestRoots) > 0 {
		testShards = discover(logger, "test", cfg.TestRoots)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	modelCfg := cfg.Model
	modelCfg.Seed = cfg.Seed
	m := model.NewFrameDNN(modelCfg)
	inputDim := m.Config().InputDim

	opt, err := optim.New(cfg.Optim, m.Parameters())
	if err != nil {
		log.Fatalf("optimizer: %v", err)
	}

	reporters := []trainer.Reporter{report.Throughput(logger, cfg.Report.LogEvery)}
	if cfg.Report.Listen != "" {
		b := report.NewBroadcaster(logger)
		reporters = append(reporters, b.Report)
		go func() {
			if err := report.Serve(ctx, cfg.Report.Listen, b, logger); err != nil {
				logger.Error("dashboard feed stopped", "err", err)
			}
		}()
	}
	exec := trainer.New(
		trainer.WithLogger(logger),
		trainer.WithReporter(report.Multi(reporters...)),
	)

	loaderFor := func(roots map[string][]string, shuffle bool) trainer.SourceFunc {
		return func(ctx context.Context, epoch int) (trainer.Source, error) {
			return dataset.NewLoader(ctx, dataset.LoaderOptions{
				Roots:      roots,
				BatchSize:  cfg.BatchSize,
				NumWorkers: cfg.NumWorkers,
				Seed:       cfg.Seed + int64(epoch),
				Shuffle:    shuffle,
				InputDim:   inputDim,
			})
		}
	}

	opts := trainer.Options{
		GradClip:    cfg.Training.GradClip,
		LogInterval: cfg.Training.LogInterval,
		MinDuration: cfg.Training.MinDuration,
		Criterion:   cfg.Training.Criterion,
	}
	summaries, err := exec.Run(ctx, m, opt, dev, trainer.RunConfig{
		Epochs:  cfg.Epochs,
		Options: opts,
		Train:   loaderFor(trainShards, cfg.Shuffle),
		CV:      loaderFor(cvShards, false),
	})
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	if n := len(summaries); n > 0 {
		last := summaries[n-1]
		logger.Info("training done", "epochs", n, "step", exec.Step(), "cv_loss", last.CV.Loss, "cv_acc", last.CV.Acc)
	}

	if testShards == nil {
		return
	}
	src, err := loaderFor(testShards, false)(ctx, 0)
	if err != nil {
		log.Fatalf("test loader: %v", err)
	}
	defer src.(*dataset.Loader).Close()
	opts.Epoch = cfg.Epochs
	res, err := exec.Test(ctx, m, src, dev, opts)
	if err != nil {
		log.Fatalf("test failed: %v", err)
	}
	logger.Info("test done", "loss", res.Loss, "acc", res.Acc, "batches", len(res.Losses))
}

func discover(logger *slog.Logger, split string, roots []string) map[string][]string {
	shards, err := dataset.DiscoverByRoot(roots)
	if err != nil {
		log.Fatalf("discover %s shards: %v", split, err)
	}
	for root, paths := range shards {
		logger.Info("shards", "split", split, "root", root, "count", len(paths))
	}
	return shards
}

func splitRoots(v string) []string {
	var roots []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	return roots
}
