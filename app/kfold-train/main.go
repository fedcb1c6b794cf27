// Command kfold-train trains a knee X-ray grading model with K-fold
// cross-validation, early stopping and per-fold checkpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oaikl/kneegrade/checkpoints"
	"github.com/oaikl/kneegrade/config"
	"github.com/oaikl/kneegrade/crossval"
	"github.com/oaikl/kneegrade/logging"
	"github.com/oaikl/kneegrade/models"
	"github.com/oaikl/kneegrade/report"
	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/vision/dataloader"
	"github.com/oaikl/kneegrade/vision/dataset"
	"github.com/oaikl/kneegrade/vision/preprocessing"
)

type args struct {
	Config        string   `arg:"-c,--config" help:"YAML config file"`
	ModelType     *string  `arg:"-m,--model_type" help:"model architecture: linear, mlp or cnn"`
	ImageSize     *int     `arg:"-i,--image_size" help:"side length images are resized to"`
	LearningRate  *float64 `arg:"-l,--learning_rate" help:"optimizer learning rate"`
	LabelFile     *string  `arg:"--label_file" help:"CSV with data,label columns"`
	Epochs        *int     `arg:"--epochs" help:"maximum epochs per fold"`
	Folds         *int     `arg:"--folds" help:"number of cross-validation folds"`
	BatchSize     *int     `arg:"--batch_size" help:"mini-batch size"`
	Seed          *int64   `arg:"--seed" help:"seed for fold splits, shuffling and initialisation"`
	Device        *string  `arg:"--device" help:"compute device"`
	CheckpointDir *string  `arg:"--checkpoint_dir" help:"checkpoint root directory"`
	PlotDir       *string  `arg:"--plot_dir" help:"write per-fold loss curves here"`
	NoProgress    bool     `arg:"--no_progress" help:"disable progress bars"`
	DumpConfig    bool     `arg:"--dump_config" help:"print the effective configuration and exit"`
}

func (args) Description() string {
	return "Train a Kellgren-Lawrence grade classifier with K-fold cross-validation."
}

// apply overrides cfg with every flag that was given.
func (a args) apply(cfg *config.Config) {
	if a.ModelType != nil {
		cfg.Model.Type = *a.ModelType
	}
	if a.ImageSize != nil {
		cfg.Model.ImageSize = *a.ImageSize
	}
	if a.LearningRate != nil {
		cfg.Training.LearningRate = *a.LearningRate
	}
	if a.LabelFile != nil {
		cfg.Data.LabelFile = *a.LabelFile
	}
	if a.Epochs != nil {
		cfg.Training.Epochs = *a.Epochs
	}
	if a.Folds != nil {
		cfg.Training.Folds = *a.Folds
	}
	if a.BatchSize != nil {
		cfg.Training.BatchSize = *a.BatchSize
	}
	if a.Seed != nil {
		cfg.Training.Seed = *a.Seed
	}
	if a.Device != nil {
		cfg.Device.Type = *a.Device
	}
	if a.CheckpointDir != nil {
		cfg.Checkpoint.Dir = *a.CheckpointDir
	}
	if a.PlotDir != nil {
		cfg.Report.PlotDir = *a.PlotDir
	}
	if a.NoProgress {
		cfg.Report.ShowProgress = false
	}
}

func main() {
	var a args
	arg.MustParse(&a)

	cfg, err := config.LoadFile(a.Config)
	if err != nil {
		fail(err)
	}
	a.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fail(err)
	}
	if a.DumpConfig {
		if err := config.Write(os.Stdout, cfg); err != nil {
			fail(err)
		}
		return
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fail(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, afero.NewOsFs(), cfg, logger, os.Stdout); err != nil {
		logger.Error("training failed", zap.Error(err))
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "kfold-train:", err)
	os.Exit(1)
}

// run executes one cross-validation run described by cfg.
func run(ctx context.Context, fs afero.Fs, cfg config.Config, logger *zap.Logger, out io.Writer) error {
	kind, err := models.ParseKind(cfg.Model.Type)
	if err != nil {
		return err
	}
	dev, err := tensor.NewDevice(cfg.Device.Type, cfg.Device.Workers)
	if err != nil {
		return err
	}
	format, err := checkpoints.ParseFormat(cfg.Checkpoint.Format)
	if err != nil {
		return err
	}
	if _, err := newScheduler(cfg.Training); err != nil {
		return errors.Wrap(err, "learning-rate schedule")
	}

	fmt.Fprintf(out, "Model Type : %s\n", kind)
	fmt.Fprintf(out, "Image Size : (%d, %d)\n", cfg.Model.ImageSize, cfg.Model.ImageSize)
	fmt.Fprintf(out, "Learning Rate : %v\n", cfg.Training.LearningRate)

	spec, err := models.Spec(kind, cfg.Model.ImageSize, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	report.PrintArchitecture(out, kind.String(), spec)

	data, err := loadDataset(fs, cfg, dev, logger)
	if err != nil {
		return err
	}

	runID := uuid.New()
	sink, err := checkpoints.NewFileSink(fs, checkpoints.SinkOptions{
		Dir:            cfg.Checkpoint.Dir,
		ModelKind:      kind.String(),
		ImageSize:      cfg.Model.ImageSize,
		NumClasses:     cfg.Model.NumClasses,
		Format:         format,
		RunID:          runID.String(),
		KeepSuperseded: cfg.Checkpoint.KeepSuperseded,
		Tags: map[string]string{
			"optimizer": cfg.Training.Optimizer,
			"loss":      cfg.Training.Loss,
		},
	}, logger)
	if err != nil {
		return err
	}

	runner, err := crossval.NewRunner(crossval.Config{
		Folds:        cfg.Training.Folds,
		Epochs:       cfg.Training.Epochs,
		BatchSize:    cfg.Training.BatchSize,
		Seed:         cfg.Training.Seed,
		Patience:     cfg.Training.Patience,
		Delta:        cfg.Training.Delta,
		NumClasses:   cfg.Model.NumClasses,
		ShowProgress: cfg.Report.ShowProgress,
		RunID:        runID,
	}, newFoldFactory(cfg, kind, dev), sink, logger, out)
	if err != nil {
		return err
	}

	result, err := runner.Run(ctx, data)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	if err := report.WriteFoldTable(out, result); err != nil {
		return errors.Wrap(err, "writing fold table")
	}
	if cfg.Report.PlotDir != "" {
		paths, err := report.WriteLossCurves(fs, cfg.Report.PlotDir, kind.String(), result)
		if err != nil {
			return err
		}
		logger.Info("loss curves written", zap.Strings("paths", paths))
	}
	return nil
}

func loadDataset(fs afero.Fs, cfg config.Config, dev *tensor.Device, logger *zap.Logger) (*dataset.XRayDataset, error) {
	var cache *dataloader.CacheManager
	if cfg.Data.CacheSize > 0 {
		var err error
		if cache, err = dataloader.NewCacheManager(cfg.Data.CacheSize); err != nil {
			return nil, err
		}
	}

	pipeline := preprocessing.EvalPipeline()
	if cfg.Data.Augment {
		pipeline = preprocessing.KneeXRayPipeline()
	}

	data, err := dataset.LoadXRayDataset(fs, cfg.Data.LabelFile, dataset.XRayOptions{
		ImageSize: cfg.Model.ImageSize,
		Root:      cfg.Data.Root,
		Transform: pipeline,
		Seed:      cfg.Training.Seed,
		Cache:     cache,
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading dataset")
	}
	logger.Info("dataset loaded",
		zap.String("label_file", cfg.Data.LabelFile),
		zap.Int("samples", data.Len()),
		zap.Any("grades", data.ClassDistribution()))

	if cfg.Data.Preload && cache != nil {
		if err := data.Preload(dev.Workers); err != nil {
			return nil, errors.Wrap(err, "preloading images")
		}
		logger.Info("images preloaded", zap.Stringer("cache", cache.Stats()))
	}
	return data, nil
}
