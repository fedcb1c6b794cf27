package crossval

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/oaikl/kneegrade/training"
)

// ErrInvalidConfig reports a Runner configuration that cannot be run.
var ErrInvalidConfig = errors.New("invalid cross-validation configuration")

// Stage names the step of a fold in which an error happened.
type Stage string

const (
	StageSetup      Stage = "setup"
	StageTrain      Stage = "train"
	StageValidate   Stage = "validate"
	StageCheckpoint Stage = "checkpoint"
)

// FoldError wraps the first error of a run with the fold, epoch and stage it
// came from. Epoch is 0 for setup errors.
type FoldError struct {
	Fold  int
	Epoch int
	Stage Stage
	Err   error
}

func (e *FoldError) Error() string {
	if e.Epoch == 0 {
		return fmt.Sprintf("fold %d %s: %v", e.Fold, e.Stage, e.Err)
	}
	return fmt.Sprintf("fold %d epoch %d %s: %v", e.Fold, e.Epoch, e.Stage, e.Err)
}

func (e *FoldError) Unwrap() error { return e.Err }

// Cause lets errors.Cause from github.com/pkg/errors see through a FoldError.
func (e *FoldError) Cause() error { return e.Err }

// FoldComponents is the fresh per-fold state built by a FoldFactory.
type FoldComponents struct {
	Model     training.Module
	Optimizer training.Optimizer
	Loss      training.Loss
	// Scheduler sets the optimizer's learning rate before every epoch. Nil
	// keeps the rate the optimizer was built with.
	Scheduler training.LRScheduler
}

// FoldFactory builds an untrained model, its optimizer and a loss for one
// fold. It is called once per fold so no state leaks between folds.
type FoldFactory func(fold int) (FoldComponents, error)

// Config controls a cross-validation run.
type Config struct {
	Folds        int
	Epochs       int
	BatchSize    int
	Seed         int64
	Patience     int
	Delta        float64
	NumClasses   int
	ShowProgress bool
	// RunID identifies the run in logs and results. A new one is generated
	// when it is uuid.Nil.
	RunID uuid.UUID
}

// Validate reports configuration errors before any training starts.
func (c Config) Validate() error {
	switch {
	case c.Folds < 2:
		return errors.Wrapf(ErrInvalidSplit, "need at least 2 folds, got %d", c.Folds)
	case c.Epochs < 1:
		return errors.Wrapf(ErrInvalidConfig, "epochs must be at least 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return errors.Wrapf(ErrInvalidConfig, "batch size must be at least 1, got %d", c.BatchSize)
	case c.Patience < 1:
		return errors.Wrapf(ErrInvalidConfig, "patience must be at least 1, got %d", c.Patience)
	case c.Delta < 0:
		return errors.Wrapf(ErrInvalidConfig, "delta must be non-negative, got %v", c.Delta)
	case c.NumClasses < 2:
		return errors.Wrapf(ErrInvalidConfig, "need at least 2 classes, got %d", c.NumClasses)
	}
	return nil
}

// EpochRecord is one entry of a fold's history.
type EpochRecord struct {
	Epoch         int
	TrainLoss     float64
	ValidLoss     float64
	TrainAccuracy float64
	ValidAccuracy float64
	Improved      bool
	Duration      time.Duration
}

// FoldResult is the outcome of one fold.
type FoldResult struct {
	Fold           int
	TrainSize      int
	ValidSize      int
	History        []EpochRecord
	BestEpoch      int
	BestLoss       float64
	StoppedEarly   bool
	CheckpointPath string
	Confusion      *training.ConfusionMatrix // validation confusion of the last epoch
}

// MeanTrainLoss averages the per-epoch train losses of the fold.
func (f FoldResult) MeanTrainLoss() float64 {
	losses := make(stats.Float64Data, len(f.History))
	for i, rec := range f.History {
		losses[i] = rec.TrainLoss
	}
	mean, _ := stats.Mean(losses)
	return mean
}

// MeanValidLoss averages the per-epoch validation losses of the fold.
func (f FoldResult) MeanValidLoss() float64 {
	losses := make(stats.Float64Data, len(f.History))
	for i, rec := range f.History {
		losses[i] = rec.ValidLoss
	}
	mean, _ := stats.Mean(losses)
	return mean
}

// Summary aggregates the per-fold mean losses.
type Summary struct {
	Folds          int
	MeanTrainLoss  float64
	MeanValidLoss  float64
	StdTrainLoss   float64
	StdValidLoss   float64
	ValidAccuracy  float64 // pooled over the last epoch of every fold
	QuadraticKappa float64 // pooled over the last epoch of every fold
}

// Result is everything a run produces.
type Result struct {
	RunID    uuid.UUID
	Folds    []FoldResult
	Summary  Summary
	Duration time.Duration
}

// Runner drives the folds × epochs loop.
type Runner struct {
	config  Config
	factory FoldFactory
	sink    training.CheckpointSink
	logger  *zap.Logger
	out     io.Writer
}

// NewRunner validates cfg and returns a Runner. Progress lines are written to
// out; sink may be nil to skip checkpointing.
func NewRunner(cfg Config, factory FoldFactory, sink training.CheckpointSink, logger *zap.Logger, out io.Writer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "fold factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		config:  cfg,
		factory: factory,
		sink:    sink,
		logger:  logger,
		out:     out,
	}, nil
}

// Run performs K-fold cross-validation over dataset. Folds run one after the
// other; the first error aborts the run and is returned as a *FoldError.
func (r *Runner) Run(ctx context.Context, dataset training.Dataset) (*Result, error) {
	start := time.Now()
	splits, err := KFold{K: r.config.Folds, Shuffle: true, Seed: r.config.Seed}.Split(dataset.Len())
	if err != nil {
		return nil, err
	}

	result := &Result{RunID: r.config.RunID}
	if result.RunID == uuid.Nil {
		result.RunID = uuid.New()
	}
	r.logger.Info("cross-validation started",
		zap.String("run_id", result.RunID.String()),
		zap.Int("samples", dataset.Len()),
		zap.Int("folds", r.config.Folds),
		zap.Int("epochs", r.config.Epochs))

	for i, split := range splits {
		fold := i + 1
		foldResult, err := r.runFold(ctx, dataset, fold, split)
		if err != nil {
			return nil, err
		}
		result.Folds = append(result.Folds, *foldResult)
	}

	summary, err := summarize(result.Folds, r.config.NumClasses)
	if err != nil {
		return nil, errors.Wrap(err, "summarizing folds")
	}
	result.Summary = summary
	result.Duration = time.Since(start)

	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "Performance of %d Fold Cross Validation\n", r.config.Folds)
	fmt.Fprintf(r.out, "Avg Train Loss: %.3f \t Avg Valid Loss: %.3f\n", summary.MeanTrainLoss, summary.MeanValidLoss)

	r.logger.Info("cross-validation finished",
		zap.Float64("mean_train_loss", summary.MeanTrainLoss),
		zap.Float64("mean_valid_loss", summary.MeanValidLoss),
		zap.Float64("std_valid_loss", summary.StdValidLoss),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (r *Runner) runFold(ctx context.Context, dataset training.Dataset, fold int, split Split) (*FoldResult, error) {
	setupErr := func(err error) error {
		return &FoldError{Fold: fold, Stage: StageSetup, Err: err}
	}

	components, err := r.factory(fold)
	if err != nil {
		return nil, setupErr(errors.Wrap(err, "building fold components"))
	}
	if components.Model == nil || components.Optimizer == nil || components.Loss == nil {
		return nil, setupErr(errors.Wrap(ErrInvalidConfig, "fold factory returned incomplete components"))
	}

	trainLoader, err := r.loader(dataset, split.Train, fold, 0)
	if err != nil {
		return nil, setupErr(err)
	}
	validLoader, err := r.loader(dataset, split.Validation, fold, 1)
	if err != nil {
		return nil, setupErr(err)
	}

	monitor, err := training.NewEarlyStopping(r.config.Patience, r.config.Delta, r.sink)
	if err != nil {
		return nil, setupErr(err)
	}

	trainer := training.NewTrainer(components.Model, components.Optimizer, components.Loss, training.TrainerConfig{
		NumClasses:   r.config.NumClasses,
		ShowProgress: r.config.ShowProgress,
		Logger:       r.logger,
	})

	r.logger.Info("fold started",
		zap.Int("fold", fold),
		zap.Int("train_samples", len(split.Train)),
		zap.Int("valid_samples", len(split.Validation)),
		zap.Int("parameters", training.CountParameters(components.Model)))

	foldResult := &FoldResult{
		Fold:      fold,
		TrainSize: len(split.Train),
		ValidSize: len(split.Validation),
		BestLoss:  monitor.BestLoss(),
	}

	baseLR := components.Optimizer.GetLR()
	for epoch := 1; epoch <= r.config.Epochs; epoch++ {
		epochStart := time.Now()
		if components.Scheduler != nil {
			components.Optimizer.SetLR(components.Scheduler.LR(epoch-1, baseLR))
		}

		trainRes, err := trainer.TrainEpoch(ctx, trainLoader, fold, epoch)
		if err != nil {
			return nil, &FoldError{Fold: fold, Epoch: epoch, Stage: StageTrain, Err: err}
		}
		validRes, err := trainer.ValidateEpoch(ctx, validLoader, fold, epoch)
		if err != nil {
			return nil, &FoldError{Fold: fold, Epoch: epoch, Stage: StageValidate, Err: err}
		}

		trainLoss := trainRes.MeanLoss()
		validLoss := validRes.MeanLoss()
		if obs, ok := components.Scheduler.(training.MetricObserver); ok {
			obs.Observe(validLoss)
		}
		fmt.Fprintf(r.out, "Epoch: %d/%d \t Avg Train Loss: %.3f \t Avg Valid Loss: %.3f\n",
			epoch, r.config.Epochs, trainLoss, validLoss)

		decision, err := monitor.Step(validLoss, components.Model, fold, epoch)
		if err != nil {
			return nil, &FoldError{Fold: fold, Epoch: epoch, Stage: StageCheckpoint, Err: err}
		}

		foldResult.History = append(foldResult.History, EpochRecord{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			ValidLoss:     validLoss,
			TrainAccuracy: trainRes.Accuracy(),
			ValidAccuracy: validRes.Accuracy(),
			Improved:      decision.Improved,
			Duration:      time.Since(epochStart),
		})
		foldResult.Confusion = validRes.Confusion

		r.logger.Info("epoch finished",
			zap.Int("fold", fold),
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", trainLoss),
			zap.Float64("valid_loss", validLoss),
			zap.Float64("valid_accuracy", validRes.Accuracy()),
			zap.Float64("lr", components.Optimizer.GetLR()),
			zap.Bool("improved", decision.Improved),
			zap.Int("counter", decision.Counter))

		if decision.Stopped {
			fmt.Fprintln(r.out, "Early stopping")
			foldResult.StoppedEarly = true
			break
		}
	}

	foldResult.BestEpoch = monitor.BestEpoch()
	foldResult.BestLoss = monitor.BestLoss()
	foldResult.CheckpointPath = monitor.LastCheckpoint()

	r.logger.Info("fold finished",
		zap.Int("fold", fold),
		zap.Int("epochs_run", len(foldResult.History)),
		zap.Int("best_epoch", foldResult.BestEpoch),
		zap.Float64("best_loss", foldResult.BestLoss),
		zap.Bool("stopped_early", foldResult.StoppedEarly),
		zap.String("checkpoint", foldResult.CheckpointPath))
	return foldResult, nil
}

// loader builds a shuffling loader over the subset, seeded per fold and role
// so every fold samples reproducibly.
func (r *Runner) loader(dataset training.Dataset, indices []int, fold, role int) (*training.DataLoader, error) {
	subset, err := training.NewSubsetDataset(dataset, indices)
	if err != nil {
		return nil, errors.Wrap(err, "building subset")
	}
	rng := rand.New(rand.NewSource(r.config.Seed + int64(fold)*2 + int64(role)))
	dl, err := training.NewDataLoader(subset, r.config.BatchSize, true, rng)
	if err != nil {
		return nil, errors.Wrap(err, "building data loader")
	}
	return dl, nil
}

func summarize(folds []FoldResult, numClasses int) (Summary, error) {
	trainLosses := make(stats.Float64Data, len(folds))
	validLosses := make(stats.Float64Data, len(folds))
	pooled := training.NewConfusionMatrix(numClasses)
	for i, f := range folds {
		trainLosses[i] = f.MeanTrainLoss()
		validLosses[i] = f.MeanValidLoss()
		if f.Confusion != nil {
			if err := pooled.Merge(f.Confusion); err != nil {
				return Summary{}, err
			}
		}
	}

	s := Summary{Folds: len(folds)}
	var err error
	if s.MeanTrainLoss, err = stats.Mean(trainLosses); err != nil {
		return Summary{}, err
	}
	if s.MeanValidLoss, err = stats.Mean(validLosses); err != nil {
		return Summary{}, err
	}
	if s.StdTrainLoss, err = stats.StandardDeviation(trainLosses); err != nil {
		return Summary{}, err
	}
	if s.StdValidLoss, err = stats.StandardDeviation(validLosses); err != nil {
		return Summary{}, err
	}
	s.ValidAccuracy = pooled.GetAccuracy()
	s.QuadraticKappa = pooled.GetMetric(training.QuadraticKappa)
	return s, nil
}
