package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
	"go.uber.org/zap"

	"github.com/oaikl/kneegrade/tensor"
)

// TrainerConfig holds configuration for the epoch runner
type TrainerConfig struct {
	NumClasses   int  // Width of the model output, used for the confusion matrix
	ShowProgress bool // Draw a progress bar for every pass
	Logger       *zap.Logger
}

// EpochResult holds the outcome of one pass over a loader
type EpochResult struct {
	LossSum   float64 // Sum of per-batch mean losses
	Batches   int
	Samples   int
	Confusion *ConfusionMatrix
	Duration  time.Duration
}

// MeanLoss returns LossSum / Batches, or NaN for an empty pass.
func (r EpochResult) MeanLoss() float64 {
	if r.Batches == 0 {
		return math.NaN()
	}
	return r.LossSum / float64(r.Batches)
}

// Accuracy returns the fraction of correctly classified samples.
func (r EpochResult) Accuracy() float64 {
	if r.Confusion == nil {
		return 0
	}
	return r.Confusion.GetAccuracy()
}

// Trainer runs training and evaluation passes for one model
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainerConfig
	logger    *zap.Logger
}

// NewTrainer creates a new Trainer
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, config TrainerConfig) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.NumClasses <= 0 {
		config.NumClasses = 5
	}
	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		logger:    logger,
	}
}

// Model returns the model being trained.
func (t *Trainer) Model() Module {
	return t.model
}

// TrainEpoch runs one training pass: for every batch it zeroes gradients,
// runs forward, computes the loss, backpropagates and steps the optimizer.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *DataLoader, fold, epoch int) (EpochResult, error) {
	t.model.Train()
	desc := fmt.Sprintf("Fold %d Epoch %d Train", fold, epoch)
	return t.runPass(ctx, loader, desc, t.trainStep)
}

// ValidateEpoch runs one evaluation pass. Dropout is disabled and parameters
// are read through detached views, so the pass records no gradients and
// leaves the model unchanged.
func (t *Trainer) ValidateEpoch(ctx context.Context, loader *DataLoader, fold, epoch int) (EpochResult, error) {
	t.model.Eval()
	desc := fmt.Sprintf("Fold %d Epoch %d Valid", fold, epoch)
	return t.runPass(ctx, loader, desc, t.evalStep)
}

type stepFunc func(batch *Batch) (loss float32, output *tensor.Tensor, err error)

func (t *Trainer) trainStep(batch *Batch) (float32, *tensor.Tensor, error) {
	t.optimizer.ZeroGrad()

	output, err := t.model.Forward(batch.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("forward pass failed: %v", err)
	}

	loss, err := t.criterion.Forward(output, batch.Labels)
	if err != nil {
		return 0, nil, fmt.Errorf("loss computation failed: %v", err)
	}

	lossValue, err := loss.Item()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get loss value: %v", err)
	}

	if err := loss.Backward(); err != nil {
		return 0, nil, fmt.Errorf("backward pass failed: %v", err)
	}

	if err := t.optimizer.Step(); err != nil {
		return 0, nil, fmt.Errorf("optimizer step failed: %v", err)
	}

	return lossValue, output, nil
}

func (t *Trainer) evalStep(batch *Batch) (float32, *tensor.Tensor, error) {
	output, err := t.model.Forward(batch.Data)
	if err != nil {
		return 0, nil, fmt.Errorf("validation forward pass failed: %v", err)
	}

	loss, err := t.criterion.Forward(output, batch.Labels)
	if err != nil {
		return 0, nil, fmt.Errorf("validation loss computation failed: %v", err)
	}

	lossValue, err := loss.Item()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get validation loss value: %v", err)
	}
	return lossValue, output, nil
}

func (t *Trainer) runPass(ctx context.Context, loader *DataLoader, desc string, step stepFunc) (EpochResult, error) {
	start := time.Now()
	result := EpochResult{Confusion: NewConfusionMatrix(t.config.NumClasses)}
	loader.Reset()

	var passErr error
	body := func(i int) bool {
		if err := ctx.Err(); err != nil {
			passErr = err
			return true
		}

		batch, err := loader.Next()
		if err != nil {
			passErr = fmt.Errorf("batch %d: %v", i, err)
			return true
		}
		if batch == nil {
			return true
		}

		lossValue, output, err := step(batch)
		if err != nil {
			passErr = fmt.Errorf("batch %d: %v", i, err)
			return true
		}

		if err := t.updateConfusion(result.Confusion, output, batch.Labels); err != nil {
			passErr = fmt.Errorf("batch %d: %v", i, err)
			return true
		}

		result.LossSum += float64(lossValue)
		result.Batches++
		result.Samples += batch.Size()
		return false
	}

	n := loader.Len()
	if t.config.ShowProgress {
		err := tqdm.With(iterators.Interval(0, n), desc, func(v interface{}) (brk bool) {
			return body(v.(int))
		})
		if err != nil && passErr == nil {
			passErr = err
		}
	} else {
		for i := 0; i < n; i++ {
			if body(i) {
				break
			}
		}
	}

	result.Duration = time.Since(start)
	if passErr != nil {
		return result, fmt.Errorf("%s: %w", desc, passErr)
	}

	t.logger.Debug("pass finished",
		zap.String("pass", desc),
		zap.Int("batches", result.Batches),
		zap.Float64("mean_loss", result.MeanLoss()),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (t *Trainer) updateConfusion(cm *ConfusionMatrix, output, labels *tensor.Tensor) error {
	labels, err := flattenLabels(labels)
	if err != nil {
		return err
	}
	if len(output.Shape) != 2 {
		return fmt.Errorf("model output must be 2D [N, C], got %v", output.Shape)
	}
	return cm.UpdateFromPredictions(output.Data.([]float32), labels.Data.([]int32), output.Shape[0], output.Shape[1])
}
