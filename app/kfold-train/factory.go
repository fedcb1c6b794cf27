package main

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/oaikl/kneegrade/config"
	"github.com/oaikl/kneegrade/crossval"
	"github.com/oaikl/kneegrade/models"
	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
)

// newFoldFactory builds a freshly initialised model, optimizer and loss for
// every fold. Fold k initialises from seed+k.
func newFoldFactory(cfg config.Config, kind models.Kind, dev *tensor.Device) crossval.FoldFactory {
	return func(fold int) (crossval.FoldComponents, error) {
		rng := rand.New(rand.NewSource(cfg.Training.Seed + int64(fold)))
		model, err := models.New(kind, dev, cfg.Model.ImageSize, cfg.Model.NumClasses, rng)
		if err != nil {
			return crossval.FoldComponents{}, err
		}
		opt, err := newOptimizer(cfg.Training, model.Parameters())
		if err != nil {
			return crossval.FoldComponents{}, err
		}
		loss, err := newLoss(cfg.Training.Loss)
		if err != nil {
			return crossval.FoldComponents{}, err
		}
		sched, err := newScheduler(cfg.Training)
		if err != nil {
			return crossval.FoldComponents{}, err
		}
		return crossval.FoldComponents{Model: model, Optimizer: opt, Loss: loss, Scheduler: sched}, nil
	}
}

// newScheduler returns a new schedule on every call; plateau schedules keep
// per-fold state.
func newScheduler(t config.TrainingConfig) (training.LRScheduler, error) {
	s := t.Schedule
	switch s.Type {
	case "constant", "":
		return training.ConstantLR{}, nil
	case "step":
		return training.NewStepLR(s.StepSize, s.Gamma)
	case "exponential":
		return training.NewExponentialLR(s.Gamma)
	case "cosine":
		return training.NewCosineAnnealingLR(t.Epochs, s.MinLR)
	case "plateau":
		return training.NewReduceLROnPlateau(s.Gamma, s.Patience, s.Threshold)
	}
	return nil, errors.Errorf("unknown schedule %q", s.Type)
}

func newOptimizer(t config.TrainingConfig, params []*tensor.Tensor) (training.Optimizer, error) {
	switch t.Optimizer {
	case "adam":
		return training.NewAdam(params, t.LearningRate, 0.9, 0.999, 1e-8, t.WeightDecay), nil
	case "sgd":
		return training.NewSGD(params, t.LearningRate, t.Momentum, t.WeightDecay), nil
	case "rmsprop":
		cfg := training.DefaultRMSPropConfig(t.LearningRate)
		cfg.Momentum = t.Momentum
		cfg.WeightDecay = t.WeightDecay
		return training.NewRMSProp(params, cfg), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", t.Optimizer)
}

func newLoss(name string) (training.Loss, error) {
	switch name {
	case "cross_entropy":
		return training.NewCrossEntropyLoss(), nil
	case "mse":
		return training.NewMSELoss(), nil
	}
	return nil, errors.Errorf("unknown loss %q", name)
}
