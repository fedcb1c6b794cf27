package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler maps a zero-based epoch to a learning rate.
type LRScheduler interface {
	LR(epoch int, baseLR float64) float64
	Name() string
}

// MetricObserver is implemented by schedulers that react to the validation
// loss at the end of every epoch.
type MetricObserver interface {
	Observe(validLoss float64)
}

// ConstantLR keeps the base learning rate.
type ConstantLR struct{}

func (ConstantLR) LR(_ int, baseLR float64) float64 { return baseLR }
func (ConstantLR) Name() string                     { return "ConstantLR" }

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	StepSize int
	Gamma    float64
}

func NewStepLR(stepSize int, gamma float64) (*StepLR, error) {
	if stepSize < 1 {
		return nil, errors.Errorf("step size must be at least 1, got %d", stepSize)
	}
	if gamma <= 0 || gamma >= 1 {
		return nil, errors.Errorf("gamma must be in (0, 1), got %v", gamma)
	}
	return &StepLR{StepSize: stepSize, Gamma: gamma}, nil
}

func (s *StepLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLR) Name() string { return "StepLR" }

// ExponentialLR multiplies the learning rate by Gamma every epoch.
type ExponentialLR struct {
	Gamma float64
}

func NewExponentialLR(gamma float64) (*ExponentialLR, error) {
	if gamma <= 0 || gamma >= 1 {
		return nil, errors.Errorf("gamma must be in (0, 1), got %v", gamma)
	}
	return &ExponentialLR{Gamma: gamma}, nil
}

func (s *ExponentialLR) LR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) Name() string { return "ExponentialLR" }

// CosineAnnealingLR anneals from the base rate to MinLR over TMax epochs and
// stays at MinLR afterwards.
type CosineAnnealingLR struct {
	TMax  int
	MinLR float64
}

func NewCosineAnnealingLR(tMax int, minLR float64) (*CosineAnnealingLR, error) {
	if tMax < 1 {
		return nil, errors.Errorf("t_max must be at least 1, got %d", tMax)
	}
	if minLR < 0 {
		return nil, errors.Errorf("min_lr must be non-negative, got %v", minLR)
	}
	return &CosineAnnealingLR{TMax: tMax, MinLR: minLR}, nil
}

func (s *CosineAnnealingLR) LR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.MinLR
	}
	return s.MinLR + (baseLR-s.MinLR)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateau multiplies the learning rate by Factor once the
// validation loss has not dropped by more than Threshold for Patience epochs.
// It holds state and must not be shared between folds.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	best      float64
	badEpochs int
	scale     float64
	seen      bool
}

func NewReduceLROnPlateau(factor float64, patience int, threshold float64) (*ReduceLROnPlateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, errors.Errorf("factor must be in (0, 1), got %v", factor)
	}
	if patience < 1 {
		return nil, errors.Errorf("patience must be at least 1, got %d", patience)
	}
	if threshold < 0 {
		return nil, errors.Errorf("threshold must be non-negative, got %v", threshold)
	}
	return &ReduceLROnPlateau{Factor: factor, Patience: patience, Threshold: threshold, scale: 1}, nil
}

func (s *ReduceLROnPlateau) Observe(validLoss float64) {
	if !s.seen || validLoss < s.best-s.Threshold {
		s.best = validLoss
		s.badEpochs = 0
		s.seen = true
		return
	}
	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateau) LR(_ int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateau) Name() string { return "ReduceLROnPlateau" }
