package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/oaikl/kneegrade/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make(map[*tensor.Tensor][]float32),
	}

	if momentum > 0 {
		for _, param := range parameters {
			if param.RequiresGrad() {
				sgd.velocities[param] = make([]float32, param.NumElems)
			}
		}
	}

	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	wd := float32(sgd.weightDecay)
	mom := float32(sgd.momentum)

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		grad := param.Grad().Data.([]float32)
		if len(grad) != len(data) {
			return fmt.Errorf("parameter %d: gradient size %d does not match %d", i, len(grad), len(data))
		}

		velocity := sgd.velocities[param]
		for j := range data {
			g := grad[j] + wd*data[j]
			if velocity != nil {
				velocity[j] = mom*velocity[j] + g
				g = velocity[j]
			}
			data[j] -= lr * g
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}

	for _, param := range parameters {
		if param.RequiresGrad() {
			adam.m[param] = make([]float32, param.NumElems)
			adam.v[param] = make([]float32, param.NumElems)
		}
	}

	return adam
}

// NewDefaultAdam uses the customary betas (0.9, 0.999) and eps 1e-8.
func NewDefaultAdam(parameters []*tensor.Tensor, lr float64) *Adam {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0)
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))
	stepSize := adam.lr / bias1

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		grad := param.Grad().Data.([]float32)
		if len(grad) != len(data) {
			return fmt.Errorf("parameter %d: gradient size %d does not match %d", i, len(grad), len(data))
		}

		m, v := adam.m[param], adam.v[param]
		if m == nil || v == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			adam.m[param] = m
			adam.v[param] = v
		}

		for j := range data {
			g := float64(grad[j]) + adam.weightDecay*float64(data[j])
			mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*g
			vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)
			denom := math.Sqrt(vj/bias2) + adam.eps
			data[j] -= float32(stepSize * mj / denom)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// StepCount returns the number of updates applied so far.
func (adam *Adam) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// RMSPropConfig holds the hyperparameters of RMSProp.
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // smoothing constant of the squared-gradient average
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
	Centered     bool // normalise by the estimated gradient variance
}

// DefaultRMSPropConfig returns alpha 0.99, eps 1e-8 and no momentum.
func DefaultRMSPropConfig(lr float64) RMSPropConfig {
	return RMSPropConfig{
		LearningRate: lr,
		Alpha:        0.99,
		Epsilon:      1e-8,
	}
}

// RMSProp implements the RMSProp optimizer
type RMSProp struct {
	parameters []*tensor.Tensor
	config     RMSPropConfig
	squareAvg  map[*tensor.Tensor][]float32
	gradAvg    map[*tensor.Tensor][]float32
	buffer     map[*tensor.Tensor][]float32
	mutex      sync.RWMutex
}

func NewRMSProp(parameters []*tensor.Tensor, config RMSPropConfig) *RMSProp {
	return &RMSProp{
		parameters: parameters,
		config:     config,
		squareAvg:  make(map[*tensor.Tensor][]float32),
		gradAvg:    make(map[*tensor.Tensor][]float32),
		buffer:     make(map[*tensor.Tensor][]float32),
	}
}

func optimizerState(m map[*tensor.Tensor][]float32, param *tensor.Tensor, n int) []float32 {
	s := m[param]
	if s == nil {
		s = make([]float32, n)
		m[param] = s
	}
	return s
}

// Step performs a single optimization step
func (rms *RMSProp) Step() error {
	rms.mutex.Lock()
	defer rms.mutex.Unlock()

	c := rms.config
	for i, param := range rms.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		data, err := param.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %d: %v", i, err)
		}
		grad := param.Grad().Data.([]float32)
		if len(grad) != len(data) {
			return fmt.Errorf("parameter %d: gradient size %d does not match %d", i, len(grad), len(data))
		}

		sq := optimizerState(rms.squareAvg, param, len(data))
		var avg, buf []float32
		if c.Centered {
			avg = optimizerState(rms.gradAvg, param, len(data))
		}
		if c.Momentum > 0 {
			buf = optimizerState(rms.buffer, param, len(data))
		}

		for j := range data {
			g := float64(grad[j]) + c.WeightDecay*float64(data[j])
			s := c.Alpha*float64(sq[j]) + (1-c.Alpha)*g*g
			sq[j] = float32(s)

			variance := s
			if avg != nil {
				a := c.Alpha*float64(avg[j]) + (1-c.Alpha)*g
				avg[j] = float32(a)
				variance -= a * a
			}
			update := g / (math.Sqrt(math.Max(variance, 0)) + c.Epsilon)

			if buf != nil {
				b := c.Momentum*float64(buf[j]) + update
				buf[j] = float32(b)
				update = b
			}
			data[j] -= float32(c.LearningRate * update)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (rms *RMSProp) ZeroGrad() {
	tensor.ZeroGrad(rms.parameters)
}

func (rms *RMSProp) GetLR() float64 {
	rms.mutex.RLock()
	defer rms.mutex.RUnlock()
	return rms.config.LearningRate
}

func (rms *RMSProp) SetLR(lr float64) {
	rms.mutex.Lock()
	defer rms.mutex.Unlock()
	rms.config.LearningRate = lr
}
