package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/oaikl/kneegrade/tensor"
)

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// trackable returns p itself while training and a detached view in evaluation
// mode, so that evaluation never records an autograd graph.
func trackable(p *tensor.Tensor, training bool) *tensor.Tensor {
	if p == nil || training {
		return p
	}
	return p.Detach()
}

// CountParameters returns the total number of scalar parameters of a module.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElems
	}
	return total
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	dev      *tensor.Device
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform weights and
// zero bias.
func NewLinear(dev *tensor.Device, inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear layer size %dx%d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.RandomUniform([]int{inputSize, outputSize}, bound, dev.Type, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		dev:      dev,
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, dev.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(l.dev, input, trackable(l.weight, l.training))
	if err != nil {
		return nil, fmt.Errorf("linear matmul failed: %v", err)
	}

	if l.bias != nil {
		output, err = tensor.AddBiasAutograd(output, trackable(l.bias, l.training))
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %v", err)
		}
	}

	return output, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

func (r *ReLU) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (r *ReLU) Train()                       { r.training = true }
func (r *ReLU) Eval()                        { r.training = false }
func (r *ReLU) IsTraining() bool             { return r.training }

// Conv2D implements a 2D convolution layer over NCHW input.
type Conv2D struct {
	dev      *tensor.Device
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	stride   int
	padding  int
	training bool
}

// NewConv2D creates a new Conv2D layer with He uniform weights and zero bias.
func NewConv2D(dev *tensor.Device, inputChannels, outputChannels, kernelSize, stride, padding int, bias bool, rng *rand.Rand) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid conv2d configuration: in=%d out=%d kernel=%d", inputChannels, outputChannels, kernelSize)
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d stride %d or padding %d", stride, padding)
	}

	fanIn := inputChannels * kernelSize * kernelSize
	bound := math.Sqrt(6.0 / float64(fanIn))
	weight, err := tensor.RandomUniform([]int{outputChannels, inputChannels, kernelSize, kernelSize}, bound, dev.Type, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to create conv weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	conv := &Conv2D{
		dev:      dev,
		weight:   weight,
		stride:   stride,
		padding:  padding,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputChannels}, tensor.Float32, dev.Type)
		if err != nil {
			return nil, fmt.Errorf("failed to create conv bias tensor: %v", err)
		}
		biasT.SetRequiresGrad(true)
		conv.bias = biasT
	}

	return conv, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2DAutograd(c.dev, input, trackable(c.weight, c.training), trackable(c.bias, c.training), c.stride, c.padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{c.weight}
	if c.bias != nil {
		params = append(params, c.bias)
	}
	return params
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// MaxPool2D implements a 2D max pooling layer
type MaxPool2D struct {
	kernelSize int
	stride     int
	training   bool
}

// NewMaxPool2D creates a new MaxPool2D layer
func NewMaxPool2D(kernelSize, stride int) *MaxPool2D {
	return &MaxPool2D{kernelSize: kernelSize, stride: stride, training: true}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2DAutograd(input, m.kernelSize, m.stride)
}

func (m *MaxPool2D) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (m *MaxPool2D) Train()                       { m.training = true }
func (m *MaxPool2D) Eval()                        { m.training = false }
func (m *MaxPool2D) IsTraining() bool             { return m.training }

// GlobalAvgPool2D reduces [N, C, H, W] to [N, C].
type GlobalAvgPool2D struct {
	training bool
}

func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{training: true}
}

func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2DAutograd(input)
}

func (g *GlobalAvgPool2D) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (g *GlobalAvgPool2D) Train()                       { g.training = true }
func (g *GlobalAvgPool2D) Eval()                        { g.training = false }
func (g *GlobalAvgPool2D) IsTraining() bool             { return g.training }

// Flatten reshapes [N, ...] to [N, prod(...)].
type Flatten struct {
	training bool
}

func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects at least 2D input, got shape %v", input.Shape)
	}
	batch := input.Shape[0]
	return tensor.ReshapeAutograd(input, []int{batch, input.NumElems / batch})
}

func (f *Flatten) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (f *Flatten) Train()                       { f.training = true }
func (f *Flatten) Eval()                        { f.training = false }
func (f *Flatten) IsTraining() bool             { return f.training }

// Dropout zeroes activations with probability p while training and is the
// identity in evaluation mode.
type Dropout struct {
	p        float64
	rng      *rand.Rand
	training bool
}

// NewDropout creates a dropout layer drawing its masks from rng.
func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	return &Dropout{p: p, rng: rng, training: true}, nil
}

func (d *Dropout) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.p == 0 {
		return input, nil
	}
	return tensor.DropoutAutograd(input, d.p, d.rng)
}

func (d *Dropout) Parameters() []*tensor.Tensor { return []*tensor.Tensor{} }
func (d *Dropout) Train()                       { d.training = true }
func (d *Dropout) Eval()                        { d.training = false }
func (d *Dropout) IsTraining() bool             { return d.training }

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d (%T) forward failed: %v", i, module, err)
		}
	}
	return output, nil
}

// Parameters returns all trainable parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}
