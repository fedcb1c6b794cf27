package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	Dropout
	Flatten
	GlobalAvgPool2D
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case Flatten:
		return "Flatten"
	case GlobalAvgPool2D:
		return "GlobalAvgPool2D"
	default:
		return "Unknown"
	}
}

// LayerSpec defines one layer as pure configuration. Shapes exclude the batch
// dimension.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Computed during model compilation
	InputShape      []int   `json:"input_shape,omitempty"`
	OutputShape     []int   `json:"output_shape,omitempty"`
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as a list of layer specs.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
}

// NewModelBuilder creates a builder for samples of the given shape, e.g.
// [channels, height, width].
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddDense adds a dense layer. Inputs with more than one dimension are
// flattened first.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
		},
	})
}

func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       Dropout,
		Name:       name,
		Parameters: map[string]interface{}{"rate": rate},
	})
}

func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

func (mb *ModelBuilder) AddGlobalAvgPool2D(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool2D, Name: name})
}

// Compile computes shapes and parameter counts for every layer.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) == 0 {
		return nil, fmt.Errorf("input shape is required")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	currentShape := model.InputShape
	for i, src := range mb.layers {
		layer := src
		layer.Parameters = make(map[string]interface{}, len(src.Parameters))
		for k, v := range src.Parameters {
			layer.Parameters[k] = v
		}
		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := computeLayerInfo(&layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		model.Layers[i] = layer
		model.ParameterShapes = append(model.ParameterShapes, paramShapes...)
		model.TotalParameters += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.Compiled = true
	return model, nil
}

func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case Flatten:
		return []int{product(inputShape)}, nil, 0, nil
	case GlobalAvgPool2D:
		if len(inputShape) != 3 {
			return nil, nil, 0, fmt.Errorf("global average pooling requires [channels, height, width] input, got %v", inputShape)
		}
		return []int{inputShape[0]}, nil, 0, nil
	case ReLU, Dropout:
		if layer.Type == Dropout {
			rate, ok := layer.Parameters["rate"].(float64)
			if !ok || rate < 0 || rate >= 1 {
				return nil, nil, 0, fmt.Errorf("dropout rate must be in [0, 1)")
			}
		}
		return append([]int(nil), inputShape...), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize < 1 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}
	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	inputSize := product(inputShape)
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{outputSize}, paramShapes, paramCount, nil
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("Conv2D layer requires [channels, height, width] input, got %v", inputShape)
	}

	outputChannels, ok := layer.Parameters["output_channels"].(int)
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing output_channels parameter")
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride, ok := layer.Parameters["stride"].(int)
	if !ok {
		stride = 1
	}
	padding, ok := layer.Parameters["padding"].(int)
	if !ok {
		padding = 0
	}
	useBias := true
	if bias, exists := layer.Parameters["use_bias"].(bool); exists {
		useBias = bias
	}

	inputChannels := inputShape[0]
	layer.Parameters["input_channels"] = inputChannels

	geom := tensor.ConvGeometry{
		Channels: inputChannels,
		Height:   inputShape[1],
		Width:    inputShape[2],
		Kernel:   kernelSize,
		Stride:   stride,
		Padding:  padding,
	}
	if kernelSize < 1 || stride < 1 || geom.Height+2*padding < kernelSize || geom.Width+2*padding < kernelSize {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}
	outH, outW := geom.OutputSize()
	if outH < 1 || outW < 1 {
		return nil, nil, 0, fmt.Errorf("kernel %d does not fit input %v", kernelSize, inputShape)
	}

	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}
	return []int{outputChannels, outH, outW}, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 3 {
		return nil, nil, 0, fmt.Errorf("MaxPool2D requires [channels, height, width] input, got %v", inputShape)
	}
	kernelSize, ok := layer.Parameters["kernel_size"].(int)
	if !ok || kernelSize < 1 {
		return nil, nil, 0, fmt.Errorf("missing kernel_size parameter")
	}
	stride, ok := layer.Parameters["stride"].(int)
	if !ok {
		stride = kernelSize
	}
	if stride < 1 {
		return nil, nil, 0, fmt.Errorf("invalid pool stride %d", stride)
	}
	if inputShape[1] < kernelSize || inputShape[2] < kernelSize {
		return nil, nil, 0, fmt.Errorf("pool kernel %d does not fit input %v", kernelSize, inputShape)
	}
	outH := (inputShape[1]-kernelSize)/stride + 1
	outW := (inputShape[2]-kernelSize)/stride + 1
	if outH < 1 || outW < 1 {
		return nil, nil, 0, fmt.Errorf("pool kernel %d does not fit input %v", kernelSize, inputShape)
	}
	return []int{inputShape[0], outH, outW}, nil, 0, nil
}

// Build instantiates the compiled model on dev, drawing initial weights and
// dropout masks from rng.
func (ms *ModelSpec) Build(dev *tensor.Device, rng *rand.Rand) (*training.Sequential, error) {
	if !ms.Compiled {
		return nil, fmt.Errorf("model is not compiled")
	}

	seq := training.NewSequential()
	for _, layer := range ms.Layers {
		useBias := true
		if bias, ok := layer.Parameters["use_bias"].(bool); ok {
			useBias = bias
		}
		switch layer.Type {
		case Dense:
			if len(layer.InputShape) > 1 {
				seq.Add(training.NewFlatten())
			}
			l, err := training.NewLinear(dev, layer.Parameters["input_size"].(int), layer.Parameters["output_size"].(int), useBias, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
			}
			seq.Add(l)
		case Conv2D:
			c, err := training.NewConv2D(dev,
				layer.Parameters["input_channels"].(int),
				layer.Parameters["output_channels"].(int),
				layer.Parameters["kernel_size"].(int),
				intParam(layer.Parameters, "stride", 1),
				intParam(layer.Parameters, "padding", 0),
				useBias, rng)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
			}
			seq.Add(c)
		case ReLU:
			seq.Add(training.NewReLU())
		case MaxPool2D:
			k := layer.Parameters["kernel_size"].(int)
			seq.Add(training.NewMaxPool2D(k, intParam(layer.Parameters, "stride", k)))
		case Dropout:
			d, err := training.NewDropout(layer.Parameters["rate"].(float64), rng)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %v", layer.Name, err)
			}
			seq.Add(d)
		case Flatten:
			seq.Add(training.NewFlatten())
		case GlobalAvgPool2D:
			seq.Add(training.NewGlobalAvgPool2D())
		default:
			return nil, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
		}
	}
	return seq, nil
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %s\n", humanize.Comma(ms.TotalParameters))
	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "  %2d %-10s %-16s %v -> %v  params=%s\n", i+1, layer.Name, layer.Type,
			layer.InputShape, layer.OutputShape, humanize.Comma(layer.ParameterCount))
	}
	return sb.String()
}

func intParam(params map[string]interface{}, key string, fallback int) int {
	if v, ok := params[key].(int); ok {
		return v
	}
	return fallback
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
