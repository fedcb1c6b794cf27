// Package models maps the model kinds selectable on the command line to
// network constructors.
package models

import (
	"math/rand"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/oaikl/kneegrade/layers"
	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
)

// ErrUnknownKind is returned for model names without a constructor.
var ErrUnknownKind = errors.New("unknown model kind")

// Channels is the number of input channels every model expects.
const Channels = 3

// Kind enumerates the available architectures.
type Kind int

const (
	Linear Kind = iota
	MLP
	CNN
)

var kindNames = map[Kind]string{
	Linear: "linear",
	MLP:    "mlp",
	CNN:    "cnn",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind resolves a model name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownKind, "%q (available: %s)", name, strings.Join(Names(), ", "))
}

// Names lists the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type architecture func(b *layers.ModelBuilder, numClasses int) *layers.ModelBuilder

var architectures = map[Kind]architecture{
	Linear: func(b *layers.ModelBuilder, numClasses int) *layers.ModelBuilder {
		return b.AddDense(numClasses, true, "fc")
	},
	MLP: func(b *layers.ModelBuilder, numClasses int) *layers.ModelBuilder {
		return b.
			AddDense(128, true, "fc1").
			AddReLU("relu1").
			AddDropout(0.5, "drop1").
			AddDense(numClasses, true, "fc2")
	},
	CNN: func(b *layers.ModelBuilder, numClasses int) *layers.ModelBuilder {
		return b.
			AddConv2D(8, 3, 2, 1, true, "conv1").
			AddReLU("relu1").
			AddMaxPool2D(2, 2, "pool1").
			AddConv2D(16, 3, 2, 1, true, "conv2").
			AddReLU("relu2").
			AddMaxPool2D(2, 2, "pool2").
			AddConv2D(32, 3, 1, 1, true, "conv3").
			AddReLU("relu3").
			AddGlobalAvgPool2D("gap").
			AddDropout(0.3, "drop").
			AddDense(numClasses, true, "fc")
	},
}

// Spec compiles the architecture of kind for square images of imageSize pixels.
func Spec(kind Kind, imageSize, numClasses int) (*layers.ModelSpec, error) {
	arch, ok := architectures[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "%d", int(kind))
	}
	if imageSize < 1 {
		return nil, errors.Errorf("invalid image size %d", imageSize)
	}
	if numClasses < 2 {
		return nil, errors.Errorf("need at least 2 classes, got %d", numClasses)
	}
	spec, err := arch(layers.NewModelBuilder([]int{Channels, imageSize, imageSize}), numClasses).Compile()
	if err != nil {
		return nil, errors.Wrapf(err, "%s model for image size %d", kind, imageSize)
	}
	return spec, nil
}

// New builds a freshly initialised model of kind.
func New(kind Kind, dev *tensor.Device, imageSize, numClasses int, rng *rand.Rand) (*training.Sequential, error) {
	spec, err := Spec(kind, imageSize, numClasses)
	if err != nil {
		return nil, err
	}
	model, err := spec.Build(dev, rng)
	return model, errors.Wrapf(err, "building %s model", kind)
}
