// Package report renders human-readable output of a cross-validation run:
// model architecture, per-fold tables and loss-curve plots.
package report

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/oaikl/kneegrade/layers"
)

// PrintArchitecture writes the model in PyTorch style, followed by parameter
// and memory estimates.
func PrintArchitecture(w io.Writer, modelName string, spec *layers.ModelSpec) {
	fmt.Fprintf(w, "Model Architecture:\n")
	fmt.Fprintf(w, "%s(\n", modelName)
	for _, layer := range spec.Layers {
		fmt.Fprintf(w, "  %s\n", formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(spec.TotalParameters))
	fmt.Fprintf(w, "Input size: %s\n", humanize.IBytes(tensorBytes(spec.InputShape)))
	fmt.Fprintf(w, "Forward/backward pass size: %s\n", humanize.IBytes(activationBytes(spec)))
	fmt.Fprintf(w, "Params size: %s\n\n", humanize.IBytes(uint64(spec.TotalParameters)*4))
}

func formatLayer(layer layers.LayerSpec) string {
	p := layer.Parameters
	switch layer.Type {
	case layers.Conv2D:
		k := p["kernel_size"].(int)
		s, _ := p["stride"].(int)
		pad, _ := p["padding"].(int)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, p["input_channels"], p["output_channels"], k, k, s, s, pad, pad, p["use_bias"])
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, p["input_size"], p["output_size"], p["use_bias"])
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)", layer.Name, p["kernel_size"], p["stride"])
	case layers.Dropout:
		return fmt.Sprintf("(%s): Dropout(p=%g)", layer.Name, p["rate"])
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func tensorBytes(shape []int) uint64 {
	size := uint64(4)
	for _, dim := range shape {
		size *= uint64(dim)
	}
	return size
}

// activationBytes is a rough per-sample estimate: input, output and the largest
// intermediate activation, doubled for the backward pass.
func activationBytes(spec *layers.ModelSpec) uint64 {
	largest := tensorBytes(spec.InputShape)
	for _, layer := range spec.Layers {
		if size := tensorBytes(layer.OutputShape); size > largest {
			largest = size
		}
	}
	return 2 * (tensorBytes(spec.InputShape) + tensorBytes(spec.OutputShape) + largest)
}
