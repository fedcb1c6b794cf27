package layers_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/layers"
	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
)

func TestCompileComputesShapes(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{3, 32, 32}).
		AddConv2D(8, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, "pool1").
		AddDense(5, true, "fc1").
		Compile()
	require.NoError(t, err)

	require.Len(t, model.Layers, 4)
	assert.Equal(t, []int{8, 32, 32}, model.Layers[0].OutputShape)
	assert.Equal(t, [][]int{{8, 3, 3, 3}, {8}}, model.Layers[0].ParameterShapes)
	assert.Equal(t, []int{8, 16, 16}, model.Layers[2].OutputShape)
	assert.Equal(t, 8*16*16, model.Layers[3].Parameters["input_size"])
	assert.Equal(t, []int{5}, model.OutputShape)

	expected := int64(8*3*3*3 + 8 + 8*16*16*5 + 5)
	assert.Equal(t, expected, model.TotalParameters)
	assert.Contains(t, model.Summary(), "Total Parameters: 10,") // 10,469
}

func TestCompileRejectsInvalidModels(t *testing.T) {
	_, err := layers.NewModelBuilder([]int{3, 8, 8}).Compile()
	assert.Error(t, err)

	_, err = layers.NewModelBuilder([]int{3, 2, 2}).AddConv2D(4, 5, 1, 0, true, "big").Compile()
	assert.Error(t, err)

	_, err = layers.NewModelBuilder([]int{10}).AddConv2D(4, 3, 1, 0, true, "flat").Compile()
	assert.Error(t, err)

	_, err = layers.NewModelBuilder([]int{10}).AddDropout(1.5, "drop").Compile()
	assert.Error(t, err)

	_, err = layers.NewModelBuilder([]int{3, 1, 1}).AddMaxPool2D(2, 2, "pool").Compile()
	assert.Error(t, err)
}

func TestBuildMatchesCompiledSpec(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{3, 8, 8}).
		AddConv2D(4, 3, 1, 1, false, "conv").
		AddReLU("relu").
		AddGlobalAvgPool2D("gap").
		AddDropout(0.25, "drop").
		AddDense(5, true, "fc").
		Compile()
	require.NoError(t, err)

	model, err := spec.Build(tensor.NewCPUDevice(1), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, int(spec.TotalParameters), training.CountParameters(model))

	params := model.Parameters()
	require.Len(t, params, len(spec.ParameterShapes))
	for i, p := range params {
		assert.Equal(t, spec.ParameterShapes[i], p.Shape)
	}

	x, err := tensor.Zeros([]int{2, 3, 8, 8}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	model.Eval()
	out, err := model.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, out.Shape)
}

func TestDenseFlattensImageInput(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{3, 4, 4}).AddDense(5, true, "fc").Compile()
	require.NoError(t, err)
	model, err := spec.Build(tensor.NewCPUDevice(1), rand.New(rand.NewSource(2)))
	require.NoError(t, err)

	x, err := tensor.Ones([]int{3, 3, 4, 4}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	out, err := model.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5}, out.Shape)
}

func TestBuildRequiresCompiledSpec(t *testing.T) {
	_, err := (&layers.ModelSpec{}).Build(tensor.NewCPUDevice(1), rand.New(rand.NewSource(1)))
	assert.Error(t, err)
	assert.Equal(t, "Model not compiled", (&layers.ModelSpec{}).Summary())
}
