package training

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/tensor"
)

func TestLinear(t *testing.T) {
	dev := tensor.NewCPUDevice(1)
	l, err := NewLinear(dev, 3, 2, true, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	params := l.Parameters()
	require.Len(t, params, 2)
	assert.Equal(t, []int{3, 2}, params[0].Shape)
	assert.Equal(t, []int{2}, params[1].Shape)
	assert.True(t, params[0].RequiresGrad())

	x, _ := tensor.NewTensor([]int{4, 3}, tensor.Float32, tensor.CPU, float32(1))
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2}, y.Shape)
	assert.True(t, y.RequiresGrad())

	bad, _ := tensor.NewTensor([]int{4, 5}, tensor.Float32, tensor.CPU, float32(1))
	_, err = l.Forward(bad)
	assert.Error(t, err)

	_, err = NewLinear(dev, 0, 2, true, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestEvalModeRecordsNoGraph(t *testing.T) {
	m := newTestMLP(t, 5, 8, 5, 2)
	x, _ := tensor.NewTensor([]int{2, 5}, tensor.Float32, tensor.CPU, float32(0.5))

	m.Eval()
	assert.False(t, m.IsTraining())
	y, err := m.Forward(x)
	require.NoError(t, err)
	assert.False(t, y.RequiresGrad())
	assert.True(t, y.IsLeaf())

	m.Train()
	assert.True(t, m.IsTraining())
	y, err = m.Forward(x)
	require.NoError(t, err)
	assert.True(t, y.RequiresGrad())
}

func TestDropoutModes(t *testing.T) {
	d, err := NewDropout(0.5, rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	x, _ := tensor.NewTensor([]int{100}, tensor.Float32, tensor.CPU, float32(1))
	d.Eval()
	y, err := d.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	d.Train()
	y, err = d.Forward(x)
	require.NoError(t, err)
	assert.False(t, x.Equal(y))

	_, err = NewDropout(1.5, nil)
	assert.Error(t, err)
}

func TestConvStack(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	dev := tensor.NewCPUDevice(2)

	conv, err := NewConv2D(dev, 3, 4, 3, 1, 1, true, rng)
	require.NoError(t, err)
	fc, err := NewLinear(dev, 4, 5, true, rng)
	require.NoError(t, err)
	m := NewSequential(conv, NewReLU(), NewMaxPool2D(2, 2), NewGlobalAvgPool2D(), NewFlatten(), fc)

	x, _ := tensor.RandomUniform([]int{2, 3, 8, 8}, 1, tensor.CPU, rng)
	y, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, y.Shape)
	assert.Equal(t, 4*3*3*3+4+4*5+5, CountParameters(m))

	_, err = NewConv2D(dev, 3, 4, 3, 0, 1, true, rng)
	assert.Error(t, err)
}

func TestSequentialErrorNamesModule(t *testing.T) {
	m := newTestMLP(t, 5, 8, 5, 1)
	x, _ := tensor.NewTensor([]int{2, 7}, tensor.Float32, tensor.CPU, float32(1))
	_, err := m.Forward(x)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module 0")
}
