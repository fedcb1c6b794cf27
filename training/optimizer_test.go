package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/tensor"
)

// quadraticStep computes loss = mean((w - 3)^2) and backpropagates it.
func quadraticStep(t *testing.T, w *tensor.Tensor) float32 {
	t.Helper()
	target, _ := tensor.NewTensor(w.Shape, tensor.Float32, tensor.CPU, float32(3))
	loss, err := tensor.MSEAutograd(w, target)
	require.NoError(t, err)
	require.NoError(t, loss.Backward())
	v, _ := loss.Item()
	return v
}

func TestSGDStep(t *testing.T) {
	w, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 5})
	w.SetRequiresGrad(true)

	opt := NewSGD([]*tensor.Tensor{w}, 0.5, 0, 0)
	quadraticStep(t, w)
	require.NoError(t, opt.Step())
	// grad = (w - 3), lr 0.5
	assert.Equal(t, []float32{2, 4}, w.Data.([]float32))

	opt.ZeroGrad()
	assert.Nil(t, w.Grad())

	opt.SetLR(0.1)
	assert.Equal(t, 0.1, opt.GetLR())
}

func TestSGDMomentumConverges(t *testing.T) {
	w, _ := tensor.NewTensor([]int{3}, tensor.Float32, tensor.CPU, []float32{0, 6, -2})
	w.SetRequiresGrad(true)
	opt := NewSGD([]*tensor.Tensor{w}, 0.1, 0.9, 0)

	var loss float32
	for i := 0; i < 200; i++ {
		opt.ZeroGrad()
		loss = quadraticStep(t, w)
		require.NoError(t, opt.Step())
	}
	assert.Less(t, loss, float32(1e-3))
}

func TestAdamConverges(t *testing.T) {
	w, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{-1, 8})
	w.SetRequiresGrad(true)
	opt := NewDefaultAdam([]*tensor.Tensor{w}, 0.1)

	first := float32(0)
	var loss float32
	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		loss = quadraticStep(t, w)
		if i == 0 {
			first = loss
		}
		require.NoError(t, opt.Step())
	}
	assert.Less(t, loss, first/100)
	assert.Equal(t, int64(300), opt.StepCount())
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	w, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{10})
	w.SetRequiresGrad(true)
	opt := NewDefaultAdam([]*tensor.Tensor{w}, 0.01)

	quadraticStep(t, w)
	require.NoError(t, opt.Step())
	// The bias-corrected first step moves by lr regardless of gradient scale.
	assert.InDelta(t, 9.99, float64(w.Data.([]float32)[0]), 1e-5)
}

func TestOptimizerSkipsParametersWithoutGrad(t *testing.T) {
	w, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{1})
	w.SetRequiresGrad(true)
	opt := NewDefaultAdam([]*tensor.Tensor{w}, 0.1)
	require.NoError(t, opt.Step())
	assert.Equal(t, float32(1), w.Data.([]float32)[0])
}

func TestRMSPropFirstStep(t *testing.T) {
	w, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{10})
	w.SetRequiresGrad(true)
	opt := NewRMSProp([]*tensor.Tensor{w}, DefaultRMSPropConfig(0.01))

	quadraticStep(t, w)
	require.NoError(t, opt.Step())
	// grad 14, square average 0.01*196 so the step is lr*14/1.4
	assert.InDelta(t, 9.9, float64(w.Data.([]float32)[0]), 1e-4)
}

func TestRMSPropCenteredFirstStep(t *testing.T) {
	w, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{10})
	w.SetRequiresGrad(true)
	cfg := DefaultRMSPropConfig(0.01)
	cfg.Centered = true
	opt := NewRMSProp([]*tensor.Tensor{w}, cfg)

	quadraticStep(t, w)
	require.NoError(t, opt.Step())
	// variance 1.96 - 0.14^2
	assert.InDelta(t, 10-0.01*14/math.Sqrt(1.9404), float64(w.Data.([]float32)[0]), 1e-4)
}

func TestRMSPropConverges(t *testing.T) {
	w, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{-1, 8})
	w.SetRequiresGrad(true)
	opt := NewRMSProp([]*tensor.Tensor{w}, DefaultRMSPropConfig(0.05))

	var first, loss float32
	for i := 0; i < 400; i++ {
		opt.ZeroGrad()
		loss = quadraticStep(t, w)
		if i == 0 {
			first = loss
		}
		require.NoError(t, opt.Step())
	}
	assert.Less(t, loss, first/100)

	opt.SetLR(0.001)
	assert.Equal(t, 0.001, opt.GetLR())
}
