package models

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/tensor"
)

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{
		"linear": Linear,
		"MLP":    MLP,
		" cnn ":  CNN,
	} {
		got, err := ParseKind(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("resnet50")
	require.Error(t, err)
	assert.Equal(t, ErrUnknownKind, errors.Cause(err))
	assert.Contains(t, err.Error(), "cnn, linear, mlp")
}

func TestEveryKindProducesFiveLogits(t *testing.T) {
	dev := tensor.NewCPUDevice(1)
	for kind := range architectures {
		model, err := New(kind, dev, 32, 5, rand.New(rand.NewSource(1)))
		require.NoError(t, err, kind.String())

		x, err := tensor.Zeros([]int{2, Channels, 32, 32}, tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		model.Eval()
		out, err := model.Forward(x)
		require.NoError(t, err, kind.String())
		assert.Equal(t, []int{2, 5}, out.Shape, kind.String())
	}
}

func TestSpecValidation(t *testing.T) {
	_, err := Spec(Kind(42), 32, 5)
	assert.Equal(t, ErrUnknownKind, errors.Cause(err))

	_, err = Spec(CNN, 0, 5)
	assert.Error(t, err)
	_, err = Spec(MLP, 32, 1)
	assert.Error(t, err)

	// the conv stack downsamples by 16 before the last conv
	_, err = Spec(CNN, 8, 5)
	assert.Error(t, err)
}

func TestSameSeedSameInitialisation(t *testing.T) {
	dev := tensor.NewCPUDevice(1)
	a, err := New(MLP, dev, 8, 5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	b, err := New(MLP, dev, 8, 5, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	for i, p := range a.Parameters() {
		assert.True(t, p.Equal(b.Parameters()[i]))
	}
}
