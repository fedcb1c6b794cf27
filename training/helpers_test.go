package training

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/tensor"
)

// separableDataset returns n samples of dimension classes where sample i has
// class i%classes and a strong signal on that coordinate.
func separableDataset(t *testing.T, n, classes int, seed int64) *SimpleDataset {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	var data, labels []*tensor.Tensor
	for i := 0; i < n; i++ {
		class := i % classes
		features := make([]float32, classes)
		for j := range features {
			features[j] = float32(rng.NormFloat64()) * 0.1
		}
		features[class] += 2

		x, err := tensor.NewTensor([]int{classes}, tensor.Float32, tensor.CPU, features)
		require.NoError(t, err)
		y, err := tensor.NewTensor([]int{1}, tensor.Int32, tensor.CPU, []int32{int32(class)})
		require.NoError(t, err)
		data = append(data, x)
		labels = append(labels, y)
	}

	ds, err := NewSimpleDataset(data, labels)
	require.NoError(t, err)
	return ds
}

func newTestMLP(t *testing.T, in, hidden, out int, seed int64) *Sequential {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	dev := tensor.NewCPUDevice(1)

	l1, err := NewLinear(dev, in, hidden, true, rng)
	require.NoError(t, err)
	drop, err := NewDropout(0.2, rng)
	require.NoError(t, err)
	l2, err := NewLinear(dev, hidden, out, true, rng)
	require.NoError(t, err)
	return NewSequential(l1, NewReLU(), drop, l2)
}

func snapshotParameters(m Module) [][]float32 {
	var out [][]float32
	for _, p := range m.Parameters() {
		data := p.Data.([]float32)
		cp := make([]float32, len(data))
		copy(cp, data)
		out = append(out, cp)
	}
	return out
}
