package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor of the given shape. data may be nil, a slice of
// the dtype's element type holding exactly one value per element (it is not
// copied), or a single value that is broadcast to every element.
func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	t := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(shape),
	}
	if data == nil {
		return t, nil
	}

	var err error
	switch dtype {
	case Float32:
		t.Data, err = elements[float32](data, t.NumElems)
	case Int32:
		t.Data, err = elements[int32](data, t.NumElems)
	default:
		err = fmt.Errorf("unsupported dtype: %s", dtype)
	}
	if err != nil {
		return nil, fmt.Errorf("%s tensor: %w", dtype, err)
	}
	return t, nil
}

func elements[T float32 | int32](data interface{}, n int) ([]T, error) {
	switch d := data.(type) {
	case []T:
		if len(d) != n {
			return nil, fmt.Errorf("data length %d does not match tensor size %d", len(d), n)
		}
		return d, nil
	case T:
		out := make([]T, n)
		for i := range out {
			out[i] = d
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported data type %T", data)
}

// Zeros returns a zero-filled tensor.
func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, float32(0))
	case Int32:
		return NewTensor(shape, dtype, device, int32(0))
	}
	return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor(shape, dtype, device, float32(1))
	case Int32:
		return NewTensor(shape, dtype, device, int32(1))
	}
	return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
}

// RandomUniform fills a Float32 tensor with values drawn from U(-bound, bound).
func RandomUniform(shape []int, bound float64, device DeviceType, rng *rand.Rand) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	values := make([]float32, calculateNumElements(shape))
	for i := range values {
		values[i] = float32((2*rng.Float64() - 1) * bound)
	}
	return NewTensor(shape, Float32, device, values)
}

// FromScalar creates a one-element Float32 tensor.
func FromScalar(value float64, device DeviceType) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		DType:    Float32,
		Device:   device,
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}
