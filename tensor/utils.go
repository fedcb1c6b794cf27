package tensor

import (
	"fmt"
	"strings"
)

// Reshape returns a tensor sharing t's data with a new shape. The result is
// detached from the autograd graph; use ReshapeAutograd inside a model.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if calculateNumElements(newShape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", t.NumElems, newShape)
	}

	return &Tensor{
		Shape:    copyShape(newShape),
		Strides:  calculateStrides(newShape),
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone deep-copies the data. The clone is a leaf with the same requiresGrad flag.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for clone: %s", t.DType)
	}

	clone, err := NewTensor(t.Shape, t.DType, t.Device, data)
	if err != nil {
		return nil, err
	}
	clone.requiresGrad = t.requiresGrad
	return clone, nil
}

// Detach returns a view of t that shares its data but takes no part in autograd.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		DType:    t.DType,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is not Float32, got %s", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is not Int32, got %s", t.DType)
	}
	return t.Data.([]int32), nil
}

// Item returns the value of a one-element Float32 tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got %d elements", t.NumElems)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// CopyFloat32Data overwrites the tensor's values in place.
func (t *Tensor) CopyFloat32Data(src []float32) error {
	dst, err := t.GetFloat32Data()
	if err != nil {
		return err
	}
	if len(src) != len(dst) {
		return fmt.Errorf("data length %d does not match tensor size %d", len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports whether shapes, dtypes and every element are identical.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false
	}

	switch t.DType {
	case Float32:
		a, b := t.Data.([]float32), other.Data.([]float32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	case Int32:
		a, b := t.Data.([]int32), other.Data.([]int32)
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
	}
	return true
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString("[")

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		for i := 0; i < len(data) && i < maxElements; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%.4f", data[i]))
		}
	case Int32:
		data := t.Data.([]int32)
		for i := 0; i < len(data) && i < maxElements; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%d", data[i]))
		}
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")

	return sb.String()
}

// ZeroGrad drops the accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}
