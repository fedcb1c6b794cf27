package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("Valid Float32 tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1.0, 2.0, 3.0, 4.0, 5.0, 6.0}

		tensor, err := NewTensor(shape, Float32, CPU, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}

		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}
		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}
		if !reflect.DeepEqual(tensor.Strides, []int{3, 1}) {
			t.Errorf("Strides = %v, expected [3 1]", tensor.Strides)
		}
		if !reflect.DeepEqual(tensor.Data.([]float32), data) {
			t.Errorf("Data = %v, expected %v", tensor.Data, data)
		}
	})

	t.Run("Shape is copied", func(t *testing.T) {
		shape := []int{2, 2}
		tensor, _ := NewTensor(shape, Int32, CPU, []int32{1, 2, 3, 4})
		shape[0] = 7
		if tensor.Shape[0] != 2 {
			t.Error("tensor shape should not alias the caller's slice")
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3}); err == nil {
			t.Error("expected error for data length mismatch")
		}
	})

	t.Run("Wrong data type", func(t *testing.T) {
		if _, err := NewTensor([]int{2}, Float32, CPU, []int32{1, 2}); err == nil {
			t.Error("expected error for int32 data in a Float32 tensor")
		}
	})

	t.Run("Scalar fill", func(t *testing.T) {
		tensor, err := NewTensor([]int{3}, Int32, CPU, int32(7))
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		if !reflect.DeepEqual(tensor.Data.([]int32), []int32{7, 7, 7}) {
			t.Errorf("Data = %v, expected [7 7 7]", tensor.Data)
		}
	})
}

func TestZerosOnes(t *testing.T) {
	z, err := Zeros([]int{2, 2}, Float32, CPU)
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	for _, v := range z.Data.([]float32) {
		if v != 0 {
			t.Fatalf("Zeros produced %v", z.Data)
		}
	}

	o, err := Ones([]int{3}, Int32, CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	if !reflect.DeepEqual(o.Data.([]int32), []int32{1, 1, 1}) {
		t.Errorf("Ones produced %v", o.Data)
	}
}

func TestRandomUniformIsSeeded(t *testing.T) {
	a, err := RandomUniform([]int{4, 4}, 0.5, CPU, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("RandomUniform failed: %v", err)
	}
	b, _ := RandomUniform([]int{4, 4}, 0.5, CPU, rand.New(rand.NewSource(3)))
	if !a.Equal(b) {
		t.Error("same seed should produce identical tensors")
	}
	for _, v := range a.Data.([]float32) {
		if math.Abs(float64(v)) > 0.5 {
			t.Errorf("value %v outside [-0.5, 0.5]", v)
		}
	}
}

func TestFromScalar(t *testing.T) {
	s := FromScalar(2.5, CPU)
	v, err := s.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if v != 2.5 {
		t.Errorf("Item() = %v, expected 2.5", v)
	}
}
