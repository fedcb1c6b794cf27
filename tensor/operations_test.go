package tensor

import (
	"reflect"
	"testing"
)

func TestElementwiseOperations(t *testing.T) {
	a, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{4, 3, 2, 1})

	tests := []struct {
		name     string
		op       func(*Tensor, *Tensor) (*Tensor, error)
		expected []float32
	}{
		{"Add", Add, []float32{5, 5, 5, 5}},
		{"Sub", Sub, []float32{-3, -1, 1, 3}},
		{"Mul", Mul, []float32{4, 6, 6, 4}},
		{"Div", Div, []float32{0.25, 2.0 / 3.0, 1.5, 4}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := test.op(a, b)
			if err != nil {
				t.Fatalf("%s failed: %v", test.name, err)
			}
			if !reflect.DeepEqual(result.Data.([]float32), test.expected) {
				t.Errorf("%s = %v, expected %v", test.name, result.Data, test.expected)
			}
		})
	}
}

func TestScalarBroadcast(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	result, err := Scale(a, 2)
	if err != nil {
		t.Fatalf("Scale failed: %v", err)
	}
	if !reflect.DeepEqual(result.Data.([]float32), []float32{2, 4, 6}) {
		t.Errorf("Scale = %v", result.Data)
	}
}

func TestIncompatibleShapes(t *testing.T) {
	a, _ := NewTensor([]int{3}, Float32, CPU, []float32{1, 2, 3})
	b, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if _, err := Add(a, b); err == nil {
		t.Error("expected error for incompatible shapes")
	}

	c, _ := NewTensor([]int{3}, Int32, CPU, []int32{1, 2, 3})
	if _, err := Add(a, c); err == nil {
		t.Error("expected error for Int32 operand")
	}
}

func TestReLUAndSqrt(t *testing.T) {
	a, _ := NewTensor([]int{4}, Float32, CPU, []float32{-1, 0, 4, 9})
	r, err := ReLU(a)
	if err != nil {
		t.Fatalf("ReLU failed: %v", err)
	}
	if !reflect.DeepEqual(r.Data.([]float32), []float32{0, 0, 4, 9}) {
		t.Errorf("ReLU = %v", r.Data)
	}

	s, err := Sqrt(r)
	if err != nil {
		t.Fatalf("Sqrt failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data.([]float32), []float32{0, 0, 2, 3}) {
		t.Errorf("Sqrt = %v", s.Data)
	}
}

func TestArgMaxRows(t *testing.T) {
	a, _ := NewTensor([]int{3, 3}, Float32, CPU, []float32{
		0.1, 0.7, 0.2,
		0.9, 0.05, 0.05,
		0.3, 0.3, 0.4,
	})
	idx, err := ArgMaxRows(a)
	if err != nil {
		t.Fatalf("ArgMaxRows failed: %v", err)
	}
	if !reflect.DeepEqual(idx, []int{1, 0, 2}) {
		t.Errorf("ArgMaxRows = %v, expected [1 0 2]", idx)
	}
}
