package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != Float32 || t2.DType != Float32 {
		return fmt.Errorf("elementwise operations require Float32 tensors, got %s and %s", t1.DType, t2.DType)
	}
	if t1.NumElems != t2.NumElems && t2.NumElems != 1 {
		return fmt.Errorf("incompatible shapes: %v and %v", t1.Shape, t2.Shape)
	}
	return nil
}

// elementwise applies fn pairwise. t2 may be a single-element tensor, in which
// case it is broadcast over t1.
func elementwise(t1, t2 *Tensor, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	a := t1.Data.([]float32)
	b := t2.Data.([]float32)
	out := make([]float32, len(a))
	if len(b) == 1 && len(a) != 1 {
		for i := range a {
			out[i] = fn(a[i], b[0])
		}
	} else {
		for i := range a {
			out[i] = fn(a[i], b[i])
		}
	}
	return NewTensor(t1.Shape, Float32, t1.Device, out)
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	return elementwise(t1, t2, func(a, b float32) float32 { return a / b })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return elementwise(t, FromScalar(float64(s), t.Device), func(a, b float32) float32 { return a * b })
}

func ReLU(t *Tensor) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

func Sqrt(t *Tensor) (*Tensor, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(math.Sqrt(float64(v)))
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

// addInto accumulates src into dst element by element.
func addInto(dst, src *Tensor) error {
	if dst.NumElems != src.NumElems {
		return fmt.Errorf("gradient shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	d := dst.Data.([]float32)
	s := src.Data.([]float32)
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

// ArgMaxRows returns the index of the largest value in each row of a 2D tensor.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := data[i*cols : (i+1)*cols]
		best := 0
		for j := 1; j < cols; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out, nil
}
