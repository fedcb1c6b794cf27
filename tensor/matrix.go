package tensor

import (
	"fmt"
)

// gemm computes C[m,n] (+)= op(A)[m,k] * op(B)[k,n]. When transA is set A is
// stored as [k,m]; when transB is set B is stored as [n,k]. Rows of C are
// distributed over the device workers.
func gemm(dev *Device, transA, transB bool, m, n, k int, a, b, c []float32, accumulate bool) {
	dev.parallelFor(m, func(start, end int) {
		for i := start; i < end; i++ {
			row := c[i*n : (i+1)*n]
			if !accumulate {
				for j := range row {
					row[j] = 0
				}
			}
			for p := 0; p < k; p++ {
				var av float32
				if transA {
					av = a[p*m+i]
				} else {
					av = a[i*k+p]
				}
				if av == 0 {
					continue
				}
				if transB {
					for j := 0; j < n; j++ {
						row[j] += av * b[j*k+p]
					}
				} else {
					bRow := b[p*n : (p+1)*n]
					for j := 0; j < n; j++ {
						row[j] += av * bRow[j]
					}
				}
			}
		}
	})
}

// MatMul multiplies two 2D Float32 tensors.
func MatMul(dev *Device, t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.DType != Float32 || t2.DType != Float32 {
		return nil, fmt.Errorf("matmul requires Float32 tensors")
	}
	if t1.Shape[1] != t2.Shape[0] {
		return nil, fmt.Errorf("matmul dimension mismatch: %v x %v", t1.Shape, t2.Shape)
	}

	m, k, n := t1.Shape[0], t1.Shape[1], t2.Shape[1]
	out := make([]float32, m*n)
	gemm(dev, false, false, m, n, k, t1.Data.([]float32), t2.Data.([]float32), out, false)
	return NewTensor([]int{m, n}, Float32, t1.Device, out)
}

// Transpose swaps the two axes of a 2D tensor.
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(data))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return NewTensor([]int{cols, rows}, Float32, t.Device, out)
}
