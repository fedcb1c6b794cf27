package tensor

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
)

// numericGrad estimates d f / d x[i] by central differences.
func numericGrad(t *testing.T, x *Tensor, f func() float32) []float32 {
	t.Helper()
	const eps = 1e-2
	data := x.Data.([]float32)
	grad := make([]float32, len(data))
	for i := range data {
		orig := data[i]
		data[i] = orig + eps
		plus := f()
		data[i] = orig - eps
		minus := f()
		data[i] = orig
		grad[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

func assertClose(t *testing.T, name string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: length %d, expected %d", name, len(got), len(want))
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Errorf("%s[%d] = %v, expected %v", name, i, got[i], want[i])
		}
	}
}

func randomTensor(shape []int, rng *rand.Rand) *Tensor {
	x, _ := RandomUniform(shape, 1.0, CPU, rng)
	x.SetRequiresGrad(true)
	return x
}

func TestMatMulAutogradBackward(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, CPU, []float32{1, 2})
	b, _ := NewTensor([]int{2, 1}, Float32, CPU, []float32{3, 4})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	y, err := MatMulAutograd(nil, a, b)
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if y.Data.([]float32)[0] != 11 {
		t.Errorf("forward = %v, expected 11", y.Data)
	}
	if err := y.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(a.Grad().Data.([]float32), []float32{3, 4}) {
		t.Errorf("dA = %v, expected [3 4]", a.Grad().Data)
	}
	if !reflect.DeepEqual(b.Grad().Data.([]float32), []float32{1, 2}) {
		t.Errorf("dB = %v, expected [1 2]", b.Grad().Data)
	}
}

func TestBackwardAccumulatesAndZeroGrad(t *testing.T) {
	x, _ := NewTensor([]int{1, 1}, Float32, CPU, []float32{2})
	w, _ := NewTensor([]int{1, 1}, Float32, CPU, []float32{3})
	w.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		y, _ := MatMulAutograd(nil, x, w)
		if err := y.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}
	if w.Grad().Data.([]float32)[0] != 4 {
		t.Errorf("accumulated grad = %v, expected 4", w.Grad().Data)
	}
	if x.Grad() != nil {
		t.Error("tensor without requiresGrad should not receive a gradient")
	}

	ZeroGrad([]*Tensor{w})
	if w.Grad() != nil {
		t.Error("ZeroGrad should clear the gradient")
	}
}

func TestBackwardErrors(t *testing.T) {
	x, _ := NewTensor([]int{2}, Float32, CPU, []float32{1, 2})
	if err := x.Backward(); err == nil {
		t.Error("expected error for tensor without grad")
	}

	x.SetRequiresGrad(true)
	y, _ := ReLUAutograd(x)
	if err := y.Backward(); err == nil {
		t.Error("expected error for non-scalar output")
	}
}

func TestUntrackedInputsBuildNoGraph(t *testing.T) {
	x, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	w, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 0, 0, 1})
	w.SetRequiresGrad(true)

	y, err := MatMulAutograd(nil, x, w.Detach())
	if err != nil {
		t.Fatalf("MatMulAutograd failed: %v", err)
	}
	if y.RequiresGrad() || !y.IsLeaf() {
		t.Error("ops over detached inputs should not be recorded")
	}
}

func TestLinearChainGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomTensor([]int{3, 4}, rng)
	w := randomTensor([]int{4, 5}, rng)
	b := randomTensor([]int{5}, rng)
	labels, _ := NewTensor([]int{3}, Int32, CPU, []int32{0, 4, 2})

	forward := func() (*Tensor, error) {
		h, err := MatMulAutograd(nil, x, w)
		if err != nil {
			return nil, err
		}
		h, err = AddBiasAutograd(h, b)
		if err != nil {
			return nil, err
		}
		h, err = ReLUAutograd(h)
		if err != nil {
			return nil, err
		}
		return CrossEntropyAutograd(h, labels)
	}
	loss := func() float32 {
		l, err := forward()
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return l.Data.([]float32)[0]
	}

	l, err := forward()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := l.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	assertClose(t, "dW", w.Grad().Data.([]float32), numericGrad(t, w, loss), 2e-2)
	assertClose(t, "db", b.Grad().Data.([]float32), numericGrad(t, b, loss), 2e-2)
	assertClose(t, "dX", x.Grad().Data.([]float32), numericGrad(t, x, loss), 2e-2)
}

func TestDropoutAutograd(t *testing.T) {
	x, _ := NewTensor([]int{1000}, Float32, CPU, float32(1))
	x.SetRequiresGrad(true)

	y, err := DropoutAutograd(x, 0.5, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatalf("DropoutAutograd failed: %v", err)
	}

	zeros := 0
	for _, v := range y.Data.([]float32) {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected dropout output %v", v)
		}
	}
	if zeros < 400 || zeros > 600 {
		t.Errorf("dropped %d of 1000 elements, expected about half", zeros)
	}

	if _, err := DropoutAutograd(x, 1.0, rand.New(rand.NewSource(1))); err == nil {
		t.Error("expected error for p = 1")
	}
}

func TestReshapeAutograd(t *testing.T) {
	x, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})
	x.SetRequiresGrad(true)
	labels, _ := NewTensor([]int{1}, Int32, CPU, []int32{3})

	flat, err := ReshapeAutograd(x, []int{1, 4})
	if err != nil {
		t.Fatalf("ReshapeAutograd failed: %v", err)
	}
	l, _ := CrossEntropyAutograd(flat, labels)
	if err := l.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !reflect.DeepEqual(x.Grad().Shape, []int{2, 2}) {
		t.Errorf("grad shape = %v, expected [2 2]", x.Grad().Shape)
	}
}
