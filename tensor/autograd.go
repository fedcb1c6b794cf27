package tensor

import (
	"fmt"
	"math/rand"
)

// newResult wraps freshly computed data as the output of op. The output joins
// the autograd graph only when one of op's inputs requires a gradient.
func newResult(shape []int, data []float32, device DeviceType, op Operation) *Tensor {
	t := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Device:   device,
		Data:     data,
		NumElems: len(data),
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			t.requiresGrad = true
			t.creator = op
			break
		}
	}
	return t
}

func newGrad(like *Tensor) *Tensor {
	return &Tensor{
		Shape:    copyShape(like.Shape),
		Strides:  calculateStrides(like.Shape),
		DType:    Float32,
		Device:   like.Device,
		Data:     make([]float32, like.NumElems),
		NumElems: like.NumElems,
	}
}

// Backward runs reverse-mode differentiation from a single-element tensor and
// accumulates gradients into every leaf that requires one. Gradients add up
// across calls until they are cleared with ZeroGrad.
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require grad")
	}
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a single-element tensor, got shape %v", t.Shape)
	}

	// Post-order walk: every node appears after all of its inputs.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				if in != nil && in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, n)
	}
	visit(t)

	seed := newGrad(t)
	seed.Data.([]float32)[0] = 1
	grads := map[*Tensor]*Tensor{t: seed}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.grad == nil {
				node.grad = newGrad(node)
			}
			if err := addInto(node.grad, g); err != nil {
				return err
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}

		for j, in := range inputs {
			if in == nil || !in.requiresGrad || inputGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				if err := addInto(existing, inputGrads[j]); err != nil {
					return err
				}
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}

	return nil
}

// matMulOp: C = A @ B
type matMulOp struct {
	dev  *Device
	a, b *Tensor
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	m, k, n := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]
	g := gradOut.Data.([]float32)

	var gradA, gradB *Tensor
	// dA = dC @ B^T
	if op.a.requiresGrad {
		gradA = newGrad(op.a)
		gemm(op.dev, false, true, m, k, n, g, op.b.Data.([]float32), gradA.Data.([]float32), false)
	}
	// dB = A^T @ dC
	if op.b.requiresGrad {
		gradB = newGrad(op.b)
		gemm(op.dev, true, false, k, n, m, op.a.Data.([]float32), g, gradB.Data.([]float32), false)
	}
	return []*Tensor{gradA, gradB}, nil
}

// MatMulAutograd multiplies two 2D tensors and records the operation.
func MatMulAutograd(dev *Device, a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("matmul requires Float32 tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("matmul dimension mismatch: %v x %v", a.Shape, b.Shape)
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := make([]float32, m*n)
	gemm(dev, false, false, m, n, k, a.Data.([]float32), b.Data.([]float32), out, false)
	return newResult([]int{m, n}, out, a.Device, &matMulOp{dev: dev, a: a, b: b}), nil
}

// addBiasOp adds a vector along the last axis.
type addBiasOp struct {
	x, bias *Tensor
}

func (op *addBiasOp) Inputs() []*Tensor { return []*Tensor{op.x, op.bias} }

func (op *addBiasOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	features := op.bias.NumElems

	var gradX, gradBias *Tensor
	if op.x.requiresGrad {
		gradX = newGrad(op.x)
		copy(gradX.Data.([]float32), g)
	}
	if op.bias.requiresGrad {
		gradBias = newGrad(op.bias)
		gb := gradBias.Data.([]float32)
		for i, v := range g {
			gb[i%features] += v
		}
	}
	return []*Tensor{gradX, gradBias}, nil
}

// AddBiasAutograd adds bias (shape [F]) to every row of x (last axis F).
func AddBiasAutograd(x, bias *Tensor) (*Tensor, error) {
	if x.DType != Float32 || bias.DType != Float32 {
		return nil, fmt.Errorf("bias addition requires Float32 tensors")
	}
	features := bias.NumElems
	if len(x.Shape) == 0 || x.Shape[len(x.Shape)-1] != features {
		return nil, fmt.Errorf("bias size %d does not match input shape %v", features, x.Shape)
	}

	xd := x.Data.([]float32)
	bd := bias.Data.([]float32)
	out := make([]float32, len(xd))
	for i, v := range xd {
		out[i] = v + bd[i%features]
	}
	return newResult(x.Shape, out, x.Device, &addBiasOp{x: x, bias: bias}), nil
}

type reluOp struct {
	x *Tensor
}

func (op *reluOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *reluOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newGrad(op.x)
	gd := grad.Data.([]float32)
	xd := op.x.Data.([]float32)
	g := gradOut.Data.([]float32)
	for i, v := range xd {
		if v > 0 {
			gd[i] = g[i]
		}
	}
	return []*Tensor{grad}, nil
}

func ReLUAutograd(x *Tensor) (*Tensor, error) {
	data, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, v := range data {
		if v > 0 {
			out[i] = v
		}
	}
	return newResult(x.Shape, out, x.Device, &reluOp{x: x}), nil
}

type dropoutOp struct {
	x    *Tensor
	mask []float32
}

func (op *dropoutOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *dropoutOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newGrad(op.x)
	gd := grad.Data.([]float32)
	g := gradOut.Data.([]float32)
	for i, m := range op.mask {
		gd[i] = g[i] * m
	}
	return []*Tensor{grad}, nil
}

// DropoutAutograd zeroes each element with probability p and scales the
// survivors by 1/(1-p) (inverted dropout).
func DropoutAutograd(x *Tensor, p float64, rng *rand.Rand) (*Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1), got %v", p)
	}
	data, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	scale := float32(1.0 / (1.0 - p))
	mask := make([]float32, len(data))
	out := make([]float32, len(data))
	for i, v := range data {
		if rng.Float64() >= p {
			mask[i] = scale
			out[i] = v * scale
		}
	}
	return newResult(x.Shape, out, x.Device, &dropoutOp{x: x, mask: mask}), nil
}

type reshapeOp struct {
	x *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newGrad(op.x)
	copy(grad.Data.([]float32), gradOut.Data.([]float32))
	return []*Tensor{grad}, nil
}

// ReshapeAutograd reshapes x while keeping it in the autograd graph.
func ReshapeAutograd(x *Tensor, shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if calculateNumElements(shape) != x.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of %d elements to shape %v", x.NumElems, shape)
	}
	data, err := x.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return newResult(shape, out, x.Device, &reshapeOp{x: x}), nil
}
