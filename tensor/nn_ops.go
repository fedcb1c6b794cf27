package tensor

import (
	"fmt"
	"math"
)

// ConvGeometry describes a 2D convolution over NCHW input.
type ConvGeometry struct {
	Channels, Height, Width int
	Kernel, Stride, Padding int
}

func (g ConvGeometry) OutputSize() (int, int) {
	oh := (g.Height+2*g.Padding-g.Kernel)/g.Stride + 1
	ow := (g.Width+2*g.Padding-g.Kernel)/g.Stride + 1
	return oh, ow
}

// im2col unfolds one CHW sample into a [C*K*K, OH*OW] matrix.
func (g ConvGeometry) im2col(x, col []float32) {
	oh, ow := g.OutputSize()
	plane := oh * ow
	for c := 0; c < g.Channels; c++ {
		for kh := 0; kh < g.Kernel; kh++ {
			for kw := 0; kw < g.Kernel; kw++ {
				row := ((c*g.Kernel+kh)*g.Kernel + kw) * plane
				for y := 0; y < oh; y++ {
					iy := y*g.Stride - g.Padding + kh
					for xo := 0; xo < ow; xo++ {
						ix := xo*g.Stride - g.Padding + kw
						var v float32
						if iy >= 0 && iy < g.Height && ix >= 0 && ix < g.Width {
							v = x[(c*g.Height+iy)*g.Width+ix]
						}
						col[row+y*ow+xo] = v
					}
				}
			}
		}
	}
}

// col2im folds a [C*K*K, OH*OW] matrix back into a CHW sample, accumulating.
func (g ConvGeometry) col2im(col, x []float32) {
	oh, ow := g.OutputSize()
	plane := oh * ow
	for c := 0; c < g.Channels; c++ {
		for kh := 0; kh < g.Kernel; kh++ {
			for kw := 0; kw < g.Kernel; kw++ {
				row := ((c*g.Kernel+kh)*g.Kernel + kw) * plane
				for y := 0; y < oh; y++ {
					iy := y*g.Stride - g.Padding + kh
					if iy < 0 || iy >= g.Height {
						continue
					}
					for xo := 0; xo < ow; xo++ {
						ix := xo*g.Stride - g.Padding + kw
						if ix < 0 || ix >= g.Width {
							continue
						}
						x[(c*g.Height+iy)*g.Width+ix] += col[row+y*ow+xo]
					}
				}
			}
		}
	}
}

type conv2dOp struct {
	dev     *Device
	x, w, b *Tensor
	geom    ConvGeometry
}

func (op *conv2dOp) Inputs() []*Tensor { return []*Tensor{op.x, op.w, op.b} }

func (op *conv2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	batch := op.x.Shape[0]
	outChannels := op.w.Shape[0]
	oh, ow := op.geom.OutputSize()
	plane := oh * ow
	ckk := op.geom.Channels * op.geom.Kernel * op.geom.Kernel
	sampleSize := op.geom.Channels * op.geom.Height * op.geom.Width

	g := gradOut.Data.([]float32)
	xd := op.x.Data.([]float32)
	wd := op.w.Data.([]float32)

	var gradX, gradW, gradB *Tensor
	if op.x.requiresGrad {
		gradX = newGrad(op.x)
	}
	if op.w.requiresGrad {
		gradW = newGrad(op.w)
	}
	if op.b != nil && op.b.requiresGrad {
		gradB = newGrad(op.b)
	}

	col := make([]float32, ckk*plane)
	dcol := make([]float32, ckk*plane)
	for n := 0; n < batch; n++ {
		gn := g[n*outChannels*plane : (n+1)*outChannels*plane]

		if gradW != nil {
			op.geom.im2col(xd[n*sampleSize:(n+1)*sampleSize], col)
			// dW += dY_n @ col^T
			gemm(op.dev, false, true, outChannels, ckk, plane, gn, col, gradW.Data.([]float32), true)
		}
		if gradX != nil {
			// dcol = W^T @ dY_n
			gemm(op.dev, true, false, ckk, plane, outChannels, wd, gn, dcol, false)
			op.geom.col2im(dcol, gradX.Data.([]float32)[n*sampleSize:(n+1)*sampleSize])
		}
		if gradB != nil {
			gb := gradB.Data.([]float32)
			for oc := 0; oc < outChannels; oc++ {
				var sum float32
				for _, v := range gn[oc*plane : (oc+1)*plane] {
					sum += v
				}
				gb[oc] += sum
			}
		}
	}

	return []*Tensor{gradX, gradW, gradB}, nil
}

// Conv2DAutograd convolves x [N,C,H,W] with w [OC,C,K,K] and optional bias [OC].
func Conv2DAutograd(dev *Device, x, w, b *Tensor, stride, padding int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("conv2d expects 4D input [N, C, H, W], got %v", x.Shape)
	}
	if len(w.Shape) != 4 || w.Shape[2] != w.Shape[3] {
		return nil, fmt.Errorf("conv2d expects square 4D weight [OC, C, K, K], got %v", w.Shape)
	}
	if x.Shape[1] != w.Shape[1] {
		return nil, fmt.Errorf("conv2d channel mismatch: input %d, weight %d", x.Shape[1], w.Shape[1])
	}
	if stride <= 0 {
		return nil, fmt.Errorf("conv2d stride must be positive, got %d", stride)
	}

	geom := ConvGeometry{
		Channels: x.Shape[1],
		Height:   x.Shape[2],
		Width:    x.Shape[3],
		Kernel:   w.Shape[2],
		Stride:   stride,
		Padding:  padding,
	}
	oh, ow := geom.OutputSize()
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("conv2d input %v too small for kernel %d", x.Shape, geom.Kernel)
	}

	batch := x.Shape[0]
	outChannels := w.Shape[0]
	plane := oh * ow
	ckk := geom.Channels * geom.Kernel * geom.Kernel
	sampleSize := geom.Channels * geom.Height * geom.Width

	xd := x.Data.([]float32)
	wd := w.Data.([]float32)
	out := make([]float32, batch*outChannels*plane)
	col := make([]float32, ckk*plane)
	for n := 0; n < batch; n++ {
		geom.im2col(xd[n*sampleSize:(n+1)*sampleSize], col)
		on := out[n*outChannels*plane : (n+1)*outChannels*plane]
		gemm(dev, false, false, outChannels, plane, ckk, wd, col, on, false)
		if b != nil {
			bd := b.Data.([]float32)
			for oc := 0; oc < outChannels; oc++ {
				for i := oc * plane; i < (oc+1)*plane; i++ {
					on[i] += bd[oc]
				}
			}
		}
	}

	op := &conv2dOp{dev: dev, x: x, w: w, b: b, geom: geom}
	return newResult([]int{batch, outChannels, oh, ow}, out, x.Device, op), nil
}

type maxPool2dOp struct {
	x      *Tensor
	argmax []int
}

func (op *maxPool2dOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *maxPool2dOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := newGrad(op.x)
	gd := grad.Data.([]float32)
	for i, v := range gradOut.Data.([]float32) {
		gd[op.argmax[i]] += v
	}
	return []*Tensor{grad}, nil
}

// MaxPool2DAutograd applies max pooling without padding over NCHW input.
func MaxPool2DAutograd(x *Tensor, kernel, stride int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("maxpool2d expects 4D input [N, C, H, W], got %v", x.Shape)
	}
	if kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("maxpool2d kernel and stride must be positive")
	}

	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h-kernel)/stride + 1
	ow := (w-kernel)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("maxpool2d input %v too small for kernel %d", x.Shape, kernel)
	}

	xd := x.Data.([]float32)
	out := make([]float32, n*c*oh*ow)
	argmax := make([]int, len(out))
	for plane := 0; plane < n*c; plane++ {
		base := plane * h * w
		for y := 0; y < oh; y++ {
			for xo := 0; xo < ow; xo++ {
				best := base + (y*stride)*w + xo*stride
				for ky := 0; ky < kernel; ky++ {
					for kx := 0; kx < kernel; kx++ {
						idx := base + (y*stride+ky)*w + xo*stride + kx
						if xd[idx] > xd[best] {
							best = idx
						}
					}
				}
				o := (plane*oh+y)*ow + xo
				out[o] = xd[best]
				argmax[o] = best
			}
		}
	}

	return newResult([]int{n, c, oh, ow}, out, x.Device, &maxPool2dOp{x: x, argmax: argmax}), nil
}

type globalAvgPoolOp struct {
	x *Tensor
}

func (op *globalAvgPoolOp) Inputs() []*Tensor { return []*Tensor{op.x} }

func (op *globalAvgPoolOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	plane := op.x.Shape[2] * op.x.Shape[3]
	grad := newGrad(op.x)
	gd := grad.Data.([]float32)
	scale := 1 / float32(plane)
	for i, v := range gradOut.Data.([]float32) {
		for j := i * plane; j < (i+1)*plane; j++ {
			gd[j] = v * scale
		}
	}
	return []*Tensor{grad}, nil
}

// GlobalAvgPool2DAutograd averages each channel plane: [N,C,H,W] -> [N,C].
func GlobalAvgPool2DAutograd(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("global average pooling expects 4D input, got %v", x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	plane := x.Shape[2] * x.Shape[3]

	xd := x.Data.([]float32)
	out := make([]float32, n*c)
	for i := range out {
		var sum float32
		for _, v := range xd[i*plane : (i+1)*plane] {
			sum += v
		}
		out[i] = sum / float32(plane)
	}
	return newResult([]int{n, c}, out, x.Device, &globalAvgPoolOp{x: x}), nil
}

type crossEntropyOp struct {
	logits *Tensor
	labels []int32
	probs  []float32
}

func (op *crossEntropyOp) Inputs() []*Tensor { return []*Tensor{op.logits} }

func (op *crossEntropyOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	batch, classes := op.logits.Shape[0], op.logits.Shape[1]
	scale := gradOut.Data.([]float32)[0] / float32(batch)

	grad := newGrad(op.logits)
	gd := grad.Data.([]float32)
	for i := 0; i < batch; i++ {
		for j := 0; j < classes; j++ {
			p := op.probs[i*classes+j]
			if int32(j) == op.labels[i] {
				p -= 1
			}
			gd[i*classes+j] = p * scale
		}
	}
	return []*Tensor{grad}, nil
}

// CrossEntropyAutograd computes the mean softmax cross-entropy between logits
// [N,C] and integer class labels [N].
func CrossEntropyAutograd(logits, labels *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects 2D logits [N, C], got %v", logits.Shape)
	}
	labelData, err := labels.GetInt32Data()
	if err != nil {
		return nil, fmt.Errorf("cross entropy labels: %v", err)
	}
	batch, classes := logits.Shape[0], logits.Shape[1]
	if len(labelData) != batch {
		return nil, fmt.Errorf("batch size mismatch: logits %d, labels %d", batch, len(labelData))
	}

	ld := logits.Data.([]float32)
	probs := make([]float32, len(ld))
	var loss float64
	for i := 0; i < batch; i++ {
		label := labelData[i]
		if label < 0 || int(label) >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}

		row := ld[i*classes : (i+1)*classes]
		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v - maxVal))
			probs[i*classes+j] = float32(e)
			sum += e
		}
		for j := range row {
			probs[i*classes+j] = float32(float64(probs[i*classes+j]) / sum)
		}
		loss -= float64(row[label]-maxVal) - math.Log(sum)
	}
	loss /= float64(batch)

	op := &crossEntropyOp{logits: logits, labels: labelData, probs: probs}
	return newResult([]int{1}, []float32{float32(loss)}, logits.Device, op), nil
}

type mseOp struct {
	pred, target *Tensor
}

func (op *mseOp) Inputs() []*Tensor { return []*Tensor{op.pred, op.target} }

func (op *mseOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	scale := 2 * gradOut.Data.([]float32)[0] / float32(op.pred.NumElems)
	pd := op.pred.Data.([]float32)
	td := op.target.Data.([]float32)

	var gradPred, gradTarget *Tensor
	if op.pred.requiresGrad {
		gradPred = newGrad(op.pred)
		gd := gradPred.Data.([]float32)
		for i := range pd {
			gd[i] = (pd[i] - td[i]) * scale
		}
	}
	if op.target.requiresGrad {
		gradTarget = newGrad(op.target)
		gd := gradTarget.Data.([]float32)
		for i := range pd {
			gd[i] = (td[i] - pd[i]) * scale
		}
	}
	return []*Tensor{gradPred, gradTarget}, nil
}

// MSEAutograd computes mean((pred - target)^2) over all elements.
func MSEAutograd(pred, target *Tensor) (*Tensor, error) {
	if pred.DType != Float32 || target.DType != Float32 {
		return nil, fmt.Errorf("mse requires Float32 tensors")
	}
	if !shapesEqual(pred.Shape, target.Shape) {
		return nil, fmt.Errorf("predicted and target tensors must have the same shape: %v vs %v", pred.Shape, target.Shape)
	}

	pd := pred.Data.([]float32)
	td := target.Data.([]float32)
	var sum float64
	for i := range pd {
		d := float64(pd[i] - td[i])
		sum += d * d
	}
	loss := float32(sum / float64(len(pd)))
	return newResult([]int{1}, []float32{loss}, pred.Device, &mseOp{pred: pred, target: target}), nil
}
