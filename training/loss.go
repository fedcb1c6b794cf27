package training

import (
	"fmt"

	"github.com/oaikl/kneegrade/tensor"
)

// Loss maps model output and batch labels to a single-element loss tensor that
// takes part in autograd.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// flattenLabels views integer labels of shape [N] or [N, 1] as [N].
func flattenLabels(target *tensor.Tensor) (*tensor.Tensor, error) {
	if target.DType != tensor.Int32 {
		return nil, fmt.Errorf("class labels must be Int32, got %s", target.DType)
	}
	if len(target.Shape) == 1 {
		return target, nil
	}
	if len(target.Shape) == 2 && target.Shape[1] == 1 {
		return target.Reshape([]int{target.Shape[0]})
	}
	return nil, fmt.Errorf("class labels must have shape [N] or [N, 1], got %v", target.Shape)
}

// CrossEntropyLoss implements Cross Entropy loss function for classification
type CrossEntropyLoss struct{}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes the mean cross entropy.
// predicted: [batch_size, num_classes] logits
// target: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	labels, err := flattenLabels(target)
	if err != nil {
		return nil, err
	}
	return tensor.CrossEntropyAutograd(predicted, labels)
}

// MSELoss implements Mean Squared Error between the model output and the
// one-hot encoding of the class labels.
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

// Forward computes L = mean((y_pred - onehot(y_true))^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return nil, fmt.Errorf("MSE loss expects 2D predictions [N, C], got %v", predicted.Shape)
	}
	labels, err := flattenLabels(target)
	if err != nil {
		return nil, err
	}

	batch, classes := predicted.Shape[0], predicted.Shape[1]
	labelData := labels.Data.([]int32)
	if len(labelData) != batch {
		return nil, fmt.Errorf("batch size mismatch: predictions %d, labels %d", batch, len(labelData))
	}

	oneHot := make([]float32, batch*classes)
	for i, label := range labelData {
		if label < 0 || int(label) >= classes {
			return nil, fmt.Errorf("label %d out of range [0, %d)", label, classes)
		}
		oneHot[i*classes+int(label)] = 1
	}

	targetT, err := tensor.NewTensor([]int{batch, classes}, tensor.Float32, predicted.Device, oneHot)
	if err != nil {
		return nil, fmt.Errorf("failed to build one-hot target: %v", err)
	}
	return tensor.MSEAutograd(predicted, targetT)
}
