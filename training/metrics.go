package training

import (
	"fmt"
)

// MetricType represents the classification metrics a ConfusionMatrix reports
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
	// QuadraticKappa is Cohen's kappa with quadratic weights, the usual
	// agreement measure for ordinal grades.
	QuadraticKappa
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case QuadraticKappa:
		return "QuadraticKappa"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}

	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds a batch of logits [batchSize, numClasses] and the
// matching true labels. The predicted class is the argmax of each row.
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int32, batchSize, numClasses int) error {
	if numClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}
	if len(predictions) != batchSize*numClasses {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", batchSize*numClasses, len(predictions))
	}
	if len(trueLabels) != batchSize {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	for i := 0; i < batchSize; i++ {
		row := predictions[i*numClasses : (i+1)*numClasses]
		predClass := 0
		for j := 1; j < numClasses; j++ {
			if row[j] > row[predClass] {
				predClass = j
			}
		}

		trueClass := int(trueLabels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return fmt.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}

		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}

	return nil
}

// Merge adds the counts of other into cm.
func (cm *ConfusionMatrix) Merge(other *ConfusionMatrix) error {
	if other.NumClasses != cm.NumClasses {
		return fmt.Errorf("class count mismatch: %d vs %d", cm.NumClasses, other.NumClasses)
	}
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] += other.Matrix[i][j]
		}
	}
	cm.TotalSamples += other.TotalSamples
	return nil
}

// GetMetric calculates the requested metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macroPrecision()
	case MacroRecall:
		return cm.macroRecall()
	case MacroF1:
		p, r := cm.macroPrecision(), cm.macroRecall()
		if p+r == 0 {
			return 0.0
		}
		return 2 * p * r / (p + r)
	case QuadraticKappa:
		return cm.quadraticKappa()
	default:
		return 0.0
	}
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) macroPrecision() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		predicted := 0
		for trueClass := 0; trueClass < cm.NumClasses; trueClass++ {
			predicted += cm.Matrix[trueClass][class]
		}
		if predicted > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(predicted)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) macroRecall() float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		actual := 0
		for _, n := range cm.Matrix[class] {
			actual += n
		}
		if actual > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(actual)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) quadraticKappa() float64 {
	if cm.TotalSamples == 0 || cm.NumClasses < 2 {
		return 0.0
	}

	rowSums := make([]float64, cm.NumClasses)
	colSums := make([]float64, cm.NumClasses)
	for i := range cm.Matrix {
		for j, n := range cm.Matrix[i] {
			rowSums[i] += float64(n)
			colSums[j] += float64(n)
		}
	}

	total := float64(cm.TotalSamples)
	denomScale := float64((cm.NumClasses - 1) * (cm.NumClasses - 1))
	var observed, expected float64
	for i := 0; i < cm.NumClasses; i++ {
		for j := 0; j < cm.NumClasses; j++ {
			w := float64((i-j)*(i-j)) / denomScale
			observed += w * float64(cm.Matrix[i][j])
			expected += w * rowSums[i] * colSums[j] / total
		}
	}
	if expected == 0 {
		return 1.0
	}
	return 1 - observed/expected
}
