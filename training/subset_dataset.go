package training

import (
	"fmt"

	"github.com/oaikl/kneegrade/tensor"
)

// SubsetDataset exposes the samples of an underlying dataset selected by an
// index list, in that order.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset creates a new SubsetDataset that wraps an existing dataset
// and exposes only the given indices.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}

	copied := make([]int, len(indices))
	copy(copied, indices)
	return &SubsetDataset{
		originalDataset: original,
		indices:         copied,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns the idx-th sample of the subset from the original dataset.
func (sd *SubsetDataset) Get(idx int) (data *tensor.Tensor, label *tensor.Tensor, err error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, nil, fmt.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// Indices returns the original dataset indices exposed by the subset.
func (sd *SubsetDataset) Indices() []int {
	return sd.indices
}
