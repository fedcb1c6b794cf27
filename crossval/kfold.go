// Package crossval partitions a dataset into cross-validation folds and runs
// the train/validate loop for every fold.
package crossval

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// ErrInvalidSplit reports a fold count that cannot partition the dataset.
var ErrInvalidSplit = errors.New("invalid k-fold split")

// Split is the pair of index sets for one fold. Both slices are sorted.
type Split struct {
	Train      []int
	Validation []int
}

// KFold splits [0, n) into K disjoint validation sets. When Shuffle is set the
// indices are permuted with a source seeded by Seed first, so identical
// settings always give identical splits.
type KFold struct {
	K       int
	Shuffle bool
	Seed    int64
}

// Split returns one Split per fold. The first n%K folds receive one extra
// validation sample.
func (kf KFold) Split(n int) ([]Split, error) {
	if kf.K < 2 {
		return nil, errors.Wrapf(ErrInvalidSplit, "need at least 2 folds, got %d", kf.K)
	}
	if kf.K > n {
		return nil, errors.Wrapf(ErrInvalidSplit, "cannot split %d samples into %d folds", n, kf.K)
	}

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if kf.Shuffle {
		rng := rand.New(rand.NewSource(kf.Seed))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	splits := make([]Split, 0, kf.K)
	start := 0
	for fold := 0; fold < kf.K; fold++ {
		size := n / kf.K
		if fold < n%kf.K {
			size++
		}
		end := start + size

		validation := make([]int, size)
		copy(validation, indices[start:end])
		train := make([]int, 0, n-size)
		train = append(train, indices[:start]...)
		train = append(train, indices[end:]...)

		sort.Ints(validation)
		sort.Ints(train)
		splits = append(splits, Split{Train: train, Validation: validation})
		start = end
	}

	return splits, nil
}
