package crossval

import (
	"sort"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKFoldPartitions(t *testing.T) {
	for _, tc := range []struct {
		n, k int
	}{
		{10, 2}, {10, 3}, {10, 5}, {10, 10}, {7, 3}, {2, 2},
	} {
		splits, err := KFold{K: tc.k, Shuffle: true, Seed: 42}.Split(tc.n)
		require.NoError(t, err, "n=%d k=%d", tc.n, tc.k)
		require.Len(t, splits, tc.k)

		seen := make(map[int]int)
		for fold, s := range splits {
			assert.True(t, sort.IntsAreSorted(s.Train))
			assert.True(t, sort.IntsAreSorted(s.Validation))
			assert.Len(t, s.Train, tc.n-len(s.Validation))

			expected := tc.n / tc.k
			if fold < tc.n%tc.k {
				expected++
			}
			assert.Len(t, s.Validation, expected)

			inValidation := make(map[int]bool)
			for _, idx := range s.Validation {
				seen[idx]++
				inValidation[idx] = true
			}
			for _, idx := range s.Train {
				assert.False(t, inValidation[idx], "index %d in both sets", idx)
			}
		}

		assert.Len(t, seen, tc.n)
		for idx, count := range seen {
			assert.Equal(t, 1, count, "index %d validated %d times", idx, count)
		}
	}
}

func TestKFoldIsReproducible(t *testing.T) {
	a, err := KFold{K: 5, Shuffle: true, Seed: 42}.Split(50)
	require.NoError(t, err)
	b, err := KFold{K: 5, Shuffle: true, Seed: 42}.Split(50)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := KFold{K: 5, Shuffle: true, Seed: 7}.Split(50)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestKFoldWithoutShuffleIsContiguous(t *testing.T) {
	splits, err := KFold{K: 3}.Split(7)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, splits[0].Validation)
	assert.Equal(t, []int{3, 4}, splits[1].Validation)
	assert.Equal(t, []int{5, 6}, splits[2].Validation)
	assert.Equal(t, []int{0, 1, 2, 5, 6}, splits[1].Train)
}

func TestKFoldRejectsInvalidK(t *testing.T) {
	for _, tc := range []struct {
		n, k int
	}{
		{10, 1}, {10, 0}, {3, 4},
	} {
		_, err := KFold{K: tc.k}.Split(tc.n)
		require.Error(t, err)
		assert.Equal(t, ErrInvalidSplit, errors.Cause(err))
	}
}
