package training

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	saves []string
	err   error
}

func (s *recordingSink) Save(fold, epoch int, model Module, bestLoss float64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	path := fmt.Sprintf("fold%d_epoch%d", fold, epoch)
	s.saves = append(s.saves, path)
	return path, nil
}

func TestEarlyStoppingSequence(t *testing.T) {
	sink := &recordingSink{}
	es, err := NewEarlyStopping(2, 0.1, sink)
	require.NoError(t, err)
	assert.Equal(t, Watching, es.State())
	assert.True(t, math.IsInf(es.BestLoss(), 1))

	d, err := es.Step(1.0, nil, 1, 1)
	require.NoError(t, err)
	assert.True(t, d.Improved)
	assert.False(t, d.Stopped)
	assert.Equal(t, 0, d.Counter)
	assert.Equal(t, "fold1_epoch1", d.CheckpointPath)

	d, err = es.Step(0.95, nil, 1, 2)
	require.NoError(t, err)
	assert.False(t, d.Improved)
	assert.Equal(t, 1, d.Counter)
	assert.False(t, d.Stopped)

	d, err = es.Step(0.93, nil, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Counter)
	assert.True(t, d.Stopped)
	assert.Equal(t, Stopped, es.State())
	assert.Equal(t, 1.0, d.BestLoss)

	_, err = es.Step(0.92, nil, 1, 4)
	assert.ErrorIs(t, err, ErrMonitorStopped)

	assert.Equal(t, []string{"fold1_epoch1"}, sink.saves)
	assert.Equal(t, 1, es.BestEpoch())
}

func TestEarlyStoppingDeltaIsStrict(t *testing.T) {
	es, err := NewEarlyStopping(5, 0.25, nil)
	require.NoError(t, err)

	_, err = es.Step(1.0, nil, 1, 1)
	require.NoError(t, err)

	d, err := es.Step(0.75, nil, 1, 2)
	require.NoError(t, err)
	assert.False(t, d.Improved, "a drop of exactly delta is not an improvement")

	d, err = es.Step(0.7, nil, 1, 3)
	require.NoError(t, err)
	assert.True(t, d.Improved)
	assert.Equal(t, 0, d.Counter)
}

func TestEarlyStoppingNaNNeverImproves(t *testing.T) {
	es, err := NewEarlyStopping(1, 0, nil)
	require.NoError(t, err)

	d, err := es.Step(math.NaN(), nil, 1, 1)
	require.NoError(t, err)
	assert.False(t, d.Improved)
	assert.True(t, d.Stopped)
}

func TestEarlyStoppingSinkFailure(t *testing.T) {
	es, err := NewEarlyStopping(3, 0, &recordingSink{err: assert.AnError})
	require.NoError(t, err)

	_, err = es.Step(0.5, nil, 2, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, math.IsInf(es.BestLoss(), 1))
}

func TestEarlyStoppingValidation(t *testing.T) {
	_, err := NewEarlyStopping(0, 0.1, nil)
	assert.Error(t, err)
	_, err = NewEarlyStopping(1, -0.1, nil)
	assert.Error(t, err)
}
