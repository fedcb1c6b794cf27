package training

import (
	"math"

	"github.com/pkg/errors"
)

// ErrMonitorStopped is returned by EarlyStopping.Step once the monitor has
// reached the Stopped state.
var ErrMonitorStopped = errors.New("early stopping monitor already stopped")

// CheckpointSink persists the model whenever a fold reaches a new best
// validation loss. Save returns the location written.
type CheckpointSink interface {
	Save(fold, epoch int, model Module, bestLoss float64) (path string, err error)
}

// MonitorState is the state of an EarlyStopping monitor.
type MonitorState int

const (
	Watching MonitorState = iota
	Stopped
)

func (s MonitorState) String() string {
	switch s {
	case Watching:
		return "WATCHING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StopDecision reports what a single Step did.
type StopDecision struct {
	Improved       bool
	Stopped        bool
	Counter        int
	BestLoss       float64
	CheckpointPath string
}

// EarlyStopping watches validation losses for one fold. A loss counts as an
// improvement only when it undercuts the best loss so far by more than delta;
// after patience consecutive non-improving steps the monitor stops for good.
type EarlyStopping struct {
	patience  int
	delta     float64
	sink      CheckpointSink
	best      float64
	bestEpoch int
	counter   int
	state     MonitorState
	lastPath  string
}

// NewEarlyStopping creates a monitor in the Watching state. sink may be nil,
// in which case improvements are tracked but nothing is persisted.
func NewEarlyStopping(patience int, delta float64, sink CheckpointSink) (*EarlyStopping, error) {
	if patience < 1 {
		return nil, errors.Errorf("patience must be at least 1, got %d", patience)
	}
	if delta < 0 || math.IsNaN(delta) {
		return nil, errors.Errorf("delta must be non-negative, got %v", delta)
	}
	return &EarlyStopping{
		patience: patience,
		delta:    delta,
		sink:     sink,
		best:     math.Inf(1),
		state:    Watching,
	}, nil
}

// Step feeds the validation loss of one epoch to the monitor. On improvement
// the model is saved through the sink before Step returns; a sink failure is
// returned as an error and leaves the best loss unchanged.
func (es *EarlyStopping) Step(validLoss float64, model Module, fold, epoch int) (StopDecision, error) {
	if es.state == Stopped {
		return es.decision(false), ErrMonitorStopped
	}

	// NaN compares false, so it never improves.
	if es.best-validLoss > es.delta {
		path := ""
		if es.sink != nil {
			var err error
			path, err = es.sink.Save(fold, epoch, model, validLoss)
			if err != nil {
				return es.decision(false), errors.Wrapf(err, "saving checkpoint for fold %d epoch %d", fold, epoch)
			}
		}
		es.best = validLoss
		es.bestEpoch = epoch
		es.counter = 0
		es.lastPath = path
		return es.decision(true), nil
	}

	es.counter++
	if es.counter >= es.patience {
		es.state = Stopped
	}
	return es.decision(false), nil
}

func (es *EarlyStopping) decision(improved bool) StopDecision {
	return StopDecision{
		Improved:       improved,
		Stopped:        es.state == Stopped,
		Counter:        es.counter,
		BestLoss:       es.best,
		CheckpointPath: es.lastPath,
	}
}

// State returns the current monitor state.
func (es *EarlyStopping) State() MonitorState { return es.state }

// BestLoss returns the best validation loss seen so far (+Inf before any improvement).
func (es *EarlyStopping) BestLoss() float64 { return es.best }

// BestEpoch returns the epoch of the best loss, or 0 if none improved.
func (es *EarlyStopping) BestEpoch() int { return es.bestEpoch }

// Counter returns the number of consecutive non-improving steps.
func (es *EarlyStopping) Counter() int { return es.counter }

// LastCheckpoint returns the path of the most recent checkpoint written.
func (es *EarlyStopping) LastCheckpoint() string { return es.lastPath }
