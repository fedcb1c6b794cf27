package checkpoints

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/oaikl/kneegrade/training"
)

// SinkOptions configures a FileSink.
type SinkOptions struct {
	Dir        string
	ModelKind  string
	ImageSize  int
	NumClasses int
	Format     CheckpointFormat
	RunID      string
	// KeepSuperseded keeps earlier checkpoints of a fold after a better one
	// has been written.
	KeepSuperseded bool
	Tags           map[string]string
}

// FileSink writes one checkpoint per improved epoch to
// <dir>/<model-kind>/<image-size>/fold<k>_epoch<e>.<ext>.
type FileSink struct {
	opts   SinkOptions
	fs     afero.Fs
	saver  *CheckpointSaver
	logger *zap.Logger
	latest map[int]string
	now    func() time.Time
}

var _ training.CheckpointSink = (*FileSink)(nil)

// NewFileSink creates a sink on fs. A nil logger disables logging.
func NewFileSink(fs afero.Fs, opts SinkOptions, logger *zap.Logger) (*FileSink, error) {
	if opts.Dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if opts.ModelKind == "" {
		return nil, errors.New("model kind is required")
	}
	if opts.ImageSize < 1 {
		return nil, errors.Errorf("invalid image size %d", opts.ImageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSink{
		opts:   opts,
		fs:     fs,
		saver:  NewCheckpointSaver(fs, opts.Format),
		logger: logger,
		latest: make(map[int]string),
		now:    time.Now,
	}, nil
}

// Path returns where the checkpoint for fold and epoch is written.
func (s *FileSink) Path(fold, epoch int) string {
	name := fmt.Sprintf("fold%d_epoch%d.%s", fold, epoch, s.opts.Format.Extension())
	return filepath.Join(s.opts.Dir, s.opts.ModelKind, strconv.Itoa(s.opts.ImageSize), name)
}

// Latest returns the most recent checkpoint written for fold.
func (s *FileSink) Latest(fold int) (string, bool) {
	p, ok := s.latest[fold]
	return p, ok
}

// Save implements training.CheckpointSink.
func (s *FileSink) Save(fold, epoch int, model training.Module, bestLoss float64) (string, error) {
	weights, err := FromModel(model)
	if err != nil {
		return "", errors.Wrap(err, "failed to extract weights")
	}

	cp := &Checkpoint{
		Model: ModelSpec{
			Kind:       s.opts.ModelKind,
			ImageSize:  s.opts.ImageSize,
			NumClasses: s.opts.NumClasses,
			Parameters: training.CountParameters(model),
		},
		Weights: weights,
		TrainingState: TrainingState{
			Fold:     fold,
			Epoch:    epoch,
			BestLoss: bestLoss,
		},
		Metadata: CheckpointMetadata{
			Version:     Version,
			Framework:   Framework,
			RunID:       s.opts.RunID,
			CreatedAt:   s.now().UTC(),
			Description: fmt.Sprintf("best validation loss of fold %d", fold),
			Tags:        s.opts.Tags,
		},
	}

	path := s.Path(fold, epoch)
	size, err := s.saver.SaveCheckpoint(cp, path)
	if err != nil {
		return "", errors.Wrapf(err, "fold %d epoch %d", fold, epoch)
	}
	s.logger.Info("checkpoint saved",
		zap.Int("fold", fold),
		zap.Int("epoch", epoch),
		zap.Float64("best_loss", bestLoss),
		zap.String("path", path),
		zap.String("size", humanize.Bytes(uint64(size))),
	)

	if prev, ok := s.latest[fold]; ok && prev != path && !s.opts.KeepSuperseded {
		if err := s.fs.Remove(prev); err != nil {
			s.logger.Warn("failed to remove superseded checkpoint", zap.String("path", prev), zap.Error(err))
		}
	}
	s.latest[fold] = path
	return path, nil
}
