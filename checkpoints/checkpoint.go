package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/training"
)

const (
	// Framework is stamped into every checkpoint's metadata.
	Framework = "kneegrade"
	// Version is the checkpoint layout version.
	Version = "1.0.0"
)

// CheckpointFormat represents the serialization format for checkpoints
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Extension is the file extension used for the format, without the dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatBinary:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a configuration value onto a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "":
		return FormatJSON, nil
	case "binary", "ckpt":
		return FormatBinary, nil
	}
	return 0, errors.Errorf("unknown checkpoint format %q", s)
}

// Checkpoint represents a complete model checkpoint
type Checkpoint struct {
	Model         ModelSpec          `json:"model"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// ModelSpec describes the architecture the weights belong to.
type ModelSpec struct {
	Kind       string `json:"kind"`
	ImageSize  int    `json:"image_size"`
	NumClasses int    `json:"num_classes"`
	Parameters int    `json:"parameters"`
}

// WeightTensor represents a single parameter tensor
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures where in the cross-validation run the snapshot was taken.
type TrainingState struct {
	Fold     int     `json:"fold"`
	Epoch    int     `json:"epoch"`
	BestLoss float64 `json:"best_loss"`
}

// CheckpointMetadata contains additional information about the checkpoint
type CheckpointMetadata struct {
	Version     string            `json:"version"`
	Framework   string            `json:"framework"`
	RunID       string            `json:"run_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// FromModel copies the model's parameters into weight tensors. Parameters are
// named by their position in Module.Parameters, which is stable for a given
// architecture.
func FromModel(model training.Module) ([]WeightTensor, error) {
	params := model.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for i, p := range params {
		data, err := p.GetFloat32Data()
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %d", i)
		}
		buf := make([]float32, len(data))
		copy(buf, data)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		weights = append(weights, WeightTensor{
			Name:  fmt.Sprintf("param.%d", i),
			Shape: shape,
			Data:  buf,
		})
	}
	return weights, nil
}

// Restore loads the checkpoint weights into model in place.
func (c *Checkpoint) Restore(model training.Module) error {
	return LoadWeights(c.Weights, model.Parameters())
}

// LoadWeights copies weight data into tensors, which must match in count and shape.
func LoadWeights(weights []WeightTensor, params []*tensor.Tensor) error {
	if len(weights) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(params))
	}
	for i, p := range params {
		w := weights[i]
		if len(p.Shape) != len(w.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", w.Name, p.Shape, w.Shape)
		}
		for j, dim := range p.Shape {
			if dim != w.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					w.Name, j, dim, w.Shape[j])
			}
		}
		if err := p.CopyFloat32Data(w.Data); err != nil {
			return errors.Wrapf(err, "failed to copy weight data for %s", w.Name)
		}
	}
	return nil
}

// CheckpointSaver handles saving and loading checkpoints on a filesystem
type CheckpointSaver struct {
	fs     afero.Fs
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{fs: fs, format: format}
}

// Format returns the format used by SaveCheckpoint.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint to path and returns the number of bytes
// written. The file is written under a temporary name and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) (int64, error) {
	var (
		payload []byte
		err     error
	)
	switch cs.format {
	case FormatJSON:
		payload, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		payload, err = encodeBinary(checkpoint)
	default:
		return 0, errors.Errorf("unsupported checkpoint format: %v", cs.format)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode checkpoint")
	}

	if err := cs.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp := path + ".tmp"
	if err := cs.writeFile(tmp, payload); err != nil {
		return 0, err
	}
	if err := cs.fs.Rename(tmp, path); err != nil {
		return 0, multierr.Append(errors.Wrap(err, "failed to move checkpoint into place"), cs.fs.Remove(tmp))
	}
	return int64(len(payload)), nil
}

func (cs *CheckpointSaver) writeFile(path string, payload []byte) (err error) {
	file, err := cs.fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer func() {
		err = multierr.Append(err, errors.Wrap(file.Close(), "failed to close checkpoint file"))
	}()
	if _, err := file.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	return nil
}

// LoadCheckpoint reads a checkpoint in either format; the format is detected
// from the file contents.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint file")
	}
	if bytes.HasPrefix(data, binaryMagic) {
		cp, err := decodeBinary(data)
		return cp, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &checkpoint, nil
}
