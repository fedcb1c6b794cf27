// Package config loads run settings by layering built-in defaults, an
// optional YAML file and KNEEGRADE_* environment variables.
package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"github.com/oaikl/kneegrade/checkpoints"
	"github.com/oaikl/kneegrade/models"
	"github.com/oaikl/kneegrade/tensor"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: KNEEGRADE_TRAINING__EPOCHS=10.
const EnvPrefix = "KNEEGRADE_"

// ErrInvalid is the cause of every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Model      ModelConfig      `koanf:"model"`
	Data       DataConfig       `koanf:"data"`
	Training   TrainingConfig   `koanf:"training"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Device     DeviceConfig     `koanf:"device"`
	Report     ReportConfig     `koanf:"report"`
	Log        LogConfig        `koanf:"log"`
}

type ModelConfig struct {
	Type       string `koanf:"type"`
	ImageSize  int    `koanf:"image_size"`
	NumClasses int    `koanf:"num_classes"`
}

type DataConfig struct {
	LabelFile string `koanf:"label_file"`
	// Root is prepended to relative image paths in the label file.
	Root      string `koanf:"root"`
	CacheSize int    `koanf:"cache_size"`
	Preload   bool   `koanf:"preload"`
	Augment   bool   `koanf:"augment"`
}

type TrainingConfig struct {
	Epochs       int            `koanf:"epochs"`
	Folds        int            `koanf:"folds"`
	BatchSize    int            `koanf:"batch_size"`
	Seed         int64          `koanf:"seed"`
	Optimizer    string         `koanf:"optimizer"`
	LearningRate float64        `koanf:"learning_rate"`
	Momentum     float64        `koanf:"momentum"`
	WeightDecay  float64        `koanf:"weight_decay"`
	Loss         string         `koanf:"loss"`
	Patience     int            `koanf:"patience"`
	Delta        float64        `koanf:"delta"`
	Schedule     ScheduleConfig `koanf:"schedule"`
}

// ScheduleConfig selects the learning-rate schedule applied within each fold.
// Type is one of constant, step, exponential, cosine or plateau.
type ScheduleConfig struct {
	Type      string  `koanf:"type"`
	StepSize  int     `koanf:"step_size"`
	Gamma     float64 `koanf:"gamma"`
	MinLR     float64 `koanf:"min_lr"`
	Patience  int     `koanf:"patience"`
	Threshold float64 `koanf:"threshold"`
}

type CheckpointConfig struct {
	Dir            string `koanf:"dir"`
	Format         string `koanf:"format"`
	KeepSuperseded bool   `koanf:"keep_superseded"`
}

type DeviceConfig struct {
	Type    string `koanf:"type"`
	Workers int    `koanf:"workers"`
}

type ReportConfig struct {
	PlotDir      string `koanf:"plot_dir"`
	ShowProgress bool   `koanf:"show_progress"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Model: ModelConfig{
			Type:       "cnn",
			ImageSize:  224,
			NumClasses: 5,
		},
		Data: DataConfig{
			LabelFile: "./KneeXray/Train_he.csv",
			CacheSize: 2048,
			Augment:   true,
		},
		Training: TrainingConfig{
			Epochs:       1,
			Folds:        5,
			BatchSize:    32,
			Seed:         42,
			Optimizer:    "adam",
			LearningRate: 0.0005,
			Loss:         "cross_entropy",
			Patience:     5,
			Delta:        0.1,
			Schedule: ScheduleConfig{
				Type:      "constant",
				StepSize:  10,
				Gamma:     0.1,
				Patience:  2,
				Threshold: 1e-4,
			},
		},
		Checkpoint: CheckpointConfig{
			Dir:            "./models",
			Format:         "json",
			KeepSuperseded: true,
		},
		Device: DeviceConfig{Type: "cpu"},
		Report: ReportConfig{ShowProgress: true},
		Log:    LogConfig{Level: "info", Format: "console"},
	}
}

// Load layers defaults, the YAML document from provider (if non-nil) and
// environment variables. The result is not validated.
func Load(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "loading defaults")
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, errors.Wrap(err, "loading config file")
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, errors.Wrap(err, "loading environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}

// LoadFile is Load with a YAML file. An empty path skips the file layer.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Load(nil)
	}
	return Load(file.Provider(path))
}

// Write marshals cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return errors.Wrap(err, "loading config")
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return errors.Wrap(err, "marshalling config")
	}
	_, err = w.Write(out)
	return err
}

// Validate reports every problem at once; errors.Cause of the result is ErrInvalid.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	if _, err := models.ParseKind(c.Model.Type); err != nil {
		problems = append(problems, err.Error())
	}
	check(c.Model.ImageSize >= 1, "model.image_size must be positive, got %d", c.Model.ImageSize)
	check(c.Model.NumClasses >= 2, "model.num_classes must be at least 2, got %d", c.Model.NumClasses)

	check(c.Data.LabelFile != "", "data.label_file is required")
	check(c.Data.CacheSize >= 0, "data.cache_size must be non-negative, got %d", c.Data.CacheSize)

	t := c.Training
	check(t.Epochs >= 1, "training.epochs must be at least 1, got %d", t.Epochs)
	check(t.Folds >= 2, "training.folds must be at least 2, got %d", t.Folds)
	check(t.BatchSize >= 1, "training.batch_size must be at least 1, got %d", t.BatchSize)
	check(t.LearningRate > 0, "training.learning_rate must be positive, got %v", t.LearningRate)
	check(t.Momentum >= 0 && t.Momentum < 1, "training.momentum must be in [0, 1), got %v", t.Momentum)
	check(t.WeightDecay >= 0, "training.weight_decay must be non-negative, got %v", t.WeightDecay)
	check(t.Patience >= 1, "training.patience must be at least 1, got %d", t.Patience)
	check(t.Delta >= 0, "training.delta must be non-negative, got %v", t.Delta)
	check(t.Optimizer == "adam" || t.Optimizer == "sgd" || t.Optimizer == "rmsprop",
		"unknown training.optimizer %q", t.Optimizer)
	check(t.Loss == "cross_entropy" || t.Loss == "mse", "unknown training.loss %q", t.Loss)
	check(validSchedule(t.Schedule.Type), "unknown training.schedule.type %q", t.Schedule.Type)

	check(c.Checkpoint.Dir != "", "checkpoint.dir is required")
	if _, err := checkpoints.ParseFormat(c.Checkpoint.Format); err != nil {
		problems = append(problems, err.Error())
	}

	if _, err := tensor.NewDevice(c.Device.Type, c.Device.Workers); err != nil {
		problems = append(problems, err.Error())
	}

	check(validLevel(c.Log.Level), "unknown log.level %q", c.Log.Level)
	check(c.Log.Format == "console" || c.Log.Format == "json", "unknown log.format %q", c.Log.Format)

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func validSchedule(name string) bool {
	switch name {
	case "constant", "step", "exponential", "cosine", "plateau":
		return true
	}
	return false
}

func validLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
