package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oaikl/kneegrade/checkpoints"
	"github.com/oaikl/kneegrade/config"
	"github.com/oaikl/kneegrade/models"
	"github.com/oaikl/kneegrade/tensor"
	"github.com/oaikl/kneegrade/vision/dataset"
)

func writeKneeSet(t *testing.T, fs afero.Fs, size int) {
	t.Helper()
	var records []dataset.LabelRecord
	for i := 0; i < 10; i++ {
		grade := i % dataset.NumGrades
		img := image.NewGray(image.Rect(0, 0, size, size))
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				img.SetGray(x, y, color.Gray{Y: uint8(40*grade + x)})
			}
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		name := fmt.Sprintf("%d_he/knee%02d.png", grade, i)
		require.NoError(t, afero.WriteFile(fs, "/data/"+name, buf.Bytes(), 0644))
		records = append(records, dataset.LabelRecord{Data: name, Label: grade})
	}
	require.NoError(t, dataset.WriteLabelFile(fs, "/data/train.csv", records))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.Type = "mlp"
	cfg.Model.ImageSize = 16
	cfg.Data.LabelFile = "/data/train.csv"
	cfg.Data.Root = "/data"
	cfg.Data.CacheSize = 32
	cfg.Data.Preload = true
	cfg.Training.Epochs = 2
	cfg.Training.Folds = 2
	cfg.Training.BatchSize = 4
	cfg.Checkpoint.Dir = "/ckpt"
	cfg.Report.PlotDir = "/plots"
	cfg.Report.ShowProgress = false
	cfg.Device.Workers = 1
	return cfg
}

func TestRunWritesReportCheckpointsAndPlots(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKneeSet(t, fs, 16)
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), fs, cfg, zaptest.NewLogger(t), &out))

	text := out.String()
	assert.Contains(t, text, "Model Type : mlp\n")
	assert.Contains(t, text, "Image Size : (16, 16)\n")
	assert.Contains(t, text, "Learning Rate : 0.0005\n")
	assert.Contains(t, text, "Model Architecture:")
	assert.Contains(t, text, "Epoch: 2/2 \t Avg Train Loss:")
	assert.Contains(t, text, "Performance of 2 Fold Cross Validation")
	assert.Contains(t, text, "Quadratic weighted kappa:")

	// epoch 1 always improves on +Inf
	for fold := 1; fold <= 2; fold++ {
		path := fmt.Sprintf("/ckpt/mlp/16/fold%d_epoch1.json", fold)
		cp, err := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatJSON).LoadCheckpoint(path)
		require.NoError(t, err, path)
		assert.Equal(t, "mlp", cp.Model.Kind)
		assert.Equal(t, fold, cp.TrainingState.Fold)
		assert.NotEmpty(t, cp.Metadata.RunID)

		ok, err := afero.Exists(fs, fmt.Sprintf("/plots/mlp_fold%d_loss.png", fold))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRunFailsOnMissingLabelFile(t *testing.T) {
	cfg := testConfig()
	var out bytes.Buffer
	err := run(context.Background(), afero.NewMemMapFs(), cfg, zaptest.NewLogger(t), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading dataset")
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeKneeSet(t, fs, 16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := run(ctx, fs, testConfig(), zaptest.NewLogger(t), &out)
	require.ErrorIs(t, err, context.Canceled)
}

func TestArgsOverrideConfig(t *testing.T) {
	model, size, lr, epochs := "linear", 64, 0.01, 9
	a := args{ModelType: &model, ImageSize: &size, LearningRate: &lr, Epochs: &epochs, NoProgress: true}

	cfg := config.Default()
	a.apply(&cfg)
	assert.Equal(t, "linear", cfg.Model.Type)
	assert.Equal(t, 64, cfg.Model.ImageSize)
	assert.Equal(t, 0.01, cfg.Training.LearningRate)
	assert.Equal(t, 9, cfg.Training.Epochs)
	assert.False(t, cfg.Report.ShowProgress)
	// flags not given keep the configured value
	assert.Equal(t, 32, cfg.Training.BatchSize)
	assert.Equal(t, 5, cfg.Training.Folds)
}

func TestFoldFactory(t *testing.T) {
	cfg := testConfig()
	dev := tensor.NewCPUDevice(1)

	for _, opt := range []string{"adam", "sgd", "rmsprop"} {
		for _, loss := range []string{"cross_entropy", "mse"} {
			cfg.Training.Optimizer, cfg.Training.Loss = opt, loss
			c, err := newFoldFactory(cfg, models.MLP, dev)(1)
			require.NoError(t, err, "%s/%s", opt, loss)
			assert.NotNil(t, c.Model)
			assert.NotNil(t, c.Optimizer)
			assert.NotNil(t, c.Loss)
		}
	}

	cfg.Training.Optimizer = "lbfgs"
	_, err := newFoldFactory(cfg, models.MLP, dev)(1)
	assert.Error(t, err)
}

func TestNewScheduler(t *testing.T) {
	cfg := config.Default().Training
	cfg.Epochs = 10
	for _, name := range []string{"constant", "step", "exponential", "cosine", "plateau"} {
		cfg.Schedule.Type = name
		s, err := newScheduler(cfg)
		require.NoError(t, err, name)
		assert.InDelta(t, cfg.LearningRate, s.LR(0, cfg.LearningRate), 1e-12, name)
	}

	cfg.Schedule.Type = "warmup"
	_, err := newScheduler(cfg)
	assert.Error(t, err)
}
