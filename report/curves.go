package report

import (
	"fmt"
	"image/color"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/oaikl/kneegrade/crossval"
)

// SeriesData is one named line of a plot.
type SeriesData struct {
	Name   string
	Points []DataPoint
	Color  color.Color
	Dashed bool
}

// DataPoint is a single (x, y) sample.
type DataPoint struct {
	X, Y float64
}

// PlotConfig holds the labels and size of a rendered plot.
type PlotConfig struct {
	XAxisLabel string
	YAxisLabel string
	ShowGrid   bool
	Width      vg.Length
	Height     vg.Length
}

// PlotData is a renderable line plot.
type PlotData struct {
	Title  string
	Series []SeriesData
	Config PlotConfig
}

var (
	trainColor = color.RGBA{R: 0xFF, G: 0x6B, B: 0x6B, A: 0xFF}
	validColor = color.RGBA{R: 0x5F, G: 0x27, B: 0xCD, A: 0xFF}
)

// TrainingCurves builds the per-epoch train and validation loss curves of a fold.
// Non-finite losses are left out.
func TrainingCurves(modelName string, fold crossval.FoldResult) PlotData {
	train := SeriesData{Name: "Train Loss", Color: trainColor}
	valid := SeriesData{Name: "Valid Loss", Color: validColor, Dashed: true}
	for _, rec := range fold.History {
		if finite(rec.TrainLoss) {
			train.Points = append(train.Points, DataPoint{X: float64(rec.Epoch), Y: rec.TrainLoss})
		}
		if finite(rec.ValidLoss) {
			valid.Points = append(valid.Points, DataPoint{X: float64(rec.Epoch), Y: rec.ValidLoss})
		}
	}
	return PlotData{
		Title:  fmt.Sprintf("%s - Fold %d", modelName, fold.Fold),
		Series: []SeriesData{train, valid},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			ShowGrid:   true,
			Width:      8 * vg.Inch,
			Height:     5 * vg.Inch,
		},
	}
}

// Render draws pd as a PNG into path on fs.
func Render(fs afero.Fs, path string, pd PlotData) (err error) {
	p, err := plot.New()
	if err != nil {
		return errors.Wrap(err, "creating plot")
	}
	p.Title.Text = pd.Title
	p.X.Label.Text = pd.Config.XAxisLabel
	p.Y.Label.Text = pd.Config.YAxisLabel
	if pd.Config.ShowGrid {
		p.Add(plotter.NewGrid())
	}

	for _, s := range pd.Series {
		if len(s.Points) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(s.Points))
		for i, pt := range s.Points {
			xys[i].X, xys[i].Y = pt.X, pt.Y
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "series %s", s.Name)
		}
		line.Color = s.Color
		line.Width = vg.Points(2)
		if s.Dashed {
			line.Dashes = []vg.Length{vg.Points(6), vg.Points(3)}
		}
		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	wt, err := p.WriterTo(pd.Config.Width, pd.Config.Height, "png")
	if err != nil {
		return errors.Wrap(err, "rendering plot")
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating plot directory")
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating plot file")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	if _, err := wt.WriteTo(f); err != nil {
		return errors.Wrap(err, "writing plot")
	}
	return nil
}

// WriteLossCurves renders one loss-curve PNG per fold into dir and returns
// the written paths.
func WriteLossCurves(fs afero.Fs, dir, modelName string, result *crossval.Result) ([]string, error) {
	var paths []string
	for _, fold := range result.Folds {
		path := filepath.Join(dir, fmt.Sprintf("%s_fold%d_loss.png", modelName, fold.Fold))
		if err := Render(fs, path, TrainingCurves(modelName, fold)); err != nil {
			return paths, errors.Wrapf(err, "fold %d", fold.Fold)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
