package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/oaikl/kneegrade/crossval"
	"github.com/oaikl/kneegrade/training"
)

// WriteFoldTable prints one row per fold and a final row with the summary
// statistics of the run.
func WriteFoldTable(w io.Writer, result *crossval.Result) error {
	tw := tabwriter.NewWriter(w, 4, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Fold\tTrain\tValid\tEpochs\tBest Epoch\tBest Loss\tAvg Train Loss\tAvg Valid Loss\tValid Acc\tStopped\t")
	for _, f := range result.Folds {
		acc := 0.0
		if f.Confusion != nil {
			acc = f.Confusion.GetAccuracy()
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.1f%%\t%t\t\n",
			f.Fold, f.TrainSize, f.ValidSize, len(f.History), f.BestEpoch, f.BestLoss,
			f.MeanTrainLoss(), f.MeanValidLoss(), acc*100, f.StoppedEarly)
	}
	s := result.Summary
	fmt.Fprintf(tw, "mean\t\t\t\t\t\t%.3f±%.3f\t%.3f±%.3f\t%.1f%%\t\t\n",
		s.MeanTrainLoss, s.StdTrainLoss, s.MeanValidLoss, s.StdValidLoss, s.ValidAccuracy*100)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Quadratic weighted kappa: %.3f\n", s.QuadraticKappa)
	return err
}

// WriteConfusion prints a confusion matrix with true grades as rows.
func WriteConfusion(w io.Writer, cm *training.ConfusionMatrix) error {
	tw := tabwriter.NewWriter(w, 4, 4, 1, ' ', tabwriter.AlignRight)
	header := []string{"true\\pred"}
	for c := 0; c < cm.NumClasses; c++ {
		header = append(header, fmt.Sprint(c))
	}
	fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")
	for t, row := range cm.Matrix {
		cells := []string{fmt.Sprint(t)}
		for _, n := range row {
			cells = append(cells, fmt.Sprint(n))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t")+"\t")
	}
	return tw.Flush()
}
