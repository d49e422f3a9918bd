package workflow

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/metrics"
	"github.com/YuminosukeSato/mltrack/metrics/display"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/sklearn/ensemble"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// ConfusionMatrixFile is the artifact name of the rendered confusion matrix.
const ConfusionMatrixFile = "confusion_matrix.png"

// RunBaseline trains one random forest with the configured parameters,
// logs its test accuracy and parameters, and uploads the confusion matrix
// plot and the source file.
func RunBaseline(ctx context.Context, client *tracking.Client, cfg Config, opts ...Option) (*Result, error) {
	o := newOptions(opts)
	logger := logger("baseline", cfg)

	p, err := prepare(ctx, client, cfg, o)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := stagingDir(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res := &Result{ExperimentID: client.ExperimentID()}
	err = client.WithRun(ctx, func(ctx context.Context, run *tracking.Run) error {
		res.RunID = run.ID()

		rf := ensemble.NewRandomForestClassifier(ensemble.WithNJobs(cfg.NJobs))
		if err := rf.SetParams(cfg.Model); err != nil {
			return err
		}
		start := time.Now()
		if err := rf.Fit(p.split.XTrain, p.split.YTrain); err != nil {
			return err
		}
		pred, err := rf.Predict(p.split.XTest)
		if err != nil {
			return err
		}
		yPred, err := model.ColumnVector("RunBaseline", pred)
		if err != nil {
			return err
		}
		accuracy, err := metrics.Accuracy(p.split.YTest, yPred)
		if err != nil {
			return err
		}
		res.Accuracy = accuracy
		logger.Info("baseline model evaluated",
			log.AccuracyKey, accuracy,
			log.DurationMsKey, time.Since(start).Milliseconds(),
		)

		if err := run.LogMetric(ctx, "accuracy", accuracy); err != nil {
			return err
		}
		if err := run.LogParams(ctx, cfg.Model); err != nil {
			return err
		}

		labels := make([]int, len(p.frame.TargetNames))
		for i := range labels {
			labels[i] = i
		}
		cm, err := metrics.ConfusionMatrix(p.split.YTest, yPred, labels)
		if err != nil {
			return err
		}
		disp, err := display.NewConfusionMatrixDisplay(cm, p.frame.TargetNames)
		if err != nil {
			return err
		}
		png := filepath.Join(dir, ConfusionMatrixFile)
		if err := disp.SavePNG(png, display.DefaultSize); err != nil {
			return errors.Wrap(err, "render confusion matrix")
		}
		if err := run.LogArtifact(ctx, png, ""); err != nil {
			return err
		}
		return logSource(ctx, run, cfg)
	}, runOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(o.out, "accuracy: %.4f\n", res.Accuracy)
	return res, nil
}
