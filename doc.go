// Package mltrack trains scikit-learn style random forests in Go and records
// the experiments in MLflow-compatible tracking stores.
//
// mltrack offers a scikit-learn-like API for the model side and an MLflow-like
// client for the tracking side, so runs written from Go can be browsed with
// the usual MLflow tooling.
//
// # Features
//
// - RandomForestClassifier with parallel tree building
// - GridSearchCV with stratified k-fold cross-validation
// - Nested runs, params, metrics, tags, dataset inputs, artifacts and models
// - File, SQLite and REST tracking backends; local, S3 and proxied artifacts
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/YuminosukeSato/mltrack/datasets"
//	    "github.com/YuminosukeSato/mltrack/sklearn/ensemble"
//	    "github.com/YuminosukeSato/mltrack/tracking"
//	    _ "github.com/YuminosukeSato/mltrack/tracking/filestore"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    wine, err := datasets.LoadWine(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    client, err := tracking.NewClient(ctx, "./mlruns")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if _, err := client.SetExperiment(ctx, "wine"); err != nil {
//	        log.Fatal(err)
//	    }
//	    err = client.WithRun(ctx, func(ctx context.Context, run *tracking.Run) error {
//	        rf := ensemble.NewRandomForestClassifier(ensemble.WithNEstimators(8))
//	        if err := rf.Fit(wine.X, wine.Y); err != nil {
//	            return err
//	        }
//	        if err := run.LogParams(ctx, rf.GetParams()); err != nil {
//	            return err
//	        }
//	        _, err := run.LogModel(ctx, rf, "random_forest")
//	        return err
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Packages
//
//   - sklearn/ensemble: RandomForestClassifier
//   - sklearn/tree: DecisionTreeClassifier used by the forest
//   - sklearn/model_selection: TrainTestSplit, StratifiedKFold, GridSearchCV
//   - metrics: accuracy and confusion matrix; metrics/display renders plots
//   - datasets: wine and breast cancer loaders, CSV loading, Frame
//   - tracking: the run client; tracking/filestore, tracking/sqlstore and
//     tracking/rest are the backends, tracking/artifacts the artifact stores
//   - workflow: the baseline and hyperparameter tuning pipelines
//   - core/model: Estimator interfaces and model persistence
//   - core/parallel: worker pool helpers
//   - pkg/errors, pkg/log: error types and structured logging
//
// The mltrack command in cmd/mltrack runs the workflows from the shell.
package mltrack
