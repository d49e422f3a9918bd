package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/sklearn/ensemble"
	"github.com/YuminosukeSato/mltrack/sklearn/model_selection"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// Artifact and tag names written by RunHyperTune.
const (
	NestedModelPath   = "random_forest"
	BestOnlyModelPath = "random_forest_model"
	TrainingDataFile  = "training_data.csv"
	TestingDataFile   = "testing_data.csv"
	AuthorTag         = "author"
)

// RunHyperTune grid-searches random forest parameters with cross-validation
// on the training split and records the outcome according to cfg.Mode.
//
// In ModeNested every candidate becomes a child run holding its parameters
// and mean CV accuracy; the parent run gets the best parameters and score,
// the training and testing dataset inputs, the source file and the refitted
// best model. ModeBestOnly logs a single run with the best parameters and
// score, CSV snapshots of both splits and the model. The author tag falls back
// to the client's user when cfg.Author is empty.
func RunHyperTune(ctx context.Context, client *tracking.Client, cfg Config, opts ...Option) (*Result, error) {
	o := newOptions(opts)
	logger := logger("hypertune", cfg)
	if cfg.Mode == "" {
		cfg.Mode = ModeNested
	}
	if len(cfg.Grid) == 0 {
		return nil, errors.NewValidationError("grid", "must not be empty", cfg.Grid)
	}

	p, err := prepare(ctx, client, cfg, o)
	if err != nil {
		return nil, err
	}
	dir, cleanup, err := stagingDir(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rf := ensemble.NewRandomForestClassifier()
	if err := rf.SetParams(cfg.Model); err != nil {
		return nil, err
	}
	search := model_selection.NewGridSearchCV(rf, cfg.Grid,
		model_selection.WithCV(cfg.CV),
		model_selection.WithNJobs(cfg.NJobs),
		model_selection.WithVerbose(cfg.Verbose),
	)

	res := &Result{ExperimentID: client.ExperimentID()}
	body := func(ctx context.Context, run *tracking.Run) error {
		res.RunID = run.ID()
		if err := search.FitContext(ctx, p.split.XTrain, p.split.YTrain); err != nil {
			return err
		}
		res.CVResults = search.CVResults()
		res.BestParams = search.BestParams()
		res.Accuracy = search.BestScore()
		logger.Info("grid search done",
			log.CandidatesKey, res.CVResults.Len(),
			log.ScoreKey, res.Accuracy,
			log.HyperParamsKey, res.BestParams,
		)

		if cfg.Mode == ModeNested {
			ids, err := logCandidates(ctx, run, res.CVResults)
			if err != nil {
				return err
			}
			res.ChildRunIDs = ids
		}
		if err := run.LogParams(ctx, mergeParams(cfg.Model, res.BestParams)); err != nil {
			return err
		}
		if err := run.LogMetric(ctx, "accuracy", res.Accuracy); err != nil {
			return err
		}

		modelPath := NestedModelPath
		if cfg.Mode == ModeNested {
			if err := run.LogInput(ctx, p.train, "training"); err != nil {
				return err
			}
			if err := run.LogInput(ctx, p.test, "testing"); err != nil {
				return err
			}
			if err := logSource(ctx, run, cfg); err != nil {
				return err
			}
		} else {
			modelPath = BestOnlyModelPath
			train, err := writeFrameCSV(dir, TrainingDataFile, p.train)
			if err != nil {
				return err
			}
			test, err := writeFrameCSV(dir, TestingDataFile, p.test)
			if err != nil {
				return err
			}
			if err := run.LogArtifact(ctx, train, ""); err != nil {
				return err
			}
			if err := run.LogArtifact(ctx, test, ""); err != nil {
				return err
			}
		}

		info, err := run.LogModel(ctx, search.BestEstimator(), modelPath,
			tracking.WithCompression(cfg.CompressModel),
			tracking.WithFeatureNames(p.frame.FeatureNames),
			tracking.WithClassNames(p.frame.TargetNames),
		)
		if err != nil {
			return err
		}
		res.ModelURI = info.ModelURI

		author := cfg.Author
		if author == "" {
			author = client.User()
		}
		return run.SetTag(ctx, AuthorTag, author)
	}
	if err := client.WithRun(ctx, body, runOptions(cfg)...); err != nil {
		return nil, err
	}

	fmt.Fprintln(o.out, formatBest(res.BestParams))
	fmt.Fprintln(o.out, res.Accuracy)
	return res, nil
}

// logCandidates records one child run per grid candidate.
func logCandidates(ctx context.Context, parent *tracking.Run, cv *model_selection.CVResults) ([]string, error) {
	ids := make([]string, 0, cv.Len())
	for i := 0; i < cv.Len(); i++ {
		params, score := cv.Params[i], cv.MeanTestScore[i]
		err := parent.WithChild(ctx, func(ctx context.Context, child *tracking.Run) error {
			ids = append(ids, child.ID())
			if err := child.LogParams(ctx, params); err != nil {
				return err
			}
			return child.LogMetric(ctx, "accuracy", score)
		})
		if err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// mergeParams returns the fixed model parameters overlaid with the searched ones.
func mergeParams(fixed, best map[string]interface{}) map[string]interface{} {
	params := make(map[string]interface{}, len(fixed)+len(best))
	for k, v := range fixed {
		params[k] = v
	}
	for k, v := range best {
		params[k] = v
	}
	return params
}

// formatBest prints params like a Python dict: {'max_depth': None, 'n_estimators': 100}.
func formatBest(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("'%s': %s", k, model.FormatParam(params[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
