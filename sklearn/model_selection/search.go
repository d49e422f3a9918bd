package model_selection

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/core/parallel"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
)

// CVResults holds one entry per candidate, in ParamGrid.Combinations order.
// SplitTestScores is indexed [candidate][fold]; failed fits score NaN.
type CVResults struct {
	Params          []map[string]interface{}
	MeanTestScore   []float64
	StdTestScore    []float64
	RankTestScore   []int
	SplitTestScores [][]float64
	MeanFitTime     []float64 // seconds
	StdFitTime      []float64
	MeanScoreTime   []float64
}

// Len returns the number of candidates.
func (r *CVResults) Len() int { return len(r.Params) }

// GridSearchCV evaluates every combination of a ParamGrid with cross-validation
// and refits the best one on the whole training set.
type GridSearchCV struct {
	estimator model.Estimator
	grid      ParamGrid
	cv        int
	splitter  CrossValidator
	nJobs     int
	verbose   int
	refit     bool

	cvResults_     *CVResults
	bestIndex_     int
	bestEstimator_ model.Estimator
	nSplits_       int
	refitTime_     time.Duration
}

// GridSearchOption is a functional option for GridSearchCV
type GridSearchOption func(*GridSearchCV)

// WithCV sets the number of folds. Classifiers get stratified folds without shuffling.
func WithCV(k int) GridSearchOption {
	return func(g *GridSearchCV) { g.cv = k }
}

// WithCVSplitter overrides the fold generator.
func WithCVSplitter(s CrossValidator) GridSearchOption {
	return func(g *GridSearchCV) { g.splitter = s }
}

// WithNJobs sets how many fits run concurrently; -1 uses all cores.
func WithNJobs(n int) GridSearchOption {
	return func(g *GridSearchCV) { g.nJobs = n }
}

// WithVerbose logs the search plan at 1 and every fit at 2 or more.
func WithVerbose(v int) GridSearchOption {
	return func(g *GridSearchCV) { g.verbose = v }
}

// WithRefit toggles refitting the best candidate on the full data.
func WithRefit(refit bool) GridSearchOption {
	return func(g *GridSearchCV) { g.refit = refit }
}

// NewGridSearchCV creates a search over grid for estimator. The estimator is
// only used as a template; every fit works on a clone.
func NewGridSearchCV(estimator model.Estimator, grid ParamGrid, opts ...GridSearchOption) *GridSearchCV {
	g := &GridSearchCV{
		estimator:  estimator,
		grid:       grid,
		cv:         5,
		nJobs:      1,
		refit:      true,
		bestIndex_: -1,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GridSearchCV) cvSplitter() CrossValidator {
	if g.splitter != nil {
		return g.splitter
	}
	if _, ok := g.estimator.(model.Classifier); ok {
		return NewStratifiedKFold(g.cv, false, 0)
	}
	return NewKFold(g.cv, false, 0)
}

type fitTask struct {
	candidate int
	fold      int
}

// Fit runs the search with a background context.
func (g *GridSearchCV) Fit(X, y mat.Matrix) error {
	return g.FitContext(context.Background(), X, y)
}

// FitContext runs every candidate on every fold, then ranks candidates by mean
// test score. The first candidate with the highest mean wins ties.
func (g *GridSearchCV) FitContext(ctx context.Context, X, y mat.Matrix) error {
	if g.estimator == nil {
		return errors.NewValidationError("estimator", "must not be nil", nil)
	}
	if _, ok := g.estimator.(model.Scorer); !ok {
		return errors.NewValidationError("estimator", "must implement Score", fmt.Sprintf("%T", g.estimator))
	}
	candidates, err := g.grid.Combinations()
	if err != nil {
		return err
	}
	Xd, labels, err := model.CheckXY("GridSearchCV.Fit", X, y)
	if err != nil {
		return err
	}
	yv := mat.NewVecDense(len(labels), nil)
	for i, l := range labels {
		yv.SetVec(i, float64(l))
	}

	splitter := g.cvSplitter()
	folds, err := splitter.Split(Xd, yv)
	if err != nil {
		return err
	}
	nFolds := len(folds)

	logger := log.GetLoggerWithName("model_selection").With(log.OperationKey, log.OperationSearch)
	if g.verbose > 0 {
		logger.Info(fmt.Sprintf("Fitting %d folds for each of %d candidates, totalling %d fits",
			nFolds, len(candidates), nFolds*len(candidates)),
			log.NSplitsKey, nFolds,
			log.CandidatesKey, len(candidates),
		)
	}

	scores := make([][]float64, len(candidates))
	fitTimes := make([][]float64, len(candidates))
	scoreTimes := make([][]float64, len(candidates))
	for c := range candidates {
		scores[c] = make([]float64, nFolds)
		fitTimes[c] = make([]float64, nFolds)
		scoreTimes[c] = make([]float64, nFolds)
	}

	tasks := make([]fitTask, 0, len(candidates)*nFolds)
	for c := range candidates {
		for f := range folds {
			tasks = append(tasks, fitTask{candidate: c, fold: f})
		}
	}

	workers := parallel.ResolveWorkers(g.nJobs)
	err = parallel.ForEach(ctx, len(tasks), workers, func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		task := tasks[i]
		params := candidates[task.candidate]
		fold := folds[task.fold]

		est := g.estimator.Clone()
		if err := est.SetParams(params); err != nil {
			// an invalid grid is a caller error, not a failed fit
			return errors.Wrapf(err, "candidate %s", formatParams(params))
		}

		xTrain, yTrain := takeRows(Xd, yv, fold.TrainIndices)
		xTest, yTest := takeRows(Xd, yv, fold.TestIndices)

		start := time.Now()
		fitErr := errors.SafeExecute("GridSearchCV.fit", func() error { return est.Fit(xTrain, yTrain) })
		fitTimes[task.candidate][task.fold] = time.Since(start).Seconds()
		if fitErr != nil {
			errors.Warn(errors.NewFitFailedWarning(params, task.fold, fitErr))
			scores[task.candidate][task.fold] = math.NaN()
			return nil
		}

		start = time.Now()
		score := est.(model.Scorer).Score(xTest, yTest)
		scoreTimes[task.candidate][task.fold] = time.Since(start).Seconds()
		scores[task.candidate][task.fold] = score

		if g.verbose > 1 {
			logger.Info(fmt.Sprintf("[CV %d/%d] END %s;, score=%.3f total time=%.1fs",
				task.fold+1, nFolds, formatParams(params), score, fitTimes[task.candidate][task.fold]),
				log.FoldKey, task.fold,
				log.ScoreKey, score,
			)
		}
		return nil
	})
	if err != nil {
		return err
	}

	results := &CVResults{
		Params:          candidates,
		MeanTestScore:   make([]float64, len(candidates)),
		StdTestScore:    make([]float64, len(candidates)),
		SplitTestScores: scores,
		MeanFitTime:     make([]float64, len(candidates)),
		StdFitTime:      make([]float64, len(candidates)),
		MeanScoreTime:   make([]float64, len(candidates)),
	}
	for c := range candidates {
		results.MeanTestScore[c], results.StdTestScore[c] = stat.PopMeanStdDev(scores[c], nil)
		results.MeanFitTime[c], results.StdFitTime[c] = stat.PopMeanStdDev(fitTimes[c], nil)
		results.MeanScoreTime[c] = stat.Mean(scoreTimes[c], nil)
	}
	results.RankTestScore = rankScores(results.MeanTestScore)

	best := -1
	for c, rank := range results.RankTestScore {
		if rank == 1 && !math.IsNaN(results.MeanTestScore[c]) {
			best = c
			break
		}
	}
	if best < 0 {
		return errors.NewModelError("GridSearchCV.Fit", "all fits failed", nil)
	}

	g.cvResults_ = results
	g.bestIndex_ = best
	g.nSplits_ = nFolds
	g.bestEstimator_ = nil

	logger.Info("grid search finished",
		log.HyperParamsKey, formatParams(candidates[best]),
		log.ScoreKey, results.MeanTestScore[best],
		log.StdScoreKey, results.StdTestScore[best],
	)

	if !g.refit {
		return nil
	}
	est := g.estimator.Clone()
	if err := est.SetParams(candidates[best]); err != nil {
		return err
	}
	start := time.Now()
	if err := est.Fit(Xd, yv); err != nil {
		return errors.NewModelError("GridSearchCV.Fit", "refit failed", err)
	}
	g.refitTime_ = time.Since(start)
	g.bestEstimator_ = est
	return nil
}

// rankScores ranks scores from best (1) down, giving ties the lowest rank
// and NaN the last ranks.
func rankScores(scores []float64) []int {
	ranks := make([]int, len(scores))
	for i, s := range scores {
		rank := 1
		for _, other := range scores {
			if math.IsNaN(s) && !math.IsNaN(other) {
				rank++
			} else if !math.IsNaN(other) && other > s {
				rank++
			}
		}
		ranks[i] = rank
	}
	return ranks
}

// formatParams renders params as "k=v, k=v" with sorted keys.
func formatParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + model.FormatParam(params[k])
	}
	return strings.Join(parts, ", ")
}

func (g *GridSearchCV) requireFitted(method string) error {
	if g.cvResults_ == nil {
		return errors.NewNotFittedError("GridSearchCV", method)
	}
	return nil
}

// CVResults returns the per-candidate results, or nil before Fit.
func (g *GridSearchCV) CVResults() *CVResults { return g.cvResults_ }

// BestIndex returns the index of the best candidate, or -1 before Fit.
func (g *GridSearchCV) BestIndex() int { return g.bestIndex_ }

// BestParams returns the parameters of the best candidate.
func (g *GridSearchCV) BestParams() map[string]interface{} {
	if g.cvResults_ == nil {
		return nil
	}
	return g.cvResults_.Params[g.bestIndex_]
}

// BestScore returns the mean cross-validated score of the best candidate.
func (g *GridSearchCV) BestScore() float64 {
	if g.cvResults_ == nil {
		return math.NaN()
	}
	return g.cvResults_.MeanTestScore[g.bestIndex_]
}

// BestEstimator returns the refitted best model, or nil when refit is off.
func (g *GridSearchCV) BestEstimator() model.Estimator { return g.bestEstimator_ }

// NSplits returns the number of folds used by the last Fit.
func (g *GridSearchCV) NSplits() int { return g.nSplits_ }

// RefitTime returns how long refitting the best candidate took.
func (g *GridSearchCV) RefitTime() time.Duration { return g.refitTime_ }

// Predict delegates to the best estimator.
func (g *GridSearchCV) Predict(X mat.Matrix) (mat.Matrix, error) {
	if err := g.requireFitted("Predict"); err != nil {
		return nil, err
	}
	if g.bestEstimator_ == nil {
		return nil, errors.NewValueError("GridSearchCV.Predict", "refit is disabled, no best estimator available")
	}
	return g.bestEstimator_.Predict(X)
}

// Score delegates to the best estimator.
func (g *GridSearchCV) Score(X, y mat.Matrix) float64 {
	scorer, ok := g.bestEstimator_.(model.Scorer)
	if !ok {
		return 0
	}
	return scorer.Score(X, y)
}
