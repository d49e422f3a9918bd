package model_selection

import (
	"context"
	"math"
	"os"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/mltrack/core/model"
	"github.com/YuminosukeSato/mltrack/datasets"
	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/sklearn/ensemble"
	"github.com/YuminosukeSato/mltrack/sklearn/tree"
)

func blobs(t *testing.T) *datasets.Frame {
	t.Helper()
	frame, err := datasets.MakeClassification(90, 4, 3, 5)
	if err != nil {
		t.Fatalf("MakeClassification failed: %v", err)
	}
	return frame
}

func TestGridSearchCV_DecisionTree(t *testing.T) {
	frame := blobs(t)
	search := NewGridSearchCV(
		tree.NewDecisionTreeClassifier(tree.WithRandomState(0)),
		ParamGrid{"max_depth": {1, nil}},
		WithCV(5),
		WithNJobs(-1),
	)
	if err := search.Fit(frame.X, frame.Y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	res := search.CVResults()
	if res.Len() != 2 || search.NSplits() != 5 {
		t.Fatalf("got %d candidates over %d folds, want 2 over 5", res.Len(), search.NSplits())
	}
	for c := 0; c < res.Len(); c++ {
		if len(res.SplitTestScores[c]) != 5 {
			t.Errorf("candidate %d has %d fold scores", c, len(res.SplitTestScores[c]))
		}
		sum := 0.0
		for _, s := range res.SplitTestScores[c] {
			sum += s
		}
		if math.Abs(sum/5-res.MeanTestScore[c]) > 1e-12 {
			t.Errorf("candidate %d mean %v does not match fold scores", c, res.MeanTestScore[c])
		}
	}

	// a stump predicts at most two of three balanced classes
	if res.MeanTestScore[0] > 2.0/3.0+1e-9 {
		t.Errorf("depth-1 mean score %v exceeds 2/3", res.MeanTestScore[0])
	}

	best := search.BestIndex()
	if res.RankTestScore[best] != 1 {
		t.Errorf("best candidate has rank %d", res.RankTestScore[best])
	}
	for _, m := range res.MeanTestScore {
		if m > search.BestScore() {
			t.Errorf("BestScore %v is below candidate mean %v", search.BestScore(), m)
		}
	}
	if got := search.BestParams(); got["max_depth"] != res.Params[best]["max_depth"] {
		t.Errorf("BestParams = %v, want %v", got, res.Params[best])
	}

	est := search.BestEstimator()
	if est == nil {
		t.Fatal("BestEstimator is nil after refit")
	}
	if est.GetParams()["max_depth"] != res.Params[best]["max_depth"] {
		t.Errorf("refit estimator has max_depth %v", est.GetParams()["max_depth"])
	}
	pred, err := search.Predict(frame.X)
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if rows, _ := pred.Dims(); rows != 90 {
		t.Errorf("Predict returned %d rows", rows)
	}
	if score := search.Score(frame.X, frame.Y); score < search.BestScore()-0.2 {
		t.Errorf("training score %v is far below cv score %v", score, search.BestScore())
	}
}

func TestGridSearchCV_DeterministicAcrossJobs(t *testing.T) {
	frame := blobs(t)
	grid := ParamGrid{"n_estimators": {3, 6}, "max_depth": {nil, 2}}

	run := func(nJobs int) *CVResults {
		search := NewGridSearchCV(
			ensemble.NewRandomForestClassifier(ensemble.WithRandomState(42)),
			grid, WithCV(3), WithNJobs(nJobs), WithRefit(false),
		)
		if err := search.Fit(frame.X, frame.Y); err != nil {
			t.Fatalf("Fit(n_jobs=%d) failed: %v", nJobs, err)
		}
		if search.BestEstimator() != nil {
			t.Error("BestEstimator should be nil without refit")
		}
		return search.CVResults()
	}
	serial, parallel := run(1), run(4)
	for c := range serial.MeanTestScore {
		for f := range serial.SplitTestScores[c] {
			if serial.SplitTestScores[c][f] != parallel.SplitTestScores[c][f] {
				t.Fatalf("candidate %d fold %d: %v vs %v", c, f,
					serial.SplitTestScores[c][f], parallel.SplitTestScores[c][f])
			}
		}
	}
}

// flakyClassifier fails to fit whenever its "fail" parameter is set.
type flakyClassifier struct {
	fail  bool
	inner *tree.DecisionTreeClassifier
}

func (f *flakyClassifier) Fit(X, y mat.Matrix) error {
	if f.fail {
		return errors.New("boom")
	}
	f.inner = tree.NewDecisionTreeClassifier(tree.WithMaxDepth(2))
	return f.inner.Fit(X, y)
}

func (f *flakyClassifier) Predict(X mat.Matrix) (mat.Matrix, error) { return f.inner.Predict(X) }
func (f *flakyClassifier) Score(X, y mat.Matrix) float64            { return f.inner.Score(X, y) }
func (f *flakyClassifier) GetParams() map[string]interface{} {
	return map[string]interface{}{"fail": f.fail}
}
func (f *flakyClassifier) SetParams(p map[string]interface{}) error {
	v, err := model.BoolParam("fail", p["fail"])
	if err != nil {
		return err
	}
	f.fail = v
	return nil
}
func (f *flakyClassifier) Clone() model.Estimator { return &flakyClassifier{fail: f.fail} }

func TestGridSearchCV_FailedFitsScoreNaN(t *testing.T) {
	provider, logger := log.NewTestLoggerProvider(log.LevelDebug)
	log.SetProvider(provider)
	defer log.SetProvider(log.NewZerologProvider(os.Stderr, log.LevelInfo))

	frame := blobs(t)
	search := NewGridSearchCV(&flakyClassifier{}, ParamGrid{"fail": {true, false}}, WithCV(3))
	if err := search.Fit(frame.X, frame.Y); err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	res := search.CVResults()
	for f, s := range res.SplitTestScores[0] {
		if !math.IsNaN(s) {
			t.Errorf("failing candidate fold %d scored %v, want NaN", f, s)
		}
	}
	if res.RankTestScore[0] != 2 || search.BestIndex() != 1 {
		t.Errorf("ranks = %v, best = %d", res.RankTestScore, search.BestIndex())
	}
	if !logger.ContainsMessage("estimator fit failed on fold") {
		t.Error("expected a FitFailedWarning in the log")
	}

	all := NewGridSearchCV(&flakyClassifier{}, ParamGrid{"fail": {true}}, WithCV(3))
	if err := all.Fit(frame.X, frame.Y); err == nil {
		t.Error("expected an error when every fit fails")
	}
}

func TestGridSearchCV_Errors(t *testing.T) {
	frame := blobs(t)

	unknown := NewGridSearchCV(tree.NewDecisionTreeClassifier(), ParamGrid{"depth": {1}}, WithCV(3))
	if err := unknown.Fit(frame.X, frame.Y); err == nil {
		t.Error("expected an error for an unknown parameter")
	}

	unfitted := NewGridSearchCV(tree.NewDecisionTreeClassifier(), ParamGrid{"max_depth": {1}})
	if _, err := unfitted.Predict(frame.X); err == nil {
		t.Error("expected an error from Predict before Fit")
	}
	if unfitted.BestIndex() != -1 || !math.IsNaN(unfitted.BestScore()) {
		t.Error("unfitted search should report no best candidate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cancelled := NewGridSearchCV(tree.NewDecisionTreeClassifier(), ParamGrid{"max_depth": {1, 2}}, WithCV(3))
	if err := cancelled.FitContext(ctx, frame.X, frame.Y); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}

func TestRankScores(t *testing.T) {
	got := rankScores([]float64{0.9, 0.95, 0.9, math.NaN()})
	want := []int{2, 1, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rankScores = %v, want %v", got, want)
		}
	}
}

func TestFormatParams(t *testing.T) {
	got := formatParams(map[string]interface{}{"n_estimators": 10, "max_depth": nil})
	if want := "max_depth=None, n_estimators=10"; got != want {
		t.Errorf("formatParams = %q, want %q", got, want)
	}
}
