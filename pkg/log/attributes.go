// Standard attribute keys. Keys are hierarchical ("model.name", "data.samples",
// "tracking.run_id") so log pipelines can filter on prefixes.

package log

// Model and operation context.
const (
	// ModelNameKey identifies the estimator type, e.g. "RandomForestClassifier".
	ModelNameKey = "model.name"

	// OperationKey is the ML operation: "fit", "predict", "score", "search".
	OperationKey = "ml.operation"

	// ComponentKey identifies the package emitting the record.
	ComponentKey = "ml.component"

	// PhaseKey is the lifecycle phase: "training", "validation", "testing".
	PhaseKey = "ml.phase"
)

// Data shape.
const (
	SamplesKey  = "data.samples"
	FeaturesKey = "data.features"
	ClassesKey  = "data.classes"
	DatasetKey  = "data.name"
	TestSizeKey = "data.test_size"
)

// Performance and scores.
const (
	DurationMsKey = "perf.duration_ms"
	WorkersKey    = "perf.workers"
	AccuracyKey   = "metrics.accuracy"
	ScoreKey      = "metrics.score"
	StdScoreKey   = "metrics.score_std"
	FoldKey       = "cv.fold"
	NSplitsKey    = "cv.n_splits"
	CandidatesKey = "cv.candidates"
)

// Hyperparameters and configuration.
const (
	HyperParamsKey = "model.hyperparams"
	NEstimatorsKey = "hyperparams.n_estimators"
	MaxDepthKey    = "hyperparams.max_depth"
	RandomSeedKey  = "config.random_seed"
)

// Experiment tracking.
const (
	TrackingURIKey  = "tracking.uri"
	ExperimentKey   = "tracking.experiment"
	ExperimentIDKey = "tracking.experiment_id"
	RunIDKey        = "tracking.run_id"
	ParentRunIDKey  = "tracking.parent_run_id"
	RunStatusKey    = "tracking.status"
	ArtifactKey     = "tracking.artifact_path"
	ArtifactSizeKey = "tracking.artifact_size"
	BackendKey      = "tracking.backend"
)

// Error context.
const (
	ErrorCodeKey  = "error.code"
	ErrorTypeKey  = "error.type"
	StacktraceKey = "error.stacktrace"
)

// Standard attribute values.
const (
	OperationFit     = "fit"
	OperationPredict = "predict"
	OperationScore   = "score"
	OperationSearch  = "search"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseTesting    = "testing"
)
