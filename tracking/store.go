package tracking

import (
	"context"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
)

// DefaultTrackingURI is used when neither the caller nor MLFLOW_TRACKING_URI names a backend.
const DefaultTrackingURI = "./mlruns"

// RunFilter narrows SearchRuns. Empty fields match everything.
type RunFilter struct {
	ParentRunID string
	Status      RunStatus
}

// Matches reports whether rec passes the filter.
func (f RunFilter) Matches(rec *RunRecord) bool {
	if f.ParentRunID != "" && rec.ParentRunID() != f.ParentRunID {
		return false
	}
	if f.Status != "" && rec.Info.Status != f.Status {
		return false
	}
	return true
}

// CreateRunRequest carries everything a store needs to create a run.
type CreateRunRequest struct {
	ExperimentID string
	UserID       string
	RunName      string
	StartTime    int64
	Tags         []Tag
}

// Store is a tracking backend. Implementations must be safe for concurrent
// use and report missing entities with errors.IsNotFound.
type Store interface {
	CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error)
	GetExperiment(ctx context.Context, experimentID string) (*Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*Experiment, error)

	CreateRun(ctx context.Context, req CreateRunRequest) (*RunInfo, error)
	UpdateRun(ctx context.Context, runID string, status RunStatus, endTime int64) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	SearchRuns(ctx context.Context, experimentIDs []string, filter RunFilter) ([]*RunRecord, error)

	// LogBatch records metrics, params and tags. Logging a param again with a
	// different value fails with CodeInvalidParameterValue.
	LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error
	LogInputs(ctx context.Context, runID string, inputs []DatasetInput) error

	Close() error
}

// Opener creates a store for a tracking URI.
type Opener func(ctx context.Context, uri string) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// Register makes a backend available for a URI scheme. Backend packages call
// it from init, so importing a backend for side effects enables it:
//
//	import _ "github.com/YuminosukeSato/mltrack/tracking/filestore"
func Register(scheme string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if open == nil {
		panic("tracking: Register opener is nil")
	}
	if _, dup := backends[scheme]; dup {
		panic("tracking: Register called twice for scheme " + scheme)
	}
	backends[scheme] = open
}

// Backends returns the registered schemes in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	schemes := make([]string, 0, len(backends))
	for s := range backends {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// ResolveTrackingURI applies the defaults: an empty uri falls back to
// MLFLOW_TRACKING_URI and then to ./mlruns.
func ResolveTrackingURI(uri string) string {
	if uri != "" {
		return uri
	}
	if env := os.Getenv("MLFLOW_TRACKING_URI"); env != "" {
		return env
	}
	return DefaultTrackingURI
}

// Scheme returns the backend scheme of a tracking URI. Bare paths are "file".
func Scheme(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || len(u.Scheme) <= 1 {
		return "file"
	}
	return strings.ToLower(u.Scheme)
}

// OpenStore opens the registered backend for uri.
func OpenStore(ctx context.Context, uri string) (Store, error) {
	scheme := Scheme(uri)
	backendsMu.RLock()
	open, ok := backends[scheme]
	backendsMu.RUnlock()
	if !ok {
		return nil, errors.NewValueError("tracking.OpenStore",
			"no tracking backend registered for scheme "+scheme+" (forgotten import?)")
	}
	return open(ctx, uri)
}
