// Package filestore implements the MLflow file-store layout:
//
//	<root>/<experiment_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/{params,metrics,tags}/<key>
//	<root>/<experiment_id>/<run_id>/inputs/<input_id>/meta.yaml
//	<root>/<experiment_id>/<run_id>/artifacts/
//	<root>/<experiment_id>/datasets/<dataset_id>/meta.yaml
//
// Importing the package registers it for file:// URIs and bare paths.
package filestore

import (
	"context"
	"encoding/binary"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/pkg/log"
	"github.com/YuminosukeSato/mltrack/tracking"
)

const (
	metaFile    = "meta.yaml"
	paramsDir   = "params"
	metricsDir  = "metrics"
	tagsDir     = "tags"
	inputsDir   = "inputs"
	datasetsDir = "datasets"
	artifactDir = "artifacts"
	trashDir    = ".trash"
)

func init() {
	tracking.Register("file", func(_ context.Context, uri string) (tracking.Store, error) {
		return Open(uri)
	})
}

// Store is a tracking.Store on the local filesystem.
type Store struct {
	root string

	mu       sync.RWMutex
	runIndex map[string]string // run id -> experiment id
}

var _ tracking.Store = (*Store)(nil)

// Open opens (and initialises) a file store. uri is a path or a file:// URI.
func Open(uri string) (*Store, error) {
	root, err := rootPath(uri)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create tracking directory %s", root)
	}
	s := &Store{root: root, runIndex: make(map[string]string)}
	if _, err := os.Stat(filepath.Join(root, tracking.DefaultExperimentID, metaFile)); os.IsNotExist(err) {
		if err := s.writeExperiment(tracking.DefaultExperimentID, tracking.DefaultExperimentName, ""); err != nil {
			return nil, err
		}
	}
	log.GetLoggerWithName("filestore").Debug("file store opened", "root", root)
	return s, nil
}

func rootPath(uri string) (string, error) {
	p := uri
	if strings.HasPrefix(uri, "file:") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", errors.Wrapf(err, "invalid file store URI %q", uri)
		}
		p = filepath.FromSlash(u.Path)
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/path
			p = filepath.Join(u.Host, p)
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", p)
	}
	return abs, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Close implements tracking.Store.
func (s *Store) Close() error { return nil }

func fileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

func notFound(op, what string) error {
	return errors.NewTrackingError(op, errors.CodeResourceDoesNotExist, what+" does not exist")
}

func readYAML(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(yaml.Unmarshal(raw, v), "decode %s", path)
}

func writeYAML(path string, v interface{}) error {
	raw, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(path))
	}
	// write-then-rename keeps readers from seeing half-written metadata
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return errors.Wrapf(os.Rename(tmp, path), "write %s", path)
}

// ===========================================================================
//
//	Experiments
//
// ===========================================================================

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

func (m experimentMeta) experiment() *tracking.Experiment {
	return &tracking.Experiment{
		ExperimentID:     m.ExperimentID,
		Name:             m.Name,
		ArtifactLocation: m.ArtifactLocation,
		LifecycleStage:   m.LifecycleStage,
		CreationTime:     m.CreationTime,
		LastUpdateTime:   m.LastUpdateTime,
	}
}

// newExperimentID returns a positive 18-digit-or-less integer id.
func newExperimentID() string {
	id := uuid.New()
	n := binary.BigEndian.Uint64(id[:8]) % 1_000_000_000_000_000_000
	return strconv.FormatUint(n, 10)
}

func (s *Store) writeExperiment(id, name, artifactLocation string) error {
	if artifactLocation == "" {
		artifactLocation = fileURI(filepath.Join(s.root, id))
	}
	now := time.Now().UnixMilli()
	return writeYAML(filepath.Join(s.root, id, metaFile), experimentMeta{
		ArtifactLocation: artifactLocation,
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   tracking.LifecycleActive,
		Name:             name,
	})
}

func (s *Store) readExperiment(id string) (*experimentMeta, error) {
	var m experimentMeta
	if err := readYAML(filepath.Join(s.root, id, metaFile), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("GetExperiment", "experiment "+id)
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) experimentIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", s.root)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != trashDir {
			if _, err := os.Stat(filepath.Join(s.root, e.Name(), metaFile)); err == nil {
				ids = append(ids, e.Name())
			}
		}
	}
	return ids, nil
}

// CreateExperiment implements tracking.Store.
func (s *Store) CreateExperiment(ctx context.Context, name, artifactLocation string) (string, error) {
	if name == "" {
		return "", errors.NewTrackingError("CreateExperiment", errors.CodeInvalidParameterValue, "experiment name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.experimentByName(name); err == nil {
		return "", errors.NewTrackingError("CreateExperiment", errors.CodeResourceAlreadyExists,
			"experiment "+name+" already exists")
	}
	id := newExperimentID()
	if err := s.writeExperiment(id, name, artifactLocation); err != nil {
		return "", err
	}
	return id, nil
}

// GetExperiment implements tracking.Store.
func (s *Store) GetExperiment(_ context.Context, experimentID string) (*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.readExperiment(experimentID)
	if err != nil {
		return nil, err
	}
	return m.experiment(), nil
}

// GetExperimentByName implements tracking.Store.
func (s *Store) GetExperimentByName(_ context.Context, name string) (*tracking.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.experimentByName(name)
}

func (s *Store) experimentByName(name string) (*tracking.Experiment, error) {
	ids, err := s.experimentIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		m, err := s.readExperiment(id)
		if err != nil {
			return nil, err
		}
		if m.Name == name {
			return m.experiment(), nil
		}
	}
	return nil, notFound("GetExperimentByName", "experiment "+name)
}
