package filestore

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/mltrack/pkg/errors"
	"github.com/YuminosukeSato/mltrack/tracking"
)

// status codes as stored in run meta.yaml
var statusCodes = map[tracking.RunStatus]int{
	tracking.RunStatusRunning:   1,
	tracking.RunStatusScheduled: 2,
	tracking.RunStatusFinished:  3,
	tracking.RunStatusFailed:    4,
	tracking.RunStatusKilled:    5,
}

func statusFromCode(code int) tracking.RunStatus {
	for s, c := range statusCodes {
		if c == code {
			return s
		}
	}
	return tracking.RunStatusRunning
}

const sourceTypeLocal = 4

type runMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        *int64   `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

func (m *runMeta) info() tracking.RunInfo {
	info := tracking.RunInfo{
		RunID:          m.RunID,
		RunName:        m.RunName,
		ExperimentID:   m.ExperimentID,
		UserID:         m.UserID,
		Status:         statusFromCode(m.Status),
		StartTime:      m.StartTime,
		ArtifactURI:    m.ArtifactURI,
		LifecycleStage: m.LifecycleStage,
	}
	if m.EndTime != nil {
		info.EndTime = *m.EndTime
	}
	return info
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Store) runDir(experimentID, runID string) string {
	return filepath.Join(s.root, experimentID, runID)
}

// locateRun finds the experiment of a run. Callers hold s.mu.
func (s *Store) locateRun(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\.`) {
		return "", notFound("GetRun", "run "+runID)
	}
	if exp, ok := s.runIndex[runID]; ok {
		return exp, nil
	}
	ids, err := s.experimentIDs()
	if err != nil {
		return "", err
	}
	for _, exp := range ids {
		if _, err := os.Stat(filepath.Join(s.runDir(exp, runID), metaFile)); err == nil {
			return exp, nil
		}
	}
	return "", notFound("GetRun", "run "+runID)
}

func (s *Store) readRunMeta(experimentID, runID string) (*runMeta, error) {
	var m runMeta
	if err := readYAML(filepath.Join(s.runDir(experimentID, runID), metaFile), &m); err != nil {
		if os.IsNotExist(err) {
			return nil, notFound("GetRun", "run "+runID)
		}
		return nil, err
	}
	return &m, nil
}

// CreateRun implements tracking.Store.
func (s *Store) CreateRun(_ context.Context, req tracking.CreateRunRequest) (*tracking.RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, err := s.readExperiment(req.ExperimentID)
	if err != nil {
		return nil, err
	}
	if exp.LifecycleStage != tracking.LifecycleActive {
		return nil, errors.NewTrackingError("CreateRun", errors.CodeInvalidParameterValue,
			"experiment "+req.ExperimentID+" is not active")
	}

	runID := newRunID()
	meta := &runMeta{
		ArtifactURI:    strings.TrimRight(exp.ArtifactLocation, "/") + "/" + runID + "/" + artifactDir,
		ExperimentID:   req.ExperimentID,
		LifecycleStage: tracking.LifecycleActive,
		RunID:          runID,
		RunName:        req.RunName,
		RunUUID:        runID,
		SourceType:     sourceTypeLocal,
		StartTime:      req.StartTime,
		Status:         statusCodes[tracking.RunStatusRunning],
		Tags:           []string{},
		UserID:         req.UserID,
	}
	dir := s.runDir(req.ExperimentID, runID)
	for _, sub := range []string{paramsDir, metricsDir, tagsDir, artifactDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create run directory %s", dir)
		}
	}
	if err := writeYAML(filepath.Join(dir, metaFile), meta); err != nil {
		return nil, err
	}
	for _, t := range req.Tags {
		if err := s.writeKeyFile(dir, tagsDir, t.Key, t.Value); err != nil {
			return nil, err
		}
	}
	s.runIndex[runID] = req.ExperimentID
	info := meta.info()
	return &info, nil
}

// UpdateRun implements tracking.Store.
func (s *Store) UpdateRun(_ context.Context, runID string, status tracking.RunStatus, endTime int64) error {
	code, ok := statusCodes[status]
	if !ok {
		return errors.NewTrackingError("UpdateRun", errors.CodeInvalidParameterValue, "unknown run status "+string(status))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, err := s.locateRun(runID)
	if err != nil {
		return err
	}
	meta, err := s.readRunMeta(exp, runID)
	if err != nil {
		return err
	}
	meta.Status = code
	if status.IsTerminal() {
		meta.EndTime = &endTime
	}
	return writeYAML(filepath.Join(s.runDir(exp, runID), metaFile), meta)
}

// keyPath maps a (possibly slash separated) key to a file below dir/kind.
func keyPath(dir, kind, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.NewTrackingError("LogBatch", errors.CodeInvalidParameterValue, "invalid key "+key)
	}
	return filepath.Join(dir, kind, clean), nil
}

func (s *Store) writeKeyFile(dir, kind, key, value string) error {
	p, err := keyPath(dir, kind, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", filepath.Dir(p))
	}
	return errors.Wrapf(os.WriteFile(p, []byte(value), 0o644), "write %s %s", kind, key)
}

// LogBatch implements tracking.Store.
func (s *Store) LogBatch(_ context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, err := s.locateRun(runID)
	if err != nil {
		return err
	}
	meta, err := s.readRunMeta(exp, runID)
	if err != nil {
		return err
	}
	if meta.LifecycleStage != tracking.LifecycleActive {
		return errors.NewTrackingError("LogBatch", errors.CodeInvalidParameterValue, "run "+runID+" is deleted")
	}
	dir := s.runDir(exp, runID)

	for _, p := range params {
		path, err := keyPath(dir, paramsDir, p.Key)
		if err != nil {
			return err
		}
		if old, err := os.ReadFile(path); err == nil {
			if string(old) != p.Value {
				return errors.NewTrackingError("LogBatch", errors.CodeInvalidParameterValue,
					fmt.Sprintf("changing param values is not allowed. Param with key=%q was already logged with value=%q for run ID=%q. Attempted logging new value %q",
						p.Key, string(old), runID, p.Value))
			}
			continue
		}
		if err := s.writeKeyFile(dir, paramsDir, p.Key, p.Value); err != nil {
			return err
		}
	}
	for _, m := range metrics {
		path, err := keyPath(dir, metricsDir, m.Key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(path))
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrapf(err, "open metric %s", m.Key)
		}
		_, werr := fmt.Fprintf(f, "%d %s %d\n", m.Timestamp, formatMetric(m.Value), m.Step)
		if err := errors.CombineErrors(werr, f.Close()); err != nil {
			return errors.Wrapf(err, "append metric %s", m.Key)
		}
	}
	for _, t := range tags {
		if err := s.writeKeyFile(dir, tagsDir, t.Key, t.Value); err != nil {
			return err
		}
	}
	return nil
}

func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// readKeyFiles returns every file below dir as key -> content, keys slash separated.
func readKeyFiles(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(raw)
		return nil
	})
	return out, err
}

// latestMetric parses a metric file and returns the entry with the highest
// (step, timestamp, value).
func latestMetric(key, content string) (tracking.Metric, error) {
	var (
		latest tracking.Metric
		found  bool
	)
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return latest, errors.Wrapf(err, "metric %s: bad timestamp", key)
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return latest, errors.Wrapf(err, "metric %s: bad value", key)
		}
		var step int64
		if len(fields) > 2 {
			if step, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
				return latest, errors.Wrapf(err, "metric %s: bad step", key)
			}
		}
		m := tracking.Metric{Key: key, Value: val, Timestamp: ts, Step: step}
		if !found || m.Step > latest.Step ||
			(m.Step == latest.Step && (m.Timestamp > latest.Timestamp ||
				(m.Timestamp == latest.Timestamp && m.Value > latest.Value))) {
			latest, found = m, true
		}
	}
	return latest, sc.Err()
}

func (s *Store) readRun(exp, runID string) (*tracking.RunRecord, error) {
	meta, err := s.readRunMeta(exp, runID)
	if err != nil {
		return nil, err
	}
	dir := s.runDir(exp, runID)
	rec := &tracking.RunRecord{Info: meta.info()}

	params, err := readKeyFiles(filepath.Join(dir, paramsDir))
	if err != nil {
		return nil, errors.Wrapf(err, "read params of run %s", runID)
	}
	for _, k := range sortedKeys(params) {
		rec.Data.Params = append(rec.Data.Params, tracking.Param{Key: k, Value: params[k]})
	}

	tags, err := readKeyFiles(filepath.Join(dir, tagsDir))
	if err != nil {
		return nil, errors.Wrapf(err, "read tags of run %s", runID)
	}
	for _, k := range sortedKeys(tags) {
		rec.Data.Tags = append(rec.Data.Tags, tracking.Tag{Key: k, Value: tags[k]})
	}

	metrics, err := readKeyFiles(filepath.Join(dir, metricsDir))
	if err != nil {
		return nil, errors.Wrapf(err, "read metrics of run %s", runID)
	}
	for _, k := range sortedKeys(metrics) {
		m, err := latestMetric(k, metrics[k])
		if err != nil {
			return nil, err
		}
		rec.Data.Metrics = append(rec.Data.Metrics, m)
	}

	inputs, err := s.readInputs(exp, runID)
	if err != nil {
		return nil, err
	}
	rec.Inputs.DatasetInputs = inputs
	return rec, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetRun implements tracking.Store.
func (s *Store) GetRun(_ context.Context, runID string) (*tracking.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, err := s.locateRun(runID)
	if err != nil {
		return nil, err
	}
	return s.readRun(exp, runID)
}

// SearchRuns implements tracking.Store. Runs are ordered by start time,
// newest first.
func (s *Store) SearchRuns(ctx context.Context, experimentIDs []string, filter tracking.RunFilter) ([]*tracking.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tracking.RunRecord
	for _, exp := range experimentIDs {
		if _, err := s.readExperiment(exp); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(filepath.Join(s.root, exp))
		if err != nil {
			return nil, errors.Wrapf(err, "list experiment %s", exp)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !e.IsDir() || e.Name() == datasetsDir {
				continue
			}
			rec, err := s.readRun(exp, e.Name())
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if rec.Info.LifecycleStage == tracking.LifecycleActive && filter.Matches(rec) {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Info.StartTime != out[j].Info.StartTime {
			return out[i].Info.StartTime > out[j].Info.StartTime
		}
		return out[i].Info.RunID < out[j].Info.RunID
	})
	return out, nil
}

// ===========================================================================
//
//	Dataset inputs
//
// ===========================================================================

const (
	inputSourceDataset  = 1
	inputDestinationRun = 1
)

type datasetMeta struct {
	Name       string `yaml:"name"`
	Digest     string `yaml:"digest"`
	SourceType string `yaml:"source_type"`
	Source     string `yaml:"source"`
	Schema     string `yaml:"schema,omitempty"`
	Profile    string `yaml:"profile,omitempty"`
}

type inputMeta struct {
	SourceType      int               `yaml:"source_type"`
	SourceID        string            `yaml:"source_id"`
	DestinationType int               `yaml:"destination_type"`
	DestinationID   string            `yaml:"destination_id"`
	Tags            map[string]string `yaml:"tags,omitempty"`
}

func hashID(parts ...string) string {
	h := md5.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LogInputs implements tracking.Store. A dataset is stored once per
// experiment, keyed by name and digest.
func (s *Store) LogInputs(_ context.Context, runID string, inputs []tracking.DatasetInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, err := s.locateRun(runID)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		ds := in.Dataset
		if ds.Name == "" || ds.Digest == "" {
			return errors.NewTrackingError("LogInputs", errors.CodeInvalidParameterValue, "dataset name and digest are required")
		}
		datasetID := hashID(ds.Name, ds.Digest)
		dsPath := filepath.Join(s.root, exp, datasetsDir, datasetID, metaFile)
		if _, err := os.Stat(dsPath); os.IsNotExist(err) {
			if err := writeYAML(dsPath, datasetMeta(ds)); err != nil {
				return err
			}
		}

		tags := make(map[string]string, len(in.Tags))
		for _, t := range in.Tags {
			tags[t.Key] = t.Value
		}
		inputID := hashID(datasetID, runID)
		if err := writeYAML(filepath.Join(s.runDir(exp, runID), inputsDir, inputID, metaFile), inputMeta{
			SourceType:      inputSourceDataset,
			SourceID:        datasetID,
			DestinationType: inputDestinationRun,
			DestinationID:   runID,
			Tags:            tags,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) readInputs(exp, runID string) ([]tracking.DatasetInput, error) {
	entries, err := os.ReadDir(filepath.Join(s.runDir(exp, runID), inputsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list inputs of run %s", runID)
	}
	var out []tracking.DatasetInput
	for _, e := range entries {
		var in inputMeta
		if err := readYAML(filepath.Join(s.runDir(exp, runID), inputsDir, e.Name(), metaFile), &in); err != nil {
			return nil, err
		}
		var ds datasetMeta
		if err := readYAML(filepath.Join(s.root, exp, datasetsDir, in.SourceID, metaFile), &ds); err != nil {
			return nil, err
		}
		di := tracking.DatasetInput{Dataset: tracking.Dataset(ds)}
		for _, k := range sortedKeys(in.Tags) {
			di.Tags = append(di.Tags, tracking.InputTag{Key: k, Value: in.Tags[k]})
		}
		out = append(out, di)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Dataset, out[j].Dataset
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Digest < b.Digest
	})
	return out, nil
}
